package metrics

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/hostdiag/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExporter_ObserveMQTT(t *testing.T) {
	e := New(quietLogger())

	e.Observe(events.Event{Source: events.SourceMQTT, Kind: events.KindConnState,
		Data: map[string]any{"state": "connected", "fatal": false}})
	assert.Equal(t, 1.0, testutil.ToFloat64(e.connected))

	for range 2 {
		e.Observe(events.Event{Source: events.SourceMQTT, Kind: events.KindPublished,
			Data: map[string]any{"entity": "pi_cpu_usage"}})
	}
	e.Observe(events.Event{Source: events.SourceMQTT, Kind: events.KindSkipped,
		Data: map[string]any{"entity": "pi_cpu_usage"}})
	e.Observe(events.Event{Source: events.SourceMQTT, Kind: events.KindPublishFailed,
		Data: map[string]any{"entity": "pi_disk_usage"}})
	e.Observe(events.Event{Source: events.SourceMQTT, Kind: events.KindRegistered,
		Data: map[string]any{"entity": "pi_cpu_usage"}})

	assert.Equal(t, 2.0, testutil.ToFloat64(e.published.WithLabelValues("pi_cpu_usage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.skipped.WithLabelValues("pi_cpu_usage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.failed.WithLabelValues("pi_disk_usage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.registered.WithLabelValues("pi_cpu_usage")))

	e.Observe(events.Event{Source: events.SourceMQTT, Kind: events.KindConnState,
		Data: map[string]any{"state": "disconnected", "fatal": true, "reason_code": byte(0x86)}})
	assert.Equal(t, 0.0, testutil.ToFloat64(e.connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.fatal))
}

func TestExporter_ObserveNetmon(t *testing.T) {
	e := New(quietLogger())

	e.Observe(events.Event{Source: events.SourceNetmon, Kind: events.KindSample,
		Data: map[string]any{"interface": "eth0", "tx": 1000.0, "rx": 200.0}})
	assert.Equal(t, 1000.0, testutil.ToFloat64(e.throughput.WithLabelValues("eth0", "tx")))
	assert.Equal(t, 200.0, testutil.ToFloat64(e.throughput.WithLabelValues("eth0", "rx")))

	e.Observe(events.Event{Source: events.SourceNetmon, Kind: events.KindSamplerExit,
		Data: map[string]any{"interface": "eth0", "error": `interface "eth0" not found`}})
	e.Observe(events.Event{Source: events.SourceNetmon, Kind: events.KindSamplerExit,
		Data: map[string]any{"interface": "wlan0", "error": ""}})
	assert.Equal(t, 1.0, testutil.ToFloat64(e.samplerExits.WithLabelValues("eth0", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.samplerExits.WithLabelValues("wlan0", "cancelled")))
}

func TestExporter_IgnoresUnknownEvents(t *testing.T) {
	e := New(quietLogger())
	e.Observe(events.Event{Source: "other", Kind: events.KindPublished, Data: map[string]any{"entity": "x"}})
	assert.Equal(t, 0, testutil.CollectAndCount(e.published))
}

func TestExporter_RunConsumesBus(t *testing.T) {
	e := New(quietLogger())
	bus := events.New()

	e.Subscribe(bus)
	assert.Equal(t, 1, bus.SubscriberCount())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	bus.Emit(events.SourceMQTT, events.KindPublished, map[string]any{"entity": "pi_hostname"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(e.published.WithLabelValues("pi_hostname")) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestServer_Routes(t *testing.T) {
	e := New(quietLogger())
	e.Observe(events.Event{Source: events.SourceMQTT, Kind: events.KindPublished,
		Data: map[string]any{"entity": "pi_cpu_usage"}})
	srv := httptest.NewServer(NewServer(":0", e, quietLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `hostdiag_mqtt_states_published_total{entity="pi_cpu_usage"} 1`),
		"metrics body missing publish counter:\n%s", body)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "healthy", health["status"])

	resp, err = http.Get(srv.URL + "/version")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Contains(t, info, "version")

	resp, err = http.Post(srv.URL+"/metrics", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
