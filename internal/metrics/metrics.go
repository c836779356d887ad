// Package metrics exports publisher and sampler activity in the
// Prometheus text format. It learns everything from the event bus, so
// the publishing code carries no Prometheus dependency.
package metrics

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/hostdiag/internal/events"
)

const namespace = "hostdiag"

// Exporter turns bus events into Prometheus metrics.
type Exporter struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	connected    prometheus.Gauge
	fatal        prometheus.Counter
	registered   *prometheus.CounterVec
	published    *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	failed       *prometheus.CounterVec
	throughput   *prometheus.GaugeVec
	samplerExits *prometheus.CounterVec

	bus *events.Bus
	sub <-chan events.Event
}

// New creates an Exporter with its own registry. Go runtime and
// process collectors are included.
func New(logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		logger:   logger,
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "connected",
			Help: "1 while the broker session is up.",
		}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "fatal_errors_total",
			Help: "Unrecoverable broker session failures.",
		}),
		registered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "discovery_published_total",
			Help: "Discovery documents acknowledged by the broker.",
		}, []string{"entity"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "states_published_total",
			Help: "State values transmitted.",
		}, []string{"entity"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "states_skipped_total",
			Help: "State values suppressed because they were unchanged and fresh.",
		}, []string{"entity"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "publish_failures_total",
			Help: "Discovery or state publishes that did not complete.",
		}, []string{"entity"}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "network", Name: "throughput_bytes_per_second",
			Help: "Last sampled interface byte rate.",
		}, []string{"interface", "direction"}),
		samplerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "sampler_exits_total",
			Help: "Throughput sampler terminations by outcome.",
		}, []string{"interface", "outcome"}),
	}

	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		e.connected, e.fatal, e.registered, e.published, e.skipped,
		e.failed, e.throughput, e.samplerExits,
	)
	return e
}

// Registry returns the registry the exporter writes to.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Subscribe attaches the exporter to bus. The bus keeps nothing for
// late subscribers, so call it before the publisher connects; events
// queue until [Exporter.Run] consumes them.
func (e *Exporter) Subscribe(bus *events.Bus) {
	if bus == nil || e.sub != nil {
		return
	}
	e.bus = bus
	e.sub = bus.Subscribe(256)
}

// Run consumes subscribed bus events until ctx is cancelled, then
// unsubscribes. Without a subscription it just waits for ctx.
func (e *Exporter) Run(ctx context.Context) {
	if e.sub == nil {
		<-ctx.Done()
		return
	}
	defer e.bus.Unsubscribe(e.sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.sub:
			if !ok {
				return
			}
			e.Observe(ev)
		}
	}
}

// Observe applies a single event.
func (e *Exporter) Observe(ev events.Event) {
	switch ev.Source {
	case events.SourceMQTT:
		e.observeMQTT(ev)
	case events.SourceNetmon:
		e.observeNetmon(ev)
	}
}

func (e *Exporter) observeMQTT(ev events.Event) {
	entity, _ := ev.Data["entity"].(string)
	switch ev.Kind {
	case events.KindConnState:
		state, _ := ev.Data["state"].(string)
		if state == "connected" {
			e.connected.Set(1)
		} else {
			e.connected.Set(0)
		}
		if fatal, _ := ev.Data["fatal"].(bool); fatal {
			e.fatal.Inc()
		}
	case events.KindRegistered:
		e.registered.WithLabelValues(entity).Inc()
	case events.KindPublished:
		e.published.WithLabelValues(entity).Inc()
	case events.KindSkipped:
		e.skipped.WithLabelValues(entity).Inc()
	case events.KindPublishFailed:
		e.failed.WithLabelValues(entity).Inc()
	}
}

func (e *Exporter) observeNetmon(ev events.Event) {
	iface, _ := ev.Data["interface"].(string)
	switch ev.Kind {
	case events.KindSample:
		tx, _ := ev.Data["tx"].(float64)
		rx, _ := ev.Data["rx"].(float64)
		e.throughput.WithLabelValues(iface, "tx").Set(tx)
		e.throughput.WithLabelValues(iface, "rx").Set(rx)
	case events.KindSamplerExit:
		outcome := "cancelled"
		if msg, _ := ev.Data["error"].(string); msg != "" {
			outcome = "error"
		}
		e.samplerExits.WithLabelValues(iface, outcome).Inc()
		e.logger.Debug("sampler exit recorded", "interface", iface, "outcome", outcome)
	}
}
