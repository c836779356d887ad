package netmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/hostdiag/internal/events"
)

type step struct {
	c   Counters
	err error
}

// scriptedReader returns steps in order. Once they run out it keeps
// extending the last two counter values at the same rate, so later
// cycles compute the same throughput. Every call is reported on calls.
type scriptedReader struct {
	mu    sync.Mutex
	steps []step
	n     int
	calls chan int
}

func newScriptedReader(steps ...step) *scriptedReader {
	return &scriptedReader{steps: steps, calls: make(chan int, 64)}
}

func (r *scriptedReader) read(_ context.Context, _ string) (Counters, error) {
	r.mu.Lock()
	n := r.n
	r.n++
	r.mu.Unlock()
	defer func() { r.calls <- n }()

	if n < len(r.steps) {
		return r.steps[n].c, r.steps[n].err
	}
	last := r.steps[len(r.steps)-1].c
	if len(r.steps) < 2 {
		return last, nil
	}
	prev := r.steps[len(r.steps)-2].c
	k := uint64(n - len(r.steps) + 1)
	return Counters{
		BytesSent: last.BytesSent + k*(last.BytesSent-prev.BytesSent),
		BytesRecv: last.BytesRecv + k*(last.BytesRecv-prev.BytesRecv),
	}, nil
}

func (r *scriptedReader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitCall(t *testing.T, r *scriptedReader, want int) {
	t.Helper()
	select {
	case got := <-r.calls:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for read %d", want)
	}
}

// advanceUntil moves the mock clock forward by step until cond holds.
// The sampler divides by its configured interval, not by elapsed time,
// so extra advances do not change computed rates.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		mock.Add(step)
		return cond()
	}, 2*time.Second, 2*time.Millisecond)
}

func sampled(s *Sampler) func() bool {
	return func() bool { return !s.Throughput(Bytes).UpdatedAt.IsZero() }
}

func TestSampler_ComputesRates(t *testing.T) {
	mock := clock.NewMock()
	r := newScriptedReader(
		step{c: Counters{BytesSent: 1000, BytesRecv: 2000}},
		step{c: Counters{BytesSent: 3000, BytesRecv: 2400}},
	)
	s := NewSampler("eth0", 2*time.Second, WithReader(r.read), WithClock(mock), WithLogger(quietLogger()))

	s.Start(context.Background())
	waitCall(t, r, 0)
	advanceUntil(t, mock, 2*time.Second, sampled(s))

	got := s.Throughput(Bytes)
	assert.Equal(t, "eth0", got.Interface)
	assert.InDelta(t, 1000.0, got.TX, 1e-9)
	assert.InDelta(t, 200.0, got.RX, 1e-9)

	kb := s.Throughput(Kilobytes)
	assert.InDelta(t, 1.0, kb.TX, 1e-12)
	assert.InDelta(t, 0.2, kb.RX, 1e-12)

	require.NoError(t, s.Stop())
}

func TestSampler_ThroughputBeforeFirstSample(t *testing.T) {
	s := NewSampler("eth0", time.Second)
	got := s.Throughput(Kilobytes)
	assert.Zero(t, got.TX)
	assert.Zero(t, got.RX)
	assert.True(t, got.UpdatedAt.IsZero())
	assert.Equal(t, Kilobytes, got.Unit)
}

func TestSampler_InterfaceVanishes(t *testing.T) {
	mock := clock.NewMock()
	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	r := newScriptedReader(
		step{c: Counters{BytesSent: 10, BytesRecv: 10}},
		step{err: &InterfaceNotFoundError{Interface: "wlan0"}},
	)
	s := NewSampler("wlan0", time.Second, WithReader(r.read), WithClock(mock), WithLogger(quietLogger()), WithBus(bus))

	s.Start(context.Background())
	waitCall(t, r, 0)
	advanceUntil(t, mock, time.Second, func() bool {
		select {
		case <-s.Done():
			return true
		default:
			return false
		}
	})

	var nf *InterfaceNotFoundError
	require.ErrorAs(t, s.Err(), &nf)
	assert.Equal(t, "wlan0", nf.Interface)
	assert.True(t, s.Throughput(Bytes).UpdatedAt.IsZero(), "no pair stored for a failed cycle")

	// Stop after a terminal failure returns the same error.
	require.ErrorAs(t, s.Stop(), &nf)

	var exit events.Event
	require.Eventually(t, func() bool {
		select {
		case e := <-sub:
			if e.Kind == events.KindSamplerExit {
				exit = e
				return true
			}
		default:
		}
		return false
	}, time.Second, time.Millisecond)
	assert.Equal(t, "wlan0", exit.Data["interface"])
	assert.Contains(t, exit.Data["error"], "not found")
}

func TestSampler_ReadErrorWrapped(t *testing.T) {
	boom := errors.New("proc unreadable")
	r := newScriptedReader(step{err: boom})
	s := NewSampler("eth0", time.Second, WithReader(r.read), WithClock(clock.NewMock()), WithLogger(quietLogger()))

	s.Start(context.Background())
	err := s.Wait()

	var nf *InterfaceNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "eth0", nf.Interface)
}

func TestSampler_StopWaitsForTermination(t *testing.T) {
	mock := clock.NewMock()
	r := newScriptedReader(step{c: Counters{BytesSent: 1, BytesRecv: 1}})
	s := NewSampler("eth0", time.Minute, WithReader(r.read), WithClock(mock), WithLogger(quietLogger()))

	s.Start(context.Background())
	waitCall(t, r, 0)

	// The sampler is suspended in its interval wait. Stop must interrupt
	// it there and return only once the goroutine has exited.
	require.NoError(t, s.Stop())

	select {
	case <-s.Done():
	default:
		t.Fatal("Stop returned before the sampler goroutine exited")
	}
	assert.Equal(t, 1, r.count(), "cancelled sampler must not read again")
	assert.NoError(t, s.Err())
}

func TestSampler_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newScriptedReader(step{c: Counters{}})
	s := NewSampler("eth0", time.Minute, WithReader(r.read), WithClock(clock.NewMock()), WithLogger(quietLogger()))

	s.Start(ctx)
	waitCall(t, r, 0)
	cancel()
	assert.NoError(t, s.Wait())
}

func TestSampler_StopDuringReadCompletesRead(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var readErr atomic.Value
	var reads atomic.Int32
	read := func(ctx context.Context, _ string) (Counters, error) {
		if reads.Add(1) == 1 {
			close(entered)
			<-release
			readErr.Store(fmt.Sprint(ctx.Err()))
		}
		return Counters{BytesSent: 1, BytesRecv: 1}, nil
	}
	s := NewSampler("eth0", time.Minute, WithReader(read), WithClock(clock.NewMock()), WithLogger(quietLogger()))
	s.Start(context.Background())
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	select {
	case <-s.Done():
		t.Fatal("sampler exited while a counter read was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the read completed")
	}
	assert.Equal(t, "<nil>", readErr.Load(), "counter read saw a cancelled context")
	assert.Equal(t, int32(1), reads.Load(), "cancelled sampler must not read again")
	assert.NoError(t, s.Err())
}

func TestSampler_StopWithoutStart(t *testing.T) {
	s := NewSampler("eth0", time.Second)
	assert.NoError(t, s.Stop())
}

func TestSampler_StartTwice(t *testing.T) {
	var reads atomic.Int32
	read := func(context.Context, string) (Counters, error) {
		reads.Add(1)
		return Counters{}, nil
	}
	s := NewSampler("eth0", time.Second, WithReader(read), WithClock(clock.NewMock()), WithLogger(quietLogger()))
	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return reads.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(1), reads.Load())
}

func TestSampler_ConcurrentReadersSeeWholePairs(t *testing.T) {
	mock := clock.NewMock()

	// TX and RX always advance by the same amount, so any pair a reader
	// observes must have TX == RX.
	var n atomic.Uint64
	read := func(context.Context, string) (Counters, error) {
		i := n.Add(1)
		v := i * i * 100
		return Counters{BytesSent: v, BytesRecv: v}, nil
	}
	s := NewSampler("eth0", time.Second, WithReader(read), WithClock(mock), WithLogger(quietLogger()))
	s.Start(context.Background())
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var torn atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				tp := s.Throughput(Bytes)
				if tp.TX != tp.RX {
					torn.Add(1)
				}
			}
		}()
	}

	for range 50 {
		mock.Add(time.Second)
	}
	cancel()
	wg.Wait()

	assert.Zero(t, torn.Load())
}

func TestDelta_CounterReset(t *testing.T) {
	assert.Equal(t, 0.0, delta(5000, 10))
	assert.Equal(t, 90.0, delta(10, 100))
}

func TestNewSampler_DefaultInterval(t *testing.T) {
	assert.Equal(t, time.Second, NewSampler("eth0", 0).interval)
}

func TestInterfaces(t *testing.T) {
	orig := interfaceLister
	t.Cleanup(func() { interfaceLister = orig })

	interfaceLister = func(context.Context) (psnet.InterfaceStatList, error) {
		return psnet.InterfaceStatList{
			{Name: "wlan0", Flags: []string{"up", "broadcast"}},
			{Name: "lo", Flags: []string{"up", "loopback"}},
			{Name: "eth1", Flags: []string{"broadcast"}},
			{Name: "eth0", Flags: []string{"up", "broadcast", "multicast"}},
		}, nil
	}

	got, err := Interfaces(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"eth0", "wlan0"}, got)
}

func TestInterfaces_Error(t *testing.T) {
	orig := interfaceLister
	t.Cleanup(func() { interfaceLister = orig })

	interfaceLister = func(context.Context) (psnet.InterfaceStatList, error) {
		return nil, errors.New("no netlink")
	}
	_, err := Interfaces(context.Background())
	assert.ErrorContains(t, err, "no netlink")
}
