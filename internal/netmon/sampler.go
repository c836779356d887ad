// Package netmon estimates per-interface network throughput. Each
// [Sampler] owns one goroutine that reads the interface byte counters,
// waits one sample interval, reads them again, and stores the
// resulting transmit/receive rates as a single pair. Readers on other
// goroutines always see a complete pair from one sample cycle.
package netmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nugget/hostdiag/internal/config"
	"github.com/nugget/hostdiag/internal/events"
)

// InterfaceNotFoundError reports that an interface's counters could
// not be read, either because the interface never existed or because
// it disappeared while the sampler was running. It ends that sampler
// only.
type InterfaceNotFoundError struct {
	Interface string
	Err       error // underlying read failure, if any
}

func (e *InterfaceNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("interface %q not found: %v", e.Interface, e.Err)
	}
	return fmt.Sprintf("interface %q not found", e.Interface)
}

func (e *InterfaceNotFoundError) Unwrap() error { return e.Err }

// Counters is a snapshot of the cumulative byte counters of one
// interface.
type Counters struct {
	BytesSent uint64
	BytesRecv uint64
}

// CounterReader returns the current counters for iface. It must
// return an error (preferably *InterfaceNotFoundError) when the
// interface is absent.
type CounterReader func(ctx context.Context, iface string) (Counters, error)

// Throughput is one rate pair converted to Unit.
type Throughput struct {
	Interface string
	TX        float64
	RX        float64
	Unit      Unit
	// UpdatedAt is when the pair was stored; zero before the first
	// completed sample cycle.
	UpdatedAt time.Time
}

// rate is the stored pair in bytes/second. It is always copied whole
// under Sampler.mu.
type rate struct {
	tx, rx float64
	at     time.Time
}

// Sampler continuously estimates the byte rate of one interface.
type Sampler struct {
	iface    string
	interval time.Duration
	read     CounterReader
	clock    clock.Clock
	logger   *slog.Logger
	bus      *events.Bus

	mu   sync.Mutex
	rate rate

	life    sync.Mutex // guards cancel and started
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error // written once before done is closed
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithReader replaces the gopsutil counter reader.
func WithReader(r CounterReader) Option { return func(s *Sampler) { s.read = r } }

// WithClock replaces the wall clock, typically with [clock.NewMock].
func WithClock(c clock.Clock) Option { return func(s *Sampler) { s.clock = c } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Sampler) { s.logger = l } }

// WithBus publishes sample and exit events to b.
func WithBus(b *events.Bus) Option { return func(s *Sampler) { s.bus = b } }

// NewSampler creates a sampler for iface. A non-positive interval is
// replaced with one second. Call [Sampler.Start] to begin sampling.
func NewSampler(iface string, interval time.Duration, opts ...Option) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Sampler{
		iface:    iface,
		interval: interval,
		read:     ReadCounters,
		clock:    clock.New(),
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interface returns the monitored interface name.
func (s *Sampler) Interface() string { return s.iface }

// Start launches the sampling goroutine. It runs until ctx is
// cancelled, [Sampler.Stop] is called, or the interface disappears.
// Calling Start more than once has no effect.
func (s *Sampler) Start(ctx context.Context) {
	s.life.Lock()
	defer s.life.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)

	s.logger.Debug("network sampler started",
		"interface", s.iface,
		"interval", s.interval,
	)
}

// Stop cancels the sampler and blocks until its goroutine has exited.
// It returns the terminal error, which is nil for a cancelled sampler.
// Stopping a sampler that was never started returns immediately.
func (s *Sampler) Stop() error {
	s.life.Lock()
	started, cancel := s.started, s.cancel
	s.life.Unlock()
	if !started {
		return nil
	}
	cancel()
	return s.Wait()
}

// Wait blocks until the sampler goroutine exits and returns its
// terminal error. It must only be called after Start.
func (s *Sampler) Wait() error {
	<-s.done
	return s.err
}

// Done is closed when the sampler goroutine has exited.
func (s *Sampler) Done() <-chan struct{} { return s.done }

// Err returns the terminal error once Done is closed, nil before.
func (s *Sampler) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Throughput returns the most recent rate pair converted to unit. It is
// safe to call concurrently with the sampling goroutine.
func (s *Sampler) Throughput(unit Unit) Throughput {
	s.mu.Lock()
	r := s.rate
	s.mu.Unlock()

	return Throughput{
		Interface: s.iface,
		TX:        unit.Convert(r.tx),
		RX:        unit.Convert(r.rx),
		Unit:      unit,
		UpdatedAt: r.at,
	}
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)

	err := s.loop(ctx)
	s.err = err

	data := map[string]any{"interface": s.iface, "error": ""}
	if err != nil {
		data["error"] = err.Error()
		s.logger.Error("network sampler stopped", "interface", s.iface, "error", err)
	} else {
		s.logger.Debug("network sampler cancelled", "interface", s.iface)
	}
	s.bus.Emit(events.SourceNetmon, events.KindSamplerExit, data)
}

// loop runs sample cycles until cancellation (nil) or a read failure.
// Cancellation is only observed at the top of a cycle and in the
// interval wait; a counter read always runs to completion.
func (s *Sampler) loop(ctx context.Context) error {
	seconds := s.interval.Seconds()
	readCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}

		initial, err := s.readCounters(readCtx)
		if err != nil {
			return err
		}

		if !s.sleep(ctx) {
			return nil
		}

		final, err := s.readCounters(readCtx)
		if err != nil {
			return err
		}

		tx := delta(initial.BytesSent, final.BytesSent) / seconds
		rx := delta(initial.BytesRecv, final.BytesRecv) / seconds

		s.mu.Lock()
		s.rate = rate{tx: tx, rx: rx, at: s.clock.Now()}
		s.mu.Unlock()

		s.logger.Log(ctx, config.LevelTrace, "network throughput sampled",
			"interface", s.iface, "tx_bps", tx, "rx_bps", rx)
		s.bus.Emit(events.SourceNetmon, events.KindSample, map[string]any{
			"interface": s.iface,
			"tx":        tx,
			"rx":        rx,
		})
	}
}

func (s *Sampler) readCounters(ctx context.Context) (Counters, error) {
	c, err := s.read(ctx, s.iface)
	if err == nil {
		return c, nil
	}
	var nf *InterfaceNotFoundError
	if errors.As(err, &nf) {
		return Counters{}, err
	}
	return Counters{}, &InterfaceNotFoundError{Interface: s.iface, Err: err}
}

// sleep waits one interval on the sampler clock. It returns false if
// ctx was cancelled first.
func (s *Sampler) sleep(ctx context.Context) bool {
	t := s.clock.Timer(s.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// delta returns final-initial, treating a counter that went backwards
// (wrap or interface reset) as zero traffic.
func delta(initial, final uint64) float64 {
	if final < initial {
		return 0
	}
	return float64(final - initial)
}
