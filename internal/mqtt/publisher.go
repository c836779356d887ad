package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hostdiag/internal/config"
	"github.com/nugget/hostdiag/internal/events"
)

const (
	defaultConnectTimeout  = 30 * time.Second
	defaultPublishInterval = 5 * time.Second
	teardownTimeout        = 2 * time.Second
	availabilityQoS        = 1
)

// ErrNotConnected is wrapped by a [PublishError] when no session exists.
var ErrNotConnected = errors.New("mqtt publisher not connected")

// Stats is a point-in-time copy of the publisher counters.
type Stats struct {
	Registered int    // entities in the registry
	Published  uint64 // state values transmitted
	Skipped    uint64 // state values suppressed by the cache
	Failed     uint64 // discovery or state publishes that did not complete
}

// Option configures a [Publisher].
type Option func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithBus publishes operational events to b.
func WithBus(b *events.Bus) Option {
	return func(p *Publisher) { p.bus = b }
}

// WithClock replaces the wall clock used for cache timestamps, the
// publish ticker and the connect timeout.
func WithClock(c clock.Clock) Option {
	return func(p *Publisher) { p.clock = c }
}

// WithDialer replaces the autopaho session factory.
func WithDialer(d DialFunc) Option {
	return func(p *Publisher) { p.dial = d }
}

// Publisher owns the broker session, the entity registry and the
// publish cache. It announces every registered entity to Home
// Assistant on each (re-)connect and sends state values only when they
// change or go stale.
//
// All methods are safe for concurrent use.
type Publisher struct {
	cfg    config.MQTTConfig
	topics Topics
	logger *slog.Logger
	bus    *events.Bus
	clock  clock.Clock
	dial   DialFunc
	cache  *StateCache

	mu       sync.RWMutex
	registry *Registry

	connMu sync.Mutex
	conn   Conn
	cancel context.CancelFunc // ends the managed session
	done   chan struct{}      // closed when maintain returns

	state atomic.Int32
	upCh  chan struct{} // connection came up
	haCh  chan struct{} // HA announced itself online

	fatalOnce sync.Once
	fatalCh   chan struct{}
	fatalErr  error

	published atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a Publisher but does not connect. Call
// [Publisher.Connect] to establish the session. cfg.ClientID must be
// set; it scopes every state topic.
func New(cfg config.MQTTConfig, opts ...Option) *Publisher {
	p := &Publisher{
		cfg: cfg,
		topics: Topics{
			DiscoveryPrefix: cfg.DiscoveryPrefix,
			Prefix:          cfg.TopicPrefix,
			ClientID:        cfg.ClientID,
		},
		logger:   slog.Default(),
		clock:    clock.New(),
		dial:     dialAutopaho,
		cache:    NewStateCache(cfg.RepublishInterval()),
		registry: NewRegistry(),
		upCh:     make(chan struct{}, 1),
		haCh:     make(chan struct{}, 1),
		fatalCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Topics returns the topic layout in use.
func (p *Publisher) Topics() Topics { return p.topics }

// Connect dials the broker and waits for the first successful CONNACK,
// then publishes the retained "online" birth message. A refusal that
// retrying can not fix, a connect timeout, or ctx expiry all return a
// *ConnectionError after the partial session is torn down. Transient
// failures are logged while autopaho retries.
//
// Once connected, the session survives ctx; it ends in [Publisher.Close].
func (p *Publisher) Connect(ctx context.Context) error {
	p.connMu.Lock()
	if p.conn != nil {
		p.connMu.Unlock()
		return errors.New("mqtt publisher already connected")
	}
	p.connMu.Unlock()

	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return &ConnectionError{Reason: "parse broker url", Err: err}
	}

	p.observe(ConnStatus{State: Connecting})

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn, err := p.dial(sessCtx, p.clientConfig(brokerURL))
	if err != nil {
		cancel()
		p.observe(ConnStatus{State: Disconnected, Err: err})
		return &ConnectionError{Reason: "dial " + brokerURL.Host, Err: err}
	}

	done := make(chan struct{})
	p.connMu.Lock()
	p.conn, p.cancel, p.done = conn, cancel, done
	p.connMu.Unlock()

	timeout := p.cfg.ConnectTimeout()
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	waitCtx, waitCancel := p.clock.WithTimeout(ctx, timeout)
	defer waitCancel()

	select {
	case <-p.upCh:
	case <-p.fatalCh:
		close(done)
		p.abort(ctx)
		return p.fatalErr
	case <-waitCtx.Done():
		close(done)
		p.abort(ctx)
		cerr := &ConnectionError{Reason: "no connection to " + brokerURL.Host, Err: waitCtx.Err()}
		p.observe(ConnStatus{State: Disconnected, Err: cerr})
		return cerr
	}

	p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", p.cfg.ClientID)
	p.publishAvailability(ctx, PayloadOnline)
	p.subscribeStatus(ctx)

	go p.maintain(sessCtx, done)
	return nil
}

func (p *Publisher) clientConfig(brokerURL *url.URL) autopaho.ClientConfig {
	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.topics.Availability(),
			Payload: []byte(PayloadOffline),
			QoS:     availabilityQoS,
			Retain:  true,
		},
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			p.observe(ConnStatus{State: Connected})
		},
		OnConnectError: func(err error) {
			if cerr := classifyConnectError(err); cerr != nil {
				p.observe(ConnStatus{State: Disconnected, Err: cerr})
				return
			}
			p.logger.Warn("mqtt connection error", "broker", p.cfg.Broker, "error", err)
			p.observe(ConnStatus{State: Connecting, Err: err})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				p.onPublishReceived,
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if cerr := classifyDisconnect(d); cerr != nil {
					p.observe(ConnStatus{State: Disconnected, Err: cerr})
					return
				}
				p.logger.Info("mqtt server disconnect", "reason", reasonName(d.ReasonCode))
				p.observe(ConnStatus{State: Disconnected})
			},
			OnClientError: func(err error) {
				p.logger.Warn("mqtt client error", "error", err)
				p.observe(ConnStatus{State: Disconnected, Err: err})
			},
		},
	}

	switch brokerURL.Scheme {
	case "mqtts", "ssl", "tls", "wss":
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// observe applies one transport observation. It is the only writer of
// the connection state and runs on autopaho goroutines, so it never
// blocks.
func (p *Publisher) observe(st ConnStatus) {
	prev := ConnState(p.state.Swap(int32(st.State)))
	fatal := st.Fatal()

	if prev != st.State || fatal {
		data := map[string]any{"state": st.State.String(), "fatal": fatal}
		var cerr *ConnectionError
		if errors.As(st.Err, &cerr) {
			data["reason_code"] = cerr.ReasonCode
		}
		p.bus.Emit(events.SourceMQTT, events.KindConnState, data)
		p.logger.Debug("mqtt connection state", "from", prev, "to", st.State)
	}

	switch {
	case fatal:
		p.fatalOnce.Do(func() {
			p.fatalErr = st.Err
			close(p.fatalCh)
			p.logger.Error("mqtt connection fatal", "error", st.Err)
		})
	case st.State == Connected:
		select {
		case p.upCh <- struct{}{}:
		default:
		}
	}
}

// maintain re-announces the agent after every reconnect and every HA
// restart until the session ends.
func (p *Publisher) maintain(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.fatalCh:
			return
		case <-p.upCh:
			p.logger.Info("mqtt reconnected to broker", "broker", p.cfg.Broker)
			p.subscribeStatus(ctx)
			p.announce(ctx)
		case <-p.haCh:
			p.logger.Info("home assistant online, re-publishing discovery")
			p.announce(ctx)
		}
	}
}

// announce publishes every registered discovery document followed by
// the birth message.
func (p *Publisher) announce(ctx context.Context) {
	p.mu.RLock()
	binds := p.registry.Snapshot()
	p.mu.RUnlock()

	for _, b := range binds {
		if err := p.publishDiscovery(ctx, b.Entity); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", b.Entity.Key(), "error", err)
		}
	}
	p.publishAvailability(ctx, PayloadOnline)
}

// abort tears down a session that never came up.
func (p *Publisher) abort(ctx context.Context) {
	p.connMu.Lock()
	conn, cancel := p.conn, p.cancel
	p.conn, p.cancel, p.done = nil, nil, nil
	p.connMu.Unlock()
	if conn == nil {
		return
	}

	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer dcancel()
	if err := conn.Disconnect(dctx); err != nil {
		p.logger.Debug("mqtt disconnect after failed connect", "error", err)
	}
	cancel()
}

// Register publishes the discovery document for e and, once the
// broker has acknowledged it, binds e to provider. Registering a key
// again replaces its entity and provider in place. A failed publish
// returns a *PublishError and leaves the registry unchanged.
func (p *Publisher) Register(ctx context.Context, e Entity, provider Provider) error {
	if provider == nil {
		return fmt.Errorf("register %s: nil provider", e.Key())
	}
	if err := p.publishDiscovery(ctx, e); err != nil {
		return err
	}

	p.mu.Lock()
	added := p.registry.Put(Binding{Entity: e, Provider: provider})
	p.mu.Unlock()

	p.bus.Emit(events.SourceMQTT, events.KindRegistered, map[string]any{
		"entity": string(e.Key()),
		"topic":  p.topics.Discovery(e),
	})
	p.logger.Debug("mqtt entity registered", "entity", e.Key(), "new", added)
	return nil
}

func (p *Publisher) publishDiscovery(ctx context.Context, e Entity) error {
	payload, err := NewDiscoveryConfig(e, p.topics).Marshal()
	if err != nil {
		return fmt.Errorf("marshal discovery for %s: %w", e.Key(), err)
	}

	// Discovery documents wait for a PUBACK, so QoS 0 is raised to 1.
	qos := e.Attributes().QoS
	if qos == 0 {
		qos = 1
	}
	topic := p.topics.Discovery(e)
	if err := p.publish(ctx, topic, payload, qos, true); err != nil {
		p.recordFailure(e, topic, err)
		return err
	}
	p.logger.Debug("mqtt discovery published", "entity", e.Key(), "topic", topic)
	p.logger.Log(ctx, config.LevelTrace, "mqtt discovery document", "topic", topic, "payload", string(payload))
	return nil
}

// PublishEntityState encodes value and sends it to the state topic of
// e unless the cache reports it redundant. A skip is not an error. A
// failed send returns a *PublishError and the cache forgets the value,
// so the next round tries again.
func (p *Publisher) PublishEntityState(ctx context.Context, e Entity, value any) error {
	payload, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", e.Key(), err)
	}

	send, undo := p.cache.decide(e.Key(), payload, p.clock.Now())
	if !send {
		p.logger.Log(ctx, config.LevelTrace, "mqtt state unchanged, skipped", "entity", e.Key(), "value", payload)
		p.skipped.Add(1)
		p.bus.Emit(events.SourceMQTT, events.KindSkipped, map[string]any{
			"entity": string(e.Key()),
			"value":  payload,
		})
		return nil
	}

	topic := p.topics.State(e)
	if err := p.publish(ctx, topic, []byte(payload), e.Attributes().QoS, true); err != nil {
		undo()
		p.recordFailure(e, topic, err)
		return err
	}

	p.published.Add(1)
	p.logger.Log(ctx, config.LevelTrace, "mqtt state published", "topic", topic, "value", payload)
	p.bus.Emit(events.SourceMQTT, events.KindPublished, map[string]any{
		"entity": string(e.Key()),
		"topic":  topic,
		"value":  payload,
	})
	return nil
}

// PublishAll samples every registered provider in registration order
// and publishes the results. Provider and publish failures are
// collected; one bad entity never stops the round.
func (p *Publisher) PublishAll(ctx context.Context) error {
	p.mu.RLock()
	binds := p.registry.Snapshot()
	p.mu.RUnlock()

	var errs []error
	for _, b := range binds {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		value, err := b.Provider(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", b.Entity.Key(), err))
			continue
		}
		if err := p.PublishEntityState(ctx, b.Entity, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run publishes all entity states immediately and then once per
// publish interval. It returns nil when ctx is cancelled, or the fatal
// *ConnectionError if the session becomes unrecoverable.
func (p *Publisher) Run(ctx context.Context) error {
	select {
	case <-p.fatalCh:
		return p.fatalErr
	default:
	}

	interval := p.cfg.PublishInterval()
	if interval <= 0 {
		interval = defaultPublishInterval
	}
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	p.publishRound(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.fatalCh:
			return p.fatalErr
		case <-ticker.C:
			p.publishRound(ctx)
		}
	}
}

func (p *Publisher) publishRound(ctx context.Context) {
	if err := p.PublishAll(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("mqtt publish round incomplete", "error", err)
		return
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt sensor states published", "stats", p.Stats())
}

// Close publishes the retained "offline" message when connected and
// disconnects. Failures are logged and returned as *TeardownError;
// the session is released either way.
func (p *Publisher) Close(ctx context.Context) error {
	p.connMu.Lock()
	conn, cancel, done := p.conn, p.cancel, p.done
	p.conn, p.cancel, p.done = nil, nil, nil
	p.connMu.Unlock()
	if conn == nil {
		return nil
	}

	var errs []error
	if p.State() == Connected {
		if err := p.publishOn(ctx, conn, p.topics.Availability(), []byte(PayloadOffline), availabilityQoS, true); err != nil {
			errs = append(errs, err)
		} else {
			p.logger.Info("mqtt availability published", "status", PayloadOffline)
		}
	}
	if err := conn.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	cancel()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	p.observe(ConnStatus{State: Disconnected})

	if len(errs) > 0 {
		err := &TeardownError{Err: errors.Join(errs...)}
		p.logger.Warn("mqtt teardown incomplete", "error", err)
		return err
	}
	return nil
}

// State returns the current transport state.
func (p *Publisher) State() ConnState { return ConnState(p.state.Load()) }

// Fatal returns a channel that is closed once the session has failed
// beyond recovery.
func (p *Publisher) Fatal() <-chan struct{} { return p.fatalCh }

// Err returns the fatal *ConnectionError, or nil while the session is
// healthy.
func (p *Publisher) Err() error {
	select {
	case <-p.fatalCh:
		return p.fatalErr
	default:
		return nil
	}
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	n := p.registry.Len()
	p.mu.RUnlock()
	return Stats{
		Registered: n,
		Published:  p.published.Load(),
		Skipped:    p.skipped.Load(),
		Failed:     p.failed.Load(),
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if err := p.publish(ctx, p.topics.Availability(), []byte(status), availabilityQoS, true); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()
	if conn == nil {
		return &PublishError{Topic: topic, Err: ErrNotConnected}
	}
	return p.publishOn(ctx, conn, topic, payload, qos, retain)
}

func (p *Publisher) publishOn(ctx context.Context, conn Conn, topic string, payload []byte, qos byte, retain bool) error {
	resp, err := conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	if err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	if resp != nil && resp.ReasonCode >= 0x80 {
		return &PublishError{Topic: topic, ReasonCode: resp.ReasonCode}
	}
	return nil
}

func (p *Publisher) recordFailure(e Entity, topic string, err error) {
	p.failed.Add(1)
	p.bus.Emit(events.SourceMQTT, events.KindPublishFailed, map[string]any{
		"entity": string(e.Key()),
		"topic":  topic,
		"error":  err.Error(),
	})
}

// encodeValue renders a provider value as a state payload. Strings and
// byte slices are sent as-is; everything else is JSON encoded, so 42
// becomes "42" and true becomes "true".
func encodeValue(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
