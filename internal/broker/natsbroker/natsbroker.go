// Package natsbroker is the NATS adapter of broker.Broker.
//
// The adapter owns one NATS connection. It is dialed lazily by the first
// Publish or Subscribe, in the background, so callers on the event bus never
// wait for the network. While the connection is down, publications on
// critical subjects are buffered up to a limit and flushed after reconnect;
// lossy publications are dropped.
package natsbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"

	"github.com/emberwake/relay/internal/broker"
)

// Config configures the adapter.
type Config struct {
	URL  string
	Name string
	// MaxRetries bounds dial attempts per connection cycle. Past it the
	// adapter reports unhealthy until the next use triggers a new cycle.
	MaxRetries     uint
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxReconnects bounds reconnect attempts of an established connection;
	// -1 means forever.
	MaxReconnects int
	PendingLimit  int
	Policy        broker.Policy
}

type subscription struct {
	b       *Broker
	pattern string
	handler broker.Handler
	ns      *nats.Subscription
	once    sync.Once
}

func (s *subscription) Pattern() string { return s.pattern }

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.b.unsubscribe(s) })
	return err
}

// Broker implements broker.Broker over NATS.
type Broker struct {
	cfg    Config
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *nats.Conn
	state   broker.State
	dialing chan struct{}
	lastErr error
	subs    map[*subscription]struct{}
	pending []broker.Message
	closed  bool

	reconnects atomic.Uint64
	published  atomic.Uint64
	dropped    atomic.Uint64
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.StatsProvider = (*Broker)(nil)
)

// New creates an idle adapter. No connection is made until first use.
func New(cfg Config, logger *slog.Logger) *Broker {
	if cfg.Policy == nil {
		cfg.Policy = broker.DefaultPolicy
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 1024
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 60
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:    cfg,
		logger: logger.With("component", "natsbroker"),
		ctx:    ctx,
		cancel: cancel,
		state:  broker.StateIdle,
		subs:   make(map[*subscription]struct{}),
	}
}

func (b *Broker) newBackOff() *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     b.cfg.BackoffInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         b.cfg.BackoffMax,
	}
	bo.Reset()
	return bo
}

func (b *Broker) options() []nats.Option {
	reconnectDelay := b.newBackOff()
	var delayMu sync.Mutex
	return []nats.Option{
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(b.cfg.MaxReconnects),
		nats.ReconnectBufSize(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			delayMu.Lock()
			defer delayMu.Unlock()
			if attempts <= 1 {
				reconnectDelay.Reset()
			}
			return reconnectDelay.NextBackOff()
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			b.logger.Warn("broker disconnected", "error", err)
			b.setStateFor(nc, broker.StateDegraded)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.reconnects.Add(1)
			b.logger.Info("broker reconnected", "url", nc.ConnectedUrlRedacted())
			// The client resends every subscription before this callback
			// runs. Publications keep buffering until the backlog is sent.
			b.flush(nc)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.conn != nc {
				return
			}
			b.conn = nil
			for s := range b.subs {
				s.ns = nil
			}
			if !b.closed {
				b.state = broker.StateUnhealthy
				b.logger.Error("broker connection closed, will redial on next use")
			}
		}),
	}
}

// setStateFor updates the state if nc is still the live connection.
func (b *Broker) setStateFor(nc *nats.Conn, st broker.State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.conn != nc {
		return false
	}
	b.state = st
	return true
}

// ensure returns the live connection, or starts a dial and returns a channel
// closed when that attempt ends.
func (b *Broker) ensure() (*nats.Conn, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, broker.ErrClosed
	}
	if b.conn != nil {
		return b.conn, nil, nil
	}
	if b.dialing == nil {
		b.dialing = make(chan struct{})
		b.state = broker.StateConnecting
		go b.dial(b.dialing)
	}
	return nil, b.dialing, nil
}

func (b *Broker) dial(done chan struct{}) {
	defer close(done)

	nc, err := backoff.Retry(b.ctx, func() (*nats.Conn, error) {
		nc, err := nats.Connect(b.cfg.URL, b.options()...)
		if err != nil {
			b.logger.Debug("broker dial failed", "url", b.cfg.URL, "error", err)
			return nil, err
		}
		return nc, nil
	}, backoff.WithBackOff(b.newBackOff()), backoff.WithMaxTries(b.cfg.MaxRetries), backoff.WithMaxElapsedTime(0))

	b.mu.Lock()
	b.dialing = nil
	if err != nil {
		b.lastErr = err
		if !b.closed {
			b.state = broker.StateUnhealthy
		}
		b.mu.Unlock()
		b.logger.Error("broker unavailable after retries", "url", b.cfg.URL, "attempts", b.cfg.MaxRetries, "error", err)
		return
	}
	if b.closed {
		b.mu.Unlock()
		nc.Close()
		return
	}
	// Subscribe only queues the SUB protocol line; it does not wait on the
	// server, so arming under the lock keeps Subscribe calls from slipping
	// between arming and publishing the connection.
	for s := range b.subs {
		if err := b.arm(nc, s); err != nil {
			b.lastErr = err
			b.state = broker.StateUnhealthy
			b.mu.Unlock()
			nc.Close()
			b.logger.Error("re-arming subscriptions failed", "pattern", s.pattern, "error", err)
			return
		}
	}
	b.conn = nc
	b.lastErr = nil
	n := len(b.subs)
	b.mu.Unlock()

	b.flush(nc)
	b.logger.Info("broker ready", "url", nc.ConnectedUrlRedacted(), "subscriptions", n)
}

func (b *Broker) arm(nc *nats.Conn, s *subscription) error {
	ns, err := nc.Subscribe(s.pattern, func(m *nats.Msg) {
		s.handler(b.ctx, broker.Message{Subject: m.Subject, Payload: m.Data})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.pattern, err)
	}
	s.ns = ns
	return nil
}

// Connect starts the lazy dial if needed and waits until the adapter is
// ready, the dial gives up or ctx ends.
func (b *Broker) Connect(ctx context.Context) error {
	for {
		nc, wait, err := b.ensure()
		if err != nil {
			return err
		}
		if nc != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		b.mu.Lock()
		conn, lastErr := b.conn, b.lastErr
		b.mu.Unlock()
		if conn != nil {
			return nil
		}
		if lastErr != nil {
			return fmt.Errorf("%w: %w", broker.ErrUnavailable, lastErr)
		}
	}
}

// Subscribe records the subscription and arms it on the live connection,
// or on the next one.
func (b *Broker) Subscribe(pattern string, h broker.Handler) (broker.Subscription, error) {
	if !broker.ValidPattern(pattern) {
		return nil, broker.ErrInvalidSubject
	}
	if _, _, err := b.ensure(); err != nil {
		return nil, err
	}
	s := &subscription{b: b, pattern: pattern, handler: h}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	if b.conn != nil {
		if err := b.arm(b.conn, s); err != nil {
			return nil, err
		}
	}
	b.subs[s] = struct{}{}
	return s, nil
}

func (b *Broker) unsubscribe(s *subscription) error {
	b.mu.Lock()
	delete(b.subs, s)
	ns := s.ns
	s.ns = nil
	b.mu.Unlock()
	if ns == nil {
		return nil
	}
	if err := ns.Unsubscribe(); err != nil &&
		!errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("unsubscribe %s: %w", s.pattern, err)
	}
	return nil
}

// Publish sends payload on subject. While the connection is unavailable,
// critical subjects are buffered and nil is returned; lossy subjects are
// dropped and ErrUnavailable is returned.
func (b *Broker) Publish(_ context.Context, subject string, payload []byte) error {
	if !broker.ValidSubject(subject) {
		return broker.ErrInvalidSubject
	}
	nc, _, err := b.ensure()
	if err != nil {
		return err
	}
	b.mu.Lock()
	ready := nc != nil && b.state == broker.StateReady
	b.mu.Unlock()
	if !ready {
		return b.hold(subject, payload)
	}
	if err := nc.Publish(subject, payload); err != nil {
		b.logger.Debug("broker publish failed", "subject", subject, "error", err)
		return b.hold(subject, payload)
	}
	b.published.Add(1)
	return nil
}

func (b *Broker) hold(subject string, payload []byte) error {
	if b.cfg.Policy(subject) != broker.Critical {
		b.dropped.Add(1)
		return broker.ErrUnavailable
	}
	msg := broker.Message{Subject: subject, Payload: append([]byte(nil), payload...)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	if len(b.pending) >= b.cfg.PendingLimit {
		b.pending[0] = broker.Message{}
		b.pending = b.pending[1:]
		b.dropped.Add(1)
	}
	b.pending = append(b.pending, msg)
	return nil
}

// flush sends buffered critical publications in order and marks the adapter
// ready once the buffer is empty. Until then Publish keeps buffering, so
// nothing overtakes the backlog. Whatever cannot be sent goes back to the
// front of the buffer and the state is left as it was.
func (b *Broker) flush(nc *nats.Conn) {
	sent := 0
	for {
		b.mu.Lock()
		if b.closed || b.conn != nc {
			b.mu.Unlock()
			return
		}
		pending := b.pending
		b.pending = nil
		if len(pending) == 0 {
			b.state = broker.StateReady
			b.mu.Unlock()
			if sent > 0 {
				b.logger.Info("flushed buffered publications", "count", sent)
			}
			return
		}
		b.mu.Unlock()

		for i, m := range pending {
			if err := nc.Publish(m.Subject, m.Payload); err != nil {
				b.logger.Warn("flushing buffered publications stopped", "remaining", len(pending)-i, "error", err)
				b.mu.Lock()
				b.pending = append(pending[i:], b.pending...)
				b.mu.Unlock()
				return
			}
			sent++
			b.published.Add(1)
		}
	}
}

// Close tears the connection down. Only the first call has an effect.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.state = broker.StateClosed
	nc := b.conn
	b.conn = nil
	b.pending = nil
	b.mu.Unlock()

	b.cancel()
	if nc != nil {
		if err := nc.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Debug("flush before close failed", "error", err)
		}
		nc.Close()
	}
	return nil
}

func (b *Broker) State() broker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Broker) Stats() broker.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return broker.Stats{
		State:         b.state,
		Reconnects:    b.reconnects.Load(),
		Subscriptions: len(b.subs),
		Pending:       len(b.pending),
		Dropped:       b.dropped.Load(),
		Published:     b.published.Load(),
	}
}
