package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/emberwake/relay/internal/transform"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Writer is the transport side of a connection. A Writer returns an error
// wrapped with Transient when the write may succeed if retried.
type Writer interface {
	Write(ctx context.Context, msg transform.Message) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, msg transform.Message) error

func (f WriterFunc) Write(ctx context.Context, msg transform.Message) error { return f(ctx, msg) }

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Close reasons.
const (
	ReasonClient     = "client closed"
	ReasonSuperseded = "superseded by newer connection"
	ReasonResumed    = "resumed elsewhere"
	ReasonIdle       = "idle timeout"
	ReasonBackpress  = "outbound queue full"
	ReasonWrite      = "write failed"
	ReasonShutdown   = "server shutting down"
)

// EnqueueResult describes what happened to an enqueued message.
type EnqueueResult int

const (
	Queued EnqueueResult = iota
	// QueuedDropped means the message was queued after evicting an older
	// low-priority message.
	QueuedDropped
	// Dropped means the low-priority message itself was discarded.
	Dropped
	// ForceClosed means an essential message found the queue full of
	// essential messages and the connection was closed.
	ForceClosed
	// Skipped means the connection no longer accepts messages.
	Skipped
)

// PumpOptions tune the outbound write loop.
type PumpOptions struct {
	WriteTimeout   time.Duration
	WriteRetries   uint
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// OnDeadLetter receives a message whose write failed permanently.
	OnDeadLetter func(ctx context.Context, c *Connection, msg transform.Message, err error)
}

// Connection is one transport link owned by an identity. Its outbound queue
// is a bounded FIFO drained by a single Pump goroutine.
type Connection struct {
	id       string
	identity string
	openedAt time.Time

	lastActivity atomic.Int64
	state        atomic.Int32
	dropped      atomic.Int64

	mu    sync.Mutex
	queue []transform.Message
	limit int

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value

	// onClose is set by the registry.
	onClose func(*Connection)
	logger  *slog.Logger
}

// NewConnection creates a connection for identity with an outbound queue of
// the given capacity.
func NewConnection(identity string, queueSize int, logger *slog.Logger) *Connection {
	if queueSize <= 0 {
		queueSize = 64
	}
	id := uuid.New().String()
	c := &Connection{
		id:       id,
		identity: identity,
		openedAt: time.Now(),
		limit:    queueSize,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger.With("connection_id", id, "identity_id", identity),
	}
	c.lastActivity.Store(c.openedAt.UnixNano())
	return c
}

func (c *Connection) ID() string { return c.id }
func (c *Connection) Identity() string { return c.identity }
func (c *Connection) OpenedAt() time.Time { return c.openedAt }
func (c *Connection) State() State { return State(c.state.Load()) }
func (c *Connection) Done() <-chan struct{} { return c.done }
func (c *Connection) Dropped() int64 { return c.dropped.Load() }

// LastActivity returns the time of the last inbound frame or heartbeat.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Reason returns why the connection closed, or "" while open.
func (c *Connection) Reason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// Depth returns the number of queued messages.
func (c *Connection) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Enqueue appends msg without blocking. When the queue is full the oldest
// low-priority message is evicted; an essential message that finds nothing
// to evict closes the connection.
func (c *Connection) Enqueue(msg transform.Message) EnqueueResult {
	if s := c.State(); s == StateDraining || s == StateClosed {
		c.logger.Debug("enqueue on inactive connection ignored", "state", s.String(), "message_type", msg.Type)
		return Skipped
	}

	c.mu.Lock()
	result := Queued
	if len(c.queue) >= c.limit {
		victim := -1
		for i, m := range c.queue {
			if m.Priority == transform.Low {
				victim = i
				break
			}
		}
		switch {
		case victim >= 0:
			c.queue = append(c.queue[:victim], c.queue[victim+1:]...)
			result = QueuedDropped
		case msg.Priority == transform.Low:
			c.mu.Unlock()
			c.dropped.Add(1)
			return Dropped
		default:
			c.mu.Unlock()
			c.logger.Warn("closing connection, outbound queue full of essential messages",
				"queue_size", c.limit, "message_type", msg.Type)
			c.Close(ReasonBackpress)
			return ForceClosed
		}
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	if result == QueuedDropped {
		c.dropped.Add(1)
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return result
}

func (c *Connection) pop() (transform.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return transform.Message{}, false
	}
	msg := c.queue[0]
	c.queue[0] = transform.Message{}
	c.queue = c.queue[1:]
	return msg, true
}

// Pump writes queued messages to w in FIFO order until the connection
// closes or ctx ends. Transient write failures are retried with backoff and
// the message is dropped for this connection once retries run out. Any other
// failure closes the connection.
func (c *Connection) Pump(ctx context.Context, w Writer, opts PumpOptions) {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
	for {
		for {
			if c.State() == StateClosed {
				return
			}
			msg, ok := c.pop()
			if !ok {
				break
			}
			if err := c.write(ctx, w, msg, opts); err != nil {
				if ctx.Err() != nil {
					return
				}
				if IsTransient(err) {
					c.dropped.Add(1)
					c.logger.Warn("dropped message after write retries", "message_type", msg.Type, "error", err)
					continue
				}
				c.logger.Info("write failed, closing connection", "message_type", msg.Type, "error", err)
				if opts.OnDeadLetter != nil {
					opts.OnDeadLetter(ctx, c, msg, err)
				}
				c.Close(ReasonWrite)
				return
			}
		}
		if c.State() == StateDraining {
			c.Close(c.Reason())
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.notify:
		}
	}
}

func (c *Connection) write(ctx context.Context, w Writer, msg transform.Message, opts PumpOptions) error {
	tries := opts.WriteRetries + 1
	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.BackoffInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         opts.BackoffMax,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = 10 * time.Millisecond
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = 250 * time.Millisecond
	}
	b.Reset()

	var last error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		wctx := ctx
		if opts.WriteTimeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, opts.WriteTimeout)
			defer cancel()
		}
		last = w.Write(wctx, msg)
		if last == nil || IsTransient(last) {
			return struct{}{}, last
		}
		return struct{}{}, backoff.Permanent(last)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries), backoff.WithMaxElapsedTime(0))
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return err
}

// Drain stops accepting messages and closes the connection once the queue
// has been written.
func (c *Connection) Drain(reason string) {
	if c.state.CompareAndSwap(int32(StateActive), int32(StateDraining)) ||
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDraining)) {
		c.reason.Store(reason)
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// Close terminates the connection. Queued messages are abandoned. Close is
// idempotent.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		if reason != "" {
			c.reason.Store(reason)
		}
		c.state.Store(int32(StateClosed))
		c.mu.Lock()
		c.queue = nil
		c.mu.Unlock()
		c.logger.Debug("connection closed", "reason", reason)
		if c.onClose != nil {
			c.onClose(c)
		}
		close(c.done)
	})
}
