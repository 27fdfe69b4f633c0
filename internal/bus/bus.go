// Package bus is the in-process domain event bus.
//
// Subscribers for an event type run in registration order, synchronously
// inside the Publish call. Dispatch is serialized across publishers so the
// side effects of two events never interleave.
//
// Ownership rule: the transformer is the single subscriber allowed to turn
// occupancy and location events into client notifications. Any other
// subscriber of those types must only update local state.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/emberwake/relay/internal/events"
)

// Handler consumes one event. A returned error is isolated to this handler.
type Handler func(ctx context.Context, ev events.Event) error

// ErrorReporter receives handler failures after they are logged.
type ErrorReporter interface {
	ReportHandlerError(ctx context.Context, ev events.Event, handler string, err error)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id   uint64
	typ  events.Type
	all  bool
	name string
}

// Name returns the label given at subscription time.
func (s *Subscription) Name() string { return s.name }

type entry struct {
	id      uint64
	name    string
	handler Handler
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published     uint64 `json:"published"`
	HandlerErrors uint64 `json:"handlerErrors"`
	Subscribers   int    `json:"subscribers"`
	Detached      int64  `json:"detached"`
}

// Bus dispatches domain events to subscribers.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[events.Type][]entry
	all      []entry

	dispatchMu sync.Mutex

	logger   *slog.Logger
	reporter ErrorReporter
	tracer   trace.Tracer

	ctx      context.Context
	cancel   context.CancelFunc
	detached sync.WaitGroup
	running  atomic.Int64

	published     atomic.Uint64
	handlerErrors atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithReporter forwards isolated handler failures to r.
func WithReporter(r ErrorReporter) Option {
	return func(b *Bus) { b.reporter = r }
}

// WithTracer overrides the tracer used for publish spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) { b.tracer = t }
}

// New creates an empty bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		handlers: make(map[events.Type][]entry),
		logger:   logger.With(slog.String("component", "bus")),
		tracer:   otel.Tracer("github.com/emberwake/relay/internal/bus"),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for events of type typ. The name labels the handler
// in logs and error reports.
func (b *Bus) Subscribe(typ events.Type, name string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[typ] = append(b.handlers[typ], entry{id: b.nextID, name: name, handler: h})
	return &Subscription{id: b.nextID, typ: typ, name: name}
}

// SubscribeAll registers h for every event type. Catch-all handlers run after
// the type-specific handlers of an event.
func (b *Bus) SubscribeAll(name string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.all = append(b.all, entry{id: b.nextID, name: name, handler: h})
	return &Subscription{id: b.nextID, all: true, name: name}
}

// Unsubscribe removes the subscription. Unknown or already removed handles
// are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.all {
		b.all = without(b.all, sub.id)
		return
	}
	list := without(b.handlers[sub.typ], sub.id)
	if len(list) == 0 {
		delete(b.handlers, sub.typ)
		return
	}
	b.handlers[sub.typ] = list
}

func without(list []entry, id uint64) []entry {
	for i, e := range list {
		if e.id == id {
			out := make([]entry, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...)
		}
	}
	return list
}

type dispatchKey struct{}

// dispatch tracks one outer Publish call. Events published by handlers with
// the context they were given are appended to pending.
type dispatch struct {
	bus     *Bus
	mu      sync.Mutex
	pending []events.Event
	done    bool
}

func (d *dispatch) enqueue(ev events.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return false
	}
	d.pending = append(d.pending, ev)
	return true
}

func (d *dispatch) next() (events.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		d.done = true
		return events.Event{}, false
	}
	ev := d.pending[0]
	d.pending = d.pending[1:]
	return ev, true
}

// Publish dispatches ev to its subscribers and returns once every handler,
// and every follow-up event those handlers published, has run.
func (b *Bus) Publish(ctx context.Context, ev events.Event) {
	if d, ok := ctx.Value(dispatchKey{}).(*dispatch); ok && d.bus == b {
		if d.enqueue(ev) {
			return
		}
	}

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	d := &dispatch{bus: b, pending: []events.Event{ev}}
	dctx := context.WithValue(ctx, dispatchKey{}, d)
	for {
		next, ok := d.next()
		if !ok {
			return
		}
		b.deliver(dctx, next)
	}
}

func (b *Bus) deliver(ctx context.Context, ev events.Event) {
	b.published.Add(1)

	ctx, span := b.tracer.Start(ctx, "bus.publish", trace.WithAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("event.id", ev.ID),
		attribute.String("event.causation_id", ev.CausationID),
	))
	defer span.End()

	b.mu.RLock()
	typed := b.handlers[ev.Type]
	all := b.all
	b.mu.RUnlock()

	for _, e := range typed {
		b.invoke(ctx, span, e, ev)
	}
	for _, e := range all {
		b.invoke(ctx, span, e, ev)
	}
}

func (b *Bus) invoke(ctx context.Context, span trace.Span, e entry, ev events.Event) {
	err := safeCall(ctx, e.handler, ev)
	if err == nil {
		return
	}
	b.handlerErrors.Add(1)
	span.RecordError(err)
	span.SetStatus(codes.Error, "handler failed")
	b.logger.ErrorContext(ctx, "event handler failed",
		slog.String("handler", e.name),
		slog.String("event_type", string(ev.Type)),
		slog.String("event_id", ev.ID),
		slog.Any("error", err),
	)
	if b.reporter != nil {
		b.reporter.ReportHandlerError(ctx, ev, e.name, err)
	}
}

func safeCall(ctx context.Context, h Handler, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// Detach runs blocking work off the publishing path. The events fn returns
// are published once it completes; an error is logged and reported like a
// handler failure. name labels the task in logs.
func (b *Bus) Detach(parent events.Event, name string, fn func(ctx context.Context) ([]events.Event, error)) {
	b.detached.Add(1)
	b.running.Add(1)
	go func() {
		defer b.detached.Done()
		defer b.running.Add(-1)

		followups, err := runDetached(b.ctx, fn)
		if err != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("detached task failed",
				slog.String("task", name),
				slog.String("event_id", parent.ID),
				slog.Any("error", err),
			)
			if b.reporter != nil {
				b.reporter.ReportHandlerError(b.ctx, parent, name, err)
			}
			return
		}
		for _, ev := range followups {
			b.Publish(b.ctx, ev)
		}
	}()
}

func runDetached(ctx context.Context, fn func(ctx context.Context) ([]events.Event, error)) (evs []events.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detached task panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Close cancels running detached tasks and waits for them to return.
func (b *Bus) Close() {
	b.cancel()
	b.detached.Wait()
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.all)
	for _, list := range b.handlers {
		n += len(list)
	}
	b.mu.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Subscribers:   n,
		Detached:      b.running.Load(),
	}
}
