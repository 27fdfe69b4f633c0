package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emberwake/relay/internal/events"
	"github.com/emberwake/relay/internal/transform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type presenceRecorder struct {
	mu  sync.Mutex
	evs []events.PresenceChanged
}

func (p *presenceRecorder) Publish(_ context.Context, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := ev.Payload.(events.PresenceChanged); ok {
		p.evs = append(p.evs, pc)
	}
}

func (p *presenceRecorder) offline() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.evs {
		if !e.Online {
			n++
		}
	}
	return n
}

func (p *presenceRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.evs)
}

func newRegistry(cfg Config) (*Registry, *presenceRecorder) {
	rec := &presenceRecorder{}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 8
	}
	return NewRegistry(cfg, rec, testLogger()), rec
}

func msg(typ string, p transform.Priority) transform.Message {
	return transform.Message{Type: typ, Priority: p}
}

func TestBroadcastReachesEveryConnection(t *testing.T) {
	r, _ := newRegistry(Config{})
	ctx := context.Background()
	var conns []*Connection
	for i := 0; i < 3; i++ {
		c := r.Open("alice")
		if err := r.Register(ctx, "alice", c); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		conns = append(conns, c)
	}

	rep := r.Broadcast([]string{"alice"}, msg("combat", transform.Essential))
	if rep.Connections != 3 || rep.Queued != 3 {
		t.Errorf("report = %+v, want 3 connections queued", rep)
	}
	for i, c := range conns {
		if c.Depth() != 1 {
			t.Errorf("conn %d depth = %d, want 1", i, c.Depth())
		}
	}
}

func TestPresenceGracePeriod(t *testing.T) {
	tests := []struct {
		name        string
		reconnectIn time.Duration
		wantOffline int
	}{
		{"reconnect within grace", 10 * time.Millisecond, 0},
		{"grace exceeded", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec := newRegistry(Config{PresenceGrace: 60 * time.Millisecond})
			ctx := context.Background()
			c := r.Open("bob")
			if err := r.Register(ctx, "bob", c); err != nil {
				t.Fatal(err)
			}
			if rec.count() != 1 {
				t.Fatalf("presence events after first register = %d, want 1", rec.count())
			}

			r.Deregister(c)
			if tt.reconnectIn > 0 {
				time.Sleep(tt.reconnectIn)
				if err := r.Register(ctx, "bob", r.Open("bob")); err != nil {
					t.Fatal(err)
				}
			}
			time.Sleep(150 * time.Millisecond)

			if got := rec.offline(); got != tt.wantOffline {
				t.Errorf("offline events = %d, want %d", got, tt.wantOffline)
			}
			if tt.reconnectIn > 0 && rec.count() != 1 {
				t.Errorf("presence events = %d, want only the initial online", rec.count())
			}
		})
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	r, _ := newRegistry(Config{})
	c := r.Open("carol")
	if err := r.Register(context.Background(), "carol", c); err != nil {
		t.Fatal(err)
	}
	r.Broadcast([]string{"carol"}, msg("e1", transform.Low))
	r.Broadcast([]string{"carol"}, msg("e2", transform.Low))

	first, _ := c.pop()
	second, _ := c.pop()
	if first.Type != "e1" || second.Type != "e2" {
		t.Errorf("queue order = %s, %s; want e1, e2", first.Type, second.Type)
	}
}

func TestBackpressure(t *testing.T) {
	c := NewConnection("dave", 2, testLogger())

	c.Enqueue(msg("low-1", transform.Low))
	c.Enqueue(msg("ess-1", transform.Essential))
	if got := c.Enqueue(msg("ess-2", transform.Essential)); got != QueuedDropped {
		t.Fatalf("Enqueue over capacity = %v, want QueuedDropped", got)
	}
	if head, _ := c.pop(); head.Type != "ess-1" {
		t.Errorf("head after eviction = %s, want ess-1", head.Type)
	}
	c.Enqueue(msg("ess-3", transform.Essential))

	if got := c.Enqueue(msg("low-2", transform.Low)); got != Dropped {
		t.Errorf("low message into essential-only queue = %v, want Dropped", got)
	}
	if got := c.Enqueue(msg("ess-4", transform.Essential)); got != ForceClosed {
		t.Errorf("essential message into full queue = %v, want ForceClosed", got)
	}
	if c.State() != StateClosed || c.Reason() != ReasonBackpress {
		t.Errorf("state = %s reason %q, want closed by backpressure", c.State(), c.Reason())
	}
	if got := c.Enqueue(msg("late", transform.Essential)); got != Skipped {
		t.Errorf("Enqueue after close = %v, want Skipped", got)
	}
}

func TestConnectionLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("reject", func(t *testing.T) {
		r, _ := newRegistry(Config{MaxPerIdentity: 1, LimitMode: LimitReject})
		if err := r.Register(ctx, "erin", r.Open("erin")); err != nil {
			t.Fatal(err)
		}
		if err := r.Register(ctx, "erin", r.Open("erin")); !errors.Is(err, ErrTooManyConnections) {
			t.Errorf("second Register() error = %v, want ErrTooManyConnections", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		r, rec := newRegistry(Config{MaxPerIdentity: 1, LimitMode: LimitCycle, PresenceGrace: time.Hour})
		old := r.Open("erin")
		if err := r.Register(ctx, "erin", old); err != nil {
			t.Fatal(err)
		}
		fresh := r.Open("erin")
		if err := r.Register(ctx, "erin", fresh); err != nil {
			t.Fatalf("Register() in cycle mode error = %v", err)
		}
		if old.State() != StateClosed || old.Reason() != ReasonSuperseded {
			t.Errorf("old connection state = %s reason %q", old.State(), old.Reason())
		}
		conns := r.ConnectionsFor("erin")
		if len(conns) != 1 || conns[0] != fresh {
			t.Errorf("ConnectionsFor = %v, want only the new connection", conns)
		}
		if rec.count() != 1 {
			t.Errorf("presence events = %d, want 1", rec.count())
		}
	})
}

func TestResumeEvictsPreviousConnection(t *testing.T) {
	r, rec := newRegistry(Config{PresenceGrace: time.Hour})
	ctx := context.Background()
	prev := r.Open("frank")
	if err := r.Register(ctx, "frank", prev); err != nil {
		t.Fatal(err)
	}
	if r.Evict("mallory", prev.ID(), ReasonResumed) {
		t.Fatal("Evict succeeded for a different identity")
	}
	if !r.Evict("frank", prev.ID(), ReasonResumed) {
		t.Fatal("Evict() = false")
	}
	if err := r.Register(ctx, "frank", r.Open("frank")); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Lookup(prev.ID()); ok {
		t.Error("evicted connection still registered")
	}
	if st := r.Stats(); st.Connections != 1 || st.PendingPresence != 0 {
		t.Errorf("Stats() = %+v", st)
	}
	if rec.count() != 1 {
		t.Errorf("presence events = %d, want 1", rec.count())
	}
}

func TestSweepClosesIdleConnections(t *testing.T) {
	r, _ := newRegistry(Config{IdleTimeout: time.Minute, PresenceGrace: time.Hour})
	ctx := context.Background()
	idle := r.Open("gina")
	busy := r.Open("gina")
	for _, c := range []*Connection{idle, busy} {
		if err := r.Register(ctx, "gina", c); err != nil {
			t.Fatal(err)
		}
	}
	idle.lastActivity.Store(time.Now().Add(-2 * time.Minute).UnixNano())

	if n := r.Sweep(time.Now()); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if idle.Reason() != ReasonIdle {
		t.Errorf("idle reason = %q", idle.Reason())
	}
	if busy.State() == StateClosed {
		t.Error("active connection was swept")
	}
}

func TestPumpWritesAndRetries(t *testing.T) {
	r, _ := newRegistry(Config{})
	c := r.Open("hank")
	if err := r.Register(context.Background(), "hank", c); err != nil {
		t.Fatal(err)
	}

	var (
		mu       sync.Mutex
		written  []string
		failures = 2
	)
	w := WriterFunc(func(_ context.Context, m transform.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if m.Type == "flaky" && failures > 0 {
			failures--
			return Transient(errors.New("would block"))
		}
		written = append(written, m.Type)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Pump(ctx, w, PumpOptions{WriteRetries: 3, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond})

	c.Enqueue(msg("first", transform.Low))
	c.Enqueue(msg("flaky", transform.Low))
	c.Enqueue(msg("last", transform.Low))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(written)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "flaky", "last"}
	if len(written) != len(want) {
		t.Fatalf("written = %v, want %v", written, want)
	}
	for i := range want {
		if written[i] != want[i] {
			t.Errorf("written[%d] = %s, want %s", i, written[i], want[i])
		}
	}
}

func TestPumpPermanentFailureDeadLetters(t *testing.T) {
	r, _ := newRegistry(Config{PresenceGrace: time.Hour})
	c := r.Open("ivy")
	if err := r.Register(context.Background(), "ivy", c); err != nil {
		t.Fatal(err)
	}

	dead := make(chan transform.Message, 1)
	opts := PumpOptions{
		WriteRetries: 3,
		OnDeadLetter: func(_ context.Context, _ *Connection, m transform.Message, _ error) {
			dead <- m
		},
	}
	w := WriterFunc(func(context.Context, transform.Message) error {
		return errors.New("broken pipe")
	})
	c.Enqueue(msg("combat", transform.Essential))
	go c.Pump(context.Background(), w, opts)

	select {
	case m := <-dead:
		if m.Type != "combat" {
			t.Errorf("dead letter type = %s", m.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no dead letter")
	}
	<-c.Done()
	if c.Reason() != ReasonWrite {
		t.Errorf("reason = %q, want %q", c.Reason(), ReasonWrite)
	}
	if len(r.ConnectionsFor("ivy")) != 0 {
		t.Error("failed connection still registered")
	}
}
