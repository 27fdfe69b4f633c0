package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emberwake/relay/internal/broker"
	"github.com/emberwake/relay/internal/channel"
	"github.com/emberwake/relay/internal/db"
	"github.com/emberwake/relay/internal/occupancy"
	"github.com/emberwake/relay/internal/session"
	"github.com/emberwake/relay/internal/transform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDeadLetters struct {
	mu   sync.Mutex
	rows []db.DeadLetter
	err  error
}

func (f *fakeDeadLetters) InsertDeadLetter(_ context.Context, dl db.DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, dl)
	return f.err
}

type fixture struct {
	registry *session.Registry
	occ      *occupancy.Index
	parties  *channel.Parties
	broker   *broker.Memory
	pipeline *Pipeline
}

func newFixture(t *testing.T, dead DeadLetterStore) *fixture {
	t.Helper()
	f := &fixture{
		registry: session.NewRegistry(session.Config{QueueSize: 8}, nil, testLogger()),
		occ:      occupancy.New(),
		parties:  channel.NewParties(),
		broker:   broker.NewMemory(),
	}
	f.pipeline = New(f.registry, f.broker, channel.NewResolver(f.occ, f.parties), dead, testLogger())
	if err := f.pipeline.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		f.pipeline.Stop()
		f.registry.Shutdown()
		f.broker.Close()
	})
	return f
}

func (f *fixture) connect(t *testing.T, identity string) *session.Connection {
	t.Helper()
	c := f.registry.Open(identity)
	if err := f.registry.Register(context.Background(), identity, c); err != nil {
		t.Fatalf("Register %s: %v", identity, err)
	}
	return c
}

func TestDirectDelivery(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.pipeline.Deliver(context.Background(), []transform.Output{{
		Audience: transform.Identities("alice"),
		Message:  transform.Message{Type: transform.MsgPresence, Priority: transform.Low},
	}})

	if alice.Depth() != 1 || bob.Depth() != 0 {
		t.Errorf("depths = alice %d, bob %d; want 1, 0", alice.Depth(), bob.Depth())
	}
	st := f.pipeline.Stats()
	if st.Direct != 1 || st.Queued != 1 || st.Published != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRoomChatReachesSnapshottedOccupants(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	carol := f.connect(t, "carol")
	f.occ.Enter("alice", "tavern")
	f.occ.Enter("bob", "tavern")
	f.occ.Enter("carol", "forest")

	f.pipeline.Deliver(context.Background(), []transform.Output{{
		Audience: transform.Channel(broker.RoomSubject("tavern"), "alice", "bob"),
		Message: transform.Message{
			Type:       transform.MsgChat,
			Body:       transform.ChatBody{From: "alice", Channel: "room", Text: "hello"},
			Priority:   transform.Essential,
			EventID:    "ev-1",
			OccurredAt: time.Now(),
		},
	}})

	if alice.Depth() != 1 || bob.Depth() != 1 || carol.Depth() != 0 {
		t.Fatalf("depths = %d %d %d; want 1 1 0", alice.Depth(), bob.Depth(), carol.Depth())
	}
	st := f.pipeline.Stats()
	if st.Published != 1 || st.Received != 1 || st.Queued != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestReceivedBodyKeepsWireShape(t *testing.T) {
	f := newFixture(t, nil)
	c := f.connect(t, "alice")
	if err := f.parties.Form("p1", "alice"); err != nil {
		t.Fatal(err)
	}

	var got transform.Message
	done := make(chan struct{})
	go c.Pump(context.Background(), session.WriterFunc(func(_ context.Context, m transform.Message) error {
		got = m
		close(done)
		return nil
	}), session.PumpOptions{WriteTimeout: time.Second})

	f.pipeline.Deliver(context.Background(), []transform.Output{{
		Audience: transform.Channel(broker.PartySubject("p1"), "alice"),
		Message: transform.Message{
			Type:     transform.MsgChat,
			Body:     transform.ChatBody{From: "alice", Channel: "party", Text: "regroup"},
			Priority: transform.Essential,
			EventID:  "ev-2",
		},
	}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not written")
	}
	c.Close(session.ReasonClient)

	if got.EventID != "ev-2" || got.Priority != transform.Essential {
		t.Errorf("message = %+v", got)
	}
	raw, ok := got.Body.(json.RawMessage)
	if !ok {
		t.Fatalf("body type = %T, want json.RawMessage", got.Body)
	}
	var body transform.ChatBody
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if body.Text != "regroup" || body.From != "alice" {
		t.Errorf("body = %+v", body)
	}
}

// heldBroker queues publications until release, like a remote broker that
// delivers on its own goroutine some time after Publish returns.
type heldBroker struct {
	mu      sync.Mutex
	pending []broker.Message
	handler broker.Handler
}

type heldSub struct{ pattern string }

func (s heldSub) Pattern() string    { return s.pattern }
func (s heldSub) Unsubscribe() error { return nil }

func (b *heldBroker) Publish(_ context.Context, subject string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, broker.Message{Subject: subject, Payload: payload})
	return nil
}

func (b *heldBroker) Subscribe(pattern string, h broker.Handler) (broker.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
	return heldSub{pattern: pattern}, nil
}

func (b *heldBroker) Close() error { return nil }

func (b *heldBroker) release(ctx context.Context) {
	b.mu.Lock()
	pending, h := b.pending, b.handler
	b.pending = nil
	b.mu.Unlock()
	for _, m := range pending {
		h(ctx, m)
	}
}

func TestChannelAudienceIsFixedAtTransformation(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		snapshot []string
		after    func(occ *occupancy.Index, parties *channel.Parties)
		want     map[string]int
	}{
		{
			name:     "room occupants changed in flight",
			subject:  broker.RoomSubject("tavern"),
			snapshot: []string{"alice", "bob"},
			after: func(occ *occupancy.Index, _ *channel.Parties) {
				occ.Enter("bob", "forest")
				occ.Enter("dave", "tavern")
			},
			want: map[string]int{"alice": 1, "bob": 1, "dave": 0},
		},
		{
			name:     "party joined in flight",
			subject:  broker.PartySubject("p1"),
			snapshot: []string{"alice"},
			after: func(_ *occupancy.Index, parties *channel.Parties) {
				_ = parties.Join("p1", "dave")
			},
			want: map[string]int{"alice": 1, "bob": 0, "dave": 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := session.NewRegistry(session.Config{QueueSize: 8}, nil, testLogger())
			t.Cleanup(registry.Shutdown)
			occ := occupancy.New()
			parties := channel.NewParties()
			held := &heldBroker{}
			p := New(registry, held, channel.NewResolver(occ, parties), nil, testLogger())
			if err := p.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			t.Cleanup(p.Stop)

			conns := make(map[string]*session.Connection)
			for _, id := range []string{"alice", "bob", "dave"} {
				c := registry.Open(id)
				if err := registry.Register(context.Background(), id, c); err != nil {
					t.Fatalf("Register %s: %v", id, err)
				}
				conns[id] = c
			}
			occ.Enter("alice", "tavern")
			occ.Enter("bob", "tavern")
			if err := parties.Form("p1", "alice"); err != nil {
				t.Fatal(err)
			}

			p.Deliver(context.Background(), []transform.Output{{
				Audience: transform.Channel(tt.subject, tt.snapshot...),
				Message:  transform.Message{Type: transform.MsgChat, Body: transform.ChatBody{Text: "hi"}},
			}})
			tt.after(occ, parties)
			held.release(context.Background())

			for id, want := range tt.want {
				if got := conns[id].Depth(); got != want {
					t.Errorf("%s depth = %d, want %d", id, got, want)
				}
			}
		})
	}
}

func TestUnresolvedAndMalformed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.broker.Publish(ctx, broker.PartySubject("ghost"), []byte(`{"type":"chat","body":{}}`)); err != nil {
		t.Fatal(err)
	}
	if err := f.broker.Publish(ctx, broker.RoomSubject("tavern"), []byte(`not json`)); err != nil {
		t.Fatal(err)
	}

	st := f.pipeline.Stats()
	if st.Received != 2 || st.Unresolved != 1 || st.Malformed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPublishErrorIsCounted(t *testing.T) {
	f := newFixture(t, nil)
	f.broker.Close()

	f.pipeline.Deliver(context.Background(), []transform.Output{{
		Audience: transform.Channel(broker.RoomSubject("tavern")),
		Message:  transform.Message{Type: transform.MsgChat, Body: transform.ChatBody{Text: "x"}},
	}})
	if st := f.pipeline.Stats(); st.PublishErrors != 1 || st.Published != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDeadLetterIsStored(t *testing.T) {
	store := &fakeDeadLetters{}
	f := newFixture(t, store)
	c := f.connect(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.pipeline.DeadLetter(ctx, c, transform.Message{
		Type:    transform.MsgCombat,
		EventID: "ev-9",
		Body:    map[string]int{"damage": 4},
	}, errors.New("connection reset"))

	if len(store.rows) != 1 {
		t.Fatalf("stored %d dead letters, want 1", len(store.rows))
	}
	row := store.rows[0]
	if row.IdentityID != "alice" || row.ConnectionID != c.ID() || row.EventID != "ev-9" ||
		row.Reason != "connection reset" || string(row.Body) != `{"damage":4}` {
		t.Errorf("row = %+v", row)
	}
	if f.pipeline.Stats().DeadLetters != 1 {
		t.Errorf("dead letter count = %d", f.pipeline.Stats().DeadLetters)
	}
}
