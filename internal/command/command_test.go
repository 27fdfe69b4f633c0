package command

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emberwake/relay/internal/channel"
	"github.com/emberwake/relay/internal/database"
	"github.com/emberwake/relay/internal/db"
	"github.com/emberwake/relay/internal/events"
	"github.com/emberwake/relay/internal/guard"
	"github.com/emberwake/relay/internal/loot"
	"github.com/emberwake/relay/internal/models"
	"github.com/emberwake/relay/internal/occupancy"
	"github.com/emberwake/relay/internal/ratelimit"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func newDispatcher(t *testing.T, policies map[string]ratelimit.Policy) (*Dispatcher, *recorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sqlDB, err := database.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.RunMigrations(sqlDB); err != nil {
		t.Fatal(err)
	}
	q := db.New(sqlDB)
	if err := q.UpsertContainerItem(context.Background(), db.ContainerItem{
		ContainerID: "chest", LocationID: "L", ItemID: "gold", Name: "Gold", Quantity: 3,
	}); err != nil {
		t.Fatal(err)
	}

	occ := occupancy.New()
	occ.Enter("alice", "L")
	occ.Enter("bob", "L")
	parties := channel.NewParties()
	if err := parties.Form("p1", "alice"); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	lootSvc := loot.New(guard.New(time.Minute, logger), q, occ, rec, logger)
	return New(ratelimit.New(policies), lootSvc, rec, occ, parties, logger), rec
}

func TestHandle(t *testing.T) {
	d, rec := newDispatcher(t, nil)
	alice := Caller{IdentityID: "alice", ConnectionID: "c1"}
	ctx := context.Background()

	tests := []struct {
		name     string
		caller   Caller
		frame    string
		wantType string
		wantCode string
	}{
		{"ping", alice, `{"type":"ping","seq":1}`, models.ReplyTypeAck, ""},
		{"say", alice, `{"type":"say","seq":2,"payload":{"text":"hello"}}`, models.ReplyTypeAck, ""},
		{"say empty", alice, `{"type":"say","seq":3,"payload":{"text":"  "}}`, models.ReplyTypeError, CodeBadRequest},
		{"say too long", alice, `{"type":"say","seq":4,"payload":{"text":"` + strings.Repeat("a", maxTextLen+1) + `"}}`, models.ReplyTypeError, CodeBadRequest},
		{"party say", alice, `{"type":"party.say","seq":5,"payload":{"text":"hi team"}}`, models.ReplyTypeAck, ""},
		{"party say without party", Caller{IdentityID: "bob"}, `{"type":"party.say","seq":6,"payload":{"text":"hi"}}`, models.ReplyTypeError, CodeNoParty},
		{"say from nowhere", Caller{IdentityID: "ghost"}, `{"type":"say","seq":7,"payload":{"text":"boo"}}`, models.ReplyTypeError, CodeNotHere},
		{"unknown", alice, `{"type":"dance","seq":8}`, models.ReplyTypeError, CodeUnknown},
		{"malformed", alice, `{"type":`, models.ReplyTypeError, CodeBadRequest},
		{"open missing id", alice, `{"type":"container.open","seq":9,"payload":{}}`, models.ReplyTypeError, CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Handle(ctx, tt.caller, []byte(tt.frame))
			if got.Type != tt.wantType {
				t.Fatalf("reply type = %s, want %s (%+v)", got.Type, tt.wantType, got.Error)
			}
			if tt.wantCode != "" && got.Error.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", got.Error.Code, tt.wantCode)
			}
		})
	}
	if len(rec.evs) != 2 {
		t.Errorf("published %d events, want 2", len(rec.evs))
	}
}

func TestContainerConflictMessage(t *testing.T) {
	d, _ := newDispatcher(t, nil)
	ctx := context.Background()

	first := d.Handle(ctx, Caller{IdentityID: "alice"}, []byte(`{"type":"container.open","seq":1,"payload":{"containerId":"chest"}}`))
	if first.Type != models.ReplyTypeAck {
		t.Fatalf("open by alice = %+v", first.Error)
	}
	second := d.Handle(ctx, Caller{IdentityID: "bob"}, []byte(`{"type":"container.open","seq":1,"payload":{"containerId":"chest"}}`))
	if second.Type != models.ReplyTypeError || second.Error.Message != MsgBusy {
		t.Errorf("open by bob = %+v, want busy message", second.Error)
	}

	tok := first.Body.(models.ContainerOpenedReply).Token
	take := `{"type":"container.take","seq":2,"payload":{"containerId":"chest","token":"` + tok + `","itemId":"gold","quantity":2}}`
	if r := d.Handle(ctx, Caller{IdentityID: "alice"}, []byte(take)); r.Type != models.ReplyTypeAck {
		t.Errorf("take = %+v", r.Error)
	}
	stale := `{"type":"container.take","seq":3,"payload":{"containerId":"chest","token":"old","itemId":"gold"}}`
	if r := d.Handle(ctx, Caller{IdentityID: "alice"}, []byte(stale)); r.Error == nil || r.Error.Message != MsgBusy {
		t.Errorf("take with stale token = %+v, want busy message", r)
	}
}

func TestRateLimitedReply(t *testing.T) {
	d, _ := newDispatcher(t, map[string]ratelimit.Policy{ClassChat: {Limit: 1, Window: 10 * time.Second}})
	ctx := context.Background()
	frame := []byte(`{"type":"say","seq":1,"payload":{"text":"hi"}}`)

	if r := d.Handle(ctx, Caller{IdentityID: "alice"}, frame); r.Type != models.ReplyTypeAck {
		t.Fatalf("first say = %+v", r.Error)
	}
	r := d.Handle(ctx, Caller{IdentityID: "alice"}, frame)
	if r.Error == nil || r.Error.Code != CodeRateLimited {
		t.Fatalf("second say = %+v, want rate limited", r)
	}
	if !strings.HasPrefix(r.Error.Message, "slow down, try again in ") || r.Error.RetryAfterMs <= 0 {
		t.Errorf("message = %q retry %d", r.Error.Message, r.Error.RetryAfterMs)
	}
}

func TestRateLimitIsLoggedAsSecurityEvent(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	d, _ := newDispatcher(t, map[string]ratelimit.Policy{ClassChat: {Limit: 1, Window: 10 * time.Second}})
	ctx := context.Background()
	caller := Caller{IdentityID: "alice", ConnectionID: "conn-1"}
	frame := []byte(`{"type":"say","seq":1,"payload":{"text":"hi"}}`)

	d.Handle(ctx, caller, frame)
	if buf.Len() != 0 {
		t.Fatalf("allowed command logged %q", buf.String())
	}
	d.Handle(ctx, caller, frame)

	out := buf.String()
	for _, want := range []string{
		`"security_event":"command_rate_limited"`,
		`"identity_id":"alice"`,
		`"connection_id":"conn-1"`,
		`"level":"WARN"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %s", out, want)
		}
	}
}
