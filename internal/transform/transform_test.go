package transform

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/emberwake/relay/internal/broker"
	"github.com/emberwake/relay/internal/bus"
	"github.com/emberwake/relay/internal/channel"
	"github.com/emberwake/relay/internal/events"
	"github.com/emberwake/relay/internal/occupancy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureSink struct {
	outs []Output
}

func (c *captureSink) Deliver(_ context.Context, outs []Output) {
	c.outs = append(c.outs, outs...)
}

// received flattens captured output into identity -> message types.
func (c *captureSink) received() map[string][]string {
	got := make(map[string][]string)
	for _, o := range c.outs {
		for _, id := range o.Audience.Identities {
			got[id] = append(got[id], o.Message.Type)
		}
	}
	return got
}

type fixture struct {
	bus     *bus.Bus
	occ     *occupancy.Index
	parties *channel.Parties
	tr      *Transformer
	sink    *captureSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:     bus.New(testLogger()),
		occ:     occupancy.New(),
		parties: channel.NewParties(),
		sink:    &captureSink{},
	}
	t.Cleanup(f.bus.Close)
	f.tr = New(f.occ, f.parties, NewDeduper(time.Minute, 128), testLogger())
	for _, typ := range []events.Type{events.TypeEntityEntered, events.TypeEntityLeft, events.TypeEntityMoved} {
		f.bus.Subscribe(typ, "occupancy", f.occ.Apply)
	}
	for _, typ := range []events.Type{events.TypePartyFormed, events.TypePartyJoined, events.TypePartyLeft, events.TypePartyDisbanded} {
		f.bus.Subscribe(typ, "parties", f.parties.Apply)
	}
	f.bus.SubscribeAll("transform", f.tr.Handler(f.sink))
	return f
}

func (f *fixture) publish(ev events.Event) {
	f.bus.Publish(context.Background(), ev)
}

func TestMoveOutNotifiesRemainingOccupants(t *testing.T) {
	f := newFixture(t)
	f.occ.Enter("A", "L")
	f.occ.Enter("B", "L")

	f.publish(events.New(events.TypeEntityLeft, "A", events.EntityLeft{EntityID: "A", LocationID: "L"}, "", "L"))

	got := f.sink.received()
	if !reflect.DeepEqual(got["B"], []string{MsgOccupantLeft}) {
		t.Errorf("B received %v, want [%s]", got["B"], MsgOccupantLeft)
	}
	if len(got["A"]) != 0 {
		t.Errorf("A received %v, want nothing", got["A"])
	}
	if f.occ.Contains("L", "A") {
		t.Error("A still in L occupant set")
	}

	f.sink.outs = nil
	f.publish(events.New(events.TypeContainerClosed, "B", events.ContainerClosed{ContainerID: "chest", HolderID: "X", LocationID: "L"}, "", "L"))
	if got := f.sink.received(); len(got["A"]) != 0 || len(got["B"]) != 1 {
		t.Errorf("later broadcast to L reached %v, want only B", got)
	}
}

func TestDuplicatePublicationDeliveredOnce(t *testing.T) {
	f := newFixture(t)
	f.occ.Enter("B", "L")

	enter := func() events.Event {
		return events.New(events.TypeEntityEntered, "A", events.EntityEntered{EntityID: "A", LocationID: "L"}, "", "L")
	}
	// Two independent call sites report the same fact.
	f.publish(enter())
	f.publish(enter())

	got := f.sink.received()
	if len(got["B"]) != 1 {
		t.Errorf("B received %v, want one occupant_entered", got["B"])
	}
	if len(got["A"]) != 1 || got["A"][0] != MsgLocationSnapshot {
		t.Errorf("A received %v, want one location_snapshot", got["A"])
	}
	if s := f.tr.Stats(); s.Duplicates != 2 {
		t.Errorf("Stats().Duplicates = %d, want 2", s.Duplicates)
	}
}

func TestRepeatedMovementIsNotADuplicate(t *testing.T) {
	f := newFixture(t)
	f.occ.Enter("B", "L")
	f.occ.Enter("A", "L")

	move := func(from, to string) {
		f.publish(events.New(events.TypeEntityMoved, "A", events.EntityMoved{EntityID: "A", From: from, To: to}, "", from, to))
	}
	move("L", "M")
	move("M", "L")
	move("L", "M")

	var left int
	for _, typ := range f.sink.received()["B"] {
		if typ == MsgOccupantLeft {
			left++
		}
	}
	if left != 2 {
		t.Errorf("B saw %d occupant_left, want 2", left)
	}
}

func TestMovedAddressesBothLocations(t *testing.T) {
	f := newFixture(t)
	f.occ.Enter("A", "L")
	f.occ.Enter("B", "L")
	f.occ.Enter("C", "M")

	f.publish(events.New(events.TypeEntityMoved, "A", events.EntityMoved{EntityID: "A", From: "L", To: "M"}, "", "L", "M"))

	want := map[string][]string{
		"A": {MsgLocationSnapshot},
		"B": {MsgOccupantLeft},
		"C": {MsgOccupantEntered},
	}
	if got := f.sink.received(); !reflect.DeepEqual(got, want) {
		t.Errorf("received = %v, want %v", got, want)
	}
	for _, o := range f.sink.outs {
		if o.Message.Type != MsgLocationSnapshot {
			continue
		}
		body := o.Message.Body.(LocationSnapshotBody)
		if !reflect.DeepEqual(body.Occupants, []string{"A", "C"}) {
			t.Errorf("snapshot occupants = %v, want [A C]", body.Occupants)
		}
		if o.Message.Priority != Essential {
			t.Errorf("snapshot priority = %v, want essential", o.Message.Priority)
		}
	}
}

func TestChatTargetsChannelSubject(t *testing.T) {
	f := newFixture(t)
	f.occ.Enter("A", "L")
	f.occ.Enter("B", "L")
	f.publish(events.New(events.TypeSay, "A", events.Say{SpeakerID: "A", LocationID: "L", Text: "hi"}, "", "L"))
	f.publish(events.New(events.TypeSay, "A", events.Say{SpeakerID: "A", LocationID: "L", Text: "again"}, "", "L"))

	if len(f.sink.outs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(f.sink.outs))
	}
	for _, o := range f.sink.outs {
		if o.Audience.Subject != broker.RoomSubject("L") {
			t.Errorf("subject = %q, want %q", o.Audience.Subject, broker.RoomSubject("L"))
		}
		if want := []string{"A", "B"}; !reflect.DeepEqual(o.Audience.Identities, want) {
			t.Errorf("snapshot = %v, want %v", o.Audience.Identities, want)
		}
	}
}

func TestPartyChatSnapshotsMembers(t *testing.T) {
	f := newFixture(t)
	if err := f.parties.Form("p1", "A"); err != nil {
		t.Fatal(err)
	}
	if err := f.parties.Join("p1", "B"); err != nil {
		t.Fatal(err)
	}
	f.publish(events.New(events.TypePartySay, "A", events.PartySay{SpeakerID: "A", PartyID: "p1", Text: "go"}, ""))
	if err := f.parties.Join("p1", "C"); err != nil {
		t.Fatal(err)
	}

	if len(f.sink.outs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(f.sink.outs))
	}
	aud := f.sink.outs[0].Audience
	if aud.Subject != broker.PartySubject("p1") || !reflect.DeepEqual(aud.Identities, []string{"A", "B"}) {
		t.Errorf("audience = %+v, want %s with [A B]", aud, broker.PartySubject("p1"))
	}
}

func TestDistinctActionsWithEqualPayloadsAreDelivered(t *testing.T) {
	take := func(remaining int) events.Event {
		return events.New(events.TypeItemTaken, "A", events.ItemTaken{
			ContainerID: "chest",
			HolderID:    "A",
			LocationID:  "L",
			Item:        events.Item{ID: "potion", Name: "Potion", Quantity: 1},
			Remaining:   remaining,
		}, "", "L")
	}
	hit := func(seq uint64) events.Event {
		return events.New(events.TypeAttack, "A", events.Attack{AttackerID: "A", TargetID: "B", LocationID: "L", Damage: 3, Seq: seq}, "", "L")
	}
	tests := []struct {
		name    string
		events  []events.Event
		msgType string
		want    int
	}{
		{"two takes of one potion", []events.Event{take(4), take(3)}, MsgItemTaken, 2},
		{"same take published twice", []events.Event{take(4), take(4)}, MsgItemTaken, 1},
		{"two numbered hits", []events.Event{hit(1), hit(2)}, MsgCombat, 2},
		{"same hit published twice", []events.Event{hit(7), hit(7)}, MsgCombat, 1},
		{"unnumbered hits", []events.Event{hit(0), hit(0)}, MsgCombat, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.occ.Enter("A", "L")
			f.occ.Enter("B", "L")
			for _, ev := range tt.events {
				f.publish(ev)
			}
			var n int
			for _, typ := range f.sink.received()["B"] {
				if typ == tt.msgType {
					n++
				}
			}
			if n != tt.want {
				t.Errorf("B received %d %s, want %d", n, tt.msgType, tt.want)
			}
		})
	}
}

func TestCombatIncludesParticipantsOutsideLocation(t *testing.T) {
	f := newFixture(t)
	f.occ.Enter("A", "L")
	f.occ.Enter("W", "L")

	f.publish(events.New(events.TypeAttack, "A", events.Attack{AttackerID: "A", TargetID: "npc-1", LocationID: "L", Damage: 3}, "", "L"))

	if len(f.sink.outs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(f.sink.outs))
	}
	got := f.sink.outs[0].Audience.Identities
	if want := []string{"A", "W", "npc-1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("audience = %v, want %v", got, want)
	}
}

func TestPartyDisbandReachesFormerMembers(t *testing.T) {
	f := newFixture(t)
	f.publish(events.New(events.TypePartyFormed, "A", events.PartyChange{PartyID: "p1", IdentityID: "A"}, ""))
	f.publish(events.New(events.TypePartyJoined, "B", events.PartyChange{PartyID: "p1", IdentityID: "B"}, ""))
	f.sink.outs = nil

	f.publish(events.New(events.TypePartyDisbanded, "A", events.PartyChange{PartyID: "p1", IdentityID: "A", Members: []string{"A", "B"}}, ""))

	got := f.sink.received()
	if len(got["A"]) != 1 || len(got["B"]) != 1 {
		t.Errorf("received = %v, want one party_update each for A and B", got)
	}
	if f.parties.Count() != 0 {
		t.Error("party still registered after disband")
	}
}

func TestPresenceExcludesSubject(t *testing.T) {
	f := newFixture(t)
	f.occ.Enter("A", "L")
	f.occ.Enter("B", "L")

	f.publish(events.New(events.TypePresenceChanged, "A", events.PresenceChanged{IdentityID: "A", Online: false}, ""))

	want := map[string][]string{"B": {MsgPresence}}
	if got := f.sink.received(); !reflect.DeepEqual(got, want) {
		t.Errorf("received = %v, want %v", got, want)
	}
}

func TestUnknownPayloadIsAnError(t *testing.T) {
	tr := New(occupancy.New(), channel.NewParties(), nil, testLogger())
	if _, err := tr.OnEvent(events.New(events.TypeEntityEntered, "A", "bad", "")); err == nil {
		t.Error("OnEvent accepted a mistyped payload")
	}
	outs, err := tr.OnEvent(events.New(events.Type("weather.changed"), "sky", nil, ""))
	if err != nil || len(outs) != 0 {
		t.Errorf("OnEvent(unmapped) = %v, %v; want nothing", outs, err)
	}
	if tr.Stats().Unmapped != 1 {
		t.Errorf("Unmapped = %d, want 1", tr.Stats().Unmapped)
	}
}

func TestDeduperWindowExpires(t *testing.T) {
	d := NewDeduper(50*time.Millisecond, 8)
	if d.Seen("k") {
		t.Fatal("first Seen reported duplicate")
	}
	if !d.Seen("k") {
		t.Fatal("second Seen within window not reported")
	}
	time.Sleep(120 * time.Millisecond)
	if d.Seen("k") {
		t.Error("Seen after window reported duplicate")
	}
}
