package occupancy

import (
	"context"
	"errors"
	"testing"

	"github.com/emberwake/relay/internal/events"
)

type staticSource struct {
	rows map[string]string
	err  error
}

func (s staticSource) ListOccupancy(context.Context) (map[string]string, error) {
	return s.rows, s.err
}

func TestApplyTracksMovement(t *testing.T) {
	x := New()
	ctx := context.Background()

	steps := []events.Event{
		events.New(events.TypeEntityEntered, "a", events.EntityEntered{EntityID: "a", LocationID: "L"}, "", "L"),
		events.New(events.TypeEntityEntered, "b", events.EntityEntered{EntityID: "b", LocationID: "L"}, "", "L"),
		events.New(events.TypeEntityMoved, "a", events.EntityMoved{EntityID: "a", From: "L", To: "M"}, "", "L", "M"),
	}
	for _, ev := range steps {
		if err := x.Apply(ctx, ev); err != nil {
			t.Fatalf("Apply(%s) error = %v", ev.Type, err)
		}
	}

	if got := x.Occupants("L"); len(got) != 1 || got[0] != "b" {
		t.Errorf("Occupants(L) = %v, want [b]", got)
	}
	if got := x.Occupants("M"); len(got) != 1 || got[0] != "a" {
		t.Errorf("Occupants(M) = %v, want [a]", got)
	}
	if loc, ok := x.LocationOf("a"); !ok || loc != "M" {
		t.Errorf("LocationOf(a) = %q, %v", loc, ok)
	}

	if err := x.Apply(ctx, events.New(events.TypeEntityLeft, "b", events.EntityLeft{EntityID: "b", LocationID: "L"}, "", "L")); err != nil {
		t.Fatal(err)
	}
	if got := x.Occupants("L"); len(got) != 0 {
		t.Errorf("Occupants(L) after leave = %v", got)
	}
	ids, locs := x.Len()
	if ids != 1 || locs != 1 {
		t.Errorf("Len() = %d, %d, want 1, 1", ids, locs)
	}
}

func TestLeaveWrongLocationIsNoop(t *testing.T) {
	x := New()
	x.Enter("a", "L")
	x.Leave("a", "M")
	if !x.Contains("L", "a") {
		t.Fatal("a should still occupy L")
	}
}

func TestApplyRejectsUnknownPayload(t *testing.T) {
	x := New()
	if err := x.Apply(context.Background(), events.New(events.TypeEntityEntered, "a", "oops", "")); err == nil {
		t.Fatal("expected error for unexpected payload")
	}
}

func TestHydrate(t *testing.T) {
	x := New()
	x.Enter("stale", "Z")
	err := x.Hydrate(context.Background(), staticSource{rows: map[string]string{"a": "L", "b": "L", "c": "M"}})
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if got := x.Occupants("L"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Occupants(L) = %v", got)
	}
	if x.Contains("Z", "stale") {
		t.Error("hydrate should replace previous contents")
	}

	if err := x.Hydrate(context.Background(), staticSource{err: errors.New("db down")}); err == nil {
		t.Error("expected hydrate error")
	}
}

func TestTransitionsIgnoreReplays(t *testing.T) {
	x := New()
	x.Enter("a", "L")
	x.Enter("a", "L")
	if got := x.Transitions("a"); got != 1 {
		t.Fatalf("Transitions after replayed enter = %d, want 1", got)
	}
	x.Enter("a", "M")
	x.Leave("a", "L")
	x.Leave("a", "M")
	x.Leave("a", "M")
	if got := x.Transitions("a"); got != 3 {
		t.Errorf("Transitions = %d, want 3", got)
	}
}

func TestAdoptOnlyPlacesUnknownIdentities(t *testing.T) {
	x := New()
	x.Enter("a", "L")

	if x.Adopt("a", "M") {
		t.Error("Adopt moved an identity that already had a location")
	}
	if !x.Adopt("b", "M") {
		t.Error("Adopt did not place an unknown identity")
	}
	if loc, _ := x.LocationOf("a"); loc != "L" {
		t.Errorf("a is in %q, want L", loc)
	}
	if !x.Contains("M", "b") {
		t.Error("b not in M")
	}
}
