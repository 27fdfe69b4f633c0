// Package events defines the domain events published by game-rule code onto
// the event bus.
//
// Events are immutable facts. Every publisher of a location or occupancy
// event must leave client notification to the transformer subscribed on the
// bus; publishers never notify clients directly.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type is the discriminated tag of a domain event.
type Type string

const (
	TypeEntityEntered   Type = "entity.entered"
	TypeEntityLeft      Type = "entity.left"
	TypeEntityMoved     Type = "entity.moved"
	TypeAttack          Type = "combat.attack"
	TypeSay             Type = "chat.say"
	TypePartySay        Type = "chat.party"
	TypeContainerOpened Type = "container.opened"
	TypeItemTaken       Type = "container.item_taken"
	TypeContainerClosed Type = "container.closed"
	TypePresenceChanged Type = "presence.changed"
	TypePartyFormed     Type = "party.formed"
	TypePartyJoined     Type = "party.joined"
	TypePartyLeft       Type = "party.left"
	TypePartyDisbanded  Type = "party.disbanded"
)

// Event describes something that happened in the world.
type Event struct {
	ID          string
	Type        Type
	SourceID    string
	LocationIDs []string
	Payload     any
	CausationID string
	OccurredAt  time.Time
}

// New builds an event with a fresh ID. When causationID is empty the event
// starts a new causation chain rooted at itself.
func New(typ Type, sourceID string, payload any, causationID string, locations ...string) Event {
	id := uuid.New().String()
	if causationID == "" {
		causationID = id
	}
	locs := make([]string, len(locations))
	copy(locs, locations)
	return Event{
		ID:          id,
		Type:        typ,
		SourceID:    sourceID,
		LocationIDs: locs,
		Payload:     payload,
		CausationID: causationID,
		OccurredAt:  time.Now().UTC(),
	}
}

// Derive builds a follow-up event in the same causation chain as e.
func (e Event) Derive(typ Type, sourceID string, payload any, locations ...string) Event {
	return New(typ, sourceID, payload, e.CausationID, locations...)
}

// Location returns the primary affected location, or "" when there is none.
func (e Event) Location() string {
	if len(e.LocationIDs) == 0 {
		return ""
	}
	return e.LocationIDs[0]
}

// Publisher is implemented by the event bus. Game-rule code depends on this
// interface only.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event)

func (f PublisherFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }
