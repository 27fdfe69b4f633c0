// Package channel tracks named fan-out scopes. Location channels are implicit
// and derive their members from occupancy; party channels are explicit and
// live from party formation until disband.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/emberwake/relay/internal/broker"
	"github.com/emberwake/relay/internal/events"
)

var (
	ErrPartyExists    = errors.New("party already exists")
	ErrNoParty        = errors.New("party not found")
	ErrAlreadyInParty = errors.New("identity already in a party")
)

// Kind distinguishes implicit from explicit channels.
type Kind string

const (
	KindRoom  Kind = broker.KindRoom
	KindParty Kind = broker.KindParty
)

// Channel is a snapshot of one fan-out scope.
type Channel struct {
	ID      string   `json:"id"`
	Kind    Kind     `json:"kind"`
	Subject string   `json:"subject"`
	Members []string `json:"members"`
}

// Occupants is the read-only occupancy lookup used for location channels.
type Occupants interface {
	Occupants(loc string) []string
}

// Parties holds explicit party channels.
type Parties struct {
	mu       sync.RWMutex
	parties  map[string]map[string]struct{}
	memberOf map[string]string
}

// NewParties returns an empty party registry.
func NewParties() *Parties {
	return &Parties{
		parties:  make(map[string]map[string]struct{}),
		memberOf: make(map[string]string),
	}
}

// Form creates a party with leader as its first member.
func (p *Parties) Form(partyID, leader string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.parties[partyID]; ok {
		return ErrPartyExists
	}
	if _, ok := p.memberOf[leader]; ok {
		return ErrAlreadyInParty
	}
	p.parties[partyID] = map[string]struct{}{leader: {}}
	p.memberOf[leader] = partyID
	return nil
}

// Join adds identity to an existing party.
func (p *Parties) Join(partyID, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.parties[partyID]
	if !ok {
		return ErrNoParty
	}
	if current, ok := p.memberOf[identity]; ok {
		if current == partyID {
			return nil
		}
		return ErrAlreadyInParty
	}
	members[identity] = struct{}{}
	p.memberOf[identity] = partyID
	return nil
}

// Leave removes identity from the party. The party is destroyed when its last
// member leaves; disbanded reports whether that happened.
func (p *Parties) Leave(partyID, identity string) (disbanded bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.parties[partyID]
	if !ok {
		return false, ErrNoParty
	}
	if _, ok := members[identity]; !ok {
		return false, nil
	}
	delete(members, identity)
	delete(p.memberOf, identity)
	if len(members) == 0 {
		delete(p.parties, partyID)
		return true, nil
	}
	return false, nil
}

// Disband destroys the party and returns its former members.
func (p *Parties) Disband(partyID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.parties[partyID]
	if !ok {
		return nil, ErrNoParty
	}
	out := sortedKeys(members)
	for id := range members {
		delete(p.memberOf, id)
	}
	delete(p.parties, partyID)
	return out, nil
}

// Members returns a sorted snapshot of the party members.
func (p *Parties) Members(partyID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.parties[partyID])
}

// PartyOf returns the party identity belongs to.
func (p *Parties) PartyOf(identity string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.memberOf[identity]
	return id, ok
}

// Count returns the number of live parties.
func (p *Parties) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.parties)
}

// Apply is the bus handler for party.* events. It must run before the
// transformer so party notifications see the new membership.
func (p *Parties) Apply(_ context.Context, ev events.Event) error {
	change, ok := ev.Payload.(events.PartyChange)
	if !ok {
		return fmt.Errorf("channel: unexpected payload %T for %s", ev.Payload, ev.Type)
	}
	var err error
	switch ev.Type {
	case events.TypePartyFormed:
		err = p.Form(change.PartyID, change.IdentityID)
	case events.TypePartyJoined:
		err = p.Join(change.PartyID, change.IdentityID)
	case events.TypePartyLeft:
		_, err = p.Leave(change.PartyID, change.IdentityID)
	case events.TypePartyDisbanded:
		_, err = p.Disband(change.PartyID)
	default:
		return fmt.Errorf("channel: unexpected event %s", ev.Type)
	}
	if err != nil {
		return fmt.Errorf("apply %s to party %s: %w", ev.Type, change.PartyID, err)
	}
	return nil
}

// Resolver maps broker subjects to the local member set of their channel.
type Resolver struct {
	occupants Occupants
	parties   *Parties
}

// NewResolver builds a resolver over occupancy and parties.
func NewResolver(occupants Occupants, parties *Parties) *Resolver {
	return &Resolver{occupants: occupants, parties: parties}
}

// Lookup returns the channel addressed by subject.
func (r *Resolver) Lookup(subject string) (Channel, bool) {
	_, kind, scope, ok := broker.Split(subject)
	if !ok {
		return Channel{}, false
	}
	switch Kind(kind) {
	case KindRoom:
		return Channel{ID: scope, Kind: KindRoom, Subject: subject, Members: r.occupants.Occupants(scope)}, true
	case KindParty:
		members := r.parties.Members(scope)
		if len(members) == 0 {
			return Channel{}, false
		}
		return Channel{ID: scope, Kind: KindParty, Subject: subject, Members: members}, true
	}
	return Channel{}, false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
