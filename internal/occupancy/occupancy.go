// Package occupancy keeps an in-memory, read-mostly view of which identities
// occupy which location.
//
// The index is hydrated from the persistence collaborator at start and kept
// current by a bus subscriber that must be registered before the transformer,
// so that notifications are computed from the updated occupant set.
package occupancy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emberwake/relay/internal/events"
)

// Source lists the persisted occupancy as identity -> location.
type Source interface {
	ListOccupancy(ctx context.Context) (map[string]string, error)
}

// Index maps locations to occupants and back.
type Index struct {
	mu         sync.RWMutex
	byLocation map[string]map[string]struct{}
	locationOf map[string]string
	// transitions counts real location changes per identity. Replayed
	// events that change nothing leave it untouched.
	transitions map[string]uint64
}

// New returns an empty index.
func New() *Index {
	return &Index{
		byLocation:  make(map[string]map[string]struct{}),
		locationOf:  make(map[string]string),
		transitions: make(map[string]uint64),
	}
}

// Hydrate replaces the index contents with the persisted occupancy.
func (x *Index) Hydrate(ctx context.Context, src Source) error {
	rows, err := src.ListOccupancy(ctx)
	if err != nil {
		return fmt.Errorf("list occupancy: %w", err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byLocation = make(map[string]map[string]struct{})
	x.locationOf = make(map[string]string, len(rows))
	for identity, loc := range rows {
		x.enterLocked(identity, loc)
	}
	return nil
}

// Occupants returns a sorted snapshot of the identities in loc.
func (x *Index) Occupants(loc string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	set := x.byLocation[loc]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LocationOf reports where identity currently is.
func (x *Index) LocationOf(identity string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	loc, ok := x.locationOf[identity]
	return loc, ok
}

// Contains reports whether identity occupies loc.
func (x *Index) Contains(loc, identity string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.byLocation[loc][identity]
	return ok
}

// Enter places identity in loc, removing it from any previous location.
func (x *Index) Enter(identity, loc string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if cur, ok := x.locationOf[identity]; ok && cur == loc {
		return
	}
	x.enterLocked(identity, loc)
	x.transitions[identity]++
}

// Leave removes identity from loc. Leaving a location the identity is not in
// is a no-op.
func (x *Index) Leave(identity, loc string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.locationOf[identity] != loc {
		return
	}
	x.removeLocked(identity)
	x.transitions[identity]++
}

// Adopt places identity in loc only if the index has no location for it.
// It reports whether the identity was placed.
func (x *Index) Adopt(identity, loc string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.locationOf[identity]; ok {
		return false
	}
	x.enterLocked(identity, loc)
	x.transitions[identity]++
	return true
}

// Transitions returns how many times identity has changed location.
func (x *Index) Transitions(identity string) uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.transitions[identity]
}

func (x *Index) enterLocked(identity, loc string) {
	x.removeLocked(identity)
	set := x.byLocation[loc]
	if set == nil {
		set = make(map[string]struct{})
		x.byLocation[loc] = set
	}
	set[identity] = struct{}{}
	x.locationOf[identity] = loc
}

func (x *Index) removeLocked(identity string) {
	prev, ok := x.locationOf[identity]
	if !ok {
		return
	}
	delete(x.locationOf, identity)
	set := x.byLocation[prev]
	delete(set, identity)
	if len(set) == 0 {
		delete(x.byLocation, prev)
	}
}

// Len returns the number of located identities and non-empty locations.
func (x *Index) Len() (identities, locations int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.locationOf), len(x.byLocation)
}

// Apply is the bus handler for entity.entered, entity.left and entity.moved.
func (x *Index) Apply(_ context.Context, ev events.Event) error {
	switch p := ev.Payload.(type) {
	case events.EntityEntered:
		x.Enter(p.EntityID, p.LocationID)
	case events.EntityLeft:
		x.Leave(p.EntityID, p.LocationID)
	case events.EntityMoved:
		x.Enter(p.EntityID, p.To)
	default:
		return fmt.Errorf("occupancy: unexpected payload %T for %s", ev.Payload, ev.Type)
	}
	return nil
}
