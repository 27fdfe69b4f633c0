// Package transform is the single place domain events become client
// messages. It decides who receives what and drops accidental duplicates.
//
// No other code path may notify clients about occupancy or location facts.
// Game-rule code publishes events; this package is subscribed on the bus
// after the occupancy and party handlers, so lookups see post-event state.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emberwake/relay/internal/broker"
	"github.com/emberwake/relay/internal/bus"
	"github.com/emberwake/relay/internal/events"
)

// Occupancy is the read-only location lookup used for addressing.
type Occupancy interface {
	Occupants(loc string) []string
	LocationOf(identity string) (string, bool)
	Transitions(identity string) uint64
}

// Parties is the read-only party lookup used for addressing.
type Parties interface {
	Members(partyID string) []string
	PartyOf(identity string) (string, bool)
}

// Sink receives transformed output. The delivery pipeline implements it.
type Sink interface {
	Deliver(ctx context.Context, outs []Output)
}

// Stats counts transformer activity.
type Stats struct {
	Emitted    int64 `json:"emitted"`
	Duplicates int64 `json:"duplicates"`
	Unmapped   int64 `json:"unmapped"`
	CacheSize  int   `json:"cacheSize"`
}

type rule func(t *Transformer, ev events.Event) ([]draft, error)

// draft is an output before its dedupe key is computed.
type draft struct {
	aud      Audience
	msgType  string
	body     any
	priority Priority
	fact     string
}

// Transformer maps events to (audience, message) pairs.
type Transformer struct {
	occ     Occupancy
	parties Parties
	dedupe  *Deduper
	logger  *slog.Logger
	rules   map[events.Type]rule

	emitted    atomic.Int64
	duplicates atomic.Int64
	unmapped   atomic.Int64
}

// New creates a transformer over the given lookups.
func New(occ Occupancy, parties Parties, dedupe *Deduper, logger *slog.Logger) *Transformer {
	t := &Transformer{
		occ:     occ,
		parties: parties,
		dedupe:  dedupe,
		logger:  logger.With("component", "transform"),
	}
	t.rules = map[events.Type]rule{
		events.TypeEntityEntered:   (*Transformer).entered,
		events.TypeEntityLeft:      (*Transformer).left,
		events.TypeEntityMoved:     (*Transformer).moved,
		events.TypeAttack:          (*Transformer).attack,
		events.TypeSay:             (*Transformer).say,
		events.TypePartySay:        (*Transformer).partySay,
		events.TypeContainerOpened: (*Transformer).containerOpened,
		events.TypeItemTaken:       (*Transformer).itemTaken,
		events.TypeContainerClosed: (*Transformer).containerClosed,
		events.TypePresenceChanged: (*Transformer).presence,
		events.TypePartyFormed:     (*Transformer).party,
		events.TypePartyJoined:     (*Transformer).party,
		events.TypePartyLeft:       (*Transformer).party,
		events.TypePartyDisbanded:  (*Transformer).party,
	}
	return t
}

// OnEvent returns the messages ev produces, minus duplicates seen within the
// dedupe window. Unknown event types produce nothing.
func (t *Transformer) OnEvent(ev events.Event) ([]Output, error) {
	r, ok := t.rules[ev.Type]
	if !ok {
		t.unmapped.Add(1)
		return nil, nil
	}
	drafts, err := r(t, ev)
	if err != nil {
		return nil, err
	}

	outs := make([]Output, 0, len(drafts))
	for _, d := range drafts {
		if d.aud.Empty() {
			continue
		}
		key := DedupeKey(ev, d.fact, d.msgType, d.aud)
		if t.dedupe != nil && t.dedupe.Seen(key) {
			t.duplicates.Add(1)
			t.logger.Warn("dropped duplicate notification, likely double publication",
				"event_type", ev.Type,
				"event_id", ev.ID,
				"source_id", ev.SourceID,
				"message_type", d.msgType,
				"dedupe_key", key,
			)
			continue
		}
		outs = append(outs, Output{
			Audience: d.aud,
			Message: Message{
				Type:        d.msgType,
				Body:        d.body,
				DedupeKey:   key,
				Priority:    d.priority,
				EventID:     ev.ID,
				CausationID: ev.CausationID,
				OccurredAt:  ev.OccurredAt,
			},
		})
	}
	t.emitted.Add(int64(len(outs)))
	return outs, nil
}

// Handler returns the bus handler that feeds sink.
func (t *Transformer) Handler(sink Sink) bus.Handler {
	return func(ctx context.Context, ev events.Event) error {
		outs, err := t.OnEvent(ev)
		if err != nil {
			return err
		}
		if len(outs) > 0 {
			sink.Deliver(ctx, outs)
		}
		return nil
	}
}

// Types lists every event type with a mapping rule.
func (t *Transformer) Types() []events.Type {
	out := make([]events.Type, 0, len(t.rules))
	for typ := range t.rules {
		out = append(out, typ)
	}
	return out
}

func (t *Transformer) Stats() Stats {
	s := Stats{
		Emitted:    t.emitted.Load(),
		Duplicates: t.duplicates.Load(),
		Unmapped:   t.unmapped.Load(),
	}
	if t.dedupe != nil {
		s.CacheSize = t.dedupe.Len()
	}
	return s
}

func payloadError(ev events.Event) error {
	return fmt.Errorf("transform: unexpected payload %T for %s", ev.Payload, ev.Type)
}

// except returns ids without the excluded identities.
func except(ids []string, excluded ...string) []string {
	out := make([]string, 0, len(ids))
outer:
	for _, id := range ids {
		for _, x := range excluded {
			if id == x {
				continue outer
			}
		}
		out = append(out, id)
	}
	return out
}

// union merges id lists, keeping the first occurrence of each.
func union(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, id := range l {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (t *Transformer) snapshot(identity, loc, fact string) draft {
	return draft{
		aud:      Identities(identity),
		msgType:  MsgLocationSnapshot,
		body:     LocationSnapshotBody{LocationID: loc, Occupants: t.occ.Occupants(loc)},
		priority: Essential,
		fact:     fact,
	}
}

// moveFact tells a replayed movement apart from the same movement made
// again: replays do not advance the transition counter.
func (t *Transformer) moveFact(identity string) string {
	return "move/" + strconv.FormatUint(t.occ.Transitions(identity), 10)
}

func (t *Transformer) entered(ev events.Event) ([]draft, error) {
	p, ok := ev.Payload.(events.EntityEntered)
	if !ok {
		return nil, payloadError(ev)
	}
	body := OccupantBody{EntityID: p.EntityID, LocationID: p.LocationID}
	fact := t.moveFact(p.EntityID)
	return []draft{
		{aud: Identities(except(t.occ.Occupants(p.LocationID), p.EntityID)...), msgType: MsgOccupantEntered, body: body, priority: Low, fact: fact},
		t.snapshot(p.EntityID, p.LocationID, fact),
	}, nil
}

func (t *Transformer) left(ev events.Event) ([]draft, error) {
	p, ok := ev.Payload.(events.EntityLeft)
	if !ok {
		return nil, payloadError(ev)
	}
	body := OccupantBody{EntityID: p.EntityID, LocationID: p.LocationID}
	return []draft{
		{aud: Identities(except(t.occ.Occupants(p.LocationID), p.EntityID)...), msgType: MsgOccupantLeft, body: body, priority: Low, fact: t.moveFact(p.EntityID)},
	}, nil
}

func (t *Transformer) moved(ev events.Event) ([]draft, error) {
	p, ok := ev.Payload.(events.EntityMoved)
	if !ok {
		return nil, payloadError(ev)
	}
	fact := t.moveFact(p.EntityID)
	return []draft{
		{
			aud:      Identities(except(t.occ.Occupants(p.From), p.EntityID)...),
			msgType:  MsgOccupantLeft,
			body:     OccupantBody{EntityID: p.EntityID, LocationID: p.From},
			priority: Low,
			fact:     fact,
		},
		{
			aud:      Identities(except(t.occ.Occupants(p.To), p.EntityID)...),
			msgType:  MsgOccupantEntered,
			body:     OccupantBody{EntityID: p.EntityID, LocationID: p.To},
			priority: Low,
			fact:     fact,
		},
		t.snapshot(p.EntityID, p.To, fact),
	}, nil
}

func (t *Transformer) attack(ev events.Event) ([]draft, error) {
	p, ok := ev.Payload.(events.Attack)
	if !ok {
		return nil, payloadError(ev)
	}
	aud := union(t.occ.Occupants(p.LocationID), []string{p.AttackerID, p.TargetID})
	hit := ev.ID
	if p.Seq != 0 {
		hit = strconv.FormatUint(p.Seq, 10)
	}
	fact := p.TargetID + "/" + strconv.Itoa(p.Damage) + "/" + strconv.FormatBool(p.Killed) + "/" + hit
	return []draft{{aud: Identities(aud...), msgType: MsgCombat, body: p, priority: Essential, fact: fact}}, nil
}

func (t *Transformer) say(ev events.Event) ([]draft, error) {
	p, ok := ev.Payload.(events.Say)
	if !ok {
		return nil, payloadError(ev)
	}
	subject := broker.RoomSubject(p.LocationID)
	body := ChatBody{From: p.SpeakerID, Channel: subject, Text: p.Text}
	aud := Channel(subject, t.occ.Occupants(p.LocationID)...)
	return []draft{{aud: aud, msgType: MsgChat, body: body, priority: Low, fact: p.Text}}, nil
}

func (t *Transformer) partySay(ev events.Event) ([]draft, error) {
	p, ok := ev.Payload.(events.PartySay)
	if !ok {
		return nil, payloadError(ev)
	}
	subject := broker.PartySubject(p.PartyID)
	body := ChatBody{From: p.SpeakerID, Channel: subject, Text: p.Text}
	aud := Channel(subject, t.parties.Members(p.PartyID)...)
	return []draft{{aud: aud, msgType: MsgChat, body: body, priority: Low, fact: p.Text}}, nil
}

func (t *Transformer) containerOpened(ev events.Event) ([]draft, error) {
	p, ok := ev.Payload.(events.ContainerOpened)
	if !ok {
		return nil, payloadError(ev)
	}
	return []draft{{aud: Identities(p.HolderID), msgType: MsgContainerOpened, body: p, priority: Essential, fact: p.ContainerID}}, nil
}

func (t *Transformer) itemTaken(ev events.Event) ([]draft, error) {
	p, ok := ev.Payload.(events.ItemTaken)
	if !ok {
		return nil, payloadError(ev)
	}
	fact := p.ContainerID + "/" + p.Item.ID + "/" + strconv.Itoa(p.Item.Quantity) + "/" + strconv.Itoa(p.Remaining)
	return []draft{{aud: Identities(t.occ.Occupants(p.LocationID)...), msgType: MsgItemTaken, body: p, priority: Low, fact: fact}}, nil
}

func (t *Transformer) containerClosed(ev events.Event) ([]draft, error) {
	p, ok := ev.Payload.(events.ContainerClosed)
	if !ok {
		return nil, payloadError(ev)
	}
	aud := except(t.occ.Occupants(p.LocationID), p.HolderID)
	return []draft{{aud: Identities(aud...), msgType: MsgContainerClosed, body: p, priority: Low, fact: p.ContainerID}}, nil
}

func (t *Transformer) presence(ev events.Event) ([]draft, error) {
	p, ok := ev.Payload.(events.PresenceChanged)
	if !ok {
		return nil, payloadError(ev)
	}
	var nearby, party []string
	if loc, ok := t.occ.LocationOf(p.IdentityID); ok {
		nearby = t.occ.Occupants(loc)
	}
	if pid, ok := t.parties.PartyOf(p.IdentityID); ok {
		party = t.parties.Members(pid)
	}
	aud := except(union(nearby, party), p.IdentityID)
	body := PresenceBody{IdentityID: p.IdentityID, Online: p.Online}
	return []draft{{aud: Identities(aud...), msgType: MsgPresence, body: body, priority: Low, fact: strconv.FormatBool(p.Online)}}, nil
}

func (t *Transformer) party(ev events.Event) ([]draft, error) {
	p, ok := ev.Payload.(events.PartyChange)
	if !ok {
		return nil, payloadError(ev)
	}
	members := t.parties.Members(p.PartyID)
	if ev.Type == events.TypePartyDisbanded {
		members = p.Members
	}
	body := PartyBody{
		PartyID:    p.PartyID,
		IdentityID: p.IdentityID,
		Change:     string(ev.Type),
		Members:    members,
	}
	aud := union(members, []string{p.IdentityID})
	return []draft{{aud: Identities(aud...), msgType: MsgPartyUpdate, body: body, priority: Essential, fact: p.PartyID + "/" + p.IdentityID}}, nil
}

// Envelope is the JSON frame written to clients.
type Envelope struct {
	Type       string    `json:"type"`
	EventID    string    `json:"eventId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
	Body       any       `json:"body"`
}

// Frame converts m into the client envelope.
func (m Message) Frame() Envelope {
	return Envelope{Type: m.Type, EventID: m.EventID, OccurredAt: m.OccurredAt, Body: m.Body}
}
