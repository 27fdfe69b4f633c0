// Package broker abstracts the external pub/sub system used for fan-out that
// must reach beyond one process, such as chat rooms and parties.
//
// Subjects are hierarchical: <domain>.<kind>.<scope-id>, for example
// chat.room.<location-id> or chat.party.<party-id>. Patterns may use "*" to
// match exactly one token and a trailing ">" to match one or more tokens.
//
// Services depend on the Broker interface only; concrete adapters live in
// this package (Memory) and in sub-packages (natsbroker).
package broker

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")
	// ErrUnavailable is returned when the backing broker cannot be reached.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrInvalidSubject is returned for malformed subjects or patterns.
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is one payload received on a subject.
type Message struct {
	Subject string
	Payload []byte
}

// Handler consumes messages delivered to a subscription.
type Handler func(ctx context.Context, msg Message)

// Subscription is an active interest in a subject pattern.
type Subscription interface {
	Pattern() string
	Unsubscribe() error
}

// Broker is the capability set every adapter provides.
type Broker interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(pattern string, h Handler) (Subscription, error)
	Close() error
}

// State describes adapter health.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateUnhealthy  State = "unhealthy"
	StateClosed     State = "closed"
)

// Stats is a snapshot exposed on the admin surface.
type Stats struct {
	State         State  `json:"state"`
	Reconnects    uint64 `json:"reconnects"`
	Subscriptions int    `json:"subscriptions"`
	Pending       int    `json:"pending"`
	Dropped       uint64 `json:"dropped"`
	Published     uint64 `json:"published"`
}

// StatsProvider is implemented by adapters that expose Stats.
type StatsProvider interface {
	State() State
	Stats() Stats
}

// Criticality decides what happens to a publication while the broker is
// unavailable.
type Criticality int

const (
	// Lossy publications are dropped while degraded.
	Lossy Criticality = iota
	// Critical publications are buffered and flushed after reconnect.
	Critical
)

// Policy classifies subjects by criticality.
type Policy func(subject string) Criticality

// DefaultPolicy buffers party chat and combat subjects and drops ambient room
// chatter.
func DefaultPolicy(subject string) Criticality {
	domain, kind, _, ok := Split(subject)
	if !ok {
		return Lossy
	}
	if domain == DomainCombat || kind == KindParty {
		return Critical
	}
	return Lossy
}

const (
	DomainChat   = "chat"
	DomainCombat = "combat"
	KindRoom     = "room"
	KindParty    = "party"
)

// Subject joins the three subject tokens.
func Subject(domain, kind, scope string) string {
	return domain + "." + kind + "." + scope
}

// RoomSubject is the implicit channel of a location.
func RoomSubject(locationID string) string { return Subject(DomainChat, KindRoom, locationID) }

// PartySubject is the explicit channel of a party.
func PartySubject(partyID string) string { return Subject(DomainChat, KindParty, partyID) }

// Split breaks a concrete subject into its tokens. The scope may itself
// contain dots.
func Split(subject string) (domain, kind, scope string, ok bool) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// ValidSubject reports whether s is a concrete, publishable subject.
func ValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" || tok == "*" || tok == ">" || strings.ContainsAny(tok, " \t\r\n") {
			return false
		}
	}
	return true
}

// ValidPattern reports whether p is a well-formed subscription pattern.
func ValidPattern(p string) bool {
	if p == "" {
		return false
	}
	toks := strings.Split(p, ".")
	for i, tok := range toks {
		if tok == "" || strings.ContainsAny(tok, " \t\r\n") {
			return false
		}
		if tok == ">" && i != len(toks)-1 {
			return false
		}
	}
	return true
}

// Match reports whether subject matches pattern.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
