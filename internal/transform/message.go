package transform

import (
	"sort"
	"strings"
	"time"
)

// Priority decides how a message is treated under backpressure.
type Priority int

const (
	// Low messages may be dropped when a connection queue is full.
	Low Priority = iota
	// Essential messages are never dropped; a full queue closes the connection.
	Essential
)

func (p Priority) String() string {
	if p == Essential {
		return "essential"
	}
	return "low"
}

// Audience is either an explicit identity set or a broker channel subject.
// A channel audience also carries the members snapshotted at transformation
// time so every process addresses the same set regardless of later moves.
type Audience struct {
	Identities []string
	Subject    string
}

// Identities builds an explicit audience. The input is copied and sorted.
func Identities(ids ...string) Audience {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return Audience{Identities: out}
}

// Channel builds a channel audience. members is the snapshot taken when the
// event was transformed; it is copied and sorted.
func Channel(subject string, members ...string) Audience {
	return Audience{Subject: subject, Identities: Identities(members...).Identities}
}

// Empty reports whether the audience addresses nobody.
func (a Audience) Empty() bool {
	return a.Subject == "" && len(a.Identities) == 0
}

// Key is a stable representation used in dedupe fingerprints.
func (a Audience) Key() string {
	if a.Subject != "" {
		return "subject:" + a.Subject
	}
	return "ids:" + strings.Join(a.Identities, ",")
}

// Message is the client-facing notification derived from a domain event.
type Message struct {
	Type        string
	Body        any
	DedupeKey   string
	Priority    Priority
	EventID     string
	CausationID string
	OccurredAt  time.Time
}

// Output pairs a message with who should receive it.
type Output struct {
	Audience Audience
	Message  Message
}

// Message types sent to clients.
const (
	MsgOccupantEntered  = "occupant_entered"
	MsgOccupantLeft     = "occupant_left"
	MsgLocationSnapshot = "location_snapshot"
	MsgCombat           = "combat"
	MsgChat             = "chat"
	MsgContainerOpened  = "container_opened"
	MsgItemTaken        = "container_item_taken"
	MsgContainerClosed  = "container_closed"
	MsgPresence         = "presence"
	MsgPartyUpdate      = "party_update"
)

// OccupantBody is the body of occupant_entered and occupant_left.
type OccupantBody struct {
	EntityID   string `json:"entityId"`
	LocationID string `json:"locationId"`
}

// LocationSnapshotBody lists everyone in a location.
type LocationSnapshotBody struct {
	LocationID string   `json:"locationId"`
	Occupants  []string `json:"occupants"`
}

// ChatBody is the body of chat messages.
type ChatBody struct {
	From    string `json:"from"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// PresenceBody is the body of presence messages.
type PresenceBody struct {
	IdentityID string `json:"identityId"`
	Online     bool   `json:"online"`
}

// PartyBody is the body of party_update messages.
type PartyBody struct {
	PartyID    string   `json:"partyId"`
	IdentityID string   `json:"identityId"`
	Change     string   `json:"change"`
	Members    []string `json:"members"`
}
