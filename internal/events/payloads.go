package events

// EntityEntered is the payload of TypeEntityEntered.
type EntityEntered struct {
	EntityID   string `json:"entityId"`
	LocationID string `json:"locationId"`
}

// EntityLeft is the payload of TypeEntityLeft.
type EntityLeft struct {
	EntityID   string `json:"entityId"`
	LocationID string `json:"locationId"`
}

// EntityMoved is the payload of TypeEntityMoved. LocationIDs on the event are
// [From, To].
type EntityMoved struct {
	EntityID string `json:"entityId"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// Attack is the payload of TypeAttack.
type Attack struct {
	AttackerID string `json:"attackerId"`
	TargetID   string `json:"targetId"`
	LocationID string `json:"locationId"`
	Damage     int    `json:"damage"`
	Killed     bool   `json:"killed,omitempty"`
	// Seq numbers hits on the target. Republications of one hit share it;
	// zero means unnumbered and every publication is a distinct hit.
	Seq uint64 `json:"seq,omitempty"`
}

// Say is the payload of TypeSay.
type Say struct {
	SpeakerID  string `json:"speakerId"`
	LocationID string `json:"locationId"`
	Text       string `json:"text"`
}

// PartySay is the payload of TypePartySay.
type PartySay struct {
	SpeakerID string `json:"speakerId"`
	PartyID   string `json:"partyId"`
	Text      string `json:"text"`
}

// Item is one stack inside a container.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// ContainerOpened is the payload of TypeContainerOpened.
type ContainerOpened struct {
	ContainerID string `json:"containerId"`
	HolderID    string `json:"holderId"`
	LocationID  string `json:"locationId"`
	Items       []Item `json:"items"`
}

// ItemTaken is the payload of TypeItemTaken.
type ItemTaken struct {
	ContainerID string `json:"containerId"`
	HolderID    string `json:"holderId"`
	LocationID  string `json:"locationId"`
	Item        Item   `json:"item"`
	// Remaining is the quantity left in the container after the take.
	Remaining int `json:"remaining"`
}

// ContainerClosed is the payload of TypeContainerClosed.
type ContainerClosed struct {
	ContainerID string `json:"containerId"`
	HolderID    string `json:"holderId"`
	LocationID  string `json:"locationId"`
}

// PresenceChanged is the payload of TypePresenceChanged.
type PresenceChanged struct {
	IdentityID string `json:"identityId"`
	Online     bool   `json:"online"`
}

// PartyChange is the payload of every party.* event.
// Members is only required on party.disbanded, where the party no longer
// exists by the time the event is transformed.
type PartyChange struct {
	PartyID    string   `json:"partyId"`
	IdentityID string   `json:"identityId"`
	Members    []string `json:"members,omitempty"`
}
