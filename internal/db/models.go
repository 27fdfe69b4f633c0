package db

import "time"

type Occupancy struct {
	IdentityID string
	LocationID string
}

type DeadLetter struct {
	ID           int64
	IdentityID   string
	ConnectionID string
	MessageType  string
	EventID      string
	Reason       string
	Body         []byte
	CreatedAt    time.Time
}

type ContainerItem struct {
	ContainerID string
	LocationID  string
	ItemID      string
	Name        string
	Quantity    int64
}
