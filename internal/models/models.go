package models

import "time"

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
}

// Hello is the first frame sent on a new connection. The client keeps
// ConnectionID to resume after a reload.
type Hello struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId"`
	IdentityID   string    `json:"identityId"`
	ServerTime   time.Time `json:"serverTime"`
}

// Reply answers one inbound command frame.
type Reply struct {
	Type  string      `json:"type"`
	Seq   int64       `json:"seq"`
	Body  interface{} `json:"body,omitempty"`
	Error *ReplyError `json:"error,omitempty"`
}

type ReplyError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Frame types written by the server outside the message stream.
const (
	FrameTypeHello = "hello"
	ReplyTypeAck   = "ack"
	ReplyTypeError = "error"
)

type ContainerOpenedReply struct {
	ContainerID string      `json:"containerId"`
	Token       string      `json:"token"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	Items       interface{} `json:"items"`
}

type AdminStatsResponse struct {
	Sessions    interface{}    `json:"sessions"`
	Bus         interface{}    `json:"bus"`
	Transform   interface{}    `json:"transform"`
	Delivery    interface{}    `json:"delivery"`
	Broker      interface{}    `json:"broker"`
	Guard       interface{}    `json:"guard"`
	Occupancy   OccupancyStats `json:"occupancy"`
	Parties     int            `json:"parties"`
	RateLimits  int            `json:"rateLimitWindows"`
	DeadLetters int64          `json:"deadLetters"`
}

type OccupancyStats struct {
	Identities int `json:"identities"`
	Locations  int `json:"locations"`
}
