package proto

import "encoding/json"

// Request types carried in the "type" query parameter.
const (
	RequestSend     = "send"
	RequestReceive  = "receive"
	RequestHistory  = "history"
	RequestStats    = "stats"
	RequestRoomLock = "roomlock"
)

// Outbound payload types.
const (
	OutboundTypeMessage = "message"
	OutboundTypeQueue   = "queue"
)

// Plain-text error bodies.
const (
	BodyUnauthorized   = "unauthorized"
	BodyInvalidRequest = "invalid request"
	BodyGroupChatLock  = "cannot lock a group chatroom"
	BodyAlreadyMember  = "already member"
	BodySuperseded     = "superseded"
	BodyTimeout        = "timeout"
	BodyRateLimited    = "rate limited"
	BodyShuttingDown   = "shutting down"
	BodyInternal       = "internal server error"
)

// MessageData is one chat line inside a "message" payload.
type MessageData struct {
	Datetime int64  `json:"datetime"`
	Sender   string `json:"sender"`
	Message  string `json:"message"`
}

// Message resolves a waiting receiver with exactly one new message.
type Message struct {
	Type string      `json:"type"`
	Room string      `json:"room"`
	Data MessageData `json:"data"`
}

// QueuedMessage is one element of a "queue" payload.
type QueuedMessage struct {
	Datetime int64  `json:"datetime"`
	Sender   string `json:"sender"`
	Room     string `json:"room"`
	Message  string `json:"message"`
}

// Queue resolves a receiver with every message queued since its last poll, oldest first.
type Queue struct {
	Type string          `json:"type"`
	Data []QueuedMessage `json:"data"`
}

// Inbound is a decoded poll payload of either type, as read by clients.
type Inbound struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	// Data holds a MessageData for "message" and a []QueuedMessage for "queue".
	Data json.RawMessage `json:"data"`
}
