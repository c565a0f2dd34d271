package core

import "time"

// Envelope is one chat message as delivered to a recipient.
type Envelope struct {
	Datetime int64 // unix milliseconds
	Sender   string
	Room     string
	Message  string
}

// Time returns the envelope timestamp.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Datetime)
}

// DeliveryKind tells how a waiter was resolved.
type DeliveryKind int

const (
	// DeliveryMessage carries exactly one envelope pushed by a sender.
	DeliveryMessage DeliveryKind = iota
	// DeliveryQueue carries every envelope queued while no poll was outstanding, oldest first.
	DeliveryQueue
	// DeliverySuperseded means a newer poll from the same user replaced this one.
	DeliverySuperseded
)

func (k DeliveryKind) String() string {
	switch k {
	case DeliveryMessage:
		return "message"
	case DeliveryQueue:
		return "queue"
	case DeliverySuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Delivery is the payload that resolves a waiter.
type Delivery struct {
	Kind      DeliveryKind
	Envelopes []Envelope
}
