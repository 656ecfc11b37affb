package socket

import (
	"time"

	"github.com/therealutkarshpriyadarshi/rudp/pkg/sendtrack"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/wire"
)

// MessageType selects the receiver ack behavior and sender retention
// policy for one call to SendData.
type MessageType struct {
	meta        wire.FragmentMeta
	deadline    time.Time
	hasDeadline bool
}

// ForgettableMessage is fire-and-forget: never acked, never retransmitted.
func ForgettableMessage() MessageType {
	return MessageType{meta: wire.Forgettable}
}

// KeyExpirableMessage is reliable until deadline, then discarded by the
// sender even if never acknowledged.
func KeyExpirableMessage(deadline time.Time) MessageType {
	return MessageType{meta: wire.KeyExpirable, deadline: deadline, hasDeadline: true}
}

// KeyMessage is reliable: retransmitted until acknowledged or cleaned up.
func KeyMessage() MessageType {
	return MessageType{meta: wire.Key}
}

func (m MessageType) expiration() sendtrack.Expiration {
	if m.meta != wire.KeyExpirable || !m.hasDeadline {
		return sendtrack.Expiration{Never: true}
	}
	return sendtrack.Expiration{Deadline: m.deadline}
}

// Priority re-exports the sender's resend-cadence selector so callers need
// only import pkg/socket.
type Priority = sendtrack.Priority

const (
	PriorityLowest   = sendtrack.Lowest
	PriorityVeryLow  = sendtrack.VeryLow
	PriorityLow      = sendtrack.Low
	PriorityNormal   = sendtrack.Normal
	PriorityHigh     = sendtrack.High
	PriorityVeryHigh = sendtrack.VeryHigh
	PriorityHighest  = sendtrack.Highest
)

// CustomPriority re-exports a custom resend cadence.
type CustomPriority = sendtrack.CustomPriority
