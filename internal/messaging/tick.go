// Package messaging implements message sending, editing and soft deletion,
// the delivered/seen state machine and the chat moderation actions.
package messaging

import "github.com/PaulBabatuyi/marketchat/internal/data"

// Tick is the delivery state shown next to a message.
type Tick uint8

const (
	// TickNone is used for messages the viewer did not send.
	TickNone Tick = iota
	TickSent
	TickDelivered
	TickSeen
)

func (t Tick) String() string {
	switch t {
	case TickSent:
		return "sent"
	case TickDelivered:
		return "delivered"
	case TickSeen:
		return "seen"
	default:
		return ""
	}
}

// TickFor returns the highest state reached by one of viewer's own messages.
// seen_by is checked first so a lagging delivered_to never hides a read.
func TickFor(viewer string, m data.Message) Tick {
	if viewer == "" || m.SenderID != viewer {
		return TickNone
	}
	if hasOther(m.SeenBy, viewer) {
		return TickSeen
	}
	if hasOther(m.DeliveredTo, viewer) {
		return TickDelivered
	}
	return TickSent
}

func hasOther(uids []string, self string) bool {
	for _, uid := range uids {
		if uid != self {
			return true
		}
	}
	return false
}
