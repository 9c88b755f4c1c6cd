package gateway

import (
	"encoding/json"

	"github.com/PaulBabatuyi/marketchat/internal/badge"
	"github.com/PaulBabatuyi/marketchat/internal/chatlist"
	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/messaging"
)

// Event is the websocket envelope in both directions.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound event types.
const (
	EventVisibility        = "visibility"
	EventUnload            = "unload"
	EventChatFilter        = "chat_filter"
	EventOpenChat          = "open_chat"
	EventCloseChat         = "close_chat"
	EventSend              = "send"
	EventReply             = "reply"
	EventEditStart         = "edit_start"
	EventEditSubmit        = "edit_submit"
	EventDraftCancel       = "draft_cancel"
	EventDelete            = "delete"
	EventBlock             = "block"
	EventUnblock           = "unblock"
	EventMute              = "mute"
	EventUnmute            = "unmute"
	EventFavorite          = "favorite"
	EventHideChat          = "hide_chat"
	EventDeleteChat        = "delete_chat"
	EventCreateChat        = "create_chat"
	EventViewNotifications = "view_notifications"
	EventSignOut           = "sign_out"
)

// Outbound event types.
const (
	EventChats        = "chats"
	EventChat         = "chat"
	EventMessages     = "messages"
	EventDraft        = "draft"
	EventBadge        = "badge"
	EventToast        = "toast"
	EventNavigateAway = "navigate_away"
	EventSignedOut    = "signed_out"
)

// NewEvent encodes v as the payload of an event of type typ.
func NewEvent(typ string, v any) (Event, error) {
	if v == nil {
		return Event{Type: typ}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Data: raw}, nil
}

type visibilityPayload struct {
	Visible bool `json:"visible"`
}

type chatRef struct {
	ChatID string `json:"chat_id"`
}

type messageRef struct {
	MessageID string `json:"message_id"`
}

type favoritePayload struct {
	ChatID   string `json:"chat_id"`
	Favorite bool   `json:"favorite"`
}

type sendPayload struct {
	ChatID  string           `json:"chat_id"`
	Text    string           `json:"text"`
	Type    data.MessageType `json:"type"`
	FileURL string           `json:"file_url"`
}

type editPayload struct {
	Text string `json:"text"`
}

type createChatPayload struct {
	RecipientID string `json:"recipient_id"`
	Title       string `json:"title"`
	ServiceID   string `json:"service_id"`
}

type chatsPayload struct {
	Options chatlist.Options `json:"options"`
	Entries []chatlist.Entry `json:"entries"`
}

// messageView is a message as the viewer sees it.
type messageView struct {
	data.Message
	Tick string `json:"tick,omitempty"`
}

type messagesPayload struct {
	ChatID   string        `json:"chat_id"`
	Messages []messageView `json:"messages"`
}

type badgePayload struct {
	HasUnread bool            `json:"has_unread"`
	Breakdown badge.Breakdown `json:"breakdown"`
}

type toastPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

type navigatePayload struct {
	ChatID string `json:"chat_id"`
	Reason string `json:"reason"`
}

func viewMessages(viewer string, msgs []data.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		mv := messageView{Message: m}
		if t := messaging.TickFor(viewer, m); t != messaging.TickNone {
			mv.Tick = t.String()
		}
		out = append(out, mv)
	}
	return out
}
