package messaging

import (
	"sync"

	"github.com/google/uuid"

	"github.com/PaulBabatuyi/marketchat/internal/data"
)

// DraftKind tells what the composer is currently preparing.
type DraftKind string

const (
	DraftNone  DraftKind = ""
	DraftReply DraftKind = "reply"
	DraftEdit  DraftKind = "edit"
)

// Draft is the composer's single active reply or edit.
type Draft struct {
	ID        string              `json:"id,omitempty"`
	Kind      DraftKind           `json:"kind"`
	ChatID    string              `json:"chat_id,omitempty"`
	MessageID string              `json:"message_id,omitempty"`
	Text      string              `json:"text,omitempty"`
	Reply     *data.ReplySnapshot `json:"reply,omitempty"`
}

// ReplyTo snapshots m for quoting. Later edits of m do not change the quote.
func ReplyTo(m data.Message) *data.ReplySnapshot {
	return &data.ReplySnapshot{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		Type:      m.Type,
	}
}

// Composer holds at most one draft. Starting a draft replaces the previous one.
type Composer struct {
	mu    sync.Mutex
	draft Draft
}

// StartReply begins a reply to m.
func (c *Composer) StartReply(m data.Message) Draft {
	d := Draft{
		ID:        uuid.NewString(),
		Kind:      DraftReply,
		ChatID:    m.ChatID,
		MessageID: m.ID,
		Reply:     ReplyTo(m),
	}
	c.mu.Lock()
	c.draft = d
	c.mu.Unlock()
	return d
}

// StartEdit begins editing one of viewer's text messages. On error the
// current draft is kept.
func (c *Composer) StartEdit(viewer string, m data.Message) (Draft, error) {
	if err := checkEditable(viewer, m); err != nil {
		return Draft{}, err
	}
	d := Draft{
		ID:        uuid.NewString(),
		Kind:      DraftEdit,
		ChatID:    m.ChatID,
		MessageID: m.ID,
		Text:      m.Text,
	}
	c.mu.Lock()
	c.draft = d
	c.mu.Unlock()
	return d, nil
}

// Current returns the active draft.
func (c *Composer) Current() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Take returns the active draft and clears it.
func (c *Composer) Take() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.draft
	c.draft = Draft{}
	return d
}

// Cancel clears the active draft.
func (c *Composer) Cancel() {
	c.mu.Lock()
	c.draft = Draft{}
	c.mu.Unlock()
}

// CancelChat clears the draft if it belongs to chatID.
func (c *Composer) CancelChat(chatID string) {
	c.mu.Lock()
	if c.draft.ChatID == chatID {
		c.draft = Draft{}
	}
	c.mu.Unlock()
}
