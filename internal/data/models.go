// Package data provides the marketplace chat models and their MongoDB stores.
package data

import (
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/PaulBabatuyi/marketchat/internal/stamp"
)

// Collection names.
const (
	CollProfiles      = "profiles"
	CollChats         = "chats"
	CollMessages      = "messages"
	CollNotifications = "notifications"
	CollUsers         = "users"
)

// ReviewCollections are the per-category review collections feeding the badge.
var ReviewCollections = []string{"worker_reviews", "service_reviews", "ad_reviews"}

// Document field names shared by writers and queries.
const (
	FieldOnline       = "online"
	FieldLastSeen     = "last_seen"
	FieldParticipants = "participants"
	FieldInitiatorID  = "initiator_id"
	FieldRecipientID  = "recipient_id"
	FieldUpdatedAt    = "updated_at"
	FieldCreatedAt    = "created_at"
	FieldLastMessage  = "last_message"
	FieldLastSenderID = "last_sender_id"
	FieldUnseenCounts = "unseen_counts"
	FieldBlockedBy    = "blocked_by"
	FieldMutedBy      = "muted_by"
	FieldFavorite     = "is_favorite"
	FieldChatTitle    = "chat_title"
	FieldServiceID    = "service_id"
	FieldChatID       = "chat_id"
	FieldSenderID     = "sender_id"
	FieldText         = "text"
	FieldType         = "type"
	FieldFileURL      = "file_url"
	FieldDeliveredTo  = "delivered_to"
	FieldSeenBy       = "seen_by"
	FieldIsEdited     = "is_edited"
	FieldEditedAt     = "edited_at"
	FieldIsDeleted    = "is_deleted"
	FieldDeletedAt    = "deleted_at"
	FieldReplyTo      = "reply_to"
	FieldUserID       = "user_id"
)

// User holds login credentials. Public data lives in Profile under the same id.
type User struct {
	ID        bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Email     string        `bson:"email" json:"email"`
	Username  string        `bson:"username" json:"username"`
	Password  string        `bson:"password" json:"-"`
	CreatedAt time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at" json:"updated_at"`
}

// Profile is the public user document, including presence.
type Profile struct {
	ID          string          `bson:"_id" json:"id"`
	Username    string          `bson:"username" json:"username"`
	DisplayName string          `bson:"display_name" json:"display_name,omitempty"`
	PhotoURL    string          `bson:"photo_url" json:"photo_url,omitempty"`
	Online      bool            `bson:"online" json:"online"`
	LastSeen    stamp.Timestamp `bson:"last_seen" json:"last_seen"`
}

// Role is a participant's position in a chat.
type Role string

const (
	RoleNone      Role = ""
	RoleInitiator Role = "initiator"
	RoleRecipient Role = "recipient"
)

// Chat is the shared conversation document between two users.
type Chat struct {
	ID                 string           `bson:"_id" json:"id"`
	Participants       []string         `bson:"participants" json:"participants"`
	InitiatorID        string           `bson:"initiator_id" json:"initiator_id"`
	RecipientID        string           `bson:"recipient_id" json:"recipient_id"`
	ServiceID          string           `bson:"service_id,omitempty" json:"service_id,omitempty"`
	ChatTitle          string           `bson:"chat_title" json:"chat_title,omitempty"`
	LastMessage        string           `bson:"last_message" json:"last_message"`
	LastSenderID       string           `bson:"last_sender_id" json:"last_sender_id,omitempty"`
	CreatedAt          stamp.Timestamp  `bson:"created_at" json:"created_at"`
	UpdatedAt          stamp.Timestamp  `bson:"updated_at" json:"updated_at"`
	UnseenCounts       map[string]int64 `bson:"unseen_counts" json:"unseen_counts"`
	BlockedBy          []string         `bson:"blocked_by" json:"blocked_by"`
	MutedBy            []string         `bson:"muted_by" json:"muted_by"`
	InitiatorBlocked   bool             `bson:"initiator_blocked" json:"initiator_blocked"`
	RecipientBlocked   bool             `bson:"recipient_blocked" json:"recipient_blocked"`
	DeletedByInitiator bool             `bson:"deleted_by_initiator" json:"-"`
	DeletedByRecipient bool             `bson:"deleted_by_recipient" json:"-"`
	IsFavorite         bool             `bson:"is_favorite" json:"is_favorite"`
}

// RoleOf returns uid's role, or RoleNone for non-participants.
func (c Chat) RoleOf(uid string) Role {
	switch uid {
	case "":
		return RoleNone
	case c.InitiatorID:
		return RoleInitiator
	case c.RecipientID:
		return RoleRecipient
	}
	return RoleNone
}

// Counterpart returns the other participant, or "" when viewer is not one.
func (c Chat) Counterpart(viewer string) string {
	switch c.RoleOf(viewer) {
	case RoleInitiator:
		return c.RecipientID
	case RoleRecipient:
		return c.InitiatorID
	}
	return ""
}

// Unseen returns viewer's unseen message count.
func (c Chat) Unseen(viewer string) int64 { return c.UnseenCounts[viewer] }

// IsBlockedBy reports whether uid has blocked the chat.
func (c Chat) IsBlockedBy(uid string) bool { return slices.Contains(c.BlockedBy, uid) }

// IsMutedBy reports whether uid has muted the chat.
func (c Chat) IsMutedBy(uid string) bool { return slices.Contains(c.MutedBy, uid) }

// BlockedFor reports whether uid is the blocked side of the chat.
func (c Chat) BlockedFor(uid string) bool {
	switch c.RoleOf(uid) {
	case RoleInitiator:
		return c.InitiatorBlocked
	case RoleRecipient:
		return c.RecipientBlocked
	}
	return false
}

// HiddenFor reports whether uid removed the chat from their own list.
func (c Chat) HiddenFor(uid string) bool {
	switch c.RoleOf(uid) {
	case RoleInitiator:
		return c.DeletedByInitiator
	case RoleRecipient:
		return c.DeletedByRecipient
	}
	return false
}

// BlockedFlagField names the direction flag describing uid as blocked.
func BlockedFlagField(r Role) string { return string(r) + "_blocked" }

// HiddenFlagField names the per-role hide flag.
func HiddenFlagField(r Role) string { return "deleted_by_" + string(r) }

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
	TypeFile  MessageType = "file"
)

// ReplySnapshot is a copy of the replied-to message taken at send time.
type ReplySnapshot struct {
	MessageID string      `bson:"message_id" json:"message_id"`
	SenderID  string      `bson:"sender_id" json:"sender_id"`
	Text      string      `bson:"text" json:"text"`
	Type      MessageType `bson:"type" json:"type"`
}

// Fields encodes the snapshot for a partial write.
func (r ReplySnapshot) Fields() map[string]any {
	return map[string]any{
		"message_id": r.MessageID,
		"sender_id":  r.SenderID,
		"text":       r.Text,
		"type":       string(r.Type),
	}
}

// Message is a single chat message.
type Message struct {
	ID          string          `bson:"_id" json:"id"`
	ChatID      string          `bson:"chat_id" json:"chat_id"`
	SenderID    string          `bson:"sender_id" json:"sender_id"`
	Text        string          `bson:"text" json:"text"`
	Type        MessageType     `bson:"type" json:"type"`
	FileURL     string          `bson:"file_url" json:"file_url,omitempty"`
	CreatedAt   stamp.Timestamp `bson:"created_at" json:"created_at"`
	DeliveredTo []string        `bson:"delivered_to" json:"delivered_to"`
	SeenBy      []string        `bson:"seen_by" json:"seen_by"`
	IsEdited    bool            `bson:"is_edited" json:"is_edited"`
	EditedAt    stamp.Timestamp `bson:"edited_at" json:"edited_at"`
	IsDeleted   bool            `bson:"is_deleted" json:"is_deleted"`
	DeletedAt   stamp.Timestamp `bson:"deleted_at" json:"deleted_at"`
	ReplyTo     *ReplySnapshot  `bson:"reply_to,omitempty" json:"reply_to,omitempty"`
}

// DeliveredToUser reports whether uid is in the delivered set.
func (m Message) DeliveredToUser(uid string) bool { return slices.Contains(m.DeliveredTo, uid) }

// SeenByUser reports whether uid is in the seen set.
func (m Message) SeenByUser(uid string) bool { return slices.Contains(m.SeenBy, uid) }

// Notification is a per-user system notification.
type Notification struct {
	ID        string          `bson:"_id" json:"id"`
	UserID    string          `bson:"user_id" json:"user_id"`
	Kind      string          `bson:"kind" json:"kind"`
	Title     string          `bson:"title" json:"title"`
	Body      string          `bson:"body" json:"body"`
	CreatedAt stamp.Timestamp `bson:"created_at" json:"created_at"`
}

// Review is a rating on a worker, service or ad. UserID is the reviewer, to
// whom the owner's reply is addressed.
type Review struct {
	ID        string          `bson:"_id" json:"id"`
	UserID    string          `bson:"user_id" json:"user_id"`
	TargetID  string          `bson:"target_id" json:"target_id"`
	Rating    int             `bson:"rating" json:"rating"`
	Comment   string          `bson:"comment" json:"comment"`
	Reply     string          `bson:"reply" json:"reply,omitempty"`
	CreatedAt stamp.Timestamp `bson:"created_at" json:"created_at"`
	UpdatedAt stamp.Timestamp `bson:"updated_at" json:"updated_at"`
}

// Touched is the later of the review's update and creation times.
func (r Review) Touched() stamp.Timestamp {
	return stamp.Later(r.UpdatedAt, r.CreatedAt)
}
