package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/PaulBabatuyi/marketchat/internal/chatlist"
	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
)

var tracer = otel.Tracer("messaging-service")

var (
	ErrEmptyMessage    = errors.New("messaging: message has no content")
	ErrUnsupportedType = errors.New("messaging: unsupported message type")
	ErrForbidden       = errors.New("messaging: only the sender may change a message")
	ErrNotEditable     = errors.New("messaging: message cannot be edited")
	ErrNotParticipant  = errors.New("messaging: not a participant of the chat")
	ErrSelfChat        = errors.New("messaging: cannot open a chat with yourself")
)

// Labels stored as the chat's last message for media sends.
const (
	LabelImage = "📷 Photo"
	LabelAudio = "🎤 Voice message"
	LabelFile  = "📎 File"
)

// Outgoing is a message about to be sent. Media must already be uploaded.
type Outgoing struct {
	ChatID   string
	SenderID string
	Text     string
	Type     data.MessageType
	FileURL  string
	ReplyTo  *data.ReplySnapshot
}

func (o Outgoing) validate() error {
	switch o.kind() {
	case data.TypeText:
		if strings.TrimSpace(o.Text) == "" {
			return ErrEmptyMessage
		}
	case data.TypeImage, data.TypeAudio, data.TypeFile:
		if o.FileURL == "" {
			return ErrEmptyMessage
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedType, o.Type)
	}
	return nil
}

func (o Outgoing) kind() data.MessageType {
	if o.Type == "" {
		return data.TypeText
	}
	return o.Type
}

// preview is what the chat list shows for the message.
func (o Outgoing) preview(text string) string {
	switch o.kind() {
	case data.TypeImage:
		return LabelImage
	case data.TypeAudio:
		return LabelAudio
	case data.TypeFile:
		return LabelFile
	}
	return text
}

// Service performs user-initiated writes on chats and messages.
type Service struct {
	store docstore.Store
	log   zerolog.Logger
}

// NewService returns a service writing through store.
func NewService(store docstore.Store, log zerolog.Logger) *Service {
	return &Service{store: store, log: log}
}

// loadChat fetches a chat and the role uid plays in it.
func (s *Service) loadChat(ctx context.Context, chatID, uid string) (data.Chat, data.Role, error) {
	snap, err := s.store.Get(ctx, data.CollChats, chatID)
	if err != nil {
		return data.Chat{}, data.RoleNone, err
	}
	var c data.Chat
	if err := snap.Decode(&c); err != nil {
		return data.Chat{}, data.RoleNone, fmt.Errorf("decode chat %s: %w", chatID, err)
	}
	role := c.RoleOf(uid)
	if role == data.RoleNone {
		return data.Chat{}, data.RoleNone, ErrNotParticipant
	}
	return c, role, nil
}

func (s *Service) loadMessage(ctx context.Context, messageID string) (data.Message, error) {
	snap, err := s.store.Get(ctx, data.CollMessages, messageID)
	if err != nil {
		return data.Message{}, err
	}
	var m data.Message
	if err := snap.Decode(&m); err != nil {
		return data.Message{}, fmt.Errorf("decode message %s: %w", messageID, err)
	}
	return m, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Send stores a message and updates the chat preview and the counterpart's
// unseen count. A send into a blocked chat is dropped and returns "" and nil.
func (s *Service) Send(ctx context.Context, o Outgoing) (string, error) {
	ctx, span := tracer.Start(ctx, "Service.Send", trace.WithAttributes(
		attribute.String("chat_id", o.ChatID),
		attribute.String("sender_id", o.SenderID),
		attribute.String("type", string(o.kind())),
	))
	defer span.End()

	if err := o.validate(); err != nil {
		return "", fail(span, err)
	}
	chat, role, err := s.loadChat(ctx, o.ChatID, o.SenderID)
	if err != nil {
		return "", fail(span, fmt.Errorf("send: %w", err))
	}
	if len(chat.BlockedBy) > 0 {
		s.log.Info().Str("chat_id", o.ChatID).Str("sender_id", o.SenderID).Msg("messaging - send - blocked")
		span.AddEvent("blocked")
		return "", nil
	}

	text := ""
	if o.kind() == data.TypeText {
		text = strings.TrimSpace(o.Text)
	}
	msg := map[string]any{
		data.FieldChatID:      o.ChatID,
		data.FieldSenderID:    o.SenderID,
		data.FieldText:        text,
		data.FieldType:        string(o.kind()),
		data.FieldFileURL:     o.FileURL,
		data.FieldCreatedAt:   docstore.ServerTimestamp,
		data.FieldDeliveredTo: []string{o.SenderID},
		data.FieldIsEdited:    false,
		data.FieldIsDeleted:   false,
	}
	if o.ReplyTo != nil {
		msg[data.FieldReplyTo] = o.ReplyTo.Fields()
	}

	counterpart := chat.Counterpart(o.SenderID)
	other := data.RoleRecipient
	if role == data.RoleRecipient {
		other = data.RoleInitiator
	}
	u := docstore.NewUpdate().
		Set(data.FieldLastMessage, o.preview(text)).
		Set(data.FieldLastSenderID, o.SenderID).
		ServerTime(data.FieldUpdatedAt).
		Inc(data.FieldUnseenCounts+"."+counterpart, 1).
		Set(data.HiddenFlagField(role), false).
		Set(data.HiddenFlagField(other), false)

	var id string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		id, err = s.store.Add(gctx, data.CollMessages, msg)
		return err
	})
	g.Go(func() error {
		return s.store.Update(gctx, data.CollChats, o.ChatID, u)
	})
	if err := g.Wait(); err != nil {
		s.log.Error().Err(err).Str("chat_id", o.ChatID).Msg("messaging - send - failed")
		return "", fail(span, fmt.Errorf("send: %w", err))
	}

	span.SetAttributes(attribute.String("message_id", id))
	s.log.Debug().Str("chat_id", o.ChatID).Str("message_id", id).Msg("messaging - send - ok")
	return id, nil
}

// Edit replaces the text of one of editor's own text messages.
func (s *Service) Edit(ctx context.Context, messageID, editor, text string) error {
	ctx, span := tracer.Start(ctx, "Service.Edit", trace.WithAttributes(attribute.String("message_id", messageID)))
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return fail(span, ErrEmptyMessage)
	}
	m, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return fail(span, fmt.Errorf("edit: %w", err))
	}
	if err := checkEditable(editor, m); err != nil {
		return fail(span, err)
	}

	u := docstore.NewUpdate().
		Set(data.FieldText, text).
		Set(data.FieldIsEdited, true).
		ServerTime(data.FieldEditedAt)
	if err := s.store.Update(ctx, data.CollMessages, messageID, u); err != nil {
		return fail(span, fmt.Errorf("edit: %w", err))
	}
	return nil
}

func checkEditable(editor string, m data.Message) error {
	if m.SenderID != editor {
		return ErrForbidden
	}
	if m.IsDeleted || (m.Type != "" && m.Type != data.TypeText) {
		return ErrNotEditable
	}
	return nil
}

// Delete turns one of uid's messages into a tombstone. Deleting a tombstone
// is a no-op.
func (s *Service) Delete(ctx context.Context, messageID, uid string) error {
	ctx, span := tracer.Start(ctx, "Service.Delete", trace.WithAttributes(attribute.String("message_id", messageID)))
	defer span.End()

	m, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return fail(span, fmt.Errorf("delete: %w", err))
	}
	if m.SenderID != uid {
		return fail(span, ErrForbidden)
	}
	if m.IsDeleted {
		return nil
	}

	u := docstore.NewUpdate().
		Set(data.FieldIsDeleted, true).
		Set(data.FieldText, "").
		Set(data.FieldFileURL, "").
		Set(data.FieldType, string(data.TypeText)).
		ServerTime(data.FieldDeletedAt)
	if err := s.store.Update(ctx, data.CollMessages, messageID, u); err != nil {
		return fail(span, fmt.Errorf("delete: %w", err))
	}
	return nil
}

// moderate applies a per-user chat action built from the actor's role.
func (s *Service) moderate(ctx context.Context, op, chatID, uid string, build func(c data.Chat, role data.Role) *docstore.Update) error {
	ctx, span := tracer.Start(ctx, "Service."+op, trace.WithAttributes(
		attribute.String("chat_id", chatID),
		attribute.String("user_id", uid),
	))
	defer span.End()

	chat, role, err := s.loadChat(ctx, chatID, uid)
	if err != nil {
		return fail(span, fmt.Errorf("%s: %w", strings.ToLower(op), err))
	}
	if err := s.store.Update(ctx, data.CollChats, chatID, build(chat, role)); err != nil {
		return fail(span, fmt.Errorf("%s: %w", strings.ToLower(op), err))
	}
	s.log.Info().Str("chat_id", chatID).Str("user_id", uid).Msgf("messaging - %s - ok", strings.ToLower(op))
	return nil
}

func opposite(r data.Role) data.Role {
	if r == data.RoleInitiator {
		return data.RoleRecipient
	}
	return data.RoleInitiator
}

// Block records uid as blocking the chat and flags the counterpart's side.
func (s *Service) Block(ctx context.Context, chatID, uid string) error {
	return s.moderate(ctx, "Block", chatID, uid, func(_ data.Chat, role data.Role) *docstore.Update {
		return docstore.NewUpdate().
			AddToSet(data.FieldBlockedBy, uid).
			Set(data.BlockedFlagField(opposite(role)), true)
	})
}

// Unblock reverts Block.
func (s *Service) Unblock(ctx context.Context, chatID, uid string) error {
	return s.moderate(ctx, "Unblock", chatID, uid, func(_ data.Chat, role data.Role) *docstore.Update {
		return docstore.NewUpdate().
			Pull(data.FieldBlockedBy, uid).
			Set(data.BlockedFlagField(opposite(role)), false)
	})
}

func (s *Service) Mute(ctx context.Context, chatID, uid string) error {
	return s.moderate(ctx, "Mute", chatID, uid, func(data.Chat, data.Role) *docstore.Update {
		return docstore.NewUpdate().AddToSet(data.FieldMutedBy, uid)
	})
}

func (s *Service) Unmute(ctx context.Context, chatID, uid string) error {
	return s.moderate(ctx, "Unmute", chatID, uid, func(data.Chat, data.Role) *docstore.Update {
		return docstore.NewUpdate().Pull(data.FieldMutedBy, uid)
	})
}

// SetFavorite pins or unpins the chat.
func (s *Service) SetFavorite(ctx context.Context, chatID, uid string, favorite bool) error {
	return s.moderate(ctx, "Favorite", chatID, uid, func(data.Chat, data.Role) *docstore.Update {
		return docstore.NewUpdate().Set(data.FieldFavorite, favorite)
	})
}

// HideChat removes the chat from uid's list only. The next message sent in
// it brings it back.
func (s *Service) HideChat(ctx context.Context, chatID, uid string) error {
	return s.moderate(ctx, "Hide", chatID, uid, func(_ data.Chat, role data.Role) *docstore.Update {
		return docstore.NewUpdate().Set(data.HiddenFlagField(role), true)
	})
}

// DeleteChat removes the chat document for both participants.
func (s *Service) DeleteChat(ctx context.Context, chatID, uid string) error {
	ctx, span := tracer.Start(ctx, "Service.DeleteChat", trace.WithAttributes(attribute.String("chat_id", chatID)))
	defer span.End()

	if _, _, err := s.loadChat(ctx, chatID, uid); err != nil {
		return fail(span, fmt.Errorf("delete chat: %w", err))
	}
	if err := s.store.Delete(ctx, data.CollChats, chatID); err != nil {
		return fail(span, fmt.Errorf("delete chat: %w", err))
	}
	s.log.Info().Str("chat_id", chatID).Str("user_id", uid).Msg("messaging - delete chat - ok")
	return nil
}

// NewChat describes a conversation a user starts from a listing.
type NewChat struct {
	InitiatorID string
	RecipientID string
	Title       string
	ServiceID   string
}

// CreateChat returns the existing chat between the two users if there is one,
// unhiding it for the initiator, and creates it otherwise.
func (s *Service) CreateChat(ctx context.Context, nc NewChat) (data.Chat, error) {
	ctx, span := tracer.Start(ctx, "Service.CreateChat", trace.WithAttributes(
		attribute.String("initiator_id", nc.InitiatorID),
		attribute.String("recipient_id", nc.RecipientID),
	))
	defer span.End()

	if nc.InitiatorID == "" || nc.RecipientID == "" {
		return data.Chat{}, fail(span, ErrNotParticipant)
	}
	if nc.InitiatorID == nc.RecipientID {
		return data.Chat{}, fail(span, ErrSelfChat)
	}
	if _, err := s.store.Get(ctx, data.CollProfiles, nc.RecipientID); err != nil {
		return data.Chat{}, fail(span, fmt.Errorf("create chat: recipient: %w", err))
	}

	existing, ok, err := s.findChat(ctx, nc.InitiatorID, nc.RecipientID)
	if err != nil {
		return data.Chat{}, fail(span, fmt.Errorf("create chat: %w", err))
	}
	if ok {
		if existing.HiddenFor(nc.InitiatorID) {
			u := docstore.NewUpdate().Set(data.HiddenFlagField(existing.RoleOf(nc.InitiatorID)), false)
			if err := s.store.Update(ctx, data.CollChats, existing.ID, u); err != nil {
				return data.Chat{}, fail(span, fmt.Errorf("create chat: %w", err))
			}
		}
		span.AddEvent("existing")
		return s.getChat(ctx, existing.ID)
	}

	id, err := s.store.Add(ctx, data.CollChats, map[string]any{
		data.FieldParticipants: []string{nc.InitiatorID, nc.RecipientID},
		data.FieldInitiatorID:  nc.InitiatorID,
		data.FieldRecipientID:  nc.RecipientID,
		data.FieldChatTitle:    nc.Title,
		data.FieldServiceID:    nc.ServiceID,
		data.FieldLastMessage:  "",
		data.FieldCreatedAt:    docstore.ServerTimestamp,
		data.FieldUpdatedAt:    docstore.ServerTimestamp,
		data.FieldUnseenCounts: map[string]int64{nc.InitiatorID: 0, nc.RecipientID: 0},
		data.FieldBlockedBy:    []string{},
		data.FieldMutedBy:      []string{},
		data.FieldFavorite:     false,
		data.BlockedFlagField(data.RoleInitiator): false,
		data.BlockedFlagField(data.RoleRecipient): false,
		data.HiddenFlagField(data.RoleInitiator):  false,
		data.HiddenFlagField(data.RoleRecipient):  false,
	})
	if err != nil {
		return data.Chat{}, fail(span, fmt.Errorf("create chat: %w", err))
	}
	s.log.Info().Str("chat_id", id).Str("initiator_id", nc.InitiatorID).Msg("messaging - create chat - ok")
	return s.getChat(ctx, id)
}

// findChat returns the newest chat between a and b, hidden or not.
func (s *Service) findChat(ctx context.Context, a, b string) (data.Chat, bool, error) {
	q := docstore.Query{}.Where(data.FieldParticipants, docstore.ArrayContains, a)
	snaps, err := s.store.Find(ctx, data.CollChats, q)
	if err != nil {
		return data.Chat{}, false, err
	}
	var best data.Chat
	found := false
	for _, snap := range snaps {
		var c data.Chat
		if err := snap.Decode(&c); err != nil {
			continue
		}
		if c.Counterpart(a) != b {
			continue
		}
		if !found || chatlist.Newer(c, best) {
			best, found = c, true
		}
	}
	return best, found, nil
}

func (s *Service) getChat(ctx context.Context, id string) (data.Chat, error) {
	snap, err := s.store.Get(ctx, data.CollChats, id)
	if err != nil {
		return data.Chat{}, err
	}
	var c data.Chat
	if err := snap.Decode(&c); err != nil {
		return data.Chat{}, fmt.Errorf("decode chat %s: %w", id, err)
	}
	return c, nil
}
