package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
)

// Default delays for the open-chat tasks.
const (
	DefaultSeenDebounce      = 500 * time.Millisecond
	DefaultDeliveryHintDelay = time.Second
)

// ViewOption configures a ChatView.
type ViewOption func(*ChatView)

// WithSeenDebounce sets how long the view waits before marking messages seen.
func WithSeenDebounce(d time.Duration) ViewOption {
	return func(v *ChatView) { v.seenDelay = d }
}

// WithDeliveryHintDelay sets the delay of the sender-side delivery mark.
func WithDeliveryHintDelay(d time.Duration) ViewOption {
	return func(v *ChatView) { v.hintDelay = d }
}

// OnlineChecker reports whether a user heartbeated recently.
type OnlineChecker interface {
	IsOnline(ctx context.Context, uid string) (bool, error)
}

// WithOnlineCheck confirms the counterpart with c before the delivery hint is
// written, so a profile left online by a dead session is not trusted.
func WithOnlineCheck(c OnlineChecker) ViewOption {
	return func(v *ChatView) { v.presence = c }
}

// OnMessages receives the ordered message list after every change.
func OnMessages(fn func([]data.Message)) ViewOption {
	return func(v *ChatView) { v.onMessages = fn }
}

// OnChat receives the chat document after every change.
func OnChat(fn func(data.Chat)) ViewOption {
	return func(v *ChatView) { v.onChat = fn }
}

// OnGone is called once when the chat document disappears. The view is
// already closed when it runs.
func OnGone(fn func()) ViewOption {
	return func(v *ChatView) { v.onGone = fn }
}

// ChatView is one open chat. While open it marks the counterpart's messages
// delivered right away and seen after a debounce, and marks the viewer's own
// messages delivered once the counterpart is seen online.
type ChatView struct {
	store  docstore.Store
	sched  *Scheduler
	log    zerolog.Logger
	chatID string
	viewer string

	seenDelay  time.Duration
	hintDelay  time.Duration
	onMessages func([]data.Message)
	onChat     func(data.Chat)
	onGone     func()
	presence   OnlineChecker

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	counterpart string
	online      bool
	unseen      int64
	messages    []data.Message
	delivering  map[string]bool
	subs        []docstore.Subscription
}

// OpenChat opens chatID for viewer. It returns docstore.ErrNotFound when the
// chat does not exist and ErrNotParticipant when viewer is not in it.
func OpenChat(ctx context.Context, store docstore.Store, sched *Scheduler, chatID, viewer string, log zerolog.Logger, opts ...ViewOption) (*ChatView, error) {
	snap, err := store.Get(ctx, data.CollChats, chatID)
	if err != nil {
		return nil, fmt.Errorf("open chat: %w", err)
	}
	var c data.Chat
	if err := snap.Decode(&c); err != nil {
		return nil, fmt.Errorf("open chat: decode: %w", err)
	}
	if c.RoleOf(viewer) == data.RoleNone {
		return nil, ErrNotParticipant
	}

	v := &ChatView{
		store:       store,
		sched:       sched,
		log:         log.With().Str("chat_id", chatID).Logger(),
		chatID:      chatID,
		viewer:      viewer,
		seenDelay:   DefaultSeenDebounce,
		hintDelay:   DefaultDeliveryHintDelay,
		counterpart: c.Counterpart(viewer),
		delivering:  map[string]bool{},
	}
	for _, opt := range opts {
		opt(v)
	}
	v.ctx, v.cancel = context.WithCancel(context.WithoutCancel(ctx))

	chatSub, err := store.WatchDoc(v.ctx, data.CollChats, chatID, v.handleChat)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("open chat: watch chat: %w", err)
	}
	v.track(chatSub)

	q := docstore.Query{}.Where(data.FieldChatID, docstore.Eq, chatID).OrderBy(data.FieldCreatedAt)
	msgSub, err := store.WatchQuery(v.ctx, data.CollMessages, q, v.handleMessages)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("open chat: watch messages: %w", err)
	}
	v.track(msgSub)

	profSub, err := store.WatchDoc(v.ctx, data.CollProfiles, v.counterpart, v.handleProfile)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("open chat: watch counterpart: %w", err)
	}
	v.track(profSub)

	return v, nil
}

// ChatID returns the open chat's id.
func (v *ChatView) ChatID() string { return v.chatID }

// Counterpart returns the other participant.
func (v *ChatView) Counterpart() string { return v.counterpart }

// Messages returns the last message snapshot.
func (v *ChatView) Messages() []data.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]data.Message(nil), v.messages...)
}

// Message returns one message of the last snapshot.
func (v *ChatView) Message(id string) (data.Message, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.messages {
		if m.ID == id {
			return m, true
		}
	}
	return data.Message{}, false
}

// Close cancels pending tasks and subscriptions. It is safe to call more than
// once and from inside a view callback.
func (v *ChatView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	subs := v.subs
	v.subs = nil
	v.mu.Unlock()

	v.sched.Cancel(v.seenKey())
	v.sched.Cancel(v.hintKey())
	for _, s := range subs {
		s.Unsubscribe()
	}
	if v.cancel != nil {
		v.cancel()
	}
}

func (v *ChatView) seenKey() string { return "seen:" + v.viewer + ":" + v.chatID }
func (v *ChatView) hintKey() string { return "hint:" + v.viewer + ":" + v.chatID }

func (v *ChatView) track(s docstore.Subscription) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		s.Unsubscribe()
		return
	}
	v.subs = append(v.subs, s)
	v.mu.Unlock()
}

func (v *ChatView) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *ChatView) handleChat(snap docstore.Snapshot) {
	if v.isClosed() {
		return
	}
	if !snap.Exists {
		v.log.Info().Msg("chat view - chat removed - closing")
		v.Close()
		if v.onGone != nil {
			v.onGone()
		}
		return
	}
	var c data.Chat
	if err := snap.Decode(&c); err != nil {
		v.log.Warn().Err(err).Msg("chat view - decode chat - skipped")
		return
	}
	v.mu.Lock()
	v.unseen = c.Unseen(v.viewer)
	v.mu.Unlock()

	if v.onChat != nil {
		v.onChat(c)
	}
	// a count raced past an earlier reset while the chat is on screen
	if c.Unseen(v.viewer) > 0 {
		v.schedule(v.seenKey(), v.seenDelay, v.markSeen)
	}
}

func (v *ChatView) handleProfile(snap docstore.Snapshot) {
	var p data.Profile
	if snap.Exists {
		if err := snap.Decode(&p); err != nil {
			v.log.Warn().Err(err).Msg("chat view - decode profile - skipped")
			return
		}
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.online = p.Online
	v.mu.Unlock()
	v.scheduleHint()
}

func (v *ChatView) handleMessages(snaps []docstore.Snapshot) {
	msgs := make([]data.Message, 0, len(snaps))
	for _, s := range snaps {
		var m data.Message
		if err := s.Decode(&m); err != nil {
			v.log.Warn().Err(err).Str("message_id", s.ID).Msg("chat view - decode message - skipped")
			continue
		}
		msgs = append(msgs, m)
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.messages = msgs
	var toDeliver []string
	unseen := false
	for _, m := range msgs {
		if m.SenderID != v.counterpart || m.IsDeleted {
			continue
		}
		if m.DeliveredToUser(v.viewer) {
			delete(v.delivering, m.ID)
		} else if !v.delivering[m.ID] {
			v.delivering[m.ID] = true
			toDeliver = append(toDeliver, m.ID)
		}
		if !m.SeenByUser(v.viewer) {
			unseen = true
		}
	}
	v.mu.Unlock()

	if v.onMessages != nil {
		v.onMessages(msgs)
	}

	for _, id := range toDeliver {
		u := docstore.NewUpdate().AddToSet(data.FieldDeliveredTo, v.viewer)
		if err := v.store.Update(v.ctx, data.CollMessages, id, u); err != nil && !v.isClosed() {
			v.log.Warn().Err(err).Str("message_id", id).Msg("chat view - mark delivered - failed")
			v.mu.Lock()
			delete(v.delivering, id)
			v.mu.Unlock()
		}
	}
	if unseen {
		v.schedule(v.seenKey(), v.seenDelay, v.markSeen)
	}
	v.scheduleHint()
}

// markSeen marks every visible counterpart message as seen and resets the
// viewer's unseen count when anything changed or the count is stale.
func (v *ChatView) markSeen() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	var ids []string
	for _, m := range v.messages {
		if m.SenderID == v.counterpart && !m.IsDeleted && !m.SeenByUser(v.viewer) {
			ids = append(ids, m.ID)
		}
	}
	stale := v.unseen > 0
	v.mu.Unlock()

	marked := 0
	for _, id := range ids {
		u := docstore.NewUpdate().
			AddToSet(data.FieldDeliveredTo, v.viewer).
			AddToSet(data.FieldSeenBy, v.viewer)
		if err := v.store.Update(v.ctx, data.CollMessages, id, u); err != nil {
			if !errors.Is(err, context.Canceled) {
				v.log.Warn().Err(err).Str("message_id", id).Msg("chat view - mark seen - failed")
			}
			continue
		}
		marked++
	}
	if marked == 0 && !stale {
		return
	}

	u := docstore.NewUpdate().Set(data.FieldUnseenCounts+"."+v.viewer, int64(0))
	if err := v.store.Update(v.ctx, data.CollChats, v.chatID, u); err != nil && !errors.Is(err, context.Canceled) {
		v.log.Warn().Err(err).Msg("chat view - reset unseen - failed")
		return
	}
	v.log.Debug().Int("count", marked).Msg("chat view - mark seen - ok")
}

// pendingOwn returns the viewer's messages the counterpart has not received yet.
func (v *ChatView) pendingOwn() []string {
	var ids []string
	for _, m := range v.messages {
		if m.SenderID == v.viewer && !m.IsDeleted && !m.DeliveredToUser(v.counterpart) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// schedule registers a task unless the view is closed. Holding v.mu orders
// it before Close, which cancels everything registered so far.
func (v *ChatView) schedule(key string, d time.Duration, fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.sched.Schedule(key, d, fn)
}

func (v *ChatView) scheduleHint() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || !v.online || len(v.pendingOwn()) == 0 || v.sched.Pending(v.hintKey()) {
		return
	}
	v.sched.Schedule(v.hintKey(), v.hintDelay, v.markDeliveredHint)
}

// markDeliveredHint marks the viewer's own messages as delivered to an
// online counterpart. The counterpart's client remains the authoritative path.
func (v *ChatView) markDeliveredHint() {
	v.mu.Lock()
	if v.closed || !v.online {
		v.mu.Unlock()
		return
	}
	ids := v.pendingOwn()
	v.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	if v.presence != nil {
		online, err := v.presence.IsOnline(v.ctx, v.counterpart)
		switch {
		case err != nil:
			// fall back to the profile flag
			v.log.Debug().Err(err).Msg("chat view - online check - failed")
		case !online:
			v.log.Debug().Str("counterpart", v.counterpart).Msg("chat view - delivery hint - stale online flag")
			return
		}
	}

	for _, id := range ids {
		u := docstore.NewUpdate().AddToSet(data.FieldDeliveredTo, v.counterpart)
		if err := v.store.Update(v.ctx, data.CollMessages, id, u); err != nil && !errors.Is(err, context.Canceled) {
			v.log.Warn().Err(err).Str("message_id", id).Msg("chat view - delivery hint - failed")
		}
	}
}
