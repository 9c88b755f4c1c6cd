// Package badge maintains the "has unread" flag of the notification bell.
//
// Three sources feed it: chats with unseen messages for the viewer, system
// notifications newer than the viewer's watermark, and replies to the
// viewer's reviews newer than the watermark. The watermark only moves when
// the viewer opens the notifications view.
package badge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PaulBabatuyi/marketchat/internal/chatlist"
	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
	"github.com/PaulBabatuyi/marketchat/internal/stamp"
	"github.com/PaulBabatuyi/marketchat/internal/watermark"
)

// Breakdown tells which sources currently have something unread.
type Breakdown struct {
	Chats         bool `json:"chats"`
	Notifications bool `json:"notifications"`
	Reviews       bool `json:"reviews"`
}

// Any reports whether the badge should show.
func (b Breakdown) Any() bool { return b.Chats || b.Notifications || b.Reviews }

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithReviewCollections overrides the review collections watched for replies.
func WithReviewCollections(colls ...string) Option {
	return func(a *Aggregator) { a.reviewColls = colls }
}

// WithClock overrides the clock used by MarkViewed.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// OnChange is called with the new breakdown whenever it changes.
func OnChange(fn func(Breakdown)) Option {
	return func(a *Aggregator) { a.onChange = fn }
}

// Aggregator keeps the badge state of one viewer live.
type Aggregator struct {
	store       docstore.Store
	marks       watermark.Store
	viewer      string
	log         zerolog.Logger
	reviewColls []string
	now         func() time.Time
	onChange    func(Breakdown)

	emitMu sync.Mutex

	mu            sync.Mutex
	running       bool
	watermark     stamp.Timestamp
	chats         map[data.Role][]data.Chat
	notifications []data.Notification
	reviews       map[string][]data.Review
	subs          []docstore.Subscription
	state         Breakdown
	emitted       bool
}

// NewAggregator returns a stopped aggregator for viewer.
func NewAggregator(store docstore.Store, marks watermark.Store, viewer string, log zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:       store,
		marks:       marks,
		viewer:      viewer,
		log:         log,
		reviewColls: data.ReviewCollections,
		now:         time.Now,
		chats:       map[data.Role][]data.Chat{},
		reviews:     map[string][]data.Review{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start loads the watermark and opens the source subscriptions.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	wm, err := a.marks.Load(ctx, a.viewer)
	if err != nil {
		a.Stop()
		return fmt.Errorf("badge: %w", err)
	}
	a.mu.Lock()
	a.watermark = stamp.FromTime(wm)
	a.mu.Unlock()

	for _, role := range []data.Role{data.RoleInitiator, data.RoleRecipient} {
		field := data.FieldInitiatorID
		if role == data.RoleRecipient {
			field = data.FieldRecipientID
		}
		q := docstore.Query{}.
			Where(field, docstore.Eq, a.viewer).
			Where(data.BlockedFlagField(role), docstore.Eq, false)
		if err := a.watch(ctx, data.CollChats, q, a.chatHandler(role)); err != nil {
			a.Stop()
			return err
		}
	}

	q := docstore.Query{}.Where(data.FieldUserID, docstore.Eq, a.viewer)
	if err := a.watch(ctx, data.CollNotifications, q, a.handleNotifications); err != nil {
		a.Stop()
		return err
	}
	for _, coll := range a.reviewColls {
		if err := a.watch(ctx, coll, q, a.reviewHandler(coll)); err != nil {
			a.Stop()
			return err
		}
	}
	return nil
}

func (a *Aggregator) watch(ctx context.Context, coll string, q docstore.Query, fn func([]docstore.Snapshot)) error {
	sub, err := a.store.WatchQuery(ctx, coll, q, fn)
	if err != nil {
		return fmt.Errorf("badge: watch %s: %w", coll, err)
	}
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
	return nil
}

// Stop closes every subscription.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.running = false
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Breakdown returns the current per-source state.
func (a *Aggregator) Breakdown() Breakdown {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// HasUnread reports whether any source has something unread.
func (a *Aggregator) HasUnread() bool {
	return a.Breakdown().Any()
}

// MarkViewed moves the watermark to now. Chat unread counts are not touched;
// they clear when each chat is opened.
func (a *Aggregator) MarkViewed(ctx context.Context) error {
	now := a.now().UTC()
	if err := a.marks.Save(ctx, a.viewer, now); err != nil {
		return fmt.Errorf("badge: %w", err)
	}
	a.mu.Lock()
	if wm := stamp.FromTime(now); wm.After(a.watermark) {
		a.watermark = wm
	}
	a.mu.Unlock()
	a.recompute()
	return nil
}

func (a *Aggregator) chatHandler(role data.Role) func([]docstore.Snapshot) {
	return func(snaps []docstore.Snapshot) {
		chats := make([]data.Chat, 0, len(snaps))
		for _, s := range snaps {
			var c data.Chat
			if err := s.Decode(&c); err != nil {
				a.log.Warn().Err(err).Str("chat_id", s.ID).Msg("badge - decode chat - skipped")
				continue
			}
			chats = append(chats, c)
		}
		a.mu.Lock()
		a.chats[role] = chats
		a.mu.Unlock()
		a.recompute()
	}
}

func (a *Aggregator) handleNotifications(snaps []docstore.Snapshot) {
	out := make([]data.Notification, 0, len(snaps))
	for _, s := range snaps {
		var n data.Notification
		if err := s.Decode(&n); err != nil {
			a.log.Warn().Err(err).Str("notification_id", s.ID).Msg("badge - decode notification - skipped")
			continue
		}
		out = append(out, n)
	}
	a.mu.Lock()
	a.notifications = out
	a.mu.Unlock()
	a.recompute()
}

func (a *Aggregator) reviewHandler(coll string) func([]docstore.Snapshot) {
	return func(snaps []docstore.Snapshot) {
		out := make([]data.Review, 0, len(snaps))
		for _, s := range snaps {
			var r data.Review
			if err := s.Decode(&r); err != nil {
				a.log.Warn().Err(err).Str("collection", coll).Str("review_id", s.ID).Msg("badge - decode review - skipped")
				continue
			}
			out = append(out, r)
		}
		a.mu.Lock()
		a.reviews[coll] = out
		a.mu.Unlock()
		a.recompute()
	}
}

// compute derives the breakdown from the latest snapshots. Callers hold a.mu.
func (a *Aggregator) compute() Breakdown {
	var chats []data.Chat
	chats = append(chats, a.chats[data.RoleInitiator]...)
	chats = append(chats, a.chats[data.RoleRecipient]...)

	b := Breakdown{Chats: chatlist.HasUnread(a.viewer, chats)}
	for _, n := range a.notifications {
		if n.CreatedAt.After(a.watermark) {
			b.Notifications = true
			break
		}
	}
	for _, coll := range a.reviewColls {
		for _, r := range a.reviews[coll] {
			if r.Reply != "" && r.Touched().After(a.watermark) {
				b.Reviews = true
				break
			}
		}
	}
	return b
}

func (a *Aggregator) recompute() {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	b := a.compute()
	changed := !a.emitted || b != a.state
	a.state, a.emitted = b, true
	a.mu.Unlock()

	if changed && a.onChange != nil {
		a.onChange(b)
	}
}
