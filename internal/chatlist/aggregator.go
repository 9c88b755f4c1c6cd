package chatlist

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
)

// Aggregator keeps a viewer's chat list live. It subscribes to every chat the
// viewer participates in and to the profile of each visible counterpart,
// opening profile subscriptions lazily and closing them when a counterpart
// leaves the deduplicated set.
type Aggregator struct {
	store    docstore.Store
	viewer   string
	log      zerolog.Logger
	onChange func([]Entry)

	// emitMu keeps compute-and-emit atomic so listeners never see an older list last
	emitMu sync.Mutex

	mu          sync.Mutex
	ctx         context.Context
	running     bool
	opts        Options
	chats       []data.Chat
	profiles    map[string]data.Profile
	profileSubs map[string]docstore.Subscription
	chatSub     docstore.Subscription
	entries     []Entry
}

// NewAggregator returns a stopped aggregator. onChange is called with the
// recomputed list after every snapshot; it must not call back into the aggregator.
func NewAggregator(store docstore.Store, viewer string, log zerolog.Logger, onChange func([]Entry)) *Aggregator {
	return &Aggregator{
		store:       store,
		viewer:      viewer,
		log:         log,
		onChange:    onChange,
		profiles:    map[string]data.Profile{},
		profileSubs: map[string]docstore.Subscription{},
	}
}

// Start opens the chat subscription.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	q := docstore.Query{}.Where(data.FieldParticipants, docstore.ArrayContains, a.viewer)
	sub, err := a.store.WatchQuery(ctx, data.CollChats, q, a.handleChats)
	if err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return err
	}

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	a.chatSub = sub
	a.mu.Unlock()
	return nil
}

// Stop closes every subscription the aggregator opened.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.running = false
	subs := make([]docstore.Subscription, 0, len(a.profileSubs)+1)
	if a.chatSub != nil {
		subs = append(subs, a.chatSub)
	}
	for _, s := range a.profileSubs {
		if s != nil {
			subs = append(subs, s)
		}
	}
	a.chatSub = nil
	a.profileSubs = map[string]docstore.Subscription{}
	a.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

// SetOptions changes the filters and recomputes.
func (a *Aggregator) SetOptions(opts Options) {
	a.mu.Lock()
	a.opts = opts
	a.mu.Unlock()
	a.recompute()
}

// Entries returns the last computed list.
func (a *Aggregator) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.entries...)
}

// ProfileSubscriptions returns the number of counterpart subscriptions,
// including those still being opened.
func (a *Aggregator) ProfileSubscriptions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.profileSubs)
}

func (a *Aggregator) handleChats(snaps []docstore.Snapshot) {
	chats := make([]data.Chat, 0, len(snaps))
	for _, s := range snaps {
		var c data.Chat
		if err := s.Decode(&c); err != nil {
			a.log.Warn().Err(err).Str("chat_id", s.ID).Msg("chatlist - decode chat - skipped")
			continue
		}
		chats = append(chats, c)
	}

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.chats = chats
	a.mu.Unlock()

	a.syncProfiles(Counterparts(a.viewer, chats))
	a.recompute()
}

// syncProfiles opens subscriptions for new counterparts and closes those of
// counterparts that are no longer visible.
func (a *Aggregator) syncProfiles(visible []string) {
	want := make(map[string]bool, len(visible))
	for _, uid := range visible {
		want[uid] = true
	}

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	ctx := a.ctx
	var stale []docstore.Subscription
	for uid, sub := range a.profileSubs {
		if !want[uid] {
			stale = append(stale, sub)
			delete(a.profileSubs, uid)
			delete(a.profiles, uid)
		}
	}
	var missing []string
	for _, uid := range visible {
		if _, ok := a.profileSubs[uid]; !ok {
			// reserve the slot so the initial snapshot is accepted
			a.profileSubs[uid] = nil
			missing = append(missing, uid)
		}
	}
	a.mu.Unlock()

	for _, s := range stale {
		if s != nil {
			s.Unsubscribe()
		}
	}

	for _, uid := range missing {
		sub, err := a.store.WatchDoc(ctx, data.CollProfiles, uid, a.profileHandler(uid))
		if err != nil {
			a.log.Warn().Err(err).Str("user_id", uid).Msg("chatlist - watch profile - failed")
			a.mu.Lock()
			if cur, ok := a.profileSubs[uid]; ok && cur == nil {
				delete(a.profileSubs, uid)
			}
			a.mu.Unlock()
			continue
		}
		a.mu.Lock()
		cur, reserved := a.profileSubs[uid]
		if !a.running || !reserved || cur != nil {
			a.mu.Unlock()
			sub.Unsubscribe()
			continue
		}
		a.profileSubs[uid] = sub
		a.mu.Unlock()
	}
}

func (a *Aggregator) profileHandler(uid string) func(docstore.Snapshot) {
	return func(s docstore.Snapshot) {
		var p data.Profile
		if s.Exists {
			if err := s.Decode(&p); err != nil {
				a.log.Warn().Err(err).Str("user_id", uid).Msg("chatlist - decode profile - skipped")
				return
			}
		}
		a.mu.Lock()
		if _, ok := a.profileSubs[uid]; !ok || !a.running {
			a.mu.Unlock()
			return
		}
		if s.Exists {
			a.profiles[uid] = p
		} else {
			delete(a.profiles, uid)
		}
		a.mu.Unlock()
		a.recompute()
	}
}

func (a *Aggregator) recompute() {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	profiles := make(map[string]data.Profile, len(a.profiles))
	for k, v := range a.profiles {
		profiles[k] = v
	}
	entries := Build(a.viewer, a.chats, profiles, a.opts)
	a.entries = entries
	a.mu.Unlock()

	if a.onChange != nil {
		a.onChange(entries)
	}
}
