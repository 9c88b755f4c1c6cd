package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/PaulBabatuyi/marketchat/internal/auth"
	"github.com/PaulBabatuyi/marketchat/internal/badge"
	"github.com/PaulBabatuyi/marketchat/internal/chatlist"
	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
	"github.com/PaulBabatuyi/marketchat/internal/logging"
	"github.com/PaulBabatuyi/marketchat/internal/messaging"
	"github.com/PaulBabatuyi/marketchat/internal/presence"
	"github.com/PaulBabatuyi/marketchat/internal/session"
)

var (
	errUnknownEvent    = errors.New("gateway: unknown event")
	errRateLimited     = errors.New("gateway: rate limited")
	errNoOpenChat      = errors.New("gateway: no open chat")
	errNoDraft         = errors.New("gateway: no edit in progress")
	errMessageNotFound = errors.New("gateway: message not in the open chat")
)

// limited are the events counted against the per-user action limit.
var limited = map[string]bool{
	EventSend:       true,
	EventEditSubmit: true,
	EventDelete:     true,
	EventBlock:      true,
	EventUnblock:    true,
	EventMute:       true,
	EventUnmute:     true,
	EventFavorite:   true,
	EventHideChat:   true,
	EventDeleteChat: true,
	EventCreateChat: true,
}

// peer is one websocket session: a browser tab with its own credentials,
// presence heartbeat, chat list, badge and open chat.
type peer struct {
	srv    *Server
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	client *client
	uid    string
	connID string

	provider *auth.TokenProvider
	store    docstore.Store
	tracker  *presence.Tracker
	manager  *session.Manager
	chats    *chatlist.Aggregator
	badges   *badge.Aggregator
	svc      *messaging.Service
	sched    *messaging.Scheduler
	composer messaging.Composer

	mu           sync.Mutex
	view         *messaging.ChatView
	filter       chatlist.Options
	unsubAuth    func()
	localSignOut bool

	closeOnce sync.Once
}

func (s *Server) newPeer(parent context.Context, conn *websocket.Conn, token string) (*peer, error) {
	provider := auth.NewTokenProvider(s.jwt)
	claims, err := provider.SignIn(token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	log := logging.Component(s.log, "gateway").With().Str("user_id", claims.UserID).Logger()
	p := &peer{
		srv:      s,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		uid:      claims.UserID,
		provider: provider,
		// profiles are writable only by their signed-in owner
		store:  docstore.OwnerGuard(s.store, data.CollProfiles, provider.CurrentUser),
		filter: chatlist.Options{Tab: chatlist.TabAll},
		sched:  messaging.NewScheduler(),
	}
	p.client = newClient(ctx, conn, log)

	trackerOpts := []presence.Option{presence.WithHeartbeat(s.settings.Heartbeat)}
	if s.mirror != nil {
		trackerOpts = append(trackerOpts, presence.WithMirror(s.mirror))
	}
	p.tracker = presence.NewTracker(p.store, logging.Component(s.log, "presence"), trackerOpts...)
	p.manager = session.NewManager(provider, p.tracker, s.store, logging.Component(s.log, "session"))
	p.svc = messaging.NewService(p.store, logging.Component(s.log, "messaging"))
	p.chats = chatlist.NewAggregator(s.store, p.uid, logging.Component(s.log, "chatlist"), p.emitChats)
	p.badges = badge.NewAggregator(s.store, s.marks, p.uid, logging.Component(s.log, "badge"),
		badge.WithReviewCollections(s.settings.ReviewCollections...),
		badge.OnChange(p.emitBadge),
	)

	p.manager.Init(ctx)
	if err := p.chats.Start(ctx); err != nil {
		p.teardown()
		return nil, fmt.Errorf("start chat list: %w", err)
	}
	if err := p.badges.Start(ctx); err != nil {
		p.teardown()
		return nil, fmt.Errorf("start badge: %w", err)
	}
	p.emitBadge(p.badges.Breakdown())

	p.connID = s.hub.Register(p.uid, p)
	unsub := provider.OnChange(p.handleAuth)
	p.mu.Lock()
	p.unsubAuth = unsub
	p.mu.Unlock()
	return p, nil
}

// run serves the socket until it closes.
func (p *peer) run() {
	p.log.Info().Str("conn_id", p.connID).Msg("gateway - session - connected")
	p.client.ReadLoop(p.handle)
	p.teardown()
	p.log.Info().Str("conn_id", p.connID).Msg("gateway - session - disconnected")
}

// Send receives events pushed by the user's other connections.
func (p *peer) Send(ev Event) error {
	if ev.Type == EventSignedOut {
		go func() {
			if err := p.manager.SignOut(p.ctx); err != nil {
				p.log.Warn().Err(err).Msg("gateway - remote sign out - failed")
			}
		}()
		return nil
	}
	return p.client.Send(ev)
}

func (p *peer) handleAuth(st auth.State) {
	if st.SignedIn() {
		return
	}
	p.mu.Lock()
	broadcast := p.localSignOut
	p.mu.Unlock()

	p.log.Info().Bool("origin", broadcast).Msg("gateway - session - signed out")
	p.emit(EventSignedOut, nil)
	if broadcast {
		ev, _ := NewEvent(EventSignedOut, nil)
		if err := p.srv.hub.SendToOthers(p.uid, p.connID, ev); err != nil {
			p.log.Debug().Err(err).Msg("gateway - sign out fan-out - partial")
		}
	}
	p.client.Close()
}

// teardown releases everything the session holds. Closing the socket counts
// as unloading the page.
func (p *peer) teardown() {
	p.closeOnce.Do(func() {
		if p.connID != "" {
			p.srv.hub.Unregister(p.uid, p.connID)
		}
		p.mu.Lock()
		unsub, view := p.unsubAuth, p.view
		p.unsubAuth, p.view = nil, nil
		p.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		if view != nil {
			view.Close()
		}
		p.composer.Cancel()
		p.manager.BeforeUnload(p.ctx)
		// after an expiry sign-out the heartbeat is still running
		p.tracker.Deactivate(p.ctx)
		p.chats.Stop()
		p.badges.Stop()
		p.sched.Stop()
		p.manager.Destroy()
		// stops the token expiry timer; nobody listens any more
		_ = p.provider.SignOut(context.Background())
		p.client.Close()
		p.cancel()
	})
}

func (p *peer) handle(msg []byte) {
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		p.toast("", "Malformed event")
		return
	}
	if limited[ev.Type] && !p.srv.allowAction(p.uid) {
		p.fail(ev.Type, errRateLimited)
		return
	}
	if err := p.dispatch(ev); err != nil {
		p.fail(ev.Type, err)
	}
}

func decode(ev Event, v any) error {
	if len(ev.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Type, err)
	}
	return nil
}

func (p *peer) dispatch(ev Event) error {
	ctx := p.ctx
	switch ev.Type {
	case EventVisibility:
		var in visibilityPayload
		if err := decode(ev, &in); err != nil {
			return err
		}
		p.manager.SetVisibility(ctx, in.Visible)
	case EventUnload:
		p.manager.BeforeUnload(ctx)
	case EventChatFilter:
		var in chatlist.Options
		if err := decode(ev, &in); err != nil {
			return err
		}
		if in.Tab == "" {
			in.Tab = chatlist.TabAll
		}
		p.mu.Lock()
		p.filter = in
		p.mu.Unlock()
		p.chats.SetOptions(in)
	case EventOpenChat:
		var in chatRef
		if err := decode(ev, &in); err != nil {
			return err
		}
		return p.openChat(in.ChatID)
	case EventCloseChat:
		p.closeView()
	case EventSend:
		return p.send(ctx, ev)
	case EventReply, EventEditStart:
		var in messageRef
		if err := decode(ev, &in); err != nil {
			return err
		}
		return p.startDraft(ev.Type, in.MessageID)
	case EventEditSubmit:
		var in editPayload
		if err := decode(ev, &in); err != nil {
			return err
		}
		d := p.composer.Current()
		if d.Kind != messaging.DraftEdit {
			return errNoDraft
		}
		if err := p.svc.Edit(ctx, d.MessageID, p.uid, in.Text); err != nil {
			return err
		}
		p.composer.Take()
		p.emitDraft()
	case EventDraftCancel:
		p.composer.Cancel()
		p.emitDraft()
	case EventDelete:
		var in messageRef
		if err := decode(ev, &in); err != nil {
			return err
		}
		if err := p.svc.Delete(ctx, in.MessageID, p.uid); err != nil {
			return err
		}
		if p.composer.Current().MessageID == in.MessageID {
			p.composer.Cancel()
			p.emitDraft()
		}
	case EventBlock, EventUnblock, EventMute, EventUnmute, EventHideChat, EventDeleteChat:
		var in chatRef
		if err := decode(ev, &in); err != nil {
			return err
		}
		return p.moderate(ctx, ev.Type, in.ChatID)
	case EventFavorite:
		var in favoritePayload
		if err := decode(ev, &in); err != nil {
			return err
		}
		return p.svc.SetFavorite(ctx, in.ChatID, p.uid, in.Favorite)
	case EventCreateChat:
		var in createChatPayload
		if err := decode(ev, &in); err != nil {
			return err
		}
		c, err := p.svc.CreateChat(ctx, messaging.NewChat{
			InitiatorID: p.uid,
			RecipientID: in.RecipientID,
			Title:       in.Title,
			ServiceID:   in.ServiceID,
		})
		if err != nil {
			return err
		}
		return p.openChat(c.ID)
	case EventViewNotifications:
		return p.badges.MarkViewed(ctx)
	case EventSignOut:
		p.mu.Lock()
		p.localSignOut = true
		p.mu.Unlock()
		return p.manager.SignOut(ctx)
	default:
		return fmt.Errorf("%w: %q", errUnknownEvent, ev.Type)
	}
	return nil
}

func (p *peer) moderate(ctx context.Context, typ, chatID string) error {
	var err error
	switch typ {
	case EventBlock:
		err = p.svc.Block(ctx, chatID, p.uid)
	case EventUnblock:
		err = p.svc.Unblock(ctx, chatID, p.uid)
	case EventMute:
		err = p.svc.Mute(ctx, chatID, p.uid)
	case EventUnmute:
		err = p.svc.Unmute(ctx, chatID, p.uid)
	case EventHideChat:
		if err = p.svc.HideChat(ctx, chatID, p.uid); err == nil {
			p.leaveChat(chatID, "hidden")
		}
	case EventDeleteChat:
		// the open view notices the removal itself
		err = p.svc.DeleteChat(ctx, chatID, p.uid)
	}
	return err
}

func (p *peer) currentView() *messaging.ChatView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

func (p *peer) openChat(chatID string) error {
	p.closeView()

	opts := []messaging.ViewOption{
		messaging.OnMessages(func(msgs []data.Message) {
			p.emit(EventMessages, messagesPayload{ChatID: chatID, Messages: viewMessages(p.uid, msgs)})
		}),
		messaging.OnChat(func(c data.Chat) { p.emit(EventChat, c) }),
		messaging.OnGone(func() { p.leaveChat(chatID, "deleted") }),
	}
	if d := p.srv.settings.SeenDebounce; d > 0 {
		opts = append(opts, messaging.WithSeenDebounce(d))
	}
	if d := p.srv.settings.DeliveryHintDelay; d > 0 {
		opts = append(opts, messaging.WithDeliveryHintDelay(d))
	}
	if p.srv.mirror != nil {
		opts = append(opts, messaging.WithOnlineCheck(p.srv.mirror))
	}

	view, err := messaging.OpenChat(p.ctx, p.store, p.sched, chatID, p.uid, logging.Component(p.srv.log, "chat_view"), opts...)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, messaging.ErrNotParticipant) {
			p.emit(EventNavigateAway, navigatePayload{ChatID: chatID, Reason: "not_found"})
			return nil
		}
		return err
	}

	p.mu.Lock()
	prev := p.view
	p.view = view
	p.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return nil
}

func (p *peer) closeView() {
	p.mu.Lock()
	view := p.view
	p.view = nil
	p.mu.Unlock()
	if view == nil {
		return
	}
	view.Close()
	p.composer.CancelChat(view.ChatID())
}

// leaveChat closes the open view if it shows chatID and tells the client to
// navigate away.
func (p *peer) leaveChat(chatID, reason string) {
	p.mu.Lock()
	view := p.view
	if view != nil && view.ChatID() == chatID {
		p.view = nil
	} else {
		view = nil
	}
	p.mu.Unlock()

	if view == nil {
		return
	}
	view.Close()
	p.composer.CancelChat(chatID)
	p.emit(EventNavigateAway, navigatePayload{ChatID: chatID, Reason: reason})
}

func (p *peer) send(ctx context.Context, ev Event) error {
	var in sendPayload
	if err := decode(ev, &in); err != nil {
		return err
	}
	if in.ChatID == "" {
		if v := p.currentView(); v != nil {
			in.ChatID = v.ChatID()
		}
	}
	if in.ChatID == "" {
		return errNoOpenChat
	}

	var reply *data.ReplySnapshot
	if d := p.composer.Current(); d.Kind == messaging.DraftReply && d.ChatID == in.ChatID {
		reply = d.Reply
	}
	_, err := p.svc.Send(ctx, messaging.Outgoing{
		ChatID:   in.ChatID,
		SenderID: p.uid,
		Text:     in.Text,
		Type:     in.Type,
		FileURL:  in.FileURL,
		ReplyTo:  reply,
	})
	if err != nil {
		return err
	}
	if reply != nil {
		p.composer.Take()
		p.emitDraft()
	}
	return nil
}

func (p *peer) startDraft(typ, messageID string) error {
	v := p.currentView()
	if v == nil {
		return errNoOpenChat
	}
	m, ok := v.Message(messageID)
	if !ok {
		return errMessageNotFound
	}
	if typ == EventReply {
		p.composer.StartReply(m)
	} else if _, err := p.composer.StartEdit(p.uid, m); err != nil {
		return err
	}
	p.emitDraft()
	return nil
}

func (p *peer) emit(typ string, v any) {
	ev, err := NewEvent(typ, v)
	if err != nil {
		p.log.Error().Err(err).Str("type", typ).Msg("gateway - encode event - failed")
		return
	}
	if err := p.client.Send(ev); err != nil {
		p.log.Debug().Err(err).Str("type", typ).Msg("gateway - emit - dropped")
	}
}

func (p *peer) emitChats(entries []chatlist.Entry) {
	if entries == nil {
		entries = []chatlist.Entry{}
	}
	p.mu.Lock()
	opts := p.filter
	p.mu.Unlock()
	p.emit(EventChats, chatsPayload{Options: opts, Entries: entries})
}

func (p *peer) emitBadge(b badge.Breakdown) {
	p.emit(EventBadge, badgePayload{HasUnread: b.Any(), Breakdown: b})
}

func (p *peer) emitDraft() {
	p.emit(EventDraft, p.composer.Current())
}

func (p *peer) toast(evType, msg string) {
	p.emit(EventToast, toastPayload{Event: evType, Message: msg})
}

// fail reports a failed user action. The engine state is unchanged.
func (p *peer) fail(evType string, err error) {
	p.log.Warn().Err(err).Str("event", evType).Msg("gateway - action - failed")
	p.toast(evType, userMessage(err))
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, errRateLimited):
		return "You're doing that too often. Try again in a moment."
	case errors.Is(err, errUnknownEvent):
		return "Unsupported action"
	case errors.Is(err, errNoOpenChat), errors.Is(err, errMessageNotFound):
		return "Open a chat first"
	case errors.Is(err, errNoDraft):
		return "Nothing is being edited"
	case errors.Is(err, messaging.ErrEmptyMessage):
		return "Message is empty"
	case errors.Is(err, messaging.ErrUnsupportedType):
		return "Unsupported message type"
	case errors.Is(err, messaging.ErrForbidden):
		return "You can only change your own messages"
	case errors.Is(err, messaging.ErrNotEditable):
		return "This message can't be edited"
	case errors.Is(err, messaging.ErrNotParticipant):
		return "You're not part of this chat"
	case errors.Is(err, messaging.ErrSelfChat):
		return "You can't start a chat with yourself"
	case errors.Is(err, docstore.ErrNotFound):
		return "It no longer exists"
	}
	return "Something went wrong"
}
