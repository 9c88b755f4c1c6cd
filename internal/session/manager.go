// Package session ties a client session's auth state, visibility and
// unload hooks to the presence tracker.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/PaulBabatuyi/marketchat/internal/auth"
	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
)

var tracer = otel.Tracer("session-manager")

// State is the lifecycle state of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn_down"
	default:
		return "uninitialized"
	}
}

// Presence is the part of the presence tracker the manager drives.
type Presence interface {
	Activate(ctx context.Context, uid string)
	Deactivate(ctx context.Context)
	Stop()
}

// ProfileObserver receives the signed-in user's profile snapshots.
type ProfileObserver func(p data.Profile, exists bool)

// Manager owns one client session. It is constructed by the application root
// and passed to whatever needs it; there is no package-level instance.
type Manager struct {
	auth     auth.Provider
	presence Presence
	store    docstore.Store
	log      zerolog.Logger
	observer ProfileObserver

	mu         sync.Mutex
	state      State
	uid        string
	visible    bool
	unsubAuth  func()
	profileSub docstore.Subscription
}

// Option configures a Manager.
type Option func(*Manager)

// WithProfileObserver forwards profile snapshots of the signed-in user.
func WithProfileObserver(fn ProfileObserver) Option {
	return func(m *Manager) { m.observer = fn }
}

// NewManager returns an uninitialized manager.
func NewManager(provider auth.Provider, presence Presence, store docstore.Store, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		auth:     provider,
		presence: presence,
		store:    store,
		log:      log,
		visible:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the signed-in user, or "".
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uid
}

// Init subscribes to auth changes. Calling it on an active manager is a no-op;
// a destroyed manager may be initialized again.
func (m *Manager) Init(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateActive {
		m.mu.Unlock()
		return
	}
	m.state = StateActive
	m.mu.Unlock()

	unsub := m.auth.OnChange(func(s auth.State) { m.handleAuth(ctx, s) })

	m.mu.Lock()
	if m.state != StateActive {
		// destroyed while the initial callback ran
		m.mu.Unlock()
		unsub()
		return
	}
	m.unsubAuth = unsub
	m.mu.Unlock()
}

func (m *Manager) handleAuth(ctx context.Context, s auth.State) {
	m.mu.Lock()
	if m.state != StateActive || s.UserID == m.uid {
		m.mu.Unlock()
		return
	}
	prevSub := m.profileSub
	m.profileSub = nil
	m.uid = s.UserID
	visible := m.visible
	m.mu.Unlock()

	if prevSub != nil {
		prevSub.Unsubscribe()
	}

	if !s.SignedIn() {
		// no offline write: it would be rejected once credentials are gone
		m.presence.Stop()
		m.log.Info().Msg("session - auth - signed out")
		return
	}

	ctx, span := tracer.Start(ctx, "Manager.SignedIn", trace.WithAttributes(attribute.String("user_id", s.UserID)))
	defer span.End()
	m.log.Info().Str("user_id", s.UserID).Msg("session - auth - signed in")

	if visible {
		m.presence.Activate(ctx, s.UserID)
	}
	m.watchProfile(ctx, s.UserID)
}

func (m *Manager) watchProfile(ctx context.Context, uid string) {
	sub, err := m.store.WatchDoc(ctx, data.CollProfiles, uid, func(snap docstore.Snapshot) {
		var p data.Profile
		if snap.Exists {
			if err := snap.Decode(&p); err != nil {
				m.log.Warn().Err(err).Str("user_id", uid).Msg("session - profile snapshot - decode failed")
				return
			}
		}
		m.log.Debug().Str("user_id", uid).Bool("online", p.Online).Msg("session - profile snapshot - received")
		if m.observer != nil {
			m.observer(p, snap.Exists)
		}
	})
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", uid).Msg("session - watch profile - failed")
		return
	}

	m.mu.Lock()
	if m.uid != uid || m.state != StateActive {
		m.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	m.profileSub = sub
	m.mu.Unlock()
}

// SetVisibility reacts to the client being foregrounded or backgrounded.
func (m *Manager) SetVisibility(ctx context.Context, visible bool) {
	m.mu.Lock()
	m.visible = visible
	uid := m.uid
	active := m.state == StateActive
	m.mu.Unlock()

	if !active || uid == "" {
		return
	}
	if visible {
		m.presence.Activate(ctx, uid)
		return
	}
	m.presence.Deactivate(ctx)
}

// BeforeUnload records offline state while credentials are still valid.
func (m *Manager) BeforeUnload(ctx context.Context) {
	if m.UserID() == "" {
		return
	}
	m.presence.Deactivate(ctx)
}

// SignOut marks the user offline and then signs out. The presence write has
// to happen first, while the session may still write its own profile.
func (m *Manager) SignOut(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Manager.SignOut")
	defer span.End()

	m.presence.Deactivate(ctx)
	if err := m.auth.SignOut(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Destroy releases every listener and returns the manager to
// StateUninitialized. It does not write presence. While listeners are being
// released the state is StateTornDown and auth events are ignored.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.state = StateTornDown
	unsubAuth, profileSub := m.unsubAuth, m.profileSub
	m.unsubAuth, m.profileSub, m.uid = nil, nil, ""
	m.mu.Unlock()

	if profileSub != nil {
		profileSub.Unsubscribe()
	}
	if unsubAuth != nil {
		unsubAuth()
	}

	m.mu.Lock()
	if m.state == StateTornDown {
		m.state = StateUninitialized
	}
	m.mu.Unlock()
}
