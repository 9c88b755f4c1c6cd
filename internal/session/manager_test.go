package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/marketchat/internal/auth"
	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
	"github.com/PaulBabatuyi/marketchat/internal/presence"
)

// journal records calls from fakes in the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakePresence struct{ j *journal }

func (f fakePresence) Activate(_ context.Context, uid string) { f.j.add("activate:" + uid) }
func (f fakePresence) Deactivate(context.Context)             { f.j.add("deactivate") }
func (f fakePresence) Stop()                                  { f.j.add("stop") }

type fakeProvider struct {
	*auth.TokenProvider
	j *journal
}

func (f fakeProvider) SignOut(ctx context.Context) error {
	f.j.add("signout")
	return f.TokenProvider.SignOut(ctx)
}

func signedInProvider(t *testing.T, j *journal, uid string) (fakeProvider, string) {
	t.Helper()
	m := auth.NewJWTManager("test-secret", time.Hour)
	token, _, err := m.GenerateToken(uid, uid+"@example.com")
	require.NoError(t, err)
	return fakeProvider{TokenProvider: auth.NewTokenProvider(m), j: j}, token
}

func TestManagerSignInActivatesPresence(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	p, token := signedInProvider(t, j, "alice")
	store := docstore.NewMemory()

	m := NewManager(p, fakePresence{j}, store, zerolog.Nop())
	assert.Equal(t, StateUninitialized, m.State())

	m.Init(ctx)
	m.Init(ctx)
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, 1, p.Listeners())

	_, err := p.SignIn(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", m.UserID())
	assert.Equal(t, []string{"activate:alice"}, j.list())
	assert.Equal(t, 1, store.ActiveSubscriptions())

	// signing out cancels the profile subscription and stops the heartbeat
	// without an offline write
	require.NoError(t, p.TokenProvider.SignOut(ctx))
	assert.Empty(t, m.UserID())
	assert.Equal(t, []string{"activate:alice", "stop"}, j.list())
	assert.Equal(t, 0, store.ActiveSubscriptions())
}

func TestManagerSignOutOrdering(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	p, token := signedInProvider(t, j, "alice")
	_, err := p.SignIn(token)
	require.NoError(t, err)

	m := NewManager(p, fakePresence{j}, docstore.NewMemory(), zerolog.Nop())
	m.Init(ctx)
	require.NoError(t, m.SignOut(ctx))

	assert.Equal(t, []string{"activate:alice", "deactivate", "signout", "stop"}, j.list())
	assert.False(t, p.Current().SignedIn())
}

func TestManagerVisibility(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	p, token := signedInProvider(t, j, "alice")
	m := NewManager(p, fakePresence{j}, docstore.NewMemory(), zerolog.Nop())
	m.Init(ctx)

	// nobody signed in: nothing to do
	m.SetVisibility(ctx, false)
	m.SetVisibility(ctx, true)
	assert.Empty(t, j.list())

	_, err := p.SignIn(token)
	require.NoError(t, err)
	m.SetVisibility(ctx, false)
	m.SetVisibility(ctx, true)
	m.BeforeUnload(ctx)

	assert.Equal(t, []string{"activate:alice", "deactivate", "activate:alice", "deactivate"}, j.list())
}

func TestManagerSignInWhileHidden(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	p, token := signedInProvider(t, j, "alice")
	m := NewManager(p, fakePresence{j}, docstore.NewMemory(), zerolog.Nop())
	m.Init(ctx)
	m.SetVisibility(ctx, false)

	_, err := p.SignIn(token)
	require.NoError(t, err)
	assert.Empty(t, j.list())

	m.SetVisibility(ctx, true)
	assert.Equal(t, []string{"activate:alice"}, j.list())
}

func TestManagerDestroyReleasesListeners(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	p, token := signedInProvider(t, j, "alice")
	store := docstore.NewMemory()
	baseline := store.ActiveSubscriptions()

	m := NewManager(p, fakePresence{j}, store, zerolog.Nop())
	m.Init(ctx)
	_, err := p.SignIn(token)
	require.NoError(t, err)
	require.Equal(t, baseline+1, store.ActiveSubscriptions())

	m.Destroy()
	m.Destroy()
	assert.Equal(t, StateUninitialized, m.State())
	assert.Equal(t, baseline, store.ActiveSubscriptions())
	assert.Equal(t, 0, p.Listeners())

	// a destroyed manager can be initialized again
	m.Init(ctx)
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, "alice", m.UserID())
	m.Destroy()
	assert.Equal(t, baseline, store.ActiveSubscriptions())
}

func TestManagerProfileObserver(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	p, token := signedInProvider(t, j, "alice")
	store := docstore.NewMemory()
	tracker := presence.NewTracker(docstore.OwnerGuard(store, data.CollProfiles, p.CurrentUser), zerolog.Nop(),
		presence.WithHeartbeat(time.Hour))

	seen := make(chan bool, 8)
	m := NewManager(p, tracker, store, zerolog.Nop(), WithProfileObserver(func(pr data.Profile, exists bool) {
		if exists {
			seen <- pr.Online
		}
	}))
	m.Init(ctx)
	_, err := p.SignIn(token)
	require.NoError(t, err)

	select {
	case online := <-seen:
		assert.True(t, online)
	case <-time.After(time.Second):
		t.Fatal("no profile snapshot observed")
	}

	m.SetVisibility(ctx, false)
	select {
	case online := <-seen:
		assert.False(t, online)
	case <-time.After(time.Second):
		t.Fatal("offline state not observed")
	}
	m.Destroy()
}

func TestProviderSignOutStopsHeartbeat(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	p, token := signedInProvider(t, j, "alice")
	store := docstore.NewMemory()
	// unguarded, so a leftover heartbeat would still land
	tracker := presence.NewTracker(store, zerolog.Nop(), presence.WithHeartbeat(20*time.Millisecond))

	m := NewManager(p, tracker, store, zerolog.Nop())
	m.Init(ctx)
	defer m.Destroy()
	_, err := p.SignIn(token)
	require.NoError(t, err)
	require.Equal(t, "alice", tracker.Active())

	// expiry or a sign-out elsewhere reaches the manager only through the provider
	require.NoError(t, p.TokenProvider.SignOut(ctx))
	assert.Empty(t, m.UserID())
	assert.Empty(t, tracker.Active())

	// the heartbeat no longer re-asserts online
	require.NoError(t, store.Set(ctx, data.CollProfiles, "alice", map[string]any{data.FieldOnline: false}))
	time.Sleep(80 * time.Millisecond)
	snap, err := store.Get(ctx, data.CollProfiles, "alice")
	require.NoError(t, err)
	var pr data.Profile
	require.NoError(t, snap.Decode(&pr))
	assert.False(t, pr.Online)
}
