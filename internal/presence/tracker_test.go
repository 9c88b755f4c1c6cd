package presence

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/marketchat/internal/config"
	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
)

type mockMirror struct {
	mock.Mock
}

func (m *mockMirror) MarkOnline(ctx context.Context, uid string) error {
	return m.Called(ctx, uid).Error(0)
}

func (m *mockMirror) MarkOffline(ctx context.Context, uid string) error {
	return m.Called(ctx, uid).Error(0)
}

func (m *mockMirror) IsOnline(ctx context.Context, uid string) (bool, error) {
	args := m.Called(ctx, uid)
	return args.Bool(0), args.Error(1)
}

func profile(t *testing.T, s docstore.Store, uid string) data.Profile {
	t.Helper()
	snap, err := s.Get(context.Background(), data.CollProfiles, uid)
	require.NoError(t, err)
	var p data.Profile
	require.NoError(t, snap.Decode(&p))
	return p
}

func TestTrackerHeartbeat(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	tr := NewTracker(store, zerolog.Nop(), WithHeartbeat(20*time.Millisecond))

	tr.Activate(ctx, "alice")
	first := profile(t, store, "alice")
	assert.True(t, first.Online)
	require.False(t, first.LastSeen.IsZero())

	require.Eventually(t, func() bool {
		return profile(t, store, "alice").LastSeen.After(first.LastSeen)
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "alice", tr.Active())

	tr.Deactivate(ctx)
	assert.False(t, profile(t, store, "alice").Online)
	assert.Empty(t, tr.Active())

	// heartbeat stopped: the offline flag is not overwritten
	time.Sleep(60 * time.Millisecond)
	assert.False(t, profile(t, store, "alice").Online)
}

func TestTrackerReactivateKeepsSingleLoop(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	tr := NewTracker(store, zerolog.Nop(), WithHeartbeat(10*time.Millisecond))

	tr.Activate(ctx, "alice")
	tr.Activate(ctx, "alice")
	tr.Activate(ctx, "bob")
	assert.Equal(t, "bob", tr.Active())

	tr.Deactivate(ctx)
	tr.Deactivate(ctx)
	assert.False(t, profile(t, store, "bob").Online)

	// the replaced loops are gone too
	time.Sleep(40 * time.Millisecond)
	assert.False(t, profile(t, store, "bob").Online)
}

func TestTrackerSwallowsPermissionDenied(t *testing.T) {
	ctx := context.Background()
	mem := docstore.NewMemory()
	current := "alice"
	store := docstore.OwnerGuard(mem, data.CollProfiles, func() string { return current })

	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.InfoLevel)
	tr := NewTracker(store, log, WithHeartbeat(time.Hour))

	tr.Activate(ctx, "alice")
	current = ""
	tr.Deactivate(ctx)

	assert.Zero(t, buf.Len(), "permission denied must not be logged: %s", buf.String())
	// the write was rejected so the stale online flag remains
	assert.True(t, profile(t, mem, "alice").Online)
}

type failingStore struct {
	docstore.Store
}

func (failingStore) Set(context.Context, string, string, map[string]any) error {
	return errors.New("network down")
}

func TestTrackerLogsOtherErrors(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracker(failingStore{docstore.NewMemory()}, zerolog.New(&buf), WithHeartbeat(time.Hour))

	tr.Activate(context.Background(), "alice")
	tr.Deactivate(context.Background())

	assert.Contains(t, buf.String(), "presence - write profile - failed")
	assert.Contains(t, buf.String(), "network down")
}

func TestTrackerMirror(t *testing.T) {
	ctx := context.Background()
	m := &mockMirror{}
	m.On("MarkOnline", mock.Anything, "alice").Return(nil).Once()
	m.On("MarkOffline", mock.Anything, "alice").Return(nil).Once()

	tr := NewTracker(docstore.NewMemory(), zerolog.Nop(), WithHeartbeat(time.Hour), WithMirror(m))
	tr.Activate(ctx, "alice")
	tr.Deactivate(ctx)

	m.AssertExpectations(t)
}

func TestTrackerStopWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	m := &mockMirror{}
	m.On("MarkOnline", mock.Anything, "alice").Return(nil).Once()

	tr := NewTracker(store, zerolog.Nop(), WithHeartbeat(time.Hour), WithMirror(m))
	tr.Activate(ctx, "alice")
	tr.Stop()
	tr.Stop()

	assert.Empty(t, tr.Active())
	// no offline write: profile and mirror keep the last online mark
	assert.True(t, profile(t, store, "alice").Online)
	m.AssertExpectations(t)
	m.AssertNotCalled(t, "MarkOffline", mock.Anything, mock.Anything)
}

func TestRedisMirror(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping integration test")
	}

	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, &config.RedisConfig{
		URL:          url,
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     2,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	defer rdb.Close()

	m := NewRedisMirror(rdb, time.Minute)
	m.key = "presence:test:" + time.Now().Format("150405.000")
	defer rdb.Del(ctx, m.key)

	require.NoError(t, m.MarkOnline(ctx, "alice"))
	online, err := m.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	// a member whose heartbeat is older than the window is pruned on the next mark
	stale := float64(time.Now().Add(-2 * time.Minute).Unix())
	require.NoError(t, rdb.ZAdd(ctx, m.key, redis.Z{Score: stale, Member: "ghost"}).Err())
	online, err = m.IsOnline(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, online)
	require.NoError(t, m.MarkOnline(ctx, "alice"))
	_, err = rdb.ZScore(ctx, m.key, "ghost").Result()
	assert.ErrorIs(t, err, redis.Nil)

	require.NoError(t, m.MarkOffline(ctx, "alice"))
	online, err = m.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}
