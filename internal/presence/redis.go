package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PaulBabatuyi/marketchat/internal/config"
)

const onlineKey = "presence:online"

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// RedisMirror keeps a sorted set of users scored by their last heartbeat.
// Unlike the profile flag, an entry goes stale on its own when a session
// dies without writing offline.
type RedisMirror struct {
	rdb    *redis.Client
	key    string
	window time.Duration
}

// NewRedisMirror treats users as online for window after their last heartbeat.
func NewRedisMirror(rdb *redis.Client, window time.Duration) *RedisMirror {
	return &RedisMirror{rdb: rdb, key: onlineKey, window: window}
}

// MarkOnline scores uid with the current time and drops members whose last
// heartbeat is older than the window.
func (m *RedisMirror) MarkOnline(ctx context.Context, uid string) error {
	now := time.Now()
	threshold := now.Add(-m.window).Unix()
	pipe := m.rdb.TxPipeline()
	pipe.ZAdd(ctx, m.key, redis.Z{Score: float64(now.Unix()), Member: uid})
	pipe.ZRemRangeByScore(ctx, m.key, "-inf", "("+strconv.FormatInt(threshold, 10))
	// the whole set expires if every session goes quiet
	pipe.Expire(ctx, m.key, m.window*2)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *RedisMirror) MarkOffline(ctx context.Context, uid string) error {
	return m.rdb.ZRem(ctx, m.key, uid).Err()
}

// IsOnline reports whether uid heartbeated within the window.
func (m *RedisMirror) IsOnline(ctx context.Context, uid string) (bool, error) {
	score, err := m.rdb.ZScore(ctx, m.key, uid).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return int64(score) >= time.Now().Add(-m.window).Unix(), nil
}
