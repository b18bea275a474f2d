package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tapgoose/internal/match"
)

// DefaultTapInterval is the minimum spacing between two taps of one player.
const DefaultTapInterval = 10 * time.Millisecond

// Throttle rejects taps that arrive faster than a fixed interval. A mark is
// set with SET NX PX so check-and-set is a single atomic command.
type Throttle struct {
	rdb      redis.UniversalClient
	keys     Keys
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewThrottle builds a throttle sharing the store's key namespace.
func NewThrottle(rdb redis.UniversalClient, cfg Config, interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultTapInterval
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Throttle{
		rdb:      rdb,
		keys:     NewKeys(cfg.Prefix),
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Interval returns the configured minimum tap spacing.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// Allow records a tap mark for (matchID, playerID) or fails with
// match.ErrThrottled when a younger mark exists.
func (t *Throttle) Allow(ctx context.Context, matchID, playerID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ok, err := t.rdb.SetNX(ctx, t.keys.Throttle(matchID, playerID), t.now().UnixMilli(), t.interval).Result()
	if err != nil {
		return fmt.Errorf("tap throttle %s/%s: %w", matchID, playerID, err)
	}
	if !ok {
		return match.ErrThrottled
	}
	return nil
}

// Heartbeat marks serverID alive for ttl.
func (s *Store) Heartbeat(ctx context.Context, serverID string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, s.keys.Server(serverID), time.Now().UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", serverID, err)
	}
	return nil
}

// IsAlive reports whether serverID has a live heartbeat.
func (s *Store) IsAlive(ctx context.Context, serverID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.Exists(ctx, s.keys.Server(serverID)).Result()
	if err != nil {
		return false, fmt.Errorf("check heartbeat %s: %w", serverID, err)
	}
	return n > 0, nil
}
