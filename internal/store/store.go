package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tapgoose/internal/match"
)

const (
	defaultOpTimeout = 2 * time.Second
	maxCASAttempts   = 16
	scanBatch        = 100
)

// ErrConflict is returned when an optimistic update kept losing to
// concurrent writers.
var ErrConflict = errors.New("concurrent update conflict")

// incrIfPresent increments a hash field only while it exists, so a counter of
// a match that was cleared concurrently is never recreated. Returns -1 when
// the field is gone.
var incrIfPresent = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
end
return -1
`)

// Config captures the connection parameters for the shared cache.
type Config struct {
	Addr             string
	Username         string
	Password         string
	DB               int
	Prefix           string
	OperationTimeout time.Duration
}

// Dial connects to Redis and verifies the connection with a PING.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Store is the repository over the shared cache holding live match state. It
// applies no business rules beyond the guards that must run atomically with
// a write.
type Store struct {
	rdb     redis.UniversalClient
	keys    Keys
	timeout time.Duration
	log     *zap.Logger
}

// New wraps an established Redis client.
func New(rdb redis.UniversalClient, cfg Config, log *zap.Logger) *Store {
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		rdb:     rdb,
		keys:    NewKeys(cfg.Prefix),
		timeout: timeout,
		log:     log.Named("store"),
	}
}

// Keys exposes the key namespace in use.
func (s *Store) Keys() Keys {
	return s.keys
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// CreateMatch writes the metadata, status and the creator's roster entry in
// one transaction, replacing any leftovers under the same id.
func (s *Store) CreateMatch(ctx context.Context, m *match.Match, creator match.PlayerInfo) error {
	meta, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode match %s: %w", m.ID, err)
	}
	info, err := json.Marshal(creator)
	if err != nil {
		return fmt.Errorf("encode player %s: %w", creator.ID, err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.all(m.ID)...)
		pipe.Set(ctx, s.keys.Match(m.ID), meta, 0)
		pipe.Set(ctx, s.keys.Status(m.ID), string(m.Status), 0)
		pipe.HSet(ctx, s.keys.Players(m.ID), creator.ID, info)
		pipe.HSet(ctx, s.keys.Scores(m.ID), creator.ID, 0)
		pipe.HSet(ctx, s.keys.Taps(m.ID), creator.ID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create match %s: %w", m.ID, err)
	}
	return nil
}

// GetMatch reads the metadata of a match.
func (s *Store) GetMatch(ctx context.Context, matchID string) (*match.Match, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.readMatch(ctx, s.rdb, matchID)
}

func (s *Store) readMatch(ctx context.Context, c getter, matchID string) (*match.Match, error) {
	raw, err := c.Get(ctx, s.keys.Match(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, match.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", matchID, err)
	}
	var m match.Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode match %s: %w", matchID, err)
	}
	return &m, nil
}

// GetStatus reads the status key of a match.
func (s *Store) GetStatus(ctx context.Context, matchID string) (match.Status, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.rdb.Get(ctx, s.keys.Status(matchID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", match.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get status %s: %w", matchID, err)
	}
	status := match.Status(raw)
	if !status.Valid() {
		return "", fmt.Errorf("match %s has unknown status %q", matchID, raw)
	}
	return status, nil
}

// UpdateMatch applies fn to the metadata under optimistic concurrency
// control: the metadata key is watched and the write (metadata + status key)
// only commits if nobody changed it in between. fn may run more than once and
// must not have side effects; an error from fn aborts without writing.
func (s *Store) UpdateMatch(ctx context.Context, matchID string, fn func(m *match.Match) error) (*match.Match, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.keys.Match(matchID)
	var updated *match.Match
	txf := func(tx *redis.Tx) error {
		m, err := s.readMatch(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		m.Version++
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode match %s: %w", matchID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Set(ctx, s.keys.Status(matchID), string(m.Status), 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = m
		return nil
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debug("match update lost race, retrying", zap.String("match_id", matchID), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update match %s: %w", matchID, ErrConflict)
}

// AddPlayer inserts a roster entry with zeroed counters. Status, membership
// and capacity are re-checked inside the transaction so a join racing with
// the start transition or another join cannot slip through.
func (s *Store) AddPlayer(ctx context.Context, matchID string, info match.PlayerInfo) error {
	encoded, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode player %s: %w", info.ID, err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	playersKey := s.keys.Players(matchID)
	txf := func(tx *redis.Tx) error {
		m, err := s.readMatch(ctx, tx, matchID)
		if err != nil {
			return err
		}
		switch m.Status {
		case match.StatusOngoing:
			return match.ErrAlreadyStarted
		case match.StatusFinished:
			return match.ErrAlreadyEnded
		}
		exists, err := tx.HExists(ctx, playersKey, info.ID).Result()
		if err != nil {
			return err
		}
		if exists {
			return match.ErrAlreadyMember
		}
		count, err := tx.HLen(ctx, playersKey).Result()
		if err != nil {
			return err
		}
		if count >= int64(m.MaxPlayers) {
			return match.ErrFull
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, playersKey, info.ID, encoded)
			pipe.HSet(ctx, s.keys.Scores(matchID), info.ID, 0)
			pipe.HSet(ctx, s.keys.Taps(matchID), info.ID, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, s.keys.Match(matchID), playersKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("add player %s to %s: %w", info.ID, matchID, ErrConflict)
}

// RemovePlayer drops a player's roster entry and counters. It reports whether
// the player was removed and how many players remain. Finished matches are
// left untouched so their final scores survive until they are persisted.
func (s *Store) RemovePlayer(ctx context.Context, matchID, playerID string) (bool, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	playersKey := s.keys.Players(matchID)
	var (
		removed   bool
		remaining int64
	)
	txf := func(tx *redis.Tx) error {
		removed, remaining = false, 0
		m, err := s.readMatch(ctx, tx, matchID)
		if err != nil {
			return err
		}
		count, err := tx.HLen(ctx, playersKey).Result()
		if err != nil {
			return err
		}
		remaining = count
		if m.Status == match.StatusFinished {
			return nil
		}
		exists, err := tx.HExists(ctx, playersKey, playerID).Result()
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		var left *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, playersKey, playerID)
			pipe.HDel(ctx, s.keys.Scores(matchID), playerID)
			pipe.HDel(ctx, s.keys.Taps(matchID), playerID)
			left = pipe.HLen(ctx, playersKey)
			return nil
		})
		if err != nil {
			return err
		}
		removed = true
		remaining = left.Val()
		return nil
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, s.keys.Match(matchID), playersKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, 0, err
		}
		return removed, remaining, nil
	}
	return false, 0, fmt.Errorf("remove player %s from %s: %w", playerID, matchID, ErrConflict)
}

// IsPlayer reports whether playerID is on the roster.
func (s *Store) IsPlayer(ctx context.Context, matchID, playerID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ok, err := s.rdb.HExists(ctx, s.keys.Players(matchID), playerID).Result()
	if err != nil {
		return false, fmt.Errorf("check player %s in %s: %w", playerID, matchID, err)
	}
	return ok, nil
}

// GetPlayer returns the roster entry of a player.
func (s *Store) GetPlayer(ctx context.Context, matchID, playerID string) (match.PlayerInfo, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.rdb.HGet(ctx, s.keys.Players(matchID), playerID).Bytes()
	if errors.Is(err, redis.Nil) {
		return match.PlayerInfo{}, match.ErrPlayerNotFound
	}
	if err != nil {
		return match.PlayerInfo{}, fmt.Errorf("get player %s in %s: %w", playerID, matchID, err)
	}
	var info match.PlayerInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return match.PlayerInfo{}, fmt.Errorf("decode player %s in %s: %w", playerID, matchID, err)
	}
	return info, nil
}

// CountPlayers returns the roster size.
func (s *Store) CountPlayers(ctx context.Context, matchID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.HLen(ctx, s.keys.Players(matchID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count players in %s: %w", matchID, err)
	}
	return n, nil
}

// IncrementTaps bumps the raw tap counter and returns the new count.
func (s *Store) IncrementTaps(ctx context.Context, matchID, playerID string) (int64, error) {
	return s.incrField(ctx, s.keys.Taps(matchID), playerID, 1)
}

// IncrementScore adds delta to the player's score and returns the new score.
func (s *Store) IncrementScore(ctx context.Context, matchID, playerID string, delta int64) (int64, error) {
	return s.incrField(ctx, s.keys.Scores(matchID), playerID, delta)
}

func (s *Store) incrField(ctx context.Context, key, field string, delta int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := incrIfPresent.Run(ctx, s.rdb, []string{key}, field, delta).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment %s[%s]: %w", key, field, err)
	}
	if n < 0 {
		return 0, match.ErrMatchGone
	}
	return n, nil
}

// Snapshot reads metadata, roster and scores in one MULTI so the three are
// mutually consistent.
func (s *Store) Snapshot(ctx context.Context, matchID string) (*match.Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		metaCmd    *redis.StringCmd
		playersCmd *redis.MapStringStringCmd
		scoresCmd  *redis.MapStringStringCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		metaCmd = pipe.Get(ctx, s.keys.Match(matchID))
		playersCmd = pipe.HGetAll(ctx, s.keys.Players(matchID))
		scoresCmd = pipe.HGetAll(ctx, s.keys.Scores(matchID))
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, match.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot match %s: %w", matchID, err)
	}

	var m match.Match
	if err := json.Unmarshal([]byte(metaCmd.Val()), &m); err != nil {
		return nil, fmt.Errorf("decode match %s: %w", matchID, err)
	}
	players, err := decodePlayers(playersCmd.Val())
	if err != nil {
		return nil, fmt.Errorf("decode roster of %s: %w", matchID, err)
	}
	scores, err := decodeCounters(scoresCmd.Val())
	if err != nil {
		return nil, fmt.Errorf("decode scores of %s: %w", matchID, err)
	}
	return &match.Snapshot{Match: m, Players: players, Scores: scores}, nil
}

// GetPlayers returns the decoded roster.
func (s *Store) GetPlayers(ctx context.Context, matchID string) (map[string]match.PlayerInfo, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.rdb.HGetAll(ctx, s.keys.Players(matchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get roster of %s: %w", matchID, err)
	}
	return decodePlayers(raw)
}

// GetScores returns the visible scores.
func (s *Store) GetScores(ctx context.Context, matchID string) (map[string]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.rdb.HGetAll(ctx, s.keys.Scores(matchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get scores of %s: %w", matchID, err)
	}
	return decodeCounters(raw)
}

// DeleteMatch removes every cache entry of a match.
func (s *Store) DeleteMatch(ctx context.Context, matchID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, s.keys.all(matchID)...).Err(); err != nil {
		return fmt.Errorf("delete match %s: %w", matchID, err)
	}
	return nil
}

// MatchIDs enumerates the ids of every cached match.
func (s *Store) MatchIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, s.keys.MatchPattern(), scanBatch).Iterator()
	for iter.Next(ctx) {
		if id, ok := s.keys.MatchID(iter.Val()); ok {
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan matches: %w", err)
	}
	return ids, nil
}

// ScanMatches calls fn for the metadata of every cached match. Matches that
// vanish mid-scan or fail to decode are skipped; an error from fn stops the
// scan.
func (s *Store) ScanMatches(ctx context.Context, fn func(m *match.Match) error) error {
	ids, err := s.MatchIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		m, err := s.GetMatch(ctx, id)
		if errors.Is(err, match.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn("skipping unreadable match", zap.String("match_id", id), zap.Error(err))
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// PlayerMatchIDs returns the ids of cached matches whose roster holds playerID.
func (s *Store) PlayerMatchIDs(ctx context.Context, playerID string) ([]string, error) {
	ids, err := s.MatchIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		ok, err := s.IsPlayer(ctx, id, playerID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func decodePlayers(raw map[string]string) (map[string]match.PlayerInfo, error) {
	players := make(map[string]match.PlayerInfo, len(raw))
	for id, encoded := range raw {
		var info match.PlayerInfo
		if err := json.Unmarshal([]byte(encoded), &info); err != nil {
			return nil, fmt.Errorf("player %s: %w", id, err)
		}
		players[id] = info
	}
	return players, nil
}

func decodeCounters(raw map[string]string) (map[string]int64, error) {
	out := make(map[string]int64, len(raw))
	for id, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", id, err)
		}
		out[id] = n
	}
	return out, nil
}
