package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tapgoose/internal/match"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, Config{Prefix: "goose"}, zap.NewNop()), mr, rdb
}

func seedMatch(t *testing.T, s *Store, id string, maxPlayers int) *match.Match {
	t.Helper()
	m := match.New(id, "srv-a", match.Params{Title: "Goose", MaxPlayers: maxPlayers, CooldownMs: 1000, MatchDurationSeconds: 5}, time.Now())
	if err := s.CreateMatch(context.Background(), m, match.PlayerInfo{ID: "alice", Username: "Alice"}); err != nil {
		t.Fatalf("create match: %v", err)
	}
	return m
}

func TestKeysMatchID(t *testing.T) {
	k := NewKeys("")
	if id, ok := k.MatchID(k.Match("abc")); !ok || id != "abc" {
		t.Fatalf("expected abc, got %q (%v)", id, ok)
	}
	for _, key := range []string{k.Players("abc"), k.Status("abc"), "other:match:abc", k.Throttle("abc", "p")} {
		if _, ok := k.MatchID(key); ok {
			t.Fatalf("key %q should not parse as metadata key", key)
		}
	}
}

func TestCreateMatchWritesEveryKey(t *testing.T) {
	s, mr, _ := newTestStore(t)
	seedMatch(t, s, "m1", 2)

	status, err := s.GetStatus(context.Background(), "m1")
	if err != nil || status != match.StatusWaiting {
		t.Fatalf("expected WAITING, got %q (%v)", status, err)
	}
	if got := mr.HGet(s.keys.Scores("m1"), "alice"); got != "0" {
		t.Fatalf("expected creator score 0, got %q", got)
	}
	if got := mr.HGet(s.keys.Taps("m1"), "alice"); got != "0" {
		t.Fatalf("expected creator taps 0, got %q", got)
	}
	info, err := s.GetPlayer(context.Background(), "m1", "alice")
	if err != nil || info.Username != "Alice" {
		t.Fatalf("unexpected roster entry %+v (%v)", info, err)
	}
}

func TestAddPlayerGuards(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	seedMatch(t, s, "m1", 2)

	if err := s.AddPlayer(ctx, "missing", match.PlayerInfo{ID: "bob"}); !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.AddPlayer(ctx, "m1", match.PlayerInfo{ID: "alice"}); !errors.Is(err, match.ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
	if err := s.AddPlayer(ctx, "m1", match.PlayerInfo{ID: "bob"}); err != nil {
		t.Fatalf("add bob: %v", err)
	}
	if err := s.AddPlayer(ctx, "m1", match.PlayerInfo{ID: "carol"}); !errors.Is(err, match.ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if n, _ := s.CountPlayers(ctx, "m1"); n != 2 {
		t.Fatalf("roster must stay at capacity, got %d", n)
	}

	if _, err := s.UpdateMatch(ctx, "m1", func(m *match.Match) error { return m.Start(time.Now()) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := s.RemovePlayer(ctx, "m1", "bob"); err != nil {
		t.Fatalf("remove bob: %v", err)
	}
	if err := s.AddPlayer(ctx, "m1", match.PlayerInfo{ID: "dave"}); !errors.Is(err, match.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after start, got %v", err)
	}
}

func TestAddPlayerConcurrentNeverExceedsCapacity(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	seedMatch(t, s, "m1", 3)

	var wg sync.WaitGroup
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.AddPlayer(ctx, "m1", match.PlayerInfo{ID: id})
		}(id)
	}
	wg.Wait()

	if n, _ := s.CountPlayers(ctx, "m1"); n != 3 {
		t.Fatalf("expected roster of 3, got %d", n)
	}
}

func TestRemovePlayer(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()
	seedMatch(t, s, "m1", 2)

	removed, remaining, err := s.RemovePlayer(ctx, "m1", "ghost")
	if err != nil || removed || remaining != 1 {
		t.Fatalf("removing a non-member should be a no-op, got removed=%v remaining=%d err=%v", removed, remaining, err)
	}
	removed, remaining, err = s.RemovePlayer(ctx, "m1", "alice")
	if err != nil || !removed || remaining != 0 {
		t.Fatalf("expected alice removed leaving 0, got removed=%v remaining=%d err=%v", removed, remaining, err)
	}
	if mr.Exists(s.keys.Scores("m1")) {
		t.Fatalf("scores hash should be empty after last removal")
	}
}

func TestUpdateMatchBumpsVersionAndStatus(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	seedMatch(t, s, "m1", 2)

	updated, err := s.UpdateMatch(ctx, "m1", func(m *match.Match) error { return m.Start(time.Now()) })
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 1 || updated.Status != match.StatusOngoing || updated.StartTime == nil {
		t.Fatalf("unexpected updated match %+v", updated)
	}
	status, _ := s.GetStatus(ctx, "m1")
	if status != match.StatusOngoing {
		t.Fatalf("status key not mirrored, got %q", status)
	}

	_, err = s.UpdateMatch(ctx, "m1", func(m *match.Match) error { return m.Start(time.Now()) })
	if !errors.Is(err, match.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState from fn, got %v", err)
	}
	if _, err := s.UpdateMatch(ctx, "nope", func(*match.Match) error { return nil }); !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementRefusesClearedMatch(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	seedMatch(t, s, "m1", 2)

	n, err := s.IncrementTaps(ctx, "m1", "alice")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 tap, got %d (%v)", n, err)
	}
	score, err := s.IncrementScore(ctx, "m1", "alice", 10)
	if err != nil || score != 10 {
		t.Fatalf("expected score 10, got %d (%v)", score, err)
	}

	if err := s.DeleteMatch(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.IncrementScore(ctx, "m1", "alice", 1); !errors.Is(err, match.ErrMatchGone) {
		t.Fatalf("expected ErrMatchGone, got %v", err)
	}
	if ids, _ := s.MatchIDs(ctx); len(ids) != 0 {
		t.Fatalf("increment must not recreate keys, found %v", ids)
	}
}

func TestSnapshotAndScan(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	seedMatch(t, s, "m1", 2)
	seedMatch(t, s, "m2", 2)
	if err := s.AddPlayer(ctx, "m2", match.PlayerInfo{ID: "bob", Username: "Bob"}); err != nil {
		t.Fatalf("add bob: %v", err)
	}

	snap, err := s.Snapshot(ctx, "m2")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Players) != 2 || len(snap.Scores) != 2 || snap.Match.ID != "m2" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := s.Snapshot(ctx, "zzz"); !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing snapshot, got %v", err)
	}

	seen := map[string]bool{}
	if err := s.ScanMatches(ctx, func(m *match.Match) error {
		seen[m.ID] = true
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seen) != 2 || !seen["m1"] || !seen["m2"] {
		t.Fatalf("expected m1 and m2, got %v", seen)
	}

	ids, err := s.PlayerMatchIDs(ctx, "bob")
	if err != nil || len(ids) != 1 || ids[0] != "m2" {
		t.Fatalf("expected bob only in m2, got %v (%v)", ids, err)
	}
}

func TestThrottle(t *testing.T) {
	_, mr, rdb := newTestStore(t)
	ctx := context.Background()
	th := NewThrottle(rdb, Config{Prefix: "goose"}, 50*time.Millisecond)

	if err := th.Allow(ctx, "m1", "alice"); err != nil {
		t.Fatalf("first tap should pass: %v", err)
	}
	if err := th.Allow(ctx, "m1", "alice"); !errors.Is(err, match.ErrThrottled) {
		t.Fatalf("second tap should be throttled, got %v", err)
	}
	if err := th.Allow(ctx, "m1", "bob"); err != nil {
		t.Fatalf("other player must not be throttled: %v", err)
	}

	mr.FastForward(60 * time.Millisecond)
	if err := th.Allow(ctx, "m1", "alice"); err != nil {
		t.Fatalf("tap after interval should pass: %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	if alive, _ := s.IsAlive(ctx, "srv-a"); alive {
		t.Fatalf("no heartbeat written yet")
	}
	if err := s.Heartbeat(ctx, "srv-a", time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if alive, _ := s.IsAlive(ctx, "srv-a"); !alive {
		t.Fatalf("expected srv-a alive")
	}
	mr.FastForward(2 * time.Second)
	if alive, _ := s.IsAlive(ctx, "srv-a"); alive {
		t.Fatalf("heartbeat should have expired")
	}
}
