// Package scheduler drives the match lifecycle: creation, joins and leaves,
// the two deadline transitions and the tap path. Each instance arms timers
// only for matches it owns; shared state lives in the cache and every change
// is announced on the event bus.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tapgoose/internal/bus"
	"tapgoose/internal/match"
)

const defaultTransitionTimeout = 5 * time.Second

// errSkip aborts an optimistic update whose precondition no longer holds.
var errSkip = errors.New("transition not applicable")

// MatchStore is the slice of the cache repository the scheduler needs.
type MatchStore interface {
	CreateMatch(ctx context.Context, m *match.Match, creator match.PlayerInfo) error
	GetMatch(ctx context.Context, matchID string) (*match.Match, error)
	GetStatus(ctx context.Context, matchID string) (match.Status, error)
	UpdateMatch(ctx context.Context, matchID string, fn func(m *match.Match) error) (*match.Match, error)
	AddPlayer(ctx context.Context, matchID string, info match.PlayerInfo) error
	RemovePlayer(ctx context.Context, matchID, playerID string) (bool, int64, error)
	IsPlayer(ctx context.Context, matchID, playerID string) (bool, error)
	IncrementTaps(ctx context.Context, matchID, playerID string) (int64, error)
	IncrementScore(ctx context.Context, matchID, playerID string, delta int64) (int64, error)
	Snapshot(ctx context.Context, matchID string) (*match.Snapshot, error)
	DeleteMatch(ctx context.Context, matchID string) error
	ScanMatches(ctx context.Context, fn func(m *match.Match) error) error
	PlayerMatchIDs(ctx context.Context, playerID string) ([]string, error)
	Heartbeat(ctx context.Context, serverID string, ttl time.Duration) error
	IsAlive(ctx context.Context, serverID string) (bool, error)
}

// TapLimiter rejects taps that arrive too fast.
type TapLimiter interface {
	Allow(ctx context.Context, matchID, playerID string) error
}

// Publisher announces events to every instance.
type Publisher interface {
	Publish(ctx context.Context, channel string, v any) error
}

// HistoryWriter persists a finished match atomically.
type HistoryWriter interface {
	Persist(ctx context.Context, snap *match.Snapshot) error
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithServerID sets the identity recorded as owner of created matches.
func WithServerID(id string) Option {
	return func(s *Scheduler) {
		if id != "" {
			s.serverID = id
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTransitionTimeout bounds each timer-driven transition.
func WithTransitionTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.transitionTimeout = d
		}
	}
}

// Scheduler is the per-process lifecycle coordinator.
type Scheduler struct {
	store    MatchStore
	throttle TapLimiter
	pub      Publisher
	history  HistoryWriter

	serverID          string
	now               func() time.Time
	log               *zap.Logger
	transitionTimeout time.Duration
	deadlines         *deadlines
	newID             func() string
}

// New builds a Scheduler. Call Close on shutdown to stop pending timers.
func New(store MatchStore, throttle TapLimiter, pub Publisher, history HistoryWriter, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:             store,
		throttle:          throttle,
		pub:               pub,
		history:           history,
		serverID:          uuid.NewString(),
		now:               time.Now,
		log:               zap.NewNop(),
		transitionTimeout: defaultTransitionTimeout,
		newID:             uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("scheduler").With(zap.String("server_id", s.serverID))
	s.deadlines = newDeadlines(s.now, s.log)
	return s
}

// ServerID returns the owner identity of this instance.
func (s *Scheduler) ServerID() string {
	return s.serverID
}

// Close stops every pending deadline and waits for running transitions.
func (s *Scheduler) Close() {
	s.deadlines.close()
}

// CreateMatch validates params, stores a WAITING match owned by this instance
// with the creator as first player, announces it and arms the start deadline.
func (s *Scheduler) CreateMatch(ctx context.Context, creator match.PlayerInfo, params match.Params) (string, error) {
	params = params.Normalize()
	if err := params.Validate(); err != nil {
		return "", err
	}

	m := match.New(s.newID(), s.serverID, params, s.now())
	if err := s.store.CreateMatch(ctx, m, creator); err != nil {
		return "", err
	}
	s.log.Info("match created",
		zap.String("match_id", m.ID),
		zap.String("player_id", creator.ID),
		zap.Int("max_players", m.MaxPlayers),
	)

	s.armStart(m)

	snap := match.Snapshot{
		Match:   *m,
		Players: map[string]match.PlayerInfo{creator.ID: creator},
		Scores:  map[string]int64{creator.ID: 0},
	}
	created := snap.View()
	if err := s.pub.Publish(ctx, bus.ChannelMatchCreated, created); err != nil {
		return m.ID, err
	}
	return m.ID, nil
}

// AddPlayer puts player on the roster of a WAITING match. A player already on
// the roster yields match.ErrAlreadyMember, which callers may treat as success.
func (s *Scheduler) AddPlayer(ctx context.Context, matchID string, player match.PlayerInfo) error {
	if err := s.store.AddPlayer(ctx, matchID, player); err != nil {
		s.log.Debug("join rejected", zap.String("match_id", matchID), zap.String("player_id", player.ID), zap.Error(err))
		return err
	}
	return s.pub.Publish(ctx, bus.ChannelUserJoined, match.PlayerJoinedEvent{
		MatchPlayerInfo: player,
		MatchID:         matchID,
	})
}

// RemovePlayer takes playerID off the roster. Removing a non-member is a
// no-op; removing the last member ends the match at once.
func (s *Scheduler) RemovePlayer(ctx context.Context, matchID, playerID string) error {
	removed, remaining, err := s.store.RemovePlayer(ctx, matchID, playerID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	if err := s.pub.Publish(ctx, bus.ChannelUserLeft, match.PlayerLeftEvent{PlayerID: playerID, MatchID: matchID}); err != nil {
		s.log.Warn("publish player left failed", zap.String("match_id", matchID), zap.Error(err))
	}
	if remaining == 0 {
		s.log.Info("roster empty, ending match", zap.String("match_id", matchID))
		return s.EndMatch(ctx, matchID)
	}
	return nil
}

// StartMatch moves a WAITING match to ONGOING, announces it and arms the end
// deadline. Any other status makes it a no-op.
func (s *Scheduler) StartMatch(ctx context.Context, matchID string) error {
	now := s.now()
	m, err := s.store.UpdateMatch(ctx, matchID, func(m *match.Match) error {
		if m.Status != match.StatusWaiting {
			return errSkip
		}
		return m.Start(now)
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}

	s.log.Info("match started", zap.String("match_id", matchID))
	if err := s.pub.Publish(ctx, bus.ChannelMatchStarted, match.MatchStartedEvent{ID: m.ID, StartTime: *m.StartTime}); err != nil {
		s.log.Warn("publish match started failed", zap.String("match_id", matchID), zap.Error(err))
	}
	s.armEnd(m)
	return nil
}

// EndMatch moves the match to FINISHED, announces the end and a leave for
// every remaining player, persists the result and clears the cache. Only the
// caller that wins the transition does this; a FINISHED match is a no-op.
// When persistence fails the cache is kept so the sweep can retry.
func (s *Scheduler) EndMatch(ctx context.Context, matchID string) error {
	now := s.now()
	m, err := s.store.UpdateMatch(ctx, matchID, func(m *match.Match) error {
		if m.Status == match.StatusFinished {
			return errSkip
		}
		return m.Finish(now)
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}

	s.log.Info("match ended", zap.String("match_id", matchID))
	if err := s.pub.Publish(ctx, bus.ChannelMatchEnded, match.MatchEndedEvent{ID: m.ID, EndTime: *m.EndTime}); err != nil {
		s.log.Warn("publish match ended failed", zap.String("match_id", matchID), zap.Error(err))
	}

	snap, err := s.store.Snapshot(ctx, matchID)
	if err != nil {
		return fmt.Errorf("snapshot finished match %s: %w", matchID, err)
	}
	for playerID := range snap.Players {
		if err := s.pub.Publish(ctx, bus.ChannelUserLeft, match.PlayerLeftEvent{PlayerID: playerID, MatchID: matchID}); err != nil {
			s.log.Warn("publish player left failed", zap.String("match_id", matchID), zap.String("player_id", playerID), zap.Error(err))
		}
	}
	return s.finalize(ctx, snap)
}

// finalize hands a FINISHED snapshot to the history writer and, on success,
// removes the match from the cache.
func (s *Scheduler) finalize(ctx context.Context, snap *match.Snapshot) error {
	matchID := snap.Match.ID
	if err := s.history.Persist(ctx, snap); err != nil {
		s.log.Error("persisting finished match failed, keeping cache for retry",
			zap.String("match_id", matchID), zap.Error(err))
		if !errors.Is(err, match.ErrPersistence) {
			err = fmt.Errorf("%w: %w", match.ErrPersistence, err)
		}
		return err
	}
	if err := s.store.DeleteMatch(ctx, matchID); err != nil {
		return err
	}
	s.deadlines.forget(matchID)
	s.log.Debug("match finalized", zap.String("match_id", matchID), zap.Int("players", len(snap.Scores)))
	return nil
}

func (s *Scheduler) armStart(m *match.Match) {
	matchID := m.ID
	s.deadlines.arm(matchID, phaseStart, time.UnixMilli(m.StartDeadline), func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.transitionTimeout)
		defer cancel()
		if err := s.StartMatch(ctx, matchID); err != nil {
			s.transitionFailed(phaseStart, matchID, err)
		}
	})
}

func (s *Scheduler) armEnd(m *match.Match) {
	at, ok := m.NextDeadline()
	if !ok || m.Status != match.StatusOngoing {
		return
	}
	matchID := m.ID
	s.deadlines.arm(matchID, phaseEnd, at, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.transitionTimeout)
		defer cancel()
		if err := s.EndMatch(ctx, matchID); err != nil {
			s.transitionFailed(phaseEnd, matchID, err)
		}
	})
}

// schedule arms whichever deadline the match is waiting for.
func (s *Scheduler) schedule(m *match.Match) {
	switch m.Status {
	case match.StatusWaiting:
		s.armStart(m)
	case match.StatusOngoing:
		s.armEnd(m)
	}
}

func (s *Scheduler) transitionFailed(p phase, matchID string, err error) {
	if errors.Is(err, match.ErrNotFound) {
		s.log.Debug("transition target gone", zap.String("phase", string(p)), zap.String("match_id", matchID))
		return
	}
	s.log.Error("transition failed", zap.String("phase", string(p)), zap.String("match_id", matchID), zap.Error(err))
	if !errors.Is(err, match.ErrPersistence) {
		s.deadlines.release(matchID, p)
	}
}
