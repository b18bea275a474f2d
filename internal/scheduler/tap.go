package scheduler

import (
	"context"
	"fmt"

	"tapgoose/internal/bus"
	"tapgoose/internal/match"
)

// Tap scores one tap of player in an ONGOING match and announces the new
// score. It does not go through the state machine, so the match may finish
// or vanish mid-way; missing counters surface as match.ErrMatchGone.
func (s *Scheduler) Tap(ctx context.Context, matchID string, player match.PlayerInfo) (int64, error) {
	if err := s.throttle.Allow(ctx, matchID, player.ID); err != nil {
		return 0, err
	}

	status, err := s.store.GetStatus(ctx, matchID)
	if err != nil {
		return 0, err
	}
	switch status {
	case match.StatusOngoing:
	case match.StatusWaiting:
		return 0, match.ErrNotStarted
	case match.StatusFinished:
		return 0, match.ErrEnded
	default:
		return 0, fmt.Errorf("tap on match %s with status %q: %w", matchID, status, match.ErrInvalidState)
	}

	member, err := s.store.IsPlayer(ctx, matchID, player.ID)
	if err != nil {
		return 0, err
	}
	if !member {
		return 0, match.ErrPlayerNotFound
	}

	raw, err := s.store.IncrementTaps(ctx, matchID, player.ID)
	if err != nil {
		return 0, err
	}
	delta := match.ScoreDelta(raw, player.BonusExempt())
	score, err := s.store.IncrementScore(ctx, matchID, player.ID, delta)
	if err != nil {
		return 0, err
	}

	if err := s.pub.Publish(ctx, bus.ChannelTap, match.TapEvent{MatchID: matchID, PlayerID: player.ID, Score: score}); err != nil {
		return score, err
	}
	return score, nil
}
