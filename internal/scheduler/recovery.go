package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tapgoose/internal/match"
)

// RecoverOnStartup re-arms the deadlines of every cached match owned by this
// instance from the persisted deadline values. Deadlines already in the past
// fire immediately. FINISHED matches left behind by a failed persist are
// finalized again. It returns the number of matches taken care of.
func (s *Scheduler) RecoverOnStartup(ctx context.Context) (int, error) {
	var owned []*match.Match
	err := s.store.ScanMatches(ctx, func(m *match.Match) error {
		if m.OwnerServerID == s.serverID {
			owned = append(owned, m)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, m := range owned {
		if m.Status == match.StatusFinished {
			if err := s.refinalize(ctx, m.ID); err != nil {
				s.log.Warn("finalize on recovery failed", zap.String("match_id", m.ID), zap.Error(err))
			}
			continue
		}
		s.schedule(m)
	}
	s.log.Info("recovered owned matches", zap.Int("count", len(owned)))
	return len(owned), nil
}

// Sweep is one pass of the periodic ownerless-match sweep:
//   - FINISHED matches still cached past the grace period are finalized again;
//   - matches owned by this instance get their deadlines re-armed (idempotent);
//   - matches whose owner has no live heartbeat are adopted and re-armed.
func (s *Scheduler) Sweep(ctx context.Context, grace time.Duration) error {
	now := s.now()
	var candidates []*match.Match
	if err := s.store.ScanMatches(ctx, func(m *match.Match) error {
		candidates = append(candidates, m)
		return nil
	}); err != nil {
		return err
	}

	for _, m := range candidates {
		switch {
		case m.Status == match.StatusFinished:
			if m.EndTime != nil && now.Sub(time.UnixMilli(*m.EndTime)) < grace {
				continue
			}
			if err := s.refinalize(ctx, m.ID); err != nil {
				s.log.Warn("sweep finalize failed", zap.String("match_id", m.ID), zap.Error(err))
			}
		case m.OwnerServerID == s.serverID:
			s.schedule(m)
		default:
			alive, err := s.store.IsAlive(ctx, m.OwnerServerID)
			if err != nil {
				s.log.Warn("owner liveness check failed", zap.String("match_id", m.ID), zap.Error(err))
				continue
			}
			if alive {
				continue
			}
			adopted, err := s.adopt(ctx, m.ID, m.OwnerServerID)
			if err != nil {
				s.log.Warn("adopting ownerless match failed", zap.String("match_id", m.ID), zap.Error(err))
				continue
			}
			if adopted != nil {
				s.schedule(adopted)
			}
		}
	}
	return nil
}

// adopt takes ownership of matchID if it is still owned by previousOwner. It
// returns nil when another instance got there first or the match finished.
func (s *Scheduler) adopt(ctx context.Context, matchID, previousOwner string) (*match.Match, error) {
	m, err := s.store.UpdateMatch(ctx, matchID, func(m *match.Match) error {
		if m.OwnerServerID != previousOwner || m.Status == match.StatusFinished {
			return errSkip
		}
		m.OwnerServerID = s.serverID
		return nil
	})
	if errors.Is(err, errSkip) || errors.Is(err, match.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("adopted ownerless match",
		zap.String("match_id", matchID),
		zap.String("previous_owner", previousOwner),
	)
	return m, nil
}

func (s *Scheduler) refinalize(ctx context.Context, matchID string) error {
	snap, err := s.store.Snapshot(ctx, matchID)
	if errors.Is(err, match.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.Match.Status != match.StatusFinished {
		return nil
	}
	return s.finalize(ctx, snap)
}
