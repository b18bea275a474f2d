package scheduler

import (
	"context"
	"errors"
	"sort"

	"tapgoose/internal/match"
)

// AvailableMatches lists WAITING matches plus the ONGOING ones playerID is
// playing in, oldest first.
func (s *Scheduler) AvailableMatches(ctx context.Context, playerID string) ([]match.View, error) {
	var ids []string
	if err := s.store.ScanMatches(ctx, func(m *match.Match) error {
		if m.Status != match.StatusFinished {
			ids = append(ids, m.ID)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	views := make([]match.View, 0, len(ids))
	for _, id := range ids {
		snap, err := s.store.Snapshot(ctx, id)
		if errors.Is(err, match.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		switch snap.Match.Status {
		case match.StatusWaiting:
		case match.StatusOngoing:
			if _, ok := snap.Players[playerID]; !ok {
				continue
			}
		default:
			continue
		}
		views = append(views, snap.View())
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedTime != views[j].CreatedTime {
			return views[i].CreatedTime < views[j].CreatedTime
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

// PlayerMatchIDs returns the cached matches playerID is on the roster of.
func (s *Scheduler) PlayerMatchIDs(ctx context.Context, playerID string) ([]string, error) {
	return s.store.PlayerMatchIDs(ctx, playerID)
}

// ActiveMatch returns the view of matchID if playerID is on its roster, and
// match.ErrNotFound otherwise.
func (s *Scheduler) ActiveMatch(ctx context.Context, playerID, matchID string) (match.View, error) {
	snap, err := s.store.Snapshot(ctx, matchID)
	if err != nil {
		return match.View{}, err
	}
	if _, ok := snap.Players[playerID]; !ok {
		return match.View{}, match.ErrNotFound
	}
	return snap.View(), nil
}
