// Package history is the durable record of finished matches: a write-once
// finalize sink backed by gorm, a read-only query side, and an optional
// object-storage archive of compressed snapshots.
package history

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"tapgoose/internal/match"
)

// Open connects to Postgres.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the history tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&FinishedMatch{}, &MatchScore{}); err != nil {
		return fmt.Errorf("migrate history tables: %w", err)
	}
	return nil
}

// Repository reads and writes finished matches.
type Repository struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewRepository wraps db.
func NewRepository(db *gorm.DB, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{db: db, log: log.Named("history")}
}

// Persist writes the match row and one score row per player in a single
// transaction. A match that is already recorded is left as is, so retries are
// safe. Failures wrap match.ErrPersistence.
func (r *Repository) Persist(ctx context.Context, snap *match.Snapshot) error {
	if snap.Match.Status != match.StatusFinished {
		return fmt.Errorf("%w: match %s is %s", match.ErrPersistence, snap.Match.ID, snap.Match.Status)
	}
	row, scores := fromSnapshot(snap)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			r.log.Debug("finished match already recorded", zap.String("match_id", row.ID))
			return nil
		}
		if len(scores) == 0 {
			return nil
		}
		return tx.Create(&scores).Error
	})
	if err != nil {
		return fmt.Errorf("%w: match %s: %w", match.ErrPersistence, row.ID, err)
	}
	return nil
}

// ListForPlayer returns the finished matches playerID scored in, most recent
// first.
func (r *Repository) ListForPlayer(ctx context.Context, playerID string) ([]Record, error) {
	var rows []FinishedMatch
	err := r.db.WithContext(ctx).
		Joins("JOIN match_scores ON match_scores.match_id = finished_matches.id").
		Where("match_scores.player_id = ? AND finished_matches.status = ?", playerID, match.StatusFinished).
		Order("finished_matches.end_time DESC").
		Preload("Scores", byScore).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list history of %s: %w", playerID, err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

// Get returns one finished match or match.ErrNotFound.
func (r *Repository) Get(ctx context.Context, matchID string) (Record, error) {
	var row FinishedMatch
	err := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", matchID, match.StatusFinished).
		Preload("Scores", byScore).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, match.ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get history of %s: %w", matchID, err)
	}
	return row.record(), nil
}

func byScore(db *gorm.DB) *gorm.DB {
	return db.Order("score DESC").Order("username ASC")
}
