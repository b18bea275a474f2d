package history

import (
	"tapgoose/internal/match"
)

// FinishedMatch is the durable record of a match that reached FINISHED.
type FinishedMatch struct {
	ID                   string       `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title                string       `gorm:"not null" json:"title"`
	Slug                 string       `gorm:"index" json:"slug"`
	MaxPlayers           int          `gorm:"not null" json:"maxPlayers"`
	CooldownMs           int64        `gorm:"not null" json:"cooldownMs"`
	MatchDurationSeconds int64        `gorm:"not null" json:"matchDurationSeconds"`
	CreatedTime          int64        `gorm:"not null" json:"createdTime"`
	StartTime            *int64       `json:"startTime,omitempty"`
	EndTime              *int64       `gorm:"index" json:"endTime,omitempty"`
	Status               match.Status `gorm:"type:varchar(16);index;not null" json:"status"`
	OwnerServerID        string       `gorm:"type:varchar(128)" json:"serverId"`
	Scores               []MatchScore `gorm:"foreignKey:MatchID;constraint:OnDelete:CASCADE" json:"-"`
}

// MatchScore is the final score of one player in a finished match.
type MatchScore struct {
	MatchID  string `gorm:"primaryKey;type:varchar(64)"`
	PlayerID string `gorm:"primaryKey;type:varchar(128);index"`
	Username string
	Score    int64 `gorm:"not null"`
}

// Record is a finished match as exposed by the read side.
type Record struct {
	ID                   string              `json:"id"`
	Title                string              `json:"title"`
	Slug                 string              `json:"slug"`
	MaxPlayers           int                 `json:"maxPlayers"`
	CooldownMs           int64               `json:"cooldownMs"`
	MatchDurationSeconds int64               `json:"matchDurationSeconds"`
	CreatedTime          int64               `json:"createdTime"`
	StartTime            *int64              `json:"startTime,omitempty"`
	EndTime              *int64              `json:"endTime,omitempty"`
	Status               match.Status        `json:"status"`
	Players              []match.PlayerScore `json:"players"`
}

func fromSnapshot(snap *match.Snapshot) (FinishedMatch, []MatchScore) {
	m := snap.Match
	row := FinishedMatch{
		ID:                   m.ID,
		Title:                m.Title,
		Slug:                 m.Slug,
		MaxPlayers:           m.MaxPlayers,
		CooldownMs:           m.CooldownMs,
		MatchDurationSeconds: m.MatchDurationSeconds,
		CreatedTime:          m.CreatedTime,
		StartTime:            m.StartTime,
		EndTime:              m.EndTime,
		Status:               m.Status,
		OwnerServerID:        m.OwnerServerID,
	}
	ranking := snap.Ranking()
	scores := make([]MatchScore, 0, len(ranking))
	for _, ps := range ranking {
		scores = append(scores, MatchScore{
			MatchID:  m.ID,
			PlayerID: ps.PlayerID,
			Username: ps.Username,
			Score:    ps.Score,
		})
	}
	return row, scores
}

func (f FinishedMatch) record() Record {
	players := make([]match.PlayerScore, 0, len(f.Scores))
	for _, s := range f.Scores {
		players = append(players, match.PlayerScore{PlayerID: s.PlayerID, Username: s.Username, Score: s.Score})
	}
	return Record{
		ID:                   f.ID,
		Title:                f.Title,
		Slug:                 f.Slug,
		MaxPlayers:           f.MaxPlayers,
		CooldownMs:           f.CooldownMs,
		MatchDurationSeconds: f.MatchDurationSeconds,
		CreatedTime:          f.CreatedTime,
		StartTime:            f.StartTime,
		EndTime:              f.EndTime,
		Status:               f.Status,
		Players:              players,
	}
}
