package match

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gosimple/slug"
	"golang.org/x/text/unicode/norm"
)

// Status is the lifecycle phase of a match.
type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusOngoing  Status = "ONGOING"
	StatusFinished Status = "FINISHED"
)

// Valid reports whether s is one of the known phases.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusOngoing, StatusFinished:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed. Phases only
// move forward; WAITING may jump straight to FINISHED when the roster empties.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusWaiting:
		return next == StatusOngoing || next == StatusFinished
	case StatusOngoing:
		return next == StatusFinished
	}
	return false
}

// Roles carried by player identities.
const (
	RoleUser   = "USER"
	RoleAdmin  = "ADMIN"
	RoleNikita = "NIKITA" // taps from this role never score
)

const maxTitleRunes = 120

// Match is the metadata record kept in the shared cache for a live match.
// Timestamps are unix milliseconds so the cache and bus payloads stay numeric.
type Match struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Slug                 string `json:"slug"`
	MaxPlayers           int    `json:"maxPlayers"`
	CooldownMs           int64  `json:"cooldownMs"`
	MatchDurationSeconds int64  `json:"matchDurationSeconds"`
	CreatedTime          int64  `json:"createdTime"`
	StartTime            *int64 `json:"startTime,omitempty"`
	EndTime              *int64 `json:"endTime,omitempty"`
	Status               Status `json:"status"`
	OwnerServerID        string `json:"serverId"`
	// StartDeadline and EndDeadline are the persisted transition deadlines
	// (unix ms); EndDeadline is zero until the match starts.
	StartDeadline int64 `json:"startDeadline"`
	EndDeadline   int64 `json:"endDeadline,omitempty"`
	Version       int64 `json:"version"`
}

// NextDeadline returns the deadline of the pending transition and false when
// the match has none (finished, or ongoing without a recorded end deadline).
func (m *Match) NextDeadline() (time.Time, bool) {
	switch m.Status {
	case StatusWaiting:
		return time.UnixMilli(m.StartDeadline), true
	case StatusOngoing:
		if m.EndDeadline == 0 {
			if m.StartTime == nil {
				return time.Time{}, false
			}
			return time.UnixMilli(*m.StartTime + m.MatchDurationSeconds*1000), true
		}
		return time.UnixMilli(m.EndDeadline), true
	}
	return time.Time{}, false
}

// Start moves a waiting match to ONGOING at now and records its end deadline.
func (m *Match) Start(now time.Time) error {
	if !m.Status.CanTransition(StatusOngoing) {
		return ErrInvalidState
	}
	ts := now.UnixMilli()
	m.Status = StatusOngoing
	m.StartTime = &ts
	m.EndDeadline = ts + m.MatchDurationSeconds*1000
	return nil
}

// Finish moves the match to FINISHED at now.
func (m *Match) Finish(now time.Time) error {
	if !m.Status.CanTransition(StatusFinished) {
		return ErrInvalidState
	}
	ts := now.UnixMilli()
	m.Status = StatusFinished
	m.EndTime = &ts
	return nil
}

// PlayerInfo is the display data snapshotted onto the roster at join time.
type PlayerInfo struct {
	ID        string   `json:"id"`
	Username  string   `json:"username"`
	Email     string   `json:"email,omitempty"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// HasRole reports whether the player carries role.
func (p PlayerInfo) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// BonusExempt reports whether the player's taps are worth nothing.
func (p PlayerInfo) BonusExempt() bool {
	return p.HasRole(RoleNikita)
}

// Params are the caller-supplied settings of a new match.
type Params struct {
	Title                string `json:"title"`
	MaxPlayers           int    `json:"maxPlayers"`
	CooldownMs           int64  `json:"cooldownMs"`
	MatchDurationSeconds int64  `json:"matchDurationSeconds"`
}

// Normalize trims the title and folds it to NFC.
func (p Params) Normalize() Params {
	p.Title = norm.NFC.String(strings.TrimSpace(p.Title))
	return p
}

// Validate checks the bounds of a new match.
func (p Params) Validate() error {
	switch {
	case p.Title == "":
		return invalidParams("title is required")
	case utf8.RuneCountInString(p.Title) > maxTitleRunes:
		return invalidParams("title is too long")
	case p.MaxPlayers < 1:
		return invalidParams("maxPlayers must be at least 1")
	case p.CooldownMs < 0:
		return invalidParams("cooldownMs must not be negative")
	case p.MatchDurationSeconds < 1:
		return invalidParams("matchDurationSeconds must be at least 1")
	}
	return nil
}

// New builds a WAITING match owned by serverID from validated params.
func New(id, serverID string, p Params, now time.Time) *Match {
	created := now.UnixMilli()
	return &Match{
		ID:                   id,
		Title:                p.Title,
		Slug:                 slug.Make(p.Title),
		MaxPlayers:           p.MaxPlayers,
		CooldownMs:           p.CooldownMs,
		MatchDurationSeconds: p.MatchDurationSeconds,
		CreatedTime:          created,
		Status:               StatusWaiting,
		OwnerServerID:        serverID,
		StartDeadline:        created + p.CooldownMs,
	}
}

// View is a match as shown to clients: metadata without ownership, plus the
// roster and scores.
type View struct {
	ID                   string                `json:"id"`
	Title                string                `json:"title"`
	Slug                 string                `json:"slug"`
	MaxPlayers           int                   `json:"maxPlayers"`
	CooldownMs           int64                 `json:"cooldownMs"`
	MatchDurationSeconds int64                 `json:"matchDurationSeconds"`
	CreatedTime          int64                 `json:"createdTime"`
	StartTime            *int64                `json:"startTime,omitempty"`
	EndTime              *int64                `json:"endTime,omitempty"`
	Status               Status                `json:"status"`
	Players              map[string]PlayerInfo `json:"players"`
	Scores               map[string]int64      `json:"scores"`
}

// Snapshot is a consistent read of everything cached for one match.
type Snapshot struct {
	Match   Match                 `json:"match"`
	Players map[string]PlayerInfo `json:"players"`
	Scores  map[string]int64      `json:"scores"`
}

// View converts the snapshot for client consumption.
func (s Snapshot) View() View {
	m := s.Match
	players := s.Players
	if players == nil {
		players = map[string]PlayerInfo{}
	}
	scores := s.Scores
	if scores == nil {
		scores = map[string]int64{}
	}
	return View{
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
		Players:              players,
		Scores:               scores,
	}
}

// PlayerScore is one line of a ranking.
type PlayerScore struct {
	PlayerID string `json:"playerId"`
	Username string `json:"username"`
	Score    int64  `json:"score"`
}

// Ranking orders the scored players by score, highest first, then username.
// Players that left keep their score only if it is still in Scores.
func (s Snapshot) Ranking() []PlayerScore {
	out := make([]PlayerScore, 0, len(s.Scores))
	for id, score := range s.Scores {
		out = append(out, PlayerScore{PlayerID: id, Username: s.Players[id].Username, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].PlayerID < out[j].PlayerID
	})
	return out
}
