package match

// MatchCreatedEvent is published when a match is created.
type MatchCreatedEvent = View

// MatchStartedEvent is published on WAITING -> ONGOING.
type MatchStartedEvent struct {
	ID        string `json:"id"`
	StartTime int64  `json:"startTime"`
}

// MatchEndedEvent is published on the transition to FINISHED.
type MatchEndedEvent struct {
	ID      string `json:"id"`
	EndTime int64  `json:"endTime"`
}

// PlayerJoinedEvent is published after a player is added to a roster.
type PlayerJoinedEvent struct {
	MatchPlayerInfo PlayerInfo `json:"matchPlayerInfo"`
	MatchID         string     `json:"matchId"`
}

// PlayerLeftEvent is published when a player leaves and, for every remaining
// player, when a match ends.
type PlayerLeftEvent struct {
	PlayerID string `json:"playerId"`
	MatchID  string `json:"matchId"`
}

// TapEvent carries a player's score after an accepted tap.
type TapEvent struct {
	MatchID  string `json:"matchId"`
	PlayerID string `json:"playerId"`
	Score    int64  `json:"score"`
}
