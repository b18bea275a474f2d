package store

import "strings"

const defaultPrefix = "goose"

// Keys builds the cache key namespace for matches, throttle marks and server
// heartbeats.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder rooted at prefix ("goose" when empty).
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return Keys{prefix: prefix}
}

func (k Keys) matchPrefix() string {
	return k.prefix + ":match:"
}

// Match is the metadata key of a match.
func (k Keys) Match(matchID string) string {
	return k.matchPrefix() + matchID
}

// Players is the roster hash (playerId -> PlayerInfo JSON).
func (k Keys) Players(matchID string) string {
	return k.Match(matchID) + ":players"
}

// Scores is the visible score hash.
func (k Keys) Scores(matchID string) string {
	return k.Match(matchID) + ":scores"
}

// Taps is the raw tap counter hash.
func (k Keys) Taps(matchID string) string {
	return k.Match(matchID) + ":taps"
}

// Status mirrors the metadata status for cheap reads.
func (k Keys) Status(matchID string) string {
	return k.Match(matchID) + ":status"
}

// Throttle is the short-lived tap mark of one player in one match.
func (k Keys) Throttle(matchID, playerID string) string {
	return k.prefix + "-tap-throttle:" + matchID + ":" + playerID
}

// Server is the liveness heartbeat of a server instance.
func (k Keys) Server(serverID string) string {
	return k.prefix + ":server:" + serverID
}

// MatchPattern matches metadata keys and their sub-keys; use MatchID to tell
// them apart.
func (k Keys) MatchPattern() string {
	return k.matchPrefix() + "*"
}

// MatchID extracts the match id from a metadata key. Sub-keys (roster,
// scores, ...) are rejected.
func (k Keys) MatchID(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, k.matchPrefix())
	if !ok || id == "" || strings.Contains(id, ":") {
		return "", false
	}
	return id, true
}

func (k Keys) all(matchID string) []string {
	return []string{
		k.Match(matchID),
		k.Status(matchID),
		k.Players(matchID),
		k.Scores(matchID),
		k.Taps(matchID),
	}
}
