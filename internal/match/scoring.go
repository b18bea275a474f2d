package match

const (
	bonusEvery = 10
	bonusScore = 10
	tapScore   = 1
)

// ScoreDelta converts one tap into points. rawTaps is the player's raw tap
// count including this tap.
func ScoreDelta(rawTaps int64, exempt bool) int64 {
	if exempt {
		return 0
	}
	if rawTaps%bonusEvery == 0 {
		return bonusScore
	}
	return tapScore
}
