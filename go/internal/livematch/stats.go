package livematch

import "time"

// CalculateStats derives per-player aggregates from the completed frames of
// a match. Average denominators are floored at one so a match with no
// completed frames still yields finite values.
func CalculateStats(state *LiveMatchState, at time.Time) MatchStats {
	stats := MatchStats{
		MatchID:    state.MatchID,
		ComputedAt: at,
	}

	for _, f := range state.Frames {
		if !f.IsComplete {
			continue
		}
		stats.FramesPlayed++
		stats.Player1.TotalScore += f.Player1Score
		stats.Player2.TotalScore += f.Player2Score
		switch f.Winner {
		case Player1:
			stats.Player1.FramesWon++
		case Player2:
			stats.Player2.FramesWon++
		}
		for _, b := range f.Breaks {
			p := sideStats(&stats, b.PlayerID)
			if p == nil {
				continue
			}
			p.BreakCount++
			p.TotalBreakValue += b.BreakValue
			if b.BreakValue > p.HighestBreak {
				p.HighestBreak = b.BreakValue
			}
		}
		for _, foul := range f.Fouls {
			if p := sideStats(&stats, foul.PlayerID); p != nil {
				p.FoulCount++
			}
		}
	}

	denom := stats.FramesPlayed
	if denom < 1 {
		denom = 1
	}
	stats.Player1.AvgScore = float64(stats.Player1.TotalScore) / float64(denom)
	stats.Player2.AvgScore = float64(stats.Player2.TotalScore) / float64(denom)
	return stats
}

// sideStats maps a break/foul player id onto one of the two stat slots.
// Within live state, breaks and fouls are attributed by side identifier.
func sideStats(stats *MatchStats, playerID string) *PlayerStats {
	switch PlayerSide(playerID) {
	case Player1:
		return &stats.Player1
	case Player2:
		return &stats.Player2
	}
	return nil
}
