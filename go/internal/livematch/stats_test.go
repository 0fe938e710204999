package livematch

import (
	"math"
	"testing"
	"time"
)

func TestCalculateStats(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	state := &LiveMatchState{
		MatchID: "m1",
		Frames: []Frame{
			{
				FrameNumber:  1,
				Player1Score: 72,
				Player2Score: 31,
				Winner:       Player1,
				IsComplete:   true,
				Breaks: []FrameBreak{
					{PlayerID: "player1", BreakValue: 55},
					{PlayerID: "player2", BreakValue: 20},
				},
				Fouls: []FrameFoul{{PlayerID: "player2", Description: "miss"}},
			},
			{
				FrameNumber:  2,
				Player1Score: 10,
				Player2Score: 68,
				Winner:       Player2,
				IsComplete:   true,
				Breaks:       []FrameBreak{{PlayerID: "player2", BreakValue: 61}},
			},
			// Open frame: excluded from every aggregate.
			{
				FrameNumber:  3,
				Player1Score: 40,
				Breaks:       []FrameBreak{{PlayerID: "player1", BreakValue: 40}},
			},
		},
	}

	stats := CalculateStats(state, now)

	if stats.MatchID != "m1" || !stats.ComputedAt.Equal(now) {
		t.Errorf("header = %q at %v", stats.MatchID, stats.ComputedAt)
	}
	if stats.FramesPlayed != 2 {
		t.Fatalf("frames played = %d, want 2", stats.FramesPlayed)
	}

	p1, p2 := stats.Player1, stats.Player2
	if p1.FramesWon != 1 || p2.FramesWon != 1 {
		t.Errorf("frames won = %d/%d, want 1/1", p1.FramesWon, p2.FramesWon)
	}
	if p1.TotalScore != 82 || p2.TotalScore != 99 {
		t.Errorf("total scores = %d/%d, want 82/99", p1.TotalScore, p2.TotalScore)
	}
	if p1.AvgScore != 41 || p2.AvgScore != 49.5 {
		t.Errorf("avg scores = %v/%v, want 41/49.5", p1.AvgScore, p2.AvgScore)
	}
	if p1.BreakCount != 1 || p1.HighestBreak != 55 || p1.TotalBreakValue != 55 {
		t.Errorf("player1 breaks = %+v", p1)
	}
	if p2.BreakCount != 2 || p2.HighestBreak != 61 || p2.TotalBreakValue != 81 {
		t.Errorf("player2 breaks = %+v", p2)
	}
	if p1.FoulCount != 0 || p2.FoulCount != 1 {
		t.Errorf("foul counts = %d/%d, want 0/1", p1.FoulCount, p2.FoulCount)
	}
}

func TestCalculateStats_NoCompletedFrames(t *testing.T) {
	t.Parallel()

	state := &LiveMatchState{
		MatchID: "m1",
		Frames:  []Frame{{FrameNumber: 1, Player1Score: 30}},
	}
	stats := CalculateStats(state, time.Now())

	if stats.FramesPlayed != 0 {
		t.Errorf("frames played = %d, want 0", stats.FramesPlayed)
	}
	for side, p := range map[string]PlayerStats{"player1": stats.Player1, "player2": stats.Player2} {
		if math.IsNaN(p.AvgScore) || math.IsInf(p.AvgScore, 0) || p.AvgScore != 0 {
			t.Errorf("%s avg score = %v, want finite zero", side, p.AvgScore)
		}
	}
}
