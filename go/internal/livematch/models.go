package livematch

import (
	"time"
)

// PlayerSide identifies which side of a match a frame outcome belongs to.
type PlayerSide string

const (
	PlayerNone PlayerSide = ""
	Player1    PlayerSide = "player1"
	Player2    PlayerSide = "player2"
)

// MaximumBreakValue is the highest possible break in a frame.
const MaximumBreakValue = 147

// LiveMatchSettings is the immutable settings snapshot captured when a match
// goes live. Later changes to global defaults do not affect a running match.
type LiveMatchSettings struct {
	ShotClockDuration    int  `json:"shot_clock_duration"`
	ShotClockWarningTime int  `json:"shot_clock_warning_time"`
	BreakDuration        int  `json:"break_duration"`
	MaxFramesToWin       int  `json:"max_frames_to_win"`
	ShotClockEnabled     bool `json:"shot_clock_enabled"`
	BreakTimerEnabled    bool `json:"break_timer_enabled"`
}

// FrameBreak is a recorded scoring run within a frame. PlayerID is the side
// identifier ("player1"/"player2"), matching how the scorekeeper attributes
// runs in live play.
type FrameBreak struct {
	ID             string `json:"id"`
	PlayerID       string `json:"player_id"`
	BreakValue     int    `json:"break_value"`
	PotSequence    []int  `json:"pot_sequence,omitempty"`
	IsMaximumBreak bool   `json:"is_maximum_break"`
}

// FrameFoul is a recorded foul within a frame.
type FrameFoul struct {
	ID          string `json:"id"`
	PlayerID    string `json:"player_id"`
	Description string `json:"description"`
}

// Frame is one rack within a match. FrameNumber is 1-based and equals its
// index in the frame list plus one. A complete frame always has a winner,
// end time, and duration.
type Frame struct {
	FrameNumber  int          `json:"frame_number"`
	Player1Score int          `json:"player1_score"`
	Player2Score int          `json:"player2_score"`
	Winner       PlayerSide   `json:"winner"`
	IsComplete   bool         `json:"is_complete"`
	StartTime    time.Time    `json:"start_time"`
	EndTime      *time.Time   `json:"end_time,omitempty"`
	DurationSec  *int         `json:"duration_sec,omitempty"`
	Breaks       []FrameBreak `json:"breaks,omitempty"`
	Fouls        []FrameFoul  `json:"fouls,omitempty"`
	MaxBreak     int          `json:"max_break"`
}

// LiveMatchState is the authoritative working record for an in-progress
// match. The shot/match/break second counts mirror the timer engine for
// persistence and recovery; local ticking elsewhere is a display cache.
type LiveMatchState struct {
	MatchID      string  `json:"match_id"`
	TournamentID string  `json:"tournament_id"`
	Frames       []Frame `json:"frames"`
	CurrentFrame int     `json:"current_frame"`
	TotalFrames  int     `json:"total_frames"`

	ShotClock  int `json:"shot_clock"`
	MatchTimer int `json:"match_timer"`
	BreakTimer int `json:"break_timer"`

	IsOnBreak   bool   `json:"is_on_break"`
	IsPaused    bool   `json:"is_paused"`
	PauseReason string `json:"pause_reason,omitempty"`

	LastUpdateTime time.Time `json:"last_update_time"`
	LastUpdateBy   string    `json:"last_update_by"`

	ScorekeeperID  string `json:"scorekeeper_id"`
	SpectatorCount int    `json:"spectator_count"`
	IsLive         bool   `json:"is_live"`

	Settings LiveMatchSettings `json:"settings"`
}

// FrameWins counts completed frames won by side.
func (s *LiveMatchState) FrameWins(side PlayerSide) int {
	n := 0
	for _, f := range s.Frames {
		if f.IsComplete && f.Winner == side {
			n++
		}
	}
	return n
}

// frameByNumber returns a pointer into Frames, or nil.
func (s *LiveMatchState) frameByNumber(n int) *Frame {
	for i := range s.Frames {
		if s.Frames[i].FrameNumber == n {
			return &s.Frames[i]
		}
	}
	return nil
}

// MatchRecord is the permanent match document kept in lock-step with the
// live state during transactional updates. It may live in the top-level
// matches collection or nested under its tournament.
type MatchRecord struct {
	MatchID      string `json:"match_id"`
	TournamentID string `json:"tournament_id"`

	Player1ID   string `json:"player1_id"`
	Player1Name string `json:"player1_name"`
	Player2ID   string `json:"player2_id"`
	Player2Name string `json:"player2_name"`

	Status           string `json:"status"`
	Player1FrameWins int    `json:"player1_frame_wins"`
	Player2FrameWins int    `json:"player2_frame_wins"`

	WinnerID    string     `json:"winner_id,omitempty"`
	WinnerName  string     `json:"winner_name,omitempty"`
	LoserID     string     `json:"loser_id,omitempty"`
	LoserName   string     `json:"loser_name,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Match record statuses.
const (
	StatusScheduled  = "scheduled"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// FrameUpdate is a partial mutation of a single frame. Nil fields are left
// untouched; AddBreak and AddFoul append.
type FrameUpdate struct {
	FrameNumber  int
	Player1Score *int
	Player2Score *int
	Winner       *PlayerSide
	IsComplete   *bool
	AddBreak     *FrameBreak
	AddFoul      *FrameFoul
}

// LiveMatchEvent is an immutable audit-log entry. Writes are best-effort and
// never fail the primary operation.
type LiveMatchEvent struct {
	ID          string         `json:"id"`
	MatchID     string         `json:"match_id"`
	Type        string         `json:"type"`
	FrameNumber int            `json:"frame_number,omitempty"`
	PlayerID    string         `json:"player_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	TriggeredBy string         `json:"triggered_by"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Audit event types.
const (
	EventMatchWentLive  = "match_went_live"
	EventScoreUpdated   = "score_updated"
	EventFrameEnded     = "frame_ended"
	EventMatchPaused    = "match_paused"
	EventMatchResumed   = "match_resumed"
	EventBreakStarted   = "break_started"
	EventBreakEnded     = "break_ended"
	EventMatchCompleted = "match_completed"
	EventTimer          = "timer_event"
)

// PlayerStats are per-player aggregates over completed frames.
type PlayerStats struct {
	FramesWon       int     `json:"frames_won"`
	TotalScore      int     `json:"total_score"`
	AvgScore        float64 `json:"avg_score"`
	BreakCount      int     `json:"break_count"`
	HighestBreak    int     `json:"highest_break"`
	TotalBreakValue int     `json:"total_break_value"`
	FoulCount       int     `json:"foul_count"`
}

// MatchStats is the snapshot written alongside match completion.
type MatchStats struct {
	MatchID      string      `json:"match_id"`
	FramesPlayed int         `json:"frames_played"`
	Player1      PlayerStats `json:"player1"`
	Player2      PlayerStats `json:"player2"`
	ComputedAt   time.Time   `json:"computed_at"`
}
