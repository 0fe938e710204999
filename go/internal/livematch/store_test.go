package livematch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/snookerhq/livesync/go/internal/docstore"
)

func testSettings() LiveMatchSettings {
	return LiveMatchSettings{
		ShotClockDuration:    60,
		ShotClockWarningTime: 15,
		BreakDuration:        300,
		MaxFramesToWin:       3,
		ShotClockEnabled:     true,
	}
}

// newTestStore seeds a permanent record for match m1 and returns the store
// plus its backing docstore.
func newTestStore(t *testing.T) (*Store, *docstore.Memory) {
	t.Helper()
	docs := docstore.NewMemory()
	rec := MatchRecord{
		MatchID:      "m1",
		TournamentID: "t1",
		Player1ID:    "alice",
		Player1Name:  "Alice",
		Player2ID:    "bob",
		Player2Name:  "Bob",
		Status:       StatusScheduled,
	}
	data, _ := json.Marshal(rec)
	if err := docs.Set(context.Background(), "matches/m1", data); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return NewStore(docs), docs
}

func mustGoLive(t *testing.T, s *Store) *LiveMatchState {
	t.Helper()
	state, err := s.MakeMatchLive(context.Background(), "m1", "keeper", testSettings())
	if err != nil {
		t.Fatalf("MakeMatchLive: %v", err)
	}
	return state
}

func intPtr(v int) *int            { return &v }
func sidePtr(s PlayerSide) *PlayerSide { return &s }
func boolPtr(b bool) *bool         { return &b }

func readRecord(t *testing.T, docs *docstore.Memory, path string) MatchRecord {
	t.Helper()
	doc, err := docs.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	var rec MatchRecord
	if err := doc.DecodeInto(&rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return rec
}

func TestMakeMatchLive(t *testing.T) {
	t.Parallel()

	s, docs := newTestStore(t)
	state := mustGoLive(t, s)

	if state.TournamentID != "t1" {
		t.Errorf("tournament id = %q, want resolved t1", state.TournamentID)
	}
	if len(state.Frames) != 1 || state.Frames[0].FrameNumber != 1 || state.Frames[0].IsComplete {
		t.Errorf("initial frames = %+v, want one open frame 1", state.Frames)
	}
	if !state.IsLive || state.CurrentFrame != 1 {
		t.Errorf("state = live:%v current:%d, want live frame 1", state.IsLive, state.CurrentFrame)
	}

	// Best-effort status bump landed on the permanent record.
	if rec := readRecord(t, docs, "matches/m1"); rec.Status != StatusInProgress {
		t.Errorf("record status = %q, want %q", rec.Status, StatusInProgress)
	}

	// Going live twice is rejected.
	var invalid *InvalidUpdateError
	if _, err := s.MakeMatchLive(context.Background(), "m1", "keeper", testSettings()); !errors.As(err, &invalid) {
		t.Errorf("second MakeMatchLive = %v, want InvalidUpdateError", err)
	}
}

func TestMakeMatchLive_MissingRecord(t *testing.T) {
	t.Parallel()

	s := NewStore(docstore.NewMemory())
	var nf *NotFoundError
	if _, err := s.MakeMatchLive(context.Background(), "ghost", "keeper", testSettings()); !errors.As(err, &nf) {
		t.Errorf("MakeMatchLive for absent record = %v, want NotFoundError", err)
	}
}

func TestMakeMatchLive_NestedRecord(t *testing.T) {
	t.Parallel()

	docs := docstore.NewMemory()
	rec := MatchRecord{MatchID: "m9", TournamentID: "t7", Player1ID: "a", Player2ID: "b"}
	data, _ := json.Marshal(rec)
	if err := docs.Set(context.Background(), "tournaments/t7/matches/m9", data); err != nil {
		t.Fatalf("seed nested record: %v", err)
	}

	s := NewStore(docs)
	state, err := s.MakeMatchLive(context.Background(), "m9", "keeper", testSettings())
	if err != nil {
		t.Fatalf("MakeMatchLive: %v", err)
	}
	if state.TournamentID != "t7" {
		t.Errorf("tournament id = %q, want t7 from nested record", state.TournamentID)
	}
}

func TestUpdateLiveScore(t *testing.T) {
	t.Parallel()

	s, docs := newTestStore(t)
	mustGoLive(t, s)

	state, err := s.UpdateLiveScore(context.Background(), "m1", FrameUpdate{
		FrameNumber:  1,
		Player1Score: intPtr(34),
		AddBreak:     &FrameBreak{PlayerID: "player1", BreakValue: 34},
	}, "keeper")
	if err != nil {
		t.Fatalf("UpdateLiveScore: %v", err)
	}

	f := state.Frames[0]
	if f.Player1Score != 34 {
		t.Errorf("player1 score = %d, want 34", f.Player1Score)
	}
	if len(f.Breaks) != 1 || f.Breaks[0].ID == "" {
		t.Errorf("breaks = %+v, want one with assigned id", f.Breaks)
	}
	if f.MaxBreak != 34 {
		t.Errorf("max break = %d, want 34", f.MaxBreak)
	}
	if state.LastUpdateBy != "keeper" {
		t.Errorf("last update by = %q", state.LastUpdateBy)
	}

	// Score decrease on an open frame is rejected.
	var invalid *InvalidUpdateError
	if _, err := s.UpdateLiveScore(context.Background(), "m1", FrameUpdate{
		FrameNumber:  1,
		Player1Score: intPtr(10),
	}, "keeper"); !errors.As(err, &invalid) {
		t.Errorf("decreasing score = %v, want InvalidUpdateError", err)
	}

	// Unknown frame number.
	var fnf *FrameNotFoundError
	if _, err := s.UpdateLiveScore(context.Background(), "m1", FrameUpdate{
		FrameNumber:  7,
		Player1Score: intPtr(1),
	}, "keeper"); !errors.As(err, &fnf) {
		t.Errorf("unknown frame = %v, want FrameNotFoundError", err)
	}

	// Break value must stay within [0, 147]; 147 is flagged as maximum.
	if _, err := s.UpdateLiveScore(context.Background(), "m1", FrameUpdate{
		FrameNumber: 1,
		AddBreak:    &FrameBreak{PlayerID: "player1", BreakValue: 148},
	}, "keeper"); !errors.As(err, &invalid) {
		t.Errorf("over-maximum break = %v, want InvalidUpdateError", err)
	}
	state, err = s.UpdateLiveScore(context.Background(), "m1", FrameUpdate{
		FrameNumber: 1,
		AddBreak:    &FrameBreak{PlayerID: "player2", BreakValue: 147},
	}, "keeper")
	if err != nil {
		t.Fatalf("maximum break: %v", err)
	}
	if b := state.Frames[0].Breaks[1]; !b.IsMaximumBreak {
		t.Errorf("147 break not flagged maximum: %+v", b)
	}

	// Completing without a winner is rejected; with one, the frame closes
	// and the aggregate win lands on the permanent record.
	if _, err := s.UpdateLiveScore(context.Background(), "m1", FrameUpdate{
		FrameNumber: 1,
		IsComplete:  boolPtr(true),
	}, "keeper"); !errors.As(err, &invalid) {
		t.Errorf("complete without winner = %v, want InvalidUpdateError", err)
	}
	state, err = s.UpdateLiveScore(context.Background(), "m1", FrameUpdate{
		FrameNumber: 1,
		Winner:      sidePtr(Player1),
		IsComplete:  boolPtr(true),
	}, "keeper")
	if err != nil {
		t.Fatalf("complete frame: %v", err)
	}
	if !state.Frames[0].IsComplete || state.Frames[0].Winner != Player1 {
		t.Errorf("frame after completion = %+v", state.Frames[0])
	}
	if rec := readRecord(t, docs, "matches/m1"); rec.Player1FrameWins != 1 {
		t.Errorf("record player1 wins = %d, want 1", rec.Player1FrameWins)
	}
}

func TestUpdateLiveScore_ConcurrentDistinctFrames(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustGoLive(t, s)

	// Open frames 2..5 by ending 1..4 alternately so neither player reaches
	// three wins (threshold from testSettings).
	winners := []PlayerSide{Player1, Player2, Player1, Player2}
	for i, w := range winners {
		if _, err := s.EndFrame(context.Background(), "m1", i+1, w, "keeper"); err != nil {
			t.Fatalf("EndFrame %d: %v", i+1, err)
		}
	}
	// Frames 1-4 complete, frame 5 open. Race concurrent score updates at
	// the open frame plus break records on each completed frame's history
	// via distinct frame targets.
	state, err := s.GetLiveMatch(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetLiveMatch: %v", err)
	}
	if state.TotalFrames != 5 {
		t.Fatalf("total frames = %d, want 5", state.TotalFrames)
	}

	var wg sync.WaitGroup
	for n := 1; n <= 5; n++ {
		wg.Add(1)
		go func(frame int) {
			defer wg.Done()
			_, err := s.UpdateLiveScore(context.Background(), "m1", FrameUpdate{
				FrameNumber: frame,
				AddFoul:     &FrameFoul{PlayerID: "player1", Description: fmt.Sprintf("foul in frame %d", frame)},
			}, "keeper")
			if err != nil {
				t.Errorf("concurrent update frame %d: %v", frame, err)
			}
		}(n)
	}
	wg.Wait()

	state, err = s.GetLiveMatch(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetLiveMatch: %v", err)
	}
	for _, f := range state.Frames {
		if len(f.Fouls) != 1 {
			t.Errorf("frame %d has %d fouls, want 1 (lost update)", f.FrameNumber, len(f.Fouls))
		}
	}
}

func TestEndFrame_IdempotentAndAggregates(t *testing.T) {
	t.Parallel()

	s, docs := newTestStore(t)
	mustGoLive(t, s)

	state, err := s.EndFrame(context.Background(), "m1", 1, Player1, "keeper")
	if err != nil {
		t.Fatalf("EndFrame: %v", err)
	}
	if !state.Frames[0].IsComplete || state.Frames[0].Winner != Player1 {
		t.Fatalf("frame 1 = %+v, want complete with player1 winner", state.Frames[0])
	}
	if state.Frames[0].EndTime == nil || state.Frames[0].DurationSec == nil {
		t.Error("complete frame missing end time or duration")
	}
	if state.CurrentFrame != 2 || state.TotalFrames != 2 {
		t.Errorf("after first win current=%d total=%d, want 2/2", state.CurrentFrame, state.TotalFrames)
	}

	// Ending the same frame again is a no-op: wins stay at 1, no extra
	// frame appended.
	state, err = s.EndFrame(context.Background(), "m1", 1, Player1, "keeper")
	if err != nil {
		t.Fatalf("repeat EndFrame: %v", err)
	}
	if wins := state.FrameWins(Player1); wins != 1 {
		t.Errorf("player1 wins after duplicate EndFrame = %d, want 1", wins)
	}
	if state.TotalFrames != 2 {
		t.Errorf("total frames after duplicate EndFrame = %d, want 2", state.TotalFrames)
	}
	if rec := readRecord(t, docs, "matches/m1"); rec.Player1FrameWins != 1 {
		t.Errorf("record player1 wins = %d, want 1", rec.Player1FrameWins)
	}
}

func TestEndFrame_StopsAtFramesToWinThreshold(t *testing.T) {
	t.Parallel()

	s, docs := newTestStore(t)
	mustGoLive(t, s)

	for frame := 1; frame <= 3; frame++ {
		if _, err := s.EndFrame(context.Background(), "m1", frame, Player1, "keeper"); err != nil {
			t.Fatalf("EndFrame %d: %v", frame, err)
		}
	}

	state, err := s.GetLiveMatch(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetLiveMatch: %v", err)
	}
	if state.TotalFrames != 3 {
		t.Errorf("frame 4 opened past the frames-to-win threshold: total = %d", state.TotalFrames)
	}
	if state.frameByNumber(4) != nil {
		t.Error("frame 4 must not exist after player1 reaches three wins")
	}
	if rec := readRecord(t, docs, "matches/m1"); rec.Player1FrameWins != 3 || rec.Player2FrameWins != 0 {
		t.Errorf("record aggregates = %d/%d, want 3/0", rec.Player1FrameWins, rec.Player2FrameWins)
	}
}

func TestPauseResumeBreakFlags(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	mustGoLive(t, s)
	ctx := context.Background()

	if err := s.PauseMatch(ctx, "m1", "table maintenance", "keeper"); err != nil {
		t.Fatalf("PauseMatch: %v", err)
	}
	if err := s.StartBreak(ctx, "m1", "keeper"); err != nil {
		t.Fatalf("StartBreak: %v", err)
	}

	state, err := s.GetLiveMatch(ctx, "m1")
	if err != nil {
		t.Fatalf("GetLiveMatch: %v", err)
	}
	// Pause and break are orthogonal; both hold at once.
	if !state.IsPaused || !state.IsOnBreak {
		t.Errorf("paused=%v break=%v, want both true", state.IsPaused, state.IsOnBreak)
	}
	if state.PauseReason != "table maintenance" {
		t.Errorf("pause reason = %q", state.PauseReason)
	}

	if err := s.ResumeMatch(ctx, "m1", "keeper"); err != nil {
		t.Fatalf("ResumeMatch: %v", err)
	}
	if err := s.EndBreak(ctx, "m1", "keeper"); err != nil {
		t.Fatalf("EndBreak: %v", err)
	}
	state, _ = s.GetLiveMatch(ctx, "m1")
	if state.IsPaused || state.IsOnBreak || state.PauseReason != "" {
		t.Errorf("flags after resume/end = %+v", state)
	}

	var nf *NotFoundError
	if err := s.PauseMatch(ctx, "nope", "x", "keeper"); !errors.As(err, &nf) {
		t.Errorf("pause of absent match = %v, want NotFoundError", err)
	}
}

func TestCompleteMatch(t *testing.T) {
	t.Parallel()

	s, docs := newTestStore(t)
	mustGoLive(t, s)
	ctx := context.Background()

	for frame := 1; frame <= 3; frame++ {
		if _, err := s.UpdateLiveScore(ctx, "m1", FrameUpdate{
			FrameNumber:  frame,
			Player1Score: intPtr(70),
			Player2Score: intPtr(20),
		}, "keeper"); err != nil {
			t.Fatalf("score frame %d: %v", frame, err)
		}
		if _, err := s.EndFrame(ctx, "m1", frame, Player1, "keeper"); err != nil {
			t.Fatalf("EndFrame %d: %v", frame, err)
		}
	}

	stats, err := s.CompleteMatch(ctx, "m1", "alice", "keeper")
	if err != nil {
		t.Fatalf("CompleteMatch: %v", err)
	}
	if stats.Player1.FramesWon != 3 || stats.FramesPlayed != 3 {
		t.Errorf("stats = %+v", stats)
	}

	rec := readRecord(t, docs, "matches/m1")
	if rec.Status != StatusCompleted || rec.WinnerID != "alice" || rec.LoserID != "bob" {
		t.Errorf("record after completion = %+v", rec)
	}
	if rec.WinnerName != "Alice" || rec.LoserName != "Bob" {
		t.Errorf("winner/loser names = %q/%q", rec.WinnerName, rec.LoserName)
	}
	if rec.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}

	// Live document retained for history, no longer live.
	state, err := s.GetLiveMatch(ctx, "m1")
	if err != nil {
		t.Fatalf("GetLiveMatch after completion: %v", err)
	}
	if state.IsLive {
		t.Error("is_live still true after completion")
	}

	// Stats snapshot written.
	if _, err := docs.Get(ctx, "live_match_stats/m1"); err != nil {
		t.Errorf("stats snapshot missing: %v", err)
	}
}

func TestCompleteMatch_FailureLeavesLiveStateUntouched(t *testing.T) {
	t.Parallel()

	s, docs := newTestStore(t)
	mustGoLive(t, s)
	ctx := context.Background()

	// An unknown winner id fails inside the transaction, after both
	// documents were read. Nothing may commit.
	var invalid *InvalidUpdateError
	if _, err := s.CompleteMatch(ctx, "m1", "intruder", "keeper"); !errors.As(err, &invalid) {
		t.Fatalf("CompleteMatch with unknown winner = %v, want InvalidUpdateError", err)
	}

	state, err := s.GetLiveMatch(ctx, "m1")
	if err != nil {
		t.Fatalf("GetLiveMatch: %v", err)
	}
	if !state.IsLive {
		t.Error("is_live flipped by failed completion")
	}
	if rec := readRecord(t, docs, "matches/m1"); rec.Status == StatusCompleted {
		t.Error("record marked completed by failed completion")
	}
	if _, err := docs.Get(ctx, "live_match_stats/m1"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("stats written by failed completion: %v", err)
	}

	// A vanished permanent record is fatal and equally commits nothing.
	if err := docs.Delete(ctx, "matches/m1"); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	var nf *NotFoundError
	if _, err := s.CompleteMatch(ctx, "m1", "alice", "keeper"); !errors.As(err, &nf) {
		t.Fatalf("CompleteMatch without record = %v, want NotFoundError", err)
	}
	state, _ = s.GetLiveMatch(ctx, "m1")
	if !state.IsLive {
		t.Error("is_live flipped when record was missing")
	}
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	var mu sync.Mutex
	var states []*LiveMatchState
	cancel, err := s.Subscribe("m1", func(state *LiveMatchState, err error) {
		if err != nil {
			t.Errorf("subscription error: %v", err)
			return
		}
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	mu.Lock()
	if len(states) != 1 || states[0] != nil {
		t.Fatalf("expected initial nil snapshot before match is live, got %v", states)
	}
	mu.Unlock()

	mustGoLive(t, s)

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 {
		t.Fatalf("expected change snapshot after go-live, got %d", len(states))
	}
	last := states[len(states)-1]
	if last == nil || !last.IsLive || last.MatchID != "m1" {
		t.Errorf("decoded snapshot = %+v", last)
	}
}
