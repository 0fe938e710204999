// Package livematch is the authoritative store for in-progress match state:
// transactional score/frame mutations kept in lock-step with the permanent
// match record, snapshot subscriptions, a best-effort audit log, and derived
// statistics.
package livematch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/snookerhq/livesync/go/internal/docstore"
)

// Document collections.
const (
	liveMatchCollection = "live_matches"
	matchCollection     = "matches"
	statsCollection     = "live_match_stats"
	eventCollection     = "live_match_events"
)

func liveMatchPath(matchID string) string { return liveMatchCollection + "/" + matchID }
func matchPath(matchID string) string     { return matchCollection + "/" + matchID }
func statsPath(matchID string) string     { return statsCollection + "/" + matchID }
func eventPath(eventID string) string     { return eventCollection + "/" + eventID }

// Store performs transactional read-modify-write of LiveMatchState against a
// document store. Writes to a match's live state and the aggregate push to
// its permanent record commit atomically or not at all.
type Store struct {
	docs  docstore.Store
	clock clockwork.Clock
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock substitutes the wall clock for tests.
func WithClock(c clockwork.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// NewStore creates a live-match store over docs.
func NewStore(docs docstore.Store, opts ...StoreOption) *Store {
	s := &Store{
		docs:  docs,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MakeMatchLive creates the live working state for a match: frame 1 open,
// settings snapshot captured, tournament id resolved from the permanent
// record. The permanent record's status bump to in-progress is best-effort;
// the live state is authoritative for scoring and the record catches up on
// completion.
func (s *Store) MakeMatchLive(ctx context.Context, matchID, actorID string, settings LiveMatchSettings) (*LiveMatchState, error) {
	if existing, err := s.GetLiveMatch(ctx, matchID); err == nil && existing.IsLive {
		return nil, &InvalidUpdateError{Reason: fmt.Sprintf("match %s is already live", matchID)}
	}

	rec, recordPath, err := s.findRecord(ctx, matchID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	state := &LiveMatchState{
		MatchID:      matchID,
		TournamentID: rec.TournamentID,
		Frames: []Frame{{
			FrameNumber: 1,
			StartTime:   now,
		}},
		CurrentFrame:   1,
		TotalFrames:    1,
		LastUpdateTime: now,
		LastUpdateBy:   actorID,
		ScorekeeperID:  actorID,
		IsLive:         true,
		Settings:       settings,
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode live state: %w", err)
	}
	if err := s.docs.Set(ctx, liveMatchPath(matchID), data); err != nil {
		return nil, fmt.Errorf("failed to write live state: %w", err)
	}

	statusUpdate, _ := json.Marshal(map[string]any{"status": StatusInProgress})
	if err := s.docs.Update(ctx, recordPath, statusUpdate); err != nil {
		log.Error().Err(err).Str("match_id", matchID).Msg("failed to bump match record status")
	}

	s.appendEvent(ctx, LiveMatchEvent{
		MatchID:     matchID,
		Type:        EventMatchWentLive,
		TriggeredBy: actorID,
	})

	log.Info().
		Str("match_id", matchID).
		Str("tournament_id", rec.TournamentID).
		Str("scorekeeper", actorID).
		Msg("match is live")
	return state, nil
}

// GetLiveMatch fetches the current live state for a match.
func (s *Store) GetLiveMatch(ctx context.Context, matchID string) (*LiveMatchState, error) {
	doc, err := s.docs.Get(ctx, liveMatchPath(matchID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, &NotFoundError{Kind: "live match", ID: matchID}
		}
		return nil, err
	}
	var state LiveMatchState
	if err := doc.DecodeInto(&state); err != nil {
		return nil, err
	}
	return &state, nil
}

// UpdateLiveScore applies a partial frame update inside a single transaction
// that also pushes refreshed frame-win aggregates to the permanent record.
// Concurrent updates to different frames re-read the full frame list, so
// none are lost.
func (s *Store) UpdateLiveScore(ctx context.Context, matchID string, update FrameUpdate, actorID string) (*LiveMatchState, error) {
	recordPath, err := s.findRecordPath(ctx, matchID)
	if err != nil {
		return nil, err
	}

	var result *LiveMatchState
	var audit map[string]any
	err = s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
		state, err := s.getLiveTx(tx, matchID)
		if err != nil {
			return err
		}
		frame := state.frameByNumber(update.FrameNumber)
		if frame == nil {
			return &FrameNotFoundError{MatchID: matchID, FrameNumber: update.FrameNumber}
		}

		before := *frame
		if err := applyFrameUpdate(frame, update, s.clock.Now()); err != nil {
			return err
		}

		now := s.clock.Now()
		state.LastUpdateTime = now
		state.LastUpdateBy = actorID

		if err := writeLiveTx(tx, state); err != nil {
			return err
		}
		if err := pushAggregatesTx(tx, recordPath, state); err != nil {
			return err
		}

		audit = map[string]any{
			"previous_player1_score": before.Player1Score,
			"previous_player2_score": before.Player2Score,
			"player1_score":          frame.Player1Score,
			"player2_score":          frame.Player2Score,
		}
		result = state
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.appendEvent(ctx, LiveMatchEvent{
		MatchID:     matchID,
		Type:        EventScoreUpdated,
		FrameNumber: update.FrameNumber,
		Data:        audit,
		TriggeredBy: actorID,
	})
	return result, nil
}

// applyFrameUpdate mutates frame in place per the partial update. Scores on
// an open frame are monotonically non-decreasing; a frame completes at most
// once, with a winner.
func applyFrameUpdate(frame *Frame, update FrameUpdate, now time.Time) error {
	completing := update.IsComplete != nil && *update.IsComplete
	if frame.IsComplete && (completing || update.Winner != nil) {
		return &InvalidUpdateError{Reason: fmt.Sprintf("frame %d is already complete", frame.FrameNumber)}
	}

	if update.Player1Score != nil {
		if *update.Player1Score < frame.Player1Score {
			return &InvalidUpdateError{Reason: "player1 score may not decrease on an open frame"}
		}
		frame.Player1Score = *update.Player1Score
	}
	if update.Player2Score != nil {
		if *update.Player2Score < frame.Player2Score {
			return &InvalidUpdateError{Reason: "player2 score may not decrease on an open frame"}
		}
		frame.Player2Score = *update.Player2Score
	}

	if b := update.AddBreak; b != nil {
		if b.BreakValue < 0 || b.BreakValue > MaximumBreakValue {
			return &InvalidUpdateError{Reason: fmt.Sprintf("break value %d out of range", b.BreakValue)}
		}
		rec := *b
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		rec.IsMaximumBreak = rec.BreakValue >= MaximumBreakValue
		frame.Breaks = append(frame.Breaks, rec)
		if rec.BreakValue > frame.MaxBreak {
			frame.MaxBreak = rec.BreakValue
		}
	}
	if f := update.AddFoul; f != nil {
		rec := *f
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		frame.Fouls = append(frame.Fouls, rec)
	}

	if update.Winner != nil {
		if *update.Winner != Player1 && *update.Winner != Player2 {
			return &InvalidUpdateError{Reason: "winner must be player1 or player2"}
		}
		frame.Winner = *update.Winner
	}
	if completing {
		if frame.Winner == PlayerNone {
			return &InvalidUpdateError{Reason: "cannot complete a frame without a winner"}
		}
		completeFrame(frame, now)
	}
	return nil
}

// completeFrame stamps the end of a frame and its whole-second duration.
func completeFrame(frame *Frame, now time.Time) {
	frame.IsComplete = true
	frame.EndTime = &now
	d := int(now.Sub(frame.StartTime).Seconds())
	if d < 0 {
		d = 0
	}
	frame.DurationSec = &d
}

// EndFrame atomically marks a frame complete with the given winner. Below
// the frames-to-win threshold it opens the next frame; at the threshold the
// match is left awaiting explicit completion. Ending an already-complete
// frame is a no-op, so win aggregates are never double-counted.
func (s *Store) EndFrame(ctx context.Context, matchID string, frameNumber int, winner PlayerSide, actorID string) (*LiveMatchState, error) {
	if winner != Player1 && winner != Player2 {
		return nil, &InvalidUpdateError{Reason: "winner must be player1 or player2"}
	}

	recordPath, err := s.findRecordPath(ctx, matchID)
	if err != nil {
		return nil, err
	}

	var result *LiveMatchState
	alreadyComplete := false
	err = s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
		state, err := s.getLiveTx(tx, matchID)
		if err != nil {
			return err
		}
		frame := state.frameByNumber(frameNumber)
		if frame == nil {
			return &FrameNotFoundError{MatchID: matchID, FrameNumber: frameNumber}
		}
		if frame.IsComplete {
			alreadyComplete = true
			result = state
			return nil
		}

		now := s.clock.Now()
		frame.Winner = winner
		completeFrame(frame, now)

		if state.FrameWins(Player1) < state.Settings.MaxFramesToWin &&
			state.FrameWins(Player2) < state.Settings.MaxFramesToWin {
			next := Frame{
				FrameNumber: frameNumber + 1,
				StartTime:   now,
			}
			state.Frames = append(state.Frames, next)
			state.CurrentFrame = next.FrameNumber
		}
		state.TotalFrames = len(state.Frames)
		state.LastUpdateTime = now
		state.LastUpdateBy = actorID

		if err := writeLiveTx(tx, state); err != nil {
			return err
		}
		if err := pushAggregatesTx(tx, recordPath, state); err != nil {
			return err
		}
		result = state
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !alreadyComplete {
		s.appendEvent(ctx, LiveMatchEvent{
			MatchID:     matchID,
			Type:        EventFrameEnded,
			FrameNumber: frameNumber,
			PlayerID:    string(winner),
			TriggeredBy: actorID,
		})
	}
	return result, nil
}

// PauseMatch flags the live state paused with a reason.
func (s *Store) PauseMatch(ctx context.Context, matchID, reason, actorID string) error {
	return s.setFlags(ctx, matchID, actorID, EventMatchPaused, map[string]any{
		"is_paused":    true,
		"pause_reason": reason,
	})
}

// ResumeMatch clears the paused flag.
func (s *Store) ResumeMatch(ctx context.Context, matchID, actorID string) error {
	return s.setFlags(ctx, matchID, actorID, EventMatchResumed, map[string]any{
		"is_paused":    false,
		"pause_reason": "",
	})
}

// StartBreak flags the live state on an interval break. Break and pause are
// orthogonal; both may be set at once.
func (s *Store) StartBreak(ctx context.Context, matchID, actorID string) error {
	return s.setFlags(ctx, matchID, actorID, EventBreakStarted, map[string]any{
		"is_on_break": true,
	})
}

// EndBreak clears the break flag.
func (s *Store) EndBreak(ctx context.Context, matchID, actorID string) error {
	return s.setFlags(ctx, matchID, actorID, EventBreakEnded, map[string]any{
		"is_on_break": false,
	})
}

// setFlags performs a small transactional field update on the live document
// plus an audit append. The permanent record is not touched.
func (s *Store) setFlags(ctx context.Context, matchID, actorID, eventType string, fields map[string]any) error {
	fields["last_update_time"] = s.clock.Now()
	fields["last_update_by"] = actorID
	partial, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}

	err = s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
		if _, err := s.getLiveTx(tx, matchID); err != nil {
			return err
		}
		tx.Update(liveMatchPath(matchID), partial)
		return nil
	})
	if err != nil {
		return err
	}

	s.appendEvent(ctx, LiveMatchEvent{
		MatchID:     matchID,
		Type:        eventType,
		TriggeredBy: actorID,
	})
	return nil
}

// SyncTimers persists a timer snapshot onto the live document so a
// reconnecting client can recover authoritative clock values.
func (s *Store) SyncTimers(ctx context.Context, matchID string, shotClock, matchTimer, breakTimer int, actorID string) error {
	partial, err := json.Marshal(map[string]any{
		"shot_clock":       shotClock,
		"match_timer":      matchTimer,
		"break_timer":      breakTimer,
		"last_update_time": s.clock.Now(),
		"last_update_by":   actorID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode timer snapshot: %w", err)
	}
	if err := s.docs.Update(ctx, liveMatchPath(matchID), partial); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return &NotFoundError{Kind: "live match", ID: matchID}
		}
		return err
	}
	return nil
}

// AdjustSpectators shifts the live document's spectator count by delta,
// transactionally so concurrent joins/leaves don't clobber each other.
func (s *Store) AdjustSpectators(ctx context.Context, matchID string, delta int) error {
	return s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
		state, err := s.getLiveTx(tx, matchID)
		if err != nil {
			return err
		}
		state.SpectatorCount += delta
		if state.SpectatorCount < 0 {
			state.SpectatorCount = 0
		}
		partial, err := json.Marshal(map[string]any{"spectator_count": state.SpectatorCount})
		if err != nil {
			return err
		}
		tx.Update(liveMatchPath(matchID), partial)
		return nil
	})
}

// CompleteMatch finalizes a match in one transaction: result fields onto the
// permanent record, is_live cleared on the live document (retained for
// history), and a stats snapshot written. A missing live or permanent
// document is fatal and surfaced, never retried.
func (s *Store) CompleteMatch(ctx context.Context, matchID, winnerID, actorID string) (*MatchStats, error) {
	recordPath, err := s.findRecordPath(ctx, matchID)
	if err != nil {
		return nil, err
	}

	var stats MatchStats
	err = s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
		state, err := s.getLiveTx(tx, matchID)
		if err != nil {
			return err
		}

		recDoc, err := tx.Get(recordPath)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return &NotFoundError{Kind: "match record", ID: matchID}
			}
			return err
		}
		var rec MatchRecord
		if err := recDoc.DecodeInto(&rec); err != nil {
			return err
		}

		var loserID, winnerName, loserName string
		switch winnerID {
		case rec.Player1ID:
			winnerName, loserID, loserName = rec.Player1Name, rec.Player2ID, rec.Player2Name
		case rec.Player2ID:
			winnerName, loserID, loserName = rec.Player2Name, rec.Player1ID, rec.Player1Name
		default:
			return &InvalidUpdateError{Reason: fmt.Sprintf("winner %s is not a player in match %s", winnerID, matchID)}
		}

		now := s.clock.Now()
		stats = CalculateStats(state, now)

		recUpdate, err := json.Marshal(map[string]any{
			"status":             StatusCompleted,
			"winner_id":          winnerID,
			"winner_name":        winnerName,
			"loser_id":           loserID,
			"loser_name":         loserName,
			"player1_frame_wins": state.FrameWins(Player1),
			"player2_frame_wins": state.FrameWins(Player2),
			"completed_at":       now,
		})
		if err != nil {
			return err
		}
		tx.Update(recordPath, recUpdate)

		liveUpdate, err := json.Marshal(map[string]any{
			"is_live":          false,
			"last_update_time": now,
			"last_update_by":   actorID,
		})
		if err != nil {
			return err
		}
		tx.Update(liveMatchPath(matchID), liveUpdate)

		statsData, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		tx.Set(statsPath(matchID), statsData)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.appendEvent(ctx, LiveMatchEvent{
		MatchID:     matchID,
		Type:        EventMatchCompleted,
		PlayerID:    winnerID,
		TriggeredBy: actorID,
	})

	log.Info().
		Str("match_id", matchID).
		Str("winner_id", winnerID).
		Int("frames_played", stats.FramesPlayed).
		Msg("match completed")
	return &stats, nil
}

// Subscribe registers a snapshot listener for a match's live state. The
// callback receives nil state while the document does not exist, decoded
// state on every change, and a ConnectionLostError when the stream fails;
// the caller decides whether to resubscribe.
func (s *Store) Subscribe(matchID string, fn func(*LiveMatchState, error)) (func(), error) {
	return s.docs.Subscribe(liveMatchPath(matchID), func(snap docstore.Snapshot) {
		if snap.Err != nil {
			fn(nil, &ConnectionLostError{Err: snap.Err})
			return
		}
		if snap.Doc == nil {
			fn(nil, nil)
			return
		}
		var state LiveMatchState
		if err := snap.Doc.DecodeInto(&state); err != nil {
			fn(nil, err)
			return
		}
		fn(&state, nil)
	})
}

// AppendTimerEvent records a timer engine event in the audit log.
func (s *Store) AppendTimerEvent(ctx context.Context, matchID, timerEvent, actorID string) {
	s.appendEvent(ctx, LiveMatchEvent{
		MatchID:     matchID,
		Type:        EventTimer,
		Data:        map[string]any{"timer_event": timerEvent},
		TriggeredBy: actorID,
	})
}

// appendEvent writes an audit-log entry. Fire-and-forget: failures are
// logged and never propagate into the primary operation.
func (s *Store) appendEvent(ctx context.Context, ev LiveMatchEvent) {
	ev.ID = uuid.New().String()
	ev.Timestamp = s.clock.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("match_id", ev.MatchID).Str("type", ev.Type).Msg("failed to encode audit event")
		return
	}
	if err := s.docs.Set(ctx, eventPath(ev.ID), data); err != nil {
		log.Error().Err(err).Str("match_id", ev.MatchID).Str("type", ev.Type).Msg("failed to append audit event")
	}
}

// getLiveTx reads and decodes the live document inside a transaction.
func (s *Store) getLiveTx(tx docstore.Tx, matchID string) (*LiveMatchState, error) {
	doc, err := tx.Get(liveMatchPath(matchID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, &NotFoundError{Kind: "live match", ID: matchID}
		}
		return nil, err
	}
	var state LiveMatchState
	if err := doc.DecodeInto(&state); err != nil {
		return nil, err
	}
	return &state, nil
}

func writeLiveTx(tx docstore.Tx, state *LiveMatchState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode live state: %w", err)
	}
	tx.Set(liveMatchPath(state.MatchID), data)
	return nil
}

// pushAggregatesTx locks the permanent record and stages the refreshed
// frame-win counts, keeping both documents in the same atomic commit.
func pushAggregatesTx(tx docstore.Tx, recordPath string, state *LiveMatchState) error {
	if _, err := tx.Get(recordPath); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return &NotFoundError{Kind: "match record", ID: state.MatchID}
		}
		return err
	}
	partial, err := json.Marshal(map[string]any{
		"player1_frame_wins": state.FrameWins(Player1),
		"player2_frame_wins": state.FrameWins(Player2),
	})
	if err != nil {
		return err
	}
	tx.Update(recordPath, partial)
	return nil
}

// findRecord locates the permanent match record, first in the top-level
// matches collection, then as a collection-group lookup for records nested
// under their tournament.
func (s *Store) findRecord(ctx context.Context, matchID string) (*MatchRecord, string, error) {
	doc, err := s.docs.Get(ctx, matchPath(matchID))
	if err == nil {
		var rec MatchRecord
		if err := doc.DecodeInto(&rec); err != nil {
			return nil, "", err
		}
		return &rec, doc.Path, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return nil, "", err
	}

	docs, err := s.docs.QueryGroup(ctx, matchCollection, docstore.Query{
		Wheres: []docstore.Where{{Field: "match_id", Op: docstore.OpEqual, Value: matchID}},
	})
	if err != nil {
		return nil, "", err
	}
	if len(docs) == 0 {
		return nil, "", &NotFoundError{Kind: "match", ID: matchID}
	}
	var rec MatchRecord
	if err := docs[0].DecodeInto(&rec); err != nil {
		return nil, "", err
	}
	return &rec, docs[0].Path, nil
}

func (s *Store) findRecordPath(ctx context.Context, matchID string) (string, error) {
	_, path, err := s.findRecord(ctx, matchID)
	return path, err
}
