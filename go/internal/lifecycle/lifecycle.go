// Package lifecycle orchestrates a match through not-live, live,
// paused/on-break, and completed. It owns one timer engine per live match,
// feeds timer events into the audit log, keeps the persisted timer mirrors
// fresh, and announces every transition to the other processes.
//
// Side effects that must happen at most once across processes, match
// completion above all, run under a tab lock keyed by match id.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/snookerhq/livesync/go/internal/livematch"
	"github.com/snookerhq/livesync/go/internal/tabsync"
	"github.com/snookerhq/livesync/go/internal/timer"
)

// MsgLiveMatchUpdated is broadcast to other processes after every committed
// transition so their subscribers refresh promptly.
const MsgLiveMatchUpdated = "live_match_updated"

const completionLockTimeout = 15 * time.Second

// actorTimer attributes audit entries produced by the timer engine rather
// than a person.
const actorTimer = "timer"

type session struct {
	engine      *timer.Engine
	cancelRun   context.CancelFunc
	cancelEvent func()
}

// Coordinator is the command surface the UI layer calls. One per process.
type Coordinator struct {
	matches *livematch.Store
	tabs    *tabsync.Coordinator
	clock   clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock substitutes the wall clock for tests.
func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// New creates a lifecycle coordinator over the live-match store and the tab
// coordination layer.
func New(matches *livematch.Store, tabs *tabsync.Coordinator, opts ...Option) *Coordinator {
	c := &Coordinator{
		matches:  matches,
		tabs:     tabs,
		clock:    clockwork.NewRealClock(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GoLive transitions a match to live: creates the live state, starts this
// process's timer engine for it, and announces the transition.
func (c *Coordinator) GoLive(ctx context.Context, matchID, actorID string, settings livematch.LiveMatchSettings) (*livematch.LiveMatchState, error) {
	state, err := c.matches.MakeMatchLive(ctx, matchID, actorID, settings)
	if err != nil {
		return nil, err
	}

	c.startSession(matchID, settings)
	c.announce(matchID)
	return state, nil
}

// startSession builds the per-match timer engine and wires its events into
// the audit log and the persisted timer mirrors.
func (c *Coordinator) startSession(matchID string, settings livematch.LiveMatchSettings) {
	engine := timer.NewEngine(timer.Settings{
		ShotClockDuration: settings.ShotClockDuration,
		ShotClockWarning:  settings.ShotClockWarningTime,
		BreakDuration:     settings.BreakDuration,
	}, timer.WithClock(c.clock))

	cancelEvent := engine.AddListener(func(ev timer.Event) {
		c.handleTimerEvent(matchID, ev)
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	go engine.Run(runCtx)

	engine.StartMatchTimer()
	if settings.ShotClockEnabled {
		if err := engine.StartShotClock(0); err != nil {
			log.Warn().Err(err).Str("match_id", matchID).Msg("shot clock not started")
		}
	}

	c.mu.Lock()
	if prev, ok := c.sessions[matchID]; ok {
		prev.cancelRun()
		prev.cancelEvent()
	}
	c.sessions[matchID] = &session{engine: engine, cancelRun: cancelRun, cancelEvent: cancelEvent}
	c.mu.Unlock()
}

// handleTimerEvent records the event in the audit log and, on the events
// that change play state, persists timer mirrors or transitions the match.
// All of it is best-effort; the engine never waits on it.
func (c *Coordinator) handleTimerEvent(matchID string, ev timer.Event) {
	ctx := context.Background()
	c.matches.AppendTimerEvent(ctx, matchID, string(ev.Type), actorTimer)

	switch ev.Type {
	case timer.EventShotClockExpired, timer.EventMatchTimerPause, timer.EventMatchTimerResume:
		c.syncTimers(ctx, matchID)
	case timer.EventBreakTimerEnd:
		// The break ran out on its own; flip the match back automatically.
		if err := c.matches.EndBreak(ctx, matchID, actorTimer); err != nil {
			log.Error().Err(err).Str("match_id", matchID).Msg("failed to end break on timer expiry")
			return
		}
		c.syncTimers(ctx, matchID)
		c.announce(matchID)
	}
}

// UpdateScore applies a frame update and announces the committed change.
func (c *Coordinator) UpdateScore(ctx context.Context, matchID string, update livematch.FrameUpdate, actorID string) (*livematch.LiveMatchState, error) {
	state, err := c.matches.UpdateLiveScore(ctx, matchID, update, actorID)
	if err != nil {
		return nil, err
	}
	c.announce(matchID)
	return state, nil
}

// EndFrame completes a frame and, when play continues, restarts the shot
// clock for the next one.
func (c *Coordinator) EndFrame(ctx context.Context, matchID string, frameNumber int, winner livematch.PlayerSide, actorID string) (*livematch.LiveMatchState, error) {
	state, err := c.matches.EndFrame(ctx, matchID, frameNumber, winner, actorID)
	if err != nil {
		return nil, err
	}

	if state.Settings.ShotClockEnabled && state.CurrentFrame > frameNumber {
		if engine, ok := c.engineFor(matchID); ok {
			if err := engine.StartShotClock(0); err != nil {
				log.Warn().Err(err).Str("match_id", matchID).Msg("shot clock not restarted for next frame")
			}
		}
	}
	c.announce(matchID)
	return state, nil
}

// RestartShotClock resets the shot clock for the next shot. Zero seconds
// means the configured default.
func (c *Coordinator) RestartShotClock(matchID string, seconds int) error {
	engine, ok := c.engineFor(matchID)
	if !ok {
		return &livematch.NotFoundError{Kind: "timer session", ID: matchID}
	}
	return engine.StartShotClock(seconds)
}

// Pause halts play: flags the live state and stops the shot and match
// clocks. A running break timer keeps ticking.
func (c *Coordinator) Pause(ctx context.Context, matchID, reason, actorID string) error {
	if err := c.matches.PauseMatch(ctx, matchID, reason, actorID); err != nil {
		return err
	}
	if engine, ok := c.engineFor(matchID); ok {
		engine.PauseAll(reason)
	}
	c.announce(matchID)
	return nil
}

// Resume clears the pause and restarts the match clock. The shot clock
// stays stopped until explicitly restarted for the next shot.
func (c *Coordinator) Resume(ctx context.Context, matchID, actorID string) error {
	if err := c.matches.ResumeMatch(ctx, matchID, actorID); err != nil {
		return err
	}
	if engine, ok := c.engineFor(matchID); ok {
		engine.Resume()
	}
	c.announce(matchID)
	return nil
}

// StartBreak flags the interval break and starts its countdown.
func (c *Coordinator) StartBreak(ctx context.Context, matchID, actorID string) error {
	if err := c.matches.StartBreak(ctx, matchID, actorID); err != nil {
		return err
	}
	if engine, ok := c.engineFor(matchID); ok {
		if err := engine.StartBreakTimer(0); err != nil {
			log.Warn().Err(err).Str("match_id", matchID).Msg("break timer not started")
		}
	}
	c.announce(matchID)
	return nil
}

// EndBreak ends the interval early.
func (c *Coordinator) EndBreak(ctx context.Context, matchID, actorID string) error {
	if err := c.matches.EndBreak(ctx, matchID, actorID); err != nil {
		return err
	}
	if engine, ok := c.engineFor(matchID); ok {
		engine.StopBreakTimer()
	}
	c.announce(matchID)
	return nil
}

// Complete finalizes the match under a cross-process lock so the downstream
// side effects run exactly once even when several tabs observe the final
// frame at the same moment. A held lock surfaces as LockTimeoutError; the
// caller may retry or trust the holder to finish.
func (c *Coordinator) Complete(ctx context.Context, matchID, winnerID, actorID string) (*livematch.MatchStats, error) {
	var stats *livematch.MatchStats
	err := c.tabs.WithLock("complete_"+matchID, completionLockTimeout, func() error {
		s, err := c.matches.CompleteMatch(ctx, matchID, winnerID, actorID)
		if err != nil {
			return err
		}
		stats = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.stopSession(matchID)
	c.announce(matchID)
	return stats, nil
}

// SyncTimers persists this process's authoritative timer snapshot so a
// reconnecting client recovers correct clock values.
func (c *Coordinator) SyncTimers(ctx context.Context, matchID string) error {
	return c.syncTimers(ctx, matchID)
}

func (c *Coordinator) syncTimers(ctx context.Context, matchID string) error {
	engine, ok := c.engineFor(matchID)
	if !ok {
		return &livematch.NotFoundError{Kind: "timer session", ID: matchID}
	}
	st := engine.State()
	err := c.matches.SyncTimers(ctx, matchID,
		st.ShotClock.TimeRemaining, st.MatchTimer.Elapsed, st.BreakTimer.TimeRemaining, actorTimer)
	if err != nil {
		log.Error().Err(err).Str("match_id", matchID).Msg("failed to persist timer snapshot")
	}
	return err
}

// AdoptTimers replaces the local timer engine state with an authoritative
// snapshot, the recovery path after reconnecting or unbackgrounding.
func (c *Coordinator) AdoptTimers(matchID string, state timer.State) error {
	engine, ok := c.engineFor(matchID)
	if !ok {
		return &livematch.NotFoundError{Kind: "timer session", ID: matchID}
	}
	engine.Sync(state)
	return nil
}

// TimerState returns the local timer snapshot for a live match.
func (c *Coordinator) TimerState(matchID string) (timer.State, error) {
	engine, ok := c.engineFor(matchID)
	if !ok {
		return timer.State{}, &livematch.NotFoundError{Kind: "timer session", ID: matchID}
	}
	return engine.State(), nil
}

func (c *Coordinator) engineFor(matchID string) (*timer.Engine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[matchID]
	if !ok {
		return nil, false
	}
	return s.engine, true
}

func (c *Coordinator) stopSession(matchID string) {
	c.mu.Lock()
	s, ok := c.sessions[matchID]
	if ok {
		delete(c.sessions, matchID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	s.cancelEvent()
	s.cancelRun()
	s.engine.Reset()
}

// Shutdown stops every timer session. The live documents are untouched;
// another process or a restart resumes from persisted state.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*session)
	c.mu.Unlock()

	for id, s := range sessions {
		s.cancelEvent()
		s.cancelRun()
		log.Info().Str("match_id", id).Msg("timer session stopped")
	}
}

// announce signals other processes that a match changed. Best-effort: their
// document subscriptions are the source of truth, this only shortens the
// refresh latency.
func (c *Coordinator) announce(matchID string) {
	if c.tabs == nil {
		return
	}
	err := c.tabs.Broadcast(MsgLiveMatchUpdated, map[string]string{"match_id": matchID})
	if err != nil {
		log.Warn().Err(err).Str("match_id", matchID).Msg("failed to announce live match update")
	}
}
