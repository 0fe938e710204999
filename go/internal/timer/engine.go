// Package timer implements the three live-match clocks: a shot clock
// counting down with a warning threshold, a match timer counting up, and a
// break timer counting down independently of the other two. The engine is
// pure local state plus listener callbacks; persistence and recovery happen
// elsewhere via Sync.
package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrInvalidDuration is returned when a timer is started with a negative or
// unusable duration.
var ErrInvalidDuration = errors.New("invalid timer duration")

// Settings holds the configured default durations, in seconds.
type Settings struct {
	ShotClockDuration int
	ShotClockWarning  int
	BreakDuration     int
}

// ShotClockState is the countdown for a single shot. IsWarning is a flag on
// the running clock, not a separate run mode.
type ShotClockState struct {
	TimeRemaining int  `json:"time_remaining"`
	Duration      int  `json:"duration"`
	IsRunning     bool `json:"is_running"`
	IsWarning     bool `json:"is_warning"`
	HasExpired    bool `json:"has_expired"`
}

// MatchTimerState is the monotonic count-up of match play time.
type MatchTimerState struct {
	Elapsed   int  `json:"elapsed"`
	IsRunning bool `json:"is_running"`
}

// BreakTimerState is the interval-break countdown. It keeps ticking while
// the other two clocks are paused.
type BreakTimerState struct {
	TimeRemaining int  `json:"time_remaining"`
	Duration      int  `json:"duration"`
	IsActive      bool `json:"is_active"`
}

// State is a full timer snapshot, also the wire shape for Sync.
type State struct {
	ShotClock  ShotClockState  `json:"shot_clock"`
	MatchTimer MatchTimerState `json:"match_timer"`
	BreakTimer BreakTimerState `json:"break_timer"`
}

// EventType identifies a timer event.
type EventType string

const (
	EventShotClockStart   EventType = "shot_clock_start"
	EventShotClockWarning EventType = "shot_clock_warning"
	EventShotClockExpired EventType = "shot_clock_expired"
	EventShotClockStop    EventType = "shot_clock_stop"
	EventMatchTimerStart  EventType = "match_timer_start"
	EventMatchTimerPause  EventType = "match_timer_pause"
	EventMatchTimerResume EventType = "match_timer_resume"
	EventBreakTimerStart  EventType = "break_timer_start"
	EventBreakTimerEnd    EventType = "break_timer_end"
	EventTimersSynced     EventType = "timers_synced"
)

// Event is delivered synchronously to registered listeners. Seconds carries
// the relevant clock value for the event type; Reason is set on pauses.
type Event struct {
	Type    EventType
	Seconds int
	Reason  string
	At      time.Time
}

// Engine runs the three clocks on a 1 Hz cadence. Zero or more listeners
// observe events; none are required for correctness.
type Engine struct {
	clock    clockwork.Clock
	settings Settings

	mu        sync.Mutex
	state     State
	listeners map[int64]func(Event)
	nextID    int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock substitutes the wall clock, used by tests with a fake clock.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an engine with the given default durations.
func NewEngine(settings Settings, opts ...Option) *Engine {
	e := &Engine{
		clock:     clockwork.NewRealClock(),
		settings:  settings,
		listeners: make(map[int64]func(Event)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddListener registers an event callback. The returned func removes it.
func (e *Engine) AddListener(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Run drives the 1-second tick until ctx is cancelled. A panicking tick is
// logged and the loop keeps going.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.safeTick()
		}
	}
}

func (e *Engine) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("timer tick panicked")
		}
	}()
	e.tick()
}

// tick advances every running clock by one second.
func (e *Engine) tick() {
	e.mu.Lock()
	var events []Event

	if sc := &e.state.ShotClock; sc.IsRunning {
		sc.TimeRemaining--
		if !sc.IsWarning && sc.TimeRemaining <= e.settings.ShotClockWarning && sc.TimeRemaining > 0 {
			sc.IsWarning = true
			events = append(events, Event{Type: EventShotClockWarning, Seconds: sc.TimeRemaining})
		}
		if sc.TimeRemaining <= 0 {
			sc.TimeRemaining = 0
			sc.HasExpired = true
			sc.IsRunning = false
			events = append(events, Event{Type: EventShotClockExpired})
		}
	}

	if mt := &e.state.MatchTimer; mt.IsRunning {
		mt.Elapsed++
	}

	if bt := &e.state.BreakTimer; bt.IsActive {
		bt.TimeRemaining--
		if bt.TimeRemaining <= 0 {
			bt.TimeRemaining = 0
			bt.IsActive = false
			events = append(events, Event{Type: EventBreakTimerEnd})
		}
	}

	listeners := e.snapshotListeners()
	e.mu.Unlock()
	e.emit(listeners, events)
}

// StartShotClock resets and starts the shot clock. seconds <= 0 uses the
// configured default.
func (e *Engine) StartShotClock(seconds int) error {
	if seconds < 0 {
		return ErrInvalidDuration
	}
	if seconds == 0 {
		seconds = e.settings.ShotClockDuration
	}
	if seconds <= 0 {
		return ErrInvalidDuration
	}

	e.mu.Lock()
	e.state.ShotClock = ShotClockState{
		TimeRemaining: seconds,
		Duration:      seconds,
		IsRunning:     true,
	}
	listeners := e.snapshotListeners()
	e.mu.Unlock()
	e.emit(listeners, []Event{{Type: EventShotClockStart, Seconds: seconds}})
	return nil
}

// StopShotClock halts the countdown. Safe to call when not running.
func (e *Engine) StopShotClock() {
	e.mu.Lock()
	wasRunning := e.state.ShotClock.IsRunning
	e.state.ShotClock.IsRunning = false
	listeners := e.snapshotListeners()
	e.mu.Unlock()
	if wasRunning {
		e.emit(listeners, []Event{{Type: EventShotClockStop}})
	}
}

// ResetShotClock stops the clock and restores the configured default.
func (e *Engine) ResetShotClock() {
	e.mu.Lock()
	e.state.ShotClock = ShotClockState{
		TimeRemaining: e.settings.ShotClockDuration,
		Duration:      e.settings.ShotClockDuration,
	}
	e.mu.Unlock()
}

// StartMatchTimer begins (or restarts) the match count-up without resetting
// accumulated time.
func (e *Engine) StartMatchTimer() {
	e.mu.Lock()
	wasRunning := e.state.MatchTimer.IsRunning
	e.state.MatchTimer.IsRunning = true
	listeners := e.snapshotListeners()
	e.mu.Unlock()
	if !wasRunning {
		e.emit(listeners, []Event{{Type: EventMatchTimerStart}})
	}
}

// PauseAll stops the shot clock and match timer. The break timer is left
// alone: an interval break keeps running through pauses.
func (e *Engine) PauseAll(reason string) {
	e.mu.Lock()
	e.state.ShotClock.IsRunning = false
	e.state.MatchTimer.IsRunning = false
	listeners := e.snapshotListeners()
	e.mu.Unlock()
	e.emit(listeners, []Event{{Type: EventMatchTimerPause, Reason: reason}})
}

// Resume restarts the match timer with its accumulated duration intact. The
// shot clock stays stopped until the next shot explicitly starts it.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.state.MatchTimer.IsRunning = true
	listeners := e.snapshotListeners()
	e.mu.Unlock()
	e.emit(listeners, []Event{{Type: EventMatchTimerResume}})
}

// StartBreakTimer begins the interval-break countdown. seconds <= 0 uses the
// configured default.
func (e *Engine) StartBreakTimer(seconds int) error {
	if seconds < 0 {
		return ErrInvalidDuration
	}
	if seconds == 0 {
		seconds = e.settings.BreakDuration
	}
	if seconds <= 0 {
		return ErrInvalidDuration
	}

	e.mu.Lock()
	e.state.BreakTimer = BreakTimerState{
		TimeRemaining: seconds,
		Duration:      seconds,
		IsActive:      true,
	}
	listeners := e.snapshotListeners()
	e.mu.Unlock()
	e.emit(listeners, []Event{{Type: EventBreakTimerStart, Seconds: seconds}})
	return nil
}

// StopBreakTimer halts the break countdown without emitting the natural
// expiry event, used when a break is ended manually.
func (e *Engine) StopBreakTimer() {
	e.mu.Lock()
	e.state.BreakTimer.IsActive = false
	e.state.BreakTimer.TimeRemaining = 0
	e.mu.Unlock()
}

// Sync replaces local timer state wholesale with an authoritative snapshot,
// typically after reconnect. Local ticking between syncs is a display cache,
// not the source of truth.
func (e *Engine) Sync(state State) {
	e.mu.Lock()
	e.state = state
	listeners := e.snapshotListeners()
	e.mu.Unlock()
	e.emit(listeners, []Event{{Type: EventTimersSynced}})
}

// Reset zeroes all clocks, used at match completion.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.state = State{}
	e.mu.Unlock()
}

// State returns a snapshot of all three clocks.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// snapshotListeners copies the listener set. Caller holds mu; callbacks run
// after it is released so a listener can call back into the engine.
func (e *Engine) snapshotListeners() []func(Event) {
	out := make([]func(Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		out = append(out, fn)
	}
	return out
}

func (e *Engine) emit(listeners []func(Event), events []Event) {
	now := e.clock.Now()
	for i := range events {
		events[i].At = now
		for _, fn := range listeners {
			fn(events[i])
		}
	}
}
