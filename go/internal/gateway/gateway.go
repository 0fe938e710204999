// Package gateway pushes live scoreboard state to spectator WebSocket
// connections. Connections are pooled per match; the first spectator of a
// match opens one document subscription and every snapshot fans out to the
// whole pool. The live document's spectator count is maintained best-effort
// as connections come and go.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/snookerhq/livesync/go/internal/docstore"
	"github.com/snookerhq/livesync/go/internal/lifecycle"
	"github.com/snookerhq/livesync/go/internal/livematch"
)

// Frame types pushed to spectators.
const (
	FrameState  = "state"
	FrameTimers = "timers"
	FrameError  = "error"
)

// resubscribeDelay is the backoff before reopening a failed document
// subscription.
const resubscribeDelay = 5 * time.Second

// Frame is the wire envelope for every message sent to a spectator.
type Frame struct {
	Type      string                    `json:"type"`
	MatchID   string                    `json:"match_id"`
	State     *livematch.LiveMatchState `json:"state,omitempty"`
	Timers    any                       `json:"timers,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Retryable bool                      `json:"retryable,omitempty"`
}

// Config holds WebSocket connection tuning.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns the default connection tuning.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

type broadcast struct {
	matchID string
	payload []byte
}

// pool groups the spectator connections of one match with that match's
// document subscription.
type pool struct {
	conns       map[*Connection]bool
	unsubscribe func()
}

// Manager owns all spectator connections and their per-match pools.
type Manager struct {
	matches  *livematch.Store
	sessions *lifecycle.Coordinator
	clock    clockwork.Clock

	mu    sync.RWMutex
	pools map[string]*pool

	upgrader    websocket.Upgrader
	config      Config
	broadcastCh chan broadcast
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock substitutes the wall clock for tests.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a spectator gateway over the live-match store. sessions
// may be nil when this process runs no timer engines.
func NewManager(matches *livematch.Store, sessions *lifecycle.Coordinator, config Config, opts ...Option) *Manager {
	m := &Manager{
		matches:  matches,
		sessions: sessions,
		clock:    clockwork.NewRealClock(),
		pools:    make(map[string]*pool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcast, 1000),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start drains the broadcast channel until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	log.Info().Msg("spectator gateway started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("spectator gateway shutting down")
			return
		case b := <-m.broadcastCh:
			m.fanOut(b)
		}
	}
}

// ServeWS upgrades an HTTP request into a spectator connection for matchID.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request, matchID string) error {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		MatchID:     matchID,
		ws:          ws,
		Send:        make(chan []byte, 256),
		manager:     m,
		ConnectedAt: m.clock.Now(),
	}

	if err := m.register(conn); err != nil {
		ws.Close()
		return err
	}

	go conn.writePump()
	go conn.readPump()

	log.Info().
		Str("connection_id", conn.ID).
		Str("match_id", matchID).
		Msg("spectator connected")
	return nil
}

// register adds a connection to its match pool, opening the match's document
// subscription when this is the first spectator.
func (m *Manager) register(conn *Connection) error {
	m.mu.Lock()
	p, ok := m.pools[conn.MatchID]
	if !ok {
		p = &pool{conns: make(map[*Connection]bool)}
		m.pools[conn.MatchID] = p
	}
	p.conns[conn] = true
	first := !ok
	m.mu.Unlock()

	if first {
		if err := m.subscribe(conn.MatchID); err != nil {
			m.unregister(conn)
			return err
		}
	}

	go m.adjustSpectators(conn.MatchID, 1)
	return nil
}

// unregister drops a connection, tearing the pool and its subscription down
// with the last spectator.
func (m *Manager) unregister(conn *Connection) {
	m.mu.Lock()
	p, ok := m.pools[conn.MatchID]
	if !ok || !p.conns[conn] {
		m.mu.Unlock()
		return
	}
	delete(p.conns, conn)
	close(conn.Send)
	var unsubscribe func()
	if len(p.conns) == 0 {
		unsubscribe = p.unsubscribe
		delete(m.pools, conn.MatchID)
	}
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	go m.adjustSpectators(conn.MatchID, -1)

	log.Info().
		Str("connection_id", conn.ID).
		Str("match_id", conn.MatchID).
		Msg("spectator disconnected")
}

// subscribe opens the document subscription feeding a match's pool. Stream
// failures are pushed to spectators as retryable errors and the subscription
// reopens after a fixed backoff.
func (m *Manager) subscribe(matchID string) error {
	cancel, err := m.matches.Subscribe(matchID, func(state *livematch.LiveMatchState, err error) {
		if err != nil {
			retryable := docstore.IsRetryable(err)
			m.enqueue(matchID, Frame{
				Type:      FrameError,
				MatchID:   matchID,
				Error:     err.Error(),
				Retryable: retryable,
			})
			if retryable {
				m.scheduleResubscribe(matchID)
			}
			return
		}
		// A nil state means the document does not exist yet; spectators
		// just wait for the match to go live.
		if state == nil {
			return
		}
		m.enqueue(matchID, Frame{Type: FrameState, MatchID: matchID, State: state})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to match %s: %w", matchID, err)
	}

	m.mu.Lock()
	if p, ok := m.pools[matchID]; ok {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		p.unsubscribe = cancel
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	// Pool vanished while we were subscribing.
	cancel()
	return nil
}

func (m *Manager) scheduleResubscribe(matchID string) {
	m.clock.AfterFunc(resubscribeDelay, func() {
		m.mu.RLock()
		_, alive := m.pools[matchID]
		m.mu.RUnlock()
		if !alive {
			return
		}
		if err := m.subscribe(matchID); err != nil {
			log.Error().Err(err).Str("match_id", matchID).Msg("resubscribe failed")
			m.scheduleResubscribe(matchID)
		}
	})
}

// enqueue drops the frame when the broadcast channel is full; spectators are
// display-only and the next snapshot supersedes a lost one.
func (m *Manager) enqueue(matchID string, frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("match_id", matchID).Msg("failed to encode spectator frame")
		return
	}
	select {
	case m.broadcastCh <- broadcast{matchID: matchID, payload: payload}:
	default:
		log.Warn().Str("match_id", matchID).Msg("broadcast channel full, dropping frame")
	}
}

// fanOut delivers one payload to every connection in the match pool,
// dropping connections whose send buffers are full.
func (m *Manager) fanOut(b broadcast) {
	m.mu.RLock()
	p, ok := m.pools[b.matchID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(p.conns))
	for conn := range p.conns {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.Send <- b.payload:
		default:
			log.Warn().
				Str("connection_id", conn.ID).
				Str("match_id", b.matchID).
				Msg("send buffer full, closing spectator connection")
			m.unregister(conn)
			conn.ws.Close()
		}
	}
}

// adjustSpectators keeps the live document's count roughly accurate.
// Best-effort: a miss only skews a display number.
func (m *Manager) adjustSpectators(matchID string, delta int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.matches.AdjustSpectators(ctx, matchID, delta); err != nil {
		var nf *livematch.NotFoundError
		if errors.As(err, &nf) {
			return
		}
		log.Warn().Err(err).Str("match_id", matchID).Int("delta", delta).Msg("failed to adjust spectator count")
	}
}

// Stats summarizes the active pools for the health endpoint.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	perMatch := make(map[string]int, len(m.pools))
	for id, p := range m.pools {
		perMatch[id] = len(p.conns)
		total += len(p.conns)
	}
	return map[string]any{
		"total_spectators": total,
		"active_matches":   len(m.pools),
		"match_spectators": perMatch,
	}
}
