package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Connection is one spectator's WebSocket session.
type Connection struct {
	ID      string
	MatchID string
	Send    chan []byte

	ws      *websocket.Conn
	manager *Manager

	ConnectedAt time.Time
	LastPong    time.Time
}

// clientCommand is the only inbound message shape spectators may send.
type clientCommand struct {
	Type string `json:"type"`
}

// writePump drains Send onto the socket and keeps the connection alive with
// pings. Runs until Send closes or a write fails.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case payload, ok := <-c.Send:
			c.ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write spectator frame")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to ping spectator")
				return
			}
		}
	}
}

// readPump consumes inbound messages until the peer goes away.
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.manager.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.LastPong = time.Now()
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected spectator close")
			}
			break
		}
		c.handleCommand(payload)
		c.ws.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}

// handleCommand serves the spectator's one supported request: a fresh timer
// snapshot, used after the tab was backgrounded.
func (c *Connection) handleCommand(payload []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("dropping malformed spectator command")
		return
	}

	switch cmd.Type {
	case "sync_timers":
		if c.manager.sessions == nil {
			return
		}
		state, err := c.manager.sessions.TimerState(c.MatchID)
		if err != nil {
			return
		}
		frame, err := json.Marshal(Frame{Type: FrameTimers, MatchID: c.MatchID, Timers: state})
		if err != nil {
			log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to encode timer frame")
			return
		}
		select {
		case c.Send <- frame:
		default:
		}
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", cmd.Type).
			Msg("ignoring unknown spectator command")
	}
}
