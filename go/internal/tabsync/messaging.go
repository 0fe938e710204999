package tabsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Broadcast sends a typed message to all other live processes. The
// low-latency channel is preferred; without one (or when it fails) the
// message is signalled through the store as a write-then-delete, so watchers
// see the change but nothing persists.
func (c *Coordinator) Broadcast(msgType string, data any) error {
	msg := SyncMessage{
		Type:      msgType,
		Timestamp: c.clock.Now(),
		TabID:     c.id,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode broadcast payload: %w", err)
		}
		msg.Data = raw
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast envelope: %w", err)
	}

	if c.bc != nil {
		if err := c.bc.Send(payload); err == nil {
			return nil
		} else {
			log.Warn().Err(err).Str("type", msgType).Msg("broadcast channel send failed, using key-value fallback")
		}
	}

	key := broadcastPrefix + uuid.New().String()
	c.kv.Set(key, string(payload))
	c.kv.Remove(key)
	return nil
}

// AddListener registers a callback for broadcasts of one message type. The
// returned func cancels the registration. Self-originated messages are
// filtered out before dispatch, so a handler never fires from its own tab's
// broadcasts.
func (c *Coordinator) AddListener(msgType string, fn func(SyncMessage)) (cancel func()) {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = listenerReg{msgType: msgType, fn: fn}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// dispatchRaw decodes an envelope from either delivery path and fans it out.
func (c *Coordinator) dispatchRaw(payload []byte) {
	var msg SyncMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warn().Err(err).Msg("dropping malformed broadcast")
		return
	}
	if msg.TabID == c.id {
		return
	}

	c.mu.Lock()
	var fns []func(SyncMessage)
	for _, reg := range c.listeners {
		if reg.msgType == msg.Type {
			fns = append(fns, reg.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}

	if msg.Type == MsgDataRequest {
		c.serveDataRequest(msg)
	}
}

type dataRequest struct {
	Key string `json:"key"`
}

// RespondTo registers a provider for cross-process data requests on key.
// When any other tab asks for key, the provider runs and, if it reports
// ok, its value is broadcast back. The returned func cancels the provider.
func (c *Coordinator) RespondTo(key string, provide func() (any, bool)) (cancel func()) {
	c.mu.Lock()
	c.responders[key] = provide
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.responders, key)
		c.mu.Unlock()
	}
}

func (c *Coordinator) serveDataRequest(msg SyncMessage) {
	var req dataRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return
	}
	c.mu.Lock()
	provide, ok := c.responders[req.Key]
	c.mu.Unlock()
	if !ok {
		return
	}
	value, ok := provide()
	if !ok {
		return
	}
	if err := c.Broadcast(responseType(req.Key), value); err != nil {
		log.Warn().Err(err).Str("key", req.Key).Msg("failed to answer data request")
	}
}

func responseType(key string) string {
	return "data_response_" + strings.ReplaceAll(key, "/", "_")
}

// RequestData broadcasts a request for key and waits for the first matching
// response from any other tab. The pending listener is deregistered on every
// exit path. Times out with DataRequestTimeoutError after a fixed window.
func (c *Coordinator) RequestData(ctx context.Context, key string) (json.RawMessage, error) {
	respCh := make(chan json.RawMessage, 1)
	cancel := c.AddListener(responseType(key), func(msg SyncMessage) {
		select {
		case respCh <- msg.Data:
		default:
		}
	})
	defer cancel()

	if err := c.Broadcast(MsgDataRequest, dataRequest{Key: key}); err != nil {
		return nil, err
	}

	timeout := c.clock.NewTimer(requestTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.Chan():
		return nil, &DataRequestTimeoutError{Key: key}
	case data := <-respCh:
		return data, nil
	}
}
