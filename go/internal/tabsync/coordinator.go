// Package tabsync coordinates multiple processes sharing one persistent
// key-value store: per-process identity, heartbeat liveness, deterministic
// leader election, broadcast messaging, and named advisory locks.
//
// Everything is built on self-describing values (writer id plus timestamp
// embedded in every record) so any process can judge freshness and ownership
// on its own. There is no central coordinator; the locks guard coordination
// conveniences, not data integrity.
package tabsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/snookerhq/livesync/go/internal/kvstore"
)

const (
	heartbeatInterval = 5 * time.Second
	cleanupInterval   = 10 * time.Second

	// A tab is dead after three missed heartbeats plus margin.
	livenessTimeout = 30 * time.Second

	requestTimeout = 5 * time.Second

	tabPrefix       = "tabs/"
	lockPrefix      = "locks/"
	broadcastPrefix = "broadcast/"
)

// TabInfo is the liveness record each process refreshes on every heartbeat.
type TabInfo struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
	IsActive bool      `json:"is_active"`
}

// SyncMessage is the envelope for cross-process broadcasts. Delivery is
// at-most-once to currently live listeners; nothing is persisted.
type SyncMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	TabID     string          `json:"tab_id"`
}

// Broadcast message types used by the coordinator itself.
const (
	MsgLeaderElected = "leader_elected"
	MsgDataRequest   = "data_request"
)

type listenerReg struct {
	msgType string
	fn      func(SyncMessage)
}

// Coordinator gives one process its identity in the shared liveness map and
// runs heartbeat, cleanup, and message dispatch against the store. Construct
// exactly one per process and pass it to whoever needs coordination.
type Coordinator struct {
	id    string
	kv    kvstore.KV
	bc    kvstore.Broadcaster
	clock clockwork.Clock

	mu           sync.Mutex
	listeners    map[int]listenerReg
	nextListener int
	isLeader     bool
	responders   map[string]func() (any, bool)

	cancelWatch func()
	cancelBC    func()
	stop        chan struct{}
	destroyOnce sync.Once
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBroadcaster attaches a low-latency broadcast channel. Without one, all
// messaging degrades to the key-value signal path.
func WithBroadcaster(bc kvstore.Broadcaster) Option {
	return func(c *Coordinator) { c.bc = bc }
}

// WithClock substitutes the wall clock for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// New registers this process in the shared liveness map and starts listening
// for broadcasts. Run drives the periodic heartbeat and cleanup; Destroy
// deregisters.
func New(kv kvstore.KV, opts ...Option) *Coordinator {
	c := &Coordinator{
		kv:         kv,
		clock:      clockwork.NewRealClock(),
		listeners:  make(map[int]listenerReg),
		responders: make(map[string]func() (any, bool)),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = fmt.Sprintf("tab_%d_%s", c.clock.Now().UnixMilli(), uuid.New().String()[:8])
	}

	c.heartbeat()

	c.cancelWatch = c.kv.Watch(func(ch kvstore.Change) {
		if ch.Removed || ch.Value == "" || len(ch.Key) <= len(broadcastPrefix) || ch.Key[:len(broadcastPrefix)] != broadcastPrefix {
			return
		}
		c.dispatchRaw([]byte(ch.Value))
	})

	if c.bc != nil {
		cancel, err := c.bc.Listen(c.dispatchRaw)
		if err != nil {
			log.Warn().Err(err).Str("tab_id", c.id).Msg("broadcast channel unavailable, key-value fallback only")
			c.bc = nil
		} else {
			c.cancelBC = cancel
		}
	}

	log.Info().Str("tab_id", c.id).Bool("broadcast", c.bc != nil).Msg("tab coordinator registered")
	return c
}

// ID returns this process's stable tab identity.
func (c *Coordinator) ID() string { return c.id }

// IsLeader reports whether this process currently believes it is the leader.
// For UI indicators only; never branch correctness-critical work on it.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// ActiveTabCount returns the number of live tabs, this one included.
func (c *Coordinator) ActiveTabCount() int {
	return len(c.aliveTabs())
}

// Run drives the heartbeat and cleanup loops until ctx is cancelled or the
// coordinator is destroyed.
func (c *Coordinator) Run(ctx context.Context) {
	c.cleanup()

	heartbeat := c.clock.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	cleanup := c.clock.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-heartbeat.Chan():
			c.heartbeat()
		case <-cleanup.Chan():
			c.cleanup()
		}
	}
}

// heartbeat refreshes this process's entry in the shared liveness map.
func (c *Coordinator) heartbeat() {
	info := TabInfo{ID: c.id, LastSeen: c.clock.Now(), IsActive: true}
	data, err := json.Marshal(info)
	if err != nil {
		log.Error().Err(err).Str("tab_id", c.id).Msg("failed to encode heartbeat")
		return
	}
	c.kv.Set(tabPrefix+c.id, string(data))
}

// cleanup prunes dead entries from the liveness map and recomputes
// leadership. Every live process runs the same rule against the same map, so
// all converge without negotiation.
func (c *Coordinator) cleanup() {
	now := c.clock.Now()
	for _, key := range c.kv.Keys(tabPrefix) {
		raw, ok := c.kv.Get(key)
		if !ok {
			continue
		}
		var info TabInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			c.kv.Remove(key)
			continue
		}
		if now.Sub(info.LastSeen) > livenessTimeout {
			c.kv.Remove(key)
		}
	}
	c.electLeader()
}

// electLeader applies the oldest-surviving-tab rule: ids embed a creation
// timestamp, so the lexicographically smallest live id wins.
func (c *Coordinator) electLeader() {
	tabs := c.aliveTabs()
	if len(tabs) == 0 {
		return
	}
	ids := make([]string, 0, len(tabs))
	for _, t := range tabs {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	leader := ids[0] == c.id

	c.mu.Lock()
	wasLeader := c.isLeader
	c.isLeader = leader
	c.mu.Unlock()

	if leader && !wasLeader {
		log.Info().Str("tab_id", c.id).Int("alive_tabs", len(ids)).Msg("elected leader")
		if err := c.Broadcast(MsgLeaderElected, map[string]string{"tab_id": c.id}); err != nil {
			log.Warn().Err(err).Msg("failed to announce leadership")
		}
	}
}

// aliveTabs returns the liveness records younger than the timeout.
func (c *Coordinator) aliveTabs() []TabInfo {
	now := c.clock.Now()
	var tabs []TabInfo
	for _, key := range c.kv.Keys(tabPrefix) {
		raw, ok := c.kv.Get(key)
		if !ok {
			continue
		}
		var info TabInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			continue
		}
		if now.Sub(info.LastSeen) <= livenessTimeout {
			tabs = append(tabs, info)
		}
	}
	return tabs
}

// Destroy deregisters this process: stops the loops, closes the broadcast
// channel, removes the liveness entry, and drops all listeners. Idempotent.
func (c *Coordinator) Destroy() {
	c.destroyOnce.Do(func() {
		close(c.stop)
		if c.cancelWatch != nil {
			c.cancelWatch()
		}
		if c.cancelBC != nil {
			c.cancelBC()
		}
		if c.bc != nil {
			if err := c.bc.Close(); err != nil {
				log.Warn().Err(err).Str("tab_id", c.id).Msg("failed to close broadcast channel")
			}
		}
		c.kv.Remove(tabPrefix + c.id)

		c.mu.Lock()
		c.listeners = make(map[int]listenerReg)
		c.responders = make(map[string]func() (any, bool))
		c.isLeader = false
		c.mu.Unlock()

		log.Info().Str("tab_id", c.id).Msg("tab coordinator destroyed")
	})
}
