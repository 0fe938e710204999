package main

import (
	"github.com/snookerhq/livesync/go/internal/docstore"
	"github.com/snookerhq/livesync/go/internal/gateway"
	"github.com/snookerhq/livesync/go/internal/kvstore"
	"github.com/snookerhq/livesync/go/internal/lifecycle"
	"github.com/snookerhq/livesync/go/internal/livematch"
	"github.com/snookerhq/livesync/go/internal/tabsync"
)

// Services is the fully wired application graph.
type Services struct {
	Matches   *livematch.Store
	Tabs      *tabsync.Coordinator
	Lifecycle *lifecycle.Coordinator
	Gateway   *gateway.Manager

	Defaults livematch.LiveMatchSettings
}

// setupServices wires the dependency chain: storage collaborators at the
// bottom, the live-match store over the document store, tab coordination
// over the key-value store, lifecycle orchestration over both, and the
// spectator gateway on top.
func setupServices(docs docstore.Store, kv kvstore.KV, bc kvstore.Broadcaster, config *Config) *Services {
	var tabOpts []tabsync.Option
	if bc != nil {
		tabOpts = append(tabOpts, tabsync.WithBroadcaster(bc))
	}
	tabs := tabsync.New(kv, tabOpts...)

	matches := livematch.NewStore(docs)
	coord := lifecycle.New(matches, tabs)
	gw := gateway.NewManager(matches, coord, gateway.DefaultConfig())

	return &Services{
		Matches:   matches,
		Tabs:      tabs,
		Lifecycle: coord,
		Gateway:   gw,
		Defaults:  defaultSettings(config),
	}
}

// Close tears services down in reverse dependency order.
func (s *Services) Close() {
	s.Lifecycle.Shutdown()
	s.Tabs.Destroy()
}
