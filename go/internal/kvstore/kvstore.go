// Package kvstore provides the shared key-value and broadcast primitives the
// tab coordination layer runs on: a synchronous string store with key-change
// notifications (the persistent side) and an optional low-latency broadcast
// channel (the fast path).
//
// The store mirrors browser localStorage semantics: operations are
// synchronous and never return errors to the caller; backend failures are
// logged. Backends: in-process map (memory.go), shared SQLite file for
// cross-process coordination on one host (sqlite.go). The broadcast channel
// is core NATS pub/sub (nats.go) and is best-effort by contract.
package kvstore

// Change describes a single key mutation delivered to watchers.
type Change struct {
	Key     string
	Value   string
	Removed bool
}

// KV is the shared synchronous key-value store. Watch callbacks also fire
// for the process's own writes; callers that need to ignore those filter by
// the writer identity they embed in values.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)

	// Keys returns all keys with the given prefix.
	Keys(prefix string) []string

	// Watch registers a callback for key changes. The returned func cancels
	// the registration.
	Watch(fn func(Change)) (cancel func())
}

// Broadcaster is the optional low-latency cross-process channel. Delivery is
// at-most-once to currently live listeners; nothing is persisted.
type Broadcaster interface {
	Send(data []byte) error
	Listen(fn func([]byte)) (cancel func(), err error)
	Close() error
}
