package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store implementation with per-document versioning
// and optimistic transaction retry. It backs tests and single-process
// deployments.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]memDoc
	subs    map[string]map[int64]func(Snapshot)
	nextSub int64
}

type memDoc struct {
	data       json.RawMessage
	version    int64
	updateTime time.Time
}

// memoryTxAttempts bounds optimistic retry before surfacing ErrConflict.
// Generous: every conflict means another writer committed, so total retries
// across contending transactions stay bounded by the writer count.
const memoryTxAttempts = 50

// NewMemory creates an empty in-memory document store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]memDoc),
		subs: make(map[string]map[int64]func(Snapshot)),
	}
}

func (m *Memory) Get(ctx context.Context, path string) (*Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	return snapshotDoc(path, d), nil
}

func (m *Memory) Set(ctx context.Context, path string, data []byte) error {
	m.mu.Lock()
	m.apply(path, append(json.RawMessage(nil), data...))
	notify := m.pendingNotifications(path)
	m.mu.Unlock()
	fire(notify)
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, partial []byte) error {
	m.mu.Lock()
	d, ok := m.docs[path]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	merged, err := mergeJSON(d.data, partial)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.apply(path, merged)
	notify := m.pendingNotifications(path)
	m.mu.Unlock()
	fire(notify)
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	if _, ok := m.docs[path]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.docs, path)
	notify := m.pendingNotifications(path)
	m.mu.Unlock()
	fire(notify)
	return nil
}

// apply replaces the document at path and bumps its version. Caller holds mu.
func (m *Memory) apply(path string, data json.RawMessage) {
	prev := m.docs[path]
	m.docs[path] = memDoc{
		data:       data,
		version:    prev.version + 1,
		updateTime: time.Now(),
	}
}

// pendingNotifications builds the callback list for the current state of
// path. Caller holds mu; callbacks are invoked after it is released so a
// listener may safely call back into the store.
func (m *Memory) pendingNotifications(path string) []func() {
	listeners := m.subs[path]
	if len(listeners) == 0 {
		return nil
	}
	var doc *Doc
	if d, ok := m.docs[path]; ok {
		doc = snapshotDoc(path, d)
	}
	out := make([]func(), 0, len(listeners))
	for _, fn := range listeners {
		fn := fn
		out = append(out, func() { fn(Snapshot{Doc: doc}) })
	}
	return out
}

func fire(notify []func()) {
	for _, fn := range notify {
		fn()
	}
}

func snapshotDoc(path string, d memDoc) *Doc {
	return &Doc{
		Path:       path,
		Data:       append(json.RawMessage(nil), d.data...),
		Version:    d.version,
		UpdateTime: d.updateTime,
	}
}

// memTx buffers transaction writes and records read versions for conflict
// detection at commit.
type memTx struct {
	store *Memory
	reads map[string]int64
	ops   []memOp
	err   error
}

type memOp struct {
	kind    string // "set", "update", "delete"
	path    string
	data    json.RawMessage
	partial json.RawMessage
}

func (t *memTx) Get(path string) (*Doc, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	d, ok := t.store.docs[path]
	if !ok {
		t.reads[path] = 0
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	t.reads[path] = d.version
	return snapshotDoc(path, d), nil
}

func (t *memTx) Set(path string, data []byte) {
	t.ops = append(t.ops, memOp{kind: "set", path: path, data: append(json.RawMessage(nil), data...)})
}

func (t *memTx) Update(path string, partial []byte) {
	t.ops = append(t.ops, memOp{kind: "update", path: path, partial: append(json.RawMessage(nil), partial...)})
}

func (t *memTx) Delete(path string) {
	t.ops = append(t.ops, memOp{kind: "delete", path: path})
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; attempt < memoryTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memTx{store: m, reads: make(map[string]int64)}
		if err := fn(tx); err != nil {
			return err
		}
		committed, notify, err := m.commit(tx)
		if err != nil {
			return err
		}
		if committed {
			fire(notify)
			return nil
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", memoryTxAttempts, ErrConflict)
}

// commit verifies read versions and applies buffered ops atomically. Returns
// committed=false when a read was invalidated by a concurrent commit.
func (m *Memory) commit(tx *memTx) (bool, []func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, version := range tx.reads {
		current := int64(0)
		if d, ok := m.docs[path]; ok {
			current = d.version
		}
		if current != version {
			return false, nil, nil
		}
	}

	// Stage every write against copies so an invalid op leaves the store
	// untouched.
	staged := make(map[string]*json.RawMessage)
	lookup := func(path string) (json.RawMessage, bool) {
		if v, ok := staged[path]; ok {
			if v == nil {
				return nil, false
			}
			return *v, true
		}
		d, ok := m.docs[path]
		if !ok {
			return nil, false
		}
		return d.data, true
	}

	for _, op := range tx.ops {
		switch op.kind {
		case "set":
			data := op.data
			staged[op.path] = &data
		case "update":
			base, ok := lookup(op.path)
			if !ok {
				return false, nil, fmt.Errorf("update %s: %w", op.path, ErrNotFound)
			}
			merged, err := mergeJSON(base, op.partial)
			if err != nil {
				return false, nil, err
			}
			staged[op.path] = &merged
		case "delete":
			staged[op.path] = nil
		}
	}

	var notify []func()
	for path, data := range staged {
		if data == nil {
			delete(m.docs, path)
		} else {
			m.apply(path, *data)
		}
		notify = append(notify, m.pendingNotifications(path)...)
	}
	return true, notify, nil
}

func (m *Memory) Subscribe(path string, fn func(Snapshot)) (func(), error) {
	m.mu.Lock()
	if m.subs[path] == nil {
		m.subs[path] = make(map[int64]func(Snapshot))
	}
	id := m.nextSub
	m.nextSub++
	m.subs[path][id] = fn

	var initial *Doc
	if d, ok := m.docs[path]; ok {
		initial = snapshotDoc(path, d)
	}
	m.mu.Unlock()

	fn(Snapshot{Doc: initial})

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[path], id)
	}
	return cancel, nil
}

func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Doc, error) {
	return m.scan(func(path string) bool {
		rest, ok := strings.CutPrefix(path, collection+"/")
		return ok && !strings.Contains(rest, "/")
	}, q)
}

func (m *Memory) QueryGroup(ctx context.Context, collectionName string, q Query) ([]Doc, error) {
	return m.scan(func(path string) bool {
		parts := strings.Split(path, "/")
		return len(parts) >= 2 && parts[len(parts)-2] == collectionName
	}, q)
}

func (m *Memory) scan(pathMatch func(string) bool, q Query) ([]Doc, error) {
	m.mu.Lock()
	var out []Doc
	for path, d := range m.docs {
		if !pathMatch(path) || !matches(d.data, q) {
			continue
		}
		out = append(out, *snapshotDoc(path, d))
	}
	m.mu.Unlock()

	if q.OrderByField != "" {
		sortDocs(out, q.OrderByField, q.Descending)
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	}
	return out, nil
}

func sortDocs(docs []Doc, field string, desc bool) {
	key := func(d Doc) any {
		var fields map[string]any
		if err := json.Unmarshal(d.Data, &fields); err != nil {
			return nil
		}
		return fields[field]
	}
	sort.SliceStable(docs, func(i, j int) bool {
		less := lessValue(key(docs[i]), key(docs[j]))
		if desc {
			return !less
		}
		return less
	})
}

func lessValue(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av < bv
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	default:
		return false
	}
}
