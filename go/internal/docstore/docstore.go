// Package docstore provides a small document database abstraction: JSON
// documents addressed by slash-separated paths, partial-merge updates,
// optimistic transactions with automatic retry, snapshot subscriptions, and
// point-in-time collection queries.
//
// Two backends exist: an in-process store (memory.go) and a Postgres-backed
// store using a JSONB documents table with LISTEN/NOTIFY change feeds
// (postgres.go).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a document does not exist at the given path.
var ErrNotFound = errors.New("document not found")

// ErrConflict is returned by a transaction commit that observed stale data.
// RunTransaction retries on it automatically; callers only see it after the
// retry budget is exhausted.
var ErrConflict = errors.New("transaction conflict")

// Doc is a snapshot of a stored document.
type Doc struct {
	Path       string
	Data       json.RawMessage
	Version    int64
	UpdateTime time.Time
}

// DecodeInto unmarshals the document body into v.
func (d *Doc) DecodeInto(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("failed to decode document %s: %w", d.Path, err)
	}
	return nil
}

// Tx is the handle passed to a transaction function. Reads are tracked for
// conflict detection; writes are buffered until commit.
type Tx interface {
	Get(path string) (*Doc, error)
	Set(path string, data []byte)
	Update(path string, partial []byte)
	Delete(path string)
}

// Snapshot is delivered to subscription callbacks. Doc is nil when the
// document does not (or no longer) exists.
type Snapshot struct {
	Doc *Doc
	Err error
}

// Op is a query predicate operator.
type Op string

const (
	OpEqual Op = "=="
	OpIn    Op = "in"
)

// Where is a single field predicate on top-level document fields.
type Where struct {
	Field string
	Op    Op
	Value any
}

// Query describes a collection query: zero or more predicates plus an
// optional ordering on a top-level field.
type Query struct {
	Wheres       []Where
	OrderByField string
	Descending   bool
}

// Store is the document database contract consumed by the live-match layer.
type Store interface {
	// Get returns the document at path, or ErrNotFound.
	Get(ctx context.Context, path string) (*Doc, error)

	// Set creates or replaces the document at path.
	Set(ctx context.Context, path string, data []byte) error

	// Update merges the top-level fields of partial into the existing
	// document. Returns ErrNotFound if the document does not exist.
	Update(ctx context.Context, path string, partial []byte) error

	// Delete removes the document at path. Deleting an absent document is
	// not an error.
	Delete(ctx context.Context, path string) error

	// RunTransaction executes fn with a transaction handle and commits its
	// buffered writes atomically. If a concurrent commit invalidated any
	// document fn read, the transaction is retried from scratch with fresh
	// reads. fn must therefore be side-effect free apart from tx writes.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Subscribe registers a snapshot listener on a single document path.
	// The callback fires once with the current state (nil Doc if absent)
	// and again on every change. Stream errors are delivered via
	// Snapshot.Err. The returned func cancels the subscription.
	Subscribe(path string, fn func(Snapshot)) (func(), error)

	// Query returns a point-in-time listing of the documents directly under
	// collection matching q.
	Query(ctx context.Context, collection string, q Query) ([]Doc, error)

	// QueryGroup is like Query but matches documents in any collection with
	// the given name regardless of nesting depth.
	QueryGroup(ctx context.Context, collectionName string, q Query) ([]Doc, error)
}

// mergeJSON merges the top-level keys of partial into base and returns the
// combined document. Used by both backends to implement partial updates.
func mergeJSON(base, partial json.RawMessage) (json.RawMessage, error) {
	var dst map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, fmt.Errorf("failed to decode existing document: %w", err)
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal(partial, &src); err != nil {
		return nil, fmt.Errorf("failed to decode partial update: %w", err)
	}
	for k, v := range src {
		dst[k] = v
	}
	merged, err := json.Marshal(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged document: %w", err)
	}
	return merged, nil
}

// matches reports whether the decoded document satisfies every predicate in q.
func matches(data json.RawMessage, q Query) bool {
	if len(q.Wheres) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	for _, w := range q.Wheres {
		got, ok := fields[w.Field]
		if !ok {
			return false
		}
		switch w.Op {
		case OpEqual:
			if !looseEqual(got, w.Value) {
				return false
			}
		case OpIn:
			vals, ok := w.Value.([]any)
			if !ok {
				return false
			}
			found := false
			for _, v := range vals {
				if looseEqual(got, v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// looseEqual compares a decoded JSON value against a Go value, tolerating the
// float64 representation JSON decoding gives numbers.
func looseEqual(got, want any) bool {
	if gf, ok := got.(float64); ok {
		switch w := want.(type) {
		case int:
			return gf == float64(w)
		case int64:
			return gf == float64(w)
		case float64:
			return gf == w
		}
	}
	return got == want
}
