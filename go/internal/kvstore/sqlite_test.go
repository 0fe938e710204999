package kvstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "coord.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestSQLite_SetGetRemove(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)

	if _, ok := s.Get("tabs/a"); ok {
		t.Error("Get on empty store reported a value")
	}

	s.Set("tabs/a", "one")
	s.Set("tabs/a", "two")
	if v, ok := s.Get("tabs/a"); !ok || v != "two" {
		t.Errorf("Get = %q %v, want two", v, ok)
	}

	s.Remove("tabs/a")
	if _, ok := s.Get("tabs/a"); ok {
		t.Error("value survived Remove")
	}
}

func TestSQLite_KeysEscapesLikePattern(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)
	s.Set("tabs/t1", "x")
	s.Set("tabs/t2", "y")
	s.Set("locks/l1", "z")
	s.Set("tabs_extra", "trap")

	keys := s.Keys("tabs/")
	if len(keys) != 2 {
		t.Fatalf("Keys(tabs/) = %v, want the two tabs entries", keys)
	}
	for _, k := range keys {
		if k != "tabs/t1" && k != "tabs/t2" {
			t.Errorf("unexpected key %q", k)
		}
	}

	// An underscore in the prefix is a literal, not a LIKE wildcard.
	if keys := s.Keys("tabs_"); len(keys) != 1 || keys[0] != "tabs_extra" {
		t.Errorf("Keys(tabs_) = %v, want only tabs_extra", keys)
	}
}

func TestSQLite_WatchSeesSetAndRemove(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)

	var mu sync.Mutex
	var got []Change
	cancel := s.Watch(func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	defer cancel()

	s.Set("broadcast/sig", "payload")
	s.Remove("broadcast/sig")

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher saw %d changes, want 2", n)
		}
		time.Sleep(sqlitePollInterval / 2)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Key != "broadcast/sig" || got[0].Value != "payload" || got[0].Removed {
		t.Errorf("first change = %+v", got[0])
	}
	if !got[1].Removed || got[1].Key != "broadcast/sig" {
		t.Errorf("second change = %+v", got[1])
	}
}
