package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestMemory_GetSetUpdate(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Get(ctx, "matches/m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent doc, got %v", err)
	}

	if err := m.Set(ctx, "matches/m1", []byte(`{"status":"scheduled","round":2}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Update(ctx, "matches/m1", []byte(`{"status":"in_progress"}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	doc, err := m.Get(ctx, "matches/m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got map[string]any
	if err := doc.DecodeInto(&got); err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	if got["status"] != "in_progress" {
		t.Errorf("expected merged status in_progress, got %v", got["status"])
	}
	if got["round"] != float64(2) {
		t.Errorf("expected round preserved by partial update, got %v", got["round"])
	}

	if err := m.Update(ctx, "matches/missing", []byte(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating absent doc, got %v", err)
	}
}

func TestMemory_TransactionIsAtomic(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	if err := m.Set(ctx, "live_matches/m1", []byte(`{"is_live":true}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Second write targets an absent document via Update; the whole
	// transaction must roll back.
	err := m.RunTransaction(ctx, func(tx Tx) error {
		if _, err := tx.Get("live_matches/m1"); err != nil {
			return err
		}
		tx.Set("live_matches/m1", []byte(`{"is_live":false}`))
		tx.Update("matches/missing", []byte(`{"status":"completed"}`))
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from commit, got %v", err)
	}

	doc, err := m.Get(ctx, "live_matches/m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got map[string]any
	_ = doc.DecodeInto(&got)
	if got["is_live"] != true {
		t.Errorf("partial commit observed: is_live = %v, want true", got["is_live"])
	}
}

func TestMemory_ConcurrentTransactionsDoNotLoseUpdates(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	if err := m.Set(ctx, "counters/c1", []byte(`{"n":0}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.RunTransaction(ctx, func(tx Tx) error {
				doc, err := tx.Get("counters/c1")
				if err != nil {
					return err
				}
				var v struct {
					N int `json:"n"`
				}
				if err := doc.DecodeInto(&v); err != nil {
					return err
				}
				v.N++
				data, _ := json.Marshal(v)
				tx.Set("counters/c1", data)
				return nil
			})
			if err != nil {
				t.Errorf("transaction: %v", err)
			}
		}()
	}
	wg.Wait()

	doc, err := m.Get(ctx, "counters/c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var v struct {
		N int `json:"n"`
	}
	_ = doc.DecodeInto(&v)
	if v.N != writers {
		t.Errorf("lost updates: n = %d, want %d", v.N, writers)
	}
}

func TestMemory_SubscribeDeliversInitialAndChanges(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []*Doc
	cancel, err := m.Subscribe("live_matches/m1", func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.Doc)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	mu.Lock()
	if len(seen) != 1 || seen[0] != nil {
		t.Fatalf("expected initial nil snapshot for absent doc, got %v", seen)
	}
	mu.Unlock()

	if err := m.Set(ctx, "live_matches/m1", []byte(`{"is_live":true}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mu.Lock()
	if len(seen) != 2 || seen[1] == nil {
		t.Fatalf("expected change snapshot after Set, got %d snapshots", len(seen))
	}
	mu.Unlock()

	cancel()
	if err := m.Set(ctx, "live_matches/m1", []byte(`{"is_live":false}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mu.Lock()
	if len(seen) != 2 {
		t.Errorf("listener fired after cancel: %d snapshots", len(seen))
	}
	mu.Unlock()
}

func TestMemory_QueryAndQueryGroup(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	mustSet := func(path, data string) {
		t.Helper()
		if err := m.Set(ctx, path, []byte(data)); err != nil {
			t.Fatalf("Set %s: %v", path, err)
		}
	}
	mustSet("matches/m1", `{"match_id":"m1","status":"completed","rank":3}`)
	mustSet("matches/m2", `{"match_id":"m2","status":"scheduled","rank":1}`)
	mustSet("tournaments/t1/matches/m3", `{"match_id":"m3","status":"completed","rank":2}`)

	docs, err := m.Query(ctx, "matches", Query{
		Wheres: []Where{{Field: "status", Op: OpEqual, Value: "completed"}},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 || docs[0].Path != "matches/m1" {
		t.Errorf("Query returned %v, want only matches/m1", docs)
	}

	group, err := m.QueryGroup(ctx, "matches", Query{OrderByField: "rank"})
	if err != nil {
		t.Fatalf("QueryGroup: %v", err)
	}
	if len(group) != 3 {
		t.Fatalf("QueryGroup returned %d docs, want 3", len(group))
	}
	if group[0].Path != "matches/m2" || group[2].Path != "matches/m1" {
		t.Errorf("QueryGroup ordering wrong: %s, %s, %s", group[0].Path, group[1].Path, group[2].Path)
	}

	in, err := m.Query(ctx, "matches", Query{
		Wheres: []Where{{Field: "match_id", Op: OpIn, Value: []any{"m1", "m2"}}},
	})
	if err != nil {
		t.Fatalf("Query in: %v", err)
	}
	if len(in) != 2 {
		t.Errorf("in-predicate returned %d docs, want 2", len(in))
	}
}
