package tabsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/snookerhq/livesync/go/internal/kvstore"
)

// withID pins the tab identity so liveness and election are deterministic.
func withID(id string) Option {
	return func(c *Coordinator) { c.id = id }
}

func newTestCoordinator(t *testing.T, kv kvstore.KV, clock clockwork.Clock, id string) *Coordinator {
	t.Helper()
	c := New(kv, WithClock(clock), withID(id))
	t.Cleanup(c.Destroy)
	return c
}

func TestLeaderElection_SmallestIDWins(t *testing.T) {
	t.Parallel()

	kv := kvstore.NewMemory()
	clock := clockwork.NewFakeClock()

	a := newTestCoordinator(t, kv, clock, "tab_100_a")
	b := newTestCoordinator(t, kv, clock, "tab_050_b")
	c := newTestCoordinator(t, kv, clock, "tab_200_c")

	for _, co := range []*Coordinator{a, b, c} {
		co.cleanup()
	}

	if a.IsLeader() || !b.IsLeader() || c.IsLeader() {
		t.Errorf("leaders = a:%v b:%v c:%v, want only tab_050_b", a.IsLeader(), b.IsLeader(), c.IsLeader())
	}
	if n := a.ActiveTabCount(); n != 3 {
		t.Errorf("active tabs = %d, want 3", n)
	}
}

func TestLeaderElection_ConvergesAfterLeaderDies(t *testing.T) {
	t.Parallel()

	kv := kvstore.NewMemory()
	clock := clockwork.NewFakeClock()

	a := newTestCoordinator(t, kv, clock, "tab_100_a")
	b := newTestCoordinator(t, kv, clock, "tab_050_b")
	c := newTestCoordinator(t, kv, clock, "tab_200_c")

	a.cleanup()
	b.cleanup()
	c.cleanup()
	if !b.IsLeader() {
		t.Fatal("tab_050_b not initial leader")
	}

	// b stops heartbeating; the survivors keep refreshing. One cleanup
	// cycle after b's entry ages past the liveness timeout, leadership
	// converges to the next smallest id.
	clock.Advance(livenessTimeout + time.Second)
	a.heartbeat()
	c.heartbeat()
	a.cleanup()
	c.cleanup()

	if !a.IsLeader() {
		t.Error("tab_100_a did not take over leadership")
	}
	if c.IsLeader() {
		t.Error("tab_200_c believes it is leader")
	}
	if _, ok := kv.Get(tabPrefix + "tab_050_b"); ok {
		t.Error("stale liveness entry for tab_050_b not pruned")
	}
}

func TestBroadcast_FiltersSelfAndDelivers(t *testing.T) {
	t.Parallel()

	kv := kvstore.NewMemory()
	clock := clockwork.NewFakeClock()

	a := newTestCoordinator(t, kv, clock, "tab_100_a")
	b := newTestCoordinator(t, kv, clock, "tab_200_b")

	var got []SyncMessage
	cancel := a.AddListener("score_changed", func(msg SyncMessage) {
		got = append(got, msg)
	})
	defer cancel()

	var selfFired bool
	b.AddListener("score_changed", func(SyncMessage) { selfFired = true })

	if err := b.Broadcast("score_changed", map[string]int{"frame": 2}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("listener fired %d times, want 1", len(got))
	}
	if got[0].TabID != "tab_200_b" || got[0].Type != "score_changed" {
		t.Errorf("envelope = %+v", got[0])
	}
	var payload map[string]int
	if err := json.Unmarshal(got[0].Data, &payload); err != nil || payload["frame"] != 2 {
		t.Errorf("payload = %s (%v)", got[0].Data, err)
	}
	if selfFired {
		t.Error("sender's own listener fired from its broadcast")
	}

	// The fallback signal must not persist in the store.
	if keys := kv.Keys(broadcastPrefix); len(keys) != 0 {
		t.Errorf("broadcast keys left behind: %v", keys)
	}

	cancel()
	if err := b.Broadcast("score_changed", nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if len(got) != 1 {
		t.Error("cancelled listener still fired")
	}
}

func TestLocks_RoundTripAndExpiry(t *testing.T) {
	t.Parallel()

	kv := kvstore.NewMemory()
	clock := clockwork.NewFakeClock()

	a := newTestCoordinator(t, kv, clock, "tab_100_a")
	b := newTestCoordinator(t, kv, clock, "tab_200_b")

	if err := a.AcquireLock("match-42", 10*time.Second); err != nil {
		t.Fatalf("a AcquireLock: %v", err)
	}

	var lockErr *LockTimeoutError
	if err := b.AcquireLock("match-42", 10*time.Second); !errors.As(err, &lockErr) {
		t.Fatalf("b AcquireLock = %v, want LockTimeoutError", err)
	}
	if lockErr.Holder != "tab_100_a" {
		t.Errorf("holder = %q", lockErr.Holder)
	}

	// Releasing someone else's lock is a no-op.
	b.ReleaseLock("match-42")
	if err := b.AcquireLock("match-42", 10*time.Second); !errors.As(err, &lockErr) {
		t.Error("foreign release cleared the lock")
	}

	a.ReleaseLock("match-42")
	if err := b.AcquireLock("match-42", 10*time.Second); err != nil {
		t.Fatalf("b AcquireLock after release: %v", err)
	}
	b.ReleaseLock("match-42")

	// A crashed holder's lock expires after the timeout window.
	if err := a.AcquireLock("match-42", 10*time.Second); err != nil {
		t.Fatalf("a re-AcquireLock: %v", err)
	}
	clock.Advance(11 * time.Second)
	if err := b.AcquireLock("match-42", 10*time.Second); err != nil {
		t.Errorf("expired lock not taken over: %v", err)
	}
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	t.Parallel()

	kv := kvstore.NewMemory()
	clock := clockwork.NewFakeClock()

	a := newTestCoordinator(t, kv, clock, "tab_100_a")
	b := newTestCoordinator(t, kv, clock, "tab_200_b")

	wantErr := errors.New("boom")
	if err := a.WithLock("round-advance", 10*time.Second, func() error {
		var lockErr *LockTimeoutError
		if err := b.AcquireLock("round-advance", 10*time.Second); !errors.As(err, &lockErr) {
			t.Error("lock not held during WithLock body")
		}
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("WithLock = %v, want propagated body error", err)
	}

	if err := b.AcquireLock("round-advance", 10*time.Second); err != nil {
		t.Errorf("lock not released after failing body: %v", err)
	}
}

func TestRequestData(t *testing.T) {
	t.Parallel()

	kv := kvstore.NewMemory()
	clock := clockwork.NewFakeClock()

	a := newTestCoordinator(t, kv, clock, "tab_100_a")
	b := newTestCoordinator(t, kv, clock, "tab_200_b")

	cancel := b.RespondTo("live_matches/m1", func() (any, bool) {
		return map[string]any{"match_id": "m1", "is_live": true}, true
	})
	defer cancel()

	raw, err := a.RequestData(context.Background(), "live_matches/m1")
	if err != nil {
		t.Fatalf("RequestData: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload["match_id"] != "m1" {
		t.Errorf("response = %s (%v)", raw, err)
	}
}

func TestRequestData_Timeout(t *testing.T) {
	t.Parallel()

	kv := kvstore.NewMemory()
	clock := clockwork.NewFakeClock()

	a := newTestCoordinator(t, kv, clock, "tab_100_a")

	errCh := make(chan error, 1)
	go func() {
		_, err := a.RequestData(context.Background(), "nobody-home")
		errCh <- err
	}()

	// Wait for the request timer to arm, then expire it.
	clock.BlockUntil(1)
	clock.Advance(requestTimeout)

	var timeoutErr *DataRequestTimeoutError
	if err := <-errCh; !errors.As(err, &timeoutErr) {
		t.Fatalf("RequestData = %v, want DataRequestTimeoutError", err)
	}
	if timeoutErr.Key != "nobody-home" || !timeoutErr.Retryable() {
		t.Errorf("timeout error = %+v", timeoutErr)
	}

	// Pending response listener must be gone after the timeout.
	a.mu.Lock()
	n := len(a.listeners)
	a.mu.Unlock()
	if n != 0 {
		t.Errorf("%d listeners leaked after timeout", n)
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	t.Parallel()

	kv := kvstore.NewMemory()
	clock := clockwork.NewFakeClock()

	a := New(kv, WithClock(clock), withID("tab_100_a"))
	if _, ok := kv.Get(tabPrefix + "tab_100_a"); !ok {
		t.Fatal("liveness entry missing after New")
	}

	a.Destroy()
	a.Destroy()

	if _, ok := kv.Get(tabPrefix + "tab_100_a"); ok {
		t.Error("liveness entry survived Destroy")
	}
}
