package tabsync

import (
	"strconv"
	"strings"
	"time"
)

// lockValue is "{tabId}_{acquireUnixMilli}". Tab ids contain underscores, so
// the timestamp is everything after the last one.
func (c *Coordinator) lockValue(at time.Time) string {
	return c.id + "_" + strconv.FormatInt(at.UnixMilli(), 10)
}

func parseLockValue(v string) (holder string, acquired time.Time, ok bool) {
	i := strings.LastIndex(v, "_")
	if i <= 0 {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return v[:i], time.UnixMilli(ms), true
}

// AcquireLock takes the named advisory lock if no live holder exists. A held
// lock older than timeout is expired and may be taken over. The write is
// re-read to confirm ownership; losing that race surfaces as held-by-other.
//
// The check-then-set window is accepted: these locks deduplicate
// coordination side effects, while data integrity comes from the document
// store's transactions.
func (c *Coordinator) AcquireLock(name string, timeout time.Duration) error {
	key := lockPrefix + name
	now := c.clock.Now()

	if raw, ok := c.kv.Get(key); ok {
		holder, acquired, parsed := parseLockValue(raw)
		if parsed && holder != c.id && now.Sub(acquired) < timeout {
			return &LockTimeoutError{Name: name, Holder: holder}
		}
	}

	c.kv.Set(key, c.lockValue(now))

	// Two tabs can pass the check together; the re-read decides who won.
	raw, ok := c.kv.Get(key)
	if !ok {
		return &LockTimeoutError{Name: name, Holder: "unknown"}
	}
	holder, _, parsed := parseLockValue(raw)
	if !parsed || holder != c.id {
		return &LockTimeoutError{Name: name, Holder: holder}
	}
	return nil
}

// ReleaseLock clears the named lock only if this process holds it.
func (c *Coordinator) ReleaseLock(name string) {
	key := lockPrefix + name
	raw, ok := c.kv.Get(key)
	if !ok {
		return
	}
	if holder, _, parsed := parseLockValue(raw); !parsed || holder != c.id {
		return
	}
	c.kv.Remove(key)
}

// WithLock runs fn while holding the named lock, releasing on every exit
// path including a panic in fn.
func (c *Coordinator) WithLock(name string, timeout time.Duration, fn func() error) error {
	if err := c.AcquireLock(name, timeout); err != nil {
		return err
	}
	defer c.ReleaseLock(name)
	return fn()
}
