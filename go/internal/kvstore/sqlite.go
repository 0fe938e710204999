package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// sqliteSchema contains the DDL executed on first open. IF NOT EXISTS makes
// it safe to run on every startup. The changes table is an append-only
// mutation log watchers poll; it lets a deletion still reach watchers after
// the kv row is gone.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS changes (
    rev     INTEGER PRIMARY KEY AUTOINCREMENT,
    key     TEXT NOT NULL,
    value   TEXT NOT NULL DEFAULT '',
    removed INTEGER NOT NULL DEFAULT 0
);
`

// sqlitePollInterval is the watch poll cadence. Coordination intervals are
// seconds, so sub-second polling keeps watchers fresh without load.
const sqlitePollInterval = 250 * time.Millisecond

// changeRetention bounds the mutation log; rows this far behind the newest
// rev are pruned.
const changeRetention = 1000

// SQLite is a KV implementation over a shared SQLite file in WAL mode, so
// multiple OS processes on a host coordinate through the same store. Watch
// is polling-based over the changes log.
type SQLite struct {
	db *sql.DB

	mu       sync.Mutex
	watchers map[int64]func(Change)
	nextID   int64

	cancelPoll context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

// NewSQLite opens (or creates) the shared store at dbPath and starts the
// watch poller.
func NewSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open database: %w", err)
	}

	// Single connection avoids SQLITE_BUSY contention between pooled
	// connections that each need their own PRAGMA setup; WAL still lets
	// other processes read while we write.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("kvstore: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: create schema: %w", err)
	}

	s := &SQLite{
		db:       db,
		watchers: make(map[int64]func(Change)),
		done:     make(chan struct{}),
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancelPoll = cancel
	go s.poll(pollCtx)

	return s, nil
}

// Close stops the poller and releases the database. Safe to call more than
// once.
func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancelPoll()
		<-s.done
		err = s.db.Close()
	})
	return err
}

func (s *SQLite) Get(key string) (string, bool) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Error().Err(err).Str("key", key).Msg("kvstore get failed")
		}
		return "", false
	}
	return v, true
}

func (s *SQLite) Set(key, value string) {
	tx, err := s.db.Begin()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("kvstore set failed")
		return
	}
	_, err = tx.Exec(`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err == nil {
		_, err = tx.Exec(`INSERT INTO changes (key, value) VALUES (?, ?)`, key, value)
	}
	if err != nil {
		_ = tx.Rollback()
		log.Error().Err(err).Str("key", key).Msg("kvstore set failed")
		return
	}
	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("kvstore set commit failed")
	}
}

func (s *SQLite) Remove(key string) {
	tx, err := s.db.Begin()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("kvstore remove failed")
		return
	}
	res, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err == nil {
		if n, _ := res.RowsAffected(); n > 0 {
			_, err = tx.Exec(`INSERT INTO changes (key, removed) VALUES (?, 1)`, key)
		}
	}
	if err != nil {
		_ = tx.Rollback()
		log.Error().Err(err).Str("key", key).Msg("kvstore remove failed")
		return
	}
	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("kvstore remove commit failed")
	}
}

func (s *SQLite) Keys(prefix string) []string {
	rows, err := s.db.Query(`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("kvstore keys failed")
		return nil
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			log.Error().Err(err).Msg("kvstore keys scan failed")
			return out
		}
		out = append(out, k)
	}
	return out
}

func (s *SQLite) Watch(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// poll tails the changes log and fans mutations out to watchers.
func (s *SQLite) poll(ctx context.Context) {
	defer close(s.done)

	lastRev := s.currentRev()
	ticker := time.NewTicker(sqlitePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lastRev = s.drainChanges(lastRev)
		}
	}
}

// currentRev returns the newest change rev so a fresh watcher only sees
// mutations made after it attached.
func (s *SQLite) currentRev() int64 {
	var rev sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(rev) FROM changes`).Scan(&rev); err != nil {
		log.Error().Err(err).Msg("kvstore rev query failed")
		return 0
	}
	return rev.Int64
}

func (s *SQLite) drainChanges(after int64) int64 {
	rows, err := s.db.Query(`SELECT rev, key, value, removed FROM changes WHERE rev > ? ORDER BY rev`, after)
	if err != nil {
		log.Error().Err(err).Msg("kvstore change poll failed")
		return after
	}
	type pending struct {
		rev int64
		c   Change
	}
	var changes []pending
	for rows.Next() {
		var p pending
		var removed int
		if err := rows.Scan(&p.rev, &p.c.Key, &p.c.Value, &removed); err != nil {
			log.Error().Err(err).Msg("kvstore change scan failed")
			break
		}
		p.c.Removed = removed != 0
		changes = append(changes, p)
	}
	rows.Close()

	last := after
	for _, p := range changes {
		s.mu.Lock()
		watchers := make([]func(Change), 0, len(s.watchers))
		for _, fn := range s.watchers {
			watchers = append(watchers, fn)
		}
		s.mu.Unlock()
		dispatch(watchers, p.c)
		last = p.rev
	}

	if last > changeRetention {
		if _, err := s.db.Exec(`DELETE FROM changes WHERE rev <= ?`, last-changeRetention); err != nil {
			log.Error().Err(err).Msg("kvstore change prune failed")
		}
	}
	return last
}

// likePrefix escapes LIKE metacharacters in prefix and appends the wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
