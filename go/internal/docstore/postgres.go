package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Schema executed on startup. IF NOT EXISTS makes it safe to run every time.
const pgSchema = `
CREATE TABLE IF NOT EXISTS documents (
    path       TEXT PRIMARY KEY,
    data       JSONB NOT NULL,
    version    BIGINT NOT NULL DEFAULT 1,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresConfig holds connection and change-feed settings for the Postgres
// backend.
type PostgresConfig struct {
	DatabaseURL      string        // DSN, also used for LISTEN/NOTIFY
	NotifyChannel    string        // channel carrying changed document paths
	FallbackInterval time.Duration // poll cadence when notifications go quiet
	PingInterval     time.Duration
	TxAttempts       int // retries on serialization/deadlock aborts
}

// DefaultPostgresConfig returns production defaults.
func DefaultPostgresConfig(databaseURL string) PostgresConfig {
	return PostgresConfig{
		DatabaseURL:      databaseURL,
		NotifyChannel:    "doc_changes",
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
		TxAttempts:       5,
	}
}

// Postgres implements Store on a JSONB documents table. Transactions take
// row locks (SELECT ... FOR UPDATE) so concurrent writers serialize instead
// of losing updates; serialization aborts are retried. Subscriptions ride a
// LISTEN/NOTIFY channel with a polling fallback for missed notifications.
type Postgres struct {
	pool     *pgxpool.Pool
	listener *pq.Listener
	cfg      PostgresConfig

	mu      sync.Mutex
	subs    map[string]map[int64]func(Snapshot)
	nextSub int64
}

// NewPostgres connects the pool, applies the schema, and starts listening on
// the notify channel.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply documents schema: %w", err)
	}

	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().Str("channel", cfg.NotifyChannel).Msg("listening for document changes")

	return &Postgres{
		pool:     pool,
		listener: l,
		cfg:      cfg,
		subs:     make(map[string]map[int64]func(Snapshot)),
	}, nil
}

// Run dispatches change notifications to subscribers until ctx is cancelled.
func (p *Postgres) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(p.cfg.PingInterval)
	fallbackTicker := time.NewTicker(p.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("document change dispatcher shutting down")
			return nil
		case note := <-p.listener.Notify:
			if note == nil {
				// nil notification means the connection was lost; the pq
				// listener reconnects on its own, surface it to subscribers
				// as a recoverable stream error.
				p.dispatchError(transientErr{errors.New("change feed connection lost")})
				continue
			}
			p.dispatch(ctx, note.Extra)
		case <-fallbackTicker.C:
			p.refreshAll(ctx)
		case <-pingTicker.C:
			if err := p.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("listener ping failed")
			}
		}
	}
}

// Close releases the pool and the notification connection.
func (p *Postgres) Close() error {
	err := p.listener.Close()
	p.pool.Close()
	return err
}

func (p *Postgres) Get(ctx context.Context, path string) (*Doc, error) {
	var doc *Doc
	err := withRetry(ctx, "get", func() error {
		d, err := p.get(ctx, path)
		if err != nil {
			return err
		}
		doc = d
		return nil
	})
	return doc, err
}

func (p *Postgres) get(ctx context.Context, path string) (*Doc, error) {
	row := p.pool.QueryRow(ctx, `SELECT data, version, updated_at FROM documents WHERE path = $1`, path)
	var d Doc
	d.Path = path
	if err := row.Scan(&d.Data, &d.Version, &d.UpdateTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
		}
		return nil, classify(fmt.Errorf("failed to get document %s: %w", path, err))
	}
	return &d, nil
}

func (p *Postgres) Set(ctx context.Context, path string, data []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (path, data) VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE
		SET data = EXCLUDED.data, version = documents.version + 1, updated_at = now()`,
		path, data)
	if err != nil {
		return classify(fmt.Errorf("failed to set document %s: %w", path, err))
	}
	return p.notifyChange(ctx, path)
}

func (p *Postgres) Update(ctx context.Context, path string, partial []byte) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE documents
		SET data = data || $2::jsonb, version = version + 1, updated_at = now()
		WHERE path = $1`,
		path, partial)
	if err != nil {
		return classify(fmt.Errorf("failed to update document %s: %w", path, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	return p.notifyChange(ctx, path)
}

func (p *Postgres) Delete(ctx context.Context, path string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE path = $1`, path); err != nil {
		return classify(fmt.Errorf("failed to delete document %s: %w", path, err))
	}
	return p.notifyChange(ctx, path)
}

func (p *Postgres) notifyChange(ctx context.Context, path string) error {
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, p.cfg.NotifyChannel, path); err != nil {
		// The write itself succeeded; the fallback poller covers the gap.
		log.Error().Err(err).Str("path", path).Msg("failed to notify document change")
	}
	return nil
}

// pgTx adapts a pgx transaction to the Tx contract. Reads take row locks so
// a concurrent transaction touching the same document blocks until commit.
type pgTx struct {
	ctx     context.Context
	tx      pgx.Tx
	ops     []memOp
	changed []string
}

func (t *pgTx) Get(path string) (*Doc, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT data, version, updated_at FROM documents WHERE path = $1 FOR UPDATE`, path)
	var d Doc
	d.Path = path
	if err := row.Scan(&d.Data, &d.Version, &d.UpdateTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
		}
		return nil, classify(fmt.Errorf("failed to get document %s: %w", path, err))
	}
	return &d, nil
}

func (t *pgTx) Set(path string, data []byte) {
	t.ops = append(t.ops, memOp{kind: "set", path: path, data: append(json.RawMessage(nil), data...)})
}

func (t *pgTx) Update(path string, partial []byte) {
	t.ops = append(t.ops, memOp{kind: "update", path: path, partial: append(json.RawMessage(nil), partial...)})
}

func (t *pgTx) Delete(path string) {
	t.ops = append(t.ops, memOp{kind: "delete", path: path})
}

func (t *pgTx) flush() error {
	for _, op := range t.ops {
		var err error
		switch op.kind {
		case "set":
			_, err = t.tx.Exec(t.ctx, `
				INSERT INTO documents (path, data) VALUES ($1, $2)
				ON CONFLICT (path) DO UPDATE
				SET data = EXCLUDED.data, version = documents.version + 1, updated_at = now()`,
				op.path, []byte(op.data))
		case "update":
			var tag pgconn.CommandTag
			tag, err = t.tx.Exec(t.ctx, `
				UPDATE documents
				SET data = data || $2::jsonb, version = version + 1, updated_at = now()
				WHERE path = $1`,
				op.path, []byte(op.partial))
			if err == nil && tag.RowsAffected() == 0 {
				return fmt.Errorf("update %s: %w", op.path, ErrNotFound)
			}
		case "delete":
			_, err = t.tx.Exec(t.ctx, `DELETE FROM documents WHERE path = $1`, op.path)
		}
		if err != nil {
			return classify(fmt.Errorf("failed to apply %s on %s: %w", op.kind, op.path, err))
		}
		t.changed = append(t.changed, op.path)
	}
	return nil
}

func (p *Postgres) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.TxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		changed, err := p.runTxOnce(ctx, fn)
		if err == nil {
			for _, path := range changed {
				_ = p.notifyChange(ctx, path)
			}
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("transaction conflict, retrying")
	}
	return fmt.Errorf("transaction failed after %d attempts: %w (%v)", p.cfg.TxAttempts, ErrConflict, lastErr)
}

func (p *Postgres) runTxOnce(ctx context.Context, fn func(tx Tx) error) ([]string, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	t := &pgTx{ctx: ctx, tx: tx}
	if err := fn(t); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := t.flush(); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return t.changed, nil
}

func (p *Postgres) Subscribe(path string, fn func(Snapshot)) (func(), error) {
	p.mu.Lock()
	if p.subs[path] == nil {
		p.subs[path] = make(map[int64]func(Snapshot))
	}
	id := p.nextSub
	p.nextSub++
	p.subs[path][id] = fn
	p.mu.Unlock()

	// Initial snapshot; retried since subscription setup is idempotent.
	ctx, cancelFetch := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFetch()
	doc, err := p.Get(ctx, path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		p.removeSub(path, id)
		return nil, err
	}
	fn(Snapshot{Doc: doc})

	return func() { p.removeSub(path, id) }, nil
}

func (p *Postgres) removeSub(path string, id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if listeners, ok := p.subs[path]; ok {
		delete(listeners, id)
		if len(listeners) == 0 {
			delete(p.subs, path)
		}
	}
}

// dispatch re-reads a changed path and fans it out to its subscribers.
func (p *Postgres) dispatch(ctx context.Context, path string) {
	p.mu.Lock()
	listeners := make([]func(Snapshot), 0, len(p.subs[path]))
	for _, fn := range p.subs[path] {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()
	if len(listeners) == 0 {
		return
	}

	doc, err := p.get(ctx, path)
	snap := Snapshot{}
	switch {
	case err == nil:
		snap.Doc = doc
	case errors.Is(err, ErrNotFound):
		// deleted; deliver nil doc
	default:
		snap.Err = err
	}
	for _, fn := range listeners {
		fn(snap)
	}
}

// refreshAll re-reads every subscribed path. Covers notifications missed
// during reconnects.
func (p *Postgres) refreshAll(ctx context.Context) {
	p.mu.Lock()
	paths := make([]string, 0, len(p.subs))
	for path := range p.subs {
		paths = append(paths, path)
	}
	p.mu.Unlock()
	for _, path := range paths {
		p.dispatch(ctx, path)
	}
}

func (p *Postgres) dispatchError(err error) {
	p.mu.Lock()
	var listeners []func(Snapshot)
	for _, subs := range p.subs {
		for _, fn := range subs {
			listeners = append(listeners, fn)
		}
	}
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(Snapshot{Err: err})
	}
}

func (p *Postgres) Query(ctx context.Context, collection string, q Query) ([]Doc, error) {
	pattern := fmt.Sprintf(`^%s/[^/]+$`, regexp.QuoteMeta(collection))
	return p.queryPattern(ctx, pattern, q)
}

func (p *Postgres) QueryGroup(ctx context.Context, collectionName string, q Query) ([]Doc, error) {
	pattern := fmt.Sprintf(`(^|/)%s/[^/]+$`, regexp.QuoteMeta(collectionName))
	return p.queryPattern(ctx, pattern, q)
}

// queryPattern selects candidate rows by path shape and applies the field
// predicates in Go, so the predicate semantics stay identical across
// backends.
func (p *Postgres) queryPattern(ctx context.Context, pattern string, q Query) ([]Doc, error) {
	rows, err := p.pool.Query(ctx, `SELECT path, data, version, updated_at FROM documents WHERE path ~ $1`, pattern)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query documents: %w", err))
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		var d Doc
		if err := rows.Scan(&d.Path, &d.Data, &d.Version, &d.UpdateTime); err != nil {
			return nil, classify(fmt.Errorf("failed to scan document row: %w", err))
		}
		if matches(d.Data, q) {
			out = append(out, d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("failed to read query rows: %w", err))
	}
	if q.OrderByField != "" {
		sortDocs(out, q.OrderByField, q.Descending)
	}
	return out, nil
}

// transientErr wraps a failure classified as retryable.
type transientErr struct{ err error }

func (e transientErr) Error() string   { return e.err.Error() }
func (e transientErr) Unwrap() error   { return e.err }
func (e transientErr) Retryable() bool { return true }

// classify wraps connection-level and resource-exhaustion failures as
// retryable; everything else passes through unchanged.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		if strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") || code == "57P03" {
			return transientErr{err}
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return transientErr{err}
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
