package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/snookerhq/livesync/go/internal/dbconfig"
	"github.com/snookerhq/livesync/go/internal/docstore"
	"github.com/snookerhq/livesync/go/internal/kvstore"
)

// setupDocstore selects the document-store backend. DOCSTORE=memory runs a
// single process without Postgres; anything else connects to the database
// from DB_* env vars and starts the change-feed dispatcher.
func setupDocstore(ctx context.Context) (docstore.Store, func(), error) {
	if getEnv("DOCSTORE", "postgres") == "memory" {
		log.Warn().Msg("using in-memory document store, state is lost on exit")
		return docstore.NewMemory(), func() {}, nil
	}

	cfg := dbconfig.NewConfigFromEnv()
	store, err := docstore.NewPostgres(ctx, docstore.DefaultPostgresConfig(cfg.DSN()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect document store: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := store.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("document change dispatcher stopped")
		}
	}()

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("connected to document store")

	cleanup := func() {
		cancel()
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close document store")
		}
	}
	return store, cleanup, nil
}

// setupKV opens the shared key-value store the tab coordination layer uses.
// KV_PATH names a SQLite file shared by every process on the host; empty
// means a process-private in-memory store.
func setupKV(ctx context.Context) (kvstore.KV, func(), error) {
	path := getEnv("KV_PATH", "")
	if path == "" {
		log.Warn().Msg("using in-memory key-value store, cross-process coordination disabled")
		return kvstore.NewMemory(), func() {}, nil
	}

	kv, err := kvstore.NewSQLite(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open shared key-value store: %w", err)
	}
	log.Info().Str("path", path).Msg("opened shared key-value store")

	cleanup := func() {
		if err := kv.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close key-value store")
		}
	}
	return kv, cleanup, nil
}

// setupBroadcaster connects the optional low-latency broadcast channel.
// Without NATS_URL, tab messaging degrades to the key-value signal path.
func setupBroadcaster() kvstore.Broadcaster {
	url := getEnv("NATS_URL", "")
	if url == "" {
		return nil
	}

	cfg := kvstore.DefaultNATSConfig()
	cfg.URL = url
	bc, err := kvstore.NewNATSBroadcaster(cfg)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("broadcast channel unavailable, falling back to key-value signalling")
		return nil
	}
	log.Info().Str("url", url).Msg("connected broadcast channel")
	return bc
}
