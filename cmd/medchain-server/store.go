package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medchain/medchain/internal/config"
	"github.com/medchain/medchain/internal/domain/consent"
	"github.com/medchain/medchain/internal/platform/db"
)

// openStore connects the configured backend and brings its schema up to
// date.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*consent.Store, db.Check, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn().Msg("memory store: requests and audit events are lost on restart")
		return consent.NewMemoryStore(), db.Check{Driver: config.DriverMemory}, nil

	case config.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, db.SQLiteConfig{Path: cfg.SQLitePath})
		if err != nil {
			return nil, db.Check{}, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		store := consent.NewSQLiteStore(conn)
		return store, db.Check{Driver: config.DriverSQLite, Ping: store.Ping}, nil

	case config.DriverPostgres:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, db.Check{}, err
		}
		n, err := db.NewMigrator(pool, db.PostgresMigrations()).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, db.Check{}, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("connected to postgres")
		store := consent.NewPostgresStore(pool)
		return store, db.Check{
			Driver: config.DriverPostgres,
			Ping:   store.Ping,
			Stats:  func() any { return db.GetPoolStats(pool) },
		}, nil
	}
	return nil, db.Check{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "medchain-server",
	})
}
