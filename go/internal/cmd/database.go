package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/storychain/go/internal/dbconfig"
	"github.com/mcdev12/storychain/go/internal/progress"
)

// setupDatabase opens the database/sql handle used for game results.
func setupDatabase(ctx context.Context, dbCfg dbconfig.Config) (*sql.DB, error) {
	database, err := progress.Open(ctx, dbCfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	dbCfg.Apply(database)

	log.Info().
		Str("user", dbCfg.User).
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Name).
		Msg("connected to database")
	return database, nil
}

// setupPool opens the pgx pool the stage catalog reads from.
func setupPool(ctx context.Context, dbCfg dbconfig.Config) (*pgxpool.Pool, error) {
	poolCfg, err := dbCfg.PoolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
