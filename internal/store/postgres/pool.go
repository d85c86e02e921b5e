// Package postgres holds the relational-store access for master data.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Pool wraps a pgx connection pool sized for the master-data refresh
// workload (one query a day, plus the eager startup refresh).
type Pool struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// New parses the database URL, opens the pool and verifies connectivity.
func New(ctx context.Context, databaseURL string, log zerolog.Logger) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MinConns = 1
	cfg.MaxConns = 5
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	log.Info().Msg("relational store connected")
	return &Pool{db: db, log: log}, nil
}

// Close releases the pool.
func (p *Pool) Close() {
	p.db.Close()
}
