package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Pools holds the read-only and read-write connection pools. When no
// separate replica is configured both fields point at the same pool.
type Pools struct {
	Read  *pgxpool.Pool
	Write *pgxpool.Pool
}

// NewPools connects the read-write pool to writeURL and the read pool to
// readURL. An empty readURL, or one equal to writeURL, shares the write pool.
func NewPools(ctx context.Context, writeURL, readURL string, maxConns, minConns int32) (*Pools, error) {
	write, err := NewPool(ctx, writeURL, maxConns, minConns)
	if err != nil {
		return nil, fmt.Errorf("read-write pool: %w", err)
	}
	if readURL == "" || readURL == writeURL {
		return &Pools{Read: write, Write: write}, nil
	}

	read, err := NewPool(ctx, readURL, maxConns, minConns)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("read pool: %w", err)
	}
	return &Pools{Read: read, Write: write}, nil
}

// Close closes both pools once each.
func (p *Pools) Close() {
	if p.Read != p.Write {
		p.Read.Close()
	}
	p.Write.Close()
}
