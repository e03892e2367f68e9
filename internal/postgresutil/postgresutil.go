package postgresutil

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the PostgreSQL connection configuration.
type Config struct {
	DSN string `env:"DSN,required"`
}

func NewPool(ctx context.Context, connectionString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return pool, nil
}
