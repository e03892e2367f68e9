package main

import (
	"github.com/caarlos0/env/v11"

	"github.com/k11v/dreamdeploy/internal/postgresutil"
)

// config holds the migration tool configuration. It shares the
// DREAMDEPLOY_DEVELOPMENT and DREAMDEPLOY_POSTGRES_* variables with cmd/deployer.
type config struct {
	Development bool                `env:"DREAMDEPLOY_DEVELOPMENT"`
	Postgres    postgresutil.Config `envPrefix:"DREAMDEPLOY_POSTGRES_"` // DREAMDEPLOY_POSTGRES_DSN is required
}

// parseConfig parses the configuration from environ.
func parseConfig(environ []string) (*config, error) {
	var cfg config

	if err := env.ParseWithOptions(&cfg, env.Options{Environment: env.ToMap(environ)}); err != nil {
		return nil, err
	}
	return &cfg, nil
}
