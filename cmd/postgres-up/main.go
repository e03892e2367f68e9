package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/k11v/dreamdeploy/internal/postgresprovision"
)

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(environ []string) error {
	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Development).With("component", "postgres-up")

	logger.Info("applying migrations")
	if err = postgresprovision.Setup(cfg.Postgres.DSN); err != nil {
		return err
	}
	logger.Info("applied migrations")

	return nil
}

func newLogger(development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
