// Package server serves the health, lock stats and metrics endpoints of the deployer.
package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// Builds is implemented by *dmb.Factory.
type Builds interface {
	DmbAvailable() bool
	LogLockStats(w io.Writer)
}

// New returns a new HTTP server.
// It should be started with http.Server's ListenAndServe.
func New(cfg *Config, log *slog.Logger, builds Builds, gatherer prometheus.Gatherer) *http.Server {
	subLogger := log.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	h := newHandler(builds, gatherer, subLogLogger)

	return &http.Server{
		Addr:              cfg.addr(),
		ErrorLog:          subLogLogger,
		Handler:           h,
		ReadHeaderTimeout: cfg.readHeaderTimeout(),
	}
}
