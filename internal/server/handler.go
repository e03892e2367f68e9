package server

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type handler struct {
	mux    *http.ServeMux
	builds Builds
}

func newHandler(builds Builds, gatherer prometheus.Gatherer, errorLog *log.Logger) *handler {
	mux := http.NewServeMux()
	h := &handler{mux: mux, builds: builds}

	mux.HandleFunc("GET /health", h.GetHealth)
	mux.HandleFunc("GET /locks", h.GetLocks)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{ErrorLog: errorLog}))

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status       string `json:"status"`
		DmbAvailable bool   `json:"dmb_available"`
	}

	resp := response{Status: "ok", DmbAvailable: h.builds.DmbAvailable()}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
}

func (h *handler) GetLocks(w http.ResponseWriter, r *http.Request) {
	buf := new(bytes.Buffer)
	h.builds.LogLockStats(buf)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
