package session

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

const commandValidate = "validate"

type bridgeRequest struct {
	AccessIdentifier     string `json:"accessIdentifier"`
	Command              string `json:"command"`
	MinimumSecurityLevel string `json:"minimumSecurityLevel"`
	DMAPIVersion         string `json:"dmApiVersion"`
}

type bridgeResponse struct {
	Error string `json:"error,omitempty"`
}

// bridge receives requests from the instance on a loopback port.
// Only the first validate request counts.
type bridge struct {
	accessIdentifier string
	logger           *slog.Logger
	mux              *http.ServeMux

	contacted     chan struct{}
	contactedOnce sync.Once

	mu        sync.Mutex
	validated bool
	status    APIValidationStatus
	version   *semver.Version
}

func newBridge(accessIdentifier string, logger *slog.Logger) *bridge {
	b := &bridge{
		accessIdentifier: accessIdentifier,
		logger:           logger,
		mux:              http.NewServeMux(),
		contacted:        make(chan struct{}),
	}
	b.mux.HandleFunc("POST /bridge", b.handleBridge)
	return b
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mux.ServeHTTP(w, r)
}

func (b *bridge) result() (APIValidationStatus, *semver.Version) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.version
}

func (b *bridge) handleBridge(w http.ResponseWriter, r *http.Request) {
	var req bridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &bridgeResponse{Error: "invalid json"})
		return
	}
	if req.AccessIdentifier != b.accessIdentifier {
		b.logger.Warn("rejected bridge request", "reason", "access identifier mismatch")
		writeJSON(w, http.StatusForbidden, &bridgeResponse{Error: "access denied"})
		return
	}

	b.contactedOnce.Do(func() { close(b.contacted) })

	switch req.Command {
	case commandValidate:
		b.validate(&req)
		writeJSON(w, http.StatusOK, &bridgeResponse{})
	default:
		writeJSON(w, http.StatusBadRequest, &bridgeResponse{Error: "unknown command"})
	}
}

func (b *bridge) validate(req *bridgeRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.validated {
		b.logger.Warn("ignored repeated validation request")
		return
	}
	b.validated = true

	version, err := semver.NewVersion(req.DMAPIVersion)
	if err != nil {
		b.logger.Warn("received bad validation request", "dm_api_version", req.DMAPIVersion, "error", err)
		b.status = BadValidationRequest
		return
	}

	level, known := compilejob.ParseSecurityLevel(req.MinimumSecurityLevel)
	if !known {
		b.logger.Warn("received bad validation request", "minimum_security_level", req.MinimumSecurityLevel)
		b.status = BadValidationRequest
		return
	}

	switch level {
	case compilejob.SecurityLevelTrusted:
		b.status = RequiresTrusted
	case compilejob.SecurityLevelSafe:
		b.status = RequiresSafe
	default:
		b.status = RequiresUltrasafe
	}
	b.version = version
	b.logger.Info("validated", "minimum_security_level", level.String(), "dm_api_version", version.String())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
