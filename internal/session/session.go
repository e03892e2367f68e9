// Package session launches throwaway server instances that validate a
// compiled build against the host API.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

var ErrLaunchFailed = errors.New("launch failed")

// APIValidationStatus is what a validation instance reported.
type APIValidationStatus int

const (
	NeverValidated APIValidationStatus = iota
	BadValidationRequest
	RequiresTrusted
	RequiresSafe
	RequiresUltrasafe
)

func (s APIValidationStatus) String() string {
	switch s {
	case NeverValidated:
		return "never validated"
	case BadValidationRequest:
		return "bad validation request"
	case RequiresTrusted:
		return "requires trusted"
	case RequiresSafe:
		return "requires safe"
	case RequiresUltrasafe:
		return "requires ultrasafe"
	default:
		return "unknown"
	}
}

// SecurityLevel returns the level a Requires* status stands for.
func (s APIValidationStatus) SecurityLevel() (level compilejob.SecurityLevel, ok bool) {
	switch s {
	case RequiresTrusted:
		return compilejob.SecurityLevelTrusted, true
	case RequiresSafe:
		return compilejob.SecurityLevelSafe, true
	case RequiresUltrasafe:
		return compilejob.SecurityLevelUltrasafe, true
	default:
		return 0, false
	}
}

type LaunchParams struct {
	ServerPath     string                   // required
	Directory      string                   // required
	DmbName        string                   // required
	Port           int                      // required
	SecurityLevel  compilejob.SecurityLevel // required
	StartupTimeout time.Duration            // required
}

type LaunchResult struct {
	StartupTime *time.Duration // nil if the instance didn't start within the startup timeout
	ExitCode    *int           // set if the instance exited during startup
}

type Launcher struct {
	logger *slog.Logger
}

func NewLauncher(logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{logger: logger.With("component", "session")}
}

// Launch starts the validation instance and its bridge.
// The caller must Close the session.
func (l *Launcher) Launch(ctx context.Context, params *LaunchParams) (*Session, error) {
	accessIdentifier := uuid.NewString()
	b := newBridge(accessIdentifier, l.logger)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	bridgePort := lis.Addr().(*net.TCPAddr).Port

	query := url.Values{}
	query.Set("tgs_validation", "1")
	query.Set("tgs_bridge_port", strconv.Itoa(bridgePort))
	query.Set("tgs_access_identifier", accessIdentifier)

	processCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(
		processCtx,
		params.ServerPath,
		params.DmbName,
		"-port", strconv.Itoa(params.Port),
		"-"+params.SecurityLevel.String(),
		"-invisible",
		"-close",
		"-params", query.Encode(),
	)
	cmd.Dir = params.Directory
	cmd.WaitDelay = 5 * time.Second
	output := new(lockedBuffer)
	cmd.Stdout = output
	cmd.Stderr = output

	server := &http.Server{Handler: b, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if serveErr := server.Serve(lis); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			l.logger.Warn("bridge stopped", "error", serveErr)
		}
	}()

	startedAt := time.Now()
	if err = cmd.Start(); err != nil {
		cancel()
		_ = server.Close()
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	l.logger.Info("launched validation instance", "pid", cmd.Process.Pid, "port", params.Port, "bridge_port", bridgePort)

	s := &Session{
		bridge:   b,
		server:   server,
		cancel:   cancel,
		output:   output,
		logger:   l.logger,
		exited:   make(chan struct{}),
		launched: make(chan struct{}),
	}

	go func() {
		waitErr := cmd.Wait()
		exitCode := 0
		if exitErr := (*exec.ExitError)(nil); errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if waitErr != nil {
			exitCode = -1
		}
		s.exitCode = exitCode
		close(s.exited)
	}()

	go func() {
		timer := time.NewTimer(params.StartupTimeout)
		defer timer.Stop()

		result := new(LaunchResult)
		select {
		case <-b.contacted:
			d := time.Since(startedAt)
			result.StartupTime = &d
		case <-s.exited:
			d := time.Since(startedAt)
			result.StartupTime = &d
			exitCode := s.exitCode
			result.ExitCode = &exitCode
		case <-timer.C:
			l.logger.Warn("validation instance didn't start in time", "startup_timeout", params.StartupTimeout)
		}
		s.launchResult = result
		close(s.launched)
	}()

	return s, nil
}

type Session struct {
	bridge *bridge
	server *http.Server
	cancel context.CancelFunc
	output *lockedBuffer
	logger *slog.Logger

	exited   chan struct{}
	exitCode int // valid after exited is closed

	launched     chan struct{}
	launchResult *LaunchResult // valid after launched is closed

	closeOnce sync.Once
}

// LaunchResult waits for the instance to start, exit or run out of startup time.
func (s *Session) LaunchResult(ctx context.Context) (*LaunchResult, error) {
	select {
	case <-s.launched:
		return s.launchResult, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lifetime waits for the instance to exit and returns its exit code.
func (s *Session) Lifetime(ctx context.Context) (int, error) {
	select {
	case <-s.exited:
		return s.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Session) APIValidationStatus() APIValidationStatus {
	status, _ := s.bridge.result()
	return status
}

func (s *Session) DMAPIVersion() *semver.Version {
	_, version := s.bridge.result()
	return version
}

// Output returns what the instance has written so far.
func (s *Session) Output() string {
	return s.output.String()
}

// Close kills the instance if it is still running and stops the bridge.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.exited

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
		s.logger.Debug("closed validation instance", "exit_code", s.exitCode)
	})
	return err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
