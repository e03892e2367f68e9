// Package eventhook runs operator-provided scripts at points of the
// deployment lifecycle.
//
// A script handles an event when its file name without extension equals the
// event name, e.g. PreCompile.sh handles EventPreCompile. Every matching
// script runs in lexical order with the event arguments.
package eventhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

var ErrScriptFailed = errors.New("script failed")

type Event string

const (
	EventPreCompile         Event = "PreCompile"
	EventPreDreamMaker      Event = "PreDreamMaker"
	EventPostCompile        Event = "PostCompile"
	EventCompileFailure     Event = "CompileFailure"
	EventCompileCancelled   Event = "CompileCancelled"
	EventDeploymentComplete Event = "DeploymentComplete"
	EventDeploymentCleanup  Event = "DeploymentCleanup"
)

// ScriptError is returned when a script exits with a non-zero exit code.
type ScriptError struct {
	Script   string
	ExitCode int
	Output   string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s exit code is %d", filepath.Base(e.Script), e.ExitCode)
}

func (e *ScriptError) Unwrap() error {
	return ErrScriptFailed
}

type Runner struct {
	Dir    string       // empty means no scripts
	Logger *slog.Logger // optional
}

func NewRunner(dir string, logger *slog.Logger) *Runner {
	return &Runner{Dir: dir, Logger: logger}
}

func (r *Runner) logger() *slog.Logger {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "eventhook")
}

// Run runs the scripts that handle event and waits for them.
// It stops at the first failing script.
func (r *Runner) Run(ctx context.Context, event Event, args ...string) error {
	scripts, err := r.scripts(event)
	if err != nil {
		return fmt.Errorf("eventhook.Runner: %w", err)
	}
	if len(scripts) == 0 {
		return nil
	}

	logger := r.logger().With("event", string(event))
	for _, script := range scripts {
		logger.Debug("running script", "script", script, "args", args)

		var output bytes.Buffer
		cmd := exec.CommandContext(ctx, script, args...)
		cmd.Dir = r.Dir
		cmd.Stdout = &output
		cmd.Stderr = &output
		if err = cmd.Run(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("eventhook.Runner: %w", ctxErr)
			}
			if exitErr := (*exec.ExitError)(nil); errors.As(err, &exitErr) {
				err = &ScriptError{Script: script, ExitCode: exitErr.ExitCode(), Output: output.String()}
			}
			return fmt.Errorf("eventhook.Runner: %w", err)
		}

		logger.Debug("ran script", "script", script, "output", output.String())
	}

	return nil
}

func (r *Runner) scripts(event Event) ([]string, error) {
	if r.Dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(r.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	scripts := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.TrimSuffix(name, filepath.Ext(name)) != string(event) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(r.Dir, name))
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, abs)
	}
	slices.Sort(scripts)

	return scripts, nil
}
