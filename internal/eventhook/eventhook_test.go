package eventhook

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
}

func TestRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skipping on windows")
	}

	t.Run("runs matching scripts in order with args", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(t.TempDir(), "out")
		writeScript(t, dir, "PreCompile.sh", `echo "first $1 $2" >> `+out)
		writeScript(t, dir, "PreCompile.zsh", `echo "second $1" >> `+out)
		writeScript(t, dir, "PostCompile.sh", `echo "wrong" >> `+out)

		r := NewRunner(dir, nil)
		if err := r.Run(context.Background(), EventPreCompile, "a", "b"); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := string(data), "first a b\nsecond a\n"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("returns script error for non-zero exit code", func(t *testing.T) {
		dir := t.TempDir()
		writeScript(t, dir, "DeploymentCleanup.sh", "echo nope; exit 3")

		r := NewRunner(dir, nil)
		err := r.Run(context.Background(), EventDeploymentCleanup, "/tmp/x")
		if got, want := err, ErrScriptFailed; !errors.Is(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
		scriptErr := (*ScriptError)(nil)
		if !errors.As(err, &scriptErr) {
			t.Fatalf("got %T, want *ScriptError", err)
		}
		if got, want := scriptErr.ExitCode, 3; got != want {
			t.Errorf("got %d ExitCode, want %d", got, want)
		}
		if got, want := strings.TrimSpace(scriptErr.Output), "nope"; got != want {
			t.Errorf("got %q Output, want %q", got, want)
		}
	})

	t.Run("does nothing without a directory", func(t *testing.T) {
		r := NewRunner(filepath.Join(t.TempDir(), "missing"), nil)
		if err := r.Run(context.Background(), EventDeploymentComplete); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})
}
