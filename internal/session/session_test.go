package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

func writeScript(tb testing.TB, dir string, content string) string {
	tb.Helper()
	path := filepath.Join(dir, "DreamDaemon")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+content), 0o755); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	return path
}

func TestLauncher(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	t.Run("reports an instance that exits without validating", func(t *testing.T) {
		ctx := context.Background()
		dir := t.TempDir()
		server := writeScript(t, dir, "echo \"$@\"\nexit 3\n")

		s, err := NewLauncher(nil).Launch(ctx, &LaunchParams{
			ServerPath:     server,
			Directory:      dir,
			DmbName:        "tgstation.dmb",
			Port:           41234,
			SecurityLevel:  compilejob.SecurityLevelSafe,
			StartupTimeout: 10 * time.Second,
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer s.Close()

		result, err := s.LaunchResult(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if result.ExitCode == nil || *result.ExitCode != 3 {
			t.Errorf("got %v exit code, want 3", result.ExitCode)
		}

		exitCode, err := s.Lifetime(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := exitCode, 3; got != want {
			t.Errorf("got %d exit code, want %d", got, want)
		}
		if got, want := s.APIValidationStatus(), NeverValidated; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if s.DMAPIVersion() != nil {
			t.Errorf("got %v version, want nil", s.DMAPIVersion())
		}
	})

	t.Run("times out an instance that doesn't start", func(t *testing.T) {
		ctx := context.Background()
		dir := t.TempDir()
		server := writeScript(t, dir, "exec sleep 30\n")

		s, err := NewLauncher(nil).Launch(ctx, &LaunchParams{
			ServerPath:     server,
			Directory:      dir,
			DmbName:        "tgstation.dmb",
			Port:           41235,
			SecurityLevel:  compilejob.SecurityLevelUltrasafe,
			StartupTimeout: 100 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		result, err := s.LaunchResult(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if result.StartupTime != nil {
			t.Errorf("got %v startup time, want nil", *result.StartupTime)
		}

		if err = s.Close(); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := s.APIValidationStatus(), NeverValidated; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("fails to launch a missing server", func(t *testing.T) {
		ctx := context.Background()
		dir := t.TempDir()

		_, err := NewLauncher(nil).Launch(ctx, &LaunchParams{
			ServerPath:     filepath.Join(dir, "missing"),
			Directory:      dir,
			DmbName:        "tgstation.dmb",
			Port:           41236,
			StartupTimeout: time.Second,
		})
		if got, want := err, ErrLaunchFailed; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})
}
