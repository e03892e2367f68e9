package staticfiles

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeFile(tb testing.TB, path string, content string) {
	tb.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
}

func TestCopyCodeModifications(t *testing.T) {
	t.Run("reports head and tail includes", func(t *testing.T) {
		ctx := context.Background()
		root := t.TempDir()
		writeFile(t, filepath.Join(root, CodeModificationsDirName, HeadIncludeName), "#define SERVER_NAME \"test\"\n")
		writeFile(t, filepath.Join(root, CodeModificationsDirName, TailIncludeName), "\n")
		writeFile(t, filepath.Join(root, CodeModificationsDirName, "config", "maps.txt"), "map box\n")
		dir := t.TempDir()

		got, err := NewManager(root, nil).CopyCodeModifications(ctx, dir, "tgstation")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if want := `#include "HeadInclude.dm"`; got.HeadIncludeLine != want {
			t.Errorf("got %q HeadIncludeLine, want %q", got.HeadIncludeLine, want)
		}
		if want := `#include "TailInclude.dm"`; got.TailIncludeLine != want {
			t.Errorf("got %q TailIncludeLine, want %q", got.TailIncludeLine, want)
		}
		if got.TotalDmeOverwrite {
			t.Error("got TotalDmeOverwrite, want not")
		}
		if _, err = os.Stat(filepath.Join(dir, "config", "maps.txt")); err != nil {
			t.Errorf("didn't want %q", err)
		}
	})

	t.Run("overwrites the project file", func(t *testing.T) {
		ctx := context.Background()
		root := t.TempDir()
		writeFile(t, filepath.Join(root, CodeModificationsDirName, "tgstation.dme"), "replaced\n")
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "tgstation.dme"), "original\n")

		got, err := NewManager(root, nil).CopyCodeModifications(ctx, dir, "tgstation")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !got.TotalDmeOverwrite {
			t.Error("got no TotalDmeOverwrite, want it")
		}

		content, err := os.ReadFile(filepath.Join(dir, "tgstation.dme"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := string(content), "replaced\n"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("accepts a missing directory", func(t *testing.T) {
		ctx := context.Background()

		got, err := NewManager(t.TempDir(), nil).CopyCodeModifications(ctx, t.TempDir(), "tgstation")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got.HeadIncludeLine != "" || got.TailIncludeLine != "" {
			t.Errorf("got %+v, want no includes", got)
		}
	})
}

func TestSymlinkStaticFiles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, GameStaticFilesDirName, "config", "admins.txt"), "admin\n")
	writeFile(t, filepath.Join(root, GameStaticFilesDirName, "data", "logs", ".keep"), "")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config", "default.txt"), "from repository\n")

	if err := NewManager(root, nil).SymlinkStaticFiles(ctx, dir); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	for _, name := range []string{"config", "data"} {
		info, err := os.Lstat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			t.Errorf("got %v mode for %s, want symlink", info.Mode(), name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "config", "admins.txt")); err != nil {
		t.Errorf("didn't want %q", err)
	}
}
