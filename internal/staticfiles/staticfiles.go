// Package staticfiles applies server-side files to build directories.
//
// The root contains two directories. CodeModifications holds files copied
// over the game code before compiling; HeadInclude.dm and TailInclude.dm
// there are included at the start and end of the project, and a file named
// after the project replaces it entirely. GameStaticFiles holds persistent
// files that are symlinked into every build.
package staticfiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	CodeModificationsDirName = "CodeModifications"
	GameStaticFilesDirName   = "GameStaticFiles"

	HeadIncludeName = "HeadInclude.dm"
	TailIncludeName = "TailInclude.dm"
)

type Manager struct {
	codeModificationsDir string
	gameStaticFilesDir   string
	logger               *slog.Logger
}

func NewManager(root string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		codeModificationsDir: filepath.Join(root, CodeModificationsDirName),
		gameStaticFilesDir:   filepath.Join(root, GameStaticFilesDirName),
		logger:               logger.With("component", "staticfiles"),
	}
}

// Setup creates the root directories if they don't exist.
func (m *Manager) Setup() error {
	for _, dir := range []string{m.codeModificationsDir, m.gameStaticFilesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("staticfiles.Setup: %w", err)
		}
	}
	return nil
}

type CodeModifications struct {
	HeadIncludeLine   string // empty if there is no head include
	TailIncludeLine   string // empty if there is no tail include
	TotalDmeOverwrite bool
}

// CopyCodeModifications copies the code modification files into dir.
// dmeName is the project file name without extension.
func (m *Manager) CopyCodeModifications(ctx context.Context, dir string, dmeName string) (*CodeModifications, error) {
	result := new(CodeModifications)

	entries, err := os.ReadDir(m.codeModificationsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, nil
		}
		return nil, fmt.Errorf("copy code modifications: %w", err)
	}
	for _, entry := range entries {
		switch {
		case entry.Name() == HeadIncludeName:
			result.HeadIncludeLine = includeLine(HeadIncludeName)
		case entry.Name() == TailIncludeName:
			result.TailIncludeLine = includeLine(TailIncludeName)
		case strings.EqualFold(entry.Name(), dmeName+".dme"):
			result.TotalDmeOverwrite = true
		}
	}

	err = filepath.WalkDir(m.codeModificationsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(m.codeModificationsDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if strings.EqualFold(rel, dmeName+".dme") {
			target = filepath.Join(dir, dmeName+".dme")
		}
		return copyFile(path, target)
	})
	if err != nil {
		return nil, fmt.Errorf("copy code modifications: %w", err)
	}

	return result, nil
}

// SymlinkStaticFiles links every top-level entry of the game static files
// into dir, replacing whatever the build has at that name.
func (m *Manager) SymlinkStaticFiles(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(m.gameStaticFilesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("symlink static files: %w", err)
	}

	source, err := filepath.Abs(m.gameStaticFilesDir)
	if err != nil {
		return fmt.Errorf("symlink static files: %w", err)
	}

	for _, entry := range entries {
		if err = ctx.Err(); err != nil {
			return fmt.Errorf("symlink static files: %w", err)
		}

		target := filepath.Join(dir, entry.Name())
		if err = os.RemoveAll(target); err != nil {
			return fmt.Errorf("symlink static files: %w", err)
		}
		if err = os.Symlink(filepath.Join(source, entry.Name()), target); err != nil {
			return fmt.Errorf("symlink static files: %w", err)
		}
		m.logger.Debug("linked static file", "name", entry.Name(), "directory", dir)
	}

	return nil
}

func includeLine(name string) string {
	return fmt.Sprintf("#include \"%s\"", name)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
