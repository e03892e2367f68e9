// Package toolchain manages installed compiler and server versions.
//
// A version is installed at <root>/<version>/bin with the DreamMaker
// compiler and the DreamDaemon server inside.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

const (
	CompilerName = "DreamMaker"
	ServerName   = "DreamDaemon"
)

var (
	ErrVersionNotInstalled = errors.New("version not installed")
	ErrNoActiveVersion     = errors.New("no active version")
	ErrVersionInUse        = errors.New("version in use")
)

type Manager struct {
	root   string
	logger *slog.Logger

	mu     sync.Mutex
	active *semver.Version
	locks  map[string]int // by version string
}

func NewManager(root string, active *semver.Version, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:   root,
		logger: logger.With("component", "toolchain"),
		active: active,
		locks:  make(map[string]int),
	}
}

func (m *Manager) ActiveVersion() *semver.Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetActiveVersion makes version the default for AcquireExecutableLock.
func (m *Manager) SetActiveVersion(version *semver.Version) error {
	if err := m.checkInstalled(version); err != nil {
		return fmt.Errorf("set active version: %w", err)
	}

	m.mu.Lock()
	m.active = version
	m.mu.Unlock()

	m.logger.Info("changed active version", "version", version.String())
	return nil
}

// InstalledVersions returns the installed versions in ascending order.
// Directories that aren't versions are ignored.
func (m *Manager) InstalledVersions(_ context.Context) ([]*semver.Version, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list installed versions: %w", err)
	}

	var versions []*semver.Version
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := semver.NewVersion(entry.Name())
		if err != nil {
			continue
		}
		if m.checkInstalled(v) != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Sort(semver.Collection(versions))
	return versions, nil
}

// ActivateLatest makes the newest installed version active.
// It fails with ErrVersionNotInstalled when nothing is installed.
func (m *Manager) ActivateLatest(ctx context.Context) (*semver.Version, error) {
	versions, err := m.InstalledVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("activate latest: %w", err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("activate latest: %w", ErrVersionNotInstalled)
	}

	latest := versions[len(versions)-1]
	if err = m.SetActiveVersion(latest); err != nil {
		return nil, fmt.Errorf("activate latest: %w", err)
	}
	return latest, nil
}

// Prune uninstalls all but the keep newest versions. Versions in use are
// skipped. A keep of zero or less keeps every version.
func (m *Manager) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	versions, err := m.InstalledVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	if len(versions) <= keep {
		return 0, nil
	}

	removed := 0
	for _, v := range versions[:len(versions)-keep] {
		err = m.Uninstall(ctx, v)
		if errors.Is(err, ErrVersionInUse) {
			m.logger.Debug("kept version in use", "version", v.String())
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("prune: %w", err)
		}
		removed++
	}
	return removed, nil
}

// ExecutableLock keeps a version installed while it is used.
type ExecutableLock struct {
	Version      *semver.Version
	CompilerPath string
	ServerPath   string

	manager *Manager
	once    sync.Once
}

// Close releases the lock. It is safe to call more than once.
func (l *ExecutableLock) Close() error {
	l.once.Do(func() {
		l.manager.release(l.Version)
	})
	return nil
}

// AcquireExecutableLock reserves the executables of version.
// A nil version means the active version.
func (m *Manager) AcquireExecutableLock(ctx context.Context, version *semver.Version) (*ExecutableLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire executable lock: %w", err)
	}

	if version == nil {
		version = m.ActiveVersion()
		if version == nil {
			return nil, fmt.Errorf("acquire executable lock: %w", ErrNoActiveVersion)
		}
	}

	if err := m.checkInstalled(version); err != nil {
		return nil, fmt.Errorf("acquire executable lock: %w", err)
	}

	m.mu.Lock()
	m.locks[version.String()]++
	m.mu.Unlock()

	return &ExecutableLock{
		Version:      version,
		CompilerPath: m.executablePath(version, CompilerName),
		ServerPath:   m.executablePath(version, ServerName),
		manager:      m,
	}, nil
}

// Uninstall removes an installed version.
// It fails with ErrVersionInUse while the version is locked or active.
func (m *Manager) Uninstall(_ context.Context, version *semver.Version) error {
	m.mu.Lock()
	inUse := m.locks[version.String()] > 0 || (m.active != nil && m.active.Equal(version))
	m.mu.Unlock()
	if inUse {
		return fmt.Errorf("uninstall: %w", ErrVersionInUse)
	}

	if err := os.RemoveAll(filepath.Join(m.root, version.String())); err != nil {
		return fmt.Errorf("uninstall: %w", err)
	}
	m.logger.Info("uninstalled version", "version", version.String())
	return nil
}

func (m *Manager) release(version *semver.Version) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := version.String()
	m.locks[key]--
	if m.locks[key] <= 0 {
		delete(m.locks, key)
	}
}

func (m *Manager) checkInstalled(version *semver.Version) error {
	for _, name := range []string{CompilerName, ServerName} {
		info, err := os.Stat(m.executablePath(version, name))
		if err != nil || info.IsDir() {
			return fmt.Errorf("%s: %w", version, ErrVersionNotInstalled)
		}
	}
	return nil
}

func (m *Manager) executablePath(version *semver.Version, name string) string {
	return filepath.Join(m.root, version.String(), "bin", name)
}
