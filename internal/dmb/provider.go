// Package dmb tracks compiled builds on disk: which builds are in use,
// which build runs next, and which directories can be reclaimed.
package dmb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

// LiveDirectoryName is the name of the directory the server runs from.
const LiveDirectoryName = "Live"

// Legacy builds were compiled twice into these subdirectories.
const (
	legacyDirectoryNameA = "A"
	legacyDirectoryNameB = "B"
)

var ErrDmbMissing = errors.New("dmb missing")

// Provider is a handle on a build directory.
// Close releases the handle; the directory may be deleted afterwards.
type Provider interface {
	CompileJob() *compilejob.CompileJob
	// Directory is the absolute path of the directory containing the dmb.
	Directory() string
	DmbName() string
	// KeepAlive makes Close a no-op, leaving the build reserved.
	KeepAlive()
	Close() error
}

var _ Provider = (*directoryProvider)(nil)

type directoryProvider struct {
	job       *compilejob.CompileJob
	directory string
}

func (p *directoryProvider) CompileJob() *compilejob.CompileJob { return p.job }
func (p *directoryProvider) Directory() string                  { return p.directory }
func (p *directoryProvider) DmbName() string                    { return p.job.DmbName() }
func (p *directoryProvider) KeepAlive()                         {}
func (p *directoryProvider) Close() error                       { return nil }

// BuildDirectory returns the directory of job under root.
func BuildDirectory(root string, job *compilejob.CompileJob) string {
	return filepath.Join(root, job.DirectoryName.String())
}

// resolveDirectory finds the directory holding the dmb of job.
// Legacy builds are only usable when both A and B have the dmb, and then A is used.
func resolveDirectory(root string, job *compilejob.CompileJob) (string, error) {
	dir := BuildDirectory(root, job)

	ok, err := fileExists(filepath.Join(dir, job.DmbName()))
	if err != nil {
		return "", fmt.Errorf("resolve directory: %w", err)
	}
	if ok {
		return dir, nil
	}

	dirA := filepath.Join(dir, legacyDirectoryNameA)
	okA, err := fileExists(filepath.Join(dirA, job.DmbName()))
	if err != nil {
		return "", fmt.Errorf("resolve directory: %w", err)
	}
	if okA {
		okB, err := fileExists(filepath.Join(dir, legacyDirectoryNameB, job.DmbName()))
		if err != nil {
			return "", fmt.Errorf("resolve directory: %w", err)
		}
		if okB {
			return dirA, nil
		}
	}

	return "", fmt.Errorf("resolve directory: %s: %w", job.DirectoryName, ErrDmbMissing)
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}
