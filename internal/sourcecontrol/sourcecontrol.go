// Package sourcecontrol provides the game code repository to deployments.
package sourcecontrol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

var (
	ErrRepositoryMissing = errors.New("repository missing")
	ErrCommitNotFound    = errors.New("commit not found")
)

// RemoteKind is the hosting service of the origin remote.
type RemoteKind int

const (
	RemoteUnknown RemoteKind = iota
	RemoteGitHub
	RemoteGitLab
)

func (k RemoteKind) String() string {
	switch k {
	case RemoteGitHub:
		return "github"
	case RemoteGitLab:
		return "gitlab"
	default:
		return "unknown"
	}
}

// Manager hands out the repository to one user at a time.
type Manager struct {
	dir string
	sem chan struct{}
}

func NewManager(dir string) *Manager {
	return &Manager{dir: dir, sem: make(chan struct{}, 1)}
}

// LoadRepository waits until the repository is free and opens it.
// The caller must Close the repository.
func (m *Manager) LoadRepository(ctx context.Context) (*Repository, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("load repository: %w", ctx.Err())
	}

	repo, err := git.PlainOpen(m.dir)
	if err != nil {
		<-m.sem
		if errors.Is(err, git.ErrRepositoryNotExists) {
			err = ErrRepositoryMissing
		}
		return nil, fmt.Errorf("load repository: %w", err)
	}

	return &Repository{dir: m.dir, repo: repo, release: func() { <-m.sem }}, nil
}

type Repository struct {
	dir     string
	repo    *git.Repository
	release func()
	once    sync.Once
}

// Head returns the SHA of the checked out commit.
func (r *Repository) Head(_ context.Context) (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("sourcecontrol.Repository: %w", err)
	}
	return ref.Hash().String(), nil
}

// TimestampOf returns the commit time of sha.
func (r *Repository) TimestampOf(_ context.Context, sha string) (time.Time, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			err = ErrCommitNotFound
		}
		return time.Time{}, fmt.Errorf("sourcecontrol.Repository: %w", err)
	}
	return commit.Committer.When, nil
}

// Origin returns the first URL of the origin remote or an empty string.
func (r *Repository) Origin() string {
	remote, err := r.repo.Remote(git.DefaultRemoteName)
	if err != nil {
		return ""
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return ""
	}
	return urls[0]
}

// CommitOnRemote reports whether sha is reachable from a remote-tracking branch.
func (r *Repository) CommitOnRemote(_ context.Context, sha string) (bool, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			err = ErrCommitNotFound
		}
		return false, fmt.Errorf("sourcecontrol.Repository: %w", err)
	}

	refs, err := r.repo.References()
	if err != nil {
		return false, fmt.Errorf("sourcecontrol.Repository: %w", err)
	}
	defer refs.Close()

	found := false
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if !ref.Name().IsRemote() || ref.Type() != plumbing.HashReference {
			return nil
		}
		remoteCommit, err := r.repo.CommitObject(ref.Hash())
		if err != nil {
			return nil
		}
		if remoteCommit.Hash == commit.Hash {
			found = true
			return storer.ErrStop
		}
		ok, err := commit.IsAncestor(remoteCommit)
		if err != nil {
			return err
		}
		if ok {
			found = true
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("sourcecontrol.Repository: %w", err)
	}
	return found, nil
}

func (r *Repository) RemoteKind() RemoteKind {
	return ParseRemoteKind(r.Origin())
}

// ParseRemoteKind detects the hosting service from a remote URL.
// Both URLs and scp-like addresses (git@host:path) are accepted.
func ParseRemoteKind(origin string) RemoteKind {
	host := ""
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Hostname()
	} else if at := strings.Index(origin, "@"); at >= 0 {
		rest := origin[at+1:]
		host, _, _ = strings.Cut(rest, ":")
	}

	host = strings.ToLower(host)
	switch {
	case host == "github.com" || strings.HasSuffix(host, ".github.com"):
		return RemoteGitHub
	case host == "gitlab.com" || strings.HasPrefix(host, "gitlab."):
		return RemoteGitLab
	default:
		return RemoteUnknown
	}
}

// CopySnapshotTo copies the working tree to dir, excluding the .git directory.
// Symlinks are recreated rather than followed.
func (r *Repository) CopySnapshotTo(ctx context.Context, dir string) error {
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(r.dir, path)
		if err != nil {
			return err
		}
		if rel == git.GitDirName {
			return filepath.SkipDir
		}
		target := filepath.Join(dir, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target)
		}
	})
	if err != nil {
		return fmt.Errorf("copy snapshot: %w", err)
	}
	return nil
}

// Close releases the repository to the next user. It is safe to call more than once.
func (r *Repository) Close() error {
	r.once.Do(r.release)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
