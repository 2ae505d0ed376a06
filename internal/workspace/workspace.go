// Package workspace manages per job working copies under a repos root.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oss-compass/openchecker/internal/model"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

var (
	ErrOutsideRoot = errors.New("path is outside of the repos root")
	ErrBusy        = errors.New("workspace is in use")
)

// cwdMx guards the process working directory.
var cwdMx sync.Mutex

type Manager struct {
	root  string
	npm   *model.Tool
	ohpm  *model.Tool
	clone func(projectURL string) string

	mx     sync.Mutex
	active map[string]struct{}
}

type Option func(*Manager)

// WithCloneURL rewrites the project URL before cloning.
func WithCloneURL(f func(projectURL string) string) Option {
	return func(m *Manager) {
		m.clone = f
	}
}

// New creates root if needed. tools may contain npm and ohpm sections used
// by GenerateLockFiles.
func New(root string, tools map[string]model.Tool, opts ...Option) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving repos dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating repos dir: %w", err)
	}
	m := &Manager{
		root:   abs,
		clone:  func(u string) string { return u },
		active: make(map[string]struct{}),
	}
	if t, ok := tools["npm"]; ok {
		m.npm = &t
	}
	if t, ok := tools["ohpm"]; ok {
		m.ohpm = &t
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Root() string {
	return m.root
}

// Path returns <root>/<last url segment without .git>.
func (m *Manager) Path(projectURL string) (string, error) {
	u, err := url.Parse(projectURL)
	if err != nil {
		return "", fmt.Errorf("parsing project url: %w", err)
	}
	name := path.Base(strings.TrimRight(u.Path, "/"))
	name = strings.TrimSuffix(name, ".git")
	switch name {
	case "", ".", "..", "/":
		return "", fmt.Errorf("project url %q: no repository name", projectURL)
	}
	return filepath.Join(m.root, name), nil
}

// Prepare clones projectURL into a fresh working copy and returns its path.
// Whatever a previous job left at that path is removed first. A present
// version tag is checked out detached, otherwise the default branch stays
// checked out. On error nothing is left behind.
func (m *Manager) Prepare(ctx context.Context, projectURL, accessToken, version string) (string, error) {
	dir, err := m.Path(projectURL)
	if err != nil {
		return "", err
	}
	if err := m.acquire(dir); err != nil {
		return "", err
	}
	ok := false
	defer func() {
		if !ok {
			_ = os.RemoveAll(dir)
			m.release(dir)
		}
	}()

	if err := removeLeftover(ctx, dir); err != nil {
		return "", err
	}

	slog.DebugContext(ctx, "cloning", "dir", dir)
	opts := &git.CloneOptions{
		URL:  m.clone(projectURL),
		Tags: git.AllTags,
	}
	if accessToken != "" {
		opts.Auth = &githttp.BasicAuth{Username: "oauth2", Password: accessToken}
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return "", fmt.Errorf("cloning %s: %w", projectURL, err)
	}

	if version != "" {
		if err := checkoutTag(repo, version); err != nil {
			if !errors.Is(err, plumbing.ErrReferenceNotFound) {
				return "", err
			}
			slog.WarnContext(ctx, "version tag not found, using default branch", "version", version)
		}
	}
	ok = true
	return dir, nil
}

// removeLeftover deletes dir when a crashed job or a foreign process left it
// behind. Its checkout, untracked files and tags are all untrustworthy.
func removeLeftover(ctx context.Context, dir string) error {
	if _, err := os.Lstat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	slog.WarnContext(ctx, "removing leftover working copy", "dir", dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing leftover %s: %w", dir, err)
	}
	return nil
}

func checkoutTag(repo *git.Repository, tag string) error {
	hash, err := repo.ResolveRevision(plumbing.Revision(plumbing.NewTagReferenceName(tag)))
	if err != nil {
		return fmt.Errorf("resolving tag %s: %w", tag, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return fmt.Errorf("checking out tag %s: %w", tag, err)
	}
	return nil
}

// Cleanup removes the working copy. It refuses paths outside the root.
func (m *Manager) Cleanup(dir string) error {
	rel, err := filepath.Rel(m.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("%s: %w", dir, ErrOutsideRoot)
	}
	defer m.release(filepath.Join(m.root, rel))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", dir, err)
	}
	return nil
}

// SaveCwd locks the process working directory and returns a func which
// restores it and unlocks.
func (m *Manager) SaveCwd() (func(), error) {
	cwdMx.Lock()
	cwd, err := os.Getwd()
	if err != nil {
		cwdMx.Unlock()
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	return func() {
		defer cwdMx.Unlock()
		if now, err := os.Getwd(); err == nil && now == cwd {
			return
		}
		if err := os.Chdir(cwd); err != nil {
			slog.Error("restoring working directory", "dir", cwd, "error", err)
		}
	}, nil
}

func (m *Manager) acquire(dir string) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.active[dir]; ok {
		return fmt.Errorf("%s: %w", dir, ErrBusy)
	}
	m.active[dir] = struct{}{}
	return nil
}

func (m *Manager) release(dir string) {
	m.mx.Lock()
	defer m.mx.Unlock()
	delete(m.active, dir)
}

func (m *Manager) isActive(dir string) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	_, ok := m.active[dir]
	return ok
}
