package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/picklr-io/reconciler/internal/logging"
)

// GitOptions configures a git-backed store.
type GitOptions struct {
	Remote      string // remote to push to; pushing is skipped if it does not exist
	AuthorName  string
	AuthorEmail string
	Token       string // HTTP basic-auth token for push, optional
}

// GitStore keeps documents as files in a directory inside a git working
// tree. Commit stages the documents written through the store and commits
// them; Push pushes the current branch.
type GitStore struct {
	dir    string
	prefix string // dir relative to the worktree root
	repo   *git.Repository
	opts   GitOptions

	mu    sync.Mutex
	dirty map[string]bool
}

// OpenGitStore opens the repository containing dir, initializing a new one
// at dir if there is none.
func OpenGitStore(dir string, opts GitOptions) (*GitStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("git store requires a directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		logging.Info("initializing ledger repository", "dir", abs)
		repo, err = git.PlainInit(abs, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger repository at %s: %w", abs, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("ledger repository has no worktree: %w", err)
	}
	root, err := filepath.EvalSymlinks(wt.Filesystem.Root())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worktree root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", abs, err)
	}
	prefix, err := filepath.Rel(root, resolved)
	if err != nil {
		return nil, fmt.Errorf("ledger directory is outside the worktree: %w", err)
	}

	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "reconciler"
	}

	return &GitStore{
		dir:    abs,
		prefix: prefix,
		repo:   repo,
		opts:   opts,
		dirty:  make(map[string]bool),
	}, nil
}

// Dir returns the directory documents are stored in.
func (s *GitStore) Dir() string { return s.dir }

func (s *GitStore) Get(name string) Document {
	return &fileDocument{store: s, name: name, path: filepath.Join(s.dir, name)}
}

func (s *GitStore) markDirty(name string) {
	if name == LockDocument {
		return
	}
	s.mu.Lock()
	s.dirty[name] = true
	s.mu.Unlock()
}

func (s *GitStore) Commit(_ context.Context, message string) (bool, error) {
	s.mu.Lock()
	names := make([]string, 0, len(s.dirty))
	for n := range s.dirty {
		names = append(names, n)
	}
	s.dirty = make(map[string]bool)
	s.mu.Unlock()
	sort.Strings(names)

	wt, err := s.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to open worktree: %w", err)
	}

	for _, name := range names {
		rel := filepath.ToSlash(filepath.Join(s.prefix, name))
		if _, err := os.Stat(filepath.Join(s.dir, name)); os.IsNotExist(err) {
			if _, err := wt.Remove(rel); err != nil && !errors.Is(err, os.ErrNotExist) {
				logging.Debug("nothing to remove from index", "path", rel, "error", err)
			}
			continue
		}
		if _, err := wt.Add(rel); err != nil {
			return false, fmt.Errorf("failed to stage %s: %w", rel, err)
		}
	}

	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read worktree status: %w", err)
	}
	staged := false
	for _, fs := range status {
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			staged = true
			break
		}
	}
	if !staged {
		return false, nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.opts.AuthorName,
			Email: s.opts.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to commit ledger: %w", err)
	}
	logging.Info("ledger committed", "commit", hash.String()[:12], "message", message)
	return true, nil
}

func (s *GitStore) Push(ctx context.Context) error {
	if _, err := s.repo.Remote(s.opts.Remote); err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			logging.Debug("no ledger remote configured, skipping push", "remote", s.opts.Remote)
			return nil
		}
		return fmt.Errorf("failed to look up remote %s: %w", s.opts.Remote, err)
	}

	opts := &git.PushOptions{RemoteName: s.opts.Remote}
	if s.opts.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: s.opts.AuthorName, Password: s.opts.Token}
	}
	if err := s.repo.PushContext(ctx, opts); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("failed to push ledger to %s: %w", s.opts.Remote, err)
	}
	return nil
}

type fileDocument struct {
	store *GitStore
	name  string
	path  string
}

func (d *fileDocument) Name() string { return d.name }

func (d *fileDocument) Data(context.Context) ([]byte, error) {
	data, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d.path, err)
	}
	return data, nil
}

func (d *fileDocument) SetData(_ context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", d.name, err)
	}
	if err := os.WriteFile(d.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", d.path, err)
	}
	d.store.markDirty(d.name)
	return nil
}

func (d *fileDocument) Exists(context.Context) (bool, error) {
	_, err := os.Stat(d.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", d.path, err)
	}
	return true, nil
}

func (d *fileDocument) Delete(context.Context) error {
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", d.path, err)
	}
	d.store.markDirty(d.name)
	return nil
}

// Create writes the document only if it does not exist yet.
func (d *fileDocument) Create(_ context.Context, data []byte) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", d.name, err)
	}
	f, err := os.OpenFile(d.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", d.path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", d.path, err)
	}
	d.store.markDirty(d.name)
	return true, nil
}
