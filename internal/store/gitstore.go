package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/go-git/go-git/v6/plumbing/transport/http"
	log "github.com/sirupsen/logrus"
)

// gcInterval defines minimum time between garbage collection runs.
const gcInterval = 5 * time.Minute

// GitBackendConfig configures the git-backed record store.
type GitBackendConfig struct {
	Remote   string
	Username string
	Password string
	// LocalPath is the working clone.
	LocalPath string
	// RecordPath is the record location relative to the repository root.
	RecordPath string
}

// GitBackend keeps the sealed record in a git repository. Every write is
// committed as a single squashed commit and force-pushed, so the remote never
// accumulates token history.
type GitBackend struct {
	mu     sync.Mutex
	cfg    GitBackendConfig
	ready  bool
	lastGC time.Time
}

// NewGitBackend validates cfg. The repository is cloned lazily on first use.
func NewGitBackend(cfg GitBackendConfig) (*GitBackend, error) {
	cfg.Remote = strings.TrimSpace(cfg.Remote)
	if cfg.Remote == "" {
		return nil, fmt.Errorf("git store: remote url is required")
	}
	if strings.TrimSpace(cfg.LocalPath) == "" {
		return nil, fmt.Errorf("git store: local path is required")
	}
	cfg.RecordPath = filepath.ToSlash(filepath.Clean(strings.TrimSpace(cfg.RecordPath)))
	if cfg.RecordPath == "." || strings.HasPrefix(cfg.RecordPath, "../") || filepath.IsAbs(cfg.RecordPath) {
		return nil, fmt.Errorf("git store: record path must be relative to the repository")
	}
	return &GitBackend{cfg: cfg}, nil
}

func (g *GitBackend) Name() string { return "git" }

func (g *GitBackend) recordFile() string {
	return filepath.Join(g.cfg.LocalPath, filepath.FromSlash(g.cfg.RecordPath))
}

func (g *GitBackend) Read(ctx context.Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.syncLocked(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(g.recordFile())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("git store: read record: %w", err)
	}
	return data, nil
}

func (g *GitBackend) Write(ctx context.Context, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureRepositoryLocked(ctx); err != nil {
		return err
	}
	if err := NewFileBackend(g.recordFile()).Write(ctx, data); err != nil {
		return fmt.Errorf("git store: %w", err)
	}
	return g.commitAndPushLocked(ctx, "Update token record")
}

func (g *GitBackend) Delete(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureRepositoryLocked(ctx); err != nil {
		return err
	}
	if err := os.Remove(g.recordFile()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("git store: remove record: %w", err)
	}
	return g.commitAndPushLocked(ctx, "Remove token record")
}

// syncLocked clones on first use and pulls afterwards.
func (g *GitBackend) syncLocked(ctx context.Context) error {
	if !g.ready {
		return g.ensureRepositoryLocked(ctx)
	}
	repo, err := git.PlainOpen(g.cfg.LocalPath)
	if err != nil {
		return fmt.Errorf("git store: open repo: %w", err)
	}
	return g.pull(ctx, repo)
}

// ensureRepositoryLocked clones the remote, initialises a fresh repository
// when the remote is empty, or pulls an existing clone.
func (g *GitBackend) ensureRepositoryLocked(ctx context.Context) error {
	if g.ready {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	repoDir := g.cfg.LocalPath
	gitDir := filepath.Join(repoDir, ".git")
	if _, err := os.Stat(gitDir); errors.Is(err, fs.ErrNotExist) {
		if errMk := os.MkdirAll(repoDir, 0o700); errMk != nil {
			return fmt.Errorf("git store: create repo dir: %w", errMk)
		}
		_, errClone := git.PlainClone(repoDir, &git.CloneOptions{Auth: g.gitAuth(), URL: g.cfg.Remote})
		switch {
		case errClone == nil:
		case errors.Is(errClone, transport.ErrEmptyRemoteRepository):
			_ = os.RemoveAll(gitDir)
			repo, errInit := git.PlainInit(repoDir, false)
			if errInit != nil {
				return fmt.Errorf("git store: init empty repo: %w", errInit)
			}
			if _, errCreate := repo.CreateRemote(&config.RemoteConfig{
				Name: "origin",
				URLs: []string{g.cfg.Remote},
			}); errCreate != nil && !errors.Is(errCreate, git.ErrRemoteExists) {
				return fmt.Errorf("git store: configure remote: %w", errCreate)
			}
		default:
			return fmt.Errorf("git store: clone remote: %w", errClone)
		}
	} else if err != nil {
		return fmt.Errorf("git store: stat repo: %w", err)
	} else {
		repo, errOpen := git.PlainOpen(repoDir)
		if errOpen != nil {
			return fmt.Errorf("git store: open repo: %w", errOpen)
		}
		if errPull := g.pull(ctx, repo); errPull != nil {
			return errPull
		}
	}
	g.ready = true
	return nil
}

func (g *GitBackend) pull(ctx context.Context, repo *git.Repository) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git store: worktree: %w", err)
	}
	errPull := worktree.Pull(&git.PullOptions{Auth: g.gitAuth(), RemoteName: "origin", Force: true})
	switch {
	case errPull == nil,
		errors.Is(errPull, git.NoErrAlreadyUpToDate),
		errors.Is(errPull, plumbing.ErrReferenceNotFound),
		errors.Is(errPull, transport.ErrEmptyRemoteRepository):
		return nil
	case errors.Is(errPull, git.ErrNonFastForwardUpdate), errors.Is(errPull, git.ErrUnstagedChanges):
		// history is squashed on every push, so divergence is expected; the local copy is pushed next write
		log.WithError(errPull).Debug("git store: pull skipped")
		return nil
	default:
		return fmt.Errorf("git store: pull: %w", errPull)
	}
}

func (g *GitBackend) gitAuth() transport.AuthMethod {
	if g.cfg.Username == "" && g.cfg.Password == "" {
		return nil
	}
	user := g.cfg.Username
	if user == "" {
		user = "git"
	}
	return &http.BasicAuth{Username: user, Password: g.cfg.Password}
}

func (g *GitBackend) commitAndPushLocked(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	repo, err := git.PlainOpen(g.cfg.LocalPath)
	if err != nil {
		return fmt.Errorf("git store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git store: worktree: %w", err)
	}
	if _, err = worktree.Add(g.cfg.RecordPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("git store: add record: %w", err)
		}
		if _, errRemove := worktree.Remove(g.cfg.RecordPath); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
			return fmt.Errorf("git store: remove record: %w", errRemove)
		}
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("git store: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	signature := &object.Signature{
		Name:  "malauth",
		Email: "malauth@local",
		When:  time.Now(),
	}
	commitHash, err := worktree.Commit(message, &git.CommitOptions{Author: signature})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("git store: commit: %w", err)
	}
	headRef, errHead := repo.Head()
	if errHead != nil {
		if !errors.Is(errHead, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("git store: get head: %w", errHead)
		}
	} else if errRewrite := squashHead(repo, headRef.Name(), commitHash, message, signature); errRewrite != nil {
		return errRewrite
	}
	g.maybeRunGC(repo)
	if err = repo.Push(&git.PushOptions{Auth: g.gitAuth(), Force: true}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("git store: push: %w", err)
	}
	return nil
}

// squashHead points branch at a parentless copy of commitHash.
func squashHead(repo *git.Repository, branch plumbing.ReferenceName, commitHash plumbing.Hash, message string, signature *object.Signature) error {
	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		return fmt.Errorf("git store: inspect head commit: %w", err)
	}
	squashed := &object.Commit{
		Author:    *signature,
		Committer: *signature,
		Message:   message,
		TreeHash:  commitObj.TreeHash,
		Encoding:  commitObj.Encoding,
	}
	mem := &plumbing.MemoryObject{}
	mem.SetType(plumbing.CommitObject)
	if err = squashed.Encode(mem); err != nil {
		return fmt.Errorf("git store: encode squashed commit: %w", err)
	}
	newHash, err := repo.Storer.SetEncodedObject(mem)
	if err != nil {
		return fmt.Errorf("git store: write squashed commit: %w", err)
	}
	if err = repo.Storer.SetReference(plumbing.NewHashReference(branch, newHash)); err != nil {
		return fmt.Errorf("git store: update branch reference: %w", err)
	}
	return nil
}

func (g *GitBackend) maybeRunGC(repo *git.Repository) {
	now := time.Now()
	if now.Sub(g.lastGC) < gcInterval {
		return
	}
	g.lastGC = now

	pruneOpts := git.PruneOptions{
		OnlyObjectsOlderThan: now,
		Handler:              repo.DeleteObject,
	}
	if err := repo.Prune(pruneOpts); err != nil && !errors.Is(err, git.ErrLooseObjectsNotSupported) {
		return
	}
	_ = repo.RepackObjects(&git.RepackConfig{})
}
