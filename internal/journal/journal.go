// Package journal keeps a git history of ledger snapshots. Every successful
// mutation lands a commit, so the full state of rules and marked users at any
// point in time can be recovered with plain git tooling.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"sentinel/agent/internal/ledger"
)

const snapshotFile = "ledger.json"

// CommitInfo describes one journal entry.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service owns a single git repository under dir. All operations serialize
// on one mutex; snapshot commits are small and infrequent.
type Service struct {
	dir string
	mu  sync.Mutex
}

// New opens or initializes the journal repository.
func New(dir string) (*Service, error) {
	s := &Service{dir: dir}
	if err := s.ensureRepo(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) ensureRepo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := git.PlainOpen(s.dir); err == nil {
		return nil
	} else if !errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("open journal repo: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	repo, err := git.PlainInit(s.dir, false)
	if err != nil {
		return fmt.Errorf("init journal repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	empty := ledger.Snapshot{Rules: []ledger.Rule{}, Users: map[string]ledger.MarkedUser{}, Settings: ledger.DefaultSettings()}
	payload, err := json.MarshalIndent(empty, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal empty snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write empty snapshot: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}
	hash, err := worktree.Commit("Initialize ledger journal", &git.CommitOptions{
		Author: signature(),
	})
	if err != nil {
		return fmt.Errorf("commit empty snapshot: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// Record commits the snapshot. A snapshot identical to HEAD is skipped so
// reconciliation passes that change nothing leave no empty commits.
func (s *Service) Record(ctx context.Context, snapshot ledger.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return fmt.Errorf("open journal repo: %w", err)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	payload = append(payload, '\n')

	if prev, err := headSnapshotBytes(repo); err == nil && bytes.Equal(prev, payload) {
		return nil
	}

	if err := os.WriteFile(filepath.Join(s.dir, snapshotFile), payload, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}
	message := fmt.Sprintf("Snapshot: %d rules, %d marked users", len(snapshot.Rules), len(snapshot.Users))
	if _, err := worktree.Commit(message, &git.CommitOptions{Author: signature()}); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// History returns the newest commits first, capped at limit (values below one
// mean all).
func (s *Service) History(limit int) ([]CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 0 {
		limit = 0
	}

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return nil, fmt.Errorf("open journal repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, CommitInfo{
			Hash:      commitObj.Hash.String()[:7],
			Message:   commitObj.Message,
			CreatedAt: commitObj.Author.When,
		})
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotAt reads the snapshot stored in a given commit (short hashes ok).
func (s *Service) SnapshotAt(hash string) (ledger.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("open journal repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	raw, err := snapshotBytes(commitObj)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	var snapshot ledger.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func headSnapshotBytes(repo *git.Repository) ([]byte, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, err
	}
	return snapshotBytes(commitObj)
}

func snapshotBytes(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func signature() *object.Signature {
	return &object.Signature{
		Name:  "Sentinel",
		Email: "sentinel@localhost",
		When:  time.Now(),
	}
}
