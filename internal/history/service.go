// Package history keeps one git repository per snippet and commits a revision whenever
// the snippet's text changes.
package history

import (
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
)

const contentFile = "content.json"

// ErrNoHistory is returned when a snippet has no recorded revisions.
var ErrNoHistory = errors.New("snippet has no history")

// Content is the versioned part of a snippet.
type Content struct {
	Title       string `json:"title"`
	Language    string `json:"language"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits content as the newest revision of snippetID, creating the repository on
// first use. It reports false without committing when nothing changed since the last revision.
func (s *Service) Record(snippetID string, content Content, author, message string) (Revision, bool, error) {
	lock := s.snippetLock(snippetID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(snippetID)
	repo, err := git.PlainOpen(path)
	fresh := false
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return Revision{}, false, fmt.Errorf("create repo dir: %w", err)
		}
		repo, err = git.PlainInit(path, false)
		if err != nil {
			return Revision{}, false, fmt.Errorf("init repo: %w", err)
		}
		fresh = true
	} else if err != nil {
		return Revision{}, false, fmt.Errorf("open repo: %w", err)
	}

	if !fresh {
		head, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
		if err != nil {
			return Revision{}, false, fmt.Errorf("resolve main: %w", err)
		}
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return Revision{}, false, fmt.Errorf("load head commit: %w", err)
		}
		current, err := readContentFromCommit(commitObj)
		if err != nil {
			return Revision{}, false, err
		}
		if current == content {
			return toRevision(commitObj), false, nil
		}
	}

	hash, err := commit(repo, content, author, message)
	if err != nil {
		return Revision{}, false, err
	}
	if fresh {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return Revision{}, false, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return Revision{}, false, fmt.Errorf("set HEAD to main: %w", err)
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), true, nil
}

// History lists revisions of snippetID, newest first. limit <= 0 returns all of them.
func (s *Service) History(snippetID string, limit int) ([]Revision, error) {
	lock := s.snippetLock(snippetID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(snippetID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// GetContentByHash returns the snippet text stored at revision hash (full or abbreviated).
func (s *Service) GetContentByHash(snippetID, hash string) (Content, error) {
	lock := s.snippetLock(snippetID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(snippetID)
	if err != nil {
		return Content{}, err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

// Remove deletes the repository of a deleted snippet.
func (s *Service) Remove(snippetID string) error {
	lock := s.snippetLock(snippetID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(snippetID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	s.lockMu.Lock()
	delete(s.locks, snippetID)
	s.lockMu.Unlock()
	return nil
}

func (s *Service) open(snippetID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(snippetID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(snippetID string) string {
	return filepath.Join(s.baseDir, filepath.Base(snippetID))
}

func (s *Service) snippetLock(snippetID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[snippetID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[snippetID] = lock
	return lock
}

func commit(repo *git.Repository, content Content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@codeshelf.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}

	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
