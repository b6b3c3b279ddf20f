// Package gitrepo keeps the revision history of each plan in its own git
// repository, one commit per saved change.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"bakeplan/api/internal/plansync"
)

const fieldsFile = "fields.json"

var (
	ErrRevisionNotFound = errors.New("revision not found")
	ErrInvalidPlanID    = errors.New("invalid plan id")
)

// Revision is one saved state of a plan.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is the full field set of a plan at a revision, with the keys that
// revision changed relative to its parent.
type Snapshot struct {
	Revision
	Fields  map[string]plansync.Value `json:"fields"`
	Changed []string                  `json:"changed"`
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

// Commit records rec as the newest revision of its plan, creating the
// repository on first use. When the fields match the previous revision no
// commit is made and ok is false.
func (s *Service) Commit(rec plansync.Record, author, message string) (rev Revision, ok bool, err error) {
	if !validPlanID(rec.ID) {
		return Revision{}, false, ErrInvalidPlanID
	}
	lock := s.planLock(rec.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(rec.ID)
	if err != nil {
		return Revision{}, false, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, false, fmt.Errorf("open worktree: %w", err)
	}

	fields := rec.Fields
	if fields == nil {
		fields = map[string]plansync.Value{}
	}
	payload, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return Revision{}, false, fmt.Errorf("marshal fields: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), fieldsFile), append(payload, '\n'), 0o644); err != nil {
		return Revision{}, false, fmt.Errorf("write %s: %w", fieldsFile, err)
	}
	if _, err := worktree.Add(fieldsFile); err != nil {
		return Revision{}, false, fmt.Errorf("git add fields: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return Revision{}, false, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		head, err := repo.Head()
		if err != nil {
			return Revision{}, false, fmt.Errorf("resolve head: %w", err)
		}
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return Revision{}, false, fmt.Errorf("read head commit: %w", err)
		}
		return toRevision(commitObj), false, nil
	}

	when := rec.LastEdited
	if when.IsZero() {
		when = time.Now()
	}
	if strings.TrimSpace(author) == "" {
		author = "bakeplan"
	}
	if strings.TrimSpace(message) == "" {
		message = "Save plan"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.bakeplan.local", sanitizeEmail(author)),
			When:  when,
		},
	})
	if err != nil {
		return Revision{}, false, fmt.Errorf("commit fields: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), true, nil
}

// History lists up to limit revisions of planID, newest first. A plan that
// was never committed has an empty history.
func (s *Service) History(planID string, limit int) ([]Revision, error) {
	if !validPlanID(planID) {
		return nil, ErrInvalidPlanID
	}
	lock := s.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(planID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
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

// Snapshot loads the fields of planID at hash, which may be abbreviated.
func (s *Service) Snapshot(planID, hash string) (Snapshot, error) {
	if !validPlanID(planID) {
		return Snapshot{}, ErrInvalidPlanID
	}
	lock := s.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(planID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Snapshot{}, ErrRevisionNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
	}
	fields, err := readFields(commitObj)
	if err != nil {
		return Snapshot{}, err
	}

	before := map[string]plansync.Value{}
	if commitObj.NumParents() > 0 {
		parent, err := commitObj.Parent(0)
		if err != nil {
			return Snapshot{}, fmt.Errorf("read parent commit: %w", err)
		}
		if before, err = readFields(parent); err != nil {
			return Snapshot{}, err
		}
	}

	return Snapshot{Revision: toRevision(commitObj), Fields: fields, Changed: ChangedKeys(before, fields)}, nil
}

// Describe summarises changes as a commit subject, e.g.
// "Set goal, owner; remove notes".
func Describe(changes plansync.ChangeSet) string {
	sets := make([]string, 0, len(changes))
	for key := range changes.Sets() {
		sets = append(sets, key)
	}
	sort.Strings(sets)
	deletes := changes.Deletes()

	var parts []string
	if len(sets) > 0 {
		parts = append(parts, "Set "+strings.Join(sets, ", "))
	}
	if len(deletes) > 0 {
		verb := "Remove "
		if len(parts) > 0 {
			verb = "remove "
		}
		parts = append(parts, verb+strings.Join(deletes, ", "))
	}
	if len(parts) == 0 {
		return "Save plan"
	}
	return strings.Join(parts, "; ")
}

// ChangedKeys returns the sorted keys whose presence or value differs between
// before and after. Lists compare in order.
func ChangedKeys(before, after map[string]plansync.Value) []string {
	changed := make([]string, 0)
	for key, value := range after {
		prev, ok := before[key]
		if !ok || !prev.Equal(value, true) {
			changed = append(changed, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}

func (s *Service) openOrInit(planID string) (*git.Repository, error) {
	path := s.repoPath(planID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(planID string) string {
	return filepath.Join(s.baseDir, planID)
}

func (s *Service) planLock(planID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[planID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[planID] = lock
	return lock
}

func readFields(commitObj *object.Commit) (map[string]plansync.Value, error) {
	file, err := commitObj.File(fieldsFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", fieldsFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open fields reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read fields bytes: %w", err)
	}
	fields := map[string]plansync.Value{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode commit fields: %w", err)
	}
	return fields, nil
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When.UTC(),
	}
}

func validPlanID(planID string) bool {
	if planID == "" || planID == "." || planID == ".." {
		return false
	}
	return !strings.ContainsAny(planID, `/\`)
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
