// Package refs implements the named-pointer store mapping branch names and
// HEAD to commit hashes. It is the only component that names commits;
// everything else talks in hashes.
package refs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

const (
	headRefPrefix = "ref: "
	lockSuffix    = ".lock"
)

// DefaultBranchName is the branch created by repository init.
const DefaultBranchName = "main"

// Branch is a named pointer to a commit.
type Branch struct {
	Name     string      `json:"name"`
	CommitID hasher.Hash `json:"commit_id"`
}

// HeadState is the resolved HEAD: either a branch name or a detached commit
// hash.
type HeadState struct {
	// Branch is set when HEAD names a branch.
	Branch string
	// Commit is the resolved commit hash; zero when HEAD names a branch
	// with no commits yet.
	Commit hasher.Hash
	// Detached reports whether HEAD is a raw hash.
	Detached bool
}

// Manager reads and writes the refs table. Branch files live under refsDir,
// one file per branch holding the commit hash; HEAD lives at headPath.
// Writes to a branch are serialized by a per-branch lock file.
type Manager struct {
	refsDir  string
	headPath string
}

// NewManager creates a Manager over the given refs directory and HEAD file.
func NewManager(refsDir, headPath string) *Manager {
	return &Manager{refsDir: refsDir, headPath: headPath}
}

// Init creates the refs directory and points HEAD at the default branch.
func (m *Manager) Init() error {
	if err := os.MkdirAll(m.refsDir, 0o755); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating refs dir")
	}
	return m.SetHeadBranch(DefaultBranchName)
}

// branchPath validates a branch name and returns its ref file path. Names
// may contain slashes (feature/foo) but never path escapes.
func (m *Manager) branchPath(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return "", oxerr.InvalidInput("invalid branch name %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || strings.HasPrefix(part, ".") || strings.HasSuffix(part, lockSuffix) {
			return "", oxerr.InvalidInput("invalid branch name %q", name)
		}
	}
	return filepath.Join(m.refsDir, filepath.FromSlash(name)), nil
}

// Get returns the commit a branch points at, or NotFound.
func (m *Manager) Get(name string) (hasher.Hash, error) {
	path, err := m.branchPath(name)
	if err != nil {
		return hasher.Zero, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return hasher.Zero, oxerr.NotFound("no branch %q", name)
		}
		return hasher.Zero, oxerr.Wrap(oxerr.CodeIO, err, "reading branch %q", name)
	}
	h, err := hasher.Parse(strings.TrimSpace(string(content)))
	if err != nil {
		return hasher.Zero, oxerr.Integrity("branch %q holds a malformed hash", name)
	}
	return h, nil
}

// Exists reports whether a branch exists.
func (m *Manager) Exists(name string) bool {
	path, err := m.branchPath(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CreateBranch creates a branch pointing at commit. AlreadyExists if the
// name is taken.
func (m *Manager) CreateBranch(name string, commit hasher.Hash) error {
	if m.Exists(name) {
		return oxerr.New(oxerr.CodeAlreadyExists, "branch %q already exists", name)
	}
	return m.SetBranchCommit(name, commit)
}

// SetBranchCommit atomically advances (or creates) a branch's pointer. The
// per-branch lock serializes concurrent writers; readers see either the old
// or the new hash, never a torn write, because the publish is a rename.
func (m *Manager) SetBranchCommit(name string, commit hasher.Hash) error {
	path, err := m.branchPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating ref dir")
	}

	unlock, err := m.lockBranch(path)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ref-*")
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating ref temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := fmt.Fprintln(tmp, commit.String()); err != nil {
		tmp.Close()
		return oxerr.Wrap(oxerr.CodeIO, err, "writing ref")
	}
	if err := tmp.Close(); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "closing ref temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "publishing ref %q", name)
	}
	return nil
}

// lockBranch takes the exclusive per-branch file lock. The lock file is
// created with O_EXCL; a second writer fails Conflict instead of blocking.
func (m *Manager) lockBranch(path string) (func(), error) {
	lockPath := path + lockSuffix
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, oxerr.Conflict("branch %q is locked by another writer", filepath.Base(path))
		}
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "locking branch")
	}
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}

// DeleteBranch removes a branch. NotFound if absent; Conflict if HEAD names
// it.
func (m *Manager) DeleteBranch(name string) error {
	head, err := m.Head()
	if err == nil && !head.Detached && head.Branch == name {
		return oxerr.Conflict("cannot delete branch %q: HEAD points at it", name)
	}
	path, err := m.branchPath(name)
	if err != nil {
		return err
	}
	if !m.Exists(name) {
		return oxerr.NotFound("no branch %q", name)
	}
	if err := os.Remove(path); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "deleting branch %q", name)
	}
	return nil
}

// ListBranches returns every branch, sorted by name.
func (m *Manager) ListBranches() ([]Branch, error) {
	var branches []Branch
	err := filepath.Walk(m.refsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, lockSuffix) || strings.HasPrefix(filepath.Base(path), ".") {
			return nil
		}
		rel, err := filepath.Rel(m.refsDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		commit, err := m.Get(name)
		if err != nil {
			// Skip malformed ref files but keep listing the rest.
			return nil
		}
		branches = append(branches, Branch{Name: name, CommitID: commit})
		return nil
	})
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "listing branches")
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

// Head resolves the HEAD pointer.
func (m *Manager) Head() (HeadState, error) {
	content, err := os.ReadFile(m.headPath)
	if err != nil {
		return HeadState{}, oxerr.Wrap(oxerr.CodeIO, err, "reading HEAD")
	}
	line := strings.TrimSpace(string(content))

	if branch, ok := strings.CutPrefix(line, headRefPrefix); ok {
		state := HeadState{Branch: branch}
		if commit, err := m.Get(branch); err == nil {
			state.Commit = commit
		}
		// A branch with no commits yet resolves to the zero hash; that is
		// the fresh-repository state, not an error.
		return state, nil
	}

	h, err := hasher.Parse(line)
	if err != nil {
		return HeadState{}, oxerr.Integrity("HEAD holds neither a ref nor a hash: %q", line)
	}
	return HeadState{Commit: h, Detached: true}, nil
}

// SetHeadBranch attaches HEAD to a branch name.
func (m *Manager) SetHeadBranch(name string) error {
	if _, err := m.branchPath(name); err != nil {
		return err
	}
	return m.writeHead(headRefPrefix + name)
}

// SetHeadDetached points HEAD at a raw commit hash.
func (m *Manager) SetHeadDetached(commit hasher.Hash) error {
	return m.writeHead(commit.String())
}

func (m *Manager) writeHead(line string) error {
	if err := os.MkdirAll(filepath.Dir(m.headPath), 0o755); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating HEAD dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.headPath), ".head-*")
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating HEAD temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := fmt.Fprintln(tmp, line); err != nil {
		tmp.Close()
		return oxerr.Wrap(oxerr.CodeIO, err, "writing HEAD")
	}
	if err := tmp.Close(); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "closing HEAD temp file")
	}
	if err := os.Rename(tmpName, m.headPath); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "publishing HEAD")
	}
	return nil
}
