package workspace

import (
	"sort"

	"github.com/oxen-ai/oxen-go/internal/commits"
	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/repo"
)

// Mergeability reports whether a workspace commit can advance its branch,
// along with the commits the branch gained since the workspace's base and
// the conflicting paths, without modifying anything.
type Mergeability struct {
	IsMergeable bool            `json:"is_mergeable"`
	Conflicts   []string        `json:"conflicts"`
	Commits     []repo.LogEntry `json:"commits"`
}

// CheckMergeability runs the three-way conflict detection of a workspace
// against its branch's current tip.
//
// A path conflicts iff the branch tree holds it with a hash different from
// the workspace's base commit AND the workspace also staged a change there:
// both sides touched the same file since they diverged.
func (w *Workspace) CheckMergeability() (*Mergeability, error) {
	result := &Mergeability{IsMergeable: true}

	head, err := w.repo.Refs().Get(w.branch)
	if err != nil {
		if oxerr.IsCode(err, oxerr.CodeNotFound) {
			// Unborn branch: nothing can conflict.
			return result, nil
		}
		return nil, err
	}
	if head == w.baseCommit {
		return result, nil
	}

	between, err := w.repo.CommitsBetween(w.baseCommit, head)
	if err != nil {
		return nil, err
	}
	result.Commits = between

	baseTree, err := w.baseTree()
	if err != nil {
		return nil, err
	}
	headTree, err := w.repo.TreeAt(head)
	if err != nil {
		return nil, err
	}

	staged, err := w.ListStaged()
	if err != nil {
		return nil, err
	}
	for _, entry := range staged {
		headHash, err := treeFileHash(headTree, entry.Path)
		if err != nil {
			return nil, err
		}
		if headHash.IsZero() {
			continue // branch does not hold the path; no conflict
		}
		baseHash, err := treeFileHash(baseTree, entry.Path)
		if err != nil {
			return nil, err
		}
		if headHash != baseHash {
			result.Conflicts = append(result.Conflicts, entry.Path)
		}
	}

	sort.Strings(result.Conflicts)
	result.IsMergeable = len(result.Conflicts) == 0
	return result, nil
}

// ListConflicts returns just the conflicting paths of CheckMergeability.
func (w *Workspace) ListConflicts() ([]string, error) {
	m, err := w.CheckMergeability()
	if err != nil {
		return nil, err
	}
	return m.Conflicts, nil
}

// Commit seals the workspace into a new commit and advances the branch.
// When the branch has moved past the workspace's base, the commit proceeds
// only if conflict-free; otherwise a Conflict error lists every conflicting
// path and the workspace stays intact for the client to rebase or abandon.
//
// On success the staged set is cleared and the workspace is rebased onto
// the new commit.
func (w *Workspace) Commit(opts commits.Options) (hasher.Hash, error) {
	staged, err := w.ListStaged()
	if err != nil {
		return hasher.Zero, err
	}
	if len(staged) == 0 {
		return hasher.Zero, oxerr.InvalidInput("nothing staged to commit")
	}

	merge, err := w.CheckMergeability()
	if err != nil {
		return hasher.Zero, err
	}
	if !merge.IsMergeable {
		return hasher.Zero, conflictError(merge.Conflicts)
	}

	// Parent is the branch tip (which may have advanced conflict-free past
	// the workspace's base).
	parent := w.baseCommit
	if head, err := w.repo.Refs().Get(w.branch); err == nil {
		parent = head
	}

	changes := make([]commits.Change, 0, len(staged))
	for _, e := range staged {
		changes = append(changes, commits.Change{
			Path:   e.Path,
			Status: writerStatus(e.Status),
			File:   e.File,
		})
	}

	commitID, err := commits.Write(w.repo, parent, changes, opts)
	if err != nil {
		return hasher.Zero, err
	}
	if err := commits.CommitToBranch(w.repo, w.branch, commitID); err != nil {
		return hasher.Zero, err
	}

	if err := w.Clear(); err != nil {
		return hasher.Zero, err
	}
	if err := w.Rebase(commitID); err != nil {
		return hasher.Zero, err
	}
	return commitID, nil
}

func writerStatus(s EntryStatus) commits.Status {
	switch s {
	case StatusModified:
		return commits.StatusModified
	case StatusRemoved:
		return commits.StatusRemoved
	default:
		return commits.StatusAdded
	}
}

func conflictError(paths []string) error {
	return oxerr.Conflict("workspace conflicts with branch advance at %d path(s): %v", len(paths), paths)
}
