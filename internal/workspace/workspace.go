// Package workspace implements the staging model: a per-workspace database
// of uncommitted additions, modifications, and removals over a base commit,
// plus the coordinator that detects three-way conflicts against branch
// advances before a commit is allowed to proceed.
package workspace

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/oxen-ai/oxen-go/internal/chunker"
	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/tree"
)

const stagedDBName = "staged.db"

// DefaultWorkspaceID is the workspace the CLI uses for local staging.
const DefaultWorkspaceID = "default"

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")

	metaKeyCommit   = []byte("base_commit")
	metaKeyName     = []byte("name")
	metaKeyEditable = []byte("editable")
)

// EntryStatus is the staged state of a path.
type EntryStatus int

const (
	// StatusAdded means the path is new relative to the base commit.
	StatusAdded EntryStatus = iota
	// StatusModified means the path replaces a committed file.
	StatusModified
	// StatusRemoved means the committed path is deleted.
	StatusRemoved
)

// String returns the status name used in CLI output.
func (s EntryStatus) String() string {
	switch s {
	case StatusAdded:
		return "added"
	case StatusModified:
		return "modified"
	case StatusRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// StagedEntry is one pending change keyed by path.
type StagedEntry struct {
	Path   string           `cbor:"path"`
	Status EntryStatus      `cbor:"status"`
	File   *tree.FileRecord `cbor:"file,omitempty"`
}

// Workspace is a scratch area over a base commit. The staged database lives
// in the repository's staging tree, private to (branch, workspace id).
// Single writer (the workspace owner); concurrent readers are safe.
type Workspace struct {
	repo       *repo.Repository
	branch     string
	id         string
	name       string
	editable   bool
	baseCommit hasher.Hash
	db         *bolt.DB
}

// Open opens (or creates) the workspace for (branch, id). A fresh workspace
// records the branch's current commit as its base.
func Open(r *repo.Repository, branch, id string) (*Workspace, error) {
	return open(r, branch, id, "", true)
}

// OpenNamed opens a workspace with a human-readable name.
func OpenNamed(r *repo.Repository, branch, id, name string, editable bool) (*Workspace, error) {
	return open(r, branch, id, name, editable)
}

func open(r *repo.Repository, branch, id, name string, editable bool) (*Workspace, error) {
	if id == "" {
		return nil, oxerr.InvalidInput("empty workspace id")
	}
	dir := r.StagingDir(branch, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "creating workspace dir")
	}

	db, err := bolt.Open(filepath.Join(dir, stagedDBName), 0o644, nil)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "opening staged db")
	}

	w := &Workspace{repo: r, branch: branch, id: id, name: name, editable: editable, db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if existing := meta.Get(metaKeyCommit); existing != nil {
			copy(w.baseCommit[:], existing)
			if n := meta.Get(metaKeyName); n != nil {
				w.name = string(n)
			}
			if e := meta.Get(metaKeyEditable); len(e) == 1 {
				w.editable = e[0] == 1
			}
			return nil
		}

		// Fresh workspace: pin the branch's current commit as the base.
		base, err := r.Refs().Get(branch)
		if err != nil && !oxerr.IsCode(err, oxerr.CodeNotFound) {
			return err
		}
		w.baseCommit = base
		if err := meta.Put(metaKeyCommit, base[:]); err != nil {
			return err
		}
		if err := meta.Put(metaKeyName, []byte(name)); err != nil {
			return err
		}
		editByte := byte(0)
		if editable {
			editByte = 1
		}
		return meta.Put(metaKeyEditable, []byte{editByte})
	})
	if err != nil {
		db.Close()
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "initializing workspace")
	}
	return w, nil
}

// Close releases the staged database.
func (w *Workspace) Close() error { return w.db.Close() }

// ID returns the workspace id.
func (w *Workspace) ID() string { return w.id }

// Name returns the optional human-readable name.
func (w *Workspace) Name() string { return w.name }

// Branch returns the branch the workspace was opened against.
func (w *Workspace) Branch() string { return w.branch }

// Editable reports whether the workspace accepts staging operations.
func (w *Workspace) Editable() bool { return w.editable }

// BaseCommit returns the commit the workspace was opened on (zero for a
// workspace over an unborn branch).
func (w *Workspace) BaseCommit() hasher.Hash { return w.baseCommit }

// Repo returns the underlying repository handle.
func (w *Workspace) Repo() *repo.Repository { return w.repo }

// baseTree opens the base commit's tree, or nil for an unborn branch.
func (w *Workspace) baseTree() (*tree.Tree, error) {
	if w.baseCommit.IsZero() {
		return nil, nil
	}
	return w.repo.TreeAt(w.baseCommit)
}

// committedFile looks up a path in the base commit. Returns nil when the
// path is not committed.
func (w *Workspace) committedFile(relPath string) (*tree.FileRecord, error) {
	t, err := w.baseTree()
	if err != nil || t == nil {
		return nil, err
	}
	node, err := t.GetByPath(relPath)
	if err != nil || node == nil {
		return nil, err
	}
	if node.Type != tree.NodeFile {
		return nil, nil
	}
	return node.File()
}

// Add ingests the file currently on disk at the repository-relative path:
// hash it, compute its metadata, copy its bytes into the version store, and
// stage it as Added (or Modified when the base commit already tracks it).
// Re-adding a path replaces the earlier staged entry; adding after rm
// demotes the removal to a modification.
func (w *Workspace) Add(relPath string) (*StagedEntry, error) {
	if !w.editable {
		return nil, oxerr.InvalidInput("workspace %s is read-only", w.id)
	}
	relPath = hasher.CanonicalPath(relPath)
	absPath, err := w.repo.WorkingPath(relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, oxerr.NotFound("no file at %s", relPath)
		}
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "stat %s", relPath)
	}
	if info.IsDir() {
		return nil, oxerr.InvalidInput("%s is a directory; stage its files", relPath)
	}

	contentHash, numBytes, err := hasher.HashFile(absPath)
	if err != nil {
		return nil, err
	}
	if !w.repo.VersionStore().Exists(contentHash) {
		if err := w.repo.VersionStore().PutFromPath(contentHash, absPath); err != nil {
			return nil, err
		}
	}

	rec, err := BuildFileRecord(relPath, absPath, info, contentHash, numBytes)
	if err != nil {
		return nil, err
	}

	committed, err := w.committedFile(relPath)
	if err != nil {
		return nil, err
	}
	status := StatusAdded
	if committed != nil {
		status = StatusModified
	}

	entry := &StagedEntry{Path: relPath, Status: status, File: rec}
	if err := w.putEntry(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// AddChunked stages a file in chunked mode: its fixed-size windows are
// content-addressed individually and packed into shard files, so windows
// repeated anywhere in the repository are stored once. The staged record
// carries the ordered chunk list instead of a whole-file blob. Files at or
// below the chunking threshold fall back to Add.
func (w *Workspace) AddChunked(relPath string) (*StagedEntry, error) {
	if !w.editable {
		return nil, oxerr.InvalidInput("workspace %s is read-only", w.id)
	}
	relPath = hasher.CanonicalPath(relPath)
	absPath, err := w.repo.WorkingPath(relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, oxerr.NotFound("no file at %s", relPath)
		}
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "stat %s", relPath)
	}
	if info.IsDir() {
		return nil, oxerr.InvalidInput("%s is a directory; stage its files", relPath)
	}
	if info.Size() <= chunker.ChunkThreshold {
		return w.Add(relPath)
	}

	contentHash, numBytes, err := hasher.HashFile(absPath)
	if err != nil {
		return nil, err
	}

	manager, err := chunker.NewShardManager(w.repo.ShardsDir(), w.repo.ChunkIndexPath())
	if err != nil {
		return nil, err
	}
	defer manager.Close()
	if err := manager.OpenForWrite(); err != nil {
		return nil, err
	}
	chunkHashes, err := chunker.SaveChunks(manager, absPath)
	if err != nil {
		return nil, err
	}

	rec, err := BuildFileRecord(relPath, absPath, info, contentHash, numBytes)
	if err != nil {
		return nil, err
	}
	rec.ChunkHashes = chunkHashes

	committed, err := w.committedFile(relPath)
	if err != nil {
		return nil, err
	}
	status := StatusAdded
	if committed != nil {
		status = StatusModified
	}

	entry := &StagedEntry{Path: relPath, Status: status, File: rec}
	if err := w.putEntry(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Rm marks an existing committed path as removed. Untracked paths error;
// a staged-but-uncommitted add is discarded instead with Restore.
func (w *Workspace) Rm(relPath string) error {
	if !w.editable {
		return oxerr.InvalidInput("workspace %s is read-only", w.id)
	}
	relPath = hasher.CanonicalPath(relPath)

	committed, err := w.committedFile(relPath)
	if err != nil {
		return err
	}
	if committed == nil {
		return oxerr.NotFound("path %s is not tracked", relPath)
	}
	return w.putEntry(&StagedEntry{Path: relPath, Status: StatusRemoved})
}

// Restore discards any staged change for the path.
func (w *Workspace) Restore(relPath string) error {
	relPath = hasher.CanonicalPath(relPath)
	err := w.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(relPath))
	})
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "restoring %s", relPath)
	}
	return nil
}

// HasStaged reports whether the path has a pending change.
func (w *Workspace) HasStaged(relPath string) bool {
	relPath = hasher.CanonicalPath(relPath)
	found := false
	_ = w.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(entriesBucket).Get([]byte(relPath)) != nil
		return nil
	})
	return found
}

// GetStaged returns the staged entry for a path, or nil.
func (w *Workspace) GetStaged(relPath string) (*StagedEntry, error) {
	relPath = hasher.CanonicalPath(relPath)
	var entry *StagedEntry
	err := w.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(entriesBucket).Get([]byte(relPath))
		if raw == nil {
			return nil
		}
		var e StagedEntry
		if err := cbor.Unmarshal(raw, &e); err != nil {
			return oxerr.Integrity("corrupt staged entry for %s: %v", relPath, err)
		}
		entry = &e
		return nil
	})
	return entry, err
}

// ListStaged returns every staged entry, sorted by path.
func (w *Workspace) ListStaged() ([]StagedEntry, error) {
	var entries []StagedEntry
	err := w.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			var e StagedEntry
			if err := cbor.Unmarshal(v, &e); err != nil {
				return oxerr.Integrity("corrupt staged entry for %s: %v", k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Clear drops every staged entry, called after a successful commit.
func (w *Workspace) Clear() error {
	err := w.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(entriesBucket)
		return err
	})
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "clearing workspace")
	}
	return nil
}

// Rebase repins the workspace onto a new base commit, keeping staged
// entries. Used after a conflict-free branch advance.
func (w *Workspace) Rebase(newBase hasher.Hash) error {
	err := w.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metaKeyCommit, newBase[:])
	})
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "rebasing workspace")
	}
	w.baseCommit = newBase
	return nil
}

// Drop deletes the workspace's private tree entirely.
func (w *Workspace) Drop() error {
	if err := w.db.Close(); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "closing workspace db")
	}
	if err := os.RemoveAll(w.repo.StagingDir(w.branch, w.id)); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "removing workspace")
	}
	return nil
}

// putEntry writes a staged entry; the later write for a path wins.
func (w *Workspace) putEntry(entry *StagedEntry) error {
	raw, err := cbor.Marshal(entry)
	if err != nil {
		return oxerr.Wrap(oxerr.CodeInvalidInput, err, "encoding staged entry")
	}
	err = w.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(entry.Path), raw)
	})
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "staging %s", entry.Path)
	}
	return nil
}
