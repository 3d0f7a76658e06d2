// Package repo provides the LocalRepository handle: the .oxen/ on-disk
// layout, repository discovery and initialization, and read access to
// commits, trees, refs, and the version store.
package repo

import (
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/refs"
	"github.com/oxen-ai/oxen-go/internal/tree"
	"github.com/oxen-ai/oxen-go/internal/versions"
)

// Names inside the hidden .oxen directory.
const (
	OxenDirName = ".oxen"

	versionsDirName   = "versions"
	treeDirName       = "tree"
	nodesDirName      = "nodes"
	chunksDirName     = "chunks"
	shardsDirName     = "shards"
	refsDirName       = "refs"
	headFileName      = "HEAD"
	historyDirName    = "history"
	stagingDirName    = "staging"
	configFileName    = "config"
	dirHashesFileName = "dir_hashes"
)

// Repository is a handle on one local repository rooted at Path.
type Repository struct {
	path    string
	oxenDir string

	store *versions.FilesystemStore
	nodes *tree.NodeStore
	refs  *refs.Manager
}

// Init creates an empty repository at root. AlreadyExists if root already
// holds a .oxen directory.
func Init(root string) (*Repository, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeInvalidInput, err, "resolving %s", root)
	}
	oxenDir := filepath.Join(absRoot, OxenDirName)
	if _, err := os.Stat(oxenDir); err == nil {
		return nil, oxerr.New(oxerr.CodeAlreadyExists, "repository already exists at %s", absRoot)
	}

	for _, dir := range []string{
		oxenDir,
		filepath.Join(oxenDir, versionsDirName),
		filepath.Join(oxenDir, treeDirName, nodesDirName),
		filepath.Join(oxenDir, treeDirName, chunksDirName),
		filepath.Join(oxenDir, treeDirName, shardsDirName),
		filepath.Join(oxenDir, refsDirName),
		filepath.Join(oxenDir, historyDirName),
		filepath.Join(oxenDir, stagingDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, oxerr.Wrap(oxerr.CodeIO, err, "creating %s", dir)
		}
	}

	r, err := open(absRoot)
	if err != nil {
		return nil, err
	}
	if err := r.refs.Init(); err != nil {
		return nil, err
	}
	return r, nil
}

// Open finds a repository starting from path, which can be the repository
// root or any directory inside it.
func Open(path string) (*Repository, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeInvalidInput, err, "resolving %s", path)
	}

	current := absPath
	for {
		candidate := filepath.Join(current, OxenDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return open(current)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return nil, oxerr.NotFound("not an oxen repository (or any parent): %s", path)
		}
		current = parent
	}
}

func open(root string) (*Repository, error) {
	oxenDir := filepath.Join(root, OxenDirName)
	nodes, err := tree.NewNodeStore(filepath.Join(oxenDir, treeDirName, nodesDirName))
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "opening node store")
	}
	return &Repository{
		path:    root,
		oxenDir: oxenDir,
		store:   versions.NewFilesystemStore(filepath.Join(oxenDir, versionsDirName)),
		nodes:   nodes,
		refs:    refs.NewManager(filepath.Join(oxenDir, refsDirName), filepath.Join(oxenDir, headFileName)),
	}, nil
}

// Path returns the repository root (the working directory).
func (r *Repository) Path() string { return r.path }

// Name returns the base name of the repository root.
func (r *Repository) Name() string { return filepath.Base(r.path) }

// OxenDir returns the hidden .oxen directory.
func (r *Repository) OxenDir() string { return r.oxenDir }

// VersionStore returns the repository's blob store.
func (r *Repository) VersionStore() *versions.FilesystemStore { return r.store }

// NodeStore returns the repository's Merkle node store.
func (r *Repository) NodeStore() *tree.NodeStore { return r.nodes }

// Refs returns the repository's ref manager.
func (r *Repository) Refs() *refs.Manager { return r.refs }

// NodesDir returns the directory holding the per-node databases.
func (r *Repository) NodesDir() string {
	return filepath.Join(r.oxenDir, treeDirName, nodesDirName)
}

// ChunkIndexPath returns the chunk-to-shard placement index path.
func (r *Repository) ChunkIndexPath() string {
	return filepath.Join(r.oxenDir, treeDirName, chunksDirName, "index.db")
}

// ShardsDir returns the directory holding chunk shard files.
func (r *Repository) ShardsDir() string {
	return filepath.Join(r.oxenDir, treeDirName, shardsDirName)
}

// StagingDir returns the private directory of one workspace.
func (r *Repository) StagingDir(branch, workspaceID string) string {
	return filepath.Join(r.oxenDir, stagingDirName, branch, workspaceID)
}

// HistoryDir returns the per-commit history directory.
func (r *Repository) HistoryDir(commitID hasher.Hash) string {
	return filepath.Join(r.oxenDir, historyDirName, commitID.String())
}

// DirHashesPath returns the path of a commit's dir-path → dir-hash index.
func (r *Repository) DirHashesPath(commitID hasher.Hash) string {
	return filepath.Join(r.HistoryDir(commitID), dirHashesFileName)
}

// ConfigPath returns the repository config file path.
func (r *Repository) ConfigPath() string {
	return filepath.Join(r.oxenDir, configFileName)
}

// RelPath converts an absolute path inside the working directory to the
// canonical repository-relative form. InvalidInput for paths outside it.
func (r *Repository) RelPath(absPath string) (string, error) {
	rel, err := filepath.Rel(r.path, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", oxerr.InvalidInput("path %s is outside the repository", absPath)
	}
	return hasher.CanonicalPath(rel), nil
}

// WorkingPath converts a repository-relative path to an absolute one,
// rejecting escapes.
func (r *Repository) WorkingPath(relPath string) (string, error) {
	canonical := hasher.CanonicalPath(relPath)
	if strings.HasPrefix(canonical, "..") {
		return "", oxerr.InvalidInput("path %s escapes the repository", relPath)
	}
	return filepath.Join(r.path, filepath.FromSlash(canonical)), nil
}

// ReadCommit loads a commit record by hash.
func (r *Repository) ReadCommit(commitID hasher.Hash) (*tree.CommitRecord, error) {
	node, err := r.nodes.ReadNode(commitID)
	if err != nil {
		return nil, err
	}
	return node.Commit()
}

// HasCommit reports whether the commit node exists locally.
func (r *Repository) HasCommit(commitID hasher.Hash) bool {
	if !r.nodes.HasNode(commitID) {
		return false
	}
	node, err := r.nodes.ReadNode(commitID)
	return err == nil && node.Type == tree.NodeCommit
}

// TreeAt opens the Merkle tree of a commit.
func (r *Repository) TreeAt(commitID hasher.Hash) (*tree.Tree, error) {
	return tree.FromCommit(r.nodes, commitID)
}

// HeadCommit resolves HEAD to a commit hash. The zero hash with a nil error
// means a fresh repository with no commits.
func (r *Repository) HeadCommit() (hasher.Hash, error) {
	head, err := r.refs.Head()
	if err != nil {
		return hasher.Zero, err
	}
	return head.Commit, nil
}

// ResolveRevision resolves a branch name or a full hex hash to a commit.
func (r *Repository) ResolveRevision(revision string) (hasher.Hash, error) {
	if r.refs.Exists(revision) {
		return r.refs.Get(revision)
	}
	if h, err := hasher.Parse(revision); err == nil {
		if !r.HasCommit(h) {
			return hasher.Zero, oxerr.NotFound("no commit %s", revision)
		}
		return h, nil
	}
	return hasher.Zero, oxerr.NotFound("unknown revision %q", revision)
}

// LogEntry is one commit in a history walk.
type LogEntry struct {
	ID     hasher.Hash
	Commit *tree.CommitRecord
}

// logHeap orders pending commits newest-first by timestamp.
type logHeap []LogEntry

func (h logHeap) Len() int           { return len(h) }
func (h logHeap) Less(i, j int) bool { return h[i].Commit.Timestamp > h[j].Commit.Timestamp }
func (h logHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *logHeap) Push(x any)        { *h = append(*h, x.(LogEntry)) }
func (h *logHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Log walks from the given commit through parents in reverse chronological
// order. maxCount <= 0 returns all reachable commits.
func (r *Repository) Log(from hasher.Hash, maxCount int) ([]LogEntry, error) {
	if from.IsZero() {
		return nil, nil
	}

	first, err := r.ReadCommit(from)
	if err != nil {
		return nil, err
	}

	visited := map[hasher.Hash]bool{from: true}
	h := &logHeap{}
	heap.Init(h)
	heap.Push(h, LogEntry{ID: from, Commit: first})

	var result []LogEntry
	for h.Len() > 0 {
		if maxCount > 0 && len(result) >= maxCount {
			break
		}
		entry := heap.Pop(h).(LogEntry)
		result = append(result, entry)

		for _, parent := range entry.Commit.ParentIDs {
			if visited[parent] {
				continue
			}
			visited[parent] = true
			rec, err := r.ReadCommit(parent)
			if err != nil {
				return nil, fmt.Errorf("walking history of %s: %w", from.Short(), err)
			}
			heap.Push(h, LogEntry{ID: parent, Commit: rec})
		}
	}
	return result, nil
}

// CommitsBetween returns the commits reachable from head but not from base,
// newest first. Used by the workspace coordinator's mergeability report.
func (r *Repository) CommitsBetween(base, head hasher.Hash) ([]LogEntry, error) {
	if base == head {
		return nil, nil
	}
	baseSet := make(map[hasher.Hash]bool)
	if !base.IsZero() {
		baseLog, err := r.Log(base, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range baseLog {
			baseSet[e.ID] = true
		}
	}

	headLog, err := r.Log(head, 0)
	if err != nil {
		return nil, err
	}
	var between []LogEntry
	for _, e := range headLog {
		if !baseSet[e.ID] {
			between = append(between, e)
		}
	}
	return between, nil
}

// ListOrphanNodes returns node hashes present on disk but unreachable from
// any branch. A crash between node writes and the ref advance leaves these
// behind; a garbage pass may collect them once proven unreferenced.
func (r *Repository) ListOrphanNodes() ([]hasher.Hash, error) {
	reachable := make(map[hasher.Hash]bool)
	branches, err := r.refs.ListBranches()
	if err != nil {
		return nil, err
	}
	for _, b := range branches {
		log, err := r.Log(b.CommitID, 0)
		if err != nil {
			if oxerr.IsCode(err, oxerr.CodeNotFound) {
				continue
			}
			return nil, err
		}
		for _, entry := range log {
			if err := r.markReachable(entry.ID, reachable); err != nil {
				return nil, err
			}
		}
	}

	all, err := r.nodes.ListNodeHashes()
	if err != nil {
		return nil, err
	}
	var orphans []hasher.Hash
	for _, h := range all {
		if !reachable[h] {
			orphans = append(orphans, h)
		}
	}
	return orphans, nil
}

func (r *Repository) markReachable(nodeHash hasher.Hash, reachable map[hasher.Hash]bool) error {
	if reachable[nodeHash] || !r.nodes.HasNode(nodeHash) {
		return nil
	}
	reachable[nodeHash] = true
	node, err := r.nodes.ReadNode(nodeHash)
	if err != nil {
		return err
	}
	for _, c := range node.Children {
		switch c.Type {
		case tree.NodeDir, tree.NodeVNode, tree.NodeCommit:
			if err := r.markReachable(c.Hash, reachable); err != nil {
				return err
			}
		case tree.NodeFile:
			// Tabular files carry their own node database for the schema.
			if r.nodes.HasNode(c.Hash) {
				if err := r.markReachable(c.Hash, reachable); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// IsRepository reports whether path holds a repository root.
func IsRepository(path string) bool {
	info, err := os.Stat(filepath.Join(path, OxenDirName))
	return err == nil && info.IsDir()
}
