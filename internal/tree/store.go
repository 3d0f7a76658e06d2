package tree

import (
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/merkledb"
)

// defaultNodeCacheSize bounds the decoded-node cache. Nodes are immutable
// once written, so cached snapshots never go stale.
const defaultNodeCacheSize = 16_384

// nodeSnapshot is the cached raw form of one node database: its header and
// its immediate child records.
type nodeSnapshot struct {
	kind     byte
	parentID hasher.Hash
	data     []byte
	children []merkledb.ChildRecord
}

// NodeStore reads Merkle nodes from the one-database-per-hash layout under
// nodesDir, caching decoded snapshots.
type NodeStore struct {
	nodesDir string
	cache    *lru.Cache[hasher.Hash, *nodeSnapshot]
}

// NewNodeStore creates a store over nodesDir.
func NewNodeStore(nodesDir string) (*NodeStore, error) {
	cache, err := lru.New[hasher.Hash, *nodeSnapshot](defaultNodeCacheSize)
	if err != nil {
		return nil, err
	}
	return &NodeStore{nodesDir: nodesDir, cache: cache}, nil
}

// NodeDir returns the directory holding the node database for hash.
func (s *NodeStore) NodeDir(hash hasher.Hash) string {
	return filepath.Join(s.nodesDir, hash.String())
}

// HasNode reports whether a node database exists for hash.
func (s *NodeStore) HasNode(hash hasher.Hash) bool {
	if _, ok := s.cache.Get(hash); ok {
		return true
	}
	return merkledb.Exists(s.NodeDir(hash))
}

// ListNodeHashes enumerates every node database present on disk.
func (s *NodeStore) ListNodeHashes() ([]hasher.Hash, error) {
	entries, err := os.ReadDir(s.nodesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	hashes := make([]hasher.Hash, 0, len(entries))
	for _, e := range entries {
		h, err := hasher.Parse(e.Name())
		if err != nil {
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// snapshot loads (or returns the cached) raw node for hash.
func (s *NodeStore) snapshot(hash hasher.Hash) (*nodeSnapshot, error) {
	if snap, ok := s.cache.Get(hash); ok {
		return snap, nil
	}

	db, err := merkledb.OpenReadOnly(s.NodeDir(hash))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	children, err := db.Children()
	if err != nil {
		return nil, err
	}
	snap := &nodeSnapshot{
		kind:     db.Kind(),
		parentID: db.ParentID(),
		data:     db.Data(),
		children: children,
	}
	s.cache.Add(hash, snap)
	return snap, nil
}

// ReadNode loads the node for hash with its immediate children attached as
// shallow nodes (no grandchildren). The returned tree is owned by the
// caller; the cache holds only the raw snapshot.
func (s *NodeStore) ReadNode(hash hasher.Hash) (*Node, error) {
	snap, err := s.snapshot(hash)
	if err != nil {
		return nil, err
	}

	n := &Node{
		Hash:     hash,
		Type:     NodeType(snap.kind),
		Data:     snap.data,
		ParentID: snap.parentID,
	}
	n.Children = make([]*Node, 0, len(snap.children))
	for _, rec := range snap.children {
		child := &Node{
			Hash:     rec.Hash,
			Type:     NodeType(rec.Kind),
			Data:     rec.Data,
			ParentID: hash,
		}
		// File and dir entries are keyed by name hash inside their vnode
		// (names are unique within a directory, content is not); the node's
		// true identity comes from its record.
		if err := resolveChildHash(child); err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	sortChildrenByName(n.Children)
	return n, nil
}

// resolveChildHash replaces a child's storage key with its identity hash:
// the combined hash for files, the aggregate hash for directories.
func resolveChildHash(child *Node) error {
	switch child.Type {
	case NodeFile:
		rec, err := child.File()
		if err != nil {
			return err
		}
		child.Hash = rec.CombinedHash
	case NodeDir:
		rec, err := child.Dir()
		if err != nil {
			return err
		}
		if !rec.Hash.IsZero() {
			child.Hash = rec.Hash
		}
	}
	return nil
}

// NameKey is the storage key of a named entry inside its vnode's database.
func NameKey(name string) hasher.Hash {
	return hasher.HashBytes([]byte(name))
}

// Invalidate drops a cached node, used after a node database is rewritten
// in place (which only happens to staging scratch nodes, never to history).
func (s *NodeStore) Invalidate(hash hasher.Hash) {
	s.cache.Remove(hash)
}
