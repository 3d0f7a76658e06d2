package tree

import (
	"sort"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

// Node is the in-memory tagged union over every Merkle node variant. The
// common fields are hoisted here; the typed body deserializes lazily from
// Data via the accessor for the node's type.
type Node struct {
	Hash     hasher.Hash
	Type     NodeType
	Data     []byte
	ParentID hasher.Hash
	Children []*Node
}

// IsLeaf reports whether the node has no loaded children.
func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

// Commit decodes the node as a commit record.
func (n *Node) Commit() (*CommitRecord, error) {
	if n.Type != NodeCommit {
		return nil, oxerr.InvalidInput("node %s is a %s, not a commit", n.Hash.Short(), n.Type)
	}
	var rec CommitRecord
	if err := unmarshal(n.Data, &rec, "commit"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Dir decodes the node as a directory record.
func (n *Node) Dir() (*DirRecord, error) {
	if n.Type != NodeDir {
		return nil, oxerr.InvalidInput("node %s is a %s, not a dir", n.Hash.Short(), n.Type)
	}
	var rec DirRecord
	if err := unmarshal(n.Data, &rec, "dir"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// VNode decodes the node as a vnode record.
func (n *Node) VNode() (*VNodeRecord, error) {
	if n.Type != NodeVNode {
		return nil, oxerr.InvalidInput("node %s is a %s, not a vnode", n.Hash.Short(), n.Type)
	}
	var rec VNodeRecord
	if err := unmarshal(n.Data, &rec, "vnode"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// File decodes the node as a file record.
func (n *Node) File() (*FileRecord, error) {
	if n.Type != NodeFile {
		return nil, oxerr.InvalidInput("node %s is a %s, not a file", n.Hash.Short(), n.Type)
	}
	var rec FileRecord
	if err := unmarshal(n.Data, &rec, "file"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FileChunk decodes the node as a file-chunk record.
func (n *Node) FileChunk() (*FileChunkRecord, error) {
	if n.Type != NodeFileChunk {
		return nil, oxerr.InvalidInput("node %s is a %s, not a file chunk", n.Hash.Short(), n.Type)
	}
	var rec FileChunkRecord
	if err := unmarshal(n.Data, &rec, "file chunk"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Schema decodes the node as a schema record.
func (n *Node) Schema() (*SchemaRecord, error) {
	if n.Type != NodeSchema {
		return nil, oxerr.InvalidInput("node %s is a %s, not a schema", n.Hash.Short(), n.Type)
	}
	var rec SchemaRecord
	if err := unmarshal(n.Data, &rec, "schema"); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Name returns the entry name of a dir, file, or schema node; empty for
// other variants.
func (n *Node) Name() string {
	switch n.Type {
	case NodeDir:
		if rec, err := n.Dir(); err == nil {
			return rec.Name
		}
	case NodeFile:
		if rec, err := n.File(); err == nil {
			return rec.Name
		}
	case NodeSchema:
		if rec, err := n.Schema(); err == nil {
			return rec.Name
		}
	}
	return ""
}

// NumVNodes counts the node's direct vnode children.
func (n *Node) NumVNodes() int {
	count := 0
	for _, c := range n.Children {
		if c.Type == NodeVNode {
			count++
		}
	}
	return count
}

// TotalVNodes recursively counts vnodes in the loaded subtree.
func (n *Node) TotalVNodes() int {
	count := 0
	for _, c := range n.Children {
		if c.Type == NodeVNode {
			count++
		}
		count += c.TotalVNodes()
	}
	return count
}

// sortChildrenByName keeps a vnode's child list ordered by entry name so
// in-bucket lookups are a binary search.
func sortChildrenByName(children []*Node) {
	sort.Slice(children, func(i, j int) bool {
		return children[i].Name() < children[j].Name()
	})
}

// findChildByName binary-searches a name-sorted child list. When duplicate
// names exist (impossible in a well-formed tree, but tolerated defensively)
// the last occurrence wins.
func findChildByName(children []*Node, name string) *Node {
	i := sort.Search(len(children), func(i int) bool {
		return children[i].Name() >= name
	})
	var found *Node
	for ; i < len(children) && children[i].Name() == name; i++ {
		found = children[i]
	}
	return found
}
