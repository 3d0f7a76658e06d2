package tree

import (
	"fmt"
	"strings"

	"github.com/xlab/treeprint"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

// Tree is an in-memory view over one commit's Merkle tree. Layers below the
// root load lazily as lookups walk into them, or eagerly with LoadRecursive.
type Tree struct {
	store *NodeStore
	// root is the commit node; its single child is the root directory.
	root *Node
	// rootDir is the root directory node with its vnodes loaded.
	rootDir *Node
}

// FromCommit opens the tree for a commit hash. The commit node and the root
// directory's immediate children are loaded; deeper layers load on demand.
func FromCommit(store *NodeStore, commitHash hasher.Hash) (*Tree, error) {
	root, err := store.ReadNode(commitHash)
	if err != nil {
		return nil, err
	}
	if root.Type != NodeCommit {
		return nil, oxerr.InvalidInput("node %s is a %s, not a commit", commitHash.Short(), root.Type)
	}
	commit, err := root.Commit()
	if err != nil {
		return nil, err
	}

	t := &Tree{store: store, root: root}
	if commit.RootHash.IsZero() {
		return nil, oxerr.Integrity("commit %s has no root hash", commitHash.Short())
	}
	t.rootDir, err = store.ReadNode(commit.RootHash)
	if err != nil {
		return nil, err
	}
	if t.rootDir.Type != NodeDir {
		return nil, oxerr.Integrity("commit %s root %s is a %s, not a dir",
			commitHash.Short(), commit.RootHash.Short(), t.rootDir.Type)
	}
	root.Children = []*Node{t.rootDir}
	return t, nil
}

// Root returns the commit node.
func (t *Tree) Root() *Node { return t.root }

// RootDir returns the root directory node.
func (t *Tree) RootDir() *Node { return t.rootDir }

// Commit returns the decoded commit record.
func (t *Tree) Commit() (*CommitRecord, error) { return t.root.Commit() }

// loadChildren ensures a node's immediate children are attached, reading
// its node database if necessary. Leaf variants never have databases.
func (t *Tree) loadChildren(n *Node) error {
	if len(n.Children) > 0 || n.Type == NodeFileChunk || n.Type == NodeSchema {
		return nil
	}
	// Most file nodes are leaves; only tabular files with a schema child
	// carry their own node database.
	if n.Type == NodeFile {
		if !t.store.HasNode(n.Hash) {
			return nil
		}
	}
	// An empty directory legitimately has no node database when it has no
	// vnodes; treat a missing db for a dir with zero vnodes as empty.
	if n.Type == NodeDir {
		rec, err := n.Dir()
		if err != nil {
			return err
		}
		if rec.NumVNodes == 0 {
			return nil
		}
	}
	loaded, err := t.store.ReadNode(n.Hash)
	if err != nil {
		return err
	}
	n.Children = loaded.Children
	for _, c := range n.Children {
		c.ParentID = n.Hash
	}
	return nil
}

// LoadRecursive eagerly loads the whole tree below the root directory.
func (t *Tree) LoadRecursive() error {
	return t.loadRecursive(t.rootDir)
}

func (t *Tree) loadRecursive(n *Node) error {
	if err := t.loadChildren(n); err != nil {
		return err
	}
	for _, c := range n.Children {
		if c.Type == NodeDir || c.Type == NodeVNode {
			if err := t.loadRecursive(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetByPath walks from the root directory to the node at p, using vnode
// bucketing at each directory level. Leading slashes are ignored; "" and "."
// both denote the root directory. Returns nil with no error when the path
// does not exist in the tree.
func (t *Tree) GetByPath(p string) (*Node, error) {
	p = hasher.CanonicalPath(p)
	if p == "" {
		return t.rootDir, nil
	}

	cur := t.rootDir
	curPath := ""
	components := strings.Split(p, "/")
	for i, comp := range components {
		childPath := ChildPath(curPath, comp)
		child, err := t.lookupChild(cur, childPath, comp)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, nil
		}
		if i == len(components)-1 {
			return child, nil
		}
		if child.Type != NodeDir {
			return nil, nil
		}
		cur = child
		curPath = childPath
	}
	return cur, nil
}

// lookupChild finds the named entry of a directory node: pick the vnode
// whose bucket contains hash(childPath), then binary-search that vnode's
// name-sorted child list.
func (t *Tree) lookupChild(dir *Node, childPath, name string) (*Node, error) {
	rec, err := dir.Dir()
	if err != nil {
		return nil, err
	}
	if rec.NumVNodes == 0 {
		return nil, nil
	}
	if err := t.loadChildren(dir); err != nil {
		return nil, err
	}

	bucket := BucketFor(childPath, rec.NumVNodes)
	var vnode *Node
	for _, c := range dir.Children {
		if c.Type != NodeVNode {
			continue
		}
		vrec, err := c.VNode()
		if err != nil {
			return nil, err
		}
		if vrec.ID == bucket {
			vnode = c
			break
		}
	}
	if vnode == nil {
		return nil, nil
	}
	if err := t.loadChildren(vnode); err != nil {
		return nil, err
	}
	return findChildByName(vnode.Children, name), nil
}

// FilesAndFolders returns the direct children of the directory at p: the
// union of entries across all of its vnodes, sorted by name.
func (t *Tree) FilesAndFolders(p string) ([]*Node, error) {
	dir, err := t.GetByPath(p)
	if err != nil {
		return nil, err
	}
	if dir == nil {
		return nil, oxerr.NotFound("no directory %q in tree", p)
	}
	if dir.Type != NodeDir {
		return nil, oxerr.InvalidInput("%q is a %s, not a directory", p, dir.Type)
	}
	return t.dirEntries(dir)
}

// dirEntries unions a directory's entries across its vnodes.
func (t *Tree) dirEntries(dir *Node) ([]*Node, error) {
	if err := t.loadChildren(dir); err != nil {
		return nil, err
	}
	var entries []*Node
	for _, vnode := range dir.Children {
		if vnode.Type != NodeVNode {
			continue
		}
		if err := t.loadChildren(vnode); err != nil {
			return nil, err
		}
		entries = append(entries, vnode.Children...)
	}
	sortChildrenByName(entries)
	return entries, nil
}

// ListDirPaths enumerates every directory path in the tree, root first.
func (t *Tree) ListDirPaths() ([]string, error) {
	dirs := []string{""}
	if err := t.walkDirs(t.rootDir, "", &dirs); err != nil {
		return nil, err
	}
	return dirs, nil
}

func (t *Tree) walkDirs(dir *Node, dirPath string, out *[]string) error {
	entries, err := t.dirEntries(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type != NodeDir {
			continue
		}
		childPath := ChildPath(dirPath, e.Name())
		*out = append(*out, childPath)
		if err := t.walkDirs(e, childPath, out); err != nil {
			return err
		}
	}
	return nil
}

// FileEntry pairs a file's repository path with its decoded record.
type FileEntry struct {
	Path string
	File *FileRecord
}

// ListFiles enumerates every file in the tree with its path.
func (t *Tree) ListFiles() ([]FileEntry, error) {
	var files []FileEntry
	if err := t.walkFiles(t.rootDir, "", &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (t *Tree) walkFiles(dir *Node, dirPath string, out *[]FileEntry) error {
	entries, err := t.dirEntries(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.Type {
		case NodeFile:
			rec, err := e.File()
			if err != nil {
				return err
			}
			*out = append(*out, FileEntry{Path: ChildPath(dirPath, rec.Name), File: rec})
		case NodeDir:
			if err := t.walkFiles(e, ChildPath(dirPath, e.Name()), out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Print renders the tree for debugging, walking at most depth directory
// levels below the root (negative depth means unlimited).
func (t *Tree) Print(depth int) (string, error) {
	commit, err := t.Commit()
	if err != nil {
		return "", err
	}
	printer := treeprint.NewWithRoot(fmt.Sprintf("[commit] %s %q", t.root.Hash.Short(), commit.Message))
	if err := t.printDir(printer, t.rootDir, depth); err != nil {
		return "", err
	}
	return printer.String(), nil
}

func (t *Tree) printDir(branch treeprint.Tree, dir *Node, depth int) error {
	if depth == 0 {
		return nil
	}
	if err := t.loadChildren(dir); err != nil {
		return err
	}
	for _, vnode := range dir.Children {
		if vnode.Type != NodeVNode {
			continue
		}
		vrec, err := vnode.VNode()
		if err != nil {
			return err
		}
		vbranch := branch.AddBranch(fmt.Sprintf("[vnode %d] %s", vrec.ID, vnode.Hash.Short()))
		if err := t.loadChildren(vnode); err != nil {
			return err
		}
		for _, e := range vnode.Children {
			switch e.Type {
			case NodeDir:
				dbranch := vbranch.AddBranch(fmt.Sprintf("[dir] %s %s/", e.Hash.Short(), e.Name()))
				if err := t.printDir(dbranch, e, depth-1); err != nil {
					return err
				}
			case NodeFile:
				rec, err := e.File()
				if err != nil {
					return err
				}
				vbranch.AddNode(fmt.Sprintf("[file] %s %s (%d bytes)", e.Hash.Short(), rec.Name, rec.NumBytes))
			case NodeSchema:
				vbranch.AddNode(fmt.Sprintf("[schema] %s %s", e.Hash.Short(), e.Name()))
			}
		}
	}
	return nil
}
