package tree

// DiffStatus classifies one entry of a tree comparison.
type DiffStatus int

const (
	// DiffAdded means the path exists only in the target tree.
	DiffAdded DiffStatus = iota
	// DiffModified means the path exists in both trees with different
	// combined hashes.
	DiffModified
	// DiffRemoved means the path exists only in the base tree.
	DiffRemoved
)

// String returns the status name.
func (s DiffStatus) String() string {
	switch s {
	case DiffAdded:
		return "added"
	case DiffModified:
		return "modified"
	case DiffRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// DiffEntry is one file-level difference between two trees.
type DiffEntry struct {
	Path   string
	Status DiffStatus
	// Old is set for Modified and Removed; New for Added and Modified.
	Old *FileRecord
	New *FileRecord
}

// Diff compares a base tree against a target tree and returns file-level
// differences. Subtrees whose directory hashes are equal are skipped
// wholesale without walking their children; that skip is what makes syncing
// a small change to a huge repository cheap. Either tree may be nil,
// meaning empty.
func Diff(base, target *Tree) ([]DiffEntry, error) {
	var out []DiffEntry
	err := diffDirs(base, baseRootDir(base), target, baseRootDir(target), "", &out)
	return out, err
}

func baseRootDir(t *Tree) *Node {
	if t == nil {
		return nil
	}
	return t.rootDir
}

// diffDirs walks a pair of directory nodes (either may be nil).
func diffDirs(baseTree *Tree, baseDir *Node, targetTree *Tree, targetDir *Node, dirPath string, out *[]DiffEntry) error {
	if baseDir != nil && targetDir != nil && baseDir.Hash == targetDir.Hash {
		return nil
	}

	baseEntries, err := entriesByName(baseTree, baseDir)
	if err != nil {
		return err
	}
	targetEntries, err := entriesByName(targetTree, targetDir)
	if err != nil {
		return err
	}

	for name, b := range baseEntries {
		tgt, inTarget := targetEntries[name]
		childPath := ChildPath(dirPath, name)
		switch {
		case !inTarget:
			if err := emitAll(baseTree, b, childPath, DiffRemoved, out); err != nil {
				return err
			}
		case b.Type == NodeDir && tgt.Type == NodeDir:
			if err := diffDirs(baseTree, b, targetTree, tgt, childPath, out); err != nil {
				return err
			}
		case b.Type == NodeFile && tgt.Type == NodeFile:
			if b.Hash != tgt.Hash {
				oldRec, err := b.File()
				if err != nil {
					return err
				}
				newRec, err := tgt.File()
				if err != nil {
					return err
				}
				*out = append(*out, DiffEntry{Path: childPath, Status: DiffModified, Old: oldRec, New: newRec})
			}
		default:
			// Type changed (file became dir or vice versa): remove + add.
			if err := emitAll(baseTree, b, childPath, DiffRemoved, out); err != nil {
				return err
			}
			if err := emitAll(targetTree, tgt, childPath, DiffAdded, out); err != nil {
				return err
			}
		}
	}
	for name, tgt := range targetEntries {
		if _, inBase := baseEntries[name]; inBase {
			continue
		}
		if err := emitAll(targetTree, tgt, ChildPath(dirPath, name), DiffAdded, out); err != nil {
			return err
		}
	}
	return nil
}

// entriesByName maps a directory's entries by name; a nil dir yields an
// empty map. Schema nodes are not diffed here: a schema change always
// changes its file's metadata hash, so it surfaces as a file modification.
func entriesByName(t *Tree, dir *Node) (map[string]*Node, error) {
	if t == nil || dir == nil {
		return map[string]*Node{}, nil
	}
	entries, err := t.dirEntries(dir)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Node, len(entries))
	for _, e := range entries {
		if e.Type == NodeSchema {
			continue
		}
		byName[e.Name()] = e
	}
	return byName, nil
}

// emitAll emits a diff entry for a file node, or recursively for every file
// under a directory node.
func emitAll(t *Tree, n *Node, nodePath string, status DiffStatus, out *[]DiffEntry) error {
	switch n.Type {
	case NodeFile:
		rec, err := n.File()
		if err != nil {
			return err
		}
		entry := DiffEntry{Path: nodePath, Status: status}
		if status == DiffRemoved {
			entry.Old = rec
		} else {
			entry.New = rec
		}
		*out = append(*out, entry)
	case NodeDir:
		entries, err := t.dirEntries(n)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type == NodeSchema {
				continue
			}
			if err := emitAll(t, e, ChildPath(nodePath, e.Name()), status, out); err != nil {
				return err
			}
		}
	}
	return nil
}
