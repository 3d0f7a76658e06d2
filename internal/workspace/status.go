package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/tree"
)

// StagedData is the status report for a directory of the workspace.
type StagedData struct {
	Added      []string
	Modified   []string
	Removed    []string
	Unmodified []string
	Untracked  []string
}

// IsClean reports whether nothing is staged.
func (s *StagedData) IsClean() bool {
	return len(s.Added) == 0 && len(s.Modified) == 0 && len(s.Removed) == 0
}

// Status reports the workspace's state under dir ("" for the whole
// repository): staged entries split by status, committed files present and
// unmodified, and untracked files on disk.
func (w *Workspace) Status(dir string) (*StagedData, error) {
	dir = hasher.CanonicalPath(dir)
	data := &StagedData{}

	staged, err := w.ListStaged()
	if err != nil {
		return nil, err
	}
	stagedByPath := make(map[string]EntryStatus, len(staged))
	for _, e := range staged {
		if !underDir(e.Path, dir) {
			continue
		}
		stagedByPath[e.Path] = e.Status
		switch e.Status {
		case StatusAdded:
			data.Added = append(data.Added, e.Path)
		case StatusModified:
			data.Modified = append(data.Modified, e.Path)
		case StatusRemoved:
			data.Removed = append(data.Removed, e.Path)
		}
	}

	committed := make(map[string]bool)
	baseTree, err := w.baseTree()
	if err != nil {
		return nil, err
	}
	if baseTree != nil {
		files, err := baseTree.ListFiles()
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if underDir(f.Path, dir) {
				committed[f.Path] = true
			}
		}
	}

	if err := w.scanWorkingDir(dir, committed, stagedByPath, data); err != nil {
		return nil, err
	}

	for _, list := range []*[]string{&data.Added, &data.Modified, &data.Removed, &data.Unmodified, &data.Untracked} {
		sort.Strings(*list)
	}
	return data, nil
}

// scanWorkingDir walks the working tree under dir, classifying files not
// already accounted for by staged entries.
func (w *Workspace) scanWorkingDir(dir string, committed map[string]bool, staged map[string]EntryStatus, data *StagedData) error {
	absDir, err := w.repo.WorkingPath(dir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return oxerr.Wrap(oxerr.CodeIO, err, "stat %s", dir)
	}

	return filepath.WalkDir(absDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == repo.OxenDirName {
				return filepath.SkipDir
			}
			return nil
		}
		relPath, err := w.repo.RelPath(p)
		if err != nil {
			return err
		}
		if _, isStaged := staged[relPath]; isStaged {
			return nil
		}
		if committed[relPath] {
			data.Unmodified = append(data.Unmodified, relPath)
			return nil
		}
		data.Untracked = append(data.Untracked, relPath)
		return nil
	})
}

func underDir(p, dir string) bool {
	if dir == "" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// Changes returns the staged entries as ListStaged does; Commit converts
// them into the commit writer's input.
func (w *Workspace) Changes() ([]StagedEntry, error) {
	return w.ListStaged()
}

// treeFileHash looks up a path's combined hash in an arbitrary tree,
// returning the zero hash when absent. Shared by the conflict coordinator.
func treeFileHash(t *tree.Tree, relPath string) (hasher.Hash, error) {
	if t == nil {
		return hasher.Zero, nil
	}
	node, err := t.GetByPath(relPath)
	if err != nil {
		return hasher.Zero, err
	}
	if node == nil || node.Type != tree.NodeFile {
		return hasher.Zero, nil
	}
	rec, err := node.File()
	if err != nil {
		return hasher.Zero, err
	}
	return rec.CombinedHash, nil
}
