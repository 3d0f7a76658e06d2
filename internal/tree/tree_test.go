package tree_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oxen-ai/oxen-go/internal/commits"
	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/tree"
	"github.com/oxen-ai/oxen-go/internal/workspace"
)

// testRepo initializes a repository with the given files committed on main
// and returns the repo and the commit id.
func testRepo(t *testing.T, files map[string]string) (*repo.Repository, hasher.Hash) {
	t.Helper()
	r, err := repo.Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	commitID := commitFiles(t, r, files, "initial commit")
	return r, commitID
}

// commitFiles writes files to disk, stages them through a workspace, and
// seals a commit on main.
func commitFiles(t *testing.T, r *repo.Repository, files map[string]string, message string) hasher.Hash {
	t.Helper()
	w, err := workspace.Open(r, "main", workspace.DefaultWorkspaceID)
	if err != nil {
		t.Fatalf("opening workspace: %v", err)
	}
	defer w.Close()

	for relPath, content := range files {
		absPath := filepath.Join(r.Path(), filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Add(relPath); err != nil {
			t.Fatalf("Add(%s): %v", relPath, err)
		}
	}

	commitID, err := w.Commit(commits.Options{
		Author:    "Test User",
		Email:     "test@example.com",
		Message:   message,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return commitID
}

func TestFromCommit_GetByPath(t *testing.T) {
	r, commitID := testRepo(t, map[string]string{
		"data/hello.txt":  "Hello",
		"data/world.txt":  "World",
		"train/img01.txt": "img-one",
	})

	tr, err := r.TreeAt(commitID)
	if err != nil {
		t.Fatalf("TreeAt: %v", err)
	}

	node, err := tr.GetByPath("data/hello.txt")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if node == nil {
		t.Fatal("data/hello.txt not found in tree")
	}
	rec, err := node.File()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Hash != hasher.HashBytes([]byte("Hello")) {
		t.Errorf("file hash: got %s, want hash of %q", rec.Hash, "Hello")
	}
	if rec.NumBytes != 5 {
		t.Errorf("num bytes: got %d, want 5", rec.NumBytes)
	}
	if rec.DataType != tree.DataText {
		t.Errorf("data type: got %s, want text", rec.DataType)
	}
}

func TestGetByPath_RootAliases(t *testing.T) {
	r, commitID := testRepo(t, map[string]string{"a.txt": "a"})
	tr, err := r.TreeAt(commitID)
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"", ".", "/"} {
		node, err := tr.GetByPath(p)
		if err != nil {
			t.Fatalf("GetByPath(%q): %v", p, err)
		}
		if node == nil || node.Type != tree.NodeDir {
			t.Errorf("GetByPath(%q) should return the root dir", p)
		}
		if node.Hash != tr.RootDir().Hash {
			t.Errorf("GetByPath(%q) is not the root dir", p)
		}
	}

	// Leading slashes on file paths are ignored.
	withSlash, err := tr.GetByPath("/a.txt")
	if err != nil || withSlash == nil {
		t.Fatalf("GetByPath(/a.txt): %v, %v", withSlash, err)
	}
}

func TestGetByPath_Missing(t *testing.T) {
	r, commitID := testRepo(t, map[string]string{"a.txt": "a"})
	tr, err := r.TreeAt(commitID)
	if err != nil {
		t.Fatal(err)
	}

	node, err := tr.GetByPath("nope/missing.txt")
	if err != nil {
		t.Fatalf("missing path should not error: %v", err)
	}
	if node != nil {
		t.Error("missing path must return nil")
	}
}

func TestFilesAndFolders(t *testing.T) {
	r, commitID := testRepo(t, map[string]string{
		"data/a.txt":     "a",
		"data/b.txt":     "b",
		"data/sub/c.txt": "c",
	})
	tr, err := r.TreeAt(commitID)
	if err != nil {
		t.Fatal(err)
	}

	entries, err := tr.FilesAndFolders("data")
	if err != nil {
		t.Fatalf("FilesAndFolders: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{"a.txt", "b.txt", "sub"}
	if len(names) != len(want) {
		t.Fatalf("entries: got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d: got %q, want %q (sorted)", i, names[i], want[i])
		}
	}
}

func TestListDirPaths(t *testing.T) {
	r, commitID := testRepo(t, map[string]string{
		"a/one.txt":   "1",
		"a/b/two.txt": "2",
		"c/three.txt": "3",
	})
	tr, err := r.TreeAt(commitID)
	if err != nil {
		t.Fatal(err)
	}

	dirs, err := tr.ListDirPaths()
	if err != nil {
		t.Fatalf("ListDirPaths: %v", err)
	}
	got := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		got[d] = true
	}
	for _, want := range []string{"", "a", "a/b", "c"} {
		if !got[want] {
			t.Errorf("ListDirPaths missing %q (got %v)", want, dirs)
		}
	}
}

func TestListFiles(t *testing.T) {
	files := map[string]string{
		"a/one.txt": "1",
		"b/two.txt": "2",
		"three.txt": "3",
	}
	r, commitID := testRepo(t, files)
	tr, err := r.TreeAt(commitID)
	if err != nil {
		t.Fatal(err)
	}

	listed, err := tr.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(listed) != len(files) {
		t.Fatalf("ListFiles count: got %d, want %d", len(listed), len(files))
	}
	for _, f := range listed {
		if _, ok := files[f.Path]; !ok {
			t.Errorf("unexpected file %q", f.Path)
		}
	}
}

func TestSingleEntryDirUsesOneVNode(t *testing.T) {
	r, commitID := testRepo(t, map[string]string{"only.txt": "alone"})
	tr, err := r.TreeAt(commitID)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := tr.RootDir().Dir()
	if err != nil {
		t.Fatal(err)
	}
	if rec.NumVNodes != 1 {
		t.Errorf("a directory with 1 entry uses 1 vnode, got %d", rec.NumVNodes)
	}
	if rec.NumEntries != 1 {
		t.Errorf("num entries: got %d, want 1", rec.NumEntries)
	}
}

func TestDiff_AddModifyRemove(t *testing.T) {
	r, c1 := testRepo(t, map[string]string{
		"keep.txt":   "same",
		"change.txt": "before",
		"gone.txt":   "bye",
	})

	// Second commit: modify change.txt, remove gone.txt, add new.txt.
	w, err := workspace.Open(r, "main", workspace.DefaultWorkspaceID)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	writeWorking(t, r, "change.txt", "after")
	writeWorking(t, r, "new.txt", "fresh")
	if _, err := w.Add("change.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Add("new.txt"); err != nil {
		t.Fatal(err)
	}
	if err := w.Rm("gone.txt"); err != nil {
		t.Fatal(err)
	}
	c2, err := w.Commit(commits.Options{Author: "t", Email: "t@e", Message: "second", Timestamp: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	t1, err := r.TreeAt(c1)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := r.TreeAt(c2)
	if err != nil {
		t.Fatal(err)
	}

	diff, err := tree.Diff(t1, t2)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	byPath := make(map[string]tree.DiffStatus)
	for _, d := range diff {
		byPath[d.Path] = d.Status
	}
	if len(diff) != 3 {
		t.Errorf("diff size: got %d entries (%v), want 3", len(diff), byPath)
	}
	if byPath["new.txt"] != tree.DiffAdded {
		t.Errorf("new.txt: got %v, want added", byPath["new.txt"])
	}
	if byPath["change.txt"] != tree.DiffModified {
		t.Errorf("change.txt: got %v, want modified", byPath["change.txt"])
	}
	if byPath["gone.txt"] != tree.DiffRemoved {
		t.Errorf("gone.txt: got %v, want removed", byPath["gone.txt"])
	}
	if _, present := byPath["keep.txt"]; present {
		t.Error("unchanged file must not appear in the diff")
	}
}

func TestDiff_NilBaseListsEverything(t *testing.T) {
	r, commitID := testRepo(t, map[string]string{"a.txt": "a", "d/b.txt": "b"})
	tr, err := r.TreeAt(commitID)
	if err != nil {
		t.Fatal(err)
	}

	diff, err := tree.Diff(nil, tr)
	if err != nil {
		t.Fatal(err)
	}
	if len(diff) != 2 {
		t.Fatalf("diff against empty: got %d entries, want 2", len(diff))
	}
	for _, d := range diff {
		if d.Status != tree.DiffAdded {
			t.Errorf("%s: got %v, want added", d.Path, d.Status)
		}
	}
}

func TestPrint(t *testing.T) {
	r, commitID := testRepo(t, map[string]string{"data/a.txt": "a"})
	tr, err := r.TreeAt(commitID)
	if err != nil {
		t.Fatal(err)
	}

	rendered, err := tr.Print(-1)
	if err != nil {
		t.Fatalf("Print: %v", err)
	}
	for _, want := range []string{"[commit]", "[vnode", "[dir]", "a.txt"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("Print output missing %q:\n%s", want, rendered)
		}
	}
}

func TestMerkleRule_DirHashMatchesVNodes(t *testing.T) {
	r, commitID := testRepo(t, map[string]string{"x.txt": "x", "y.txt": "y"})
	tr, err := r.TreeAt(commitID)
	if err != nil {
		t.Fatal(err)
	}

	root := tr.RootDir()
	entries, err := tr.FilesAndFolders("")
	if err != nil {
		t.Fatal(err)
	}

	// Recompute the root hash from its children with the canonical rules.
	hashEntries := make([]tree.ChildEntry, 0, len(entries))
	for _, e := range entries {
		rec, err := e.File()
		if err != nil {
			t.Fatal(err)
		}
		hashEntries = append(hashEntries, tree.ChildEntry{Name: rec.Name, Hash: rec.CombinedHash})
	}
	vnodeHash := tree.ComputeVNodeHash(hashEntries)
	dirHash := tree.ComputeDirHash([]tree.VNodeRef{{ID: 0, Hash: vnodeHash}})
	if dirHash != root.Hash {
		t.Errorf("Merkle rule violated: recomputed %s, stored %s", dirHash, root.Hash)
	}
}

func writeWorking(t *testing.T, r *repo.Repository, relPath, content string) {
	t.Helper()
	absPath := filepath.Join(r.Path(), filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
