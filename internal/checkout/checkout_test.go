package checkout_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oxen-ai/oxen-go/internal/checkout"
	"github.com/oxen-ai/oxen-go/internal/commits"
	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/server"
	"github.com/oxen-ai/oxen-go/internal/transfer"
	"github.com/oxen-ai/oxen-go/internal/workspace"
)

func newRepo(t *testing.T) *repo.Repository {
	t.Helper()
	r, err := repo.Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return r
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

func commitAll(t *testing.T, r *repo.Repository, paths []string, msg string, at time.Time) hasher.Hash {
	t.Helper()
	w, err := workspace.Open(r, "main", workspace.DefaultWorkspaceID)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	for _, p := range paths {
		if _, err := w.Add(p); err != nil {
			t.Fatalf("Add(%s): %v", p, err)
		}
	}
	id, err := w.Commit(commits.Options{Author: "t", Email: "t@e", Message: msg, Timestamp: at})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return id
}

func readWorking(t *testing.T, r *repo.Repository, relPath string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(r.Path(), filepath.FromSlash(relPath)))
	if err != nil {
		t.Fatalf("reading %s: %v", relPath, err)
	}
	return string(data)
}

func TestRun_RestoresMissingFiles(t *testing.T) {
	r := newRepo(t)
	writeWorking(t, r, "data/hello.txt", "Hello")
	c1 := commitAll(t, r, []string{"data/hello.txt"}, "first", time.Now())

	if err := os.RemoveAll(filepath.Join(r.Path(), "data")); err != nil {
		t.Fatal(err)
	}

	result, err := checkout.Run(context.Background(), r, c1, hasher.Zero)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Restored != 1 {
		t.Errorf("restored: got %d, want 1", result.Restored)
	}
	if got := readWorking(t, r, "data/hello.txt"); got != "Hello" {
		t.Errorf("restored content: got %q", got)
	}
}

func TestRun_BranchSwitchRoundTrip(t *testing.T) {
	r := newRepo(t)
	writeWorking(t, r, "data/hello.txt", "Hello")
	c1 := commitAll(t, r, []string{"data/hello.txt"}, "first", time.Unix(1_700_000_000, 0))

	// Branch off, modify, commit.
	if err := r.Refs().CreateBranch("feature", c1); err != nil {
		t.Fatal(err)
	}
	writeWorking(t, r, "data/hello.txt", "Bye")
	c2 := commitAll(t, r, []string{"data/hello.txt"}, "second", time.Unix(1_700_000_100, 0))

	// Back to the first commit: disk reads "Hello" again.
	result, err := checkout.Run(context.Background(), r, c1, c2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Modified != 1 {
		t.Errorf("modified: got %d, want 1", result.Modified)
	}
	if got := readWorking(t, r, "data/hello.txt"); got != "Hello" {
		t.Errorf("after checkout: got %q, want Hello", got)
	}

	// The restored file carries the recorded mtime.
	t1, err := r.TreeAt(c1)
	if err != nil {
		t.Fatal(err)
	}
	node, err := t1.GetByPath("data/hello.txt")
	if err != nil || node == nil {
		t.Fatal("file missing from tree")
	}
	rec, err := node.File()
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(r.Path(), "data", "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if info.ModTime().Unix() != rec.LastModifiedSeconds {
		t.Errorf("mtime: disk %d, recorded %d", info.ModTime().Unix(), rec.LastModifiedSeconds)
	}
}

func TestRun_RemovesFilesAbsentFromTarget(t *testing.T) {
	r := newRepo(t)
	writeWorking(t, r, "keep.txt", "keep")
	c1 := commitAll(t, r, []string{"keep.txt"}, "first", time.Unix(1_700_000_000, 0))

	writeWorking(t, r, "extra/gone.txt", "temp")
	c2 := commitAll(t, r, []string{"extra/gone.txt"}, "second", time.Unix(1_700_000_100, 0))

	result, err := checkout.Run(context.Background(), r, c1, c2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Removed != 1 {
		t.Errorf("removed: got %d, want 1", result.Removed)
	}
	if _, err := os.Stat(filepath.Join(r.Path(), "extra", "gone.txt")); !os.IsNotExist(err) {
		t.Error("file absent from target tree must be unlinked")
	}
	// The emptied directory is pruned.
	if _, err := os.Stat(filepath.Join(r.Path(), "extra")); !os.IsNotExist(err) {
		t.Error("empty directory must be pruned")
	}
	if got := readWorking(t, r, "keep.txt"); got != "keep" {
		t.Error("surviving file damaged")
	}
}

func TestRun_SameCommitIsNoop(t *testing.T) {
	r := newRepo(t)
	writeWorking(t, r, "f.txt", "content")
	c1 := commitAll(t, r, []string{"f.txt"}, "first", time.Now())

	result, err := checkout.Run(context.Background(), r, c1, c1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Restored+result.Modified+result.Removed != 0 {
		t.Errorf("checkout onto the current commit must be a no-op: %+v", result)
	}
}

func TestRun_DirtyFileOverwritten(t *testing.T) {
	r := newRepo(t)
	writeWorking(t, r, "f.txt", "committed")
	c1 := commitAll(t, r, []string{"f.txt"}, "first", time.Now())

	writeWorking(t, r, "f.txt", "dirty local edit")
	result, err := checkout.Run(context.Background(), r, c1, hasher.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if result.Modified != 1 {
		t.Errorf("modified: got %d, want 1", result.Modified)
	}
	if got := readWorking(t, r, "f.txt"); got != "committed" {
		t.Errorf("dirty file must be overwritten: got %q", got)
	}
}

func TestRun_MatchingFileUntouched(t *testing.T) {
	r := newRepo(t)
	writeWorking(t, r, "f.txt", "same")
	c1 := commitAll(t, r, []string{"f.txt"}, "first", time.Now())

	// Give the working copy a sentinel mtime; an untouched file keeps it.
	absPath := filepath.Join(r.Path(), "f.txt")
	sentinel := time.Unix(1_000_000_000, 0)
	if err := os.Chtimes(absPath, sentinel, sentinel); err != nil {
		t.Fatal(err)
	}

	result, err := checkout.Run(context.Background(), r, c1, hasher.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if result.Modified != 0 || result.Restored != 0 {
		t.Errorf("matching file must not be rewritten: %+v", result)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(sentinel) {
		t.Error("matching file's mtime must be left alone")
	}
}

func TestRun_RestoresChunkedFile(t *testing.T) {
	r := newRepo(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), 12*1024)
	writeWorking(t, r, "model.bin", string(content))

	w, err := workspace.Open(r, "main", workspace.DefaultWorkspaceID)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err := w.AddChunked("model.bin"); err != nil {
		t.Fatalf("AddChunked: %v", err)
	}
	c1, err := w.Commit(commits.Options{Author: "t", Email: "t@e", Message: "chunked", Timestamp: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(r.Path(), "model.bin")); err != nil {
		t.Fatal(err)
	}

	result, err := checkout.Run(context.Background(), r, c1, hasher.Zero)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Restored != 1 {
		t.Errorf("restored: got %d, want 1", result.Restored)
	}
	if got := readWorking(t, r, "model.bin"); got != string(content) {
		t.Error("chunked file restored with different bytes")
	}
}

func TestRun_FetchesMissingBlobsFromRemote(t *testing.T) {
	origin := newRepo(t)
	writeWorking(t, origin, "data/model.txt", "remote bytes")
	c1 := commitAll(t, origin, []string{"data/model.txt"}, "first", time.Unix(1_700_000_000, 0))

	remoteRepo, err := repo.Init(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(server.New(remoteRepo, "unused").Handler())
	t.Cleanup(srv.Close)
	client := transfer.NewClient(srv.URL, "ns", "data")
	if _, err := transfer.Push(context.Background(), client, origin, "main", nil); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// A repository holding the commit's tree but not its blob: pull, then
	// drop the blob from the version store.
	fresh, err := repo.Init(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := transfer.Pull(context.Background(), client, fresh, c1, nil); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	h := hasher.HashBytes([]byte("remote bytes"))
	if err := fresh.VersionStore().Delete(h); err != nil {
		t.Fatal(err)
	}
	if err := fresh.SetRemote(repo.DefaultRemoteName, srv.URL+"/ns/data"); err != nil {
		t.Fatal(err)
	}

	result, err := checkout.Run(context.Background(), fresh, c1, hasher.Zero)
	if err != nil {
		t.Fatalf("checkout must pull the missing blob itself: %v", err)
	}
	if result.Restored != 1 {
		t.Errorf("restored: got %d, want 1", result.Restored)
	}
	if got := readWorking(t, fresh, "data/model.txt"); got != "remote bytes" {
		t.Errorf("restored content: got %q", got)
	}
	if !fresh.VersionStore().Exists(h) {
		t.Error("the fetched blob must land in the version store")
	}
}

func TestRun_NoRemoteSurfacesMissingBlobs(t *testing.T) {
	r := newRepo(t)
	writeWorking(t, r, "f.txt", "content")
	c1 := commitAll(t, r, []string{"f.txt"}, "first", time.Now())

	if err := r.VersionStore().Delete(hasher.HashBytes([]byte("content"))); err != nil {
		t.Fatal(err)
	}
	_, err := checkout.Run(context.Background(), r, c1, hasher.Zero)
	if !oxerr.IsCode(err, oxerr.CodeNotFound) {
		t.Errorf("missing blobs with no remote: want NotFound, got %v", err)
	}
}

func TestRun_Cancellation(t *testing.T) {
	r := newRepo(t)
	writeWorking(t, r, "f.txt", "content")
	c1 := commitAll(t, r, []string{"f.txt"}, "first", time.Now())
	if err := os.Remove(filepath.Join(r.Path(), "f.txt")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := checkout.Run(ctx, r, c1, hasher.Zero); err == nil {
		t.Error("cancelled checkout should surface an error")
	}
}
