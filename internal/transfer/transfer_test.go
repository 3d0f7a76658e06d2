package transfer_test

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oxen-ai/oxen-go/internal/commits"
	"github.com/oxen-ai/oxen-go/internal/hasher"
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

// newRemote spins up a remote repository behind an httptest server and
// returns a client for it.
func newRemote(t *testing.T) (*repo.Repository, *transfer.Client, *httptest.Server) {
	t.Helper()
	remoteRepo := newRepo(t)
	srv := httptest.NewServer(server.New(remoteRepo, "unused").Handler())
	t.Cleanup(srv.Close)
	client := transfer.NewClient(srv.URL, "test-ns", "test-repo")
	return remoteRepo, client, srv
}

func commitFiles(t *testing.T, r *repo.Repository, files map[string][]byte, msg string, at time.Time) hasher.Hash {
	t.Helper()
	w, err := workspace.Open(r, "main", workspace.DefaultWorkspaceID)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	for relPath, content := range files {
		absPath := filepath.Join(r.Path(), filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(absPath, content, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Add(relPath); err != nil {
			t.Fatalf("Add(%s): %v", relPath, err)
		}
	}
	id, err := w.Commit(commits.Options{Author: "t", Email: "t@e", Message: msg, Timestamp: at})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return id
}

func TestPushPull_RoundTrip(t *testing.T) {
	local := newRepo(t)
	files := map[string][]byte{
		"data/hello.txt": []byte("Hello"),
		"data/world.txt": []byte("World"),
		"deep/a/b/c.txt": []byte("nested"),
	}
	head := commitFiles(t, local, files, "first", time.Unix(1_700_000_000, 0))

	remoteRepo, client, _ := newRemote(t)

	result, err := transfer.Push(context.Background(), client, local, "main", nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(result.Failed) != 0 {
		t.Fatalf("push failures: %v", result.Failed)
	}
	if result.FilesPushed != len(files) {
		t.Errorf("files pushed: got %d, want %d", result.FilesPushed, len(files))
	}

	// The remote branch advanced and its tree is readable.
	remoteHead, err := remoteRepo.Refs().Get("main")
	if err != nil || remoteHead != head {
		t.Fatalf("remote head: got %s (%v), want %s", remoteHead, err, head)
	}
	remoteTree, err := remoteRepo.TreeAt(remoteHead)
	if err != nil {
		t.Fatalf("remote tree unreadable: %v", err)
	}
	for relPath, content := range files {
		node, err := remoteTree.GetByPath(relPath)
		if err != nil || node == nil {
			t.Fatalf("remote missing %s", relPath)
		}
		rec, _ := node.File()
		blob, err := remoteRepo.VersionStore().Get(rec.Hash)
		if err != nil {
			t.Fatalf("remote missing blob for %s: %v", relPath, err)
		}
		if !bytes.Equal(blob, content) {
			t.Errorf("%s: remote bytes differ", relPath)
		}
	}

	// Clone side: a fresh repository pulls the commit.
	fresh := newRepo(t)
	pullResult, err := transfer.Pull(context.Background(), client, fresh, head, nil)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(pullResult.Failed) != 0 {
		t.Fatalf("pull failures: %v", pullResult.Failed)
	}
	if pullResult.FilesFetched != len(files) {
		t.Errorf("files fetched: got %d, want %d", pullResult.FilesFetched, len(files))
	}

	freshTree, err := fresh.TreeAt(head)
	if err != nil {
		t.Fatalf("pulled tree unreadable: %v", err)
	}
	for relPath, content := range files {
		node, err := freshTree.GetByPath(relPath)
		if err != nil || node == nil {
			t.Fatalf("pulled tree missing %s", relPath)
		}
		rec, _ := node.File()
		blob, err := fresh.VersionStore().Get(rec.Hash)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(blob, content) {
			t.Errorf("%s: pulled bytes differ", relPath)
		}
	}
}

func TestPull_Idempotent(t *testing.T) {
	local := newRepo(t)
	head := commitFiles(t, local, map[string][]byte{
		"a.txt": []byte("aaa"),
		"b.txt": []byte("bbb"),
	}, "first", time.Unix(1_700_000_000, 0))

	_, client, _ := newRemote(t)
	if _, err := transfer.Push(context.Background(), client, local, "main", nil); err != nil {
		t.Fatal(err)
	}

	fresh := newRepo(t)
	first, err := transfer.Pull(context.Background(), client, fresh, head, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.FilesFetched != 2 {
		t.Fatalf("first pull: got %d files", first.FilesFetched)
	}

	second, err := transfer.Pull(context.Background(), client, fresh, head, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.FilesFetched != 0 || second.BytesFetched != 0 {
		t.Errorf("second pull must download nothing: %+v", second)
	}
}

func TestPull_ResumesPartialState(t *testing.T) {
	local := newRepo(t)
	files := make(map[string][]byte)
	for i := byte(0); i < 10; i++ {
		files[string(rune('a'+i))+".txt"] = bytes.Repeat([]byte{i + 'x'}, 100)
	}
	head := commitFiles(t, local, files, "many", time.Unix(1_700_000_000, 0))

	_, client, _ := newRemote(t)
	if _, err := transfer.Push(context.Background(), client, local, "main", nil); err != nil {
		t.Fatal(err)
	}

	// Simulate an interrupted pull: pre-seed 4 of the 10 blobs.
	fresh := newRepo(t)
	seeded := 0
	for _, content := range files {
		if seeded == 4 {
			break
		}
		h := hasher.HashBytes(content)
		if err := fresh.VersionStore().Put(h, content); err != nil {
			t.Fatal(err)
		}
		seeded++
	}

	result, err := transfer.Pull(context.Background(), client, fresh, head, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.FilesFetched != 6 {
		t.Errorf("resumed pull should fetch exactly the 6 missing files, got %d", result.FilesFetched)
	}
}

func TestPushPull_LargeFileChunked(t *testing.T) {
	local := newRepo(t)
	large := make([]byte, 100*1024) // ~6 chunks over the 16 KiB threshold
	rand.New(rand.NewSource(42)).Read(large)
	head := commitFiles(t, local, map[string][]byte{"model.bin": large}, "large", time.Unix(1_700_000_000, 0))

	remoteRepo, client, _ := newRemote(t)
	result, err := transfer.Push(context.Background(), client, local, "main", nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(result.Failed) != 0 {
		t.Fatalf("push failures: %v", result.Failed)
	}

	largeHash := hasher.HashBytes(large)
	got, err := remoteRepo.VersionStore().Get(largeHash)
	if err != nil {
		t.Fatalf("remote missing assembled large blob: %v", err)
	}
	if !bytes.Equal(got, large) {
		t.Error("assembled large blob differs from original")
	}

	// Pull it back into a fresh repo via ranged chunk downloads.
	fresh := newRepo(t)
	pullResult, err := transfer.Pull(context.Background(), client, fresh, head, nil)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(pullResult.Failed) != 0 {
		t.Fatalf("pull failures: %v", pullResult.Failed)
	}
	back, err := fresh.VersionStore().Get(largeHash)
	if err != nil {
		t.Fatal(err)
	}
	if hasher.HashBytes(back) != largeHash {
		t.Error("pulled large blob hash mismatch")
	}
}

func TestPush_ChunkStoredLargeFile(t *testing.T) {
	local := newRepo(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), 12*1024) // 12 windows

	w, err := workspace.Open(local, "main", workspace.DefaultWorkspaceID)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	absPath := filepath.Join(local.Path(), "model.bin")
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AddChunked("model.bin"); err != nil {
		t.Fatalf("AddChunked: %v", err)
	}
	if _, err := w.Commit(commits.Options{Author: "t", Email: "t@e", Message: "chunked", Timestamp: time.Unix(1_700_000_000, 0)}); err != nil {
		t.Fatal(err)
	}

	// The local store holds no whole-file blob; the push must reconstruct
	// the upload from the shard store.
	h := hasher.HashBytes(content)
	if local.VersionStore().Exists(h) {
		t.Fatal("precondition: chunked file must not have a whole blob locally")
	}

	remoteRepo, client, _ := newRemote(t)
	result, err := transfer.Push(context.Background(), client, local, "main", nil)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(result.Failed) != 0 {
		t.Fatalf("push failures: %v", result.Failed)
	}

	got, err := remoteRepo.VersionStore().Get(h)
	if err != nil {
		t.Fatalf("remote missing assembled blob: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("remote assembly differs from the chunked original")
	}
}

// flakyProxy fails the first failures requests with 503, then forwards.
type flakyProxy struct {
	inner    http.Handler
	failures int32
}

func (f *flakyProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	f.inner.ServeHTTP(w, r)
}

func TestPush_RetriesTransientFailures(t *testing.T) {
	local := newRepo(t)
	head := commitFiles(t, local, map[string][]byte{"a.txt": []byte("retry me")}, "first", time.Unix(1_700_000_000, 0))

	remoteRepo := newRepo(t)
	proxy := &flakyProxy{inner: server.New(remoteRepo, "unused").Handler(), failures: 2}
	srv := httptest.NewServer(proxy)
	defer srv.Close()

	client := transfer.NewClient(srv.URL, "ns", "repo")
	result, err := transfer.Push(context.Background(), client, local, "main", nil)
	if err != nil {
		t.Fatalf("Push through flaky server: %v", err)
	}
	if len(result.Failed) != 0 {
		t.Fatalf("push should survive transient 503s: %v", result.Failed)
	}
	if got, err := remoteRepo.Refs().Get("main"); err != nil || got != head {
		t.Errorf("remote head after retried push: %s (%v)", got, err)
	}
}

func TestPush_UpToDateIsNoop(t *testing.T) {
	local := newRepo(t)
	commitFiles(t, local, map[string][]byte{"a.txt": []byte("x")}, "first", time.Unix(1_700_000_000, 0))

	_, client, _ := newRemote(t)
	if _, err := transfer.Push(context.Background(), client, local, "main", nil); err != nil {
		t.Fatal(err)
	}

	second, err := transfer.Push(context.Background(), client, local, "main", nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.Commits != 0 || second.FilesPushed != 0 {
		t.Errorf("second push must be a no-op: %+v", second)
	}
}

func TestPull_Cancelled(t *testing.T) {
	local := newRepo(t)
	head := commitFiles(t, local, map[string][]byte{"a.txt": []byte("x")}, "first", time.Unix(1_700_000_000, 0))

	_, client, _ := newRemote(t)
	if _, err := transfer.Push(context.Background(), client, local, "main", nil); err != nil {
		t.Fatal(err)
	}

	fresh := newRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := transfer.Pull(ctx, client, fresh, head, nil); err == nil {
		t.Error("cancelled pull should surface an error")
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	blobs := []transfer.ArchiveBlob{
		{Hash: hasher.HashBytes([]byte("one")), Data: []byte("one")},
		{Hash: hasher.HashBytes([]byte("two")), Data: []byte("two")},
	}

	var buf bytes.Buffer
	if err := transfer.PackBlobArchive(&buf, blobs); err != nil {
		t.Fatalf("PackBlobArchive: %v", err)
	}

	got := make(map[hasher.Hash][]byte)
	err := transfer.UnpackBlobArchive(&buf, func(h hasher.Hash, data []byte) error {
		got[h] = data
		return nil
	})
	if err != nil {
		t.Fatalf("UnpackBlobArchive: %v", err)
	}
	for _, b := range blobs {
		if !bytes.Equal(got[b.Hash], b.Data) {
			t.Errorf("blob %s corrupted in archive round trip", b.Hash.Short())
		}
	}
}
