package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oxen-ai/oxen-go/internal/commits"
	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/server"
	"github.com/oxen-ai/oxen-go/internal/workspace"
)

func newServer(t *testing.T) (*repo.Repository, *httptest.Server) {
	t.Helper()
	r, err := repo.Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	srv := httptest.NewServer(server.New(r, "unused").Handler())
	t.Cleanup(srv.Close)
	return r, srv
}

func commitFile(t *testing.T, r *repo.Repository, relPath, content string) hasher.Hash {
	t.Helper()
	w, err := workspace.Open(r, "main", workspace.DefaultWorkspaceID)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	absPath := filepath.Join(r.Path(), filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Add(relPath); err != nil {
		t.Fatal(err)
	}
	id, err := w.Commit(commits.Options{Author: "t", Email: "t@e", Message: "c", Timestamp: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestVersionMetadata(t *testing.T) {
	r, srv := newServer(t)
	content := []byte("metadata me")
	h := hasher.HashBytes(content)
	if err := r.VersionStore().Put(h, content); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/repos/ns/name/versions/" + h.String() + "/metadata")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var meta struct {
		Hash string `json:"hash"`
		Size int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatal(err)
	}
	if meta.Hash != h.String() || meta.Size != int64(len(content)) {
		t.Errorf("metadata: %+v", meta)
	}

	// Missing blob: 404.
	missing := hasher.HashBytes([]byte("missing"))
	resp2, err := http.Get(srv.URL + "/api/repos/ns/name/versions/" + missing.String() + "/metadata")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("missing metadata: got %d, want 404", resp2.StatusCode)
	}
}

func TestVersionGet_RawAndRange(t *testing.T) {
	r, srv := newServer(t)
	content := []byte("0123456789")
	h := hasher.HashBytes(content)
	if err := r.VersionStore().Put(h, content); err != nil {
		t.Fatal(err)
	}
	url := srv.URL + "/api/repos/ns/name/versions/" + h.String()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Equal(body, content) {
		t.Errorf("raw get: got %q", body)
	}

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Range", "bytes=2-5")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("range status: got %d", resp.StatusCode)
	}
	if string(body) != "2345" {
		t.Errorf("range body: got %q", body)
	}
}

func TestChunkedUploadAssembly(t *testing.T) {
	r, srv := newServer(t)
	full := bytes.Repeat([]byte("chunky"), 10_000)
	h := hasher.HashBytes(full)

	half := len(full) / 2
	for i, part := range [][]byte{full[:half], full[half:]} {
		url := fmt.Sprintf("%s/api/repos/ns/name/versions/%s/chunks/%d", srv.URL, h, i)
		req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(part))
		req.ContentLength = int64(len(part))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("chunk %d: status %d", i, resp.StatusCode)
		}
	}

	body, _ := json.Marshal(map[string]any{"files": []map[string]string{{"hash": h.String()}}})
	resp, err := http.Post(srv.URL+"/api/repos/ns/name/versions/"+h.String()+"/complete", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: status %d", resp.StatusCode)
	}

	got, err := r.VersionStore().Get(h)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, full) {
		t.Error("assembled blob differs")
	}
}

func TestChunkedUpload_BadHashRejected(t *testing.T) {
	_, srv := newServer(t)
	claimed := hasher.HashBytes([]byte("claimed content"))

	url := fmt.Sprintf("%s/api/repos/ns/name/versions/%s/chunks/0", srv.URL, claimed)
	req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader([]byte("different content")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	body, _ := json.Marshal(map[string]any{"files": []map[string]string{{"hash": claimed.String()}}})
	resp, err = http.Post(srv.URL+"/api/repos/ns/name/versions/"+claimed.String()+"/complete", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("assembly whose content does not hash to the promise must fail")
	}
}

func TestFileGet_ServesRevision(t *testing.T) {
	r, srv := newServer(t)
	commitID := commitFile(t, r, "data/hello.txt", "Hello")

	resp, err := http.Get(srv.URL + "/repos/ns/name/file/main/data/hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Hello" {
		t.Errorf("body: %q", body)
	}
	if got := resp.Header.Get("oxen-revision-id"); got != commitID.String() {
		t.Errorf("revision header: got %q, want %q", got, commitID)
	}
}

func putFile(t *testing.T, url, content, basedOn string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "upload")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("message", "via api"); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodPut, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if basedOn != "" {
		req.Header.Set("oxen-based-on", basedOn)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestFilePut_OptimisticConcurrency(t *testing.T) {
	r, srv := newServer(t)
	commitID := commitFile(t, r, "doc.txt", "v1")
	url := srv.URL + "/repos/ns/name/file/main/doc.txt"

	// Matching based-on succeeds and advances the revision.
	resp := putFile(t, url, "v2", commitID.String())
	newRev := resp.Header.Get("oxen-revision-id")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("matching based-on: status %d", resp.StatusCode)
	}
	if newRev == "" || newRev == commitID.String() {
		t.Fatalf("revision did not advance: %q", newRev)
	}

	// The stale revision now fails 400.
	resp = putFile(t, url, "v3", commitID.String())
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("stale based-on: status %d, want 400", resp.StatusCode)
	}

	// Absent header succeeds unconditionally.
	resp = putFile(t, url, "v4", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("no based-on: status %d, want 200", resp.StatusCode)
	}

	// New paths ignore the header entirely.
	resp = putFile(t, srv.URL+"/repos/ns/name/file/main/brand/new.txt", "fresh", commitID.String())
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("based-on on a new path must be ignored: status %d", resp.StatusCode)
	}
}

func TestFilePut_RaceHasExactlyOneWinner(t *testing.T) {
	r, srv := newServer(t)
	commitID := commitFile(t, r, "contended.txt", "base")
	url := srv.URL + "/repos/ns/name/file/main/contended.txt"

	var wg sync.WaitGroup
	statuses := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := putFile(t, url, fmt.Sprintf("contender-%d", i), commitID.String())
			statuses[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	okCount, conflictCount := 0, 0
	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			okCount++
		case http.StatusBadRequest:
			conflictCount++
		}
	}
	if okCount != 1 || conflictCount != 1 {
		t.Errorf("race outcome: statuses %v, want exactly one 200 and one 400", statuses)
	}

	// The branch reflects exactly the winning write.
	head, err := r.Refs().Get("main")
	if err != nil {
		t.Fatal(err)
	}
	tr, err := r.TreeAt(head)
	if err != nil {
		t.Fatal(err)
	}
	node, err := tr.GetByPath("contended.txt")
	if err != nil || node == nil {
		t.Fatal("contended file missing")
	}
	rec, _ := node.File()
	blob, err := r.VersionStore().Get(rec.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if string(blob) != "contender-0" && string(blob) != "contender-1" {
		t.Errorf("server state is neither contender: %q", blob)
	}
}

func TestBranchSet_RejectsDanglingCommit(t *testing.T) {
	_, srv := newServer(t)
	fake := hasher.HashBytes([]byte("never uploaded"))
	body, _ := json.Marshal(map[string]string{"commit_id": fake.String()})

	resp, err := http.Post(srv.URL+"/api/repos/ns/name/branches/main", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("advancing a branch to an un-uploaded commit must fail")
	}
}

func TestHealth(t *testing.T) {
	_, srv := newServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: %d", resp.StatusCode)
	}
}
