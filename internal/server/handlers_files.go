package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oxen-ai/oxen-go/internal/commits"
	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/tree"
	"github.com/oxen-ai/oxen-go/internal/workspace"
)

const (
	// revisionHeader names the commit that last touched the served file.
	revisionHeader = "oxen-revision-id"
	// basedOnHeader carries the client's optimistic-concurrency claim.
	basedOnHeader = "oxen-based-on"
)

// filePutMu serializes file PUTs so an optimistic-concurrency race resolves
// to exactly one winner.
var filePutMu sync.Mutex

// handleFileGet serves a file's raw bytes at a branch's current revision.
// The oxen-revision-id response header names the commit that last changed
// the file.
func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	branch := r.PathValue("branch")
	relPath := r.PathValue("path")

	rec, err := s.fileAtBranch(branch, relPath)
	if err != nil {
		writeError(w, err)
		return
	}

	blob, err := s.repo.VersionStore().Open(rec.Hash)
	if err != nil {
		writeError(w, err)
		return
	}
	defer blob.Close()

	w.Header().Set(revisionHeader, rec.LastCommitID.String())
	if rec.MimeType != "" {
		w.Header().Set("Content-Type", rec.MimeType)
	}
	http.ServeContent(w, r, rec.Name, time.Unix(rec.LastModifiedSeconds, rec.LastModifiedNanos), blob)
}

// handleFilePut commits a new version of one file on a branch.
//
// Optimistic concurrency: when the request carries an oxen-based-on header
// AND the path already exists in the branch, the header must equal the
// file's current last_commit_id or the request fails 400. When the header
// is absent, or the path does not yet exist in the branch, no check is
// performed — that asymmetry is deliberate: a brand-new path cannot have a
// base revision to contend over.
func (s *Server) handleFilePut(w http.ResponseWriter, r *http.Request) {
	branch := r.PathValue("branch")
	relPath := hasher.CanonicalPath(r.PathValue("path"))
	if relPath == "" {
		writeError(w, oxerr.InvalidInput("empty file path"))
		return
	}

	if err := r.ParseMultipartForm(maxBatchUploadBytes); err != nil {
		writeError(w, oxerr.InvalidInput("expected multipart form: %v", err))
		return
	}
	upload, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, oxerr.InvalidInput("missing form field %q", "file"))
		return
	}
	defer upload.Close()
	message := r.FormValue("message")
	if message == "" {
		message = "Update " + relPath
	}

	filePutMu.Lock()
	defer filePutMu.Unlock()

	// The concurrency check reads the branch state under the lock, so of
	// two racing PUTs with the same base exactly one sees it unchanged.
	existing, err := s.fileAtBranch(branch, relPath)
	if err != nil && !oxerr.IsCode(err, oxerr.CodeNotFound) {
		writeError(w, err)
		return
	}
	if basedOn := r.Header.Get(basedOnHeader); basedOn != "" && existing != nil {
		baseHash, perr := hasher.Parse(basedOn)
		if perr != nil {
			writeError(w, perr)
			return
		}
		if baseHash != existing.LastCommitID {
			writeError(w, oxerr.Conflict("file %s is at revision %s, not %s",
				relPath, existing.LastCommitID, baseHash))
			return
		}
	}

	commitID, err := s.commitUploadedFile(branch, relPath, upload, message, existing != nil)
	if err != nil {
		writeError(w, err)
		return
	}

	s.hub.broadcast(event{Type: "commit_created", Branch: branch, Commit: commitID.String(), Path: relPath})
	w.Header().Set(revisionHeader, commitID.String())
	writeJSON(w, map[string]string{"commit_id": commitID.String(), "path": relPath})
}

// fileAtBranch resolves a file record at a branch tip.
func (s *Server) fileAtBranch(branch, relPath string) (*tree.FileRecord, error) {
	head, err := s.repo.Refs().Get(branch)
	if err != nil {
		return nil, err
	}
	t, err := s.repo.TreeAt(head)
	if err != nil {
		return nil, err
	}
	node, err := t.GetByPath(relPath)
	if err != nil {
		return nil, err
	}
	if node == nil || node.Type != tree.NodeFile {
		return nil, oxerr.NotFound("no file %q at %s", relPath, branch)
	}
	return node.File()
}

// commitUploadedFile spools the upload to disk, builds its file record, and
// seals a single-file commit onto the branch.
func (s *Server) commitUploadedFile(branch, relPath string, upload io.Reader, message string, exists bool) (hasher.Hash, error) {
	tmpDir := filepath.Join(s.repo.OxenDir(), "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return hasher.Zero, oxerr.Wrap(oxerr.CodeIO, err, "creating tmp dir")
	}
	tmp, err := os.CreateTemp(tmpDir, "put-*"+filepath.Ext(relPath))
	if err != nil {
		return hasher.Zero, oxerr.Wrap(oxerr.CodeIO, err, "spooling upload")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := io.Copy(tmp, upload); err != nil {
		tmp.Close()
		return hasher.Zero, oxerr.Wrap(oxerr.CodeIO, err, "spooling upload")
	}
	if err := tmp.Close(); err != nil {
		return hasher.Zero, oxerr.Wrap(oxerr.CodeIO, err, "spooling upload")
	}

	contentHash, numBytes, err := hasher.HashFile(tmpName)
	if err != nil {
		return hasher.Zero, err
	}
	if !s.repo.VersionStore().Exists(contentHash) {
		if err := s.repo.VersionStore().PutFromPath(contentHash, tmpName); err != nil {
			return hasher.Zero, err
		}
	}
	info, err := os.Stat(tmpName)
	if err != nil {
		return hasher.Zero, oxerr.Wrap(oxerr.CodeIO, err, "stat upload")
	}
	rec, err := workspace.BuildFileRecord(relPath, tmpName, info, contentHash, numBytes)
	if err != nil {
		return hasher.Zero, err
	}

	status := commits.StatusAdded
	if exists {
		status = commits.StatusModified
	}
	parent, err := s.repo.Refs().Get(branch)
	if err != nil && !oxerr.IsCode(err, oxerr.CodeNotFound) {
		return hasher.Zero, err
	}

	commitID, err := commits.Write(s.repo, parent, []commits.Change{{
		Path:   relPath,
		Status: status,
		File:   rec,
	}}, commits.Options{
		Author:    "oxen-server",
		Email:     "server@oxen",
		Message:   message,
		Timestamp: time.Now(),
	})
	if err != nil {
		return hasher.Zero, err
	}
	if err := commits.CommitToBranch(s.repo, branch, commitID); err != nil {
		return hasher.Zero, err
	}
	return commitID, nil
}
