package server

import (
	"io"
	"net/http"

	"github.com/fxamacker/cbor/v2"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/transfer"
)

// maxNodeBundleBytes bounds one node upload. A vnode holds at most about
// 10,000 child records.
const maxNodeBundleBytes = 64 * 1024 * 1024

// handleNodeHead answers whether a Merkle node exists.
func (s *Server) handleNodeHead(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHash(w, r)
	if !ok {
		return
	}
	if !s.repo.NodeStore().HasNode(h) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleNodeGet serves one node database as a cbor bundle.
func (s *Server) handleNodeGet(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHash(w, r)
	if !ok {
		return
	}
	bundle, err := transfer.ReadNodeBundle(s.repo, h)
	if err != nil {
		writeError(w, err)
		return
	}
	raw, err := cbor.Marshal(bundle)
	if err != nil {
		writeError(w, oxerr.Wrap(oxerr.CodeIO, err, "encoding node bundle"))
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(raw)
}

// handleNodePut stores an uploaded node bundle keyed by its hash.
func (s *Server) handleNodePut(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHash(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxNodeBundleBytes))
	if err != nil {
		writeError(w, oxerr.Wrap(oxerr.CodeIO, err, "reading node bundle"))
		return
	}
	var bundle transfer.NodeBundle
	if err := cbor.Unmarshal(raw, &bundle); err != nil {
		writeError(w, oxerr.InvalidInput("malformed node bundle: %v", err))
		return
	}
	if bundle.Hash != h {
		writeError(w, oxerr.InvalidInput("bundle hash %s does not match path %s", bundle.Hash, h))
		return
	}
	if err := transfer.WriteNodeBundle(s.repo, &bundle); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleBranchList serves the branch table.
func (s *Server) handleBranchList(w http.ResponseWriter, _ *http.Request) {
	branches, err := s.repo.Refs().ListBranches()
	if err != nil {
		writeError(w, err)
		return
	}
	type wireBranch struct {
		Name     string `json:"name"`
		CommitID string `json:"commit_id"`
	}
	out := make([]wireBranch, 0, len(branches))
	for _, b := range branches {
		out = append(out, wireBranch{Name: b.Name, CommitID: b.CommitID.String()})
	}
	writeJSON(w, map[string]any{"branches": out})
}

// handleBranchSet advances (or creates) a branch after a push. The commit's
// node must already be stored; a dangling advance is rejected so a crashed
// push cannot corrupt the branch table.
func (s *Server) handleBranchSet(w http.ResponseWriter, r *http.Request) {
	branch := r.PathValue("branch")

	var req struct {
		CommitID string `json:"commit_id"`
	}
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	commit, err := hasher.Parse(req.CommitID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.repo.HasCommit(commit) {
		writeError(w, oxerr.InvalidInput("commit %s has not been uploaded", commit))
		return
	}

	if err := s.repo.Refs().SetBranchCommit(branch, commit); err != nil {
		writeError(w, err)
		return
	}
	s.hub.broadcast(event{Type: "branch_updated", Branch: branch, Commit: commit.String()})
	w.WriteHeader(http.StatusOK)
}
