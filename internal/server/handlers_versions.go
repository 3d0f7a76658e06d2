package server

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/transfer"
	"github.com/oxen-ai/oxen-go/internal/versions"
)

// maxBatchUploadBytes bounds one multipart upload request.
const maxBatchUploadBytes = 256 * 1024 * 1024

// timeZero suppresses Last-Modified on immutable blob responses.
var timeZero time.Time

// handleVersionMetadata answers {hash, size} for a stored blob, 404
// otherwise.
func (s *Server) handleVersionMetadata(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHash(w, r)
	if !ok {
		return
	}
	ref, err := versions.Ref(s.repo.VersionStore(), h)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"hash": ref.Hash.String(), "size": ref.Size})
}

// handleVersionGet streams a blob's raw bytes, honoring Range requests for
// the puller's parallel chunk downloads.
func (s *Server) handleVersionGet(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHash(w, r)
	if !ok {
		return
	}
	blob, err := s.repo.VersionStore().Open(h)
	if err != nil {
		writeError(w, err)
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	// ServeContent handles Range headers; the name is unused and the blob
	// is immutable so the zero modtime is fine.
	http.ServeContent(w, r, h.String(), timeZero, blob)
}

// handleVersionBatchDownload bundles the requested blobs into one tar
// stream, one entry per blob named by hash.
func (s *Server) handleVersionBatchDownload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hashes []string `json:"hashes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, oxerr.InvalidInput("malformed batch request: %v", err))
		return
	}

	blobs := make([]transfer.ArchiveBlob, 0, len(req.Hashes))
	for _, raw := range req.Hashes {
		h, err := hasher.Parse(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		data, err := s.repo.VersionStore().Get(h)
		if err != nil {
			writeError(w, err)
			return
		}
		blobs = append(blobs, transfer.ArchiveBlob{Hash: h, Data: data})
	}

	w.Header().Set("Content-Type", "application/x-tar")
	if err := transfer.PackBlobArchive(w, blobs); err != nil {
		s.logger.Error("batch download failed mid-stream", "err", err)
	}
}

// handleVersionBatchUpload unpacks a multipart request of gzip-compressed
// blobs. Each part's filename is the blob's hash. Parts that fail to store
// are reported in err_files; the rest are stored.
func (s *Server) handleVersionBatchUpload(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, oxerr.InvalidInput("expected multipart body: %v", err))
		return
	}

	resp := transfer.BatchUploadResponse{ErrFiles: []transfer.ErrFile{}}
	var total int64
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, oxerr.InvalidInput("reading multipart body: %v", err))
			return
		}

		name := part.FileName()
		h, err := hasher.Parse(name)
		if err != nil {
			resp.ErrFiles = append(resp.ErrFiles, transfer.ErrFile{Hash: name, Error: "part filename is not a hash"})
			continue
		}

		gz, err := gzip.NewReader(part)
		if err != nil {
			resp.ErrFiles = append(resp.ErrFiles, transfer.ErrFile{Hash: name, Error: "part is not gzip"})
			continue
		}
		data, err := io.ReadAll(io.LimitReader(gz, maxBatchUploadBytes-total))
		gz.Close()
		if err != nil {
			resp.ErrFiles = append(resp.ErrFiles, transfer.ErrFile{Hash: name, Error: err.Error()})
			continue
		}
		total += int64(len(data))
		if total > maxBatchUploadBytes {
			resp.ErrFiles = append(resp.ErrFiles, transfer.ErrFile{Hash: name, Error: "upload exceeds size limit"})
			continue
		}

		// Content addressing is the integrity check.
		if hasher.HashBytes(data) != h {
			resp.ErrFiles = append(resp.ErrFiles, transfer.ErrFile{Hash: name, Error: "content does not hash to part name"})
			continue
		}
		if err := s.repo.VersionStore().Put(h, data); err != nil {
			resp.ErrFiles = append(resp.ErrFiles, transfer.ErrFile{Hash: name, Error: err.Error()})
		}
	}
	writeJSON(w, resp)
}

// handleVersionChunkPut stores one numbered chunk of a multi-part upload.
func (s *Server) handleVersionChunkPut(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHash(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, oxerr.InvalidInput("invalid chunk index %q", r.PathValue("index")))
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, oxerr.Wrap(oxerr.CodeIO, err, "reading chunk body"))
		return
	}
	if err := s.repo.VersionStore().PutUploadChunk(h, index, data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleVersionComplete assembles a blob's uploaded chunks in index order
// and verifies the result hashes to the promised hash.
func (s *Server) handleVersionComplete(w http.ResponseWriter, r *http.Request) {
	h, ok := pathHash(w, r)
	if !ok {
		return
	}
	var req transfer.CompleteUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, oxerr.InvalidInput("malformed complete request: %v", err))
		return
	}

	if err := s.repo.VersionStore().AssembleChunks(h); err != nil {
		writeError(w, err)
		return
	}

	blob, err := s.repo.VersionStore().Open(h)
	if err != nil {
		writeError(w, err)
		return
	}
	got, _, err := hasher.HashReader(blob)
	blob.Close()
	if err != nil {
		writeError(w, err)
		return
	}
	if got != h {
		_ = s.repo.VersionStore().Delete(h)
		writeError(w, oxerr.Integrity("assembled content hashes to %s, expected %s", got, h))
		return
	}
	w.WriteHeader(http.StatusOK)
}
