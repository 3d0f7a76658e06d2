// Package transfer implements the sync protocols: the HTTP client for a
// remote repository, the puller that downloads exactly the blobs and Merkle
// nodes a target commit needs, and the pusher that uploads what the remote
// is missing — both parallel, chunked, and retrying.
package transfer

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/refs"
)

// DefaultTimeout bounds every remote RPC. Exceeded timeouts count as
// retryable network failures.
const DefaultTimeout = 120 * time.Second

// NodeBundle is the wire form of one Merkle node database: its header plus
// every child record, enough to recreate the database byte-for-byte.
type NodeBundle struct {
	Hash     hasher.Hash `cbor:"hash"`
	Kind     byte        `cbor:"kind"`
	ParentID hasher.Hash `cbor:"parent_id"`
	Data     []byte      `cbor:"data"`
	Children []NodeChild `cbor:"children"`
}

// NodeChild is one child record inside a NodeBundle.
type NodeChild struct {
	Hash hasher.Hash `cbor:"hash"`
	Kind byte        `cbor:"kind"`
	Data []byte      `cbor:"data"`
}

// ErrFile reports one rejected part of a batch upload.
type ErrFile struct {
	Hash  string `json:"hash"`
	Error string `json:"error"`
}

// BatchUploadResponse is the server's answer to a multipart blob upload.
type BatchUploadResponse struct {
	ErrFiles []ErrFile `json:"err_files"`
}

// CompleteUploadRequest finalizes a chunked upload.
type CompleteUploadRequest struct {
	Files       []CompletedFile `json:"files"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
}

// CompletedFile names one finished multipart upload.
type CompletedFile struct {
	Hash          string   `json:"hash"`
	FileName      string   `json:"file_name,omitempty"`
	DstDir        string   `json:"dst_dir,omitempty"`
	UploadResults []string `json:"upload_results,omitempty"`
}

// Client talks to one remote repository over the content-addressed HTTP
// API.
type Client struct {
	baseURL string
	ns      string
	name    string
	http    *http.Client
	token   string
}

// ParseRemoteURL splits a remote like http://host/ns/name into the API base
// URL and the repository's namespace/name pair.
func ParseRemoteURL(raw string) (base, ns, name string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", "", oxerr.InvalidInput("invalid remote url %q", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", oxerr.InvalidInput("remote url %q must be <host>/<namespace>/<name>", raw)
	}
	return u.Scheme + "://" + u.Host, parts[0], parts[1], nil
}

// NewClient creates a client for the repository ns/name served at baseURL.
func NewClient(baseURL, ns, name string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		ns:      ns,
		name:    name,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// WithToken attaches a bearer token to every request.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// WithHTTPClient swaps the underlying HTTP client (tests shorten the
// timeout).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) url(parts ...string) string {
	return c.baseURL + "/api/repos/" + c.ns + "/" + c.name + "/" + strings.Join(parts, "/")
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeNetwork, err, "%s %s", req.Method, req.URL.Path)
	}
	return resp, nil
}

// statusErr classifies an unexpected HTTP status.
func statusErr(resp *http.Response, what string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return oxerr.NotFound("%s: not found", what)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return oxerr.New(oxerr.CodeAuthDenied, "%s: %s", what, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 500:
		return oxerr.New(oxerr.CodeNetwork, "%s: server error %d: %s", what, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return oxerr.New(oxerr.CodeInvalidInput, "%s: unexpected status %d: %s", what, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// HasVersion asks the remote for a blob's metadata. NotFound when absent.
func (c *Client) HasVersion(ctx context.Context, hash hasher.Hash) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("versions", hash.String(), "metadata"), nil)
	if err != nil {
		return 0, oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusErr(resp, "version metadata "+hash.Short())
	}

	var meta struct {
		Hash string `json:"hash"`
		Size int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return 0, oxerr.Wrap(oxerr.CodeNetwork, err, "decoding version metadata")
	}
	return meta.Size, nil
}

// GetVersion streams a blob's raw bytes. The caller closes the reader.
func (c *Client) GetVersion(ctx context.Context, hash hasher.Hash) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("versions", hash.String()), nil)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusErr(resp, "version "+hash.Short())
	}
	return resp.Body, nil
}

// GetVersionRange downloads size bytes of a blob starting at offset.
func (c *Client) GetVersionRange(ctx context.Context, hash hasher.Hash, offset, size int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("versions", hash.String()), nil)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, statusErr(resp, "version range "+hash.Short())
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeNetwork, err, "reading version range")
	}
	return data, nil
}

// DownloadBatch fetches many small blobs in one request. The response is a
// tar stream with one entry per blob, named by hash; each entry lands in
// the callback.
func (c *Client) DownloadBatch(ctx context.Context, hashes []hasher.Hash, each func(hash hasher.Hash, data []byte) error) error {
	names := make([]string, len(hashes))
	for i, h := range hashes {
		names[i] = h.String()
	}
	body, err := json.Marshal(map[string][]string{"hashes": names})
	if err != nil {
		return oxerr.Wrap(oxerr.CodeInvalidInput, err, "encoding batch request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("versions", "batch", "download"), bytes.NewReader(body))
	if err != nil {
		return oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusErr(resp, "batch download")
	}
	return UnpackBlobArchive(resp.Body, each)
}

// UploadBatch posts many small blobs as one multipart request. Each part is
// named file[], its filename is the blob's hash, and its content is
// gzip-compressed. The response lists rejected parts.
func (c *Client) UploadBatch(ctx context.Context, blobs map[hasher.Hash][]byte) (*BatchUploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for h, data := range blobs {
		part, err := createGzipPart(mw, h)
		if err != nil {
			return nil, err
		}
		gz := gzip.NewWriter(part)
		if _, err := gz.Write(data); err != nil {
			return nil, oxerr.Wrap(oxerr.CodeIO, err, "compressing %s", h.Short())
		}
		if err := gz.Close(); err != nil {
			return nil, oxerr.Wrap(oxerr.CodeIO, err, "compressing %s", h.Short())
		}
	}
	if err := mw.Close(); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "finalizing multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("versions"), &buf)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp, "batch upload")
	}

	var result BatchUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeNetwork, err, "decoding batch upload response")
	}
	return &result, nil
}

// UploadChunk stores one numbered chunk of a large blob.
func (c *Client) UploadChunk(ctx context.Context, hash hasher.Hash, index int, data []byte) error {
	url := c.url("versions", hash.String(), "chunks", fmt.Sprintf("%d", index))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	req.ContentLength = int64(len(data))
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusErr(resp, fmt.Sprintf("chunk %d of %s", index, hash.Short()))
	}
	return nil
}

// CompleteUpload asks the remote to assemble a blob's uploaded chunks.
func (c *Client) CompleteUpload(ctx context.Context, hash hasher.Hash, reqBody CompleteUploadRequest) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return oxerr.Wrap(oxerr.CodeInvalidInput, err, "encoding complete request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("versions", hash.String(), "complete"), bytes.NewReader(body))
	if err != nil {
		return oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusErr(resp, "complete upload "+hash.Short())
	}
	return nil
}

// HasNode reports whether the remote holds a Merkle node.
func (c *Client) HasNode(ctx context.Context, hash hasher.Hash) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url("tree", "nodes", hash.String()), nil)
	if err != nil {
		return false, oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusErr(resp, "node "+hash.Short())
	}
}

// GetNode downloads one Merkle node bundle.
func (c *Client) GetNode(ctx context.Context, hash hasher.Hash) (*NodeBundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("tree", "nodes", hash.String()), nil)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp, "node "+hash.Short())
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeNetwork, err, "reading node bundle")
	}
	var bundle NodeBundle
	if err := cbor.Unmarshal(raw, &bundle); err != nil {
		return nil, oxerr.Integrity("corrupt node bundle for %s: %v", hash, err)
	}
	return &bundle, nil
}

// PutNode uploads one Merkle node bundle keyed by its hash.
func (c *Client) PutNode(ctx context.Context, bundle *NodeBundle) error {
	raw, err := cbor.Marshal(bundle)
	if err != nil {
		return oxerr.Wrap(oxerr.CodeInvalidInput, err, "encoding node bundle")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("tree", "nodes", bundle.Hash.String()), bytes.NewReader(raw))
	if err != nil {
		return oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	req.Header.Set("Content-Type", "application/cbor")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusErr(resp, "upload node "+bundle.Hash.Short())
	}
	return nil
}

// ListBranches fetches the remote's branch table.
func (c *Client) ListBranches(ctx context.Context) ([]refs.Branch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("branches"), nil)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp, "branches")
	}

	var result struct {
		Branches []struct {
			Name     string `json:"name"`
			CommitID string `json:"commit_id"`
		} `json:"branches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeNetwork, err, "decoding branches")
	}

	branches := make([]refs.Branch, 0, len(result.Branches))
	for _, b := range result.Branches {
		h, err := hasher.Parse(b.CommitID)
		if err != nil {
			return nil, oxerr.Integrity("remote branch %q holds malformed hash %q", b.Name, b.CommitID)
		}
		branches = append(branches, refs.Branch{Name: b.Name, CommitID: h})
	}
	return branches, nil
}

// GetBranch resolves one remote branch. NotFound when absent.
func (c *Client) GetBranch(ctx context.Context, name string) (hasher.Hash, error) {
	branches, err := c.ListBranches(ctx)
	if err != nil {
		return hasher.Zero, err
	}
	for _, b := range branches {
		if b.Name == name {
			return b.CommitID, nil
		}
	}
	return hasher.Zero, oxerr.NotFound("remote has no branch %q", name)
}

// SetBranch advances the remote's branch to a commit. This is the final
// barrier of a push: every blob and node must already be stored remotely.
func (c *Client) SetBranch(ctx context.Context, name string, commit hasher.Hash) error {
	body, err := json.Marshal(map[string]string{"commit_id": commit.String()})
	if err != nil {
		return oxerr.Wrap(oxerr.CodeInvalidInput, err, "encoding branch update")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("branches", name), bytes.NewReader(body))
	if err != nil {
		return oxerr.Wrap(oxerr.CodeInvalidInput, err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusErr(resp, "set branch "+name)
	}
	return nil
}
