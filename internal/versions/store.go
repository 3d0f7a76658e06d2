// Package versions implements the content-addressed blob store backing the
// repository. Blobs are immutable byte sequences named by their 128-bit
// content hash; the store trusts the caller's hash and never re-hashes on the
// hot path.
package versions

import (
	"context"
	"io"

	"github.com/oxen-ai/oxen-go/internal/hasher"
)

// StorageType identifies a Store implementation.
type StorageType string

const (
	// StorageFilesystem is the default hash-fanned on-disk layout.
	StorageFilesystem StorageType = "filesystem"
	// StorageMemory is the in-memory implementation used by tests.
	StorageMemory StorageType = "memory"
)

// Store is the content-addressed blob store contract. All methods are safe
// under parallel calls; concurrent writers of the same hash converge on
// identical bytes, and readers never observe a partially written blob.
type Store interface {
	// Init creates the backing location. Idempotent.
	Init() error

	// Put stores bytes under hash. Idempotent.
	Put(hash hasher.Hash, data []byte) error
	// PutFromPath stores the contents of a file on disk under hash.
	PutFromPath(hash hasher.Hash, fsPath string) error
	// PutFromStream stores a stream under hash. The context is observed at
	// I/O boundaries.
	PutFromStream(ctx context.Context, hash hasher.Hash, r io.Reader) error

	// Get returns a blob's full contents. NotFound if absent.
	Get(hash hasher.Hash) ([]byte, error)
	// Open returns a seekable reader over the blob. Caller closes.
	Open(hash hasher.Hash) (io.ReadSeekCloser, error)
	// GetChunk reads size bytes starting at offset. Reads past the end are
	// truncated rather than erroring.
	GetChunk(hash hasher.Hash, offset, size int64) ([]byte, error)

	// PutUploadChunk stores one numbered part of a multi-part upload.
	PutUploadChunk(hash hasher.Hash, index int, data []byte) error
	// ListUploadChunks returns the stored part indexes in ascending order.
	ListUploadChunks(hash hasher.Hash) ([]int, error)
	// AssembleChunks concatenates the parts in index order and stores the
	// result as the blob for hash; the caller promises the concatenation in
	// fact hashes to hash. Parts are removed on success.
	AssembleChunks(hash hasher.Hash) error

	// Exists reports whether the blob is present.
	Exists(hash hasher.Hash) bool
	// Size returns the blob's byte count. NotFound if absent.
	Size(hash hasher.Hash) (int64, error)
	// Delete removes a blob. Removing an absent blob is not an error.
	Delete(hash hasher.Hash) error
	// List enumerates every stored blob hash, in no particular order.
	List() ([]hasher.Hash, error)

	// StorageType identifies the implementation.
	StorageType() StorageType
	// Settings exposes implementation-specific settings for introspection.
	Settings() map[string]string
}

// VersionRef is the (hash, size) pair answering "do you have this blob, and
// how big is it?". Derived, never stored.
type VersionRef struct {
	Hash hasher.Hash `json:"hash"`
	Size int64       `json:"size"`
}

// Ref resolves a VersionRef against a store. NotFound if the blob is absent.
func Ref(s Store, hash hasher.Hash) (VersionRef, error) {
	size, err := s.Size(hash)
	if err != nil {
		return VersionRef{}, err
	}
	return VersionRef{Hash: hash, Size: size}, nil
}
