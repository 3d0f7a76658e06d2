package versions

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

// MemoryStore is the in-memory Store used by tests. A single RWMutex guards
// both maps; blob writes replace the whole value so readers holding a slice
// from before a write still see consistent bytes.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[hasher.Hash][]byte
	chunks map[hasher.Hash]map[int][]byte

	// GetCount increments on every Get/Open, letting tests assert that a
	// second pull downloads nothing.
	getCount int
	putCount int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:  make(map[hasher.Hash][]byte),
		chunks: make(map[hasher.Hash]map[int][]byte),
	}
}

// Init is a no-op for the in-memory store.
func (s *MemoryStore) Init() error { return nil }

// StorageType identifies the implementation.
func (s *MemoryStore) StorageType() StorageType { return StorageMemory }

// Settings names the backend. The write and read counters are exposed by
// PutCount and GetCount.
func (s *MemoryStore) Settings() map[string]string {
	return map[string]string{"backend": "memory"}
}

// PutCount returns how many blob writes have completed.
func (s *MemoryStore) PutCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.putCount
}

// GetCount returns how many blob reads have completed.
func (s *MemoryStore) GetCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getCount
}

// Put stores bytes under hash.
func (s *MemoryStore) Put(hash hasher.Hash, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[hash] = bytes.Clone(data)
	s.putCount++
	return nil
}

// PutFromPath stores a file's contents under hash.
func (s *MemoryStore) PutFromPath(hash hasher.Hash, fsPath string) error {
	data, err := readFileForPut(fsPath)
	if err != nil {
		return err
	}
	return s.Put(hash, data)
}

// PutFromStream stores a stream under hash.
func (s *MemoryStore) PutFromStream(ctx context.Context, hash hasher.Hash, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return oxerr.Wrap(oxerr.CodeCancelled, err, "put %s", hash.Short())
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "reading stream")
	}
	return s.Put(hash, data)
}

// Get returns the blob's contents.
func (s *MemoryStore) Get(hash hasher.Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, oxerr.NotFound("no version for hash %s", hash)
	}
	s.getCount++
	return bytes.Clone(data), nil
}

type nopCloserReadSeeker struct{ *bytes.Reader }

func (nopCloserReadSeeker) Close() error { return nil }

// Open returns a seekable reader over the blob.
func (s *MemoryStore) Open(hash hasher.Hash) (io.ReadSeekCloser, error) {
	data, err := s.Get(hash)
	if err != nil {
		return nil, err
	}
	return nopCloserReadSeeker{bytes.NewReader(data)}, nil
}

// GetChunk reads size bytes starting at offset.
func (s *MemoryStore) GetChunk(hash hasher.Hash, offset, size int64) ([]byte, error) {
	data, err := s.Get(hash)
	if err != nil {
		return nil, err
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + size
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

// PutUploadChunk stores one numbered part of a multi-part upload.
func (s *MemoryStore) PutUploadChunk(hash hasher.Hash, index int, data []byte) error {
	if index < 0 {
		return oxerr.InvalidInput("negative chunk index %d", index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunks[hash] == nil {
		s.chunks[hash] = make(map[int][]byte)
	}
	s.chunks[hash][index] = bytes.Clone(data)
	return nil
}

// ListUploadChunks returns stored part indexes in ascending order.
func (s *MemoryStore) ListUploadChunks(hash hasher.Hash) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := s.chunks[hash]
	indexes := make([]int, 0, len(parts))
	for idx := range parts {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes, nil
}

// AssembleChunks concatenates parts in index order into the blob for hash.
func (s *MemoryStore) AssembleChunks(hash hasher.Hash) error {
	indexes, err := s.ListUploadChunks(hash)
	if err != nil {
		return err
	}
	if len(indexes) == 0 {
		return oxerr.NotFound("no uploaded chunks for %s", hash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	for _, idx := range indexes {
		buf.Write(s.chunks[hash][idx])
	}
	s.blobs[hash] = buf.Bytes()
	s.putCount++
	delete(s.chunks, hash)
	return nil
}

// Exists reports whether the blob is present.
func (s *MemoryStore) Exists(hash hasher.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok
}

// Size returns the blob's byte count.
func (s *MemoryStore) Size(hash hasher.Hash) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return 0, oxerr.NotFound("no version for hash %s", hash)
	}
	return int64(len(data)), nil
}

// Delete removes a blob.
func (s *MemoryStore) Delete(hash hasher.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, hash)
	delete(s.chunks, hash)
	return nil
}

// List enumerates every stored blob hash.
func (s *MemoryStore) List() ([]hasher.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hashes := make([]hasher.Hash, 0, len(s.blobs))
	for h := range s.blobs {
		hashes = append(hashes, h)
	}
	return hashes, nil
}
