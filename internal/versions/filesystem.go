package versions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

const (
	// dataFileName is the leaf file holding a blob's bytes inside its
	// fan-out directory.
	dataFileName = "data"
	// uploadChunksDirName holds numbered parts of an in-flight multi-part
	// upload, next to where the assembled blob will land.
	uploadChunksDirName = "chunks"
)

// FilesystemStore lays each blob out as
// <root>/<hash[:2]>/<hash[2:]>/data. The two-character fan-out keeps any
// single directory's entry count bounded. Writes go to a temp file in the
// destination directory and are renamed into place, so readers never observe
// a partial blob and concurrent writers of the same hash converge.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a store rooted at root. Call Init before use.
func NewFilesystemStore(root string) *FilesystemStore {
	return &FilesystemStore{root: root}
}

// Init creates the backing directory.
func (s *FilesystemStore) Init() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating version store")
	}
	return nil
}

// StorageType identifies the implementation.
func (s *FilesystemStore) StorageType() StorageType { return StorageFilesystem }

// Settings exposes the backing root for introspection.
func (s *FilesystemStore) Settings() map[string]string {
	return map[string]string{"root": s.root}
}

// Root returns the backing directory.
func (s *FilesystemStore) Root() string { return s.root }

// blobDir returns the fan-out directory for a hash.
func (s *FilesystemStore) blobDir(hash hasher.Hash) string {
	str := hash.String()
	return filepath.Join(s.root, str[:2], str[2:])
}

// BlobPath returns the path a blob's bytes live at (whether or not present).
func (s *FilesystemStore) BlobPath(hash hasher.Hash) string {
	return filepath.Join(s.blobDir(hash), dataFileName)
}

// Put stores bytes under hash.
func (s *FilesystemStore) Put(hash hasher.Hash, data []byte) error {
	return s.writeAtomic(hash, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// PutFromPath stores the contents of a file on disk under hash.
func (s *FilesystemStore) PutFromPath(hash hasher.Hash, fsPath string) error {
	f, err := os.Open(fsPath)
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "opening %s", fsPath)
	}
	defer f.Close()
	return s.PutFromStream(context.Background(), hash, f)
}

// PutFromStream stores a stream under hash, observing ctx between copy
// windows.
func (s *FilesystemStore) PutFromStream(ctx context.Context, hash hasher.Hash, r io.Reader) error {
	return s.writeAtomic(hash, func(w io.Writer) error {
		buf := make([]byte, 1<<20)
		for {
			if err := ctx.Err(); err != nil {
				return oxerr.Wrap(oxerr.CodeCancelled, err, "put %s", hash.Short())
			}
			n, err := r.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})
}

// writeAtomic writes via temp-then-rename. The temp file lives in the blob's
// own directory so the rename never crosses a filesystem boundary.
func (s *FilesystemStore) writeAtomic(hash hasher.Hash, fill func(io.Writer) error) error {
	dir := s.blobDir(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating blob dir")
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating temp blob")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := fill(tmp); err != nil {
		tmp.Close()
		if oxerr.IsCode(err, oxerr.CodeCancelled) {
			return err
		}
		return oxerr.Wrap(oxerr.CodeIO, err, "writing blob %s", hash.Short())
	}
	if err := tmp.Close(); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "closing temp blob")
	}
	if err := os.Rename(tmpName, s.BlobPath(hash)); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "publishing blob %s", hash.Short())
	}
	return nil
}

// Get returns the blob's full contents.
func (s *FilesystemStore) Get(hash hasher.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.BlobPath(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, oxerr.NotFound("no version for hash %s", hash)
		}
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "reading blob %s", hash.Short())
	}
	return data, nil
}

// Open returns a seekable reader over the blob.
func (s *FilesystemStore) Open(hash hasher.Hash) (io.ReadSeekCloser, error) {
	f, err := os.Open(s.BlobPath(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, oxerr.NotFound("no version for hash %s", hash)
		}
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "opening blob %s", hash.Short())
	}
	return f, nil
}

// GetChunk reads size bytes starting at offset; short reads at the tail are
// truncated, not errors.
func (s *FilesystemStore) GetChunk(hash hasher.Hash, offset, size int64) ([]byte, error) {
	f, err := s.Open(hash)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "seeking blob %s", hash.Short())
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "reading blob range")
	}
	return buf[:n], nil
}

// PutUploadChunk stores one numbered part of a multi-part upload.
func (s *FilesystemStore) PutUploadChunk(hash hasher.Hash, index int, data []byte) error {
	if index < 0 {
		return oxerr.InvalidInput("negative chunk index %d", index)
	}
	dir := filepath.Join(s.blobDir(hash), uploadChunksDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating chunk dir")
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating temp chunk")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return oxerr.Wrap(oxerr.CodeIO, err, "writing chunk %d", index)
	}
	if err := tmp.Close(); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "closing temp chunk")
	}
	dst := filepath.Join(dir, strconv.Itoa(index))
	if err := os.Rename(tmpName, dst); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "publishing chunk %d", index)
	}
	return nil
}

// ListUploadChunks returns the stored part indexes in ascending order.
func (s *FilesystemStore) ListUploadChunks(hash hasher.Hash) ([]int, error) {
	dir := filepath.Join(s.blobDir(hash), uploadChunksDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "listing chunks")
	}

	indexes := make([]int, 0, len(entries))
	for _, e := range entries {
		idx, err := strconv.Atoi(e.Name())
		if err != nil {
			continue // temp files and strays
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes, nil
}

// AssembleChunks concatenates the stored parts in index order into the blob
// for hash, then removes the parts. The caller's promise is that the
// concatenated content in fact hashes to hash.
func (s *FilesystemStore) AssembleChunks(hash hasher.Hash) error {
	indexes, err := s.ListUploadChunks(hash)
	if err != nil {
		return err
	}
	if len(indexes) == 0 {
		return oxerr.NotFound("no uploaded chunks for %s", hash)
	}

	chunksDir := filepath.Join(s.blobDir(hash), uploadChunksDirName)
	err = s.writeAtomic(hash, func(w io.Writer) error {
		for _, idx := range indexes {
			f, err := os.Open(filepath.Join(chunksDir, strconv.Itoa(idx)))
			if err != nil {
				return fmt.Errorf("opening chunk %d: %w", idx, err)
			}
			_, err = io.Copy(w, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("copying chunk %d: %w", idx, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.RemoveAll(chunksDir); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "removing assembled chunks")
	}
	return nil
}

// Exists reports whether the blob is present.
func (s *FilesystemStore) Exists(hash hasher.Hash) bool {
	_, err := os.Stat(s.BlobPath(hash))
	return err == nil
}

// Size returns the blob's byte count.
func (s *FilesystemStore) Size(hash hasher.Hash) (int64, error) {
	info, err := os.Stat(s.BlobPath(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, oxerr.NotFound("no version for hash %s", hash)
		}
		return 0, oxerr.Wrap(oxerr.CodeIO, err, "stat blob %s", hash.Short())
	}
	return info.Size(), nil
}

// Delete removes a blob and any in-flight upload parts.
func (s *FilesystemStore) Delete(hash hasher.Hash) error {
	if err := os.RemoveAll(s.blobDir(hash)); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "deleting blob %s", hash.Short())
	}
	return nil
}

// List enumerates every stored blob hash.
func (s *FilesystemStore) List() ([]hasher.Hash, error) {
	var hashes []hasher.Hash

	prefixes, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "listing version store")
	}
	for _, prefix := range prefixes {
		if !prefix.IsDir() || len(prefix.Name()) != 2 {
			continue
		}
		rests, err := os.ReadDir(filepath.Join(s.root, prefix.Name()))
		if err != nil {
			return nil, oxerr.Wrap(oxerr.CodeIO, err, "listing fan-out %s", prefix.Name())
		}
		for _, rest := range rests {
			h, err := hasher.Parse(prefix.Name() + rest.Name())
			if err != nil {
				continue
			}
			if s.Exists(h) {
				hashes = append(hashes, h)
			}
		}
	}
	return hashes, nil
}
