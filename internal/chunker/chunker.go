package chunker

import (
	"bufio"
	"io"
	"os"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

// ChunkThreshold is the size above which callers normally engage chunked
// storage for a file.
const ChunkThreshold = 10 * ChunkSize

// SaveChunks splits the file at fsPath into ChunkSize windows, stores each
// previously-unseen chunk through the shard manager, and returns the ordered
// chunk hash list. Duplicate chunks anywhere in the repository are stored
// once.
func SaveChunks(m *ShardManager, fsPath string) ([]hasher.Hash, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "opening %s", fsPath)
	}
	defer f.Close()
	return SaveChunksFromReader(m, f)
}

// SaveChunksFromReader is SaveChunks over an arbitrary stream.
func SaveChunksFromReader(m *ShardManager, r io.Reader) ([]hasher.Hash, error) {
	br := bufio.NewReaderSize(r, ChunkSize*4)
	buf := make([]byte, ChunkSize)
	var hashes []hasher.Hash

	for {
		n, err := io.ReadFull(br, buf)
		if n > 0 {
			chunk := buf[:n]
			h := hasher.HashBytes(chunk)
			if !m.HasChunk(h) {
				if _, werr := m.WriteChunk(h, chunk); werr != nil {
					return nil, werr
				}
			}
			hashes = append(hashes, h)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, oxerr.Wrap(oxerr.CodeIO, err, "reading chunk window")
		}
	}

	if err := m.SaveAll(); err != nil {
		return nil, err
	}
	return hashes, nil
}

// Restore streams the chunks named by hashes, in order, into w. This is the
// inverse of SaveChunks for a file's recorded chunk list.
func Restore(m *ShardManager, hashes []hasher.Hash, w io.Writer) error {
	for _, h := range hashes {
		data, err := m.ReadChunk(h)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return oxerr.Wrap(oxerr.CodeIO, err, "restoring chunk %s", h.Short())
		}
	}
	return nil
}
