// Package chunker splits very large files into fixed-size content-addressed
// chunks and packs those chunks into bounded shard files so a repository of
// millions of chunks does not explode its inode count.
package chunker

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

const (
	// ChunkSize is the fixed chunk window. Files are split into ChunkSize
	// pieces; the final piece may be shorter.
	ChunkSize = 16 * 1024

	// ShardCapacity bounds a shard file's data section. When the active
	// shard cannot fit another chunk it is sealed and a new one starts.
	ShardCapacity = 1000 * ChunkSize

	shardFilePrefix = "shard_"
)

var chunkIndexBucket = []byte("chunk_shards")

// chunkLoc records where a chunk's bytes live inside a shard file.
type chunkLoc struct {
	Offset uint32 `cbor:"0,keyasint"`
	Length uint32 `cbor:"1,keyasint"`
}

// shardIndex is the map framed at the top of every shard file.
type shardIndex struct {
	Locs map[hasher.Hash]chunkLoc `cbor:"locs"`
}

// shardFile is one shard: a framed index plus a bounded data section.
// The active shard holds its data in memory and rewrites the whole file on
// save; sealed shards are read with a seek per chunk.
type shardFile struct {
	path  string
	index shardIndex
	data  []byte // active shards only; nil once sealed
}

func newShardFile(path string) *shardFile {
	return &shardFile{
		path:  path,
		index: shardIndex{Locs: make(map[hasher.Hash]chunkLoc)},
		data:  make([]byte, 0, ShardCapacity),
	}
}

// hasCapacity reports whether another write of n bytes fits.
func (f *shardFile) hasCapacity(n int) bool {
	return len(f.data)+n < ShardCapacity
}

// appendChunk adds a chunk to the in-memory data section.
func (f *shardFile) appendChunk(hash hasher.Hash, data []byte) {
	f.index.Locs[hash] = chunkLoc{Offset: uint32(len(f.data)), Length: uint32(len(data))}
	f.data = append(f.data, data...)
}

// save rewrites the shard file:
// [u32 index_len][index bytes][u32 data_len][data bytes].
func (f *shardFile) save() error {
	indexBytes, err := cbor.Marshal(&f.index)
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "encoding shard index")
	}

	out, err := os.Create(f.path)
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating shard file")
	}
	defer out.Close()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(indexBytes)))
	if _, err := out.Write(lenBuf[:]); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "writing shard index length")
	}
	if _, err := out.Write(indexBytes); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "writing shard index")
	}
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(f.data)))
	if _, err := out.Write(lenBuf[:]); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "writing shard data length")
	}
	if _, err := out.Write(f.data); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "writing shard data")
	}
	if err := out.Sync(); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "syncing shard file")
	}
	return nil
}

// loadShardIndex reads the framed index of a shard file and returns it along
// with the byte offset where the data section begins.
func loadShardIndex(path string) (shardIndex, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return shardIndex{}, 0, oxerr.Wrap(oxerr.CodeIO, err, "opening shard")
	}
	defer f.Close()

	var lenBuf [4]byte
	if _, err := f.Read(lenBuf[:]); err != nil {
		return shardIndex{}, 0, oxerr.Wrap(oxerr.CodeIO, err, "reading shard index length")
	}
	indexLen := binary.LittleEndian.Uint32(lenBuf[:])

	indexBytes := make([]byte, indexLen)
	if _, err := f.Read(indexBytes); err != nil {
		return shardIndex{}, 0, oxerr.Wrap(oxerr.CodeIO, err, "reading shard index")
	}

	var idx shardIndex
	if err := cbor.Unmarshal(indexBytes, &idx); err != nil {
		return shardIndex{}, 0, oxerr.Integrity("corrupt shard index in %s: %v", path, err)
	}
	if idx.Locs == nil {
		idx.Locs = make(map[hasher.Hash]chunkLoc)
	}

	// Data begins after the two length frames and the index bytes.
	dataStart := int64(4 + indexLen + 4)
	return idx, dataStart, nil
}

// loadShardData reads the data section of a shard so it can keep accepting
// appends as the active shard.
func loadShardData(path string, dataStart int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "opening shard")
	}
	defer f.Close()

	if _, err := f.Seek(dataStart-4, 0); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "seeking shard data")
	}
	var lenBuf [4]byte
	if _, err := f.Read(lenBuf[:]); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "reading shard data length")
	}
	dataLen := binary.LittleEndian.Uint32(lenBuf[:])

	data := make([]byte, dataLen, ShardCapacity)
	if _, err := f.Read(data); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "reading shard data")
	}
	return data, nil
}

// ShardManager owns the chunk → shard placement index and the active shard.
// Single writer; readers of sealed shards are unaffected by writes.
type ShardManager struct {
	shardsDir  string
	indexDB    *bolt.DB
	currentIdx uint32
	current    *shardFile
}

// NewShardManager opens the placement index at indexPath and roots shard
// files under shardsDir.
func NewShardManager(shardsDir, indexPath string) (*ShardManager, error) {
	if err := os.MkdirAll(shardsDir, 0o755); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "creating shards dir")
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "creating chunk index dir")
	}

	db, err := bolt.Open(indexPath, 0o644, nil)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "opening chunk index")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chunkIndexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "initializing chunk index")
	}

	return &ShardManager{shardsDir: shardsDir, indexDB: db}, nil
}

// Close saves the active shard and closes the placement index.
func (m *ShardManager) Close() error {
	if err := m.SaveAll(); err != nil {
		m.indexDB.Close()
		return err
	}
	return m.indexDB.Close()
}

// shardPath names shard n.
func (m *ShardManager) shardPath(idx uint32) string {
	return filepath.Join(m.shardsDir, fmt.Sprintf("%s%d", shardFilePrefix, idx))
}

// OpenForWrite finds the newest shard with spare capacity, or starts shard 0.
// Must be called once before WriteChunk.
func (m *ShardManager) OpenForWrite() error {
	entries, err := os.ReadDir(m.shardsDir)
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "listing shards")
	}

	var indexes []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, shardFilePrefix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(name, shardFilePrefix), 10, 32)
		if err != nil {
			continue
		}
		indexes = append(indexes, uint32(n))
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for i := len(indexes) - 1; i >= 0; i-- {
		idx := indexes[i]
		path := m.shardPath(idx)
		shardIdx, dataStart, err := loadShardIndex(path)
		if err != nil {
			return err
		}
		data, err := loadShardData(path, dataStart)
		if err != nil {
			return err
		}
		if len(data)+ChunkSize < ShardCapacity {
			m.currentIdx = idx
			m.current = &shardFile{path: path, index: shardIdx, data: data}
			return nil
		}
		break // newest shard is full; start a fresh one
	}

	next := uint32(0)
	if len(indexes) > 0 {
		next = indexes[len(indexes)-1] + 1
	}
	m.currentIdx = next
	m.current = newShardFile(m.shardPath(next))
	return nil
}

// HasChunk is a fast existence check against the placement index.
func (m *ShardManager) HasChunk(hash hasher.Hash) bool {
	found := false
	_ = m.indexDB.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(chunkIndexBucket).Get(hash[:]) != nil
		return nil
	})
	return found
}

// WriteChunk stores a chunk's bytes in the active shard and returns the
// shard id that now owns the chunk. Writing a chunk that already exists is a
// no-op returning its existing shard.
func (m *ShardManager) WriteChunk(hash hasher.Hash, data []byte) (uint32, error) {
	if m.current == nil {
		return 0, oxerr.New(oxerr.CodeInvalidInput, "shard manager not opened for write")
	}
	if shardID, err := m.shardOf(hash); err == nil {
		return shardID, nil
	}

	if !m.current.hasCapacity(len(data)) {
		if err := m.current.save(); err != nil {
			return 0, err
		}
		m.currentIdx++
		m.current = newShardFile(m.shardPath(m.currentIdx))
	}

	m.current.appendChunk(hash, data)

	err := m.indexDB.Update(func(tx *bolt.Tx) error {
		var val [4]byte
		binary.LittleEndian.PutUint32(val[:], m.currentIdx)
		return tx.Bucket(chunkIndexBucket).Put(hash[:], val[:])
	})
	if err != nil {
		return 0, oxerr.Wrap(oxerr.CodeIO, err, "indexing chunk %s", hash.Short())
	}
	return m.currentIdx, nil
}

// shardOf looks up which shard owns a chunk.
func (m *ShardManager) shardOf(hash hasher.Hash) (uint32, error) {
	var shardID uint32
	err := m.indexDB.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(chunkIndexBucket).Get(hash[:])
		if val == nil {
			return oxerr.NotFound("no chunk %s", hash)
		}
		shardID = binary.LittleEndian.Uint32(val)
		return nil
	})
	return shardID, err
}

// ReadChunk fetches a chunk's bytes, from the active shard's buffer when the
// chunk is still unsealed, otherwise by seeking into its shard file.
func (m *ShardManager) ReadChunk(hash hasher.Hash) ([]byte, error) {
	shardID, err := m.shardOf(hash)
	if err != nil {
		return nil, err
	}

	if m.current != nil && shardID == m.currentIdx {
		if loc, ok := m.current.index.Locs[hash]; ok {
			return m.current.data[loc.Offset : loc.Offset+loc.Length], nil
		}
	}

	path := m.shardPath(shardID)
	idx, dataStart, err := loadShardIndex(path)
	if err != nil {
		return nil, err
	}
	loc, ok := idx.Locs[hash]
	if !ok {
		return nil, oxerr.Integrity("chunk %s indexed to shard %d but missing from its index", hash, shardID)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "opening shard %d", shardID)
	}
	defer f.Close()

	buf := make([]byte, loc.Length)
	if _, err := f.ReadAt(buf, dataStart+int64(loc.Offset)); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "reading chunk from shard %d", shardID)
	}
	return buf, nil
}

// SaveAll flushes the active shard to disk.
func (m *ShardManager) SaveAll() error {
	if m.current == nil || len(m.current.data) == 0 {
		return nil
	}
	return m.current.save()
}
