// Package tree implements the content-addressed Merkle commit tree: the
// tagged node model, the hash-bucketed VNode fan-out for wide directories,
// and the in-memory CommitMerkleTree read API over per-node databases.
package tree

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

// NodeType tags the variant of a Merkle tree node.
type NodeType byte

const (
	// NodeNone is the zero tag, never stored.
	NodeNone NodeType = 0
	// NodeCommit is a commit node; its single child is the root directory.
	NodeCommit NodeType = 1
	// NodeDir is a directory; its children are VNodes.
	NodeDir NodeType = 2
	// NodeVNode is a hash bucket of a directory's entries.
	NodeVNode NodeType = 3
	// NodeFile is a file entry pointing at a blob or a chunk list.
	NodeFile NodeType = 4
	// NodeFileChunk references one fixed-size chunk of a chunked file.
	NodeFileChunk NodeType = 5
	// NodeSchema records a tabular file's schema as a first-class entity.
	NodeSchema NodeType = 6
)

// String returns the node type name.
func (t NodeType) String() string {
	switch t {
	case NodeCommit:
		return "commit"
	case NodeDir:
		return "dir"
	case NodeVNode:
		return "vnode"
	case NodeFile:
		return "file"
	case NodeFileChunk:
		return "file_chunk"
	case NodeSchema:
		return "schema"
	default:
		return "none"
	}
}

// DataType classifies a file's contents.
type DataType byte

const (
	// DataBinary is the fallback for unclassified bytes.
	DataBinary DataType = iota
	// DataText is human-readable text.
	DataText
	// DataImage is an image format.
	DataImage
	// DataVideo is a video format.
	DataVideo
	// DataAudio is an audio format.
	DataAudio
	// DataTabular is csv/tsv/parquet style row data.
	DataTabular
)

// String returns the data type name used in CLI output and API responses.
func (d DataType) String() string {
	switch d {
	case DataText:
		return "text"
	case DataImage:
		return "image"
	case DataVideo:
		return "video"
	case DataAudio:
		return "audio"
	case DataTabular:
		return "tabular"
	default:
		return "binary"
	}
}

// SchemaField is one column of a tabular schema.
type SchemaField struct {
	Name  string `cbor:"name" json:"name"`
	Dtype string `cbor:"dtype" json:"dtype"`
}

// EntryMetadata is the optional typed metadata attached to a FileNode.
// Exactly one of the pointers is set, matching the file's data type.
type EntryMetadata struct {
	Image   *ImageMetadata   `cbor:"image,omitempty" json:"image,omitempty"`
	Tabular *TabularMetadata `cbor:"tabular,omitempty" json:"tabular,omitempty"`
}

// ImageMetadata records image dimensions.
type ImageMetadata struct {
	Width  int `cbor:"width" json:"width"`
	Height int `cbor:"height" json:"height"`
}

// TabularMetadata records row/column shape and the schema's fields.
type TabularMetadata struct {
	NumRows    uint64        `cbor:"num_rows" json:"num_rows"`
	NumColumns uint64        `cbor:"num_cols" json:"num_cols"`
	Fields     []SchemaField `cbor:"fields" json:"fields"`
}

// CommitRecord is the serialized body of a commit node.
type CommitRecord struct {
	ParentIDs []hasher.Hash `cbor:"parent_ids"`
	RootHash  hasher.Hash   `cbor:"root_hash"`
	Author    string        `cbor:"author"`
	Email     string        `cbor:"email"`
	Message   string        `cbor:"message"`
	Timestamp int64         `cbor:"timestamp"`
}

// DirRecord is the serialized body of a directory node. Hash is the
// aggregate hash of the directory's vnode list and names the directory's
// own node database.
type DirRecord struct {
	Name                string      `cbor:"name"`
	Hash                hasher.Hash `cbor:"hash"`
	NumEntries          uint64      `cbor:"num_entries"`
	NumBytes            uint64      `cbor:"num_bytes"`
	NumVNodes           uint64      `cbor:"num_vnodes"`
	LastModifiedSeconds int64       `cbor:"mtime_s"`
	LastModifiedNanos   int64       `cbor:"mtime_ns"`
	LastCommitID        hasher.Hash `cbor:"last_commit_id"`
}

// VNodeRecord is the serialized body of a vnode. ID is the bucket number
// within its parent directory's 2^k buckets.
type VNodeRecord struct {
	ID         uint64 `cbor:"id"`
	NumEntries uint64 `cbor:"num_entries"`
}

// FileRecord is the serialized body of a file node.
type FileRecord struct {
	Name                string         `cbor:"name"`
	Hash                hasher.Hash    `cbor:"hash"`
	MetadataHash        hasher.Hash    `cbor:"metadata_hash,omitempty"`
	CombinedHash        hasher.Hash    `cbor:"combined_hash"`
	NumBytes            uint64         `cbor:"num_bytes"`
	LastModifiedSeconds int64          `cbor:"mtime_s"`
	LastModifiedNanos   int64          `cbor:"mtime_ns"`
	MimeType            string         `cbor:"mime_type"`
	Extension           string         `cbor:"extension"`
	DataType            DataType       `cbor:"data_type"`
	Metadata            *EntryMetadata `cbor:"metadata,omitempty"`
	LastCommitID        hasher.Hash    `cbor:"last_commit_id"`
	ChunkHashes         []hasher.Hash  `cbor:"chunk_hashes,omitempty"`
}

// FileChunkRecord is the serialized body of a file-chunk node.
type FileChunkRecord struct {
	Hash     hasher.Hash `cbor:"hash"`
	Index    uint64      `cbor:"index"`
	NumBytes uint64      `cbor:"num_bytes"`
}

// SchemaRecord is the serialized body of a schema node.
type SchemaRecord struct {
	Name   string        `cbor:"name"`
	Fields []SchemaField `cbor:"fields"`
}

// Marshal serializes a node record.
func Marshal(record any) ([]byte, error) {
	data, err := cbor.Marshal(record)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeInvalidInput, err, "encoding node record")
	}
	return data, nil
}

func unmarshal(data []byte, record any, what string) error {
	if err := cbor.Unmarshal(data, record); err != nil {
		return oxerr.Integrity("corrupt %s record: %v", what, err)
	}
	return nil
}
