// Package hasher provides the 128-bit content hashing used to name every
// blob, node, and commit in the repository. The hash is xxh3-128: fast and
// collision-resistant for dedup purposes, not for adversarial inputs.
package hasher

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/xxh3"

	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

// Hash is a 128-bit content hash, stored big-endian.
type Hash [16]byte

// Zero is the all-zero hash, used as the "no hash" sentinel.
var Zero Hash

// metadataEnc is a deterministic CBOR encoder: map keys sorted, shortest
// forms, so hash_metadata is stable across runs and platforms.
var metadataEnc cbor.EncMode

func init() {
	var err error
	metadataEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("hasher: canonical cbor options rejected: " + err.Error())
	}
}

// String renders the hash as a 32-character lower-hex string.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether the hash is the zero sentinel.
func (h Hash) IsZero() bool { return h == Zero }

// Short returns the first 10 hex characters, for log lines and CLI output.
func (h Hash) Short() string { return h.String()[:10] }

// Low64 returns the low 64 bits of the 128-bit value. VNode bucketing takes
// this modulo a power of two, which equals the full u128 modulo because the
// bucket count never exceeds 2^32.
func (h Hash) Low64() uint64 { return binary.BigEndian.Uint64(h[8:16]) }

// Parse decodes a 32-character hex string into a Hash.
func Parse(s string) (Hash, error) {
	var h Hash
	if len(s) != 32 {
		return h, oxerr.InvalidInput("invalid hash length %d: %q", len(s), s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, oxerr.InvalidInput("invalid hash: %q", s)
	}
	copy(h[:], b)
	return h, nil
}

// MustParse is Parse for compile-time-constant hashes in tests.
// It panics on malformed input.
func MustParse(s string) Hash {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes hashes a byte buffer.
func HashBytes(buf []byte) Hash {
	return fromUint128(xxh3.Hash128(buf))
}

// HashReader hashes a stream, returning the hash and the byte count.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := xxh3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Zero, 0, oxerr.Wrap(oxerr.CodeIO, err, "hashing stream")
	}
	return fromUint128(h.Sum128()), n, nil
}

// HashFile hashes a file's contents with buffered streaming reads, so files
// up to the OS maximum size hash in constant memory.
func HashFile(fsPath string) (Hash, int64, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return Zero, 0, oxerr.Wrap(oxerr.CodeIO, err, "opening %s", fsPath)
	}
	defer f.Close()
	return HashReader(bufio.NewReaderSize(f, 1<<20))
}

// HashPathName canonicalizes a repository-relative path and hashes it.
// Canonical form: forward slashes, cleaned, no leading "/" or "./". VNode
// bucket assignment depends on this being identical across platforms.
func HashPathName(p string) Hash {
	return HashBytes([]byte(CanonicalPath(p)))
}

// CanonicalPath returns the canonical forward-slash form of a path.
// "" and "." both canonicalize to "".
func CanonicalPath(p string) string {
	p = filepath.ToSlash(p)
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// HashMetadata serializes a metadata record deterministically and hashes the
// encoding. Two equal records always yield equal hashes.
func HashMetadata(record any) (Hash, error) {
	buf, err := metadataEnc.Marshal(record)
	if err != nil {
		return Zero, oxerr.Wrap(oxerr.CodeInvalidInput, err, "serializing metadata")
	}
	return HashBytes(buf), nil
}

// Combine folds a content hash and a metadata hash into the node identity.
// With no metadata the identity is the content hash itself, so files without
// metadata keep stable combined hashes across versions of this code.
func Combine(content, metadata Hash) Hash {
	if metadata.IsZero() {
		return content
	}
	var buf [32]byte
	copy(buf[:16], content[:])
	copy(buf[16:], metadata[:])
	return HashBytes(buf[:])
}

func fromUint128(v xxh3.Uint128) Hash {
	var h Hash
	binary.BigEndian.PutUint64(h[0:8], v.Hi)
	binary.BigEndian.PutUint64(h[8:16], v.Lo)
	return h
}
