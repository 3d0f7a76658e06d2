package tree

import (
	"encoding/binary"
	"math"
	"path"

	"github.com/oxen-ai/oxen-go/internal/hasher"
)

// vnodeTargetEntries is the per-bucket entry target: bucket counts are
// chosen so each vnode holds at most about this many children.
const vnodeTargetEntries = 10_000

// NumVNodeBuckets returns the vnode count for a directory with n direct
// children: 2^ceil(log2(n/10000)), clamped so any non-empty directory gets
// at least one bucket and an empty directory gets none. This is the single
// canonical rule; the writer and every reader share it.
func NumVNodeBuckets(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	if n <= vnodeTargetEntries {
		return 1
	}
	exp := math.Ceil(math.Log2(float64(n) / float64(vnodeTargetEntries)))
	return uint64(1) << uint(exp)
}

// BucketFor assigns a child to a vnode bucket by its full repository path.
// numBuckets is always a power of two, so the modulo equals a mask of the
// hash's low bits.
func BucketFor(childPath string, numBuckets uint64) uint64 {
	if numBuckets <= 1 {
		return 0
	}
	return hasher.HashPathName(childPath).Low64() & (numBuckets - 1)
}

// ChildPath joins a directory path and an entry name in canonical form.
func ChildPath(dirPath, name string) string {
	if dirPath == "" {
		return name
	}
	return path.Join(dirPath, name)
}

// ChildEntry is a (name, identity hash) pair used when computing vnode and
// directory hashes. For files the identity is the combined hash; for
// subdirectories it is the dir hash; for schemas the schema node hash.
type ChildEntry struct {
	Name string
	Hash hasher.Hash
}

// ComputeVNodeHash hashes a bucket's child list. Entries are hashed in the
// order given, which callers keep name-sorted, as (name, NUL, identity hash)
// so any change of a child's name, content, or metadata changes the vnode
// hash.
func ComputeVNodeHash(entries []ChildEntry) hasher.Hash {
	buf := make([]byte, 0, len(entries)*48)
	for _, e := range entries {
		buf = append(buf, e.Name...)
		buf = append(buf, 0)
		buf = append(buf, e.Hash[:]...)
	}
	return hasher.HashBytes(buf)
}

// VNodeRef is a (bucket id, vnode hash) pair feeding a directory hash.
type VNodeRef struct {
	ID   uint64
	Hash hasher.Hash
}

// ComputeDirHash hashes a directory's vnode list in the order given, which
// callers keep sorted by bucket id. An empty directory hashes an empty buffer, giving every empty directory the
// same well-known hash.
func ComputeDirHash(vnodes []VNodeRef) hasher.Hash {
	buf := make([]byte, 0, len(vnodes)*24)
	for _, v := range vnodes {
		var id [8]byte
		binary.BigEndian.PutUint64(id[:], v.ID)
		buf = append(buf, id[:]...)
		buf = append(buf, v.Hash[:]...)
	}
	return hasher.HashBytes(buf)
}
