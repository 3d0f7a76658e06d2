// Package merkledb persists Merkle nodes, one physical database per node
// hash. Splitting by hash is what makes commits cheap: an unchanged subtree's
// database file is reused by reference, never rewritten, so committing a
// one-file change in a million-file repository touches only the node
// databases along the changed path.
package merkledb

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

const dbFileName = "node.db"

var (
	headerBucket   = []byte("header")
	childrenBucket = []byte("children")

	keyKind        = []byte("kind")
	keyParent      = []byte("parent")
	keyData        = []byte("data")
	keyNumChildren = []byte("num_children")
)

// ChildRecord is one child entry of a node: the child's kind tag and its
// serialized record. Deserialization is the caller's concern and happens
// lazily.
type ChildRecord struct {
	Hash hasher.Hash
	Kind byte
	Data []byte
}

// DB is the database for a single Merkle node. It records the node's own
// kind, parent id, and serialized record at creation, plus one entry per
// child keyed by the child's hash.
type DB struct {
	db       *bolt.DB
	dir      string
	readOnly bool

	kind        byte
	parentID    hasher.Hash
	ownData     []byte
	numChildren uint64
}

// Exists reports whether a node database exists in dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, dbFileName))
	return err == nil
}

// Create makes a new node database recording the node's kind, parent, and
// serialized record. The writer is expected to be the commit writer, which
// holds an exclusive lease on newly created node databases.
func Create(dir string, kind byte, parentID hasher.Hash, ownData []byte) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "creating node dir")
	}

	db, err := bolt.Open(filepath.Join(dir, dbFileName), 0o644, nil)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "creating node db")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		hdr, err := tx.CreateBucketIfNotExists(headerBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(childrenBucket); err != nil {
			return err
		}
		if err := hdr.Put(keyKind, []byte{kind}); err != nil {
			return err
		}
		if err := hdr.Put(keyParent, parentID[:]); err != nil {
			return err
		}
		if err := hdr.Put(keyData, ownData); err != nil {
			return err
		}
		var count [8]byte
		return hdr.Put(keyNumChildren, count[:])
	})
	if err != nil {
		db.Close()
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "initializing node db")
	}

	return &DB{db: db, dir: dir, kind: kind, parentID: parentID, ownData: ownData}, nil
}

// OpenReadOnly opens an existing node database for reading.
func OpenReadOnly(dir string) (*DB, error) {
	return open(dir, true)
}

// OpenReadWrite opens an existing node database for writing.
func OpenReadWrite(dir string) (*DB, error) {
	return open(dir, false)
}

func open(dir string, readOnly bool) (*DB, error) {
	path := filepath.Join(dir, dbFileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, oxerr.NotFound("no node db at %s", dir)
		}
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "stat node db")
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "opening node db %s", dir)
	}

	d := &DB{db: db, dir: dir, readOnly: readOnly}
	err = db.View(func(tx *bolt.Tx) error {
		hdr := tx.Bucket(headerBucket)
		if hdr == nil {
			return oxerr.Integrity("node db %s has no header", dir)
		}
		kind := hdr.Get(keyKind)
		if len(kind) != 1 {
			return oxerr.Integrity("node db %s has a malformed kind tag", dir)
		}
		d.kind = kind[0]
		copy(d.parentID[:], hdr.Get(keyParent))
		d.ownData = append([]byte(nil), hdr.Get(keyData)...)
		if raw := hdr.Get(keyNumChildren); len(raw) == 8 {
			d.numChildren = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying database file.
func (d *DB) Close() error { return d.db.Close() }

// Kind returns the node's own kind tag recorded at creation.
func (d *DB) Kind() byte { return d.kind }

// ParentID returns the node's parent hash, or the zero hash for roots.
func (d *DB) ParentID() hasher.Hash { return d.parentID }

// Data returns the node's own serialized record.
func (d *DB) Data() []byte { return d.ownData }

// TotalChildren returns the child count header.
func (d *DB) TotalChildren() uint64 { return d.numChildren }

// WriteChild stores one child record keyed by its hash. Writing an existing
// key overwrites it; by the defensive tie-break rule, the later write wins.
func (d *DB) WriteChild(rec ChildRecord) error {
	return d.WriteChildren([]ChildRecord{rec})
}

// WriteChildren stores a batch of child records in a single transaction and
// bumps the child-count header by the number of newly inserted keys.
func (d *DB) WriteChildren(recs []ChildRecord) error {
	if d.readOnly {
		return oxerr.New(oxerr.CodeInvalidInput, "node db %s opened read-only", d.dir)
	}
	err := d.db.Update(func(tx *bolt.Tx) error {
		children := tx.Bucket(childrenBucket)
		inserted := uint64(0)
		for _, rec := range recs {
			if children.Get(rec.Hash[:]) == nil {
				inserted++
			}
			val := make([]byte, 1+len(rec.Data))
			val[0] = rec.Kind
			copy(val[1:], rec.Data)
			if err := children.Put(rec.Hash[:], val); err != nil {
				return err
			}
		}
		hdr := tx.Bucket(headerBucket)
		var count [8]byte
		binary.BigEndian.PutUint64(count[:], d.numChildren+inserted)
		if err := hdr.Put(keyNumChildren, count[:]); err != nil {
			return err
		}
		d.numChildren += inserted
		return nil
	})
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "writing children of node in %s", d.dir)
	}
	return nil
}

// GetChild fetches one child record by hash.
func (d *DB) GetChild(hash hasher.Hash) (ChildRecord, error) {
	var rec ChildRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(childrenBucket).Get(hash[:])
		if val == nil {
			return oxerr.NotFound("no child %s in node db %s", hash, d.dir)
		}
		if len(val) < 1 {
			return oxerr.Integrity("empty child record for %s in %s", hash, d.dir)
		}
		rec = ChildRecord{Hash: hash, Kind: val[0], Data: append([]byte(nil), val[1:]...)}
		return nil
	})
	return rec, err
}

// IterateChildren calls fn for every child record, in key order. Returning a
// non-nil error from fn stops the iteration and surfaces the error.
func (d *DB) IterateChildren(fn func(ChildRecord) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(childrenBucket).ForEach(func(k, v []byte) error {
			if len(k) != 16 || len(v) < 1 {
				return oxerr.Integrity("malformed child entry in %s", d.dir)
			}
			var h hasher.Hash
			copy(h[:], k)
			return fn(ChildRecord{Hash: h, Kind: v[0], Data: append([]byte(nil), v[1:]...)})
		})
	})
}

// Children materializes all child records.
func (d *DB) Children() ([]ChildRecord, error) {
	recs := make([]ChildRecord, 0, d.numChildren)
	err := d.IterateChildren(func(rec ChildRecord) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}
