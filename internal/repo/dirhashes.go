package repo

import (
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

var dirHashesBucket = []byte("dir_hashes")

// rootDirKey stores the root directory's entry: its path is "", and bbolt
// rejects empty keys. No canonical directory path equals ".".
const rootDirKey = "."

// WriteDirHashes writes a commit's directory-path → DirNode-hash index.
// The commit writer emits one of these per commit so pushes and later
// commits can find a subtree hash without walking from the root.
func (r *Repository) WriteDirHashes(commitID hasher.Hash, dirHashes map[string]hasher.Hash) error {
	path := r.DirHashesPath(commitID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating history dir")
	}

	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "opening dir_hashes for %s", commitID.Short())
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(dirHashesBucket)
		if err != nil {
			return err
		}
		for dirPath, dirHash := range dirHashes {
			key := dirPath
			if key == "" {
				key = rootDirKey
			}
			if err := bucket.Put([]byte(key), dirHash[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "writing dir_hashes for %s", commitID.Short())
	}
	return nil
}

// ReadDirHashes loads a commit's directory-hash index. NotFound if the
// commit has no index (e.g. it was pulled without history metadata).
func (r *Repository) ReadDirHashes(commitID hasher.Hash) (map[string]hasher.Hash, error) {
	path := r.DirHashesPath(commitID)
	if _, err := os.Stat(path); err != nil {
		return nil, oxerr.NotFound("no dir_hashes index for commit %s", commitID.Short())
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, oxerr.Wrap(oxerr.CodeIO, err, "opening dir_hashes for %s", commitID.Short())
	}
	defer db.Close()

	result := make(map[string]hasher.Hash)
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dirHashesBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			if len(v) != 16 {
				return oxerr.Integrity("malformed dir hash for %q", k)
			}
			var h hasher.Hash
			copy(h[:], v)
			dirPath := string(k)
			if dirPath == rootDirKey {
				dirPath = ""
			}
			result[dirPath] = h
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
