package transfer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/merkledb"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/progress"
	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/tree"
)

// smallFileThreshold splits the fetch set: files at or below it download in
// batched groups, larger files download as parallel ranged chunks.
const smallFileThreshold = 16 * 1024

// smallGroupTarget caps how many batched groups the small set splits into.
const smallGroupTarget = 64

// FailedFile reports one file the pull could not fetch after retries.
type FailedFile struct {
	Hash hasher.Hash
	Path string
	Err  error
}

// PullResult summarizes a pull.
type PullResult struct {
	FilesFetched int
	BytesFetched int64
	NodesFetched int
	Failed       []FailedFile
}

// Pull makes the target commit fully readable locally: it mirrors the
// commit's Merkle nodes, computes the set of blobs missing from the local
// version store, and downloads exactly those, small files in batched groups
// and large files as parallel ranged chunks.
//
// Pull is idempotent: blobs already present are never re-downloaded, so an
// interrupted pull resumes where it stopped. Per-file failures are
// collected and reported; successfully fetched files stay stored.
func Pull(ctx context.Context, c *Client, r *repo.Repository, commitID hasher.Hash, tracker *progress.Tracker) (*PullResult, error) {
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	result := &PullResult{}

	if err := pullNodes(ctx, c, r, commitID, result); err != nil {
		return nil, err
	}

	t, err := r.TreeAt(commitID)
	if err != nil {
		return nil, err
	}
	files, err := t.ListFiles()
	if err != nil {
		return nil, err
	}

	// Only blobs the local store is missing get fetched; that check is
	// what makes a second pull download zero bytes.
	missing := make([]tree.FileEntry, 0)
	seen := make(map[hasher.Hash]bool)
	for _, f := range files {
		if seen[f.File.Hash] || r.VersionStore().Exists(f.File.Hash) {
			continue
		}
		seen[f.File.Hash] = true
		missing = append(missing, f)
	}
	if len(missing) == 0 {
		return result, nil
	}

	var small, large []tree.FileEntry
	for _, f := range missing {
		if f.File.NumBytes <= smallFileThreshold {
			small = append(small, f)
		} else {
			large = append(large, f)
		}
	}

	var mu sync.Mutex
	fail := func(f tree.FileEntry, err error) {
		mu.Lock()
		result.Failed = append(result.Failed, FailedFile{Hash: f.File.Hash, Path: f.Path, Err: err})
		mu.Unlock()
	}
	ok := func(f tree.FileEntry) {
		mu.Lock()
		result.FilesFetched++
		result.BytesFetched += int64(f.File.NumBytes)
		mu.Unlock()
		tracker.AddFiles(1)
		tracker.AddBytes(int64(f.File.NumBytes))
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return pullSmall(gctx, c, r, small, ok, fail) })
	group.Go(func() error { return pullLarge(gctx, c, r, large, ok, fail) })
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Path < result.Failed[j].Path })
	return result, nil
}

// pullNodes mirrors the commit's node databases, descending only into
// nodes the local store does not already hold.
func pullNodes(ctx context.Context, c *Client, r *repo.Repository, nodeHash hasher.Hash, result *PullResult) error {
	if r.NodeStore().HasNode(nodeHash) {
		return nil
	}

	var bundle *NodeBundle
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		bundle, err = c.GetNode(ctx, nodeHash)
		return err
	})
	if err != nil {
		return err
	}

	if err := WriteNodeBundle(r, bundle); err != nil {
		return err
	}
	result.NodesFetched++

	// Commit history stays walkable after a pull: ancestor commit nodes
	// (and through them, their trees) mirror along with the target.
	if tree.NodeType(bundle.Kind) == tree.NodeCommit {
		commitNode := &tree.Node{Hash: bundle.Hash, Type: tree.NodeCommit, Data: bundle.Data}
		rec, err := commitNode.Commit()
		if err != nil {
			return err
		}
		for _, parent := range rec.ParentIDs {
			if err := pullNodes(ctx, c, r, parent, result); err != nil {
				return err
			}
		}
	}

	for _, child := range bundle.Children {
		node := &tree.Node{Hash: child.Hash, Type: tree.NodeType(child.Kind), Data: child.Data}
		switch node.Type {
		case tree.NodeVNode, tree.NodeCommit:
			if err := pullNodes(ctx, c, r, child.Hash, result); err != nil {
				return err
			}
		case tree.NodeDir:
			// Dir entries are keyed by name hash; the node database lives
			// under the directory's aggregate hash.
			rec, err := node.Dir()
			if err != nil {
				return err
			}
			if err := pullNodes(ctx, c, r, rec.Hash, result); err != nil {
				return err
			}
		case tree.NodeFile:
			// Only tabular files carry their own node database (the schema
			// child).
			rec, err := node.File()
			if err != nil {
				return err
			}
			if rec.Metadata != nil && rec.Metadata.Tabular != nil {
				if err := pullNodes(ctx, c, r, rec.CombinedHash, result); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// WriteNodeBundle materializes a wire bundle as a local node database.
func WriteNodeBundle(r *repo.Repository, bundle *NodeBundle) error {
	dir := r.NodeStore().NodeDir(bundle.Hash)
	if merkledb.Exists(dir) {
		return nil
	}
	db, err := merkledb.Create(dir, bundle.Kind, bundle.ParentID, bundle.Data)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(bundle.Children) > 0 {
		recs := make([]merkledb.ChildRecord, 0, len(bundle.Children))
		for _, child := range bundle.Children {
			recs = append(recs, merkledb.ChildRecord{Hash: child.Hash, Kind: child.Kind, Data: child.Data})
		}
		if err := db.WriteChildren(recs); err != nil {
			return err
		}
	}
	return nil
}

// ReadNodeBundle loads a local node database into wire form.
func ReadNodeBundle(r *repo.Repository, nodeHash hasher.Hash) (*NodeBundle, error) {
	db, err := merkledb.OpenReadOnly(r.NodeStore().NodeDir(nodeHash))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	children, err := db.Children()
	if err != nil {
		return nil, err
	}
	bundle := &NodeBundle{
		Hash:     nodeHash,
		Kind:     db.Kind(),
		ParentID: db.ParentID(),
		Data:     db.Data(),
	}
	for _, rec := range children {
		bundle.Children = append(bundle.Children, NodeChild{Hash: rec.Hash, Kind: rec.Kind, Data: rec.Data})
	}
	return bundle, nil
}

// pullSmall groups the small set by total byte count into at most
// smallGroupTarget batches and downloads each batch in one request through
// a worker pool. A failed batch retries whole; after exhaustion every file
// in it is reported failed.
func pullSmall(ctx context.Context, c *Client, r *repo.Repository, entries []tree.FileEntry, ok func(tree.FileEntry), fail func(tree.FileEntry, error)) error {
	if len(entries) == 0 {
		return nil
	}

	var totalSize uint64
	for _, e := range entries {
		totalSize += e.File.NumBytes
	}
	numGroups := int(totalSize/smallFileThreshold) + 1
	if numGroups > smallGroupTarget {
		numGroups = smallGroupTarget
	}
	groupSize := (len(entries) + numGroups - 1) / numGroups

	var groups [][]tree.FileEntry
	for start := 0; start < len(entries); start += groupSize {
		end := start + groupSize
		if end > len(entries) {
			end = len(entries)
		}
		groups = append(groups, entries[start:end])
	}

	workers := min(runtime.GOMAXPROCS(0), len(groups))
	pool, gctx := errgroup.WithContext(ctx)
	pool.SetLimit(workers)

	for _, group := range groups {
		pool.Go(func() error {
			byHash := make(map[hasher.Hash]tree.FileEntry, len(group))
			hashes := make([]hasher.Hash, 0, len(group))
			for _, e := range group {
				byHash[e.File.Hash] = e
				hashes = append(hashes, e.File.Hash)
			}

			err := withRetry(gctx, func(ctx context.Context) error {
				return c.DownloadBatch(ctx, hashes, func(h hasher.Hash, data []byte) error {
					entry, known := byHash[h]
					if !known {
						return oxerr.Integrity("batch response contains unrequested blob %s", h)
					}
					if err := r.VersionStore().Put(h, data); err != nil {
						return err
					}
					ok(entry)
					delete(byHash, h)
					return nil
				})
			})
			if err != nil {
				if oxerr.IsCode(err, oxerr.CodeCancelled) {
					return err
				}
				for _, e := range byHash {
					fail(e, err)
				}
			}
			return nil
		})
	}
	return pool.Wait()
}

// pullLarge downloads each large file as parallel ranged chunks into a
// temp file, then moves it into the version store. Chunk failures retry
// individually.
func pullLarge(ctx context.Context, c *Client, r *repo.Repository, entries []tree.FileEntry, ok func(tree.FileEntry), fail func(tree.FileEntry, error)) error {
	if len(entries) == 0 {
		return nil
	}

	workers := min(runtime.GOMAXPROCS(0), len(entries))
	pool, gctx := errgroup.WithContext(ctx)
	pool.SetLimit(workers)

	for _, entry := range entries {
		pool.Go(func() error {
			if err := pullOneLarge(gctx, c, r, entry); err != nil {
				if oxerr.IsCode(err, oxerr.CodeCancelled) {
					return err
				}
				fail(entry, err)
				return nil
			}
			ok(entry)
			return nil
		})
	}
	return pool.Wait()
}

func pullOneLarge(ctx context.Context, c *Client, r *repo.Repository, entry tree.FileEntry) error {
	size := int64(entry.File.NumBytes)

	tmpDir := filepath.Join(r.OxenDir(), "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating tmp dir")
	}
	tmp, err := os.CreateTemp(tmpDir, "pull-*")
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating pull temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Truncate(size); err != nil {
		tmp.Close()
		return oxerr.Wrap(oxerr.CodeIO, err, "sizing pull temp file")
	}

	numChunks := int((size + smallFileThreshold - 1) / smallFileThreshold)
	chunkPool, cctx := errgroup.WithContext(ctx)
	chunkPool.SetLimit(min(runtime.GOMAXPROCS(0), numChunks))

	var mu sync.Mutex
	for i := 0; i < numChunks; i++ {
		offset := int64(i) * smallFileThreshold
		length := min(int64(smallFileThreshold), size-offset)
		chunkPool.Go(func() error {
			var data []byte
			err := withRetry(cctx, func(ctx context.Context) error {
				var err error
				data, err = c.GetVersionRange(ctx, entry.File.Hash, offset, length)
				return err
			})
			if err != nil {
				return err
			}
			if int64(len(data)) != length {
				return oxerr.Integrity("short range read for %s: got %d of %d bytes", entry.File.Hash.Short(), len(data), length)
			}
			mu.Lock()
			_, werr := tmp.WriteAt(data, offset)
			mu.Unlock()
			if werr != nil {
				return oxerr.Wrap(oxerr.CodeIO, werr, "writing pull temp file")
			}
			return nil
		})
	}
	if err := chunkPool.Wait(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "closing pull temp file")
	}

	// The store is content-addressed: verify before publishing.
	got, _, err := hasher.HashFile(tmpName)
	if err != nil {
		return err
	}
	if got != entry.File.Hash {
		return oxerr.Integrity("downloaded %s hashes to %s, expected %s", entry.Path, got, entry.File.Hash)
	}
	return r.VersionStore().PutFromPath(entry.File.Hash, tmpName)
}
