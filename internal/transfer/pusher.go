package transfer

import (
	"context"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/oxen-ai/oxen-go/internal/chunker"
	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/progress"
	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/tree"
)

// smallBatchBytes bounds how many blob bytes one multipart upload carries.
const smallBatchBytes = 4 * 1024 * 1024

// PushResult summarizes a push.
type PushResult struct {
	Commits     int
	FilesPushed int
	BytesPushed int64
	NodesPushed int
	Failed      []FailedFile
}

// Push uploads everything the remote's branch is missing: the commits from
// the remote tip to the local tip, their changed Merkle nodes, and their
// changed blobs — small files as gzip multipart batches, large files as
// parallel chunked uploads. Only after every blob and node is confirmed
// stored does the remote's branch ref advance.
func Push(ctx context.Context, c *Client, r *repo.Repository, branch string, tracker *progress.Tracker) (*PushResult, error) {
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	result := &PushResult{}

	localHead, err := r.Refs().Get(branch)
	if err != nil {
		return nil, err
	}

	remoteHead := hasher.Zero
	err = withRetry(ctx, func(ctx context.Context) error {
		h, err := c.GetBranch(ctx, branch)
		if err != nil {
			if oxerr.IsCode(err, oxerr.CodeNotFound) {
				return nil // unborn remote branch
			}
			return err
		}
		remoteHead = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	if remoteHead == localHead {
		return result, nil
	}

	toPush, err := r.CommitsBetween(remoteHead, localHead)
	if err != nil {
		return nil, err
	}
	// CommitsBetween is newest-first; the remote wants parents before
	// children.
	sort.Slice(toPush, func(i, j int) bool {
		return toPush[i].Commit.Timestamp < toPush[j].Commit.Timestamp
	})
	result.Commits = len(toPush)

	changed, err := collectChangedFiles(r, toPush)
	if err != nil {
		return nil, err
	}

	var small, large []tree.FileEntry
	for _, f := range changed {
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
		result.FilesPushed++
		result.BytesPushed += int64(f.File.NumBytes)
		mu.Unlock()
		tracker.AddFiles(1)
		tracker.AddBytes(int64(f.File.NumBytes))
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return pushSmall(gctx, c, r, small, ok, fail) })
	group.Go(func() error { return pushLarge(gctx, c, r, large, ok, fail) })
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if len(result.Failed) > 0 {
		// The branch must not advance past unpushed content.
		sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Path < result.Failed[j].Path })
		return result, nil
	}

	nodesPushed, err := pushNodes(ctx, c, r, toPush)
	if err != nil {
		return nil, err
	}
	result.NodesPushed = nodesPushed

	if err := withRetry(ctx, func(ctx context.Context) error {
		return c.SetBranch(ctx, branch, localHead)
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// collectChangedFiles diffs each commit against its first parent and
// returns the union of added and modified files, deduplicated by blob hash.
func collectChangedFiles(r *repo.Repository, commits []repo.LogEntry) ([]tree.FileEntry, error) {
	seen := make(map[hasher.Hash]bool)
	var out []tree.FileEntry

	for _, entry := range commits {
		commitTree, err := r.TreeAt(entry.ID)
		if err != nil {
			return nil, err
		}
		var parentTree *tree.Tree
		if len(entry.Commit.ParentIDs) > 0 {
			parentTree, err = r.TreeAt(entry.Commit.ParentIDs[0])
			if err != nil {
				return nil, err
			}
		}

		diff, err := tree.Diff(parentTree, commitTree)
		if err != nil {
			return nil, err
		}
		for _, d := range diff {
			if d.Status == tree.DiffRemoved || d.New == nil {
				continue
			}
			if seen[d.New.Hash] {
				continue
			}
			seen[d.New.Hash] = true
			out = append(out, tree.FileEntry{Path: d.Path, File: d.New})
		}
	}
	return out, nil
}

// pushSmall gzip-compresses small files into multipart batches. Files the
// server rejects go into a retry set and re-upload individually; what still
// fails after that is reported.
func pushSmall(ctx context.Context, c *Client, r *repo.Repository, entries []tree.FileEntry, ok func(tree.FileEntry), fail func(tree.FileEntry, error)) error {
	if len(entries) == 0 {
		return nil
	}

	var batches [][]tree.FileEntry
	var batch []tree.FileEntry
	var batchBytes uint64
	for _, e := range entries {
		if len(batch) > 0 && (batchBytes+e.File.NumBytes > smallBatchBytes || len(batch) >= maxFiles) {
			batches = append(batches, batch)
			batch, batchBytes = nil, 0
		}
		batch = append(batch, e)
		batchBytes += e.File.NumBytes
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}

	pool, gctx := errgroup.WithContext(ctx)
	pool.SetLimit(min(maxFiles, len(batches)))
	gate := newRetryGate()

	for _, batch := range batches {
		pool.Go(func() error {
			byHash := make(map[hasher.Hash]tree.FileEntry, len(batch))
			blobs := make(map[hasher.Hash][]byte, len(batch))
			for _, e := range batch {
				data, err := r.VersionStore().Get(e.File.Hash)
				if err != nil {
					fail(e, err)
					continue
				}
				byHash[e.File.Hash] = e
				blobs[e.File.Hash] = data
			}
			if len(blobs) == 0 {
				return nil
			}

			resp, err := uploadBatchWithRetry(gctx, c, gate, blobs)
			if err != nil {
				if oxerr.IsCode(err, oxerr.CodeCancelled) {
					return err
				}
				for _, e := range byHash {
					fail(e, err)
				}
				return nil
			}

			rejected := make(map[hasher.Hash]string)
			for _, ef := range resp.ErrFiles {
				if h, err := hasher.Parse(ef.Hash); err == nil {
					rejected[h] = ef.Error
				}
			}
			for h, e := range byHash {
				if reason, bad := rejected[h]; bad {
					// One more individual attempt before giving up.
					single := map[hasher.Hash][]byte{h: blobs[h]}
					if resp2, err2 := uploadBatchWithRetry(gctx, c, gate, single); err2 == nil && len(resp2.ErrFiles) == 0 {
						ok(e)
						continue
					}
					fail(e, oxerr.New(oxerr.CodeNetwork, "server rejected %s: %s", h.Short(), reason))
					continue
				}
				ok(e)
			}
			return nil
		})
	}
	return pool.Wait()
}

func uploadBatchWithRetry(ctx context.Context, c *Client, gate *retryGate, blobs map[hasher.Hash][]byte) (*BatchUploadResponse, error) {
	var resp *BatchUploadResponse
	attempt := 0
	err := withRetry(ctx, func(ctx context.Context) error {
		attempt++
		if attempt == 2 {
			// First failure: this operation now occupies a retry slot; new
			// operations pause once the gate saturates.
			if err := gate.enter(ctx); err != nil {
				return err
			}
			defer gate.leave()
		}
		var err error
		resp, err = c.UploadBatch(ctx, blobs)
		return err
	})
	return resp, err
}

// pushLarge uploads each large file as numbered chunks in parallel,
// retrying per chunk, then finalizes with a complete-upload call.
func pushLarge(ctx context.Context, c *Client, r *repo.Repository, entries []tree.FileEntry, ok func(tree.FileEntry), fail func(tree.FileEntry, error)) error {
	if len(entries) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(maxFiles)
	pool, gctx := errgroup.WithContext(ctx)

	for _, entry := range entries {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		pool.Go(func() error {
			defer sem.Release(1)
			if err := pushOneLarge(gctx, c, r, entry); err != nil {
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

func pushOneLarge(ctx context.Context, c *Client, r *repo.Repository, entry tree.FileEntry) error {
	// Already stored remotely (e.g. a previous interrupted push).
	if _, err := c.HasVersion(ctx, entry.File.Hash); err == nil {
		return nil
	}

	chunks, err := loadUploadChunks(r, entry)
	if err != nil {
		return err
	}

	pool, cctx := errgroup.WithContext(ctx)
	pool.SetLimit(min(maxFiles, len(chunks)))
	results := make([]string, len(chunks))
	for _, ch := range chunks {
		pool.Go(func() error {
			err := withRetry(cctx, func(ctx context.Context) error {
				return c.UploadChunk(ctx, entry.File.Hash, ch.index, ch.data)
			})
			if err != nil {
				return err
			}
			results[ch.index] = "ok"
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return err
	}

	return withRetry(ctx, func(ctx context.Context) error {
		return c.CompleteUpload(ctx, entry.File.Hash, CompleteUploadRequest{
			Files: []CompletedFile{{
				Hash:          entry.File.Hash.String(),
				FileName:      entry.Path,
				UploadResults: results,
			}},
		})
	})
}

// uploadChunk is one numbered window of a large blob upload.
type uploadChunk struct {
	index int
	data  []byte
}

// loadUploadChunks windows a large file for chunked upload: from its
// whole-file blob when the version store holds one, otherwise from the shard
// store via the file's recorded chunk list (the recorded chunks are the same
// fixed-size windows the upload protocol uses).
func loadUploadChunks(r *repo.Repository, entry tree.FileEntry) ([]uploadChunk, error) {
	blob, err := r.VersionStore().Open(entry.File.Hash)
	if err != nil {
		if oxerr.IsCode(err, oxerr.CodeNotFound) && len(entry.File.ChunkHashes) > 0 {
			return loadShardChunks(r, entry.File.ChunkHashes)
		}
		return nil, err
	}
	defer blob.Close()

	var chunks []uploadChunk
	buf := make([]byte, smallFileThreshold)
	for index := 0; ; index++ {
		n, err := io.ReadFull(blob, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			chunks = append(chunks, uploadChunk{index: index, data: data})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, oxerr.Wrap(oxerr.CodeIO, err, "reading blob %s", entry.File.Hash.Short())
		}
	}
	return chunks, nil
}

func loadShardChunks(r *repo.Repository, hashes []hasher.Hash) ([]uploadChunk, error) {
	manager, err := chunker.NewShardManager(r.ShardsDir(), r.ChunkIndexPath())
	if err != nil {
		return nil, err
	}
	defer manager.Close()

	chunks := make([]uploadChunk, 0, len(hashes))
	for i, h := range hashes {
		data, err := manager.ReadChunk(h)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, uploadChunk{index: i, data: data})
	}
	return chunks, nil
}

// pushNodes uploads every Merkle node the pushed commits introduce: the
// commit nodes, the directory nodes whose hashes changed against the
// parent commit, those directories' vnodes, and any file nodes carrying
// schema children.
func pushNodes(ctx context.Context, c *Client, r *repo.Repository, commits []repo.LogEntry) (int, error) {
	pushed := 0
	uploaded := make(map[hasher.Hash]bool)

	upload := func(nodeHash hasher.Hash) error {
		if uploaded[nodeHash] {
			return nil
		}
		uploaded[nodeHash] = true

		if has, err := c.HasNode(ctx, nodeHash); err == nil && has {
			return nil
		}
		bundle, err := ReadNodeBundle(r, nodeHash)
		if err != nil {
			return err
		}
		if err := withRetry(ctx, func(ctx context.Context) error {
			return c.PutNode(ctx, bundle)
		}); err != nil {
			return err
		}
		pushed++
		return nil
	}

	for _, entry := range commits {
		changedDirs, err := changedDirHashes(r, entry)
		if err != nil {
			return pushed, err
		}
		for _, dirHash := range changedDirs {
			if err := upload(dirHash); err != nil {
				return pushed, err
			}
			dirNode, err := r.NodeStore().ReadNode(dirHash)
			if err != nil {
				return pushed, err
			}
			for _, vnode := range dirNode.Children {
				if vnode.Type != tree.NodeVNode {
					continue
				}
				if err := upload(vnode.Hash); err != nil {
					return pushed, err
				}
				// File nodes with schema children carry their own dbs.
				vn, err := r.NodeStore().ReadNode(vnode.Hash)
				if err != nil {
					return pushed, err
				}
				for _, child := range vn.Children {
					if child.Type == tree.NodeFile && r.NodeStore().HasNode(child.Hash) {
						if err := upload(child.Hash); err != nil {
							return pushed, err
						}
					}
				}
			}
		}
		if err := upload(entry.ID); err != nil {
			return pushed, err
		}
	}
	return pushed, nil
}

// changedDirHashes compares a commit's dir-hash index against its parent's
// and returns the hashes of directories that are new or changed. An equal
// subtree never shows up, so it is skipped wholesale.
func changedDirHashes(r *repo.Repository, entry repo.LogEntry) ([]hasher.Hash, error) {
	current, err := r.ReadDirHashes(entry.ID)
	if err != nil {
		if !oxerr.IsCode(err, oxerr.CodeNotFound) {
			return nil, err
		}
		current = nil
	}
	if current == nil {
		// No index: fall back to every dir in the tree.
		t, err := r.TreeAt(entry.ID)
		if err != nil {
			return nil, err
		}
		if err := t.LoadRecursive(); err != nil {
			return nil, err
		}
		current = map[string]hasher.Hash{"": t.RootDir().Hash}
		paths, err := t.ListDirPaths()
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			node, err := t.GetByPath(p)
			if err != nil {
				return nil, err
			}
			if node != nil {
				current[p] = node.Hash
			}
		}
	}

	parent := make(map[string]hasher.Hash)
	if len(entry.Commit.ParentIDs) > 0 {
		if ph, err := r.ReadDirHashes(entry.Commit.ParentIDs[0]); err == nil {
			parent = ph
		}
	}

	var changed []hasher.Hash
	for p, h := range current {
		if parent[p] != h {
			changed = append(changed, h)
		}
	}
	return changed, nil
}
