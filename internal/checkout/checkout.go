// Package checkout materializes a commit's tree in the working directory:
// it removes files absent from the target tree, restores missing or
// out-of-date files from the version store, and preserves recorded mtimes.
package checkout

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oxen-ai/oxen-go/internal/chunker"
	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/progress"
	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/transfer"
	"github.com/oxen-ai/oxen-go/internal/tree"
)

// restoreWorkers bounds concurrent file restores.
const restoreWorkers = 8

// Result counts what a checkout did to the working tree.
type Result struct {
	Restored int
	Modified int
	Removed  int
}

// Run checks out the target commit. Blobs the local version store is missing
// are pulled from the default remote first, so checking out a commit whose
// tree was mirrored without its content still completes. When fromCommit is
// non-zero, files present in the from-tree but absent from the target tree
// are unlinked first, and subtrees whose hashes match between the two trees
// are skipped without walking their children. Checking out the commit
// already checked out is a no-op.
func Run(ctx context.Context, r *repo.Repository, target, fromCommit hasher.Hash) (*Result, error) {
	result := &Result{}
	if target == fromCommit {
		return result, nil
	}

	targetTree, err := r.TreeAt(target)
	if err != nil {
		return nil, err
	}

	var fromTree *tree.Tree
	if !fromCommit.IsZero() {
		fromTree, err = r.TreeAt(fromCommit)
		if err != nil {
			return nil, err
		}
	}

	tracker := progress.NewTracker()
	spinner := progress.NewSpinner("Checking out " + target.Short()).WithTracker(tracker)
	spinner.Start()
	defer spinner.Stop()

	if err := ensureFetched(ctx, r, target, targetTree, tracker); err != nil {
		return nil, err
	}

	if fromTree != nil {
		if err := removeStale(r, fromTree, targetTree, result); err != nil {
			return nil, err
		}
	}
	if err := restoreTree(ctx, r, targetTree, fromTree, tracker, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ensureFetched makes the target commit's blobs locally readable before any
// file is restored, pulling from the default remote when the version store
// is missing some. Chunk-backed files reconstruct from the shard store and
// need no whole-file blob.
func ensureFetched(ctx context.Context, r *repo.Repository, target hasher.Hash, targetTree *tree.Tree, tracker *progress.Tracker) error {
	files, err := targetTree.ListFiles()
	if err != nil {
		return err
	}
	complete := true
	for _, f := range files {
		if len(f.File.ChunkHashes) > 0 || r.VersionStore().Exists(f.File.Hash) {
			continue
		}
		complete = false
		break
	}
	if complete {
		return nil
	}

	rawURL, err := r.RemoteURL(repo.DefaultRemoteName)
	if err != nil {
		return oxerr.NotFound("commit %s has unfetched blobs and no %q remote to pull them from",
			target.Short(), repo.DefaultRemoteName)
	}
	base, ns, name, err := transfer.ParseRemoteURL(rawURL)
	if err != nil {
		return err
	}
	client := transfer.NewClient(base, ns, name)
	if token := os.Getenv("OXEN_AUTH_TOKEN"); token != "" {
		client = client.WithToken(token)
	}

	pull, err := transfer.Pull(ctx, client, r, target, tracker)
	if err != nil {
		return err
	}
	if len(pull.Failed) > 0 {
		return oxerr.New(oxerr.CodeNetwork, "%d blob(s) failed to fetch for checkout of %s",
			len(pull.Failed), target.Short())
	}
	return nil
}

// removeStale unlinks every file that exists in the from-tree but not in
// the target tree, pruning directories that become empty.
func removeStale(r *repo.Repository, fromTree, targetTree *tree.Tree, result *Result) error {
	files, err := fromTree.ListFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		node, err := targetTree.GetByPath(f.Path)
		if err != nil {
			return err
		}
		if node != nil {
			continue
		}
		absPath, err := r.WorkingPath(f.Path)
		if err != nil {
			return err
		}
		if err := os.Remove(absPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return oxerr.Wrap(oxerr.CodeIO, err, "removing %s", f.Path)
		}
		result.Removed++
		pruneEmptyDirs(r.Path(), filepath.Dir(absPath))
	}
	return nil
}

// pruneEmptyDirs removes now-empty directories up to (but excluding) the
// repository root.
func pruneEmptyDirs(root, dir string) {
	for dir != root {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// restoreTree walks the target tree and restores files, skipping any
// subtree whose directory hash equals the from-tree's.
func restoreTree(ctx context.Context, r *repo.Repository, targetTree, fromTree *tree.Tree, tracker *progress.Tracker, result *Result) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(restoreWorkers)

	var restored, modified atomic.Int64
	err := walkRestore(ctx, r, targetTree, fromTree, targetTree.RootDir(), "", group, tracker, &restored, &modified)
	if err != nil {
		group.Wait() //nolint:errcheck // first error already captured
		return err
	}
	if err := group.Wait(); err != nil {
		return err
	}
	result.Restored = int(restored.Load())
	result.Modified = int(modified.Load())
	return nil
}

func walkRestore(ctx context.Context, r *repo.Repository, targetTree, fromTree *tree.Tree, dir *tree.Node, dirPath string, group *errgroup.Group, tracker *progress.Tracker, restored, modified *atomic.Int64) error {
	// Equal-subtree short circuit: the from-tree already produced this
	// exact directory, so nothing below it needs a look.
	if fromTree != nil {
		fromNode, err := fromTree.GetByPath(dirPath)
		if err != nil {
			return err
		}
		if fromNode != nil && fromNode.Type == tree.NodeDir && fromNode.Hash == dir.Hash {
			return nil
		}
	}

	entries, err := targetTree.FilesAndFolders(dirPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return oxerr.Wrap(oxerr.CodeCancelled, err, "checkout")
		}
		switch e.Type {
		case tree.NodeDir:
			childPath := tree.ChildPath(dirPath, e.Name())
			absDir, err := r.WorkingPath(childPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(absDir, 0o755); err != nil {
				return oxerr.Wrap(oxerr.CodeIO, err, "creating %s", childPath)
			}
			if err := walkRestore(ctx, r, targetTree, fromTree, e, childPath, group, tracker, restored, modified); err != nil {
				return err
			}
		case tree.NodeFile:
			rec, err := e.File()
			if err != nil {
				return err
			}
			childPath := tree.ChildPath(dirPath, rec.Name)
			group.Go(func() error {
				return restoreFile(r, childPath, rec, tracker, restored, modified)
			})
		}
	}
	return nil
}

// restoreFile copies a file's blob to the working path when the working
// copy is missing or hashes differently, then stamps the recorded mtime.
// A hash match leaves the file untouched.
func restoreFile(r *repo.Repository, relPath string, rec *tree.FileRecord, tracker *progress.Tracker, restored, modified *atomic.Int64) error {
	absPath, err := r.WorkingPath(relPath)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(absPath); statErr == nil {
		onDisk, _, err := hasher.HashFile(absPath)
		if err != nil {
			return err
		}
		if onDisk == rec.Hash {
			return nil
		}
		if err := copyBlobToWorking(r, rec, absPath); err != nil {
			return err
		}
		modified.Add(1)
	} else {
		if err := copyBlobToWorking(r, rec, absPath); err != nil {
			return err
		}
		restored.Add(1)
	}

	mtime := time.Unix(rec.LastModifiedSeconds, rec.LastModifiedNanos)
	if err := os.Chtimes(absPath, mtime, mtime); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "setting mtime on %s", relPath)
	}
	tracker.AddFiles(1)
	tracker.AddBytes(int64(rec.NumBytes))
	return nil
}

// copyBlobToWorking streams a blob (or its chunk list) onto the working
// path. A blob missing after a completed pull is an integrity failure, not
// a NotFound.
func copyBlobToWorking(r *repo.Repository, rec *tree.FileRecord, absPath string) error {
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating parent of %s", absPath)
	}

	out, err := os.Create(absPath)
	if err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "creating %s", absPath)
	}
	defer out.Close()

	blob, err := r.VersionStore().Open(rec.Hash)
	if err == nil {
		defer blob.Close()
		if _, err := io.Copy(out, blob); err != nil {
			return oxerr.Wrap(oxerr.CodeIO, err, "writing %s", absPath)
		}
		return nil
	}
	if !oxerr.IsCode(err, oxerr.CodeNotFound) {
		return err
	}

	// Chunked files can be reconstructed from the shard store.
	if len(rec.ChunkHashes) > 0 {
		manager, merr := chunker.NewShardManager(r.ShardsDir(), r.ChunkIndexPath())
		if merr != nil {
			return merr
		}
		defer manager.Close()
		return chunker.Restore(manager, rec.ChunkHashes, out)
	}

	return oxerr.Integrity("blob %s for %s missing from the version store", rec.Hash, rec.Name)
}
