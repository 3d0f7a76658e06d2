// Package commits implements the commit writer: it seals a set of staged
// changes over a parent commit into a new immutable commit, building the
// parent-propagated Merkle tree and its per-node databases.
//
// Only directories on the path from the root to a changed file are rebuilt;
// every unchanged subtree is reused by reference, so a one-file change in a
// million-file repository writes O(depth × log N) new nodes.
package commits

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/merkledb"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
	"github.com/oxen-ai/oxen-go/internal/repo"
	"github.com/oxen-ai/oxen-go/internal/tree"
)

// Status classifies a staged change.
type Status int

const (
	// StatusAdded means the path was not present in the parent commit.
	StatusAdded Status = iota
	// StatusModified means the path replaces an existing file.
	StatusModified
	// StatusRemoved means the path is deleted by this commit.
	StatusRemoved
)

// Change is one staged path feeding the writer. File is nil for removes.
type Change struct {
	Path   string
	Status Status
	File   *tree.FileRecord
}

// ExportHook runs before tree building for files that carry a tabular
// data-frame staged through the indexed query layer; it re-exports the frame
// into a versioned blob and returns the refreshed record. A nil hook leaves
// records untouched.
type ExportHook func(path string, file *tree.FileRecord) (*tree.FileRecord, error)

// Options carries commit metadata.
type Options struct {
	Author    string
	Email     string
	Message   string
	Timestamp time.Time
	// ExportTabular is the workspace query layer's export hook.
	ExportTabular ExportHook
}

// ComputeCommitID derives a commit's hash from its parentage, its metadata,
// and the root hash of its tree. Folding the root hash in keeps the id a
// pure function of the commit's content: two commits sealing different trees
// can never share an id, even with identical metadata in the same second.
// Last-commit-id stamping on file and dir records happens after derivation;
// that field is not part of any hash, so stamping cannot perturb the tree.
func ComputeCommitID(parents []hasher.Hash, rootHash hasher.Hash, opts Options) (hasher.Hash, error) {
	type commitIdentity struct {
		Parents   []hasher.Hash `cbor:"parents"`
		RootHash  hasher.Hash   `cbor:"root_hash"`
		Author    string        `cbor:"author"`
		Email     string        `cbor:"email"`
		Message   string        `cbor:"message"`
		Timestamp int64         `cbor:"timestamp"`
	}
	return hasher.HashMetadata(commitIdentity{
		Parents:   parents,
		RootHash:  rootHash,
		Author:    opts.Author,
		Email:     opts.Email,
		Message:   opts.Message,
		Timestamp: opts.Timestamp.Unix(),
	})
}

// Write seals changes over parent into a new commit and returns its id. The
// branch ref is NOT advanced here; callers advance it only after Write
// returns, so any failure leaves at most orphan node databases behind and
// the commit is never visible.
func Write(r *repo.Repository, parent hasher.Hash, changes []Change, opts Options) (hasher.Hash, error) {
	if opts.Timestamp.IsZero() {
		opts.Timestamp = time.Now()
	}

	var parents []hasher.Hash
	var parentTree *tree.Tree
	if !parent.IsZero() {
		var err error
		parentTree, err = r.TreeAt(parent)
		if err != nil {
			return hasher.Zero, err
		}
		parents = []hasher.Hash{parent}
	}

	b := &builder{
		repo:       r,
		parentTree: parentTree,
		timestamp:  opts.Timestamp,
		adds:       make(map[string]map[string]*tree.FileRecord),
		removes:    make(map[string]map[string]bool),
		changedDir: make(map[string]bool),
		dirHashes:  make(map[string]hasher.Hash),
	}

	if err := b.snapshotChanges(changes, opts.ExportTabular); err != nil {
		return hasher.Zero, err
	}

	rootEntry, _, err := b.buildDir("", "")
	if err != nil {
		return hasher.Zero, err
	}

	// The id folds the root hash, so it only exists once the tree is built;
	// the placeholder last-commit ids are stamped now, before anything is
	// persisted.
	commitID, err := ComputeCommitID(parents, rootEntry.Hash, opts)
	if err != nil {
		return hasher.Zero, err
	}
	if err := b.stampLastCommitID(commitID); err != nil {
		return hasher.Zero, err
	}

	if err := b.flush(); err != nil {
		return hasher.Zero, err
	}

	commitRec := tree.CommitRecord{
		ParentIDs: parents,
		RootHash:  rootEntry.Hash,
		Author:    opts.Author,
		Email:     opts.Email,
		Message:   opts.Message,
		Timestamp: opts.Timestamp.Unix(),
	}
	if err := writeCommitNode(r, commitID, commitRec); err != nil {
		return hasher.Zero, err
	}

	if err := r.WriteDirHashes(commitID, b.dirHashes); err != nil {
		return hasher.Zero, err
	}
	return commitID, nil
}

// builder accumulates the new tree's pending node databases.
type builder struct {
	repo       *repo.Repository
	parentTree *tree.Tree
	timestamp  time.Time

	// adds maps dir path → entry name → staged record (adds and modifies).
	adds map[string]map[string]*tree.FileRecord
	// removes maps dir path → entry name → true.
	removes map[string]map[string]bool
	// changedDir marks every directory whose child list changes.
	changedDir map[string]bool
	// dirHashes collects dir path → dir hash for the commit's index.
	dirHashes map[string]hasher.Hash

	pending []pendingNode
}

// pendingNode is one node database to create.
type pendingNode struct {
	hash     hasher.Hash
	kind     tree.NodeType
	parentID hasher.Hash
	data     []byte
	children []merkledb.ChildRecord
}

// snapshotChanges groups the staged changes by parent directory and marks
// every ancestor directory changed.
func (b *builder) snapshotChanges(changes []Change, export ExportHook) error {
	for _, change := range changes {
		p := hasher.CanonicalPath(change.Path)
		if p == "" {
			return oxerr.InvalidInput("cannot stage the repository root")
		}
		dir, name := splitPath(p)

		switch change.Status {
		case StatusAdded, StatusModified:
			rec := change.File
			if rec == nil {
				return oxerr.InvalidInput("staged %s has no file record", p)
			}
			if export != nil && rec.DataType == tree.DataTabular {
				refreshed, err := export(p, rec)
				if err != nil {
					return err
				}
				rec = refreshed
			}
			if len(rec.ChunkHashes) == 0 && !b.repo.VersionStore().Exists(rec.Hash) {
				return oxerr.Integrity("staged file %s references missing blob %s", p, rec.Hash)
			}
			// The zero last-commit id is a placeholder; the real id is
			// stamped once the root hash exists (the id folds it in).
			clone := *rec
			clone.LastCommitID = hasher.Zero
			if b.adds[dir] == nil {
				b.adds[dir] = make(map[string]*tree.FileRecord)
			}
			b.adds[dir][name] = &clone

			// A tabular file's schema becomes a tree-visible child of its
			// file node, so schema changes are first-class in diffs.
			if clone.Metadata != nil && clone.Metadata.Tabular != nil {
				if err := b.stageSchemaNode(name, &clone); err != nil {
					return err
				}
			}
		case StatusRemoved:
			if b.removes[dir] == nil {
				b.removes[dir] = make(map[string]bool)
			}
			b.removes[dir][name] = true
		}

		b.markChanged(dir)
	}
	return nil
}

// stageSchemaNode creates the file's own node database holding its schema
// as a child node.
func (b *builder) stageSchemaNode(name string, rec *tree.FileRecord) error {
	fields := rec.Metadata.Tabular.Fields
	schemaHash, err := hasher.HashMetadata(fields)
	if err != nil {
		return err
	}
	schemaData, err := tree.Marshal(tree.SchemaRecord{Name: name, Fields: fields})
	if err != nil {
		return err
	}
	fileData, err := tree.Marshal(rec)
	if err != nil {
		return err
	}
	b.pending = append(b.pending, pendingNode{
		hash: rec.CombinedHash,
		kind: tree.NodeFile,
		data: fileData,
		children: []merkledb.ChildRecord{
			{Hash: schemaHash, Kind: byte(tree.NodeSchema), Data: schemaData},
		},
	})
	return nil
}

// markChanged marks a directory and all of its ancestors as changed.
func (b *builder) markChanged(dir string) {
	for {
		b.changedDir[dir] = true
		if dir == "" {
			return
		}
		dir, _ = splitPath(dir)
	}
}

func splitPath(p string) (dir, name string) {
	dir = path.Dir(p)
	if dir == "." {
		dir = ""
	}
	return dir, path.Base(p)
}

// childInfo is one resolved entry of a directory being rebuilt.
type childInfo struct {
	name     string
	identity hasher.Hash // combined hash for files, dir hash for dirs
	kind     tree.NodeType
	data     []byte
	numBytes uint64
	mtimeSec int64
}

// buildDir rebuilds (or reuses) the directory at dirPath and returns its
// child entry and record. name is the entry name within its parent.
func (b *builder) buildDir(dirPath, name string) (tree.ChildEntry, *tree.DirRecord, error) {
	var parentDirNode *tree.Node
	if b.parentTree != nil {
		n, err := b.parentTree.GetByPath(dirPath)
		if err != nil {
			return tree.ChildEntry{}, nil, err
		}
		if n != nil && n.Type == tree.NodeDir {
			parentDirNode = n
		}
	}

	// An unchanged existing directory is reused by reference: its node
	// databases stay untouched and its dir-hash index entries are copied.
	if parentDirNode != nil && !b.changedDir[dirPath] {
		rec, err := parentDirNode.Dir()
		if err != nil {
			return tree.ChildEntry{}, nil, err
		}
		if err := b.reuseSubtreeDirHashes(dirPath, parentDirNode.Hash); err != nil {
			return tree.ChildEntry{}, nil, err
		}
		return tree.ChildEntry{Name: name, Hash: parentDirNode.Hash}, rec, nil
	}

	children, err := b.resolveChildren(dirPath, parentDirNode)
	if err != nil {
		return tree.ChildEntry{}, nil, err
	}

	// Bucket children into vnodes by full-path hash.
	numBuckets := tree.NumVNodeBuckets(uint64(len(children)))
	buckets := make(map[uint64][]childInfo, numBuckets)
	for _, c := range children {
		bucket := tree.BucketFor(tree.ChildPath(dirPath, c.name), numBuckets)
		buckets[bucket] = append(buckets[bucket], c)
	}

	bucketIDs := make([]uint64, 0, len(buckets))
	for id := range buckets {
		bucketIDs = append(bucketIDs, id)
	}
	sort.Slice(bucketIDs, func(i, j int) bool { return bucketIDs[i] < bucketIDs[j] })

	var totalBytes uint64
	var mtimeSec int64
	vnodeRefs := make([]tree.VNodeRef, 0, len(bucketIDs))
	vnodePending := make([]pendingNode, 0, len(bucketIDs))
	for _, id := range bucketIDs {
		entries := buckets[id]
		sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

		hashEntries := make([]tree.ChildEntry, 0, len(entries))
		childRecs := make([]merkledb.ChildRecord, 0, len(entries))
		for _, c := range entries {
			hashEntries = append(hashEntries, tree.ChildEntry{Name: c.name, Hash: c.identity})
			// Entries are keyed by name hash: names are unique within a
			// directory, identical content across siblings is not.
			childRecs = append(childRecs, merkledb.ChildRecord{Hash: tree.NameKey(c.name), Kind: byte(c.kind), Data: c.data})
			totalBytes += c.numBytes
			if c.mtimeSec > mtimeSec {
				mtimeSec = c.mtimeSec
			}
		}

		vnodeHash := tree.ComputeVNodeHash(hashEntries)
		vnodeData, err := tree.Marshal(tree.VNodeRecord{ID: id, NumEntries: uint64(len(entries))})
		if err != nil {
			return tree.ChildEntry{}, nil, err
		}
		vnodeRefs = append(vnodeRefs, tree.VNodeRef{ID: id, Hash: vnodeHash})
		vnodePending = append(vnodePending, pendingNode{
			hash:     vnodeHash,
			kind:     tree.NodeVNode,
			data:     vnodeData,
			children: childRecs,
		})
	}

	dirHash := tree.ComputeDirHash(vnodeRefs)
	if mtimeSec == 0 {
		mtimeSec = b.timestamp.Unix()
	}
	// LastCommitID stays zero here and is stamped after id derivation.
	rec := &tree.DirRecord{
		Name:                name,
		Hash:                dirHash,
		NumEntries:          uint64(len(children)),
		NumBytes:            totalBytes,
		NumVNodes:           numBuckets,
		LastModifiedSeconds: mtimeSec,
	}
	dirData, err := tree.Marshal(rec)
	if err != nil {
		return tree.ChildEntry{}, nil, err
	}

	dirChildren := make([]merkledb.ChildRecord, 0, len(vnodePending))
	for i := range vnodePending {
		vnodePending[i].parentID = dirHash
		dirChildren = append(dirChildren, merkledb.ChildRecord{
			Hash: vnodePending[i].hash,
			Kind: byte(tree.NodeVNode),
			Data: vnodePending[i].data,
		})
	}
	b.pending = append(b.pending, vnodePending...)
	b.pending = append(b.pending, pendingNode{
		hash:     dirHash,
		kind:     tree.NodeDir,
		data:     dirData,
		children: dirChildren,
	})

	b.dirHashes[dirPath] = dirHash
	return tree.ChildEntry{Name: name, Hash: dirHash}, rec, nil
}

// resolveChildren merges a directory's surviving parent-commit entries with
// its staged adds and implicit new subdirectories.
func (b *builder) resolveChildren(dirPath string, parentDirNode *tree.Node) ([]childInfo, error) {
	adds := b.adds[dirPath]
	removes := b.removes[dirPath]

	children := make([]childInfo, 0, len(adds))
	seenDirs := make(map[string]bool)

	if parentDirNode != nil {
		entries, err := b.parentTree.FilesAndFolders(dirPath)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			switch e.Type {
			case tree.NodeFile:
				rec, err := e.File()
				if err != nil {
					return nil, err
				}
				if removes[rec.Name] || adds[rec.Name] != nil {
					continue // removed, or replaced by the staged version
				}
				data, err := tree.Marshal(rec)
				if err != nil {
					return nil, err
				}
				children = append(children, childInfo{
					name:     rec.Name,
					identity: rec.CombinedHash,
					kind:     tree.NodeFile,
					data:     data,
					numBytes: rec.NumBytes,
					mtimeSec: rec.LastModifiedSeconds,
				})
			case tree.NodeDir:
				childPath := tree.ChildPath(dirPath, e.Name())
				seenDirs[e.Name()] = true
				entry, rec, err := b.buildDir(childPath, e.Name())
				if err != nil {
					return nil, err
				}
				if rec.NumEntries == 0 && b.changedDir[childPath] && b.dirRemovedEntirely(childPath) {
					// Every file under it was removed; drop the dir.
					delete(b.dirHashes, childPath)
					continue
				}
				data, err := tree.Marshal(rec)
				if err != nil {
					return nil, err
				}
				children = append(children, childInfo{
					name:     entry.Name,
					identity: entry.Hash,
					kind:     tree.NodeDir,
					data:     data,
					numBytes: rec.NumBytes,
					mtimeSec: rec.LastModifiedSeconds,
				})
			}
		}
	}

	// Staged adds and modifications in this directory.
	addNames := make([]string, 0, len(adds))
	for n := range adds {
		addNames = append(addNames, n)
	}
	sort.Strings(addNames)
	for _, n := range addNames {
		rec := adds[n]
		data, err := tree.Marshal(rec)
		if err != nil {
			return nil, err
		}
		children = append(children, childInfo{
			name:     n,
			identity: rec.CombinedHash,
			kind:     tree.NodeFile,
			data:     data,
			numBytes: rec.NumBytes,
			mtimeSec: rec.LastModifiedSeconds,
		})
	}

	// Implicit new subdirectories: changed dirs directly under dirPath that
	// the parent commit does not know.
	newSubdirs := make([]string, 0)
	for changed := range b.changedDir {
		if changed == "" {
			continue
		}
		parent, base := splitPath(changed)
		if parent == dirPath && !seenDirs[base] {
			newSubdirs = append(newSubdirs, base)
		}
	}
	sort.Strings(newSubdirs)
	for _, base := range newSubdirs {
		childPath := tree.ChildPath(dirPath, base)
		entry, rec, err := b.buildDir(childPath, base)
		if err != nil {
			return nil, err
		}
		if rec.NumEntries == 0 {
			// A remove-only path under a directory that never existed.
			delete(b.dirHashes, childPath)
			continue
		}
		data, err := tree.Marshal(rec)
		if err != nil {
			return nil, err
		}
		children = append(children, childInfo{
			name:     base,
			identity: entry.Hash,
			kind:     tree.NodeDir,
			data:     data,
			numBytes: rec.NumBytes,
			mtimeSec: rec.LastModifiedSeconds,
		})
	}

	return children, nil
}

// dirRemovedEntirely reports whether every staged change under dirPath is a
// removal, i.e. nothing new keeps the directory alive.
func (b *builder) dirRemovedEntirely(dirPath string) bool {
	prefix := dirPath + "/"
	for dir := range b.adds {
		if dir == dirPath || strings.HasPrefix(dir, prefix) {
			return false
		}
	}
	return true
}

// reuseSubtreeDirHashes copies the parent commit's dir-hash entries for an
// unchanged subtree into the new commit's index.
func (b *builder) reuseSubtreeDirHashes(dirPath string, dirHash hasher.Hash) error {
	b.dirHashes[dirPath] = dirHash
	parentCommit := b.parentTree.Root().Hash
	parentIndex, err := b.repo.ReadDirHashes(parentCommit)
	if err != nil {
		if oxerr.IsCode(err, oxerr.CodeNotFound) {
			// No index for the parent (e.g. a shallow pull); fall back to
			// walking the subtree.
			return b.walkSubtreeDirHashes(dirPath)
		}
		return err
	}
	prefix := dirPath + "/"
	for p, h := range parentIndex {
		if strings.HasPrefix(p, prefix) {
			b.dirHashes[p] = h
		}
	}
	return nil
}

func (b *builder) walkSubtreeDirHashes(dirPath string) error {
	entries, err := b.parentTree.FilesAndFolders(dirPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type != tree.NodeDir {
			continue
		}
		childPath := tree.ChildPath(dirPath, e.Name())
		b.dirHashes[childPath] = e.Hash
		if err := b.walkSubtreeDirHashes(childPath); err != nil {
			return err
		}
	}
	return nil
}

// stampLastCommitID patches the pending records whose last-commit id is
// still the zero placeholder with the freshly derived id. Records inherited
// unchanged from the parent commit keep their original id (it is never
// zero for a committed record). The field is not part of any hash, so
// stamping leaves every node and vnode hash intact.
func (b *builder) stampLastCommitID(commitID hasher.Hash) error {
	for i := range b.pending {
		p := &b.pending[i]
		stamped, err := stampRecord(p.kind, p.data, commitID)
		if err != nil {
			return err
		}
		p.data = stamped
		for j := range p.children {
			c := &p.children[j]
			stamped, err := stampRecord(tree.NodeType(c.Kind), c.Data, commitID)
			if err != nil {
				return err
			}
			c.Data = stamped
		}
	}
	return nil
}

// stampRecord rewrites a file or dir record carrying the zero placeholder;
// every other record passes through untouched.
func stampRecord(kind tree.NodeType, data []byte, commitID hasher.Hash) ([]byte, error) {
	switch kind {
	case tree.NodeFile:
		rec, err := (&tree.Node{Type: tree.NodeFile, Data: data}).File()
		if err != nil {
			return nil, err
		}
		if !rec.LastCommitID.IsZero() {
			return data, nil
		}
		rec.LastCommitID = commitID
		return tree.Marshal(rec)
	case tree.NodeDir:
		rec, err := (&tree.Node{Type: tree.NodeDir, Data: data}).Dir()
		if err != nil {
			return nil, err
		}
		if !rec.LastCommitID.IsZero() {
			return data, nil
		}
		rec.LastCommitID = commitID
		return tree.Marshal(rec)
	}
	return data, nil
}

// flush persists every pending node database, skipping ones that already
// exist: equal content produces equal hashes, so an existing database is
// byte-equivalent and reused.
func (b *builder) flush() error {
	nodes := b.repo.NodeStore()
	for _, p := range b.pending {
		dir := nodes.NodeDir(p.hash)
		if merkledb.Exists(dir) {
			continue
		}
		db, err := merkledb.Create(dir, byte(p.kind), p.parentID, p.data)
		if err != nil {
			return err
		}
		if len(p.children) > 0 {
			if err := db.WriteChildren(p.children); err != nil {
				db.Close()
				return err
			}
		}
		if err := db.Close(); err != nil {
			return oxerr.Wrap(oxerr.CodeIO, err, "closing node db %s", p.hash.Short())
		}
	}
	return nil
}

// writeCommitNode persists the commit's own node database with the root
// directory as its single child.
func writeCommitNode(r *repo.Repository, commitID hasher.Hash, rec tree.CommitRecord) error {
	data, err := tree.Marshal(rec)
	if err != nil {
		return err
	}
	dir := r.NodeStore().NodeDir(commitID)
	if merkledb.Exists(dir) {
		return nil
	}
	db, err := merkledb.Create(dir, byte(tree.NodeCommit), hasher.Zero, data)
	if err != nil {
		return err
	}
	defer db.Close()

	rootNode, err := r.NodeStore().ReadNode(rec.RootHash)
	if err != nil {
		return err
	}
	return db.WriteChild(merkledb.ChildRecord{
		Hash: rec.RootHash,
		Kind: byte(tree.NodeDir),
		Data: rootNode.Data,
	})
}

// CommitToBranch advances a branch to a freshly written commit. This is the
// durability barrier: everything the commit references must already be on
// disk when this runs.
func CommitToBranch(r *repo.Repository, branch string, commitID hasher.Hash) error {
	return r.Refs().SetBranchCommit(branch, commitID)
}
