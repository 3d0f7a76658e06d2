package versions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

// stores returns both implementations so every contract test runs against
// the filesystem and the in-memory store.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs := NewFilesystemStore(filepath.Join(t.TempDir(), "versions"))
	if err := fs.Init(); err != nil {
		t.Fatalf("init filesystem store: %v", err)
	}
	return map[string]Store{
		"filesystem": fs,
		"memory":     NewMemoryStore(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := []byte("Hello")
			h := hasher.HashBytes(content)

			if err := s.Put(h, content); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err := s.Get(h)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("Get: got %q, want %q", got, content)
			}
			if !s.Exists(h) {
				t.Error("Exists should be true after Put")
			}
			size, err := s.Size(h)
			if err != nil || size != int64(len(content)) {
				t.Errorf("Size: got %d, %v", size, err)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			missing := hasher.HashBytes([]byte("never stored"))
			if _, err := s.Get(missing); !oxerr.IsCode(err, oxerr.CodeNotFound) {
				t.Errorf("Get missing: want NotFound, got %v", err)
			}
			if _, err := s.Size(missing); !oxerr.IsCode(err, oxerr.CodeNotFound) {
				t.Errorf("Size missing: want NotFound, got %v", err)
			}
			if s.Exists(missing) {
				t.Error("Exists must be false for a missing blob")
			}
		})
	}
}

func TestPut_Idempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := []byte("same bytes")
			h := hasher.HashBytes(content)
			if err := s.Put(h, content); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(h, content); err != nil {
				t.Fatalf("second Put must succeed: %v", err)
			}
			got, _ := s.Get(h)
			if !bytes.Equal(got, content) {
				t.Error("content changed after idempotent Put")
			}
		})
	}
}

func TestPutFromStream_AndOpen(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := bytes.Repeat([]byte("stream"), 500_000) // ~3 MB, spans copy windows
			h := hasher.HashBytes(content)

			if err := s.PutFromStream(context.Background(), h, bytes.NewReader(content)); err != nil {
				t.Fatalf("PutFromStream: %v", err)
			}

			r, err := s.Open(h)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, content) {
				t.Error("streamed blob corrupted")
			}
		})
	}
}

func TestPutFromStream_Cancelled(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			h := hasher.HashBytes([]byte("x"))
			err := s.PutFromStream(ctx, h, bytes.NewReader([]byte("x")))
			if !oxerr.IsCode(err, oxerr.CodeCancelled) {
				t.Errorf("want Cancelled, got %v", err)
			}
		})
	}
}

func TestGetChunk_RangeReads(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := []byte("0123456789")
			h := hasher.HashBytes(content)
			if err := s.Put(h, content); err != nil {
				t.Fatal(err)
			}

			got, err := s.GetChunk(h, 2, 4)
			if err != nil {
				t.Fatalf("GetChunk: %v", err)
			}
			if string(got) != "2345" {
				t.Errorf("GetChunk(2,4): got %q", got)
			}

			// Read past the end truncates.
			got, err = s.GetChunk(h, 8, 10)
			if err != nil {
				t.Fatalf("GetChunk tail: %v", err)
			}
			if string(got) != "89" {
				t.Errorf("tail read: got %q", got)
			}
		})
	}
}

func TestChunkedUpload_Assemble(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			parts := [][]byte{[]byte("part0-"), []byte("part1-"), []byte("part2")}
			full := bytes.Join(parts, nil)
			h := hasher.HashBytes(full)

			// Out-of-order upload must still assemble in index order.
			for _, idx := range []int{2, 0, 1} {
				if err := s.PutUploadChunk(h, idx, parts[idx]); err != nil {
					t.Fatalf("PutUploadChunk(%d): %v", idx, err)
				}
			}

			indexes, err := s.ListUploadChunks(h)
			if err != nil {
				t.Fatal(err)
			}
			if len(indexes) != 3 || indexes[0] != 0 || indexes[2] != 2 {
				t.Fatalf("ListUploadChunks: got %v", indexes)
			}

			if err := s.AssembleChunks(h); err != nil {
				t.Fatalf("AssembleChunks: %v", err)
			}
			got, err := s.Get(h)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, full) {
				t.Errorf("assembled blob: got %q, want %q", got, full)
			}
			if hasher.HashBytes(got) != h {
				t.Error("assembled content must hash to the promised hash")
			}

			// Parts are cleaned up after assembly.
			indexes, _ = s.ListUploadChunks(h)
			if len(indexes) != 0 {
				t.Errorf("chunks should be removed after assembly, got %v", indexes)
			}
		})
	}
}

func TestAssembleChunks_NoneUploaded(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.AssembleChunks(hasher.HashBytes([]byte("nothing")))
			if !oxerr.IsCode(err, oxerr.CodeNotFound) {
				t.Errorf("want NotFound, got %v", err)
			}
		})
	}
}

func TestDelete_AndList(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			h1 := hasher.HashBytes([]byte("one"))
			h2 := hasher.HashBytes([]byte("two"))
			if err := s.Put(h1, []byte("one")); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(h2, []byte("two")); err != nil {
				t.Fatal(err)
			}

			hashes, err := s.List()
			if err != nil {
				t.Fatal(err)
			}
			if len(hashes) != 2 {
				t.Errorf("List: got %d hashes, want 2", len(hashes))
			}

			if err := s.Delete(h1); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if s.Exists(h1) {
				t.Error("blob still exists after Delete")
			}
			// Deleting an absent blob is not an error.
			if err := s.Delete(h1); err != nil {
				t.Errorf("double Delete: %v", err)
			}
		})
	}
}

func TestConcurrentWriters_Converge(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := bytes.Repeat([]byte("converge"), 10_000)
			h := hasher.HashBytes(content)

			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- s.Put(h, content)
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("concurrent Put: %v", err)
				}
			}

			got, err := s.Get(h)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, content) {
				t.Error("concurrent writers did not converge on identical bytes")
			}
		})
	}
}

func TestPutFromPath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	content := []byte("file on disk")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}
	h := hasher.HashBytes(content)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.PutFromPath(h, src); err != nil {
				t.Fatalf("PutFromPath: %v", err)
			}
			got, err := s.Get(h)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, content) {
				t.Error("PutFromPath round trip failed")
			}
		})
	}
}

func TestVersionRef(t *testing.T) {
	s := NewMemoryStore()
	content := []byte("sized")
	h := hasher.HashBytes(content)
	if err := s.Put(h, content); err != nil {
		t.Fatal(err)
	}

	ref, err := Ref(s, h)
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if ref.Hash != h || ref.Size != int64(len(content)) {
		t.Errorf("Ref: got %+v", ref)
	}

	if _, err := Ref(s, hasher.HashBytes([]byte("missing"))); !oxerr.IsCode(err, oxerr.CodeNotFound) {
		t.Errorf("Ref missing: want NotFound, got %v", err)
	}
}

func TestFilesystemStore_NoPartialReads(t *testing.T) {
	// A reader racing a writer must see either nothing or the whole blob,
	// never a prefix: writes are temp-then-rename.
	fs := NewFilesystemStore(filepath.Join(t.TempDir(), "versions"))
	if err := fs.Init(); err != nil {
		t.Fatal(err)
	}

	content := bytes.Repeat([]byte("atomic"), 200_000)
	h := hasher.HashBytes(content)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			if err := fs.Put(h, content); err != nil {
				t.Errorf("Put: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		got, err := fs.Get(h)
		if err != nil {
			if oxerr.IsCode(err, oxerr.CodeNotFound) {
				continue // not yet published
			}
			t.Fatalf("Get: %v", err)
		}
		if len(got) != len(content) {
			t.Fatalf("partial blob observed: %d of %d bytes", len(got), len(content))
		}
	}
	<-done
}

func TestStorageTypeAndSettings(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			switch s.StorageType() {
			case StorageFilesystem, StorageMemory:
			default:
				t.Errorf("unexpected storage type %q", s.StorageType())
			}
			if s.Settings() == nil {
				t.Error("Settings must not be nil")
			}
		})
	}
}

func BenchmarkPutGet(b *testing.B) {
	s := NewMemoryStore()
	content := bytes.Repeat([]byte("bench"), 1000)
	for i := 0; b.Loop(); i++ {
		data := append(content, fmt.Sprintf("%d", i)...)
		h := hasher.HashBytes(data)
		if err := s.Put(h, data); err != nil {
			b.Fatal(err)
		}
		if _, err := s.Get(h); err != nil {
			b.Fatal(err)
		}
	}
}
