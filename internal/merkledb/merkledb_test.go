package merkledb

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/oxen-ai/oxen-go/internal/hasher"
	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

const (
	kindDir  byte = 2
	kindFile byte = 4
)

func TestCreateOpenHeader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	parent := hasher.HashBytes([]byte("parent"))
	ownData := []byte("serialized dir record")

	db, err := Create(dir, kindDir, parent, ownData)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	ro, err := OpenReadOnly(dir)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer ro.Close()

	if ro.Kind() != kindDir {
		t.Errorf("Kind: got %d, want %d", ro.Kind(), kindDir)
	}
	if ro.ParentID() != parent {
		t.Errorf("ParentID: got %s, want %s", ro.ParentID(), parent)
	}
	if !bytes.Equal(ro.Data(), ownData) {
		t.Errorf("Data: got %q, want %q", ro.Data(), ownData)
	}
	if ro.TotalChildren() != 0 {
		t.Errorf("TotalChildren on fresh db: got %d", ro.TotalChildren())
	}
}

func TestWriteIterateChildren(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	db, err := Create(dir, kindDir, hasher.Zero, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	recs := []ChildRecord{
		{Hash: hasher.HashBytes([]byte("a")), Kind: kindFile, Data: []byte("rec-a")},
		{Hash: hasher.HashBytes([]byte("b")), Kind: kindFile, Data: []byte("rec-b")},
		{Hash: hasher.HashBytes([]byte("c")), Kind: kindDir, Data: []byte("rec-c")},
	}
	if err := db.WriteChildren(recs); err != nil {
		t.Fatalf("WriteChildren: %v", err)
	}
	if db.TotalChildren() != 3 {
		t.Errorf("TotalChildren: got %d, want 3", db.TotalChildren())
	}

	seen := make(map[hasher.Hash][]byte)
	err = db.IterateChildren(func(rec ChildRecord) error {
		seen[rec.Hash] = rec.Data
		return nil
	})
	if err != nil {
		t.Fatalf("IterateChildren: %v", err)
	}
	for _, want := range recs {
		if got, ok := seen[want.Hash]; !ok || !bytes.Equal(got, want.Data) {
			t.Errorf("child %s: got %q, want %q", want.Hash.Short(), got, want.Data)
		}
	}
}

func TestGetChild(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	db, err := Create(dir, kindDir, hasher.Zero, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	h := hasher.HashBytes([]byte("child"))
	if err := db.WriteChild(ChildRecord{Hash: h, Kind: kindFile, Data: []byte("rec")}); err != nil {
		t.Fatal(err)
	}

	rec, err := db.GetChild(h)
	if err != nil {
		t.Fatalf("GetChild: %v", err)
	}
	if rec.Kind != kindFile || !bytes.Equal(rec.Data, []byte("rec")) {
		t.Errorf("GetChild: got kind=%d data=%q", rec.Kind, rec.Data)
	}

	if _, err := db.GetChild(hasher.HashBytes([]byte("missing"))); !oxerr.IsCode(err, oxerr.CodeNotFound) {
		t.Errorf("missing child: want NotFound, got %v", err)
	}
}

func TestOverwrite_LaterWriteWins(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	db, err := Create(dir, kindDir, hasher.Zero, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	h := hasher.HashBytes([]byte("dup"))
	if err := db.WriteChild(ChildRecord{Hash: h, Kind: kindFile, Data: []byte("first")}); err != nil {
		t.Fatal(err)
	}
	if err := db.WriteChild(ChildRecord{Hash: h, Kind: kindFile, Data: []byte("second")}); err != nil {
		t.Fatal(err)
	}

	rec, err := db.GetChild(h)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Data) != "second" {
		t.Errorf("overwrite: got %q, want the later write", rec.Data)
	}
	if db.TotalChildren() != 1 {
		t.Errorf("TotalChildren after overwrite: got %d, want 1", db.TotalChildren())
	}
}

func TestOpenReadOnly_RejectsWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	db, err := Create(dir, kindDir, hasher.Zero, nil)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	ro, err := OpenReadOnly(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()

	err = ro.WriteChild(ChildRecord{Hash: hasher.HashBytes([]byte("x")), Kind: kindFile})
	if !oxerr.IsCode(err, oxerr.CodeInvalidInput) {
		t.Errorf("write on read-only db: want InvalidInput, got %v", err)
	}
}

func TestOpen_Missing(t *testing.T) {
	_, err := OpenReadOnly(filepath.Join(t.TempDir(), "nope"))
	if !oxerr.IsCode(err, oxerr.CodeNotFound) {
		t.Errorf("want NotFound, got %v", err)
	}
}

func TestExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	if Exists(dir) {
		t.Error("Exists must be false before Create")
	}
	db, err := Create(dir, kindDir, hasher.Zero, nil)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	if !Exists(dir) {
		t.Error("Exists must be true after Create")
	}
}

func TestChildCountSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	db, err := Create(dir, kindDir, hasher.Zero, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := byte(0); i < 10; i++ {
		if err := db.WriteChild(ChildRecord{Hash: hasher.HashBytes([]byte{i}), Kind: kindFile}); err != nil {
			t.Fatal(err)
		}
	}
	db.Close()

	ro, err := OpenReadOnly(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()
	if ro.TotalChildren() != 10 {
		t.Errorf("TotalChildren after reopen: got %d, want 10", ro.TotalChildren())
	}
}
