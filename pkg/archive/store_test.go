package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStorePutGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	data := []byte("name: GVN\n")
	ref, err := store.Put("stages/GVN", data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	sum := sha256.Sum256(data)
	if ref.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected hash %s", ref.SHA256)
	}
	if _, err := os.Stat(filepath.Join(store.BasePath, "objects", ref.SHA256[:2], ref.SHA256)); err != nil {
		t.Fatalf("expected sharded object: %v", err)
	}

	got, gotRef, err := store.Get("stages/GVN")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(data) || gotRef.SHA256 != ref.SHA256 {
		t.Fatalf("round trip mismatch: %q %s", got, gotRef.SHA256)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, _, err := store.Get("stages/LICM"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreDetectsCorruption(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ref, err := store.Put("checkpoints/O3/6", []byte("original"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	path := filepath.Join(store.BasePath, "objects", ref.SHA256[:2], ref.SHA256)
	if err := os.WriteFile(path, []byte("tampered"), 0600); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, _, err := store.Get("checkpoints/O3/6"); err == nil {
		t.Fatalf("expected corruption error")
	}
}

func TestStoreListAndRepoint(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, key := range []string{"stages/SROA", "stages/GVN"} {
		if _, err := store.Put(key, []byte(key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if _, err := store.Put("stages/GVN", []byte("v2")); err != nil {
		t.Fatalf("repoint: %v", err)
	}

	refs, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(refs) != 2 || refs[0].Key != "stages/GVN" || refs[1].Key != "stages/SROA" {
		t.Fatalf("unexpected refs: %+v", refs)
	}
	got, _, err := store.Get("stages/GVN")
	if err != nil || string(got) != "v2" {
		t.Fatalf("expected repointed object, got %q %v", got, err)
	}
}

func TestStoreRejectsBadKeys(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, key := range []string{"", "  ", "../escape"} {
		if _, err := store.Put(key, []byte("x")); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}
