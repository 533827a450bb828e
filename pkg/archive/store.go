// Package archive is a content-addressed store for model files. Objects are
// named by their SHA256 and sharded by the first two hex characters; a key
// index maps model keys (e.g. "stages/GVN") to object hashes.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a key has no indexed object.
var ErrNotFound = errors.New("archive: not found")

// Ref points at a stored object.
type Ref struct {
	Key      string    `json:"key"`
	SHA256   string    `json:"sha256"`
	Size     int       `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// Store manages the content-addressed archive.
type Store struct {
	BasePath string

	mu sync.Mutex
}

// NewStore creates a new archive store.
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Join(home, ".stagegate", "archive")
	}

	dirs := []string{
		filepath.Join(basePath, "objects"),
		filepath.Join(basePath, "indexes"),
	}

	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, err
		}
	}

	return &Store{BasePath: basePath}, nil
}

// Put stores data by content hash and points key at it.
func (s *Store) Put(key string, data []byte) (Ref, error) {
	if err := validKey(key); err != nil {
		return Ref{}, err
	}

	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])

	// Shard by first 2 chars
	dir := filepath.Join(s.BasePath, "objects", hash[:2])
	if err := os.MkdirAll(dir, 0700); err != nil {
		return Ref{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, hash), data, 0600); err != nil {
		return Ref{}, err
	}

	ref := Ref{Key: key, SHA256: hash, Size: len(data), StoredAt: time.Now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.readIndex()
	if err != nil {
		return Ref{}, err
	}
	index[key] = ref
	if err := s.writeIndex(index); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Get returns the object indexed under key, verifying its hash.
func (s *Store) Get(key string) ([]byte, Ref, error) {
	s.mu.Lock()
	index, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, Ref{}, err
	}

	ref, ok := index[key]
	if !ok {
		return nil, Ref{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	data, err := os.ReadFile(s.objectPath(ref.SHA256))
	if err != nil {
		return nil, Ref{}, fmt.Errorf("read object %s: %w", ref.SHA256, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != ref.SHA256 {
		return nil, Ref{}, fmt.Errorf("object %s for %s is corrupt", ref.SHA256, key)
	}
	return data, ref, nil
}

// List returns all indexed refs sorted by key.
func (s *Store) List() ([]Ref, error) {
	s.mu.Lock()
	index, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	refs := make([]Ref, 0, len(index))
	for _, ref := range index {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}

func (s *Store) objectPath(hash string) string {
	return filepath.Join(s.BasePath, "objects", hash[:2], hash)
}

func (s *Store) indexPath() string {
	return filepath.Join(s.BasePath, "indexes", "keys.json")
}

func (s *Store) readIndex() (map[string]Ref, error) {
	index := make(map[string]Ref)
	data, err := os.ReadFile(s.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return index, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return index, nil
}

func (s *Store) writeIndex(index map[string]Ref) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath())
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("archive key is required")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("archive key %q must not contain '..'", key)
	}
	return nil
}
