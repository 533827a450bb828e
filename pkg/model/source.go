package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/zen-systems/stagegate/pkg/archive"
)

// ErrNotFound is returned by a Source that has no model for a key.
var ErrNotFound = errors.New("model not found")

// Key identifies a model. Stage models set Stage; checkpoint models set
// Checkpoint and Family.
type Key struct {
	Stage      string
	Checkpoint int
	Family     string
}

// StageKey is the key of a single-stage model.
func StageKey(stage string) Key {
	return Key{Stage: stage}
}

// CheckpointKey is the key of a batch model for a checkpoint position.
func CheckpointKey(index int, family string) Key {
	return Key{Checkpoint: index, Family: family}
}

// String is the slash-separated key, also used as the archive key.
func (k Key) String() string {
	if k.Stage != "" {
		return "stages/" + k.Stage
	}
	return "checkpoints/" + k.Family + "/" + strconv.Itoa(k.Checkpoint)
}

// Path is the key's file path relative to a model directory.
func (k Key) Path() string {
	return filepath.FromSlash(k.String() + ".yaml")
}

// Source loads models on demand.
type Source interface {
	Load(ctx context.Context, key Key) (Model, error)
}

// StaticSource serves in-memory models.
type StaticSource struct {
	mu     sync.RWMutex
	models map[Key]Model
}

// NewStaticSource returns an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{models: make(map[Key]Model)}
}

// Add registers m under key.
func (s *StaticSource) Add(key Key, m Model) *StaticSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[key] = m
	return s
}

func (s *StaticSource) Load(_ context.Context, key Key) (Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// DirSource reads model files from Dir, consulting Archive first when set.
//
// Layout: <dir>/stages/<stage>.yaml and <dir>/checkpoints/<family>/<index>.yaml.
type DirSource struct {
	Dir     string
	Archive *archive.Store
}

func (s *DirSource) Load(ctx context.Context, key Key) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.Archive != nil {
		data, _, err := s.Archive.Get(key.String())
		switch {
		case err == nil:
			m, _, err := Parse(data)
			if err != nil {
				return nil, fmt.Errorf("archived model %s: %w", key, err)
			}
			return m, nil
		case !errors.Is(err, archive.ErrNotFound):
			return nil, err
		}
	}

	if s.Dir == "" {
		return nil, ErrNotFound
	}
	m, err := LoadFile(filepath.Join(s.Dir, key.Path()))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return m, err
}
