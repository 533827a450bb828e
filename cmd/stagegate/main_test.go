package main

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/stagegate/pkg/config"
	"github.com/zen-systems/stagegate/pkg/dataset"
	"github.com/zen-systems/stagegate/pkg/engine"
)

func quietLogger(t *testing.T) {
	t.Helper()
	prev := logger
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	t.Cleanup(func() { logger = prev })
}

func TestNewEngineClosesDumpOnError(t *testing.T) {
	quietLogger(t)

	var opened *dataset.Writer
	prev := openDump
	openDump = func(dir string, buffer int, l *slog.Logger) (*dataset.Writer, error) {
		w, err := dataset.Open(dir, buffer, l)
		opened = w
		return w, err
	}
	t.Cleanup(func() { openDump = prev })

	dir := t.TempDir()
	dump := config.DumpConfig{Enabled: true, Dir: dir, Buffer: 4}

	// A missing stage table makes engine construction fail after the dump
	// has been opened.
	e, err := newEngine(engine.DefaultConfig(), nil, nil, dump)
	require.Error(t, err)
	assert.Nil(t, e)
	require.NotNil(t, opened)

	assert.False(t, opened.Submit(dataset.Record{IRName: "f"}), "writer should be closed")
	assert.Equal(t, int64(1), opened.Dropped())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestNewEngineWithoutDump(t *testing.T) {
	quietLogger(t)

	called := false
	prev := openDump
	openDump = func(dir string, buffer int, l *slog.Logger) (*dataset.Writer, error) {
		called = true
		return dataset.Open(dir, buffer, l)
	}
	t.Cleanup(func() { openDump = prev })

	_, err := newEngine(engine.DefaultConfig(), nil, nil, config.DumpConfig{})
	require.Error(t, err)
	assert.False(t, called)
}
