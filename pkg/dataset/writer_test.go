package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterAppendsRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 16, nil)
	require.NoError(t, err)

	base := filepath.Base(w.Path())
	assert.True(t, strings.HasPrefix(base, fmt.Sprintf("pass_data_%d_", os.Getpid())), base)
	assert.True(t, strings.HasSuffix(base, ".jsonl"), base)

	for i := 0; i < 3; i++ {
		ok := w.Submit(Record{
			IRName:   "m::f",
			Input:    Input{Feature: map[string]int64{"BasicBlockCount": int64(i)}, Pass: "GVN", Position: i},
			Modified: i%2 == 0,
		})
		require.True(t, ok)
	}
	require.NoError(t, w.Close())
	assert.Equal(t, int64(3), w.Written())

	f, err := os.Open(w.Path())
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "m::f", lines[0]["IR_name"])
	assert.Equal(t, true, lines[0]["modified"])
	input := lines[1]["input"].(map[string]any)
	assert.Equal(t, "GVN", input["pass"])

	info, err := os.Stat(w.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSubmitAfterCloseDrops(t *testing.T) {
	w, err := Open(t.TempDir(), 1, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.False(t, w.Submit(Record{IRName: "late"}))
	assert.Equal(t, int64(1), w.Dropped())
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open("", 1, nil)
	assert.Error(t, err)
}
