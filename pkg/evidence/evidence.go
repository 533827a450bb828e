package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunRecord captures run-level metadata.
type RunRecord struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	PipelineFile   string            `json:"pipeline_file,omitempty"`
	Pipeline       string            `json:"pipeline"`
	PipelineBlob   string            `json:"pipeline_blob,omitempty"`
	PipelineSHA256 string            `json:"pipeline_sha256,omitempty"`
	Family         string            `json:"family,omitempty"`
	Strategy       string            `json:"strategy,omitempty"`
	Length         int               `json:"length"`
	Units          int               `json:"units"`
	Workers        int               `json:"workers"`
	Cost           CostReport        `json:"cost"`
	DurationMillis int64             `json:"duration_ms"`
	ToolVersions   map[string]string `json:"tool_versions,omitempty"`
}

// UnitRecord captures what happened to one unit across the pipeline.
type UnitRecord struct {
	Unit           string       `json:"unit"`
	Size           int          `json:"size"`
	Batch          bool         `json:"batch"`
	Steps          []StepRecord `json:"steps"`
	Cost           CostReport   `json:"cost"`
	DurationMillis int64        `json:"duration_ms"`
}

// StepRecord is one stage position for one unit.
type StepRecord struct {
	Position int    `json:"position"`
	Stage    string `json:"stage"`
	Ran      bool   `json:"ran"`
	Changed  bool   `json:"changed"`
	// Missed is set when a skipped stage would have changed the unit.
	Missed bool `json:"missed,omitempty"`
}

// CostReport totals the work done and avoided.
type CostReport struct {
	Stages       int     `json:"stages"`
	Executed     int     `json:"executed"`
	Skipped      int     `json:"skipped"`
	ExecutedCost float64 `json:"executed_cost"`
	SavedCost    float64 `json:"saved_cost"`
	Missed       int     `json:"missed"`
	Wasted       int     `json:"wasted"`
}

// Add accumulates other into r.
func (r *CostReport) Add(other CostReport) {
	r.Stages += other.Stages
	r.Executed += other.Executed
	r.Skipped += other.Skipped
	r.ExecutedCost += other.ExecutedCost
	r.SavedCost += other.SavedCost
	r.Missed += other.Missed
	r.Wasted += other.Wasted
}

// SkipRate is the fraction of stage positions that were skipped.
func (r CostReport) SkipRate() float64 {
	if r.Stages == 0 {
		return 0
	}
	return float64(r.Skipped) / float64(r.Stages)
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "units"), filepath.Join(runDir, "blobs")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		// MkdirAll is subject to umask.
		if err := os.Chmod(dir, 0700); err != nil {
			return nil, err
		}
	}

	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteUnit writes a unit record to units/<unit>.json and returns the path
// relative to the run directory. Safe for concurrent use with distinct units.
func (w *Writer) WriteUnit(record UnitRecord) (string, error) {
	if record.Unit == "" {
		return "", fmt.Errorf("unit name is required")
	}
	rel := filepath.Join("units", UnitFileName(record.Unit))
	return rel, writeJSON(filepath.Join(w.runDir, rel), record)
}

// WriteBlob stores content under blobs/ keyed by its hash and returns the
// relative reference and the hex sha256. Writing the same content twice
// yields the same reference.
func (w *Writer) WriteBlob(kind string, content []byte) (string, string, error) {
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])
	ref := "blobs/" + sanitizeKind(kind) + "-" + sha[:16] + ".blob"
	path := filepath.Join(w.runDir, filepath.FromSlash(ref))
	if _, err := os.Stat(path); err == nil {
		return ref, sha, nil
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

// UnitFileName maps a unit key to a file name. Keys such as "mod::fn" are
// flattened and suffixed with a short hash so distinct keys never collide.
func UnitFileName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), ".")
	if len(name) > 64 {
		name = name[:64]
	}
	sum := sha256.Sum256([]byte(key))
	return name + "-" + hex.EncodeToString(sum[:4]) + ".json"
}

func sanitizeKind(kind string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(kind) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "blob"
	}
	return b.String()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
