package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestEvidenceWriter(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, "run-123")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	run := RunRecord{
		ID:           "run-123",
		Timestamp:    time.Now().UTC(),
		PipelineFile: "pipeline.yaml",
		Pipeline:     "o3",
		Length:       31,
		Units:        1,
	}
	if err := writer.WriteRun(run); err != nil {
		t.Fatalf("write run: %v", err)
	}

	unit := UnitRecord{
		Unit: "sample::loop",
		Size: 10,
		Steps: []StepRecord{
			{Position: 0, Stage: "SROA", Ran: true, Changed: true},
			{Position: 1, Stage: "GVN", Missed: true},
		},
	}
	rel, err := writer.WriteUnit(unit)
	if err != nil {
		t.Fatalf("write unit: %v", err)
	}

	if _, err := os.Stat(filepath.Join(writer.RunDir(), "run.json")); err != nil {
		t.Fatalf("missing run.json: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(writer.RunDir(), rel))
	if err != nil {
		t.Fatalf("missing unit file: %v", err)
	}
	var back UnitRecord
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("decode unit: %v", err)
	}
	if back.Unit != "sample::loop" || len(back.Steps) != 2 || !back.Steps[1].Missed {
		t.Fatalf("unexpected unit record: %+v", back)
	}

	if runtime.GOOS != "windows" {
		assertPerm(t, writer.RunDir(), 0700)
		assertPerm(t, filepath.Join(writer.RunDir(), "units"), 0700)
		assertPerm(t, filepath.Join(writer.RunDir(), "blobs"), 0700)
		assertPerm(t, filepath.Join(writer.RunDir(), "run.json"), 0600)
		assertPerm(t, filepath.Join(writer.RunDir(), rel), 0600)
	}
}

func TestNewWriterRequiresArguments(t *testing.T) {
	if _, err := NewWriter("", "run"); err == nil {
		t.Fatal("expected error for empty base dir")
	}
	if _, err := NewWriter(t.TempDir(), ""); err == nil {
		t.Fatal("expected error for empty run ID")
	}
}

func TestUnitFileName(t *testing.T) {
	a := UnitFileName("mod::f")
	b := UnitFileName("mod__f")
	if a == b {
		t.Fatalf("distinct keys collided: %s", a)
	}
	if !strings.HasPrefix(a, "mod__f-") || !strings.HasSuffix(a, ".json") {
		t.Fatalf("unexpected name: %s", a)
	}
	if strings.ContainsAny(UnitFileName("../../etc/passwd"), "/\\") {
		t.Fatal("path separators must be removed")
	}
}

func TestWriteBlob(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir, "run1")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	content := []byte("name: o3\n")
	sum := sha256.Sum256(content)
	expectedSha := hex.EncodeToString(sum[:])

	ref, sha, err := writer.WriteBlob("pipeline", content)
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if sha != expectedSha {
		t.Fatalf("sha mismatch: %s", sha)
	}

	blobPath := filepath.Join(writer.RunDir(), ref)
	data, err := os.ReadFile(blobPath)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != string(content) {
		t.Fatalf("content mismatch: %q", string(data))
	}
	if runtime.GOOS != "windows" {
		assertPerm(t, blobPath, 0600)
	}

	ref2, sha2, err := writer.WriteBlob("pipeline", content)
	if err != nil {
		t.Fatalf("write blob again: %v", err)
	}
	if ref2 != ref || sha2 != sha {
		t.Fatalf("expected same ref and sha")
	}
}

func TestWriteBlobKindSanitization(t *testing.T) {
	writer, err := NewWriter(t.TempDir(), "run2")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ref, _, err := writer.WriteBlob("Truth 123/../", []byte("x"))
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if !strings.HasPrefix(ref, "blobs/truth123-") {
		t.Fatalf("unexpected ref: %s", ref)
	}
	if strings.Count(ref, "/") != 1 {
		t.Fatalf("unexpected path separators in ref: %s", ref)
	}

	ref, _, err = writer.WriteBlob("!!!", []byte("y"))
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if !strings.HasPrefix(ref, "blobs/blob-") {
		t.Fatalf("expected blob kind fallback in ref: %s", ref)
	}
}

func TestCostReport(t *testing.T) {
	var total CostReport
	total.Add(CostReport{Stages: 4, Executed: 3, Skipped: 1, ExecutedCost: 3, SavedCost: 1})
	total.Add(CostReport{Stages: 4, Executed: 2, Skipped: 2, Missed: 1, Wasted: 1})
	if total.Stages != 8 || total.Skipped != 3 || total.Missed != 1 || total.Wasted != 1 {
		t.Fatalf("unexpected totals: %+v", total)
	}
	if got := total.SkipRate(); got != 0.375 {
		t.Fatalf("skip rate = %v", got)
	}
	if (CostReport{}).SkipRate() != 0 {
		t.Fatal("empty report should have zero skip rate")
	}
}

func assertPerm(t *testing.T, path string, expected os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Mode().Perm() != expected {
		t.Fatalf("expected %s mode %o, got %o", path, expected, info.Mode().Perm())
	}
}
