package ralph

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/martiangreed/marathon/internal/domain"
)

func TestAppendIterationRecord(t *testing.T) {
	dir := t.TempDir()
	rec := domain.IterationRecord{Index: 1, ExitCode: 0, OutputSummary: "hello world"}
	if err := AppendIterationRecord(dir, rec); err != nil {
		t.Fatalf("AppendIterationRecord: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, dotDir, iterationsFile))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "iteration=1") || !strings.Contains(string(data), "hello world") {
		t.Fatalf("unexpected log content: %q", data)
	}
}

func TestAppendIterationRecord_TruncatesLongSummary(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("y", outputSummaryCap+500)
	rec := domain.IterationRecord{Index: 2, ExitCode: 1, OutputSummary: long}
	if err := AppendIterationRecord(dir, rec); err != nil {
		t.Fatalf("AppendIterationRecord: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, dotDir, iterationsFile))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(data) > outputSummaryCap+100 {
		t.Fatalf("expected truncated output, got %d bytes", len(data))
	}
}
