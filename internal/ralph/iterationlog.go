package ralph

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/martiangreed/marathon/internal/domain"
)

const (
	dotDir          = ".marathon"
	iterationsFile  = "iterations.log"
	outputSummaryCap = 2 * 1024
)

// AppendIterationRecord writes one line to the per-task dot-directory log
// (spec section 3's "iteration record"), creating the directory on first
// use. The output summary is truncated to 2 KiB before it reaches disk.
func AppendIterationRecord(workDir string, rec domain.IterationRecord) error {
	dir := filepath.Join(workDir, dotDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ralph: create %s: %w", dir, err)
	}

	summary := rec.OutputSummary
	if len(summary) > outputSummaryCap {
		summary = summary[:outputSummaryCap]
	}

	f, err := os.OpenFile(filepath.Join(dir, iterationsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ralph: open iteration log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("iteration=%d exit_code=%d output=%q\n", rec.Index, rec.ExitCode, summary)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("ralph: write iteration log: %w", err)
	}
	return nil
}
