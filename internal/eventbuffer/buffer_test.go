package eventbuffer

import (
	"testing"
	"time"

	"github.com/martiangreed/marathon/internal/domain"
)

func TestBuffer_AppendAndSnapshot(t *testing.T) {
	b := New(time.Minute, 4)
	taskID := domain.TaskID{1}

	b.Append(domain.TaskEvent{TaskID: taskID, Kind: domain.EventOutput, Output: domain.OutputChunk{Data: []byte("a")}})
	b.Append(domain.TaskEvent{TaskID: taskID, Kind: domain.EventProgress, Progress: domain.ProgressUpdate{Iteration: 1}})
	b.Append(domain.TaskEvent{TaskID: taskID, Kind: domain.EventComplete, Complete: domain.CompletionResult{Iteration: 1}})

	snap := b.Snapshot(taskID)
	if len(snap) != 3 {
		t.Fatalf("expected 3 events (2 ring + 1 terminal), got %d: %+v", len(snap), snap)
	}
	if snap[2].Kind != domain.EventComplete {
		t.Fatalf("expected terminal event last, got %+v", snap[2])
	}
}

func TestBuffer_RingEvictsOldestNonTerminal(t *testing.T) {
	b := New(time.Minute, 2)
	taskID := domain.TaskID{2}

	for i := 0; i < 5; i++ {
		b.Append(domain.TaskEvent{TaskID: taskID, Kind: domain.EventProgress, Progress: domain.ProgressUpdate{Iteration: uint32(i)}})
	}
	snap := b.Snapshot(taskID)
	if len(snap) != 2 {
		t.Fatalf("expected ring capped at 2, got %d", len(snap))
	}
	if snap[len(snap)-1].Progress.Iteration != 4 {
		t.Fatalf("expected most recent event retained, got %+v", snap)
	}
}

func TestBuffer_TerminalSurvivesRingRotation(t *testing.T) {
	b := New(time.Minute, 1)
	taskID := domain.TaskID{3}

	b.Append(domain.TaskEvent{TaskID: taskID, Kind: domain.EventComplete, Complete: domain.CompletionResult{Iteration: 9}})
	b.Append(domain.TaskEvent{TaskID: taskID, Kind: domain.EventOutput})

	snap := b.Snapshot(taskID)
	found := false
	for _, ev := range snap {
		if ev.Kind == domain.EventComplete {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected terminal event to survive, got %+v", snap)
	}
}

func TestBuffer_DropRemovesTask(t *testing.T) {
	b := New(time.Minute, 4)
	taskID := domain.TaskID{4}
	b.Append(domain.TaskEvent{TaskID: taskID, Kind: domain.EventOutput})
	b.Drop(taskID)
	if snap := b.Snapshot(taskID); snap != nil {
		t.Fatalf("expected nil snapshot after drop, got %+v", snap)
	}
}

func TestBuffer_UnknownTaskReturnsNil(t *testing.T) {
	b := New(time.Minute, 4)
	if snap := b.Snapshot(domain.TaskID{9}); snap != nil {
		t.Fatalf("expected nil for unknown task, got %+v", snap)
	}
}
