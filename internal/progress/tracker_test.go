package progress

import (
	"testing"
	"time"

	"github.com/martiangreed/marathon/internal/domain"
)

func TestTracker_UpdateAndGet(t *testing.T) {
	tr := New(time.Minute)
	taskID := domain.TaskID{1}

	tr.Update(taskID, 2, 50, "running")
	e, ok := tr.Get(taskID)
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if e.Iteration != 2 || e.MaxIterations != 50 || e.Status != "running" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestTracker_UpdateOverwrites(t *testing.T) {
	tr := New(time.Minute)
	taskID := domain.TaskID{2}

	tr.Update(taskID, 1, 50, "running")
	tr.Update(taskID, 2, 50, "running")
	e, _ := tr.Get(taskID)
	if e.Iteration != 2 {
		t.Fatalf("expected latest update to win, got %+v", e)
	}
}

func TestTracker_Remove(t *testing.T) {
	tr := New(time.Minute)
	taskID := domain.TaskID{3}
	tr.Update(taskID, 1, 50, "running")
	tr.Remove(taskID)
	if _, ok := tr.Get(taskID); ok {
		t.Fatal("expected entry removed")
	}
}

func TestTracker_UnknownTask(t *testing.T) {
	tr := New(time.Minute)
	if _, ok := tr.Get(domain.TaskID{9}); ok {
		t.Fatal("expected no entry for unknown task")
	}
}
