package vmpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/martiangreed/marathon/internal/domain"
)

type fakeStarter struct {
	nextID int32
	fail   atomic.Bool
	killed sync.Map
}

func (f *fakeStarter) Start(ctx context.Context) (*domain.VM, error) {
	if f.fail.Load() {
		return nil, fmt.Errorf("induced start failure")
	}
	id := atomic.AddInt32(&f.nextID, 1)
	return &domain.VM{ID: fmt.Sprintf("vm-%d", id), State: domain.VMStateCreating, ContextID: uint32(id) + 2}, nil
}

func (f *fakeStarter) Kill(vm *domain.VM) error {
	f.killed.Store(vm.ID, true)
	return nil
}

func TestWarmToBringsPoolToTarget(t *testing.T) {
	starter := &fakeStarter{}
	p := New(starter, Config{MaxStartsPerTick: 10})
	p.WarmTo(context.Background(), 5)

	warm, active, total := p.Counts()
	if warm != 5 || active != 0 || total != 5 {
		t.Fatalf("got warm=%d active=%d total=%d, want 5/0/5", warm, active, total)
	}
}

func TestAcquireMovesVMFromWarmToActive(t *testing.T) {
	starter := &fakeStarter{}
	p := New(starter, Config{MaxStartsPerTick: 10})
	p.WarmTo(context.Background(), 1)

	vm, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if vm.State != domain.VMStateRunning {
		t.Fatalf("got state %v, want running", vm.State)
	}

	warm, active, total := p.Counts()
	if warm != 0 || active != 1 || total != 1 {
		t.Fatalf("got warm=%d active=%d total=%d, want 0/1/1", warm, active, total)
	}
}

func TestAcquireOnEmptyPoolReturnsExhausted(t *testing.T) {
	p := New(&fakeStarter{}, Config{})
	if _, err := p.Acquire(); err != ErrExhausted {
		t.Fatalf("got %v, want ErrExhausted", err)
	}
}

func TestReleaseDropsVMAndKillsProcess(t *testing.T) {
	starter := &fakeStarter{}
	p := New(starter, Config{MaxStartsPerTick: 10})
	p.WarmTo(context.Background(), 1)
	vm, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	p.Release(vm.ID)

	if _, ok := starter.killed.Load(vm.ID); !ok {
		t.Fatal("expected Kill to be called on release")
	}
	warm, active, total := p.Counts()
	if warm != 0 || active != 0 || total != 0 {
		t.Fatalf("got warm=%d active=%d total=%d, want 0/0/0", warm, active, total)
	}
}

// TestNoConcurrentAcquireReturnsSameVM exercises the universal property
// "two concurrent acquires never return the same VM" (spec section 8).
func TestNoConcurrentAcquireReturnsSameVM(t *testing.T) {
	starter := &fakeStarter{}
	p := New(starter, Config{MaxStartsPerTick: 50})
	p.WarmTo(context.Background(), 50)

	var wg sync.WaitGroup
	seen := sync.Map{}
	var duplicate atomic.Bool

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vm, err := p.Acquire()
			if err != nil {
				return
			}
			if _, loaded := seen.LoadOrStore(vm.ID, true); loaded {
				duplicate.Store(true)
			}
		}()
	}
	wg.Wait()

	if duplicate.Load() {
		t.Fatal("two acquires returned the same VM id")
	}
	warm, active, total := p.Counts()
	if warm != 0 || active != 50 || total != 50 {
		t.Fatalf("got warm=%d active=%d total=%d, want 0/50/50", warm, active, total)
	}
}

func TestPoolConservationInvariant(t *testing.T) {
	starter := &fakeStarter{}
	p := New(starter, Config{MaxStartsPerTick: 20})
	p.WarmTo(context.Background(), 10)

	acquired := make([]*domain.VM, 0, 5)
	for i := 0; i < 5; i++ {
		vm, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		acquired = append(acquired, vm)
	}

	warm, active, total := p.Counts()
	if warm+active != total || warm != 5 || active != 5 {
		t.Fatalf("got warm=%d active=%d total=%d; conservation invariant violated", warm, active, total)
	}

	for _, vm := range acquired {
		p.Release(vm.ID)
	}
	warm, active, total = p.Counts()
	if warm != 5 || active != 0 || total != 5 {
		t.Fatalf("after release got warm=%d active=%d total=%d, want 5/0/5", warm, active, total)
	}
}

func TestWarmToSkipsWhileDraining(t *testing.T) {
	starter := &fakeStarter{}
	p := New(starter, Config{MaxStartsPerTick: 10})
	p.SetDraining(true)
	p.WarmTo(context.Background(), 5)

	warm, _, _ := p.Counts()
	if warm != 0 {
		t.Fatalf("got warm=%d, want 0 while draining", warm)
	}
}

func TestStartFailureDoesNotCorruptPool(t *testing.T) {
	starter := &fakeStarter{}
	starter.fail.Store(true)
	p := New(starter, Config{MaxStartsPerTick: 10})
	p.WarmTo(context.Background(), 3)

	warm, active, total := p.Counts()
	if warm != 0 || active != 0 || total != 0 {
		t.Fatalf("got warm=%d active=%d total=%d, want all zero after failed starts", warm, active, total)
	}

	starter.fail.Store(false)
	p.WarmTo(context.Background(), 3)
	warm, _, _ = p.Counts()
	if warm != 3 {
		t.Fatalf("expected next tick to retry and succeed, got warm=%d", warm)
	}
}
