// Package vmpool implements the node daemon's warm VM pool (spec section
// 4.1): it maintains a warm set of pre-booted micro-VMs, hands them out to
// callers on acquire, and destroys them on release.
//
// Concurrency model follows the teacher's internal/pool: one mutex guards
// the warm sequence and the active map together (pointer manipulation and
// map operations only, never held across I/O — VM start and VM kill both
// happen outside the lock). Unlike the teacher's per-function LIFO pools
// with a sync.Cond wait queue, spec section 4.1 requires Acquire to fail
// fast with "pool-exhausted" rather than block, so there is no condition
// variable here.
package vmpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/martiangreed/marathon/internal/domain"
	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/metrics"
)

// ErrExhausted is returned by Acquire when the warm set is empty.
var ErrExhausted = errors.New("vmpool: pool exhausted")

// Starter is the hypervisor-facing half of the pool: it knows how to boot a
// VM (from snapshot or cold) and how to kill one. The node daemon wires a
// concrete implementation backed by the Firecracker process manager; tests
// use a fake.
type Starter interface {
	// Start boots a new VM and returns it in domain.VMStateReady. It must
	// not mutate any pool state; the pool decides where the returned VM
	// goes.
	Start(ctx context.Context) (*domain.VM, error)

	// Kill destroys a VM's process. Errors are logged and otherwise
	// swallowed by the caller — release is infallible from the pool's
	// client's perspective, per spec section 4.1.
	Kill(vm *domain.VM) error
}

// Config controls warm-pool replenishment.
type Config struct {
	WarmPoolTarget    int
	MaxStartsPerTick  int // bounded parallelism for warm_to
	ReplenishInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxStartsPerTick <= 0 {
		c.MaxStartsPerTick = 4
	}
	if c.ReplenishInterval <= 0 {
		c.ReplenishInterval = 5 * time.Second
	}
	return c
}

// Pool is the node daemon's VM pool. The zero value is not usable; use New.
type Pool struct {
	starter Starter
	cfg     Config

	mu     sync.Mutex
	warm   []*domain.VM          // ordered sequence; front = index 0
	active map[string]*domain.VM // VM id -> active VM

	draining bool

	replenishGroup singleflight.Group
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// New constructs a Pool. It does not start any VMs; call StartReplenishing
// to begin background warm-up.
func New(starter Starter, cfg Config) *Pool {
	return &Pool{
		starter: starter,
		cfg:     cfg.withDefaults(),
		warm:    make([]*domain.VM, 0),
		active:  make(map[string]*domain.VM),
		stopCh:  make(chan struct{}),
	}
}

// Counts returns (warm, active, total).
func (p *Pool) Counts() (warm, active, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm), len(p.active), len(p.warm) + len(p.active)
}

// SetDraining marks the node as draining: replenishment stops topping up
// the warm set, but existing VMs continue to serve until released.
func (p *Pool) SetDraining(draining bool) {
	p.mu.Lock()
	p.draining = draining
	p.mu.Unlock()
}

// Acquire pops the front of the warm sequence into the active map and
// transitions it to running. It fails fast with ErrExhausted rather than
// waiting for replenishment — spec section 4.1: "The pool never blocks
// client acquires waiting for warming."
//
// Acquire is linearizable: the mutex makes two concurrent calls
// serialize, so no VM id is ever returned to two callers.
func (p *Pool) Acquire() (*domain.VM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.warm) == 0 {
		return nil, ErrExhausted
	}
	vm := p.warm[0]
	p.warm = p.warm[1:]
	vm.State = domain.VMStateRunning
	p.active[vm.ID] = vm
	return vm, nil
}

// Release destroys the VM identified by id. It is infallible from the
// caller's perspective: kill errors are logged and swallowed, per spec
// section 4.1.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	vm, ok := p.active[id]
	if ok {
		delete(p.active, id)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	if err := p.starter.Kill(vm); err != nil {
		logging.Op().Warn("vm kill failed during release", "vm_id", id, "error", err)
		metrics.Global().RecordVMCrashed()
		return
	}
	metrics.Global().RecordVMStopped()
}

// WarmTo brings the warm count up to n by starting new VMs, bounded by
// MaxStartsPerTick concurrent start attempts. A start failure is logged and
// left for the next tick to retry; it never corrupts pool state because
// the half-built VM is simply discarded (spec section 4.1, "Failure
// semantics").
func (p *Pool) WarmTo(ctx context.Context, n int) {
	// singleflight collapses two overlapping replenishment passes (e.g. a
	// manual warm_to call racing the background ticker) into one attempt,
	// the way the teacher's pool.go collapses concurrent cold-starts for
	// the same function.
	key := fmt.Sprintf("warm_to:%d", n)
	_, _, _ = p.replenishGroup.Do(key, func() (interface{}, error) {
		p.warmToOnce(ctx, n)
		return nil, nil
	})
}

func (p *Pool) warmToOnce(ctx context.Context, target int) {
	p.mu.Lock()
	draining := p.draining
	deficit := target - len(p.warm)
	p.mu.Unlock()

	if draining || deficit <= 0 {
		return
	}
	if deficit > p.cfg.MaxStartsPerTick {
		deficit = p.cfg.MaxStartsPerTick
	}

	var wg sync.WaitGroup
	for i := 0; i < deficit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vm, err := p.starter.Start(ctx)
			if err != nil {
				logging.Op().Warn("vm start failed, will retry next tick", "error", err)
				return
			}
			vm.State = domain.VMStateReady
			p.mu.Lock()
			p.warm = append(p.warm, vm)
			p.mu.Unlock()
		}()
	}
	wg.Wait()
}

// StartReplenishing runs WarmTo on a fixed interval until the returned stop
// function is called or ctx is cancelled. Spec section 4.1: "A background
// task periodically reads warmCount; if below warm_pool_target and the
// node is not draining, it starts new VMs up to the target."
func (p *Pool) StartReplenishing(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReplenishInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.WarmTo(ctx, p.cfg.WarmPoolTarget)
			}
		}
	}()
}

// Stop halts background replenishment.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
