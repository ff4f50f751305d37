package domain

import "time"

// VMState is the lifecycle state of a micro-VM, owned exclusively by the
// node daemon's VM pool.
type VMState string

const (
	VMStateCreating VMState = "creating"
	VMStateReady    VMState = "ready"   // warm, idle, in the warm set
	VMStateRunning  VMState = "running" // assigned, in the active map
	VMStateStopped  VMState = "stopped"
	VMStateFailed   VMState = "failed"
)

// VM is the node daemon's handle to one micro-VM. Only the pool creates and
// destroys VMs; callers outside internal/vmpool should treat this as
// read-only.
type VM struct {
	ID            string
	State         VMState
	ControlSocket string // host-side control socket path
	ContextID     uint32 // vsock CID, in [3, 2^32-1]
	AssignedTask  string // empty unless State == running
	CreatedAt     time.Time
}

// SnapshotDescriptor names a valid snapshot: a directory containing a
// kernel/state blob and a memory blob. The snapshot manager is read-only at
// steady state; descriptors are discovered once at startup.
type SnapshotDescriptor struct {
	Name        string
	Dir         string
	StateFile   string
	MemFile     string
	ContentHash string // sha256 of StateFile, truncated; identifies the snapshot build for logging
}

// Valid reports whether both files that make up the snapshot exist and are
// readable. Implemented by the snapshot manager at discovery time, not
// re-checked on every Get.
func (d SnapshotDescriptor) Valid(exists func(path string) bool) bool {
	return exists(d.StateFile) && exists(d.MemFile)
}
