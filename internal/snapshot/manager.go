// Package snapshot implements the node daemon's snapshot manager (spec
// section 4.2): a read-only-at-steady-state name -> descriptor mapping,
// populated once at startup by scanning a base directory. New snapshots
// only ever appear via an out-of-band operator action (copying a new
// subdirectory in) and are picked up on the next restart — there is
// deliberately no background rescan, mirroring the teacher's
// CreateSnapshot/apiLoadSnapshot pair in internal/firecracker/vm.go, which
// also treats the snapshot directory as populated ahead of time rather
// than watched.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/martiangreed/marathon/internal/domain"
	"github.com/martiangreed/marathon/internal/pkg/fsutil"
)

// StateFileName and MemFileName are the two files that make up a valid
// snapshot, inside each named subdirectory of the base directory.
const (
	StateFileName = "state.snap"
	MemFileName   = "memory.snap"
)

// DefaultName is the name returned by GetDefault, per spec section 4.2.
const DefaultName = "base"

// Manager owns the name->descriptor mapping. It is safe for concurrent
// Get/List calls; there is no mutation path once Discover has run, but the
// mutex protects against a concurrent Discover (e.g. a manual reload)
// racing readers.
type Manager struct {
	mu        sync.RWMutex
	baseDir   string
	snapshots map[string]domain.SnapshotDescriptor
}

// New constructs a Manager bound to baseDir. Call Discover before using it.
func New(baseDir string) *Manager {
	return &Manager{baseDir: baseDir, snapshots: make(map[string]domain.SnapshotDescriptor)}
}

// Discover scans the base directory, registering one descriptor per
// immediate subdirectory that contains both required files. The base
// directory is created if missing. Safe to call again to pick up
// operator-added snapshots without restarting the daemon.
func (m *Manager) Discover() error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create base dir: %w", err)
	}

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return fmt.Errorf("snapshot: read base dir: %w", err)
	}

	found := make(map[string]domain.SnapshotDescriptor, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.baseDir, entry.Name())
		desc := domain.SnapshotDescriptor{
			Name:      entry.Name(),
			Dir:       dir,
			StateFile: filepath.Join(dir, StateFileName),
			MemFile:   filepath.Join(dir, MemFileName),
		}
		if desc.Valid(fileReadable) {
			if hash, err := fsutil.HashFile(desc.StateFile); err == nil {
				desc.ContentHash = hash
			}
			found[entry.Name()] = desc
		}
	}

	m.mu.Lock()
	m.snapshots = found
	m.mu.Unlock()
	return nil
}

func fileReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// ErrNotFound is returned by Get when no snapshot is registered under the
// requested name.
var ErrNotFound = fmt.Errorf("snapshot: not found")

// Get returns the descriptor registered under name.
func (m *Manager) Get(name string) (domain.SnapshotDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	desc, ok := m.snapshots[name]
	if !ok {
		return domain.SnapshotDescriptor{}, ErrNotFound
	}
	return desc, nil
}

// GetDefault returns the descriptor for the default snapshot ("base").
func (m *Manager) GetDefault() (domain.SnapshotDescriptor, error) {
	return m.Get(DefaultName)
}

// List returns all registered snapshot names in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.snapshots))
	for name := range m.snapshots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
