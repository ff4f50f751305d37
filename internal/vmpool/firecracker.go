package vmpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/martiangreed/marathon/internal/domain"
	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/metrics"
	"github.com/martiangreed/marathon/internal/snapshot"
)

// idPool is a thread-safe free-list allocator for vsock context ids,
// adapted from the teacher's generic resourcePool[T] in
// internal/firecracker/network.go — the same acquire/release shape, narrowed
// to the one resource Marathon's VM pool actually needs. CID range per spec
// section 2 is [3, 2^32-1]; 0-2 are reserved by the vsock address family.
type idPool struct {
	mu    sync.Mutex
	next  uint32
	free  []uint32
	inUse map[uint32]struct{}
}

func newIDPool() *idPool {
	return &idPool{next: 3, inUse: make(map[uint32]struct{})}
}

func (p *idPool) acquire() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse[id] = struct{}{}
		return id
	}
	id := p.next
	p.next++
	p.inUse[id] = struct{}{}
	return id
}

func (p *idPool) release(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[id]; !ok {
		return
	}
	delete(p.inUse, id)
	p.free = append(p.free, id)
}

// FirecrackerConfig names the host-side resources a FirecrackerStarter needs
// to boot or resume a micro-VM. Grounded on the teacher's
// internal/firecracker.Config, trimmed to what Marathon's generic agent
// rootfs needs (no per-function code-drive injection, no bridge/TAP
// plumbing — the node's network fabric is assumed pre-provisioned, unlike
// the teacher's per-VM TAP allocation, since the spec does not mandate a
// particular guest networking scheme).
type FirecrackerConfig struct {
	FirecrackerBin string
	KernelPath     string
	RootfsPath     string
	SocketDir      string
	VsockDir       string
	LogDir         string
	BootTimeout    time.Duration
}

func (c FirecrackerConfig) withDefaults() FirecrackerConfig {
	if c.BootTimeout <= 0 {
		c.BootTimeout = 5 * time.Second
	}
	return c
}

// FirecrackerStarter implements Starter by shelling out to the firecracker
// binary and driving its Unix-socket HTTP API, the same way the teacher's
// internal/firecracker.Manager does (CreateVM / apiLoadSnapshot / apiBoot /
// StopVM), adapted to Marathon's two-path VM-start contract (spec section
// 4.1): resume from a named snapshot when one is available, cold-boot
// otherwise.
type FirecrackerStarter struct {
	cfg  FirecrackerConfig
	snap *snapshot.Manager
	cids *idPool

	mu        sync.Mutex
	processes map[string]*os.Process // vm id -> firecracker process
}

// NewFirecrackerStarter builds a Starter bound to cfg and a discovered
// snapshot manager.
func NewFirecrackerStarter(cfg FirecrackerConfig, snap *snapshot.Manager) *FirecrackerStarter {
	return &FirecrackerStarter{
		cfg:       cfg.withDefaults(),
		snap:      snap,
		cids:      newIDPool(),
		processes: make(map[string]*os.Process),
	}
}

// Start implements Starter. It tries the default snapshot first and falls
// through to a cold boot on any resume failure, per spec section 4.1.
func (s *FirecrackerStarter) Start(ctx context.Context) (*domain.VM, error) {
	vmID := uuid.New().String()[:8]
	cid := s.cids.acquire()

	vm := &domain.VM{
		ID:            vmID,
		State:         domain.VMStateCreating,
		ControlSocket: filepath.Join(s.cfg.SocketDir, vmID+".sock"),
		ContextID:     cid,
		CreatedAt:     time.Now(),
	}

	_ = os.Remove(vm.ControlSocket)
	vsockUDS := filepath.Join(s.cfg.VsockDir, vmID+".vsock")
	_ = os.Remove(vsockUDS)

	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		s.cids.release(cid)
		return nil, fmt.Errorf("vmpool: create log dir: %w", err)
	}
	logFile, err := os.Create(filepath.Join(s.cfg.LogDir, vmID+".log"))
	if err != nil {
		s.cids.release(cid)
		return nil, fmt.Errorf("vmpool: create log file: %w", err)
	}

	cmd := exec.Command(s.cfg.FirecrackerBin, "--api-sock", vm.ControlSocket)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		s.cids.release(cid)
		return nil, fmt.Errorf("vmpool: start firecracker: %w", err)
	}
	logFile.Close()
	s.mu.Lock()
	s.processes[vmID] = cmd.Process
	s.mu.Unlock()

	if err := waitForSocket(ctx, vm.ControlSocket, cmd.Process, s.cfg.BootTimeout); err != nil {
		_ = cmd.Process.Kill()
		s.cids.release(cid)
		s.mu.Lock()
		delete(s.processes, vmID)
		s.mu.Unlock()
		return nil, fmt.Errorf("vmpool: wait api socket: %w", err)
	}

	resumed := false
	if desc, err := s.snap.GetDefault(); err == nil {
		if err := s.apiLoadSnapshot(ctx, vm, desc, vsockUDS); err == nil {
			resumed = true
			metrics.Global().RecordSnapshotHit()
		} else {
			logging.Op().Warn("snapshot resume failed, falling back to cold start", "vm_id", vmID, "error", err)
		}
	}
	if !resumed {
		if err := s.apiBoot(ctx, vm, vsockUDS); err != nil {
			_ = cmd.Process.Kill()
			s.cids.release(cid)
			return nil, fmt.Errorf("vmpool: cold boot: %w", err)
		}
	}

	vm.State = domain.VMStateReady
	metrics.Global().RecordVMCreated()
	metrics.RecordVMBootDuration(time.Since(vm.CreatedAt).Milliseconds())
	return vm, nil
}

// Kill implements Starter. Errors are logged by the caller (vmpool.Pool.Release
// swallows them), per spec section 4.1's "infallible from the caller's
// perspective."
func (s *FirecrackerStarter) Kill(vm *domain.VM) error {
	defer s.cids.release(vm.ContextID)

	s.mu.Lock()
	proc, ok := s.processes[vm.ID]
	delete(s.processes, vm.ID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("vmpool: kill vm %s: %w", vm.ID, err)
	}
	_, _ = proc.Wait()
	return nil
}

func (s *FirecrackerStarter) apiBoot(ctx context.Context, vm *domain.VM, vsockUDS string) error {
	if err := apiCall(ctx, vm.ControlSocket, "PUT", "/boot-source", map[string]string{
		"kernel_image_path": s.cfg.KernelPath,
		"boot_args":         "console=ttyS0 reboot=k panic=1 pci=off",
	}); err != nil {
		return err
	}
	if err := apiCall(ctx, vm.ControlSocket, "PUT", "/drives/rootfs", map[string]interface{}{
		"drive_id":       "rootfs",
		"path_on_host":   s.cfg.RootfsPath,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		return err
	}
	if err := apiCall(ctx, vm.ControlSocket, "PUT", "/vsock", map[string]interface{}{
		"guest_cid": vm.ContextID,
		"uds_path":  vsockUDS,
	}); err != nil {
		return err
	}
	return apiCall(ctx, vm.ControlSocket, "PUT", "/actions", map[string]string{
		"action_type": "InstanceStart",
	})
}

func (s *FirecrackerStarter) apiLoadSnapshot(ctx context.Context, vm *domain.VM, desc domain.SnapshotDescriptor, vsockUDS string) error {
	if err := apiCall(ctx, vm.ControlSocket, "PUT", "/vsock", map[string]interface{}{
		"guest_cid": vm.ContextID,
		"uds_path":  vsockUDS,
	}); err != nil {
		return err
	}
	return apiCall(ctx, vm.ControlSocket, "PUT", "/snapshot/load", map[string]interface{}{
		"snapshot_path": desc.StateFile,
		"mem_file_path": desc.MemFile,
		"resume_vm":     true,
	})
}

func apiCall(ctx context.Context, socketPath, method, path string, body interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	defer client.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("firecracker api error %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func waitForSocket(ctx context.Context, path string, proc *os.Process, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if proc != nil {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return fmt.Errorf("firecracker exited before socket ready: %w", err)
			}
		}
		if _, err := os.Stat(path); err == nil {
			conn, err := net.Dial("unix", path)
			if err == nil {
				conn.Close()
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("vmpool: socket timeout waiting for %s", path)
}
