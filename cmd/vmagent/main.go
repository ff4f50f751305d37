package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/martiangreed/marathon/internal/config"
	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/ralph"
	"github.com/martiangreed/marathon/internal/transport"
)

// main runs the VM agent: the process that boots inside every task microVM,
// grounded on cmd/agent/main.go's listen-then-accept shape, narrowed to
// spec section 4.7's contract — one VM serves exactly one task, then the
// node daemon destroys it, so there is no accept loop here: one Prologue,
// one Driver.Run, then exit.
func main() {
	cfg := config.DefaultVMAgentConfig()
	config.LoadVMAgentFromEnv(cfg)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	vmID := vmContextID()

	listener, err := transport.ListenGuest(cfg.VsockPort)
	if err != nil {
		logging.Op().Error("vsock listen failed", "port", cfg.VsockPort, "error", err)
		os.Exit(1)
	}
	defer listener.Close()
	logging.Op().Info("vm agent listening", "port", cfg.VsockPort, "vm_id", vmID)

	session, err := transport.RunPrologue(listener, vmID)
	if err != nil {
		logging.Op().Error("prologue failed", "error", err)
		os.Exit(1)
	}
	defer session.Close()
	logging.Op().Info("task received", "task_id", session.TaskStart.TaskID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Op().Warn("shutdown signal received mid-task")
		cancel()
	}()

	driver := &ralph.Driver{
		Session:            session,
		AgentBin:           cfg.AgentBin,
		AgentArgs:          cfg.AgentArgs,
		WorkRoot:           cfg.WorkRoot,
		RuntimeUser:        cfg.RuntimeUser,
		NetworkProbeAddr:   cfg.NetworkProbeAddr,
		NetworkWaitTimeout: cfg.NetworkWaitTimeout,
	}

	if err := driver.Run(ctx); err != nil {
		logging.Op().Error("task run failed", "task_id", session.TaskStart.TaskID, "error", err)
		os.Exit(1)
	}

	logging.Op().Info("task finished", "task_id", session.TaskStart.TaskID)
	// Give the node daemon a moment to drain the final COMPLETE/ERROR frame
	// before the VM is torn down.
	time.Sleep(200 * time.Millisecond)
}

// vmContextID reads this VM's own vsock context id from the kernel-cmdline-
// derived environment variable the node daemon sets at boot, so the READY
// frame the guest sends carries an identifier the host can cross-check.
func vmContextID() uint32 {
	v := os.Getenv("MARATHON_VM_CONTEXT_ID")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}
