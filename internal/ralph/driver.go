package ralph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/martiangreed/marathon/internal/domain"
	"github.com/martiangreed/marathon/internal/transport"
	"github.com/martiangreed/marathon/internal/wire"
)

const (
	defaultMaxIterations = 50
	networkWaitTimeout   = 30 * time.Second
	networkProbeAddr     = "1.1.1.1:443"
)

// Driver runs one task's ralph loop to completion over an already
// established guest transport session.
type Driver struct {
	Session     *transport.GuestSession
	AgentBin    string   // path to the AI agent binary
	AgentArgs   []string // arguments requesting non-interactive JSON output
	WorkRoot    string   // parent directory under which the clone is created
	RuntimeUser string   // non-root user the cloned tree is chowned to

	// NetworkProbeAddr/NetworkWaitTimeout override the defaults used to
	// wait for outbound network in the prologue; left zero in production,
	// set short in tests so a sandboxed environment doesn't stall for 30s.
	NetworkProbeAddr   string
	NetworkWaitTimeout time.Duration
}

// Run executes the full prologue/loop/epilogue sequence for one task,
// described by the TASK_START payload already captured on d.Session.
// It never returns an error for task-level failures — those are reported
// over the transport as ERROR frames — only for conditions that prevent
// reporting at all (e.g. a dead connection) and for an agent binary that
// cannot be started or waited on, which is returned without an ERROR frame.
func (d *Driver) Run(ctx context.Context) error {
	ts := d.Session.TaskStart
	cleanupStrategy := domain.CleanupStrategy(envOr("MARATHON_CLEANUP_STRATEGY", string(domain.CleanupFull)))
	workDir := filepath.Join(d.WorkRoot, ts.TaskID)

	defer func() {
		if err := Cleanup(cleanupStrategy, workDir); err != nil {
			fmt.Fprintf(os.Stderr, "[ralph] cleanup: %v\n", err)
		}
	}()

	probeAddr := d.NetworkProbeAddr
	if probeAddr == "" {
		probeAddr = networkProbeAddr
	}
	waitTimeout := d.NetworkWaitTimeout
	if waitTimeout == 0 {
		waitTimeout = networkWaitTimeout
	}
	WaitForNetwork(ctx, probeAddr, waitTimeout)

	cloneCfg := CloneConfig{
		RepoURL:         ts.RepoURL,
		Branch:          ts.Branch,
		CredentialToken: ts.CredentialToken,
		ForgeHost:       ts.ForgeHost,
		WorkDir:         workDir,
		RuntimeUser:     d.RuntimeUser,
	}
	if err := CloneRepository(ctx, cloneCfg); err != nil {
		return d.sendError("clone_failed", err.Error())
	}

	cap := int(ts.MaxIterations)
	if cap <= 0 {
		cap = defaultMaxIterations
	}
	promiseConfigured := ts.CompletionPromise != ""

	var cumulative domain.UsageMetrics
	var prevStdout string

	for i := 1; i <= cap; i++ {
		if cancelled, err := d.Session.PollCancel(); err != nil {
			return fmt.Errorf("ralph: poll cancel: %w", err)
		} else if cancelled {
			return d.sendError("cancelled", "task cancelled by host")
		}

		if err := d.Session.Send(wire.Frame{
			Type:    wire.MsgProgress,
			Payload: wire.EncodeProgress(wire.ProgressPayload{Iteration: uint32(i), MaxIterations: uint32(cap), Status: "running"}),
		}); err != nil {
			return fmt.Errorf("ralph: send PROGRESS: %w", err)
		}

		prompt := BuildPrompt(workDir, ts.Prompt, i, prevStdout)

		onOutput := func(stderr bool, data []byte) {
			_ = d.Session.Send(wire.Frame{Type: wire.MsgOutput, Payload: wire.EncodeOutput(wire.OutputPayload{Stderr: stderr, Data: data})})
		}

		result, err := InvokeAgent(ctx, d.AgentBin, d.AgentArgs, workDir, prompt, credentialEnvVars(cloneCfg), onOutput)
		if err != nil {
			return fmt.Errorf("ralph: invoke agent: %w", err)
		}
		prevStdout = result.Stdout

		if usage, ok := ParseUsageEnvelope(result.Stdout); ok {
			cumulative = cumulative.Add(usage)
		}

		summary := result.Stdout
		if err := AppendIterationRecord(workDir, domain.IterationRecord{Index: i, ExitCode: result.ExitCode, OutputSummary: summary}); err != nil {
			fmt.Fprintf(os.Stderr, "[ralph] iteration log: %v\n", err)
		}

		sig := ExtractSignals(result.Stdout, ts.CompletionPromise)
		outcome := Decide(sig, promiseConfigured, cap, result.ExitCode)

		switch outcome.Kind {
		case OutcomeComplete:
			return d.sendComplete(result.ExitCode, cumulative, uint32(i), sig.HasPromise, outcome.ArtifactURL)
		case OutcomeFail:
			return d.sendError(outcome.ErrorCode, outcome.ErrorMsg)
		case OutcomeContinue:
			continue
		}
	}

	return d.sendError("max_iterations", "Reached iteration limit without completion")
}

func (d *Driver) sendComplete(exitCode int, usage domain.UsageMetrics, iteration uint32, promiseFound bool, artifactURL string) error {
	return d.Session.Send(wire.Frame{
		Type: wire.MsgComplete,
		Payload: wire.EncodeComplete(wire.CompletePayload{
			ExitCode:     int32(exitCode),
			Usage:        usage,
			Iteration:    iteration,
			PromiseFound: promiseFound,
			ArtifactURL:  artifactURL,
		}),
	})
}

func (d *Driver) sendError(code, message string) error {
	return d.Session.Send(wire.Frame{Type: wire.MsgError, Payload: wire.EncodeError(wire.ErrorPayload{Code: code, Message: message})})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
