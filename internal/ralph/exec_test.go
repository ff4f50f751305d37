package ralph

import (
	"context"
	"strings"
	"testing"
)

func TestInvokeAgent_CapturesStdoutAndExitCode(t *testing.T) {
	var chunks []string
	onOutput := func(stderr bool, data []byte) {
		if !stderr {
			chunks = append(chunks, string(data))
		}
	}

	result, err := InvokeAgent(context.Background(), "/bin/sh", []string{"-c", "cat; exit 0"}, t.TempDir(), "hello from prompt", nil, onOutput)
	if err != nil {
		t.Fatalf("InvokeAgent: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Stdout, "hello from prompt") {
		t.Fatalf("expected stdin echoed back via cat, got %q", result.Stdout)
	}
	if len(strings.Join(chunks, "")) == 0 {
		t.Fatal("expected at least one forwarded OUTPUT chunk")
	}
}

func TestInvokeAgent_NonZeroExitCode(t *testing.T) {
	result, err := InvokeAgent(context.Background(), "/bin/sh", []string{"-c", "exit 7"}, t.TempDir(), "", nil, nil)
	if err != nil {
		t.Fatalf("InvokeAgent: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", result.ExitCode)
	}
}
