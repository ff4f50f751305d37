package ralph

import "testing"

func TestParseUsageEnvelope_SingleLine(t *testing.T) {
	stdout := `{"usage":{"input_tokens":100,"output_tokens":50,"compute_time_ms":1200}}`
	usage, ok := ParseUsageEnvelope(stdout)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if usage.InputTokens != 100 || usage.OutputTokens != 50 || usage.ComputeTimeMs != 1200 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestParseUsageEnvelope_EmbeddedInNarrative(t *testing.T) {
	stdout := "Starting work...\n" +
		`{"usage":{"input_tokens":5,"output_tokens":3}}` + "\n" +
		"Done.\n"
	usage, ok := ParseUsageEnvelope(stdout)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if usage.InputTokens != 5 || usage.OutputTokens != 3 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestParseUsageEnvelope_Unparseable(t *testing.T) {
	_, ok := ParseUsageEnvelope("not json at all")
	if ok {
		t.Fatal("expected ok=false for unparseable stdout")
	}
}
