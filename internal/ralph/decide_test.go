package ralph

import "testing"

func TestDecide_ArtifactBeatsPromise(t *testing.T) {
	sig := Signals{ArtifactCreated: true, ArtifactURL: "https://x/o/r/pull/1", HasPromise: true}
	out := Decide(sig, true, 10, 0)
	if out.Kind != OutcomeComplete || out.ArtifactURL == "" {
		t.Fatalf("expected complete with artifact, got %+v", out)
	}
}

func TestDecide_PromiseBeatsClarification(t *testing.T) {
	sig := Signals{HasPromise: true, NeedsClarification: true}
	out := Decide(sig, true, 10, 0)
	if out.Kind != OutcomeComplete {
		t.Fatalf("expected complete, got %+v", out)
	}
}

func TestDecide_Clarification(t *testing.T) {
	sig := Signals{NeedsClarification: true, ClarificationQuestion: "Which DB?"}
	out := Decide(sig, true, 10, 0)
	if out.Kind != OutcomeFail || out.ErrorCode != "needs_clarification" || out.ErrorMsg != "Which DB?" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestDecide_NoPromiseCapOne(t *testing.T) {
	out := Decide(Signals{}, false, 1, 1)
	if out.Kind != OutcomeComplete {
		t.Fatalf("expected complete at cap=1, got %+v", out)
	}
}

func TestDecide_NoPromiseExitZero(t *testing.T) {
	out := Decide(Signals{}, false, 10, 0)
	if out.Kind != OutcomeComplete {
		t.Fatalf("expected complete on exit 0, got %+v", out)
	}
}

func TestDecide_NoPromiseExitNonZeroContinues(t *testing.T) {
	out := Decide(Signals{}, false, 10, 1)
	if out.Kind != OutcomeContinue {
		t.Fatalf("expected continue on transient crash, got %+v", out)
	}
}

func TestDecide_PromiseConfiguredButNotSeenContinues(t *testing.T) {
	out := Decide(Signals{}, true, 10, 0)
	if out.Kind != OutcomeContinue {
		t.Fatalf("expected continue, got %+v", out)
	}
}
