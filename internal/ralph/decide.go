package ralph

// Outcome is the result of one loop-body decision (spec section 4.7 step
// 8): exactly one of Continue, Complete, or Fail is meaningful, selected
// by Kind.
type OutcomeKind int

const (
	OutcomeContinue OutcomeKind = iota
	OutcomeComplete
	OutcomeFail
)

type Outcome struct {
	Kind        OutcomeKind
	ArtifactURL string // set on OutcomeComplete when an artifact was produced
	ErrorCode   string // set on OutcomeFail
	ErrorMsg    string // set on OutcomeFail
}

// Decide implements the single ordered decision table named in spec
// section 4.7 step 8: artifact-created beats completion-promise beats
// clarification beats the no-promise cap/exit-code fallbacks. Every branch
// is evaluated in this exact order; only the first matching branch fires.
func Decide(sig Signals, promiseConfigured bool, cap int, exitCode int) Outcome {
	switch {
	case sig.ArtifactCreated:
		return Outcome{Kind: OutcomeComplete, ArtifactURL: sig.ArtifactURL}

	case sig.HasPromise:
		return Outcome{Kind: OutcomeComplete}

	case sig.NeedsClarification:
		return Outcome{Kind: OutcomeFail, ErrorCode: "needs_clarification", ErrorMsg: sig.ClarificationQuestion}

	case !promiseConfigured && cap == 1:
		return Outcome{Kind: OutcomeComplete}

	case !promiseConfigured && exitCode == 0:
		return Outcome{Kind: OutcomeComplete}

	case !promiseConfigured && exitCode != 0:
		return Outcome{Kind: OutcomeContinue}

	default:
		// Completion-promise configured but not yet seen.
		return Outcome{Kind: OutcomeContinue}
	}
}
