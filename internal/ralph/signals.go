// Package ralph implements the VM agent's iterative driver (spec section
// 4.7): the "ralph loop" that invokes the AI agent binary, carries a
// MEMORY note across iterations, and decides when a task is done.
package ralph

import (
	"regexp"
	"strings"
)

var (
	promiseTagRe       = regexp.MustCompile(`(?s)<promise>(.*?)</promise>`)
	clarificationTagRe = regexp.MustCompile(`(?s)<clarification>(.*?)</clarification>`)
	artifactURLRe      = regexp.MustCompile(`^https://[^/\s"']+/[^/\s"']+/[^/\s"']+/pull/[0-9]+$`)
)

// Signals is everything the decision table (decide.go) needs, extracted
// from one iteration's stdout per spec section 4.7 step 7.
type Signals struct {
	HasPromise             bool
	NeedsClarification     bool
	ClarificationQuestion  string
	ArtifactCreated        bool
	ArtifactURL            string
}

// ExtractSignals scans stdout for the three completion signals. promise is
// the task's configured completion-promise text; an empty promise means
// none was configured and HasPromise is always false.
func ExtractSignals(stdout string, promise string) Signals {
	var s Signals

	if promise != "" {
		want := strings.TrimSpace(promise)
		if m := promiseTagRe.FindStringSubmatch(stdout); m != nil {
			if strings.TrimSpace(m[1]) == want {
				s.HasPromise = true
			}
		}
		if !s.HasPromise && strings.Contains(stdout, want) {
			s.HasPromise = true
		}
	}

	if m := clarificationTagRe.FindStringSubmatch(stdout); m != nil {
		s.NeedsClarification = true
		s.ClarificationQuestion = strings.TrimSpace(m[1])
	}

	if url, ok := findArtifactURL(stdout); ok {
		s.ArtifactCreated = true
		s.ArtifactURL = url
	}

	return s
}

// findArtifactURL tokenises stdout on whitespace, '"', and '\'' (spec
// section 4.7 step 7) and returns the first token matching a forge pull
// request URL.
func findArtifactURL(stdout string) (string, bool) {
	tokens := strings.FieldsFunc(stdout, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == '\r' || r == '"' || r == '\''
	})
	for _, tok := range tokens {
		tok = strings.TrimRight(tok, ".,;:)")
		if artifactURLRe.MatchString(tok) {
			return tok, true
		}
	}
	return "", false
}
