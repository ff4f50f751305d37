// Package interceptor implements the VM agent's API interceptor (spec
// section 4.9): a thread-safe accumulator for per-call token/tool-call
// statistics scraped from the AI agent's own structured output, plus two
// stateless parsers for that output's two shapes (whole-response JSON and
// SSE streaming chunks).
//
// Grounded on the teacher's internal/metrics.PrometheusMetrics for the
// atomic-counter accumulator shape, and internal/ai.go for the
// request/response JSON envelope handling idiom; spec section 9 calls out
// this accumulator by name as global per-process state that "should be a
// value owned by the VM-agent driver and threaded into the component that
// needs it" rather than a package-level singleton — so, unlike the
// teacher's promMetrics package variable, Accumulator here is a plain
// value with no package-level state at all.
package interceptor

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/martiangreed/marathon/internal/domain"
)

// Accumulator records per-call token and tool-use statistics across one
// task's iterations. The zero value is ready to use.
type Accumulator struct {
	mu sync.Mutex
	m  domain.UsageMetrics
}

// Record atomically adds one response's token counts to the running total
// and increments ToolCalls if the response contains a tool-use content
// element.
func (a *Accumulator) Record(resp ResponseEnvelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m.InputTokens += int64(resp.Usage.InputTokens)
	a.m.OutputTokens += int64(resp.Usage.OutputTokens)
	a.m.CacheReadTokens += int64(resp.Usage.CacheReadTokens)
	a.m.CacheWriteTokens += int64(resp.Usage.CacheWriteTokens)
	if resp.HasToolUse() {
		a.m.ToolCalls++
	}
}

// Metrics returns a snapshot of the accumulated usage.
func (a *Accumulator) Metrics() domain.UsageMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m
}

// Reset zeroes the accumulator.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.m = domain.UsageMetrics{}
	a.mu.Unlock()
}

// ResponseEnvelope is the whole-response JSON shape emitted by the AI
// agent binary's non-interactive JSON output mode: a top-level "usage"
// sub-object and a "content" array whose elements carry a "type" field.
type ResponseEnvelope struct {
	Usage struct {
		InputTokens      int `json:"input_tokens"`
		OutputTokens     int `json:"output_tokens"`
		CacheReadTokens  int `json:"cache_read_input_tokens"`
		CacheWriteTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	Content []struct {
		Type string `json:"type"`
	} `json:"content"`
}

// HasToolUse reports whether any content element is a tool_use block.
func (r ResponseEnvelope) HasToolUse() bool {
	for _, c := range r.Content {
		if c.Type == "tool_use" {
			return true
		}
	}
	return false
}

// ParseResponse parses one whole-response JSON envelope. A parse failure
// is not fatal to the caller (spec section 4.7 step 5: "best-effort"); it
// is surfaced as an error so the caller decides whether to log it.
func ParseResponse(data []byte) (ResponseEnvelope, error) {
	var r ResponseEnvelope
	err := json.Unmarshal(data, &r)
	return r, err
}

// StreamEventKind tags the shape of one parsed SSE streaming chunk.
type StreamEventKind int

const (
	StreamUnknown StreamEventKind = iota
	StreamMessageStart
	StreamContentStart
	StreamContentDelta
	StreamToolUseStart
	StreamMessageDelta
	StreamMessageStop
	StreamDone
)

// StreamEvent is one parsed "data: ..." line from the agent binary's
// streaming output mode.
type StreamEvent struct {
	Kind         StreamEventKind
	OutputTokens int // populated only for StreamMessageDelta
}

const ssePrefix = "data: "

// ParseStreamChunk parses one line of the form "data: <json-or-[DONE]>",
// per spec section 4.9. Lines not matching the "data: " prefix, or whose
// JSON does not carry a recognized "type", decode to StreamUnknown rather
// than erroring — streaming output is inherently best-effort.
func ParseStreamChunk(line []byte) StreamEvent {
	line = bytes.TrimRight(line, "\r\n")
	s := string(line)
	if !strings.HasPrefix(s, ssePrefix) {
		return StreamEvent{Kind: StreamUnknown}
	}
	body := strings.TrimSpace(strings.TrimPrefix(s, ssePrefix))
	if body == "[DONE]" {
		return StreamEvent{Kind: StreamDone}
	}

	var payload struct {
		Type  string `json:"type"`
		Delta struct {
			Type         string `json:"type"`
			OutputTokens int    `json:"output_tokens"`
		} `json:"delta"`
		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return StreamEvent{Kind: StreamUnknown}
	}

	switch payload.Type {
	case "message_start":
		return StreamEvent{Kind: StreamMessageStart}
	case "content_block_start":
		if payload.Delta.Type == "tool_use" {
			return StreamEvent{Kind: StreamToolUseStart}
		}
		return StreamEvent{Kind: StreamContentStart}
	case "content_block_delta":
		return StreamEvent{Kind: StreamContentDelta}
	case "message_delta":
		tokens := payload.Delta.OutputTokens
		if tokens == 0 {
			tokens = payload.Usage.OutputTokens
		}
		return StreamEvent{Kind: StreamMessageDelta, OutputTokens: tokens}
	case "message_stop":
		return StreamEvent{Kind: StreamMessageStop}
	default:
		return StreamEvent{Kind: StreamUnknown}
	}
}
