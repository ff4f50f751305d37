package ralph

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/martiangreed/marathon/internal/domain"
)

// usageEnvelope is the shape the agent binary's non-interactive JSON mode
// is expected to emit somewhere in its stdout: one JSON object per
// iteration carrying that iteration's token counters.
type usageEnvelope struct {
	Usage struct {
		ComputeTimeMs    int64 `json:"compute_time_ms"`
		InputTokens      int64 `json:"input_tokens"`
		OutputTokens     int64 `json:"output_tokens"`
		CacheReadTokens  int64 `json:"cache_read_tokens"`
		CacheWriteTokens int64 `json:"cache_write_tokens"`
		ToolCalls        int64 `json:"tool_calls"`
	} `json:"usage"`
}

// ParseUsageEnvelope extracts the per-iteration usage counters from the
// agent binary's stdout, per spec section 4.7 step 5. Parsing is
// best-effort: unparseable or missing output returns (zero, false) and is
// never treated as a failure by the caller.
func ParseUsageEnvelope(stdout string) (domain.UsageMetrics, bool) {
	if env, ok := tryParseLine(strings.TrimSpace(stdout)); ok {
		return env, true
	}

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		if env, ok := tryParseLine(line); ok {
			return env, true
		}
	}
	return domain.UsageMetrics{}, false
}

func tryParseLine(line string) (domain.UsageMetrics, bool) {
	if line == "" {
		return domain.UsageMetrics{}, false
	}
	var env usageEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return domain.UsageMetrics{}, false
	}
	return domain.UsageMetrics{
		ComputeTimeMs:    env.Usage.ComputeTimeMs,
		InputTokens:      env.Usage.InputTokens,
		OutputTokens:     env.Usage.OutputTokens,
		CacheReadTokens:  env.Usage.CacheReadTokens,
		CacheWriteTokens: env.Usage.CacheWriteTokens,
		ToolCalls:        env.Usage.ToolCalls,
	}, true
}
