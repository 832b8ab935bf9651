package agent

import (
	"context"
	"strings"
	"time"
)

// Outcome classifies a worker run.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeNeedsInput Outcome = "needs_input"
	OutcomeError      Outcome = "error"
)

// NeedsInputMarker starts the line a worker emits when it cannot proceed
// without a human answer.
const NeedsInputMarker = "NEEDS_INPUT:"

// Result is the classified output of one worker invocation.
type Result struct {
	Outcome   Outcome
	RawOutput string        // the worker's final message
	Err       error         // diagnostic for OutcomeError
	Duration  time.Duration // wall time of the invocation
	CostUSD   float64       // as reported by the worker, when available
	Turns     int
	SessionID string
}

// Worker hands a prompt to the AI coding tool.
//
// Run returns an error only when ctx itself was cancelled; every failure of
// the tool is reported as a Result with OutcomeError.
type Worker interface {
	Run(ctx context.Context, prompt string) (Result, error)
}

const maxReasonLen = 500

// ExtractReason pulls a human-readable reason from a needs-input result: the
// text after the NEEDS_INPUT: marker (including following lines), or the
// final paragraph of the output when no marker is present.
func ExtractReason(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, NeedsInputMarker); ok {
			reason := strings.TrimSpace(rest + "\n" + strings.Join(lines[i+1:], "\n"))
			if reason != "" {
				return truncate(reason)
			}
		}
	}

	paras := strings.Split(strings.TrimSpace(raw), "\n\n")
	last := strings.TrimSpace(paras[len(paras)-1])
	if last == "" {
		return "The worker asked for input without giving a reason."
	}
	return truncate(last)
}

// hasNeedsInput reports whether any line starts with the marker.
func hasNeedsInput(raw string) bool {
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), NeedsInputMarker) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	if len(s) <= maxReasonLen {
		return s
	}
	return strings.TrimSpace(s[:maxReasonLen]) + "..."
}
