package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mark3labs/taskrelay/internal/logger"
)

// ClaudeWorker runs the claude CLI in print mode for each invocation.
type ClaudeWorker struct {
	command   string
	model     string
	workDir   string
	timeout   time.Duration
	extraArgs []string
}

// ClaudeConfig holds configuration for creating a new ClaudeWorker.
type ClaudeConfig struct {
	Command   string        // Binary to run (default "claude")
	Model     string        // Passed as --model when set
	WorkDir   string        // Repository root the worker edits
	Timeout   time.Duration // Hard limit per invocation; the process is killed after it
	ExtraArgs []string      // Appended after the built-in flags
}

var _ Worker = (*ClaudeWorker)(nil)

// NewClaudeWorker creates a new ClaudeWorker.
func NewClaudeWorker(cfg ClaudeConfig) *ClaudeWorker {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &ClaudeWorker{
		command:   cfg.Command,
		model:     cfg.Model,
		workDir:   cfg.WorkDir,
		timeout:   cfg.Timeout,
		extraArgs: cfg.ExtraArgs,
	}
}

// Args returns the command line arguments used for each invocation.
func (w *ClaudeWorker) Args() []string {
	args := []string{"-p", "--output-format", "json"}
	if w.model != "" {
		args = append(args, "--model", w.model)
	}
	args = append(args, "--dangerously-skip-permissions")
	return append(args, w.extraArgs...)
}

// Run sends prompt on stdin and classifies the JSON result printed on stdout.
func (w *ClaudeWorker) Run(ctx context.Context, prompt string) (Result, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, w.command, w.Args()...)
	cmd.Dir = w.workDir
	cmd.Env = os.Environ()
	cmd.Stdin = strings.NewReader(prompt)
	// Grandchildren may hold the pipes open after a kill.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("Starting %s (prompt length: %d)", w.command, len(prompt))
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return Result{Outcome: OutcomeError, Err: ctx.Err(), Duration: elapsed}, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		logger.Warn("%s timed out after %s", w.command, w.timeout)
		return Result{
			Outcome:   OutcomeError,
			RawOutput: stdout.String(),
			Err:       fmt.Errorf("worker timed out after %s", w.timeout),
			Duration:  elapsed,
		}, nil
	}

	res := classify(stdout.Bytes())
	res.Duration = elapsed

	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(res.RawOutput)
		}
		logger.Error("%s exited with error: %v", w.command, runErr)
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("%s failed: %w: %s", w.command, runErr, truncate(msg))
		return res, nil
	}

	logger.Debug("%s finished: outcome=%s turns=%d cost=$%.4f", w.command, res.Outcome, res.Turns, res.CostUSD)
	return res, nil
}

// claudeResult is the object claude prints with --output-format json:
//
//	{"type":"result","subtype":"success","is_error":false,"result":"...","num_turns":3,"total_cost_usd":0.12,"session_id":"..."}
type claudeResult struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype"`
	IsError   bool    `json:"is_error"`
	Result    string  `json:"result"`
	NumTurns  int     `json:"num_turns"`
	CostUSD   float64 `json:"total_cost_usd"`
	SessionID string  `json:"session_id"`
}

// classify turns claude's stdout into a Result. Output that isn't a result
// object is kept as raw text and treated as an error.
func classify(out []byte) Result {
	r, ok := parseResult(out)
	if !ok {
		raw := strings.TrimSpace(string(out))
		return Result{
			Outcome:   OutcomeError,
			RawOutput: raw,
			Err:       fmt.Errorf("unrecognised worker output"),
		}
	}

	res := Result{
		RawOutput: r.Result,
		CostUSD:   r.CostUSD,
		Turns:     r.NumTurns,
		SessionID: r.SessionID,
	}
	switch {
	case r.IsError || (r.Subtype != "" && r.Subtype != "success"):
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("worker reported %s: %s", r.Subtype, truncate(r.Result))
	case hasNeedsInput(r.Result):
		res.Outcome = OutcomeNeedsInput
	default:
		res.Outcome = OutcomeSuccess
	}
	return res
}

// parseResult finds the result object. Some claude versions print progress
// lines before it, so the last line that decodes wins.
func parseResult(out []byte) (claudeResult, bool) {
	var r claudeResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &r); err == nil && r.Type == "result" {
		return r, true
	}

	lines := bytes.Split(out, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var cand claudeResult
		if err := json.Unmarshal(line, &cand); err == nil && cand.Type == "result" {
			return cand, true
		}
	}
	return claudeResult{}, false
}
