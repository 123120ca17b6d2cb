package flotilla

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultHookTimeout = 60 * time.Second
	hookOutputCap      = 64 * 1024
)

// ChatPoster posts a message to a channel on one chat platform. The chat
// manager provides one per platform for chat-post hooks.
type ChatPoster func(ctx context.Context, channel, text string) error

// HookExecutor runs an agent's after-run hooks in declared order once a job
// completes successfully. Hook failures are logged and never fail the
// originating job.
type HookExecutor struct {
	logger  *slog.Logger
	posters map[string]ChatPoster
}

// NewHookExecutor creates a hook executor. posters maps platform names
// (e.g. "telegram") to their outbound post functions.
func NewHookExecutor(posters map[string]ChatPoster, logger *slog.Logger) *HookExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookExecutor{logger: logger.With("component", "hooks"), posters: posters}
}

// RunAll executes the agent's hooks for a finished job, in order.
func (h *HookExecutor) RunAll(ctx context.Context, agent *AgentSpec, job *Job, result *RunResult) {
	for i, hook := range agent.Hooks {
		log := h.logger.With("agent", agent.Name, "job", result.JobID, "hook", i, "type", hook.Type)
		ok, err := evalHookCondition(hook.When, job, result)
		if err != nil {
			log.Warn("hook condition failed to evaluate, skipping", "when", hook.When, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := h.run(ctx, hook, result); err != nil {
			log.Error("hook failed", "error", err)
		}
	}
}

func (h *HookExecutor) run(ctx context.Context, hook HookSpec, result *RunResult) error {
	switch hook.Type {
	case "shell":
		return h.runShell(ctx, hook, result)
	default:
		poster, ok := h.posters[hook.Type]
		if !ok {
			return fmt.Errorf("no chat platform %q for hook", hook.Type)
		}
		if hook.Channel == "" {
			return fmt.Errorf("chat hook missing channel")
		}
		text := result.Summary
		if text == "" {
			text = "(no summary)"
		}
		return poster(ctx, hook.Channel, text)
	}
}

// runShell executes the hook command in argument-array form. The command is
// never passed through a shell, so the summary cannot inject anything. The
// job summary and ID are appended as trailing arguments and also exposed in
// the environment.
func (h *HookExecutor) runShell(ctx context.Context, hook HookSpec, result *RunResult) error {
	if len(hook.Command) == 0 {
		return fmt.Errorf("shell hook missing command")
	}
	timeout := defaultHookTimeout
	if hook.Timeout != "" {
		if d, err := time.ParseDuration(hook.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, hook.Command[0], hook.Command[1:]...)
	cmd.Env = append(cmd.Environ(),
		"FLOTILLA_JOB_ID="+result.JobID,
		"FLOTILLA_EXIT_REASON="+string(result.ExitReason),
		"FLOTILLA_SUMMARY="+result.Summary,
	)
	out := &cappedWriter{max: hookOutputCap}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("hook timed out after %s", timeout)
	}
	if err != nil {
		return fmt.Errorf("hook command: %w (output: %s)", err, out.String())
	}
	h.logger.Debug("shell hook done", "output_bytes", out.n)
	return nil
}

// evalHookCondition evaluates a "key=value" or "key!=value" expression over
// job metadata. Supported keys: exit_reason, trigger_type, agent,
// schedule_name. Empty expressions match everything.
func evalHookCondition(when string, job *Job, result *RunResult) (bool, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return true, nil
	}
	negate := false
	var key, want string
	if idx := strings.Index(when, "!="); idx >= 0 {
		negate = true
		key, want = strings.TrimSpace(when[:idx]), strings.TrimSpace(when[idx+2:])
	} else if idx := strings.Index(when, "="); idx >= 0 {
		key, want = strings.TrimSpace(when[:idx]), strings.TrimSpace(when[idx+1:])
	} else {
		return false, fmt.Errorf("bad condition %q", when)
	}

	var got string
	switch key {
	case "exit_reason":
		got = string(result.ExitReason)
	case "trigger_type":
		got = string(job.TriggerType)
	case "agent":
		got = job.Agent
	case "schedule_name":
		got = job.ScheduleName
	default:
		return false, fmt.Errorf("unknown condition key %q", key)
	}
	if negate {
		return got != want, nil
	}
	return got == want, nil
}

// cappedWriter keeps the first max bytes and drops the rest.
type cappedWriter struct {
	buf strings.Builder
	n   int
	max int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if w.n < w.max {
		keep := p
		if w.n+len(keep) > w.max {
			keep = keep[:w.max-w.n]
		}
		w.buf.Write(keep)
	}
	w.n += len(p)
	return len(p), nil
}

func (w *cappedWriter) String() string { return w.buf.String() }

var _ io.Writer = (*cappedWriter)(nil)
