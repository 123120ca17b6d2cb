package flotilla

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// RunOptions carries everything a caller can attach to one turn.
type RunOptions struct {
	Prompt       string
	TriggerType  TriggerType
	ScheduleName string
	// Resume is the session ID the caller wants continued. Empty means "do
	// not resume". Callers that own their own session mapping (the chat
	// manager) pass their value here and it is trusted as-is; see Run.
	Resume     string
	Fork       bool
	ForkedFrom string
	// FreshSession skips agent-session resolution entirely (used by
	// schedules configured to start clean).
	FreshSession bool
	// OnJobCreated fires with the new job ID before execution begins.
	OnJobCreated func(jobID string)
	// OnMessage receives every processed event in stream order.
	OnMessage func(ProcessedEvent)
	// OnUsage receives raw usage deltas as they appear; the conversation
	// store accumulates them.
	OnUsage func(Usage)
	// WriteOutputLog additionally writes a formatted output.log.
	WriteOutputLog bool
	ToolServers    []ToolServer
}

// RunResult summarizes a finished turn.
type RunResult struct {
	JobID      string
	SessionID  string
	Summary    string
	ExitReason ExitReason
	Duration   time.Duration
}

// JobRunner drives one agent turn end to end: job record, session
// resolution, runtime invocation, event streaming, expiry recovery, and
// finalization. It is the only component that applies the per-conversation
// session-trust rule.
type JobRunner struct {
	jobs     *JobStore
	sessions *SessionStore
	resolve  RuntimeResolver
	logger   *slog.Logger
}

// NewJobRunner wires a runner over the shared stores and runtime resolver.
func NewJobRunner(jobs *JobStore, sessions *SessionStore, resolve RuntimeResolver, logger *slog.Logger) *JobRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRunner{jobs: jobs, sessions: sessions, resolve: resolve, logger: logger.With("component", "runner")}
}

// Run executes one turn for agent. Filesystem and callback failures are
// logged and swallowed; only job-record creation and runtime errors fail
// the turn.
func (r *JobRunner) Run(ctx context.Context, agent *AgentSpec, opts RunOptions) (*RunResult, error) {
	start := time.Now()

	job, err := r.jobs.Create(Job{
		Agent:        agent.Name,
		TriggerType:  opts.TriggerType,
		Prompt:       opts.Prompt,
		ScheduleName: opts.ScheduleName,
		ForkedFrom:   opts.ForkedFrom,
		StartedAt:    start,
	})
	if err != nil {
		return nil, err
	}
	log := r.logger.With("job", job.ID, "agent", agent.Name)

	if opts.OnJobCreated != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error("on_job_created callback panicked", "panic", p)
				}
			}()
			opts.OnJobCreated(job.ID)
		}()
	}

	if opts.WriteOutputLog {
		if path, err := r.jobs.OutputPath(job.ID); err == nil {
			_, _ = r.jobs.Update(job.ID, func(j *Job) { j.OutputFile = path })
		}
	}

	if _, err := r.jobs.Update(job.ID, func(j *Job) { j.Status = StatusRunning }); err != nil {
		log.Warn("failed to mark job running", "error", err)
	}

	resume, resumedFromAgentSession := r.resolveResume(agent, opts, log)

	rt, err := r.resolve(agent)
	if err != nil {
		r.finalize(job.ID, log, start, "", "", runnerErr(ErrRunnerInit, err))
		return nil, runnerErr(ErrRunnerInit, err)
	}

	st, runErr := r.consume(ctx, rt, agent, opts, job.ID, resume, log)

	// Recoverable expiry: the provider told us the resumed session is gone,
	// and this was the first attempt. Clear the stale record, note it in
	// the job log, and retry exactly once with a fresh session.
	if runErr != nil && resume != "" && IsSessionExpired(runErr) {
		log.Info("server-side session expired, retrying fresh",
			"resume", resume, "from_agent_session", resumedFromAgentSession)
		if err := r.sessions.Clear(agent.Name); err != nil {
			log.Warn("failed to clear expired session", "error", err)
		}
		r.append(job.ID, opts, JobOutputEvent{
			Type:    "system",
			Subtype: "session_expired",
			Content: "Session expired on server. Retrying with fresh session.",
		}, log)
		st, runErr = r.consume(ctx, rt, agent, opts, job.ID, "", log)
	}

	summary := ExtractSummary(st.terminal, st.lastAssistant)
	r.finalize(job.ID, log, start, st.sessionID, summary, runErr)

	// Persist the agent-level session for direct (non-chat) paths so the
	// next CLI/schedule/hook turn can resume it.
	if runErr == nil && st.sessionID != "" {
		sess := AgentSession{
			SessionID:        st.sessionID,
			JobCount:         1,
			LastUsedAt:       time.Now(),
			WorkingDirectory: agent.WorkingDirectory,
			RuntimeType:      agent.RuntimeType(),
			DockerEnabled:    agent.Docker.Enabled,
		}
		if prev, err := r.sessions.Load(agent.Name, LoadOptions{}); err == nil && prev != nil && prev.SessionID == st.sessionID {
			sess.JobCount = prev.JobCount + 1
		}
		if err := r.sessions.Update(agent.Name, sess); err != nil {
			log.Warn("failed to persist agent session", "error", err)
		}
	}

	result := &RunResult{
		JobID:      job.ID,
		SessionID:  st.sessionID,
		Summary:    summary,
		ExitReason: ClassifyExit(runErr),
		Duration:   time.Since(start),
	}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// resolveResume applies the session-trust rule:
//
//   - no caller resume: never resume;
//   - caller resume differing from the agent-level record (or no record):
//     trust the caller verbatim, skip working-directory and runtime checks —
//     the caller owns the mapping for its conversation;
//   - caller resume equal to the agent-level record: validate working
//     directory and runtime context, clear the record on mismatch, refresh
//     last_used_at before executing on match.
//
// The second return reports whether the resume value is backed by the
// agent-level record (and should be cleared on server-side expiry).
func (r *JobRunner) resolveResume(agent *AgentSpec, opts RunOptions, log *slog.Logger) (string, bool) {
	if opts.Resume == "" || opts.FreshSession {
		return "", false
	}
	agentSess, err := r.sessions.Load(agent.Name, LoadOptions{
		Timeout: agent.SessionTimeout(),
		Runtime: agent.RuntimeType(),
	})
	if err != nil {
		log.Warn("failed to load agent session", "error", err)
		agentSess = nil
	}
	if agentSess == nil || agentSess.SessionID != opts.Resume {
		return opts.Resume, false
	}

	if v := ValidateWorkingDirectory(agentSess, agent.WorkingDirectory); !v.Valid {
		log.Info("clearing session: working directory changed", "reason", v.Message)
		_ = r.sessions.Clear(agent.Name)
		return "", false
	}
	if v := ValidateRuntimeContext(agentSess, agent.RuntimeType(), agent.Docker.Enabled); !v.Valid {
		log.Info("clearing session: runtime context changed", "reason", v.Message)
		_ = r.sessions.Clear(agent.Name)
		return "", false
	}
	if err := r.sessions.Touch(agent.Name, time.Now()); err != nil {
		log.Warn("failed to refresh session timestamp", "error", err)
	}
	return agentSess.SessionID, true
}

// streamState accumulates what one pass over the runtime stream learned.
type streamState struct {
	sessionID     string
	lastAssistant string
	terminal      any
}

// consume invokes the runtime and drains its stream through the message
// processor. Returns the accumulated state and the error that ended the
// stream, classified by phase.
func (r *JobRunner) consume(ctx context.Context, rt Runtime, agent *AgentSpec, opts RunOptions, jobID, resume string, log *slog.Logger) (streamState, error) {
	var st streamState

	stream, err := rt.Execute(ctx, ExecuteRequest{
		Prompt:      opts.Prompt,
		Agent:       agent,
		JobID:       jobID,
		Resume:      resume,
		Fork:        opts.Fork,
		ToolServers: opts.ToolServers,
	})
	if err != nil {
		return st, runnerErr(ErrRunnerInit, err)
	}
	defer stream.Close()

	received := false
	sawUsage := false
	for {
		msg, err := stream.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return st, nil
			}
			if !received {
				return st, runnerErr(ErrRunnerInit, err)
			}
			return st, runnerErr(ErrRunnerStream, err)
		}
		received = true

		ev := ProcessMessage(msg)
		r.append(jobID, opts, ev.Output, log)

		if ev.SessionID != "" {
			st.sessionID = ev.SessionID
		}
		if ev.Output.Type == "assistant" && !ev.Output.Partial && ev.Output.Content != "" {
			st.lastAssistant = ev.Output.Content
		}
		if ev.Output.Usage != nil && opts.OnUsage != nil {
			// The terminal message carries the turn's cumulative totals, which
			// the per-message deltas already covered. It counts only when no
			// delta arrived.
			if !ev.IsTerminal {
				sawUsage = true
				opts.OnUsage(*ev.Output.Usage)
			} else if !sawUsage {
				opts.OnUsage(*ev.Output.Usage)
			}
		}
		if opts.OnMessage != nil {
			func() {
				defer func() {
					if p := recover(); p != nil {
						log.Error("on_message callback panicked", "panic", p)
					}
				}()
				opts.OnMessage(ev)
			}()
		}
		if ev.IsTerminal {
			st.terminal = msg
			return st, nil
		}
	}
}

// append writes an event to the structured log (and the formatted log when
// requested). Best-effort: failures are logged, never propagated.
func (r *JobRunner) append(jobID string, opts RunOptions, ev JobOutputEvent, log *slog.Logger) {
	if jobID == "" {
		return
	}
	if err := r.jobs.AppendOutput(jobID, ev); err != nil {
		log.Warn("failed to append job output", "error", err)
	}
	if opts.WriteOutputLog {
		if line := FormatEvent(ev); line != "" {
			if err := r.jobs.AppendFormatted(jobID, line); err != nil {
				log.Warn("failed to append formatted output", "error", err)
			}
		}
	}
}

// finalize updates the job record exactly once with summary, session,
// timestamps, and classified exit reason.
func (r *JobRunner) finalize(jobID string, log *slog.Logger, start time.Time, sessionID, summary string, runErr error) {
	_, err := r.jobs.Update(jobID, func(j *Job) {
		if runErr == nil {
			j.Status = StatusCompleted
		} else {
			j.Status = StatusFailed
		}
		j.ExitReason = ClassifyExit(runErr)
		j.SessionID = sessionID
		j.Summary = summary
		j.FinishedAt = time.Now()
	})
	if err != nil {
		log.Warn("failed to finalize job", "error", err)
	}
}
