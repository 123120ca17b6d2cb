package flotilla

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptRuntime replays one canned message slice per Execute call and records
// every request it saw.
type scriptRuntime struct {
	scripts  [][]UpstreamMessage
	errs     []error
	requests []ExecuteRequest
}

func (m *scriptRuntime) Execute(ctx context.Context, req ExecuteRequest) (MessageStream, error) {
	call := len(m.requests)
	m.requests = append(m.requests, req)

	var msgs []UpstreamMessage
	if call < len(m.scripts) {
		msgs = m.scripts[call]
	}
	var scriptErr error
	if call < len(m.errs) {
		scriptErr = m.errs[call]
	}

	ch := make(chan UpstreamMessage, len(msgs))
	for _, msg := range msgs {
		ch <- msg
	}
	close(ch)
	return &ChanStream{Ch: ch, ErrFn: func() error { return scriptErr }}, nil
}

func successScript(sessionID string) []UpstreamMessage {
	return []UpstreamMessage{
		Msg("type", "system", "subtype", "init", "session_id", sessionID),
		Msg("type", "assistant", "content", "done the thing"),
		Msg("type", "result", "result", "done the thing", "session_id", sessionID),
	}
}

func testAgent(name string) *AgentSpec {
	return &AgentSpec{Name: name, WorkingDirectory: "/srv/work"}
}

func newTestRunner(t *testing.T, rt Runtime) (*JobRunner, *JobStore, *SessionStore) {
	t.Helper()
	dir := t.TempDir()
	jobs := NewJobStore(dir, nil)
	sessions := NewSessionStore(dir, nil)
	resolve := func(*AgentSpec) (Runtime, error) { return rt, nil }
	return NewJobRunner(jobs, sessions, resolve, nil), jobs, sessions
}

func TestRunnerHappyPath(t *testing.T) {
	rt := &scriptRuntime{scripts: [][]UpstreamMessage{successScript("S1")}}
	runner, jobs, sessions := newTestRunner(t, rt)

	res, err := runner.Run(context.Background(), testAgent("assistant"), RunOptions{
		Prompt:      "do the thing",
		TriggerType: TriggerManual,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SessionID != "S1" || res.ExitReason != ExitSuccess {
		t.Errorf("result %+v", res)
	}
	if res.Summary != "done the thing" {
		t.Errorf("summary = %q", res.Summary)
	}

	job, err := jobs.Get(res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusCompleted || job.SessionID != "S1" || job.FinishedAt.IsZero() {
		t.Errorf("job %+v", job)
	}

	sess, err := sessions.Load("assistant", LoadOptions{})
	if err != nil || sess == nil {
		t.Fatalf("agent session: %v %v", sess, err)
	}
	if sess.SessionID != "S1" || sess.JobCount != 1 {
		t.Errorf("session %+v", sess)
	}
}

func TestRunnerJobCountGrowsOnSameSession(t *testing.T) {
	rt := &scriptRuntime{scripts: [][]UpstreamMessage{successScript("S1"), successScript("S1")}}
	runner, _, sessions := newTestRunner(t, rt)
	agent := testAgent("assistant")

	if _, err := runner.Run(context.Background(), agent, RunOptions{Prompt: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := runner.Run(context.Background(), agent, RunOptions{Prompt: "b", Resume: "S1"}); err != nil {
		t.Fatal(err)
	}
	sess, _ := sessions.Load("assistant", LoadOptions{})
	if sess == nil || sess.JobCount != 2 {
		t.Errorf("session %+v, want job_count 2", sess)
	}
}

func TestRunnerTrustsCallerResumeVerbatim(t *testing.T) {
	rt := &scriptRuntime{scripts: [][]UpstreamMessage{successScript("S-CONV")}}
	runner, _, sessions := newTestRunner(t, rt)
	agent := testAgent("assistant")

	// Agent-level record points elsewhere and was created in a different
	// working directory. The caller's value must still pass through untouched.
	if err := sessions.Update("assistant", AgentSession{
		SessionID:        "S-AGENT",
		LastUsedAt:       time.Now(),
		WorkingDirectory: "/somewhere/else",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := runner.Run(context.Background(), agent, RunOptions{Prompt: "x", Resume: "S-CONV"}); err != nil {
		t.Fatal(err)
	}
	if len(rt.requests) != 1 {
		t.Fatalf("runtime called %d times", len(rt.requests))
	}
	if rt.requests[0].Resume != "S-CONV" {
		t.Errorf("runtime saw resume %q, want the caller's value", rt.requests[0].Resume)
	}
}

func TestRunnerValidatesAgentSessionResume(t *testing.T) {
	rt := &scriptRuntime{scripts: [][]UpstreamMessage{successScript("S-NEW")}}
	runner, _, sessions := newTestRunner(t, rt)
	agent := testAgent("assistant")

	// Resume equals the agent-level record, but that record was created in a
	// different working directory: the record is cleared and the turn starts
	// fresh.
	if err := sessions.Update("assistant", AgentSession{
		SessionID:        "S-AGENT",
		LastUsedAt:       time.Now(),
		WorkingDirectory: "/somewhere/else",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := runner.Run(context.Background(), agent, RunOptions{Prompt: "x", Resume: "S-AGENT"}); err != nil {
		t.Fatal(err)
	}
	if rt.requests[0].Resume != "" {
		t.Errorf("runtime saw resume %q, want fresh session", rt.requests[0].Resume)
	}
}

func TestRunnerRecoversFromExpiredSession(t *testing.T) {
	rt := &scriptRuntime{
		scripts: [][]UpstreamMessage{nil, successScript("S-NEW")},
		errs:    []error{errors.New("provider: session not found"), nil},
	}
	runner, jobs, sessions := newTestRunner(t, rt)
	agent := testAgent("assistant")

	if err := sessions.Update("assistant", AgentSession{
		SessionID:        "S-STALE",
		LastUsedAt:       time.Now(),
		WorkingDirectory: "/srv/work",
	}); err != nil {
		t.Fatal(err)
	}

	res, err := runner.Run(context.Background(), agent, RunOptions{Prompt: "x", Resume: "S-STALE"})
	if err != nil {
		t.Fatalf("Run after recovery: %v", err)
	}
	if len(rt.requests) != 2 {
		t.Fatalf("runtime called %d times, want exactly 2", len(rt.requests))
	}
	if rt.requests[0].Resume != "S-STALE" || rt.requests[1].Resume != "" {
		t.Errorf("resume sequence %q then %q, want stale then fresh",
			rt.requests[0].Resume, rt.requests[1].Resume)
	}
	if res.SessionID != "S-NEW" {
		t.Errorf("session = %q", res.SessionID)
	}

	// The stale record was cleared and the new session persisted.
	sess, _ := sessions.Load("assistant", LoadOptions{})
	if sess == nil || sess.SessionID != "S-NEW" {
		t.Errorf("agent session after recovery: %+v", sess)
	}

	// The retry is visible in the job's event log.
	events, err := jobs.ReadOutput(res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range events {
		if ev.Subtype == "session_expired" {
			found = true
		}
	}
	if !found {
		t.Error("no session_expired event in job log")
	}
}

func TestRunnerExpiryRetriesOnlyOnce(t *testing.T) {
	rt := &scriptRuntime{
		errs: []error{
			errors.New("session not found"),
			errors.New("session not found"),
		},
	}
	runner, jobs, _ := newTestRunner(t, rt)

	res, err := runner.Run(context.Background(), testAgent("assistant"), RunOptions{Prompt: "x", Resume: "S1"})
	if err == nil {
		t.Fatal("expected failure after second expiry")
	}
	if len(rt.requests) != 2 {
		t.Errorf("runtime called %d times, want 2", len(rt.requests))
	}
	job, jerr := jobs.Get(res.JobID)
	if jerr != nil {
		t.Fatal(jerr)
	}
	if job.Status != StatusFailed {
		t.Errorf("job status = %s", job.Status)
	}
}

func TestRunnerNoRetryWithoutResume(t *testing.T) {
	rt := &scriptRuntime{errs: []error{errors.New("session not found")}}
	runner, _, _ := newTestRunner(t, rt)

	_, err := runner.Run(context.Background(), testAgent("assistant"), RunOptions{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(rt.requests) != 1 {
		t.Errorf("runtime called %d times, want 1 when nothing was resumed", len(rt.requests))
	}
}

func TestRunnerStreamErrorClassification(t *testing.T) {
	// Error before any message arrives is an init failure.
	rt := &scriptRuntime{errs: []error{errors.New("connect refused")}}
	runner, _, _ := newTestRunner(t, rt)
	_, err := runner.Run(context.Background(), testAgent("a"), RunOptions{Prompt: "x"})
	if !errors.Is(err, ErrRunnerInit) {
		t.Errorf("pre-stream error: %v, want ErrRunnerInit", err)
	}

	// Error after messages flowed is a stream failure.
	rt = &scriptRuntime{
		scripts: [][]UpstreamMessage{{Msg("type", "system", "subtype", "init", "session_id", "S1")}},
		errs:    []error{errors.New("pipe broke")},
	}
	runner, _, _ = newTestRunner(t, rt)
	_, err = runner.Run(context.Background(), testAgent("a"), RunOptions{Prompt: "x"})
	if !errors.Is(err, ErrRunnerStream) {
		t.Errorf("mid-stream error: %v, want ErrRunnerStream", err)
	}
}

func TestRunnerCallbacks(t *testing.T) {
	rt := &scriptRuntime{scripts: [][]UpstreamMessage{{
		Msg("type", "system", "subtype", "init", "session_id", "S1"),
		Msg("type", "assistant", "message", map[string]any{
			"content": "hi",
			"usage":   map[string]any{"input_tokens": 7, "output_tokens": 2},
		}),
		Msg("type", "result", "result", "hi", "session_id", "S1"),
	}}}
	runner, _, _ := newTestRunner(t, rt)

	var jobID string
	var messages []ProcessedEvent
	var usages []Usage
	_, err := runner.Run(context.Background(), testAgent("assistant"), RunOptions{
		Prompt:       "x",
		OnJobCreated: func(id string) { jobID = id },
		OnMessage:    func(ev ProcessedEvent) { messages = append(messages, ev) },
		OnUsage:      func(u Usage) { usages = append(usages, u) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Error("OnJobCreated never fired")
	}
	if len(messages) != 3 {
		t.Errorf("OnMessage fired %d times", len(messages))
	}
	if len(usages) == 0 || usages[0].InputTokens != 7 {
		t.Errorf("usages %+v", usages)
	}
}

func TestRunnerUsageCountedOncePerTurn(t *testing.T) {
	// Runtimes report per-call usage on assistant messages and repeat the
	// cumulative totals on the terminal result. Only the deltas count.
	rt := &scriptRuntime{scripts: [][]UpstreamMessage{{
		Msg("type", "system", "subtype", "init", "session_id", "S1"),
		Msg("type", "assistant", "message", map[string]any{
			"content": "done",
			"usage":   map[string]any{"input_tokens": 100, "output_tokens": 10},
		}),
		Msg("type", "result", "result", "done", "session_id", "S1",
			"usage", map[string]any{"input_tokens": 100, "output_tokens": 10}),
	}}}
	runner, _, _ := newTestRunner(t, rt)

	var in, out int
	_, err := runner.Run(context.Background(), testAgent("assistant"), RunOptions{
		Prompt:  "x",
		OnUsage: func(u Usage) { in += u.InputTokens; out += u.OutputTokens },
	})
	if err != nil {
		t.Fatal(err)
	}
	if in != 100 || out != 10 {
		t.Errorf("accumulated %d/%d tokens for a turn that consumed 100/10", in, out)
	}
}

func TestRunnerResultOnlyUsageStillCounts(t *testing.T) {
	rt := &scriptRuntime{scripts: [][]UpstreamMessage{{
		Msg("type", "system", "subtype", "init", "session_id", "S1"),
		Msg("type", "result", "result", "done", "session_id", "S1",
			"usage", map[string]any{"input_tokens": 40, "output_tokens": 6}),
	}}}
	runner, _, _ := newTestRunner(t, rt)

	var usages []Usage
	_, err := runner.Run(context.Background(), testAgent("assistant"), RunOptions{
		Prompt:  "x",
		OnUsage: func(u Usage) { usages = append(usages, u) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(usages) != 1 || usages[0].InputTokens != 40 || usages[0].OutputTokens != 6 {
		t.Errorf("usages %+v, want the result totals exactly once", usages)
	}
}

func TestRunnerSurvivesCallbackPanic(t *testing.T) {
	rt := &scriptRuntime{scripts: [][]UpstreamMessage{successScript("S1")}}
	runner, _, _ := newTestRunner(t, rt)

	res, err := runner.Run(context.Background(), testAgent("assistant"), RunOptions{
		Prompt:    "x",
		OnMessage: func(ProcessedEvent) { panic("listener bug") },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitReason != ExitSuccess {
		t.Errorf("exit = %s", res.ExitReason)
	}
}
