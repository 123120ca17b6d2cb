package flotilla

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestEvalHookCondition(t *testing.T) {
	job := &Job{Agent: "worker", TriggerType: TriggerSchedule, ScheduleName: "nightly"}
	result := &RunResult{ExitReason: ExitSuccess}

	cases := []struct {
		when string
		want bool
	}{
		{"", true},
		{"exit_reason=success", true},
		{"exit_reason=error", false},
		{"exit_reason!=error", true},
		{"trigger_type=schedule", true},
		{"agent=worker", true},
		{"agent!=worker", false},
		{"schedule_name=nightly", true},
		{" exit_reason = success ", true},
	}
	for _, c := range cases {
		got, err := evalHookCondition(c.when, job, result)
		if err != nil {
			t.Errorf("evalHookCondition(%q): %v", c.when, err)
			continue
		}
		if got != c.want {
			t.Errorf("evalHookCondition(%q) = %v, want %v", c.when, got, c.want)
		}
	}

	for _, when := range []string{"no-operator", "unknown_key=x"} {
		if _, err := evalHookCondition(when, job, result); err == nil {
			t.Errorf("evalHookCondition(%q) accepted", when)
		}
	}
}

func TestShellHookRuns(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "hook.out")

	h := NewHookExecutor(nil, nil)
	agent := &AgentSpec{Name: "worker", Hooks: []HookSpec{
		{Type: "shell", Command: []string{"/bin/sh", "-c", "printf '%s' \"$FLOTILLA_JOB_ID $FLOTILLA_EXIT_REASON\" > " + out}},
	}}
	job := &Job{Agent: "worker", TriggerType: TriggerManual}
	h.RunAll(context.Background(), agent, job, &RunResult{JobID: "2026-08-24-abc", ExitReason: ExitSuccess})

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("hook output: %v", err)
	}
	if string(data) != "2026-08-24-abc success" {
		t.Errorf("hook saw %q", data)
	}
}

func TestShellHookSummaryIsNotInterpreted(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "hook.out")

	h := NewHookExecutor(nil, nil)
	agent := &AgentSpec{Name: "worker", Hooks: []HookSpec{
		{Type: "shell", Command: []string{"/bin/sh", "-c", "printf '%s' \"$FLOTILLA_SUMMARY\" > " + out}},
	}}
	// Shell metacharacters in the summary must arrive verbatim.
	summary := `done; rm -rf / && $(evil) | tee`
	h.RunAll(context.Background(), agent, &Job{Agent: "worker"}, &RunResult{JobID: "j", Summary: summary})

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != summary {
		t.Errorf("summary mangled: %q", data)
	}
}

func TestShellHookConditionSkips(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "hook.out")

	h := NewHookExecutor(nil, nil)
	agent := &AgentSpec{Name: "worker", Hooks: []HookSpec{
		{Type: "shell", When: "exit_reason=error", Command: []string{"/bin/sh", "-c", "touch " + out}},
	}}
	h.RunAll(context.Background(), agent, &Job{Agent: "worker"}, &RunResult{JobID: "j", ExitReason: ExitSuccess})

	if _, err := os.Stat(out); err == nil {
		t.Error("hook ran despite failing condition")
	}
}

func TestShellHookFailureDoesNotPropagate(t *testing.T) {
	h := NewHookExecutor(nil, nil)
	agent := &AgentSpec{Name: "worker", Hooks: []HookSpec{
		{Type: "shell", Command: []string{"/bin/false"}},
		{Type: "shell", Command: []string{}},
	}}
	// Must not panic or abort on failing hooks.
	h.RunAll(context.Background(), agent, &Job{Agent: "worker"}, &RunResult{JobID: "j"})
}

func TestChatHookPostsSummary(t *testing.T) {
	var mu sync.Mutex
	var posted []string
	posters := map[string]ChatPoster{
		"telegram": func(_ context.Context, channel, text string) error {
			mu.Lock()
			defer mu.Unlock()
			posted = append(posted, channel+": "+text)
			return nil
		},
	}
	h := NewHookExecutor(posters, nil)
	agent := &AgentSpec{Name: "worker", Hooks: []HookSpec{
		{Type: "telegram", Channel: "ops"},
	}}
	h.RunAll(context.Background(), agent, &Job{Agent: "worker"}, &RunResult{JobID: "j", Summary: "nightly sync finished"})

	mu.Lock()
	defer mu.Unlock()
	if len(posted) != 1 || posted[0] != "ops: nightly sync finished" {
		t.Errorf("posted %v", posted)
	}
}

func TestChatHookUnknownPlatform(t *testing.T) {
	h := NewHookExecutor(nil, nil)
	err := h.run(context.Background(), HookSpec{Type: "discord", Channel: "x"}, &RunResult{})
	if err == nil || !strings.Contains(err.Error(), "discord") {
		t.Errorf("got %v", err)
	}
}

func TestCappedWriter(t *testing.T) {
	w := &cappedWriter{max: 10}
	n, err := w.Write([]byte("0123456789ABCDEF"))
	if err != nil || n != 16 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if w.String() != "0123456789" {
		t.Errorf("kept %q", w.String())
	}
	w.Write([]byte("more"))
	if w.String() != "0123456789" {
		t.Errorf("cap breached: %q", w.String())
	}
	if w.n != 20 {
		t.Errorf("total count %d", w.n)
	}
}
