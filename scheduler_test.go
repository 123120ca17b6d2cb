package flotilla

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	valid := []string{
		"* * * * *",
		"0 9 * * *",
		"*/15 * * * *",
		"0 9-17 * * 1-5",
		"30 8,12,18 1 6 0",
	}
	for _, expr := range valid {
		if _, err := parseCron(expr); err != nil {
			t.Errorf("parseCron(%q): %v", expr, err)
		}
	}
	invalid := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"a * * * *",
		"5-2 * * * *",
	}
	for _, expr := range invalid {
		if _, err := parseCron(expr); err == nil {
			t.Errorf("parseCron(%q) accepted", expr)
		}
	}
}

func TestCronNextAfter(t *testing.T) {
	// 2026-08-24 is a Monday.
	base := time.Date(2026, 8, 24, 8, 30, 45, 0, time.UTC)
	cases := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 8, 24, 8, 31, 0, 0, time.UTC)},
		{"0 9 * * *", time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 8, 24, 8, 45, 0, 0, time.UTC)},
		{"0 9 * * 0", time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)}, // next Sunday
		{"0 0 1 * *", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		expr, err := parseCron(c.expr)
		if err != nil {
			t.Fatalf("parseCron(%q): %v", c.expr, err)
		}
		got := expr.nextAfter(base)
		if !got.Equal(c.want) {
			t.Errorf("nextAfter(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestCronNextAfterOnBoundary(t *testing.T) {
	// A time exactly on a match must advance to the following match.
	expr, err := parseCron("*/10 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 8, 24, 8, 10, 0, 0, time.UTC)
	want := time.Date(2026, 8, 24, 8, 20, 0, 0, time.UTC)
	if got := expr.nextAfter(base); !got.Equal(want) {
		t.Errorf("nextAfter = %v, want %v", got, want)
	}
}

func TestNewSchedulerValidation(t *testing.T) {
	trigger := func(context.Context, string, RunOptions) (*RunResult, error) { return &RunResult{}, nil }

	agents := map[string]*AgentSpec{
		"a": {Name: "a", Schedules: []ScheduleSpec{{Name: "ok", Every: "5m"}}},
	}
	if _, err := NewScheduler(agents, trigger, nil); err != nil {
		t.Errorf("valid interval rejected: %v", err)
	}

	bad := []ScheduleSpec{
		{Name: "neither"},
		{Name: "bad-every", Every: "soon"},
		{Name: "neg-every", Every: "-5m"},
		{Name: "bad-cron", Cron: "not a cron"},
	}
	for _, spec := range bad {
		agents := map[string]*AgentSpec{"a": {Name: "a", Schedules: []ScheduleSpec{spec}}}
		if _, err := NewScheduler(agents, trigger, nil); err == nil {
			t.Errorf("schedule %q accepted", spec.Name)
		}
	}
}

func TestSchedulerFiresIntervalSchedules(t *testing.T) {
	var mu sync.Mutex
	var fired []RunOptions
	trigger := func(_ context.Context, agent string, opts RunOptions) (*RunResult, error) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, opts)
		return &RunResult{JobID: "j"}, nil
	}

	agents := map[string]*AgentSpec{
		"worker": {Name: "worker", Schedules: []ScheduleSpec{
			{Name: "often", Every: "1ms", Prompt: "go", FreshSession: true},
		}},
	}
	s, err := NewScheduler(agents, trigger, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.tick = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d fires before deadline", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	first := fired[0]
	if first.TriggerType != TriggerSchedule || first.ScheduleName != "often" {
		t.Errorf("fired with %+v", first)
	}
	if first.Prompt != "go" || !first.FreshSession {
		t.Errorf("schedule options not forwarded: %+v", first)
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	trigger := func(context.Context, string, RunOptions) (*RunResult, error) { return &RunResult{}, nil }
	s, err := NewScheduler(map[string]*AgentSpec{}, trigger, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
