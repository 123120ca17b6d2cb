package flotilla

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// TriggerFunc dispatches one turn for a named agent. The fleet manager's
// Trigger method satisfies it; the scheduler and chat manager depend on the
// function type so they can be exercised without a full fleet.
type TriggerFunc func(ctx context.Context, agentName string, opts RunOptions) (*RunResult, error)

// Scheduler fires interval and cron schedules. Each fire is an independent
// job with trigger_type=schedule. Fires missed while the process was down
// are not backfilled: next-run times are computed from startup.
type Scheduler struct {
	trigger TriggerFunc
	logger  *slog.Logger
	entries []*scheduleEntry
	// tick is the polling resolution, overridable in tests.
	tick time.Duration
}

type scheduleEntry struct {
	agent   string
	spec    ScheduleSpec
	every   time.Duration // interval schedules
	cron    *cronExpr     // cron schedules
	nextRun time.Time
}

// NewScheduler builds a scheduler over the agents' schedule entries.
// Invalid schedule descriptors are rejected up front.
func NewScheduler(agents map[string]*AgentSpec, trigger TriggerFunc, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{trigger: trigger, logger: logger.With("component", "sched"), tick: 30 * time.Second}
	for name, agent := range agents {
		for _, spec := range agent.Schedules {
			entry := &scheduleEntry{agent: name, spec: spec}
			switch {
			case spec.Every != "":
				d, err := time.ParseDuration(spec.Every)
				if err != nil || d <= 0 {
					return nil, fmt.Errorf("agent %s schedule %s: bad interval %q", name, spec.Name, spec.Every)
				}
				entry.every = d
			case spec.Cron != "":
				expr, err := parseCron(spec.Cron)
				if err != nil {
					return nil, fmt.Errorf("agent %s schedule %s: %w", name, spec.Name, err)
				}
				entry.cron = expr
			default:
				return nil, fmt.Errorf("agent %s schedule %s: needs cron or every", name, spec.Name)
			}
			s.entries = append(s.entries, entry)
		}
	}
	return s, nil
}

// Run starts the scheduling loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.entries) == 0 {
		<-ctx.Done()
		return
	}
	now := time.Now()
	for _, e := range s.entries {
		e.nextRun = e.next(now)
	}
	s.logger.Info("scheduler started", "entries", len(s.entries))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if now.Before(e.nextRun) {
			continue
		}
		e.nextRun = e.next(now)
		go s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *scheduleEntry) {
	s.logger.Info("schedule fired", "agent", e.agent, "schedule", e.spec.Name)
	_, err := s.trigger(ctx, e.agent, RunOptions{
		Prompt:       e.spec.Prompt,
		TriggerType:  TriggerSchedule,
		ScheduleName: e.spec.Name,
		FreshSession: e.spec.FreshSession,
	})
	if err != nil {
		s.logger.Error("scheduled run failed", "agent", e.agent, "schedule", e.spec.Name, "error", err)
	}
}

func (e *scheduleEntry) next(after time.Time) time.Time {
	if e.every > 0 {
		return after.Add(e.every)
	}
	return e.cron.nextAfter(after)
}

// --- cron expressions ---

// cronExpr is a parsed five-field cron descriptor: minute, hour, day of
// month, month, day of week. Supports *, lists, ranges, and */n steps.
type cronExpr struct {
	minute, hour, dom, month, dow uint64 // bitsets
}

type cronField struct {
	min, max int
}

var cronFields = []cronField{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, 0 = Sunday
}

func parseCron(expr string) (*cronExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(fields))
	}
	sets := make([]uint64, 5)
	for i, f := range fields {
		set, err := parseCronField(f, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		sets[i] = set
	}
	return &cronExpr{minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4]}, nil
}

func parseCronField(f string, bounds cronField) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(f, ",") {
		step := 1
		if idx := strings.Index(part, "/"); idx >= 0 {
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step in %q", part)
			}
			step = n
			part = part[:idx]
		}
		lo, hi := bounds.min, bounds.max
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			r := strings.SplitN(part, "-", 2)
			a, err1 := strconv.Atoi(r[0])
			b, err2 := strconv.Atoi(r[1])
			if err1 != nil || err2 != nil {
				return 0, fmt.Errorf("bad range %q", part)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", part)
			}
			lo, hi = n, n
		}
		if lo < bounds.min || hi > bounds.max || lo > hi {
			return 0, fmt.Errorf("value out of range in %q", part)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func (c *cronExpr) matches(t time.Time) bool {
	return c.minute&(1<<uint(t.Minute())) != 0 &&
		c.hour&(1<<uint(t.Hour())) != 0 &&
		c.dom&(1<<uint(t.Day())) != 0 &&
		c.month&(1<<uint(int(t.Month()))) != 0 &&
		c.dow&(1<<uint(int(t.Weekday()))) != 0
}

// nextAfter returns the first minute boundary after t matching the
// expression, scanning at most four years ahead.
func (c *cronExpr) nextAfter(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)
	for next.Before(limit) {
		if c.matches(next) {
			return next
		}
		next = next.Add(time.Minute)
	}
	return limit
}
