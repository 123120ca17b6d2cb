package flotilla

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// TurnObserver receives lifecycle notifications for metrics/tracing. The
// observer package provides an OTEL-backed implementation; a nil observer
// disables instrumentation.
type TurnObserver interface {
	// TurnStarted opens a span for one turn. The returned func closes it
	// with the turn's outcome.
	TurnStarted(ctx context.Context, agent string, trigger TriggerType) (context.Context, func(err error))
	// TokensUsed records a usage delta attributed to an agent.
	TokensUsed(ctx context.Context, agent string, u Usage)
}

// Fleet owns the set of resolved agents and every subsystem that acts on
// them: job runner, scheduler, chat manager, hook executor. Agents are
// loaded once and immutable while running; there is no dynamic add/remove.
type Fleet struct {
	stateDir string
	agents   map[string]*AgentSpec
	logger   *slog.Logger
	observer TurnObserver
	runtimes map[RuntimeType]Runtime
	adapters []ChatAdapter

	jobs     *JobStore
	sessions *SessionStore
	runner   *JobRunner
	sched    *Scheduler
	chat     *ChatManager
	hooks    *HookExecutor

	cancel context.CancelFunc
	done   chan struct{}
}

// FleetOption configures a Fleet.
type FleetOption func(*Fleet)

// WithLogger sets the fleet's base logger.
func WithLogger(l *slog.Logger) FleetOption { return func(f *Fleet) { f.logger = l } }

// WithObserver wires turn instrumentation.
func WithObserver(o TurnObserver) FleetOption { return func(f *Fleet) { f.observer = o } }

// WithRuntime registers the Runtime backing one runtime type.
func WithRuntime(t RuntimeType, r Runtime) FleetOption {
	return func(f *Fleet) { f.runtimes[t] = r }
}

// WithChatAdapters registers the chat platform adapters.
func WithChatAdapters(adapters ...ChatAdapter) FleetOption {
	return func(f *Fleet) { f.adapters = append(f.adapters, adapters...) }
}

// NewFleet validates the agent set and creates an uninitialized fleet.
func NewFleet(stateDir string, agents []AgentSpec, opts ...FleetOption) (*Fleet, error) {
	f := &Fleet{
		stateDir: stateDir,
		agents:   make(map[string]*AgentSpec, len(agents)),
		logger:   slog.Default(),
		runtimes: make(map[RuntimeType]Runtime),
		done:     make(chan struct{}),
	}
	for i := range agents {
		a := agents[i]
		if !ValidIdentifier(a.Name) {
			return nil, fmt.Errorf("%w: invalid agent name %q", ErrPathTraversal, a.Name)
		}
		if _, dup := f.agents[a.Name]; dup {
			return nil, fmt.Errorf("duplicate agent name %q", a.Name)
		}
		f.agents[a.Name] = &a
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "fleet")
	return f, nil
}

// Initialize constructs the stores and subsystems and runs startup cleanup.
// Must be called before Start or Trigger.
func (f *Fleet) Initialize(ctx context.Context) error {
	f.jobs = NewJobStore(f.stateDir, f.logger)
	f.sessions = NewSessionStore(f.stateDir, f.logger)
	f.runner = NewJobRunner(f.jobs, f.sessions, f.resolveRuntime, f.logger)

	sched, err := NewScheduler(f.agents, f.Trigger, f.logger)
	if err != nil {
		return err
	}
	f.sched = sched

	if len(f.adapters) > 0 {
		chat, err := NewChatManager(f.stateDir, f.agents, f.adapters, f.Trigger, f.logger)
		if err != nil {
			return err
		}
		f.chat = chat
	}

	posters := make(map[string]ChatPoster)
	if f.chat != nil {
		for _, a := range f.adapters {
			if p := f.chat.Poster(a.Platform()); p != nil {
				posters[a.Platform()] = p
			}
		}
	}
	f.hooks = NewHookExecutor(posters, f.logger)

	// Cleanup-on-startup: agent sessions idle past their timeout die now.
	var maxTimeout time.Duration
	for _, a := range f.agents {
		if t := a.SessionTimeout(); t > maxTimeout {
			maxTimeout = t
		}
	}
	if maxTimeout > 0 {
		if n, err := f.sessions.CleanupExpired(time.Now(), maxTimeout); err != nil {
			f.logger.Warn("session cleanup failed", "error", err)
		} else if n > 0 {
			f.logger.Info("removed expired agent sessions", "count", n)
		}
	}

	f.logger.Info("fleet initialized", "agents", len(f.agents))
	return nil
}

func (f *Fleet) resolveRuntime(agent *AgentSpec) (Runtime, error) {
	t := agent.RuntimeType()
	rt, ok := f.runtimes[t]
	if !ok {
		return nil, fmt.Errorf("no runtime registered for %q", t)
	}
	return rt, nil
}

// Start spawns the long-running loops (scheduler, chat) and returns. Use
// Stop for cooperative shutdown, or cancel the context passed here.
func (f *Fleet) Start(ctx context.Context) error {
	if f.runner == nil {
		return fmt.Errorf("fleet not initialized")
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		f.sched.Run(gctx)
		return nil
	})
	if f.chat != nil {
		g.Go(func() error {
			err := f.chat.Run(gctx)
			if err != nil && gctx.Err() != nil {
				return nil // cooperative shutdown
			}
			return err
		})
	}
	go func() {
		defer close(f.done)
		if err := g.Wait(); err != nil {
			f.logger.Error("fleet loop exited", "error", err)
		}
	}()
	f.logger.Info("fleet started")
	return nil
}

// Stop cancels every live turn and loop and waits for acknowledgement up to
// the given timeout.
func (f *Fleet) Stop(timeout time.Duration) error {
	if f.cancel == nil {
		return nil
	}
	f.cancel()
	select {
	case <-f.done:
		f.logger.Info("fleet stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("fleet stop: timed out after %s", timeout)
	}
}

// Trigger is the sole entry point for executing a turn, used by the CLI,
// scheduler, chat manager, and hooks alike.
func (f *Fleet) Trigger(ctx context.Context, agentName string, opts RunOptions) (*RunResult, error) {
	agent, ok := f.agents[agentName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentName)
	}
	if opts.TriggerType == "" {
		opts.TriggerType = TriggerManual
	}

	// Direct paths (CLI, schedule, hook) resume the agent-level session;
	// chat paths own their per-conversation mapping and pass Resume
	// themselves.
	if opts.Resume == "" && !opts.FreshSession && !isChatTrigger(opts.TriggerType) {
		sess, err := f.sessions.Load(agentName, LoadOptions{
			Timeout: agent.SessionTimeout(),
			Runtime: agent.RuntimeType(),
		})
		if err != nil {
			f.logger.Warn("agent session load failed", "agent", agentName, "error", err)
		} else if sess != nil {
			opts.Resume = sess.SessionID
		}
	}

	var closeSpan func(error)
	if f.observer != nil {
		ctx, closeSpan = f.observer.TurnStarted(ctx, agentName, opts.TriggerType)
		userOnUsage := opts.OnUsage
		opts.OnUsage = func(u Usage) {
			f.observer.TokensUsed(ctx, agentName, u)
			if userOnUsage != nil {
				userOnUsage(u)
			}
		}
	}

	result, err := f.runner.Run(ctx, agent, opts)
	if closeSpan != nil {
		closeSpan(err)
	}
	if err != nil {
		return result, err
	}

	// Post-run hooks fire only for successful jobs, and only when the turn
	// itself was not hook-triggered (no hook chains).
	if len(agent.Hooks) > 0 && opts.TriggerType != TriggerHook {
		if job, jerr := f.jobs.Get(result.JobID); jerr == nil {
			f.hooks.RunAll(ctx, agent, job, result)
		}
	}
	return result, nil
}

// Agents returns the agent names in the fleet, for diagnostics.
func (f *Fleet) Agents() []string {
	names := make([]string, 0, len(f.agents))
	for n := range f.agents {
		names = append(names, n)
	}
	return names
}

// Jobs exposes the job store for read-side tooling.
func (f *Fleet) Jobs() *JobStore { return f.jobs }

// Sessions exposes the agent-session store for read-side tooling.
func (f *Fleet) Sessions() *SessionStore { return f.sessions }

func isChatTrigger(t TriggerType) bool {
	return strings.HasPrefix(string(t), "chat-")
}
