// Package flotilla is the orchestration core for running a fleet of AI
// coding agents from one process.
//
// It provides the building blocks for agent fleets: a runtime abstraction
// that executes turns in-process or in sibling Docker containers, a job
// executor with streamed output and session recovery, per-agent and
// per-conversation session stores with strict isolation rules, a chat
// manager that fans one platform connection out to many agents, cron and
// interval schedules, and post-run hooks.
//
// # Quick Start
//
// Configure agents, register runtimes and adapters, and start the fleet:
//
//	rt, _ := anthropic.NewFromAPIKey(apiKey, anthropic.Options{DefaultModel: model})
//	fleet, _ := flotilla.NewFleet(stateDir, agents,
//		flotilla.WithRuntime(flotilla.RuntimeInProcess, rt),
//		flotilla.WithChatAdapters(telegram.New(token)),
//	)
//	fleet.Initialize(ctx)
//	fleet.Start(ctx)
//
// One-shot turns go through the same entry point every trigger uses:
//
//	result, err := fleet.Trigger(ctx, "coder", flotilla.RunOptions{
//		Prompt: "Fix the failing test in pkg/parser.",
//	})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Runtime] — executes one agent turn and streams upstream messages
//   - [MessageStream] — lazy, cancellable sequence of turn output
//   - [ChatAdapter] — bidirectional chat platform connection
//   - [TurnObserver] — per-turn tracing and metrics hooks
//
// # Included Implementations
//
// Runtimes: runtime/anthropic (in-process on the Anthropic Messages API),
// runtime/dockerrun (sibling containers on the host Docker socket).
// Chat: chat/telegram (Bot API long polling with forum-topic threads).
// Observability: observer (OTEL spans and counters per turn).
//
// See cmd/flotilla for the complete host application.
package flotilla
