package flotilla

import (
	"context"
	"encoding/json"
	"io"
)

// ToolHandler executes one injected tool call and returns its textual result.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

// ToolSpec declares one injected tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     ToolHandler
}

// ToolServer is a named group of injected tools. The in-process runtime
// dispatches handlers directly; the container runtime exposes them to the
// agent container over HTTP on the agent network.
type ToolServer struct {
	Name    string
	Version string
	Tools   []ToolSpec
}

// ExecuteRequest describes one turn for a runtime.
type ExecuteRequest struct {
	Prompt string
	Agent  *AgentSpec
	// JobID names the job this turn belongs to. The container runtime folds
	// it into the container name; other runtimes may ignore it.
	JobID string
	// Resume is the upstream session ID to continue, empty for a fresh
	// session. The runtime passes it to the provider without
	// reinterpretation; the provider decides whether it is valid.
	Resume string
	// Fork continues Resume's history under a new session.
	Fork        bool
	ToolServers []ToolServer
}

// MessageStream is a lazy sequence of upstream messages for one turn.
// Messages arrive in causal order. Recv honors ctx cancellation; after the
// terminal message or an error the stream is exhausted. Close releases all
// runtime resources (subprocess killed, container removed, streams closed)
// and is safe to call more than once.
type MessageStream interface {
	// Recv returns the next message, io.EOF when the stream is complete,
	// or the runtime error that ended it.
	Recv(ctx context.Context) (UpstreamMessage, error)
	Close() error
}

// Runtime executes one agent turn and streams the provider's messages back.
// Implementations: the in-process provider runtime and the sibling-container
// runtime. Errors returned from Execute itself are init-phase failures.
type Runtime interface {
	Execute(ctx context.Context, req ExecuteRequest) (MessageStream, error)
}

// RuntimeResolver picks the Runtime for an agent. The fleet manager wires
// one backed by the configured runtimes.
type RuntimeResolver func(agent *AgentSpec) (Runtime, error)

// ChanStream adapts a message channel plus a terminal error slot into a
// MessageStream. The producer closes ch when done and sets err (via the
// errFn) before closing. Used by both built-in runtimes and by test fakes.
type ChanStream struct {
	Ch      <-chan UpstreamMessage
	ErrFn   func() error
	CloseFn func() error
}

func (s *ChanStream) Recv(ctx context.Context) (UpstreamMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.Ch:
		if !ok {
			if s.ErrFn != nil {
				if err := s.ErrFn(); err != nil {
					return nil, err
				}
			}
			return nil, io.EOF
		}
		return msg, nil
	}
}

func (s *ChanStream) Close() error {
	if s.CloseFn != nil {
		return s.CloseFn()
	}
	return nil
}
