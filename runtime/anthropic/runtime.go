// Package anthropic implements the in-process flotilla runtime on the
// Anthropic Messages API. Turns run an agentic loop inside the fleet
// process: streamed model output is forwarded as upstream messages, tool
// calls from injected tool servers are dispatched directly, and transcripts
// are kept in memory keyed by session ID so later turns can resume them.
//
// Transcripts do not survive a process restart. Resuming a session ID the
// runtime no longer knows fails with a "session not found" error, which the
// job executor recognizes and recovers from with a fresh session.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/flotilla-dev/flotilla"
)

const (
	defaultMaxTokens = 8192
	defaultMaxTurns  = 24
	// contextWindow is reported with usage so chat status can show pressure.
	contextWindow = 200000
)

// MessagesClient is the subset of the SDK client the runtime uses. It is
// satisfied by *sdk.MessageService; tests pass a fake.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the runtime.
type Options struct {
	// DefaultModel is used when an agent does not name a model.
	DefaultModel string
	// MaxTokens caps each completion. Zero means the package default.
	MaxTokens int
	// MaxTurns bounds the tool loop per turn. Zero means the package default.
	MaxTurns int
	Logger   *slog.Logger
}

// Runtime is the in-process Runtime implementation.
type Runtime struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	maxTurns     int
	logger       *slog.Logger
	sessions     *sessionStore
}

var _ flotilla.Runtime = (*Runtime)(nil)

// New builds a runtime over an SDK Messages client.
func New(msg MessagesClient, opts Options) (*Runtime, error) {
	if msg == nil {
		return nil, fmt.Errorf("anthropic runtime: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, fmt.Errorf("anthropic runtime: default model is required")
	}
	r := &Runtime{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		maxTurns:     opts.MaxTurns,
		logger:       opts.Logger,
		sessions:     newSessionStore(),
	}
	if r.maxTokens <= 0 {
		r.maxTokens = defaultMaxTokens
	}
	if r.maxTurns <= 0 {
		r.maxTurns = defaultMaxTurns
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "anthropic-runtime")
	return r, nil
}

// NewFromAPIKey builds a runtime with the default SDK HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Runtime, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic runtime: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, opts)
}

// Execute starts one turn. Init-phase failures (unknown resume session,
// unusable tool set) return an error directly; everything after the first
// streamed message surfaces through the stream.
func (r *Runtime) Execute(ctx context.Context, req flotilla.ExecuteRequest) (flotilla.MessageStream, error) {
	history, sessionID, err := r.resolveSession(req)
	if err != nil {
		return nil, err
	}
	tools, handlers, err := encodeToolServers(req.ToolServers)
	if err != nil {
		return nil, err
	}

	t := &turn{
		rt:        r,
		agent:     req.Agent,
		prompt:    req.Prompt,
		sessionID: sessionID,
		history:   history,
		tools:     tools,
		handlers:  handlers,
		ch:        make(chan flotilla.UpstreamMessage, 32),
	}
	runCtx, cancel := context.WithCancel(ctx)
	go t.run(runCtx)
	return &flotilla.ChanStream{
		Ch:    t.ch,
		ErrFn: t.err,
		CloseFn: func() error {
			cancel()
			return nil
		},
	}, nil
}

// resolveSession maps the request's resume/fork flags onto a transcript and
// the session ID this turn will report.
func (r *Runtime) resolveSession(req flotilla.ExecuteRequest) ([]sdk.MessageParam, string, error) {
	if req.Resume == "" {
		return nil, uuid.NewString(), nil
	}
	history, ok := r.sessions.get(req.Resume)
	if !ok {
		return nil, "", fmt.Errorf("session not found: %s", req.Resume)
	}
	if req.Fork {
		// Forks branch the transcript under a fresh ID; the original session
		// is left untouched.
		return history, uuid.NewString(), nil
	}
	return history, req.Resume, nil
}

// sessionStore holds per-session transcripts. Values handed out are copies,
// so concurrent turns on forks cannot alias each other's history.
type sessionStore struct {
	mu          sync.Mutex
	transcripts map[string][]sdk.MessageParam
}

func newSessionStore() *sessionStore {
	return &sessionStore{transcripts: make(map[string][]sdk.MessageParam)}
}

func (s *sessionStore) get(id string) ([]sdk.MessageParam, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcripts[id]
	if !ok {
		return nil, false
	}
	return append([]sdk.MessageParam(nil), t...), true
}

func (s *sessionStore) put(id string, t []sdk.MessageParam) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[id] = t
}

// encodeToolServers flattens injected tool servers into SDK tool params and
// a dispatch table. Tool names must be unique across servers.
func encodeToolServers(servers []flotilla.ToolServer) ([]sdk.ToolUnionParam, map[string]flotilla.ToolHandler, error) {
	if len(servers) == 0 {
		return nil, nil, nil
	}
	var tools []sdk.ToolUnionParam
	handlers := make(map[string]flotilla.ToolHandler)
	for _, srv := range servers {
		for _, spec := range srv.Tools {
			if spec.Name == "" {
				return nil, nil, fmt.Errorf("tool server %s: tool with empty name", srv.Name)
			}
			if _, dup := handlers[spec.Name]; dup {
				return nil, nil, fmt.Errorf("duplicate tool name %q", spec.Name)
			}
			schema, err := toolSchema(spec.Schema)
			if err != nil {
				return nil, nil, fmt.Errorf("tool %s: bad schema: %w", spec.Name, err)
			}
			u := sdk.ToolUnionParamOfTool(schema, spec.Name)
			if u.OfTool != nil && spec.Description != "" {
				u.OfTool.Description = sdk.String(spec.Description)
			}
			tools = append(tools, u)
			handlers[spec.Name] = spec.Handler
		}
	}
	return tools, handlers, nil
}

func toolSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}
