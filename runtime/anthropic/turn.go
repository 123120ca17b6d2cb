package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/flotilla-dev/flotilla"
)

// turn drives one agentic loop: prompt in, streamed completions and tool
// round-trips out, terminal result message at the end.
type turn struct {
	rt        *Runtime
	agent     *flotilla.AgentSpec
	prompt    string
	sessionID string
	history   []sdk.MessageParam
	tools     []sdk.ToolUnionParam
	handlers  map[string]flotilla.ToolHandler

	ch chan flotilla.UpstreamMessage

	errMu  sync.Mutex
	runErr error

	totalIn  int
	totalOut int
}

func (t *turn) err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.runErr
}

func (t *turn) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.runErr == nil {
		t.runErr = err
	}
}

// emit forwards one message, giving up when the consumer is gone.
func (t *turn) emit(ctx context.Context, msg flotilla.UpstreamMessage) bool {
	select {
	case <-ctx.Done():
		return false
	case t.ch <- msg:
		return true
	}
}

func (t *turn) run(ctx context.Context) {
	defer close(t.ch)

	if !t.emit(ctx, flotilla.Msg(
		"type", "system",
		"subtype", "init",
		"session_id", t.sessionID,
		"model", t.model(),
	)) {
		t.setErr(ctx.Err())
		return
	}

	t.history = append(t.history, sdk.NewUserMessage(sdk.NewTextBlock(t.prompt)))

	var lastText string
	for i := 0; ; i++ {
		if i >= t.maxTurns() {
			t.setErr(fmt.Errorf("max_turns reached after %d model calls", i))
			return
		}
		text, calls, err := t.completeOnce(ctx)
		if err != nil {
			t.setErr(err)
			return
		}
		if text != "" {
			lastText = text
		}
		if len(calls) == 0 {
			break
		}
		if err := t.dispatchTools(ctx, calls); err != nil {
			t.setErr(err)
			return
		}
	}

	// Transcript persists only after a fully successful loop, so a failed
	// turn never corrupts the resumable history.
	t.rt.sessions.put(t.sessionID, t.history)

	t.emit(ctx, flotilla.Msg(
		"type", "result",
		"result", lastText,
		"session_id", t.sessionID,
		"usage", map[string]any{
			"input_tokens":   t.totalIn,
			"output_tokens":  t.totalOut,
			"context_window": contextWindow,
		},
	))
}

func (t *turn) model() string {
	if t.agent != nil && t.agent.Model != "" {
		return t.agent.Model
	}
	return t.rt.defaultModel
}

func (t *turn) maxTurns() int {
	if t.agent != nil && t.agent.MaxTurns > 0 {
		return t.agent.MaxTurns
	}
	return t.rt.maxTurns
}

// toolCall is one fully-assembled tool invocation from a completion.
type toolCall struct {
	id    string
	name  string
	input json.RawMessage
}

// completeOnce streams one model completion, forwarding text deltas as they
// arrive, and returns the assistant text plus any tool calls. The assistant
// message (with this call's token usage) is emitted and appended to the
// transcript before returning.
func (t *turn) completeOnce(ctx context.Context) (string, []toolCall, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(t.model()),
		MaxTokens: int64(t.rt.maxTokens),
		Messages:  t.history,
	}
	if t.agent != nil && t.agent.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: t.agent.SystemPrompt}}
	}
	if len(t.tools) > 0 {
		params.Tools = t.tools
	}

	stream := t.rt.msg.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text    strings.Builder
		calls   []toolCall
		buffers = make(map[int]*toolBuffer)
		turnIn  int
		turnOut int
	)
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			turnIn = int(ev.Message.Usage.InputTokens)
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				if tu.ID == "" || tu.Name == "" {
					return "", nil, fmt.Errorf("stream: tool_use block missing id or name")
				}
				buffers[int(ev.Index)] = &toolBuffer{id: tu.ID, name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				text.WriteString(delta.Text)
				if !t.emit(ctx, flotilla.Msg(
					"type", "stream_event",
					"delta", map[string]any{"text": delta.Text},
				)) {
					return "", nil, ctx.Err()
				}
			case sdk.InputJSONDelta:
				if b := buffers[int(ev.Index)]; b != nil {
					b.fragments = append(b.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if b := buffers[int(ev.Index)]; b != nil {
				delete(buffers, int(ev.Index))
				calls = append(calls, toolCall{id: b.id, name: b.name, input: b.finalInput()})
			}
		case sdk.MessageDeltaEvent:
			if n := int(ev.Usage.InputTokens); n > turnIn {
				turnIn = n
			}
			turnOut = int(ev.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, fmt.Errorf("anthropic stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	t.totalIn += turnIn
	t.totalOut += turnOut

	assistant := flotilla.Msg(
		"type", "assistant",
		"message", map[string]any{
			"content": text.String(),
			"usage": map[string]any{
				"input_tokens":   turnIn,
				"output_tokens":  turnOut,
				"context_window": contextWindow,
			},
		},
	)
	if !t.emit(ctx, assistant) {
		return "", nil, ctx.Err()
	}

	blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(calls))
	if s := text.String(); s != "" {
		blocks = append(blocks, sdk.NewTextBlock(s))
	}
	for _, c := range calls {
		blocks = append(blocks, sdk.NewToolUseBlock(c.id, c.input, c.name))
	}
	if len(blocks) > 0 {
		t.history = append(t.history, sdk.NewAssistantMessage(blocks...))
	}
	return text.String(), calls, nil
}

// dispatchTools runs each tool call through its handler and feeds the
// results back into the transcript. Handler failures become error results
// for the model, never turn failures.
func (t *turn) dispatchTools(ctx context.Context, calls []toolCall) error {
	results := make([]sdk.ContentBlockParamUnion, 0, len(calls))
	for _, c := range calls {
		if !t.emit(ctx, flotilla.Msg(
			"type", "tool_use",
			"id", c.id,
			"name", c.name,
			"input", c.input,
		)) {
			return ctx.Err()
		}

		content, isErr := t.invoke(ctx, c)
		if !t.emit(ctx, flotilla.Msg(
			"type", "tool_result",
			"tool_use_id", c.id,
			"content", content,
			"is_error", isErr,
		)) {
			return ctx.Err()
		}
		results = append(results, sdk.NewToolResultBlock(c.id, content, isErr))
	}
	t.history = append(t.history, sdk.NewUserMessage(results...))
	return nil
}

func (t *turn) invoke(ctx context.Context, c toolCall) (content string, isErr bool) {
	handler, ok := t.handlers[c.name]
	if !ok || handler == nil {
		return fmt.Sprintf("unknown tool %q", c.name), true
	}
	defer func() {
		if p := recover(); p != nil {
			t.rt.logger.Error("tool handler panicked", "tool", c.name, "panic", p)
			content = fmt.Sprintf("tool %q panicked", c.name)
			isErr = true
		}
	}()
	out, err := handler(ctx, c.input)
	if err != nil {
		return err.Error(), true
	}
	return out, false
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (b *toolBuffer) finalInput() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(b.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}
