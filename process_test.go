package flotilla

import (
	"strings"
	"testing"
)

func TestProcessMessageNilAndNonObject(t *testing.T) {
	for _, raw := range []any{nil, "plain string", 42, []any{"x"}} {
		ev := ProcessMessage(raw)
		if ev.Output.Type != "system" || ev.Output.Subtype != "unknown_type" {
			t.Errorf("ProcessMessage(%v) = %+v, want system/unknown_type", raw, ev.Output)
		}
		if ev.IsTerminal {
			t.Errorf("ProcessMessage(%v) terminal, want not", raw)
		}
	}
}

func TestProcessMessageUnknownTag(t *testing.T) {
	ev := ProcessMessage(Msg("type", "mystery", "payload", "x"))
	if ev.Output.Subtype != "unknown_type" {
		t.Fatalf("unknown tag: got %+v", ev.Output)
	}
	if !strings.Contains(ev.Output.Content, "mystery") {
		t.Errorf("unknown content %q should carry the original tag", ev.Output.Content)
	}
}

func TestProcessSystemInitExposesSessionID(t *testing.T) {
	ev := ProcessMessage(Msg("type", "system", "subtype", "init", "session_id", "S1"))
	if ev.SessionID != "S1" {
		t.Errorf("session_id = %q, want S1", ev.SessionID)
	}
	if ev.IsTerminal {
		t.Error("init must not be terminal")
	}
}

func TestProcessAssistantStringContent(t *testing.T) {
	ev := ProcessMessage(Msg("type", "assistant", "content", "hello"))
	if ev.Output.Type != "assistant" || ev.Output.Content != "hello" || ev.Output.Partial {
		t.Errorf("got %+v", ev.Output)
	}
}

func TestProcessAssistantBlockContent(t *testing.T) {
	blocks := []any{
		map[string]any{"type": "text", "text": "part one "},
		map[string]any{"type": "tool_use", "name": "ignored"},
		map[string]any{"type": "text", "text": "part two"},
	}
	ev := ProcessMessage(Msg("type", "assistant", "message", map[string]any{
		"content": blocks,
		"usage":   map[string]any{"input_tokens": 10, "output_tokens": 3},
	}))
	if ev.Output.Content != "part one part two" {
		t.Errorf("content = %q", ev.Output.Content)
	}
	if ev.Output.Usage == nil || ev.Output.Usage.InputTokens != 10 || ev.Output.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", ev.Output.Usage)
	}
}

func TestProcessStreamEventIsPartial(t *testing.T) {
	ev := ProcessMessage(Msg("type", "stream_event", "delta", map[string]any{"text": "chunk"}))
	if !ev.Output.Partial || ev.Output.Content != "chunk" || ev.Output.Type != "assistant" {
		t.Errorf("got %+v", ev.Output)
	}
}

func TestProcessResultTerminal(t *testing.T) {
	ev := ProcessMessage(Msg("type", "result",
		"result", "all done",
		"session_id", "S9",
		"usage", map[string]any{"input_tokens": 100, "output_tokens": 20, "context_window": 200000},
	))
	if !ev.IsTerminal {
		t.Fatal("result must be terminal")
	}
	if ev.SessionID != "S9" {
		t.Errorf("session_id = %q", ev.SessionID)
	}
	if ev.Output.Usage == nil || ev.Output.Usage.ContextWindow != 200000 {
		t.Errorf("usage = %+v", ev.Output.Usage)
	}
}

func TestProcessUserToolResult(t *testing.T) {
	ev := ProcessMessage(Msg("type", "user", "message", map[string]any{
		"content": []any{map[string]any{
			"type":        "tool_result",
			"tool_use_id": "tu_1",
			"content":     "ok",
			"is_error":    false,
		}},
	}))
	if ev.Output.Type != "tool_result" || ev.Output.ToolUseID != "tu_1" || ev.Output.Result != "ok" {
		t.Errorf("got %+v", ev.Output)
	}
	if ev.Output.Success == nil || !*ev.Output.Success {
		t.Errorf("success = %v", ev.Output.Success)
	}
}

func TestProcessUserPlain(t *testing.T) {
	ev := ProcessMessage(Msg("type", "user", "content", "typed something"))
	if ev.Output.Type != "system" || ev.Output.Subtype != "user_input" {
		t.Errorf("got %+v", ev.Output)
	}
}

func TestProcessErrorTerminal(t *testing.T) {
	ev := ProcessMessage(Msg("type", "error", "message", "boom", "code", "E42"))
	if !ev.IsTerminal || ev.Output.Type != "error" || ev.Output.Error != "boom" || ev.Output.Code != "E42" {
		t.Errorf("got %+v terminal=%v", ev.Output, ev.IsTerminal)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []any{
		Msg("type", "error"),
		Msg("type", "result"),
		Msg("type", "system", "subtype", "end"),
		Msg("type", "system", "subtype", "complete"),
		Msg("type", "system", "subtype", "session_end"),
	}
	for _, m := range terminal {
		if !IsTerminal(m) {
			t.Errorf("IsTerminal(%v) = false", m)
		}
	}
	notTerminal := []any{
		nil,
		Msg("type", "assistant"),
		Msg("type", "system", "subtype", "init"),
		Msg("type", "stream_event"),
	}
	for _, m := range notTerminal {
		if IsTerminal(m) {
			t.Errorf("IsTerminal(%v) = true", m)
		}
	}
}

func TestExtractSummary(t *testing.T) {
	if got := ExtractSummary(Msg("summary", "explicit"), "fallback"); got != "explicit" {
		t.Errorf("got %q, want explicit summary", got)
	}
	if got := ExtractSummary(Msg("result", "from result"), "fallback"); got != "from result" {
		t.Errorf("got %q, want result text", got)
	}
	long := strings.Repeat("x", 600)
	got := ExtractSummary(Msg(), long)
	if len([]rune(got)) != summaryLimit+1 || !strings.HasSuffix(got, "…") {
		t.Errorf("fallback summary not truncated: len=%d", len([]rune(got)))
	}
}
