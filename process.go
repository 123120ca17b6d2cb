package flotilla

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ProcessedEvent is the normalized form of one upstream message: the closed
// event type for the job log, plus the session ID and terminality signals
// the job executor acts on.
type ProcessedEvent struct {
	Output     JobOutputEvent
	SessionID  string
	IsTerminal bool
}

// ProcessMessage normalizes any upstream value (including nil, non-objects,
// and unknown tags) into a ProcessedEvent. It never panics and never
// returns an error: unknown shapes collapse into a system{unknown_type}
// event so a malformed message cannot kill a turn.
func ProcessMessage(raw any) ProcessedEvent {
	m, ok := asMap(raw)
	if !ok {
		return ProcessedEvent{Output: JobOutputEvent{
			Type:    "system",
			Subtype: "unknown_type",
			Content: fmt.Sprintf("%v", raw),
		}}
	}

	switch str(m, "type") {
	case "system":
		return processSystem(m)
	case "assistant":
		return processAssistant(m)
	case "stream_event":
		return processStreamEvent(m)
	case "result":
		return processResult(m)
	case "user":
		return processUser(m)
	case "tool_use":
		return ProcessedEvent{Output: JobOutputEvent{
			Type:      "tool_use",
			ToolName:  str(m, "tool_name", "name"),
			ToolUseID: str(m, "tool_use_id", "id"),
			Input:     rawField(m, "input"),
		}}
	case "tool_result":
		return ProcessedEvent{Output: toolResultEvent(m)}
	case "tool_progress":
		return ProcessedEvent{Output: JobOutputEvent{
			Type:    "system",
			Subtype: "tool_progress",
			Content: str(m, "content", "message", "tool_name"),
		}}
	case "auth_status":
		return ProcessedEvent{Output: JobOutputEvent{
			Type:    "system",
			Subtype: "auth_status",
			Content: str(m, "content", "status", "message"),
		}}
	case "error":
		return ProcessedEvent{
			Output: JobOutputEvent{
				Type:  "error",
				Error: str(m, "message", "error"),
				Code:  str(m, "code"),
				Stack: str(m, "stack"),
			},
			IsTerminal: true,
		}
	default:
		content, _ := json.Marshal(m)
		return ProcessedEvent{Output: JobOutputEvent{
			Type:    "system",
			Subtype: "unknown_type",
			Content: string(content),
		}}
	}
}

// IsTerminal reports whether msg ends the stream: error, result, and system
// messages with subtype end, complete, or session_end.
func IsTerminal(raw any) bool {
	m, ok := asMap(raw)
	if !ok {
		return false
	}
	switch str(m, "type") {
	case "error", "result":
		return true
	case "system":
		switch str(m, "subtype") {
		case "end", "complete", "session_end":
			return true
		}
	}
	return false
}

func processSystem(m map[string]any) ProcessedEvent {
	ev := ProcessedEvent{Output: JobOutputEvent{
		Type:    "system",
		Subtype: str(m, "subtype"),
		Content: str(m, "content", "message"),
	}}
	if ev.Output.Subtype == "init" {
		ev.SessionID = str(m, "session_id")
	}
	switch ev.Output.Subtype {
	case "end", "complete", "session_end":
		ev.IsTerminal = true
	}
	return ev
}

func processAssistant(m map[string]any) ProcessedEvent {
	// Content may live at the top level or inside a nested message object;
	// it is either a string or a sequence of content blocks where text
	// blocks carry a "text" field.
	content := m["content"]
	usage := usageField(m, "usage")
	if nested, ok := asMap(m["message"]); ok {
		if content == nil {
			content = nested["content"]
		}
		if usage == nil {
			usage = usageField(nested, "usage")
		}
	}
	return ProcessedEvent{Output: JobOutputEvent{
		Type:    "assistant",
		Content: extractText(content),
		Usage:   usage,
	}}
}

func processStreamEvent(m map[string]any) ProcessedEvent {
	var text string
	if delta, ok := asMap(m["delta"]); ok {
		text = str(delta, "text")
	}
	if text == "" {
		if event, ok := asMap(m["event"]); ok {
			if delta, ok := asMap(event["delta"]); ok {
				text = str(delta, "text")
			}
		}
	}
	if text == "" {
		text = str(m, "text")
	}
	return ProcessedEvent{Output: JobOutputEvent{
		Type:    "assistant",
		Content: text,
		Partial: true,
	}}
}

func processResult(m map[string]any) ProcessedEvent {
	return ProcessedEvent{
		Output: JobOutputEvent{
			Type:    "system",
			Subtype: "result",
			Content: str(m, "result", "summary"),
			Usage:   usageField(m, "usage"),
		},
		SessionID:  str(m, "session_id"),
		IsTerminal: true,
	}
}

func processUser(m map[string]any) ProcessedEvent {
	// A user message carrying a tool result becomes a tool_result event;
	// anything else is surfaced as a user_input system event.
	if tr, ok := asMap(m["tool_result"]); ok {
		return ProcessedEvent{Output: toolResultEvent(tr)}
	}
	if nested, ok := asMap(m["message"]); ok {
		if blocks, ok := nested["content"].([]any); ok {
			for _, b := range blocks {
				if bm, ok := asMap(b); ok && str(bm, "type") == "tool_result" {
					return ProcessedEvent{Output: toolResultEvent(bm)}
				}
			}
		}
	}
	return ProcessedEvent{Output: JobOutputEvent{
		Type:    "system",
		Subtype: "user_input",
		Content: extractText(m["content"]),
	}}
}

func toolResultEvent(m map[string]any) JobOutputEvent {
	ev := JobOutputEvent{
		Type:      "tool_result",
		ToolUseID: str(m, "tool_use_id"),
		Result:    extractText(m["result"]),
		Error:     str(m, "error"),
	}
	if ev.Result == "" {
		ev.Result = extractText(m["content"])
	}
	if v, ok := m["success"].(bool); ok {
		ev.Success = &v
	} else if isErr, ok := m["is_error"].(bool); ok {
		v := !isErr
		ev.Success = &v
	}
	return ev
}

// summaryLimit caps fallback summaries extracted from assistant content.
const summaryLimit = 500

// ExtractSummary picks the job summary: an explicit summary field on the
// terminal message, else the result text, else the last non-partial
// assistant content truncated to 500 characters.
func ExtractSummary(terminal any, lastAssistant string) string {
	if m, ok := asMap(terminal); ok {
		if s := str(m, "summary"); s != "" {
			return s
		}
		if s := str(m, "result"); s != "" {
			return s
		}
	}
	return Truncate(lastAssistant, summaryLimit)
}

// Truncate shortens s to at most limit runes, appending an ellipsis when
// anything was cut.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}

// --- permissive field access ---

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case UpstreamMessage:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

// str returns the first non-empty string among the named keys.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

func usageField(m map[string]any, key string) *Usage {
	um, ok := asMap(m[key])
	if !ok {
		return nil
	}
	u := Usage{
		InputTokens:   intField(um, "input_tokens"),
		OutputTokens:  intField(um, "output_tokens"),
		ContextWindow: intField(um, "context_window"),
	}
	if u == (Usage{}) {
		return nil
	}
	return &u
}

func rawField(m map[string]any, key string) json.RawMessage {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// extractText flattens provider content into plain text: strings pass
// through, block sequences contribute their text blocks, other kinds are
// ignored.
func extractText(v any) string {
	switch content := v.(type) {
	case nil:
		return ""
	case string:
		return content
	case []any:
		var b strings.Builder
		for _, block := range content {
			bm, ok := asMap(block)
			if !ok {
				continue
			}
			if t := str(bm, "type"); t != "" && t != "text" {
				continue
			}
			b.WriteString(str(bm, "text"))
		}
		return b.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
