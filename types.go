package flotilla

import (
	"encoding/json"
	"time"
)

// --- Agent configuration (immutable after load) ---

// RuntimeType selects how an agent's turns execute.
type RuntimeType string

const (
	RuntimeInProcess RuntimeType = "in-process"
	RuntimeContainer RuntimeType = "container"
)

// PermissionMode mirrors the upstream provider's permission model.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypassPermissions"
	PermissionPlan        PermissionMode = "plan"
)

// MCPServerSpec describes one MCP tool server passed through to the provider.
// Either URL or Command is set.
type MCPServerSpec struct {
	URL     string            `json:"url,omitempty" toml:"url"`
	Command string            `json:"command,omitempty" toml:"command"`
	Args    []string          `json:"args,omitempty" toml:"args"`
	Env     map[string]string `json:"env,omitempty" toml:"env"`
}

// DockerSpec holds container-runtime settings for one agent.
type DockerSpec struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	Image   string `json:"image,omitempty" toml:"image"`
	// Memory is the container memory limit, e.g. "2g". Empty means no limit.
	Memory string `json:"memory,omitempty" toml:"memory"`
	// Network is the named Docker network the agent container joins. It must
	// be a named network (never "none") so the agent can reach the provider
	// and the injected tool servers. Custom names are accepted as-is.
	Network string `json:"network,omitempty" toml:"network"`
	// EnvPassthrough lists host environment variables copied into the container.
	EnvPassthrough []string `json:"env_passthrough,omitempty" toml:"env_passthrough"`
	// HostConfigOverride is raw Docker HostConfig JSON merged over the
	// defaults. Accepted only from static fleet configuration, never from
	// per-message input. Known accepted risk.
	HostConfigOverride json.RawMessage `json:"host_config,omitempty" toml:"-"`
}

// ScheduleSpec is one time-based trigger for an agent. Exactly one of Cron
// or Every is set.
type ScheduleSpec struct {
	Name   string `json:"name" toml:"name"`
	Cron   string `json:"cron,omitempty" toml:"cron"`
	Every  string `json:"every,omitempty" toml:"every"`
	Prompt string `json:"prompt" toml:"prompt"`
	// FreshSession starts each fire without resuming the agent session.
	// Default false: fires share the agent-level session.
	FreshSession bool `json:"fresh_session,omitempty" toml:"fresh_session"`
}

// HookSpec is one post-run side effect. Type is "shell" or a chat platform
// name (e.g. "telegram").
type HookSpec struct {
	Type    string   `json:"type" toml:"type"`
	Command []string `json:"command,omitempty" toml:"command"`
	Channel string   `json:"channel,omitempty" toml:"channel"`
	// When is an optional condition over job metadata, e.g.
	// "exit_reason=success" or "trigger_type!=schedule". Evaluation
	// failures skip the hook.
	When    string `json:"when,omitempty" toml:"when"`
	Timeout string `json:"timeout,omitempty" toml:"timeout"`
}

// ChannelMode controls which top-level channel messages reach the agent.
type ChannelMode string

const (
	// ModeMention ignores top-level messages unless the bot is addressed.
	// Thread replies always flow through.
	ModeMention ChannelMode = "mention"
	// ModeAuto routes every channel message to the agent.
	ModeAuto ChannelMode = "auto"
)

// ChannelBinding maps one chat channel to an agent.
type ChannelBinding struct {
	Channel string      `json:"channel" toml:"channel"`
	Mode    ChannelMode `json:"mode,omitempty" toml:"mode"`
	// ContextMessages is the back-scroll count used to build context for
	// auto-mode top-level messages.
	ContextMessages int `json:"context_messages,omitempty" toml:"context_messages"`
}

// SessionPolicy configures agent-session expiry.
type SessionPolicy struct {
	// Timeout is a Go duration string; idle sessions older than this are
	// considered dead. Default 24h.
	Timeout string `json:"timeout,omitempty" toml:"timeout"`
}

// AgentSpec is the resolved, immutable description of one agent in a fleet.
type AgentSpec struct {
	Name             string                    `json:"name"`
	WorkingDirectory string                    `json:"working_directory,omitempty"`
	Model            string                    `json:"model,omitempty"`
	PermissionMode   PermissionMode            `json:"permission_mode,omitempty"`
	AllowedTools     []string                  `json:"allowed_tools,omitempty"`
	DeniedTools      []string                  `json:"denied_tools,omitempty"`
	BashAllow        []string                  `json:"bash_allow,omitempty"`
	BashDeny         []string                  `json:"bash_deny,omitempty"`
	SystemPrompt     string                    `json:"system_prompt,omitempty"`
	SettingSources   []string                  `json:"setting_sources,omitempty"`
	MCPServers       map[string]MCPServerSpec  `json:"mcp_servers,omitempty"`
	MaxTurns         int                       `json:"max_turns,omitempty"`
	Runtime          RuntimeType               `json:"runtime,omitempty"`
	Docker           DockerSpec                `json:"docker,omitempty"`
	Session          SessionPolicy             `json:"session,omitempty"`
	Chat             map[string][]ChannelBinding `json:"chat,omitempty"`
	Schedules        []ScheduleSpec            `json:"schedules,omitempty"`
	Hooks            []HookSpec                `json:"hooks,omitempty"`
}

// SessionTimeout returns the configured idle timeout, defaulting to 24h.
func (a *AgentSpec) SessionTimeout() time.Duration {
	if a.Session.Timeout != "" {
		if d, err := time.ParseDuration(a.Session.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return 24 * time.Hour
}

// RuntimeType returns the effective runtime, defaulting to in-process.
func (a *AgentSpec) RuntimeType() RuntimeType {
	if a.Runtime == "" {
		return RuntimeInProcess
	}
	return a.Runtime
}

// EffectiveSettingSources applies the defaulting rule: explicit value wins;
// otherwise ["project"] when a working directory is set, else none.
func (a *AgentSpec) EffectiveSettingSources() []string {
	if a.SettingSources != nil {
		return a.SettingSources
	}
	if a.WorkingDirectory != "" {
		return []string{"project"}
	}
	return []string{}
}

// ExpandedAllowedTools folds the bash allow list into the allowed tool list
// using the provider's Bash(pattern) convention.
func (a *AgentSpec) ExpandedAllowedTools() []string {
	out := append([]string(nil), a.AllowedTools...)
	for _, cmd := range a.BashAllow {
		out = append(out, "Bash("+cmd+" *)")
	}
	return out
}

// ExpandedDeniedTools folds the bash deny list into the denied tool list.
func (a *AgentSpec) ExpandedDeniedTools() []string {
	out := append([]string(nil), a.DeniedTools...)
	for _, pat := range a.BashDeny {
		out = append(out, "Bash("+pat+")")
	}
	return out
}

// --- Jobs ---

// TriggerType records what caused a turn.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerFork     TriggerType = "fork"
	TriggerHook     TriggerType = "hook"
)

// ChatTrigger returns the trigger type for an inbound chat platform,
// e.g. "chat-telegram".
func ChatTrigger(platform string) TriggerType {
	return TriggerType("chat-" + platform)
}

// JobStatus advances pending -> running -> (completed | failed), never
// backwards.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// statusRank orders statuses for the monotonicity check in the job store.
func statusRank(s JobStatus) int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// ExitReason classifies how a turn ended.
type ExitReason string

const (
	ExitSuccess   ExitReason = "success"
	ExitError     ExitReason = "error"
	ExitTimeout   ExitReason = "timeout"
	ExitCancelled ExitReason = "cancelled"
	ExitMaxTurns  ExitReason = "max_turns"
)

// Job is the persisted record of one agent turn.
type Job struct {
	ID           string      `json:"id"`
	Agent        string      `json:"agent"`
	TriggerType  TriggerType `json:"trigger_type"`
	Status       JobStatus   `json:"status"`
	Prompt       string      `json:"prompt"`
	ScheduleName string      `json:"schedule_name,omitempty"`
	ForkedFrom   string      `json:"forked_from,omitempty"`
	SessionID    string      `json:"session_id,omitempty"`
	Summary      string      `json:"summary,omitempty"`
	ExitReason   ExitReason  `json:"exit_reason,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at,omitempty"`
	OutputFile   string      `json:"output_file,omitempty"`
}

// --- Streamed output events ---

// Usage is token accounting from the upstream provider.
type Usage struct {
	InputTokens   int `json:"input_tokens"`
	OutputTokens  int `json:"output_tokens"`
	ContextWindow int `json:"context_window,omitempty"`
}

// JobOutputEvent is one line in a job's append-only event log. Type selects
// which fields are meaningful: system{subtype, content},
// assistant{content, partial, usage}, tool_use{tool_name, tool_use_id, input},
// tool_result{tool_use_id, result, success, error}, error{error, code, stack}.
type JobOutputEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	Content   string          `json:"content,omitempty"`
	Partial   bool            `json:"partial,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Result    string          `json:"result,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	Stack     string          `json:"stack,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// --- Upstream messages ---

// UpstreamMessage is one raw message from a runtime. The wire shape is open
// and provider-defined; the message processor turns it into the closed
// JobOutputEvent type. Runtimes that speak JSON decode lines directly into
// this type; the in-process runtime constructs values with the Msg helper.
type UpstreamMessage map[string]any

// Msg builds an UpstreamMessage from key/value pairs. Keys must be strings;
// the tag key is "type".
func Msg(kv ...any) UpstreamMessage {
	m := make(UpstreamMessage, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			m[k] = kv[i+1]
		}
	}
	return m
}
