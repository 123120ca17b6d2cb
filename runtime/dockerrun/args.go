package dockerrun

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/flotilla-dev/flotilla"
)

// buildAgentArgs assembles the provider CLI invocation for one turn. The
// image's entrypoint is the agent CLI; everything is passed in argument-array
// form, never through a shell. Resume and fork are forwarded verbatim; the
// provider decides whether the session ID is still valid.
func buildAgentArgs(req flotilla.ExecuteRequest) []string {
	agent := req.Agent
	args := []string{"--output-format", "stream-json", "--verbose"}

	if agent.Model != "" {
		args = append(args, "--model", agent.Model)
	}
	if agent.PermissionMode != "" {
		args = append(args, "--permission-mode", string(agent.PermissionMode))
	}
	if agent.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", agent.SystemPrompt)
	}
	if agent.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(agent.MaxTurns))
	}
	if tools := agent.ExpandedAllowedTools(); len(tools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(tools, ","))
	}
	if tools := agent.ExpandedDeniedTools(); len(tools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(tools, ","))
	}
	if sources := agent.EffectiveSettingSources(); len(sources) > 0 {
		args = append(args, "--setting-sources", strings.Join(sources, ","))
	}
	if len(agent.MCPServers) > 0 {
		// The CLI accepts the MCP server map as inline JSON.
		if cfg, err := json.Marshal(map[string]any{"mcpServers": agent.MCPServers}); err == nil {
			args = append(args, "--mcp-config", string(cfg))
		}
	}
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
		if req.Fork {
			args = append(args, "--fork-session")
		}
	}
	args = append(args, "--print", req.Prompt)
	return args
}
