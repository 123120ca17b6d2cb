// Package config loads the fleet configuration: defaults, then the TOML
// file, then FLOTILLA_* environment overrides (env wins).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/flotilla-dev/flotilla"
)

type Config struct {
	StateDir  string          `toml:"state_dir"`
	Anthropic AnthropicConfig `toml:"anthropic"`
	Telegram  TelegramConfig  `toml:"telegram"`
	Docker    DockerConfig    `toml:"docker"`
	Observer  ObserverConfig  `toml:"observer"`
	Agents    []AgentConfig   `toml:"agents"`
}

type AnthropicConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens"`
}

type TelegramConfig struct {
	Token string `toml:"token"`
}

// DockerConfig holds fleet-level container runtime settings.
type DockerConfig struct {
	DefaultImage string   `toml:"default_image"`
	Network      string   `toml:"network"`
	Env          []string `toml:"env"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// AgentConfig is the TOML shape of one agent. It converts to
// flotilla.AgentSpec via Spec.
type AgentConfig struct {
	Name             string                                `toml:"name"`
	WorkingDirectory string                                `toml:"working_directory"`
	Model            string                                `toml:"model"`
	PermissionMode   string                                `toml:"permission_mode"`
	AllowedTools     []string                              `toml:"allowed_tools"`
	DeniedTools      []string                              `toml:"denied_tools"`
	BashAllow        []string                              `toml:"bash_allow"`
	BashDeny         []string                              `toml:"bash_deny"`
	SystemPrompt     string                                `toml:"system_prompt"`
	SettingSources   []string                              `toml:"setting_sources"`
	MCPServers       map[string]flotilla.MCPServerSpec     `toml:"mcp_servers"`
	MaxTurns         int                                   `toml:"max_turns"`
	Runtime          string                                `toml:"runtime"`
	Docker           AgentDockerConfig                     `toml:"docker"`
	Session          flotilla.SessionPolicy                `toml:"session"`
	Chat             map[string][]flotilla.ChannelBinding  `toml:"chat"`
	Schedules        []flotilla.ScheduleSpec               `toml:"schedules"`
	Hooks            []flotilla.HookSpec                   `toml:"hooks"`
}

// AgentDockerConfig mirrors flotilla.DockerSpec with the host-config
// override carried as a JSON string. It is accepted here, from static
// configuration, and nowhere else.
type AgentDockerConfig struct {
	Enabled        bool     `toml:"enabled"`
	Image          string   `toml:"image"`
	Memory         string   `toml:"memory"`
	Network        string   `toml:"network"`
	EnvPassthrough []string `toml:"env_passthrough"`
	HostConfig     string   `toml:"host_config"`
}

// Spec converts one agent entry to its resolved form.
func (a AgentConfig) Spec() flotilla.AgentSpec {
	spec := flotilla.AgentSpec{
		Name:             a.Name,
		WorkingDirectory: a.WorkingDirectory,
		Model:            a.Model,
		PermissionMode:   flotilla.PermissionMode(a.PermissionMode),
		AllowedTools:     a.AllowedTools,
		DeniedTools:      a.DeniedTools,
		BashAllow:        a.BashAllow,
		BashDeny:         a.BashDeny,
		SystemPrompt:     a.SystemPrompt,
		SettingSources:   a.SettingSources,
		MCPServers:       a.MCPServers,
		MaxTurns:         a.MaxTurns,
		Runtime:          flotilla.RuntimeType(a.Runtime),
		Docker: flotilla.DockerSpec{
			Enabled:        a.Docker.Enabled,
			Image:          a.Docker.Image,
			Memory:         a.Docker.Memory,
			Network:        a.Docker.Network,
			EnvPassthrough: a.Docker.EnvPassthrough,
		},
		Session:   a.Session,
		Chat:      a.Chat,
		Schedules: a.Schedules,
		Hooks:     a.Hooks,
	}
	if a.Docker.HostConfig != "" {
		spec.Docker.HostConfigOverride = json.RawMessage(a.Docker.HostConfig)
	}
	return spec
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		StateDir: filepath.Join(home, ".flotilla"),
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-5",
		},
		Docker: DockerConfig{
			Network: "flotilla-agents",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file is fine; a malformed one is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "flotilla.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Env overrides
	if v := os.Getenv("FLOTILLA_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("FLOTILLA_ANTHROPIC_API_KEY"); v != "" {
		cfg.Anthropic.APIKey = v
	} else if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = v
	}
	if v := os.Getenv("FLOTILLA_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("FLOTILLA_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validate rejects configurations that would fail at first use.
func (c Config) validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if !flotilla.ValidIdentifier(a.Name) {
			return fmt.Errorf("agent name %q is not a valid identifier", a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true

		switch flotilla.RuntimeType(a.Runtime) {
		case "", flotilla.RuntimeInProcess, flotilla.RuntimeContainer:
		default:
			return fmt.Errorf("agent %s: unknown runtime %q", a.Name, a.Runtime)
		}
		switch flotilla.PermissionMode(a.PermissionMode) {
		case "", flotilla.PermissionDefault, flotilla.PermissionAcceptEdits,
			flotilla.PermissionBypass, flotilla.PermissionPlan:
		default:
			return fmt.Errorf("agent %s: unknown permission mode %q", a.Name, a.PermissionMode)
		}
		if a.Docker.HostConfig != "" && !json.Valid([]byte(a.Docker.HostConfig)) {
			return fmt.Errorf("agent %s: docker host_config is not valid JSON", a.Name)
		}
		for _, s := range a.Schedules {
			if (s.Cron == "") == (s.Every == "") {
				return fmt.Errorf("agent %s: schedule %q needs exactly one of cron or every", a.Name, s.Name)
			}
			if s.Prompt == "" {
				return fmt.Errorf("agent %s: schedule %q has no prompt", a.Name, s.Name)
			}
		}
		for _, h := range a.Hooks {
			if h.Type == "shell" && len(h.Command) == 0 {
				return fmt.Errorf("agent %s: shell hook has no command", a.Name)
			}
		}
	}
	return nil
}

// AgentSpecs converts every agent entry.
func (c Config) AgentSpecs() []flotilla.AgentSpec {
	specs := make([]flotilla.AgentSpec, 0, len(c.Agents))
	for _, a := range c.Agents {
		specs = append(specs, a.Spec())
	}
	return specs
}

// AgentModels maps agent name to effective model, for cost attribution.
func (c Config) AgentModels() map[string]string {
	models := make(map[string]string, len(c.Agents))
	for _, a := range c.Agents {
		model := a.Model
		if model == "" {
			model = c.Anthropic.Model
		}
		models[a.Name] = model
	}
	return models
}
