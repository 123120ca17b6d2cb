package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flotilla-dev/flotilla"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flotilla.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Anthropic.Model != "claude-sonnet-4-5" {
		t.Errorf("model %q", cfg.Anthropic.Model)
	}
	if cfg.Docker.Network != "flotilla-agents" {
		t.Errorf("network %q", cfg.Docker.Network)
	}
	if cfg.StateDir == "" {
		t.Error("empty state dir")
	}
}

func TestLoadFromTOML(t *testing.T) {
	path := writeConfig(t, `
state_dir = "/var/lib/flotilla"

[telegram]
token = "bot123"

[[agents]]
name = "coder"
working_directory = "/srv/projects/app"
model = "claude-opus-4-1"
permission_mode = "acceptEdits"
max_turns = 30

[agents.docker]
enabled = true
image = "flotilla/agent:latest"
memory = "2g"

[[agents.schedules]]
name = "nightly"
cron = "0 3 * * *"
prompt = "Run the nightly maintenance checklist."

  [[agents.chat.telegram]]
  channel = "-100123"
  mode = "mention"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != "/var/lib/flotilla" || cfg.Telegram.Token != "bot123" {
		t.Errorf("top level: %+v", cfg)
	}
	// Defaults preserved
	if cfg.Anthropic.Model != "claude-sonnet-4-5" {
		t.Errorf("default model lost: %q", cfg.Anthropic.Model)
	}

	if len(cfg.Agents) != 1 {
		t.Fatalf("%d agents", len(cfg.Agents))
	}
	spec := cfg.Agents[0].Spec()
	if spec.Name != "coder" || spec.Model != "claude-opus-4-1" || spec.MaxTurns != 30 {
		t.Errorf("spec %+v", spec)
	}
	if spec.PermissionMode != flotilla.PermissionAcceptEdits {
		t.Errorf("permission %q", spec.PermissionMode)
	}
	if !spec.Docker.Enabled || spec.Docker.Memory != "2g" {
		t.Errorf("docker %+v", spec.Docker)
	}
	if len(spec.Schedules) != 1 || spec.Schedules[0].Cron != "0 3 * * *" {
		t.Errorf("schedules %+v", spec.Schedules)
	}
	if len(spec.Chat["telegram"]) != 1 || spec.Chat["telegram"][0].Channel != "-100123" {
		t.Errorf("chat %+v", spec.Chat)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FLOTILLA_TELEGRAM_TOKEN", "env-token")
	t.Setenv("FLOTILLA_ANTHROPIC_API_KEY", "env-key")
	t.Setenv("FLOTILLA_STATE_DIR", "/tmp/flotilla-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Anthropic.APIKey != "env-key" {
		t.Errorf("env override lost: %+v", cfg)
	}
	if cfg.StateDir != "/tmp/flotilla-test" {
		t.Errorf("state dir %q", cfg.StateDir)
	}
}

func TestAnthropicKeyFallsBackToProviderEnv(t *testing.T) {
	t.Setenv("FLOTILLA_ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "provider-key")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Anthropic.APIKey != "provider-key" {
		t.Errorf("key %q", cfg.Anthropic.APIKey)
	}
}

func TestLoadMalformedTOML(t *testing.T) {
	path := writeConfig(t, `state_dir = [broken`)
	if _, err := Load(path); err == nil {
		t.Error("malformed TOML accepted")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad agent name", `
[[agents]]
name = "../etc"
`, "valid identifier"},
		{"duplicate agents", `
[[agents]]
name = "a"
[[agents]]
name = "a"
`, "duplicate"},
		{"bad runtime", `
[[agents]]
name = "a"
runtime = "vm"
`, "unknown runtime"},
		{"bad permission mode", `
[[agents]]
name = "a"
permission_mode = "yolo"
`, "permission mode"},
		{"schedule with both", `
[[agents]]
name = "a"
[[agents.schedules]]
name = "s"
cron = "* * * * *"
every = "5m"
prompt = "p"
`, "exactly one"},
		{"schedule without prompt", `
[[agents]]
name = "a"
[[agents.schedules]]
name = "s"
every = "5m"
`, "no prompt"},
		{"shell hook without command", `
[[agents]]
name = "a"
[[agents.hooks]]
type = "shell"
`, "no command"},
		{"bad host config json", `
[[agents]]
name = "a"
[agents.docker]
host_config = "{nope"
`, "valid JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %v, want %q", err, tc.want)
			}
		})
	}
}

func TestAgentModels(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[anthropic]
model = "claude-sonnet-4-5"

[[agents]]
name = "a"

[[agents]]
name = "b"
model = "claude-opus-4-1"
`))
	if err != nil {
		t.Fatal(err)
	}
	models := cfg.AgentModels()
	if models["a"] != "claude-sonnet-4-5" || models["b"] != "claude-opus-4-1" {
		t.Errorf("models %v", models)
	}
}
