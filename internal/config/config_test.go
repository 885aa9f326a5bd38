package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
log_level = "info"
tick_interval = "60s"
review_loop_threshold = 3
stalled_threshold = 5

[routing]
simple = "codex"
moderate = "claude"
complex = "claude"

[providers.codex]
backend = "process"
tags = ["fast"]

[providers.codex.roles.implementer]
command = "codex"
args = ["exec", "--full-auto"]
display = "Codex"

[providers.claude]
backend = "process"
tags = ["balanced"]

[providers.claude.roles.implementer]
command = "claude"
args = ["--print"]
display = "Claude"

[providers.claude.roles.reviewer]
command = "claude"
args = ["--print", "--role=reviewer"]
display = "Claude Reviewer"

[budget]
per_request_cap_usd = 2.5
allowed_tags = ["fast", "balanced"]

[breaker]
threshold = 4
open_timeout = "60s"

[telemetry]
db_path = "/tmp/dispatch-test/telemetry.db"

[api]
bind = "127.0.0.1:8900"
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.TickInterval.Duration != 60*time.Second {
		t.Errorf("TickInterval = %v, want 60s", cfg.General.TickInterval)
	}
	if cfg.General.ReviewLoopThreshold != 3 {
		t.Errorf("ReviewLoopThreshold = %d, want 3", cfg.General.ReviewLoopThreshold)
	}
	if cfg.Routing["simple"] != "codex" {
		t.Errorf("Routing[simple] = %q, want codex", cfg.Routing["simple"])
	}
	if cfg.Providers["codex"].Roles["implementer"].Command != "codex" {
		t.Error("codex implementer command should be codex")
	}
	if cfg.API.Bind != "127.0.0.1:8900" {
		t.Errorf("API.Bind = %q, want 127.0.0.1:8900", cfg.API.Bind)
	}
	if cfg.Breaker.Threshold != 4 {
		t.Errorf("Breaker.Threshold = %d, want 4", cfg.Breaker.Threshold)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg := `
[providers.codex]
[providers.codex.roles.implementer]
command = "codex"
`
	path := writeTestConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.General.LogLevel != "info" {
		t.Errorf("default log_level = %q, want info", loaded.General.LogLevel)
	}
	if loaded.General.ReviewLoopThreshold != 3 {
		t.Errorf("default review_loop_threshold = %d, want 3", loaded.General.ReviewLoopThreshold)
	}
	if loaded.Breaker.Threshold != 4 {
		t.Errorf("default breaker threshold = %d, want 4", loaded.Breaker.Threshold)
	}
	if loaded.Breaker.OpenTimeout.Duration != 60*time.Second {
		t.Errorf("default breaker open_timeout = %v, want 60s", loaded.Breaker.OpenTimeout)
	}
	if loaded.Providers["codex"].Backend != "process" {
		t.Errorf("default backend = %q, want process", loaded.Providers["codex"].Backend)
	}
}

func TestLoadNoProvidersConfigured(t *testing.T) {
	cfg := `
[general]
log_level = "info"
`
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for no providers configured")
	}
}

func TestLoadRoutingReferencesUnknownProvider(t *testing.T) {
	cfg := strings.Replace(validConfig, `simple = "codex"`, `simple = "nonexistent"`, 1)
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for routing referencing unknown provider")
	}
	if !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("expected unknown provider error, got: %v", err)
	}
}

func TestLoadDockerBackendRequiresImage(t *testing.T) {
	cfg := `
[providers.codex]
backend = "docker"
[providers.codex.roles.implementer]
command = "codex"
`
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for docker backend without docker_image")
	}
	if !strings.Contains(err.Error(), "docker_image") {
		t.Errorf("expected docker_image error, got: %v", err)
	}
}

func TestLoadInvalidBackend(t *testing.T) {
	cfg := `
[providers.codex]
backend = "tmux"
[providers.codex.roles.implementer]
command = "codex"
`
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid backend")
	}
}

func TestLoadPathPrefixesMustBePaired(t *testing.T) {
	cfg := strings.Replace(validConfig, "[general]\n", "[general]\nhost_path_prefix = \"/home/user/project\"\n", 1)
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for host_path_prefix without container_path_prefix")
	}
}

func TestLoadPathPrefixesRejectDotDot(t *testing.T) {
	cfg := strings.Replace(validConfig, "[general]\n", "[general]\nhost_path_prefix = \"/home/user/../etc\"\ncontainer_path_prefix = \"/workspace\"\n", 1)
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for path prefix containing ..")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"60s", 60 * time.Second},
		{"2m", 2 * time.Minute},
		{"1h", time.Hour},
		{"500ms", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		var d Duration
		if err := d.UnmarshalText([]byte(tt.input)); err != nil {
			t.Errorf("UnmarshalText(%q) error: %v", tt.input, err)
			continue
		}
		if d.Duration != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.input, d.Duration, tt.want)
		}
	}
}

func TestDurationUnmarshalInvalid(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestApplyEnvOverridesRoute(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("SPEC_CONTEXT_ROUTE_SIMPLE", "claude")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Routing["simple"] != "claude" {
		t.Errorf("Routing[simple] = %q, want claude (env override)", cfg.Routing["simple"])
	}
}

func TestApplyEnvOverridesProviderAlias(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("SPEC_CONTEXT_ROUTE_MODERATE", "claude-code-cli")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Routing["moderate"] != "claude" {
		t.Errorf("Routing[moderate] = %q, want claude (aliased from claude-code-cli)", cfg.Routing["moderate"])
	}
}

func TestApplyEnvOverridesTelemetryDB(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("SPEC_CONTEXT_TELEMETRY_DB", "/var/lib/dispatch/telemetry.db")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telemetry.DBPath != "/var/lib/dispatch/telemetry.db" {
		t.Errorf("Telemetry.DBPath = %q, want env override", cfg.Telemetry.DBPath)
	}
}

func TestApplyEnvOverridesBreakerTuning(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("SPEC_CONTEXT_BREAKER_THRESHOLD", "9")
	t.Setenv("SPEC_CONTEXT_BREAKER_TIMEOUT", "90s")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Breaker.Threshold != 9 {
		t.Errorf("Breaker.Threshold = %d, want 9", cfg.Breaker.Threshold)
	}
	if cfg.Breaker.OpenTimeout.Duration != 90*time.Second {
		t.Errorf("Breaker.OpenTimeout = %v, want 90s", cfg.Breaker.OpenTimeout)
	}
}

func TestApplyEnvOverridesDispatchBackend(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("SPEC_CONTEXT_DISPATCH_BACKEND_CODEX", "docker")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Providers["codex"].Backend != "docker" {
		t.Errorf("codex backend = %q, want docker", cfg.Providers["codex"].Backend)
	}
}

func TestApplyEnvOverridesImplementerModel(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("SPEC_CONTEXT_IMPLEMENTER_MODEL_COMPLEX", "gpt-5-codex")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Providers["codex"].Roles["implementer"].Model != "gpt-5-codex" {
		t.Errorf("codex implementer model = %q, want gpt-5-codex", cfg.Providers["codex"].Roles["implementer"].Model)
	}
	if cfg.Providers["claude"].Roles["implementer"].Model != "gpt-5-codex" {
		t.Errorf("claude implementer model = %q, want gpt-5-codex", cfg.Providers["claude"].Roles["implementer"].Model)
	}
}

func TestApplyEnvOverridesWorkflowHome(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	t.Setenv("SPEC_WORKFLOW_HOME", "/srv/dispatch-home")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.WorkflowHome != "/srv/dispatch-home" {
		t.Errorf("WorkflowHome = %q, want /srv/dispatch-home", cfg.General.WorkflowHome)
	}
}

func TestRoutingOverridesAndCatalog(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	overrides := cfg.RoutingOverrides()
	if len(overrides) != 3 {
		t.Fatalf("expected 3 routing overrides, got %d", len(overrides))
	}
	catalog := cfg.Catalog()
	if catalog["codex"]["implementer"].Command != "codex" {
		t.Error("catalog should carry codex implementer command")
	}
	valid := cfg.ValidProviders()
	if !valid["codex"] || !valid["claude"] {
		t.Error("ValidProviders should include codex and claude")
	}
}

func TestToBudgetPolicy(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	policy := cfg.ToBudgetPolicy()
	if policy.PerRequestCapUSD != 2.5 {
		t.Errorf("PerRequestCapUSD = %v, want 2.5", policy.PerRequestCapUSD)
	}
	if len(policy.AllowedTags) != 2 {
		t.Errorf("expected 2 allowed tags, got %d", len(policy.AllowedTags))
	}
}

func TestBackendFor(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.BackendFor("codex"); got != "process" {
		t.Errorf("BackendFor(codex) = %q, want process", got)
	}
	if got := cfg.BackendFor("unknown"); got != "process" {
		t.Errorf("BackendFor(unknown) = %q, want process (default)", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir available")
	}
	got := ExpandHome("~/dispatch")
	want := filepath.Join(home, "dispatch")
	if got != want {
		t.Errorf("ExpandHome(~/dispatch) = %q, want %q", got, want)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome should leave absolute paths untouched, got %q", got)
	}
}

func TestCloneIsolatesNestedMaps(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	clone := cfg.Clone()
	clone.Routing["simple"] = "claude"
	if cfg.Routing["simple"] != "codex" {
		t.Error("mutating a clone's routing map should not affect the original")
	}
}
