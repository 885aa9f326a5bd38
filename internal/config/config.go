// Package config loads and validates the dispatch runtime's TOML
// configuration: provider routing, budget policy, circuit-breaker tuning,
// the telemetry/Temporal stores, and dispatch executor backend choices.
// Deployment-specific values are layered on top from the environment at
// load time (see ApplyEnvOverrides), matching spec.md §6.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the dispatch runtime's full TOML-tagged configuration shape.
type Config struct {
	General   General                   `toml:"general"`
	Routing   map[string]string         `toml:"routing"` // "simple"/"moderate"/"complex" -> provider name
	Providers map[string]ProviderConfig `toml:"providers"`
	Budget    BudgetConfig              `toml:"budget"`
	Breaker   BreakerConfig             `toml:"breaker"`
	Telemetry TelemetryConfig           `toml:"telemetry"`
	Temporal  TemporalConfig            `toml:"temporal"`
	Cache     CacheConfig               `toml:"cache"`
	API       APIConfig                 `toml:"api"`
}

// General holds runtime-wide tunables that don't belong to a single
// subsystem's own section.
type General struct {
	LogLevel            string   `toml:"log_level"`
	WorkflowHome        string   `toml:"workflow_home"`
	LockFile            string   `toml:"lock_file"`
	HostPathPrefix      string   `toml:"host_path_prefix"`
	ContainerPathPrefix string   `toml:"container_path_prefix"`
	PromptTokenBudget   int      `toml:"prompt_token_budget"`
	CharsPerPromptToken int      `toml:"chars_per_prompt_token"`
	ReviewLoopThreshold int      `toml:"review_loop_threshold"`
	StalledThreshold    int      `toml:"stalled_threshold"`
	MaxFactsRetrieved   int      `toml:"max_facts_retrieved"`
	MaxFactTokens       int      `toml:"max_fact_tokens"`
	TickInterval        Duration `toml:"tick_interval"`
}

// RoleCommand is the CLI invocation shape for one (provider, role) pair.
type RoleCommand struct {
	Command         string   `toml:"command"`
	Args            []string `toml:"args"`
	Display         string   `toml:"display"`
	Model           string   `toml:"model"`
	ReasoningEffort string   `toml:"reasoning_effort"`
}

// ProviderConfig configures one CLI-backed provider: how to execute it
// (process or Docker), what it costs, and its per-role command templates.
type ProviderConfig struct {
	Backend         string                 `toml:"backend"` // process|docker
	DockerImage     string                 `toml:"docker_image"`
	Roles           map[string]RoleCommand `toml:"roles"`
	Tags            []string               `toml:"tags"`
	InputCostPer1K  float64                `toml:"input_cost_per_1k"`
	OutputCostPer1K float64                `toml:"output_cost_per_1k"`
}

// BudgetConfig mirrors domain.BudgetPolicy with TOML tags.
type BudgetConfig struct {
	PerRequestCapUSD      float64            `toml:"per_request_cap_usd"`
	PerModelCapUSD        map[string]float64 `toml:"per_model_cap_usd"`
	AllowedTags           []string           `toml:"allowed_tags"`
	DeniedTags            []string           `toml:"denied_tags"`
	EmergencyModelID      string             `toml:"emergency_model_id"`
	EmergencyCapUSD       float64            `toml:"emergency_cap_usd"`
	AllowEmergencyDegrade bool               `toml:"allow_emergency_degrade"`
	RetryAfterSeconds     int                `toml:"retry_after_seconds"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	Threshold   uint32   `toml:"threshold"`
	OpenTimeout Duration `toml:"open_timeout"`
}

// TelemetryConfig points at the durable telemetry-snapshot store.
type TelemetryConfig struct {
	DBPath string `toml:"db_path"`
}

// TemporalConfig configures the tick scheduler's Temporal client. HostPort
// empty means "no Temporal available" — the tick scheduler falls back to a
// plain ticker.
type TemporalConfig struct {
	HostPort  string `toml:"host_port"`
	Namespace string `toml:"namespace"`
	TaskQueue string `toml:"task_queue"`
}

// CacheConfig bounds the file-content cache. The session_* fields are
// parsed and defaulted but not read by the runtime.
type CacheConfig struct {
	FileCacheMaxEntries  int `toml:"file_cache_max_entries"`
	SessionMaxFacts      int `toml:"session_max_facts"`
	SessionMaxFactTokens int `toml:"session_max_fact_tokens"`
}

// APIConfig holds the [api] table's bind address. Neither dctl nor
// dispatchd reads it; no HTTP surface is served.
type APIConfig struct {
	Bind string `toml:"bind"`
}

// Clone returns a deep copy so callers (ConfigManager) can hand out
// snapshots that are safe to read concurrently with a later Set/Reload.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Routing = cloneStringMap(c.Routing)
	clone.Providers = cloneProviders(c.Providers)
	clone.Budget.PerModelCapUSD = cloneFloatMap(c.Budget.PerModelCapUSD)
	clone.Budget.AllowedTags = append([]string(nil), c.Budget.AllowedTags...)
	clone.Budget.DeniedTags = append([]string(nil), c.Budget.DeniedTags...)
	return &clone
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneProviders(m map[string]ProviderConfig) map[string]ProviderConfig {
	if m == nil {
		return nil
	}
	out := make(map[string]ProviderConfig, len(m))
	for name, p := range m {
		clone := p
		clone.Tags = append([]string(nil), p.Tags...)
		if p.Roles != nil {
			clone.Roles = make(map[string]RoleCommand, len(p.Roles))
			for role, rc := range p.Roles {
				rcClone := rc
				rcClone.Args = append([]string(nil), rc.Args...)
				clone.Roles[role] = rcClone
			}
		}
		out[name] = clone
	}
	return out
}

// Load reads, decodes, defaults, env-overrides, and validates the TOML
// configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	ApplyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads and re-validates the configuration at path. It mirrors
// Load but is intentionally named to reflect runtime refresh paths
// (SIGHUP).
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed
// thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.WorkflowHome == "" {
		cfg.General.WorkflowHome = "~/.spec-context-mcp"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.PromptTokenBudget == 0 {
		cfg.General.PromptTokenBudget = 8000
	}
	if cfg.General.CharsPerPromptToken == 0 {
		cfg.General.CharsPerPromptToken = 4
	}
	if cfg.General.ReviewLoopThreshold == 0 {
		cfg.General.ReviewLoopThreshold = 3
	}
	if cfg.General.StalledThreshold == 0 {
		cfg.General.StalledThreshold = 5
	}
	if cfg.General.MaxFactsRetrieved == 0 {
		cfg.General.MaxFactsRetrieved = 10
	}
	if cfg.General.MaxFactTokens == 0 {
		cfg.General.MaxFactTokens = 1000
	}
	if cfg.General.TickInterval.Duration == 0 {
		cfg.General.TickInterval.Duration = 60 * time.Second
	}
	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker.Threshold = 4
	}
	if cfg.Breaker.OpenTimeout.Duration == 0 {
		cfg.Breaker.OpenTimeout.Duration = 60 * time.Second
	}
	if cfg.Telemetry.DBPath == "" {
		cfg.Telemetry.DBPath = filepath.Join(ExpandHome(cfg.General.WorkflowHome), "telemetry.db")
	}
	if cfg.Cache.FileCacheMaxEntries == 0 {
		cfg.Cache.FileCacheMaxEntries = 500
	}
	if cfg.Cache.SessionMaxFacts == 0 {
		cfg.Cache.SessionMaxFacts = 10
	}
	if cfg.Cache.SessionMaxFactTokens == 0 {
		cfg.Cache.SessionMaxFactTokens = 1000
	}
	for name, p := range cfg.Providers {
		if p.Backend == "" {
			p.Backend = "process"
			cfg.Providers[name] = p
		}
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var providerAliases = map[string]string{
	"claude":          "claude",
	"claude-code":     "claude",
	"claude-code-cli": "claude",
	"codex":           "codex",
	"codex-cli":       "codex",
	"gemini":          "gemini",
	"gemini-cli":      "gemini",
	"opencode":        "opencode",
	"opencode-cli":    "opencode",
}

func resolveProviderAlias(raw string) (string, bool) {
	name, ok := providerAliases[strings.ToLower(strings.TrimSpace(raw))]
	return name, ok
}

// ApplyEnvOverrides layers the SPEC_CONTEXT_*/SPEC_WORKFLOW_* environment
// variables from spec.md §6 (plus the SPEC_FULL additions in its own §6)
// on top of an already-decoded, defaulted config.
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("SPEC_WORKFLOW_HOME"); ok && strings.TrimSpace(v) != "" {
		cfg.General.WorkflowHome = v
	}
	if host, hostOK := os.LookupEnv("SPEC_WORKFLOW_HOST_PATH_PREFIX"); hostOK {
		if container, containerOK := os.LookupEnv("SPEC_WORKFLOW_CONTAINER_PATH_PREFIX"); containerOK {
			cfg.General.HostPathPrefix = host
			cfg.General.ContainerPathPrefix = container
		}
	}

	if v, ok := os.LookupEnv("SPEC_CONTEXT_ROUTE_SIMPLE"); ok {
		applyRouteOverride(cfg, "simple", v)
	}
	if v, ok := os.LookupEnv("SPEC_CONTEXT_ROUTE_MODERATE"); ok {
		applyRouteOverride(cfg, "moderate", v)
	}
	if v, ok := os.LookupEnv("SPEC_CONTEXT_ROUTE_COMPLEX"); ok {
		applyRouteOverride(cfg, "complex", v)
	}

	applyRoleProviderEnv(cfg, "implementer", "SPEC_CONTEXT_IMPLEMENTER")
	applyRoleProviderEnv(cfg, "reviewer", "SPEC_CONTEXT_REVIEWER")

	if v, ok := os.LookupEnv("SPEC_CONTEXT_TELEMETRY_DB"); ok && v != "" {
		cfg.Telemetry.DBPath = v
	}
	if v, ok := os.LookupEnv("SPEC_CONTEXT_BREAKER_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Breaker.Threshold = uint32(n)
		}
	}
	if v, ok := os.LookupEnv("SPEC_CONTEXT_BREAKER_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.OpenTimeout.Duration = d
		}
	}
	if v, ok := os.LookupEnv("SPEC_CONTEXT_TEMPORAL_HOST_PORT"); ok {
		cfg.Temporal.HostPort = v
	}
	if v, ok := os.LookupEnv("SPEC_CONTEXT_DISPATCH_RUNTIME_V2"); ok {
		_ = truthy(v) // reserved for callers that branch on the flag; config only normalizes it
	}

	for name := range cfg.Providers {
		envKey := "SPEC_CONTEXT_DISPATCH_BACKEND_" + strings.ToUpper(name)
		if v, ok := os.LookupEnv(envKey); ok {
			backend := strings.ToLower(strings.TrimSpace(v))
			if backend == "process" || backend == "docker" {
				p := cfg.Providers[name]
				p.Backend = backend
				cfg.Providers[name] = p
			}
		}
	}
}

func applyRouteOverride(cfg *Config, tier, raw string) {
	name, ok := resolveProviderAlias(raw)
	if !ok {
		return
	}
	if cfg.Routing == nil {
		cfg.Routing = map[string]string{}
	}
	cfg.Routing[tier] = name
}

func applyRoleProviderEnv(cfg *Config, role, envPrefix string) {
	if v, ok := os.LookupEnv(envPrefix); ok {
		if name, ok := resolveProviderAlias(v); ok {
			setRoleCommand(cfg, name, role, func(rc *RoleCommand) {})
		}
	}
	for _, tier := range []string{"SIMPLE", "MODERATE", "COMPLEX"} {
		if v, ok := os.LookupEnv(envPrefix + "_MODEL_" + tier); ok {
			forEachProvider(cfg, func(name string) {
				setRoleCommand(cfg, name, role, func(rc *RoleCommand) { rc.Model = v })
			})
		}
		if v, ok := os.LookupEnv(envPrefix + "_REASONING_EFFORT_" + tier); ok {
			forEachProvider(cfg, func(name string) {
				setRoleCommand(cfg, name, role, func(rc *RoleCommand) { rc.ReasoningEffort = v })
			})
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "_REASONING_EFFORT"); ok {
		forEachProvider(cfg, func(name string) {
			setRoleCommand(cfg, name, role, func(rc *RoleCommand) { rc.ReasoningEffort = v })
		})
	}
}

func forEachProvider(cfg *Config, fn func(name string)) {
	for name := range cfg.Providers {
		fn(name)
	}
}

func setRoleCommand(cfg *Config, provider, role string, mutate func(*RoleCommand)) {
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	p, ok := cfg.Providers[provider]
	if !ok {
		p = ProviderConfig{Backend: "process"}
	}
	if p.Roles == nil {
		p.Roles = map[string]RoleCommand{}
	}
	rc := p.Roles[role]
	mutate(&rc)
	p.Roles[role] = rc
	cfg.Providers[provider] = p
}

func validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for name, p := range cfg.Providers {
		if p.Backend != "process" && p.Backend != "docker" {
			return fmt.Errorf("provider %q: backend must be \"process\" or \"docker\", got %q", name, p.Backend)
		}
		if p.Backend == "docker" && strings.TrimSpace(p.DockerImage) == "" {
			return fmt.Errorf("provider %q: docker backend requires docker_image", name)
		}
	}
	for tier, provider := range cfg.Routing {
		switch tier {
		case "simple", "moderate", "complex":
		default:
			return fmt.Errorf("routing: unknown tier %q", tier)
		}
		if _, ok := cfg.Providers[provider]; !ok {
			return fmt.Errorf("routing.%s references unknown provider %q", tier, provider)
		}
	}
	if cfg.Breaker.Threshold == 0 {
		return fmt.Errorf("breaker.threshold must be positive")
	}
	if cfg.Breaker.OpenTimeout.Duration <= 0 {
		return fmt.Errorf("breaker.open_timeout must be positive")
	}
	if (cfg.General.HostPathPrefix == "") != (cfg.General.ContainerPathPrefix == "") {
		return fmt.Errorf("host_path_prefix and container_path_prefix must both be set or both be empty")
	}
	for _, prefix := range []string{cfg.General.HostPathPrefix, cfg.General.ContainerPathPrefix} {
		if prefix == "" {
			continue
		}
		if !filepath.IsAbs(prefix) {
			return fmt.Errorf("path prefix %q must be absolute", prefix)
		}
		if strings.Contains(prefix, "..") {
			return fmt.Errorf("path prefix %q must not contain ..", prefix)
		}
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// RoutingOverrides parses the [routing] table into the
// domain.ComplexityLevel-keyed overrides complexity.NewTable expects.
func (c *Config) RoutingOverrides() map[domain.ComplexityLevel]domain.Provider {
	out := map[domain.ComplexityLevel]domain.Provider{}
	for tier, provider := range c.Routing {
		out[domain.ComplexityLevel(tier)] = domain.Provider(provider)
	}
	return out
}

// Catalog builds the (provider, role) -> command-template catalog
// complexity.NewTable's routing resolution reads from.
func (c *Config) Catalog() map[domain.Provider]map[domain.Role]domain.RoutingEntry {
	out := map[domain.Provider]map[domain.Role]domain.RoutingEntry{}
	for name, p := range c.Providers {
		provider := domain.Provider(name)
		entries := map[domain.Role]domain.RoutingEntry{}
		for role, rc := range p.Roles {
			entries[domain.Role(role)] = domain.RoutingEntry{
				Provider: provider,
				Role:     domain.Role(role),
				Command:  rc.Command,
				Args:     rc.Args,
				Display:  rc.Display,
			}
		}
		out[provider] = entries
	}
	return out
}

// ValidProviders returns the closed set of providers this config declares,
// for complexity.NewTable's override validation.
func (c *Config) ValidProviders() map[domain.Provider]bool {
	out := make(map[domain.Provider]bool, len(c.Providers))
	for name := range c.Providers {
		out[domain.Provider(name)] = true
	}
	return out
}

// ToBudgetPolicy converts the [budget] TOML table into the domain type the
// budget guard enforces against.
func (c *Config) ToBudgetPolicy() domain.BudgetPolicy {
	return domain.BudgetPolicy{
		PerRequestCapUSD:      c.Budget.PerRequestCapUSD,
		PerModelCapUSD:        c.Budget.PerModelCapUSD,
		AllowedTags:           c.Budget.AllowedTags,
		DeniedTags:            c.Budget.DeniedTags,
		EmergencyModelID:      c.Budget.EmergencyModelID,
		EmergencyCapUSD:       c.Budget.EmergencyCapUSD,
		AllowEmergencyDegrade: c.Budget.AllowEmergencyDegrade,
		RetryAfterSeconds:     c.Budget.RetryAfterSeconds,
	}
}

// BackendFor returns the configured executor backend for provider ("process"
// by default).
func (c *Config) BackendFor(provider string) string {
	p, ok := c.Providers[provider]
	if !ok || p.Backend == "" {
		return "process"
	}
	return p.Backend
}
