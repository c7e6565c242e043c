// Package config loads graphiti-gateway's runtime configuration from
// environment variables, with an optional YAML overlay for operators who
// prefer a file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oculair/graphiti-gateway/internal/net/ssrf"
)

// Config holds all runtime configuration for the gateway.
type Config struct {
	// BindAddr is the address the HTTP server listens on.
	BindAddr string `yaml:"bind_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is one of json, text.
	LogFormat string `yaml:"log_format"`

	Letta          LettaConfig          `yaml:"letta"`
	Graphiti       GraphitiConfig       `yaml:"graphiti"`
	Matrix         MatrixConfig         `yaml:"matrix"`
	AgentRegistry  AgentRegistryConfig  `yaml:"agent_registry"`
	ToolSelector   ToolSelectorConfig   `yaml:"tool_selector"`
	Arxiv          ArxivConfig          `yaml:"arxiv"`
	ProtectedTools []string             `yaml:"protected_tools"`

	// AvailableAgentsSnapshotMode is read from AVAILABLE_AGENTS_SNAPSHOT_MODE
	// (default false). No component consumes it: the available_agents
	// block is always written through the cumulative-append path.
	AvailableAgentsSnapshotMode bool `yaml:"available_agents_snapshot_mode"`
}

// LettaConfig configures the agent-platform REST API.
type LettaConfig struct {
	BaseURL  string `yaml:"base_url"`
	Password string `yaml:"password"`
}

// GraphitiConfig configures the knowledge-graph search service.
type GraphitiConfig struct {
	URL       string `yaml:"url"`
	MaxNodes  int    `yaml:"max_nodes"`
	MaxFacts  int    `yaml:"max_facts"`
	Timeout   time.Duration
}

// MatrixConfig configures the downstream chat-notification service.
type MatrixConfig struct {
	ClientURL string `yaml:"client_url"`
}

// AgentRegistryConfig configures the vector-indexed agent directory.
type AgentRegistryConfig struct {
	URL       string  `yaml:"url"`
	MaxAgents int     `yaml:"max_agents"`
	MinScore  float64 `yaml:"min_score"`
}

// ToolSelectorConfig configures the tool-selector RPC service.
type ToolSelectorConfig struct {
	URL         string `yaml:"url"`
	FindToolsID string `yaml:"find_tools_id"`
}

// ArxivConfig controls the arXiv enrichment source.
type ArxivConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load builds a Config from environment variables, applying defaults and
// then an optional YAML overlay named by CONFIG_FILE.
func Load() (*Config, error) {
	cfg := &Config{
		BindAddr:  envOr("BIND_ADDR", ":8080"),
		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),
		Letta: LettaConfig{
			BaseURL:  os.Getenv("LETTA_BASE_URL"),
			Password: os.Getenv("LETTA_PASSWORD"),
		},
		Graphiti: GraphitiConfig{
			URL:      os.Getenv("GRAPHITI_URL"),
			MaxNodes: envOrInt("GRAPHITI_MAX_NODES", 8),
			MaxFacts: envOrInt("GRAPHITI_MAX_FACTS", 20),
			Timeout:  30 * time.Second,
		},
		Matrix: MatrixConfig{
			ClientURL: os.Getenv("MATRIX_CLIENT_URL"),
		},
		AgentRegistry: AgentRegistryConfig{
			URL:       os.Getenv("AGENT_REGISTRY_URL"),
			MaxAgents: envOrInt("AGENT_REGISTRY_MAX_AGENTS", 10),
			MinScore:  envOrFloat("AGENT_REGISTRY_MIN_SCORE", 0.3),
		},
		ToolSelector: ToolSelectorConfig{
			URL:         os.Getenv("TOOL_SELECTOR_URL"),
			FindToolsID: envOr("FIND_TOOLS_ID", ""),
		},
		Arxiv: ArxivConfig{
			Enabled: envOrBool("ARXIV_ENABLED", true),
		},
		ProtectedTools:              splitCSV(envOr("PROTECTED_TOOLS", "find_agents")),
		AvailableAgentsSnapshotMode: envOrBool("AVAILABLE_AGENTS_SNAPSHOT_MODE", false),
	}

	if cfg.ToolSelector.FindToolsID == "" && len(cfg.ProtectedTools) > 0 {
		cfg.ToolSelector.FindToolsID = cfg.ProtectedTools[0]
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyYAMLOverlay(cfg, path); err != nil {
			return nil, fmt.Errorf("load config overlay %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks required fields and guards against obviously wrong
// outbound hosts. Validation happens once at startup, not per request,
// since these hosts are operator-configured rather than derived from
// webhook payloads — there is no attacker-influenced input here, only a
// human-authored deployment topology, which this gateway's grounded
// reference deployment runs entirely on a private LAN (GRAPHITI_URL and
// MATRIX_CLIENT_URL default to 192.168.50.90 in the original system).
// Private/loopback IP literals are therefore allowed; only the handful
// of hostnames that are never a legitimate deployment target (cloud
// metadata endpoints, "localhost"-family suffixes that usually signal a
// copy-pasted example value) are rejected. See DESIGN.md.
func (c *Config) Validate() error {
	if c.Letta.BaseURL == "" {
		return fmt.Errorf("LETTA_BASE_URL is required")
	}
	for name, rawURL := range map[string]string{
		"LETTA_BASE_URL":     c.Letta.BaseURL,
		"GRAPHITI_URL":       c.Graphiti.URL,
		"MATRIX_CLIENT_URL":  c.Matrix.ClientURL,
		"AGENT_REGISTRY_URL": c.AgentRegistry.URL,
		"TOOL_SELECTOR_URL":  c.ToolSelector.URL,
	} {
		if rawURL == "" {
			continue
		}
		if err := validateHost(rawURL); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func validateHost(rawURL string) error {
	host := extractHost(rawURL)
	if host == "" {
		return fmt.Errorf("could not parse host from %q", rawURL)
	}
	if ssrf.IsBlockedHostname(host) {
		return ssrf.NewSSRFBlockedError(fmt.Sprintf("blocked hostname: %s", host))
	}
	return nil
}

func extractHost(rawURL string) string {
	without := rawURL
	if idx := strings.Index(without, "://"); idx >= 0 {
		without = without[idx+3:]
	}
	if idx := strings.IndexAny(without, "/?#"); idx >= 0 {
		without = without[:idx]
	}
	if idx := strings.LastIndex(without, "@"); idx >= 0 {
		without = without[idx+1:]
	}
	if strings.HasPrefix(without, "[") {
		if idx := strings.Index(without, "]"); idx >= 0 {
			return without[:idx+1]
		}
	}
	if idx := strings.LastIndex(without, ":"); idx >= 0 {
		return without[:idx]
	}
	return without
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envOrBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
