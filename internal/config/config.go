// Package config handles Game Planer configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves a value unset.
const (
	DefaultModel             = "gemini-2.5-flash"
	DefaultPort              = 8080
	DefaultHistoryWindowK    = 10 // five user/assistant exchanges
	DefaultHistoryRetention  = 200
	DefaultMaxLoopIterations = 5
	DefaultRepairAttempts    = 2
	DefaultModelRetries      = 2
	DefaultRetryBackoff      = 500 * time.Millisecond
	DefaultModelTimeout      = 2 * time.Minute
	DefaultToolTimeout       = 30 * time.Second
	DefaultOllamaURL         = "http://localhost:11434"
	DefaultSearchResults     = 5
)

// Known tool names accepted in agent.tools.
const (
	ToolWebSearch = "web_search"
	ToolWebFetch  = "web_fetch"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/gameplaner/config.yaml, /etc/gameplaner/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gameplaner", "config.yaml"))
	}

	paths = append(paths, "/etc/gameplaner/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no search path exists.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns ErrNoConfig if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Game Planer configuration.
type Config struct {
	Listen      ListenConfig   `yaml:"listen"`
	Agent       AgentConfig    `yaml:"agent"`
	Models      ModelsConfig   `yaml:"models"`
	Gemini      ProviderConfig `yaml:"gemini"`
	OpenAI      ProviderConfig `yaml:"openai"`
	Anthropic   ProviderConfig `yaml:"anthropic"`
	Ollama      OllamaConfig   `yaml:"ollama"`
	Search      SearchConfig   `yaml:"search"`
	Fetch       FetchConfig    `yaml:"fetch"`
	Persona     string         `yaml:"persona"`
	PersonaFile string         `yaml:"persona_file"`
	LogLevel    string         `yaml:"log_level"`
	LogFormat   string         `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AgentConfig controls the reasoning loop and its memory.
type AgentConfig struct {
	// Model is the model identifier sent to the provider.
	Model string `yaml:"model"`

	// HistoryWindowK is the number of most recent turns included in
	// every prompt. Constant for the life of the process.
	HistoryWindowK int `yaml:"history_window_k"`

	// HistoryRetention caps how many turns a session keeps. Never
	// smaller than HistoryWindowK.
	HistoryRetention int `yaml:"history_retention"`

	MaxLoopIterations int `yaml:"max_loop_iterations"`

	// RepairAttempts is how many times malformed model output is
	// re-requested before the turn fails. Zero disables repair; an
	// absent key keeps the default.
	RepairAttempts int `yaml:"repair_attempts"`

	// ModelRetries is how many times a transient model failure is
	// retried. Zero disables retries; an absent key keeps the default.
	ModelRetries int           `yaml:"model_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	ModelTimeout time.Duration `yaml:"model_timeout"`
	ToolTimeout  time.Duration `yaml:"tool_timeout"`

	// Tools lists the tool names the model may call.
	Tools []string `yaml:"tools"`
}

// ModelsConfig pins model names to providers when the name alone is
// ambiguous (e.g. a custom Ollama tag).
type ModelsConfig struct {
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a single model name to its provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // gemini, openai, anthropic, ollama
}

// ProviderConfig holds credentials for a hosted model provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OllamaConfig points at a self-hosted Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// SearchConfig selects and configures web search backends.
type SearchConfig struct {
	// Default is the provider used when a call does not name one.
	// Empty picks the first configured provider.
	Default    string        `yaml:"default"`
	MaxResults int           `yaml:"max_results"`
	SearXNG    SearXNGConfig `yaml:"searxng"`
	Brave      BraveConfig   `yaml:"brave"`
}

// SearXNGConfig holds configuration for the SearXNG provider.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether a SearXNG URL is set.
func (c SearXNGConfig) Configured() bool { return c.URL != "" }

// BraveConfig holds configuration for the Brave Search provider.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether a Brave API key is set.
func (c BraveConfig) Configured() bool { return c.APIKey != "" }

// Configured reports whether any search backend is usable.
func (c SearchConfig) Configured() bool {
	return c.SearXNG.Configured() || c.Brave.Configured()
}

// FetchConfig limits the web_fetch tool.
type FetchConfig struct {
	MaxChars int `yaml:"max_chars"`
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment. Variables already set are left untouched and missing
// files are skipped. With no arguments it reads ./.env.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file. Environment references
// (${VAR}) are expanded before parsing, unset values receive defaults,
// and API keys fall back to the conventional environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := newConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

// Default returns a configuration with every default applied and API
// keys taken from the environment.
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

// newConfig presets the fields whose zero value is meaningful. YAML
// only overwrites keys that are present, so an explicit 0 survives.
func newConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			RepairAttempts: DefaultRepairAttempts,
			ModelRetries:   DefaultModelRetries,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	a := &c.Agent
	if a.Model == "" {
		a.Model = DefaultModel
	}
	if a.HistoryWindowK == 0 {
		a.HistoryWindowK = DefaultHistoryWindowK
	}
	if a.HistoryRetention == 0 {
		a.HistoryRetention = max(DefaultHistoryRetention, a.HistoryWindowK)
	}
	if a.MaxLoopIterations == 0 {
		a.MaxLoopIterations = DefaultMaxLoopIterations
	}
	if a.RetryBackoff == 0 {
		a.RetryBackoff = DefaultRetryBackoff
	}
	if a.ModelTimeout == 0 {
		a.ModelTimeout = DefaultModelTimeout
	}
	if a.ToolTimeout == 0 {
		a.ToolTimeout = DefaultToolTimeout
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = DefaultOllamaURL
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = DefaultSearchResults
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

func (c *Config) applyEnv() {
	fallback := func(dst *string, keys ...string) {
		for _, k := range keys {
			if *dst != "" {
				return
			}
			*dst = os.Getenv(k)
		}
	}
	fallback(&c.Gemini.APIKey, "GOOGLE_API_KEY", "GEMINI_API_KEY")
	fallback(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	fallback(&c.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	fallback(&c.Search.Brave.APIKey, "BRAVE_API_KEY")
}

// ProviderFor returns the provider that serves model. Explicit entries
// in models.available win; otherwise the provider is inferred from the
// model name, and anything unrecognized is assumed to be an Ollama tag.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model && m.Provider != "" {
			return strings.ToLower(m.Provider)
		}
	}
	name := strings.ToLower(model)
	switch {
	case strings.HasPrefix(name, "gemini"), strings.HasPrefix(name, "gemma"):
		return "gemini"
	case strings.HasPrefix(name, "gpt-"), strings.HasPrefix(name, "o1"),
		strings.HasPrefix(name, "o3"), strings.HasPrefix(name, "o4"):
		return "openai"
	case strings.HasPrefix(name, "claude"):
		return "anthropic"
	default:
		return "ollama"
	}
}

// ResolvePersona returns the configured persona text, reading
// persona_file when set. An empty result means the built-in persona.
func (c *Config) ResolvePersona() (string, error) {
	if c.PersonaFile == "" {
		return strings.TrimSpace(c.Persona), nil
	}
	data, err := os.ReadFile(c.PersonaFile)
	if err != nil {
		return "", &ConfigurationError{Field: "persona_file", Reason: err.Error()}
	}
	return strings.TrimSpace(string(data)), nil
}

// Validate checks the configuration for values the process cannot run
// with. Every problem found is reported; each is a *ConfigurationError.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	a := c.Agent
	if strings.TrimSpace(a.Model) == "" {
		bad("agent.model", "must not be empty")
	}
	if a.HistoryWindowK < 1 {
		bad("agent.history_window_k", "must be at least 1, got %d", a.HistoryWindowK)
	}
	if a.HistoryRetention < a.HistoryWindowK {
		bad("agent.history_retention", "must be at least history_window_k (%d), got %d", a.HistoryWindowK, a.HistoryRetention)
	}
	if a.MaxLoopIterations < 1 {
		bad("agent.max_loop_iterations", "must be at least 1, got %d", a.MaxLoopIterations)
	}
	if a.ModelTimeout < 0 || a.ToolTimeout < 0 || a.RetryBackoff < 0 {
		bad("agent", "timeouts must not be negative")
	}

	switch provider := c.ProviderFor(a.Model); provider {
	case "gemini":
		if c.Gemini.APIKey == "" {
			bad("gemini.api_key", "GOOGLE_API_KEY not found in environment variables")
		}
	case "openai":
		if c.OpenAI.APIKey == "" {
			bad("openai.api_key", "OPENAI_API_KEY not found in environment variables")
		}
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			bad("anthropic.api_key", "ANTHROPIC_API_KEY not found in environment variables")
		}
	case "ollama":
		if c.Ollama.URL == "" {
			bad("ollama.url", "must not be empty")
		}
	default:
		bad("models.available", "unknown provider %q for model %q", provider, a.Model)
	}

	seen := make(map[string]bool)
	for _, name := range a.Tools {
		switch name {
		case ToolWebSearch:
			if !c.Search.Configured() {
				bad("agent.tools", "%s requires search.searxng.url or search.brave.api_key", name)
			}
		case ToolWebFetch:
		default:
			bad("agent.tools", "unknown tool %q", name)
		}
		if seen[name] {
			bad("agent.tools", "tool %q listed twice", name)
		}
		seen[name] = true
	}

	switch c.Search.Default {
	case "":
	case "searxng":
		if !c.Search.SearXNG.Configured() {
			bad("search.default", "searxng selected but search.searxng.url is empty")
		}
	case "brave":
		if !c.Search.Brave.Configured() {
			bad("search.default", "brave selected but no API key is set")
		}
	default:
		bad("search.default", "unknown search provider %q", c.Search.Default)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		bad("log_level", "%v", err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		bad("log_format", "%v", err)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		bad("listen.port", "out of range: %d", c.Listen.Port)
	}

	return errors.Join(errs...)
}

// ToolEnabled reports whether the named tool is enabled.
func (a AgentConfig) ToolEnabled(name string) bool {
	return slices.Contains(a.Tools, name)
}
