// Package config loads baitchat's settings: a YAML file over the defaults,
// then environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/baitchat/internal/gate"
	"github.com/roach88/baitchat/internal/intent"
	"github.com/roach88/baitchat/internal/llm"
	"github.com/roach88/baitchat/internal/qserver"
	"github.com/roach88/baitchat/internal/registry"
	"github.com/roach88/baitchat/internal/retrieval"
)

// Device sources.
const (
	DevicesFromFile    = "file"
	DevicesFromQServer = "qserver"
)

// Intent backends.
const (
	BackendRules = "rules"
	BackendModel = "model"
)

// Config is the full configuration.
type Config struct {
	Registry    Registry    `yaml:"registry"`
	Intent      Intent      `yaml:"intent"`
	LLM         LLM         `yaml:"llm"`
	QueueServer QueueServer `yaml:"queue_server"`
	Gate        Gate        `yaml:"gate"`
	Store       Store       `yaml:"store"`
	Retrieval   Retrieval   `yaml:"retrieval"`
	Server      Server      `yaml:"server"`
}

// Registry configures where plans and devices come from.
type Registry struct {
	// WhitelistDir holds the CUE plan whitelist and device definitions.
	WhitelistDir string `yaml:"whitelist_dir"`
	// Devices is "file" (the whitelist's device definitions) or
	// "qserver" (the queue server's allowed devices).
	Devices         string        `yaml:"devices"`
	Watch           bool          `yaml:"watch"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Intent configures intent parsing.
type Intent struct {
	Backend         string  `yaml:"backend"`
	MinConfidence   float64 `yaml:"min_confidence"`
	AmbiguityMargin float64 `yaml:"ambiguity_margin"`
}

// LLM configures the language model used by the model backend and by plan
// explanations.
type LLM struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxTokens int           `yaml:"max_tokens"`
}

// QueueServer configures the Bluesky queue server connection.
type QueueServer struct {
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	User      string        `yaml:"user"`
	UserGroup string        `yaml:"user_group"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Gate configures the submission gate.
type Gate struct {
	RateLimit       int           `yaml:"rate_limit"`
	RatePeriod      time.Duration `yaml:"rate_period"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// Store configures the audit database.
type Store struct {
	Path string `yaml:"path"`
}

// Retrieval configures the knowledge base.
type Retrieval struct {
	KnowledgeDir string `yaml:"knowledge_dir"`
	// IndexPath persists the search index; empty keeps it in memory.
	IndexPath string `yaml:"index_path"`
	CacheSize int    `yaml:"cache_size"`
}

// Server configures the HTTP surface.
type Server struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Registry: Registry{
			WhitelistDir: "whitelist",
			Devices:      DevicesFromFile,
			Timeout:      registry.DefaultTimeout,
		},
		Intent: Intent{
			Backend:         BackendRules,
			MinConfidence:   intent.DefaultThresholds.MinConfidence,
			AmbiguityMargin: intent.DefaultThresholds.Margin,
		},
		LLM: LLM{
			Provider:  llm.ProviderOpenAI,
			Timeout:   30 * time.Second,
			MaxTokens: 1024,
		},
		QueueServer: QueueServer{
			URL:       qserver.DefaultURL,
			User:      qserver.DefaultUser,
			UserGroup: qserver.DefaultUserGroup,
			Timeout:   qserver.DefaultTimeout,
		},
		Gate: Gate{
			RateLimit:       100,
			RatePeriod:      time.Minute,
			DispatchTimeout: gate.DefaultDispatchTimeout,
		},
		Store: Store{
			Path: "baitchat.db",
		},
		Retrieval: Retrieval{
			CacheSize: retrieval.DefaultCacheSize,
		},
		Server: Server{
			Addr: "127.0.0.1:8080",
		},
	}
}

// Load reads the file at path over Default, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over Default without reading the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty file
		}
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// Environment variables read by ApplyEnv.
const (
	EnvQServerURL    = "BAITCHAT_QSERVER_URL"
	EnvQServerAPIKey = "BAITCHAT_QSERVER_API_KEY"
	EnvLLMProvider   = "BAITCHAT_LLM_PROVIDER"
	EnvLLMModel      = "BAITCHAT_LLM_MODEL"
	EnvDB            = "BAITCHAT_DB"
	EnvRateLimit     = "BAITCHAT_RATE_LIMIT"
)

// providerKeys maps a provider to the environment variable holding its key.
var providerKeys = map[string]string{
	llm.ProviderOpenAI:    "OPENAI_API_KEY",
	llm.ProviderAnthropic: "ANTHROPIC_API_KEY",
	llm.ProviderGemini:    "GEMINI_API_KEY",
}

// ApplyEnv overrides settings from the environment. lookup is usually
// os.LookupEnv. A provider key is only taken when the file sets none.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	set := func(dst *string, name string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	set(&c.QueueServer.URL, EnvQServerURL)
	set(&c.QueueServer.APIKey, EnvQServerAPIKey)
	set(&c.LLM.Provider, EnvLLMProvider)
	set(&c.LLM.Model, EnvLLMModel)
	set(&c.Store.Path, EnvDB)

	if v, ok := lookup(EnvRateLimit); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimit, err)
		}
		c.Gate.RateLimit = n
	}
	if c.LLM.APIKey == "" {
		if name, ok := providerKeys[strings.ToLower(c.LLM.Provider)]; ok {
			set(&c.LLM.APIKey, name)
		}
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Registry.Devices {
	case DevicesFromFile, DevicesFromQServer:
	default:
		bad("registry.devices: %q is not %q or %q", c.Registry.Devices, DevicesFromFile, DevicesFromQServer)
	}
	if c.Registry.WhitelistDir == "" {
		bad("registry.whitelist_dir is required")
	}
	if c.Registry.RefreshInterval < 0 {
		bad("registry.refresh_interval must not be negative")
	}

	switch c.Intent.Backend {
	case BackendRules, BackendModel:
	default:
		bad("intent.backend: %q is not %q or %q", c.Intent.Backend, BackendRules, BackendModel)
	}
	if c.Intent.MinConfidence < 0 || c.Intent.MinConfidence > 1 {
		bad("intent.min_confidence must be between 0 and 1")
	}
	if c.Intent.AmbiguityMargin < 0 || c.Intent.AmbiguityMargin > 1 {
		bad("intent.ambiguity_margin must be between 0 and 1")
	}

	if c.LLM.Provider != "" && !slices.Contains(llm.Providers, strings.ToLower(c.LLM.Provider)) {
		bad("llm.provider: %q is not one of %s", c.LLM.Provider, strings.Join(llm.Providers, ", "))
	}
	if c.Intent.Backend == BackendModel && c.LLM.Provider == "" {
		bad("intent.backend %q needs llm.provider", BackendModel)
	}
	if c.LLM.MaxTokens < 0 {
		bad("llm.max_tokens must not be negative")
	}

	if c.QueueServer.URL == "" {
		bad("queue_server.url is required")
	}
	if c.QueueServer.Timeout <= 0 {
		bad("queue_server.timeout must be positive")
	}

	if c.Gate.RateLimit > 0 && c.Gate.RatePeriod <= 0 {
		bad("gate.rate_period must be positive when gate.rate_limit is set")
	}
	if c.Gate.DispatchTimeout <= 0 {
		bad("gate.dispatch_timeout must be positive")
	}

	if c.Store.Path == "" {
		bad("store.path is required")
	}
	if c.Retrieval.CacheSize < 0 {
		bad("retrieval.cache_size must not be negative")
	}
	return errors.Join(errs...)
}

// Thresholds returns the intent thresholds.
func (c Config) Thresholds() intent.Thresholds {
	return intent.Thresholds{MinConfidence: c.Intent.MinConfidence, Margin: c.Intent.AmbiguityMargin}
}

// LLMConfig returns the provider settings in the llm package's form.
func (c Config) LLMConfig() llm.Config {
	return llm.Config{
		Provider:  c.LLM.Provider,
		Model:     c.LLM.Model,
		BaseURL:   c.LLM.BaseURL,
		APIKey:    c.LLM.APIKey,
		Timeout:   c.LLM.Timeout,
		MaxTokens: c.LLM.MaxTokens,
	}
}

// QServerConfig returns the queue server settings in the qserver
// package's form.
func (c Config) QServerConfig() qserver.Config {
	return qserver.Config{
		URL:       c.QueueServer.URL,
		APIKey:    c.QueueServer.APIKey,
		User:      c.QueueServer.User,
		UserGroup: c.QueueServer.UserGroup,
		Timeout:   c.QueueServer.Timeout,
	}
}
