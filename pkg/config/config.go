// Package config loads parley's YAML deployment file.
//
// A deployment file names the model and speech providers, sizes the
// connection pools, tunes per-session behavior, picks the session store and
// call archive, and declares the agent table with its tools and handoff
// triggers. Secrets are never stored in the file; it names the environment
// variables that hold them.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/parley/pkg/pool"
	"github.com/haivivi/parley/pkg/sessionstore"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is a deployment.
type Config struct {
	// Listen is the HTTP listen address. Defaults to ":8080".
	Listen string `yaml:"listen"`
	// Path is the websocket endpoint. Defaults to "/call".
	Path string `yaml:"path"`

	LogLevel string `yaml:"log_level"`

	Model   ModelConfig   `yaml:"model"`
	Speech  SpeechConfig  `yaml:"speech"`
	Pools   PoolsConfig   `yaml:"pools"`
	Session SessionConfig `yaml:"session"`
	Store   StoreConfig   `yaml:"store"`
	Archive ArchiveConfig `yaml:"archive"`

	Tools  []ToolConfig  `yaml:"tools"`
	Agents []AgentConfig `yaml:"agents"`

	// StartAgent handles new sessions. Defaults to the first agent.
	StartAgent string `yaml:"start_agent"`
}

// ModelConfig selects the language model.
type ModelConfig struct {
	// Provider is "openai" or "gemini".
	Provider    string   `yaml:"provider"`
	Name        string   `yaml:"name"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	BaseURL     string   `yaml:"base_url"`
	Temperature float64  `yaml:"temperature"`
	MaxTokens   int64    `yaml:"max_tokens"`
	Timeout     Duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// SpeechConfig configures the OpenAI audio endpoints.
type SpeechConfig struct {
	APIKeyEnv          string `yaml:"api_key_env"`
	BaseURL            string `yaml:"base_url"`
	TranscriptionModel string `yaml:"transcription_model"`
	Language           string `yaml:"language"`
	SpeechModel        string `yaml:"speech_model"`
	Voice              string `yaml:"voice"`
	Instructions       string `yaml:"instructions"`
}

// PoolsConfig sizes the speech connection pools.
type PoolsConfig struct {
	Recognizer  PoolConfig `yaml:"recognizer"`
	Synthesizer PoolConfig `yaml:"synthesizer"`
}

// PoolConfig mirrors pool.Config.
type PoolConfig struct {
	Policy      string   `yaml:"policy"`
	MaxSize     int      `yaml:"max_size"`
	MinIdle     int      `yaml:"min_idle"`
	MaxIdleTime Duration `yaml:"max_idle_time"`
	WaitTimeout Duration `yaml:"wait_timeout"`
}

// ParsedPolicy returns the pool policy.
func (p PoolConfig) ParsedPolicy() pool.Policy {
	policy, _ := pool.ParsePolicy(p.Policy)
	return policy
}

// SessionConfig tunes per-session behavior.
type SessionConfig struct {
	MaxToolCalls     int      `yaml:"max_tool_calls"`
	InterruptBudget  Duration `yaml:"interrupt_budget"`
	MaxReplyDuration Duration `yaml:"max_reply_duration"`
	SilenceTimeout   Duration `yaml:"silence_timeout"`
	Greet            bool     `yaml:"greet"`
	FallbackReply    string   `yaml:"fallback_reply"`
	HoldMessage      string   `yaml:"hold_message"`
	TruncationNotice string   `yaml:"truncation_notice"`

	// RecognizerRetries bounds recognizer reconnects per failure.
	RecognizerRetries int `yaml:"recognizer_retries"`
}

// StoreConfig selects the session store.
type StoreConfig struct {
	// Driver is "memory" or "badger".
	Driver        string   `yaml:"driver"`
	Dir           string   `yaml:"dir"`
	Codec         string   `yaml:"codec"`
	WriteInterval Duration `yaml:"write_interval"`
}

// ArchiveConfig selects where closed calls are recorded.
type ArchiveConfig struct {
	// Driver is "", "local" or "s3". Empty disables archiving.
	Driver       string `yaml:"driver"`
	Dir          string `yaml:"dir"`
	Prefix       string `yaml:"prefix"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	PathStyle    bool   `yaml:"path_style"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults, and validates the result.
// Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalWithOptions(data, &c, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Path == "" {
		c.Path = "/call"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "openai"
	}
	if c.Model.APIKeyEnv == "" {
		switch c.Model.Provider {
		case "gemini":
			c.Model.APIKeyEnv = "GEMINI_API_KEY"
		default:
			c.Model.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	if c.Model.Name == "" && c.Model.Provider == "openai" {
		c.Model.Name = "gpt-4o-mini"
	}
	if c.Model.Name == "" && c.Model.Provider == "gemini" {
		c.Model.Name = "gemini-2.0-flash"
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = Duration(20 * time.Second)
	}
	if c.Speech.APIKeyEnv == "" {
		c.Speech.APIKeyEnv = "OPENAI_API_KEY"
	}
	for _, p := range []*PoolConfig{&c.Pools.Recognizer, &c.Pools.Synthesizer} {
		if p.MaxSize == 0 {
			p.MaxSize = 16
		}
	}
	if c.Session.MaxToolCalls == 0 {
		c.Session.MaxToolCalls = 5
	}
	if c.Session.InterruptBudget == 0 {
		c.Session.InterruptBudget = Duration(200 * time.Millisecond)
	}
	if c.Session.MaxReplyDuration == 0 {
		c.Session.MaxReplyDuration = Duration(60 * time.Second)
	}
	if c.Session.RecognizerRetries == 0 {
		c.Session.RecognizerRetries = 3
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Codec == "" {
		c.Store.Codec = "json"
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "calls"
	}
	for i := range c.Tools {
		if c.Tools[i].Timeout == 0 {
			c.Tools[i].Timeout = Duration(10 * time.Second)
		}
	}
	if c.StartAgent == "" && len(c.Agents) > 0 {
		c.StartAgent = c.Agents[0].Name
	}
}

// Validate checks the configuration, including the agent table.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Model.Provider {
	case "openai", "gemini":
	default:
		fail("model.provider %q", c.Model.Provider)
	}
	for name, p := range map[string]PoolConfig{"recognizer": c.Pools.Recognizer, "synthesizer": c.Pools.Synthesizer} {
		if _, err := pool.ParsePolicy(p.Policy); err != nil {
			fail("pools.%s: %v", name, err)
		}
		if p.MaxSize < 0 || p.MinIdle < 0 || p.MinIdle > p.MaxSize {
			fail("pools.%s: min_idle %d, max_size %d", name, p.MinIdle, p.MaxSize)
		}
	}
	if c.Session.MaxToolCalls < 0 {
		fail("session.max_tool_calls %d", c.Session.MaxToolCalls)
	}
	if c.Session.RecognizerRetries < 0 {
		fail("session.recognizer_retries %d", c.Session.RecognizerRetries)
	}
	switch c.Store.Driver {
	case "memory":
	case "badger":
		if c.Store.Dir == "" {
			fail("store.dir is required for badger")
		}
	default:
		fail("store.driver %q", c.Store.Driver)
	}
	if _, err := sessionstore.CodecByName(c.Store.Codec); err != nil {
		fail("store.codec: %v", err)
	}
	switch c.Archive.Driver {
	case "":
	case "local":
		if c.Archive.Dir == "" {
			fail("archive.dir is required for local")
		}
	case "s3":
		if c.Archive.Bucket == "" {
			fail("archive.bucket is required for s3")
		}
	default:
		fail("archive.driver %q", c.Archive.Driver)
	}
	for i, t := range c.Tools {
		if t.Name == "" || t.URL == "" {
			fail("tools[%d]: name and url are required", i)
		}
	}
	if len(c.Agents) == 0 {
		fail("no agents")
	} else if _, err := c.Registry(); err != nil {
		fail("agents: %v", err)
	} else if _, err := c.ToolRegistry(); err != nil {
		fail("tools: %v", err)
	}
	return errors.Join(errs...)
}

// Secret returns the value of the environment variable env.
func Secret(env string) string {
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}
