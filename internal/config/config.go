package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	exeDirCache string
)

// getExecutableDir returns the directory where the executable is located
func getExecutableDir() string {
	if exeDirCache != "" {
		return exeDirCache
	}
	execPath, err := os.Executable()
	if err != nil {
		exeDirCache = "."
		return exeDirCache
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		exeDirCache = "."
		return exeDirCache
	}
	exeDirCache = filepath.Dir(execPath)
	return exeDirCache
}

type Config struct {
	AI      AIConfig      `yaml:"ai"`
	Build   BuildConfig   `yaml:"build"`
	Storage StorageConfig `yaml:"storage"`
	Web     WebConfig     `yaml:"web"`
	Logging LoggingConfig `yaml:"logging"`
	Notify  NotifyConfig  `yaml:"notify,omitempty"`
}

// AIConfig lists the model providers, tried in order.
type AIConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	// Cooldown keeps a failed provider out of rotation.
	Cooldown time.Duration `yaml:"cooldown"`
}

type ProviderConfig struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"` // "openai" or "anthropic"
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	Model     string `yaml:"model,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

type BuildConfig struct {
	Deadline             time.Duration `yaml:"deadline"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`
	PersistRetries       int           `yaml:"persist_retries"`
	ExecutionConcurrency int           `yaml:"execution_concurrency"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// NotifyConfig configures outbound build notifications.
type NotifyConfig struct {
	SlackWebhook string `yaml:"slack_webhook,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Cooldown: time.Minute,
		},
		Build: BuildConfig{
			Deadline:             270 * time.Second,
			MaxRetries:           3,
			RetryBackoff:         2 * time.Second,
			PersistRetries:       1,
			ExecutionConcurrency: 4,
		},
		Storage: StorageConfig{
			Path: filepath.Join(ConfigDir(), "specforge.db"),
		},
		Web: WebConfig{
			Port: 8787,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func ConfigDir() string {
	exeDir := getExecutableDir()
	return filepath.Join(exeDir, ".specforge")
}

func ConfigPath() string {
	exeDir := getExecutableDir()
	return filepath.Join(exeDir, ".specforge.yaml")
}

func Load() (*Config, error) {
	return LoadFromPath(ConfigPath())
}

// LoadFromPath reads the config at path on top of the defaults. A missing
// file yields the defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv fills missing API keys from the environment. Without any
// configured provider, a key in the environment adds one.
func (c *Config) applyEnv() {
	envKeys := map[string]string{
		"openai":    os.Getenv("OPENAI_API_KEY"),
		"anthropic": os.Getenv("ANTHROPIC_API_KEY"),
	}
	for i := range c.AI.Providers {
		p := &c.AI.Providers[i]
		if p.APIKey == "" {
			p.APIKey = envKeys[p.providerType()]
		}
	}
	if len(c.AI.Providers) > 0 {
		return
	}
	for _, typ := range []string{"anthropic", "openai"} {
		if key := envKeys[typ]; key != "" {
			c.AI.Providers = append(c.AI.Providers, ProviderConfig{Name: typ, Type: typ, APIKey: key})
		}
	}
}

func (p ProviderConfig) providerType() string {
	if p.Type == "" {
		return "openai"
	}
	return strings.ToLower(p.Type)
}

// Validate rejects values the build engine cannot run with.
func (c *Config) Validate() error {
	if c.Build.Deadline <= 0 {
		return fmt.Errorf("build.deadline must be positive")
	}
	if c.Build.MaxRetries < 0 || c.Build.PersistRetries < 0 {
		return fmt.Errorf("build retries must not be negative")
	}
	if c.Build.ExecutionConcurrency < 1 {
		return fmt.Errorf("build.execution_concurrency must be at least 1")
	}
	seen := make(map[string]bool)
	for i, p := range c.AI.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("ai.providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("ai.providers: duplicate name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.providerType() {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("ai.providers[%d]: unknown type %q", i, p.Type)
		}
	}
	return nil
}

func (c *Config) Save() error {
	return c.SaveToPath(ConfigPath())
}

func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
