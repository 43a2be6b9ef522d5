// Package config handles configuration loading and management for Quill.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Quill.
type Config struct {
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Context    ContextConfig    `mapstructure:"context"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Cascade    CascadeConfig    `mapstructure:"cascade"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	NATS       NATSConfig       `mapstructure:"nats"`
	TUI        TUIConfig        `mapstructure:"tui"`
}

// AnthropicConfig holds model backend settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
}

// StorageConfig holds database locations. Empty paths use the XDG data dir.
type StorageConfig struct {
	DBPath         string `mapstructure:"db_path"`
	ArtifactDBPath string `mapstructure:"artifact_db_path"`
}

// ClassifierConfig holds override rule settings.
type ClassifierConfig struct {
	// RulesFile is an optional YAML file of override rules evaluated
	// before the built-in rules.
	RulesFile  string `mapstructure:"rules_file"`
	WatchRules bool   `mapstructure:"watch_rules"`
}

// WorkflowConfig holds workflow definition settings.
type WorkflowConfig struct {
	DefinitionsFile string `mapstructure:"definitions_file"`
}

// ContextConfig controls the classification context window.
type ContextConfig struct {
	RecentMessages int `mapstructure:"recent_messages"`
	SummaryEvery   int `mapstructure:"summary_every"`
}

// StreamingConfig controls generation runs.
type StreamingConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// CascadeConfig bounds follow-up capability invocations per turn.
type CascadeConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// LoggingConfig holds log file settings. An empty file logs under the data dir.
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the Prometheus endpoint. Empty disables the listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// NATSConfig holds event bus settings. An empty URL disables publishing.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, QUILL_*)
// 2. Project config (.quill.yaml in current directory or parent)
// 3. User config (~/.config/quill/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// newViper builds the layered viper instance used by Load and Get.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "QUILL_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

// SaveTo writes the configuration to path.
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	for key, value := range flatten(cfg) {
		v.Set(key, value)
	}
	return v.WriteConfigAs(path)
}

// flatten maps every known key to its value in cfg.
func flatten(cfg *Config) map[string]any {
	return map[string]any{
		"anthropic.api_key":         cfg.Anthropic.APIKey,
		"anthropic.model":           cfg.Anthropic.Model,
		"anthropic.use_bedrock":     cfg.Anthropic.UseBedrock,
		"anthropic.aws_region":      cfg.Anthropic.AWSRegion,
		"anthropic.aws_profile":     cfg.Anthropic.AWSProfile,
		"anthropic.max_tokens":      cfg.Anthropic.MaxTokens,
		"storage.db_path":           cfg.Storage.DBPath,
		"storage.artifact_db_path":  cfg.Storage.ArtifactDBPath,
		"classifier.rules_file":     cfg.Classifier.RulesFile,
		"classifier.watch_rules":    cfg.Classifier.WatchRules,
		"workflow.definitions_file": cfg.Workflow.DefinitionsFile,
		"context.recent_messages":   cfg.Context.RecentMessages,
		"context.summary_every":     cfg.Context.SummaryEvery,
		"streaming.queue_size":      cfg.Streaming.QueueSize,
		"streaming.poll_interval":   cfg.Streaming.PollInterval.String(),
		"streaming.enqueue_timeout": cfg.Streaming.EnqueueTimeout.String(),
		"cascade.max_depth":         cfg.Cascade.MaxDepth,
		"logging.file":              cfg.Logging.File,
		"logging.level":             cfg.Logging.Level,
		"metrics.listen_addr":       cfg.Metrics.ListenAddr,
		"nats.url":                  cfg.NATS.URL,
		"nats.subject_prefix":       cfg.NATS.SubjectPrefix,
		"tui.refresh_rate":          cfg.TUI.RefreshRate.String(),
	}
}

// Keys returns every known configuration key, sorted.
func Keys() []string {
	keys := make([]string, 0, 32)
	for k := range flatten(Default()) {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Get returns the effective value of key after all layers are applied.
func Get(key string) (any, error) {
	if !slices.Contains(Keys(), key) {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return v.Get(key), nil
}

// Set writes key=value to the user config file, leaving other keys as they are.
func Set(key, value string) error {
	return SetIn(GetUserConfigPath(), key, value)
}

// SetIn writes key=value to the config file at path.
func SetIn(path, key, value string) error {
	if !slices.Contains(Keys(), key) {
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}
	v.Set(key, value)
	return v.WriteConfigAs(path)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// DataDir returns the XDG data directory for Quill.
func DataDir() string {
	if dataDir := os.Getenv("XDG_DATA_HOME"); dataDir != "" {
		return filepath.Join(dataDir, "quill")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "quill")
	}
	return filepath.Join(home, ".local", "share", "quill")
}

// ArtifactDBPath returns the artifact database path, defaulting to the data dir.
func (c *Config) ArtifactDBPath() string {
	if c.Storage.ArtifactDBPath != "" {
		return c.Storage.ArtifactDBPath
	}
	return filepath.Join(DataDir(), "artifacts.db")
}

// LogFile returns the log file path, defaulting to the data dir.
func (c *Config) LogFile() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(DataDir(), "logs", "quill.log")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	for key, value := range flatten(Default()) {
		v.SetDefault(key, value)
	}
}

// getUserConfigDir returns the XDG config directory for Quill.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "quill")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "quill")
	}
	return filepath.Join(home, ".config", "quill")
}

// findProjectConfig searches for .quill.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".quill.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			AWSRegion: "us-west-2",
			MaxTokens: 4096,
		},
		Context: ContextConfig{
			RecentMessages: 10,
			SummaryEvery:   20,
		},
		Streaming: StreamingConfig{
			QueueSize:      256,
			PollInterval:   100 * time.Millisecond,
			EnqueueTimeout: 100 * time.Millisecond,
		},
		Cascade: CascadeConfig{
			MaxDepth: 1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		NATS: NATSConfig{
			SubjectPrefix: "quill",
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}
