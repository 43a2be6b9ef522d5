package config

import (
	"errors"
	"testing"
)

func clearKeyEnv(t *testing.T) {
	t.Helper()
	for _, name := range apiKeyEnv {
		t.Setenv(name, "")
	}
}

func TestGetAPIKey(t *testing.T) {
	t.Run("from environment variable", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")

		key, err := GetAPIKey(&Config{})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if key != "sk-ant-test-key" {
			t.Errorf("expected 'sk-ant-test-key', got %q", key)
		}
	})

	t.Run("quill variable wins", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-generic")
		t.Setenv("QUILL_ANTHROPIC_API_KEY", "sk-ant-quill")

		key, _ := GetAPIKey(&Config{})
		if key != "sk-ant-quill" {
			t.Errorf("expected QUILL_ANTHROPIC_API_KEY to win, got %q", key)
		}
	})

	t.Run("from config with expansion", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("MY_KEY", "sk-ant-expanded")

		cfg := &Config{Anthropic: AnthropicConfig{APIKey: "${MY_KEY}"}}
		key, err := GetAPIKey(cfg)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if key != "sk-ant-expanded" {
			t.Errorf("expected 'sk-ant-expanded', got %q", key)
		}
	})

	t.Run("bedrock needs no key", func(t *testing.T) {
		clearKeyEnv(t)

		key, err := GetAPIKey(&Config{Anthropic: AnthropicConfig{UseBedrock: true}})
		if err != nil || key != "" {
			t.Errorf("GetAPIKey() = %q, %v; want empty, nil", key, err)
		}
	})

	t.Run("no key configured", func(t *testing.T) {
		clearKeyEnv(t)

		_, err := GetAPIKey(&Config{})
		if !errors.Is(err, ErrNoAPIKey) {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", "sk-ant-REDACTED", false},
		{"empty key", "", true},
		{"wrong prefix", "sk-openai-12345678901234567890", true},
		{"too short", "sk-ant-abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		expected string
	}{
		{"valid key", "sk-ant-REDACTED", "sk-ant-...wxyz"},
		{"empty key", "", "(not set)"},
		{"short key", "short", "***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskAPIKey(tt.key); got != tt.expected {
				t.Errorf("MaskAPIKey() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetAPIKeySource(t *testing.T) {
	tests := []struct {
		name string
		env  string
		cfg  *Config
		want KeySource
	}{
		{"environment", "test-key", &Config{}, KeySourceEnv},
		{"config", "", &Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-config-key"}}, KeySourceConfig},
		{"unresolved reference", "", &Config{Anthropic: AnthropicConfig{APIKey: "${QUILL_TEST_UNSET_VAR}"}}, KeySourceNone},
		{"bedrock", "test-key", &Config{Anthropic: AnthropicConfig{UseBedrock: true}}, KeySourceBedrock},
		{"none", "", &Config{}, KeySourceNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearKeyEnv(t)
			t.Setenv("ANTHROPIC_API_KEY", tt.env)
			if got := GetAPIKeySource(tt.cfg); got != tt.want {
				t.Errorf("GetAPIKeySource() = %v, want %v", got, tt.want)
			}
		})
	}
}
