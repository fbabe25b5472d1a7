// File: internal/config/config_test.go
package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, ProviderGemini, cfg.LLM().Text.Provider)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 30*time.Second, cfg.Collector().NavigationTimeout)
	assert.Equal(t, 300*time.Second, cfg.Sandbox().Timeout)
	assert.Equal(t, DOMRederive, cfg.Synthesis().DOMMode)
	assert.Empty(t, cfg.Synthesis().OnReject, "left to the caller")
	assert.Equal(t, "saved_cookies.json", cfg.Storage().CookiesFile)
	assert.Equal(t, 2*time.Second, cfg.Synthesis().StepDelay)
	assert.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		msg    string
	}{
		{"unknown provider", func(c *Config) { c.LLMCfg.Text.Provider = "anthropic" }, "llm.text.provider"},
		{"missing vision model", func(c *Config) { c.LLMCfg.Vision.Model = "" }, "llm.vision.model is required"},
		{"openai without endpoint", func(c *Config) { c.LLMCfg.Text.Provider = ProviderOpenAI }, "endpoint is required"},
		{"bad dom mode", func(c *Config) { c.SynthesisCfg.DOMMode = "psychic" }, "synthesis.dom_mode"},
		{"bad reject mode", func(c *Config) { c.SynthesisCfg.OnReject = "retry" }, "synthesis.on_reject"},
		{"bad isolation", func(c *Config) { c.SynthesisCfg.Isolation = "container" }, "synthesis.isolation"},
		{"bad mode", func(c *Config) { c.SynthesisCfg.Mode = "hybrid" }, "synthesis.mode"},
		{"zero sandbox timeout", func(c *Config) { c.SandboxCfg.Timeout = 0 }, "sandbox.timeout"},
		{"zero concurrency", func(c *Config) { c.EngineCfg.BatchConcurrency = 0 }, "engine.batch_concurrency"},
		{"negative cache", func(c *Config) { c.CollectorCfg.CacheSize = -1 }, "collector.cache_size"},
		{"captcha without timeout", func(c *Config) {
			c.CaptchaCfg.Enabled = true
			c.CaptchaCfg.Timeout = 0
		}, "captcha.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
synthesis:
  mode: computer_use
  dom_mode: blind
  isolation: subprocess
sandbox:
  timeout: 45s
engine:
  batch_concurrency: 6
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "computer_use", cfg.Synthesis().Mode)
		assert.Equal(t, DOMBlind, cfg.Synthesis().DOMMode)
		assert.Equal(t, IsolationSubprocess, cfg.Synthesis().Isolation)
		assert.Equal(t, 45*time.Second, cfg.Sandbox().Timeout)
		assert.Equal(t, 6, cfg.Engine().BatchConcurrency)
		// Untouched sections keep their defaults.
		assert.Equal(t, "info", cfg.Logger().Level)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("engine.batch_concurrency", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		t.Setenv("E2EFORGE_LLM_TEXT_API_KEY", "text-key")
		t.Setenv("GEMINI_API_KEY", "shared-key")
		t.Setenv("E2EFORGE_DATABASE_URL", "postgres://envvar/db")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "text-key", cfg.LLM().Text.APIKey)
		assert.Equal(t, "shared-key", cfg.LLM().Vision.APIKey, "vision key falls back to the shared variable")
		assert.Equal(t, "postgres://envvar/db", cfg.Database().URL)
	})

	t.Run("Home Directory Expansion", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		home, err := homedir.Dir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, ".e2eforge", "session"), cfg.Storage().Dir)
	})
}
