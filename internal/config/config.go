// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on the sections they need, which keeps tests free to
// hand them a partially populated Config.
type Interface interface {
	Logger() LoggerConfig
	LLM() LLMConfig
	Browser() BrowserConfig
	Collector() CollectorConfig
	Synthesis() SynthesisConfig
	Captcha() CaptchaConfig
	Sandbox() SandboxConfig
	Storage() StorageConfig
	Database() DatabaseConfig
	Engine() EngineConfig
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	LLMCfg       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	CollectorCfg CollectorConfig `mapstructure:"collector" yaml:"collector"`
	SynthesisCfg SynthesisConfig `mapstructure:"synthesis" yaml:"synthesis"`
	CaptchaCfg   CaptchaConfig   `mapstructure:"captcha" yaml:"captcha"`
	SandboxCfg   SandboxConfig   `mapstructure:"sandbox" yaml:"sandbox"`
	StorageCfg   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	EngineCfg    EngineConfig    `mapstructure:"engine" yaml:"engine"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) LLM() LLMConfig             { return c.LLMCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Collector() CollectorConfig { return c.CollectorCfg }
func (c *Config) Synthesis() SynthesisConfig { return c.SynthesisCfg }
func (c *Config) Captcha() CaptchaConfig     { return c.CaptchaCfg }
func (c *Config) Sandbox() SandboxConfig     { return c.SandboxCfg }
func (c *Config) Storage() StorageConfig     { return c.StorageCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig       { return c.EngineCfg }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// LLMProvider defines the supported model providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	// ProviderOpenAI covers any OpenAI-compatible chat completions endpoint,
	// including DashScope's compatible mode.
	ProviderOpenAI LLMProvider = "openai"
)

// LLMConfig configures the grounding service: one model for text tasks and
// one for vision tasks.
type LLMConfig struct {
	Text              LLMModelConfig `mapstructure:"text" yaml:"text"`
	Vision            LLMModelConfig `mapstructure:"vision" yaml:"vision"`
	RequestsPerSecond float64        `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int            `mapstructure:"burst" yaml:"burst"`
	LogInteractions   bool           `mapstructure:"log_interactions" yaml:"log_interactions"`
}

// LLMModelConfig defines the configuration for a single model.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// ViewportConfig is the browser window size in CSS pixels.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the browser processes the engine launches.
type BrowserConfig struct {
	Headless       bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath       string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args           []string       `mapstructure:"args" yaml:"args"`
	Viewport       ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	IgnoreTLS      bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ActionTimeout  time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	PostActionWait time.Duration  `mapstructure:"post_action_wait" yaml:"post_action_wait"`
}

// CollectorConfig tunes page context collection.
type CollectorConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	CacheSize         int           `mapstructure:"cache_size" yaml:"cache_size"`
	AnalyzePage       bool          `mapstructure:"analyze_page" yaml:"analyze_page"`
}

// DOMMode controls how the selector strategy refreshes page state.
type DOMMode string

const (
	// DOMRederive replays the partial script after each step and reads the
	// resulting DOM.
	DOMRederive DOMMode = "rederive"
	// DOMBlind reuses the initial snapshot for every step.
	DOMBlind DOMMode = "blind"
)

// RejectMode controls what happens when a fragment fails validation.
type RejectMode string

const (
	RejectSkip  RejectMode = "skip"
	RejectAbort RejectMode = "abort"
)

// IsolationMode selects how the coordinate strategy is isolated.
type IsolationMode string

const (
	IsolationInProcess  IsolationMode = "inprocess"
	IsolationSubprocess IsolationMode = "subprocess"
)

// SynthesisConfig selects and tunes the grounding strategies.
type SynthesisConfig struct {
	Mode      string        `mapstructure:"mode" yaml:"mode"`
	DOMMode   DOMMode       `mapstructure:"dom_mode" yaml:"dom_mode"`
	OnReject  RejectMode    `mapstructure:"on_reject" yaml:"on_reject"`
	Isolation IsolationMode `mapstructure:"isolation" yaml:"isolation"`
	StepDelay time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	MaxDOM    int           `mapstructure:"max_dom_chars" yaml:"max_dom_chars"`
}

// CaptchaConfig configures captcha recognition.
type CaptchaConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SandboxConfig configures script execution.
type SandboxConfig struct {
	Interpreter string        `mapstructure:"interpreter" yaml:"interpreter"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	WorkDir     string        `mapstructure:"work_dir" yaml:"work_dir"`
	KeepScript  bool          `mapstructure:"keep_script" yaml:"keep_script"`
}

// StorageConfig locates persisted session artifacts.
type StorageConfig struct {
	Dir                string `mapstructure:"dir" yaml:"dir"`
	CookiesFile        string `mapstructure:"cookies_file" yaml:"cookies_file"`
	LocalStorageFile   string `mapstructure:"local_storage_file" yaml:"local_storage_file"`
	SessionStorageFile string `mapstructure:"session_storage_file" yaml:"session_storage_file"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig configures batch execution.
type EngineConfig struct {
	BatchConcurrency int           `mapstructure:"batch_concurrency" yaml:"batch_concurrency"`
	CaseTimeout      time.Duration `mapstructure:"case_timeout" yaml:"case_timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration section.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "e2eforge")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- LLM --
	v.SetDefault("llm.text.provider", string(ProviderGemini))
	v.SetDefault("llm.text.model", "gemini-2.5-flash")
	v.SetDefault("llm.text.api_timeout", "90s")
	v.SetDefault("llm.text.temperature", 0.0)
	v.SetDefault("llm.text.max_tokens", 4096)
	v.SetDefault("llm.vision.provider", string(ProviderGemini))
	v.SetDefault("llm.vision.model", "gemini-2.5-flash")
	v.SetDefault("llm.vision.api_timeout", "90s")
	v.SetDefault("llm.vision.temperature", 0.0)
	v.SetDefault("llm.vision.max_tokens", 2048)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.burst", 4)
	v.SetDefault("llm.log_interactions", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 720)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.action_timeout", "15s")
	v.SetDefault("browser.post_action_wait", "2s")

	// -- Collector --
	v.SetDefault("collector.navigation_timeout", "30s")
	v.SetDefault("collector.cache_size", 32)
	v.SetDefault("collector.analyze_page", true)

	// -- Synthesis --
	v.SetDefault("synthesis.mode", "selector")
	v.SetDefault("synthesis.dom_mode", string(DOMRederive))
	// Empty lets the caller choose: abort for one case, skip in a batch.
	v.SetDefault("synthesis.on_reject", "")
	v.SetDefault("synthesis.isolation", string(IsolationInProcess))
	v.SetDefault("synthesis.step_delay", "2s")
	v.SetDefault("synthesis.max_dom_chars", 60000)

	// -- Captcha --
	v.SetDefault("captcha.enabled", false)
	v.SetDefault("captcha.timeout", "30s")

	// -- Sandbox --
	v.SetDefault("sandbox.interpreter", "python3")
	v.SetDefault("sandbox.timeout", "300s")
	v.SetDefault("sandbox.work_dir", "")
	v.SetDefault("sandbox.keep_script", false)

	// -- Storage --
	v.SetDefault("storage.dir", "~/.e2eforge/session")
	v.SetDefault("storage.cookies_file", "saved_cookies.json")
	v.SetDefault("storage.local_storage_file", "saved_localstorage.json")
	v.SetDefault("storage.session_storage_file", "saved_sessionstorage.json")

	// -- Engine --
	v.SetDefault("engine.batch_concurrency", 2)
	v.SetDefault("engine.case_timeout", "20m")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment rather than the config file.
	_ = v.BindEnv("llm.text.api_key", "E2EFORGE_LLM_TEXT_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("llm.vision.api_key", "E2EFORGE_LLM_VISION_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("database.url", "E2EFORGE_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.StorageCfg.Dir, &c.SandboxCfg.WorkDir, &c.LoggerCfg.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if err := c.SynthesisCfg.Validate(); err != nil {
		return fmt.Errorf("synthesis configuration invalid: %w", err)
	}
	if c.CollectorCfg.NavigationTimeout <= 0 {
		return errors.New("collector.navigation_timeout must be a positive duration")
	}
	if c.CollectorCfg.CacheSize < 0 {
		return errors.New("collector.cache_size must not be negative")
	}
	if c.SandboxCfg.Timeout <= 0 {
		return errors.New("sandbox.timeout must be a positive duration")
	}
	if c.SandboxCfg.Interpreter == "" {
		return errors.New("sandbox.interpreter is required")
	}
	if c.EngineCfg.BatchConcurrency <= 0 {
		return errors.New("engine.batch_concurrency must be a positive integer")
	}
	if c.BrowserCfg.Viewport.Width <= 0 || c.BrowserCfg.Viewport.Height <= 0 {
		return errors.New("browser.viewport width and height must be positive")
	}
	if c.CaptchaCfg.Enabled && c.CaptchaCfg.Timeout <= 0 {
		return errors.New("captcha.timeout must be a positive duration when captcha is enabled")
	}
	return nil
}

// Validate checks the model settings.
func (l *LLMConfig) Validate() error {
	for name, m := range map[string]LLMModelConfig{"text": l.Text, "vision": l.Vision} {
		switch m.Provider {
		case ProviderGemini, ProviderOpenAI:
		default:
			return fmt.Errorf("llm.%s.provider %q is not supported", name, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("llm.%s.model is required", name)
		}
		if m.Provider == ProviderOpenAI && m.Endpoint == "" {
			return fmt.Errorf("llm.%s.endpoint is required for the openai provider", name)
		}
	}
	if l.RequestsPerSecond < 0 {
		return errors.New("llm.requests_per_second must not be negative")
	}
	return nil
}

// Validate checks the synthesis enums.
func (s *SynthesisConfig) Validate() error {
	switch s.Mode {
	case "selector", "computer_use":
	default:
		return fmt.Errorf("synthesis.mode %q must be selector or computer_use", s.Mode)
	}
	switch s.DOMMode {
	case DOMRederive, DOMBlind:
	default:
		return fmt.Errorf("synthesis.dom_mode %q must be rederive or blind", s.DOMMode)
	}
	switch s.OnReject {
	case "", RejectSkip, RejectAbort:
	default:
		return fmt.Errorf("synthesis.on_reject %q must be skip, abort or empty", s.OnReject)
	}
	switch s.Isolation {
	case IsolationInProcess, IsolationSubprocess:
	default:
		return fmt.Errorf("synthesis.isolation %q must be inprocess or subprocess", s.Isolation)
	}
	if s.StepDelay < 0 {
		return errors.New("synthesis.step_delay must not be negative")
	}
	return nil
}
