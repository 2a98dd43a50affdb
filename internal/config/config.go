// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Provider supplies the latest configuration snapshot. The orchestrator reads
// it once at the start of every turn and never mutates it.
type Provider interface {
	Snapshot() Config
}

// Config is the root configuration value. It is passed by value into turns so
// that a settings change mid-turn has no effect until the next turn starts.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Runner   RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	GUI      GUIConfig      `mapstructure:"gui" yaml:"gui"`
	Keyboard KeyboardConfig `mapstructure:"keyboard" yaml:"keyboard"`
	CDP      CDPConfig      `mapstructure:"cdp" yaml:"cdp"`
}

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

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// LLMConfig describes the OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	APIURL string `mapstructure:"api_url" yaml:"api_url"`
	// ModelIDs is the comma separated list of models offered to the user.
	ModelIDs      string        `mapstructure:"model_ids" yaml:"model_ids"`
	SelectedModel string        `mapstructure:"selected_model" yaml:"selected_model"`
	MaxTokens     int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature   float64       `mapstructure:"temperature" yaml:"temperature"`
	APITimeout    time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	// RequestsPerMinute paces outbound calls. Zero disables pacing.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

type AgentConfig struct {
	EnableMultiStep   bool          `mapstructure:"enable_multi_step" yaml:"enable_multi_step"`
	MaxIterations     int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	IterationPause    time.Duration `mapstructure:"iteration_pause" yaml:"iteration_pause"`
	IncludeTimestamp  bool          `mapstructure:"include_timestamp" yaml:"include_timestamp"`
	IncludeCLIContext bool          `mapstructure:"include_cli_context" yaml:"include_cli_context"`
	CLIContextChars   int           `mapstructure:"cli_context_chars" yaml:"cli_context_chars"`
	HistorySize       int           `mapstructure:"history_size" yaml:"history_size"`
	EventBufferSize   int           `mapstructure:"event_buffer_size" yaml:"event_buffer_size"`
	InitialWorkingDir string        `mapstructure:"initial_working_dir" yaml:"initial_working_dir"`
}

type RunnerConfig struct {
	Shell          string        `mapstructure:"shell" yaml:"shell"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxStdoutChars int           `mapstructure:"max_stdout_chars" yaml:"max_stdout_chars"`
	MaxStderrChars int           `mapstructure:"max_stderr_chars" yaml:"max_stderr_chars"`
}

type GUIConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	AutoIncludeTree  bool          `mapstructure:"auto_include_ui_tree" yaml:"auto_include_ui_tree"`
	TreeMaxDepth     int           `mapstructure:"tree_max_depth" yaml:"tree_max_depth"`
	SettleDelay      time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	FindTimeout      time.Duration `mapstructure:"find_timeout" yaml:"find_timeout"`
	FindPollInterval time.Duration `mapstructure:"find_poll_interval" yaml:"find_poll_interval"`
}

type KeyboardConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	KeyDelay    time.Duration `mapstructure:"key_delay" yaml:"key_delay"`
}

// CDPConfig points the keyboard and GUI drivers at a Chrome DevTools endpoint.
type CDPConfig struct {
	RemoteURL      string        `mapstructure:"remote_url" yaml:"remote_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// ModelList splits the comma separated model list, dropping blanks.
func (l LLMConfig) ModelList() []string {
	var out []string
	for _, m := range strings.Split(l.ModelIDs, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// Model resolves the model to use for a turn. A selection that is no longer
// in the list falls back to the first listed model.
func (l LLMConfig) Model() string {
	models := l.ModelList()
	if len(models) == 0 {
		return strings.TrimSpace(l.SelectedModel)
	}
	for _, m := range models {
		if m == l.SelectedModel {
			return m
		}
	}
	return models[0]
}

// NewDefaultConfig creates a configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "poweragent")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- LLM --
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.api_url", "")
	v.SetDefault("llm.model_ids", "")
	v.SetDefault("llm.selected_model", "")
	v.SetDefault("llm.max_tokens", 1200)
	v.SetDefault("llm.temperature", 0.6)
	v.SetDefault("llm.api_timeout", "90s")
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.requests_per_minute", 0)

	// -- Agent --
	v.SetDefault("agent.enable_multi_step", false)
	v.SetDefault("agent.max_iterations", 5)
	v.SetDefault("agent.iteration_pause", "500ms")
	v.SetDefault("agent.include_timestamp", false)
	v.SetDefault("agent.include_cli_context", true)
	v.SetDefault("agent.cli_context_chars", 4000)
	v.SetDefault("agent.history_size", 50)
	v.SetDefault("agent.event_buffer_size", 64)
	v.SetDefault("agent.initial_working_dir", "")

	// -- Runner --
	v.SetDefault("runner.shell", "")
	v.SetDefault("runner.poll_interval", "100ms")
	v.SetDefault("runner.max_stdout_chars", 4000)
	v.SetDefault("runner.max_stderr_chars", 8000)

	// -- GUI --
	v.SetDefault("gui.enabled", true)
	v.SetDefault("gui.auto_include_ui_tree", false)
	v.SetDefault("gui.tree_max_depth", 3)
	v.SetDefault("gui.settle_delay", "500ms")
	v.SetDefault("gui.find_timeout", "5s")
	v.SetDefault("gui.find_poll_interval", "200ms")

	// -- Keyboard --
	v.SetDefault("keyboard.enabled", true)
	v.SetDefault("keyboard.settle_delay", "200ms")
	v.SetDefault("keyboard.key_delay", "50ms")

	// -- CDP --
	v.SetDefault("cdp.remote_url", "")
	v.SetDefault("cdp.connect_timeout", "10s")
}

// NewConfigFromViper unmarshals and validates configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The API key is commonly supplied through the environment only.
	_ = v.BindEnv("llm.api_key", "POWERAGENT_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values. It does not require the
// API key or URL: an incomplete API configuration is reported per turn so the
// rest of the application (manual commands, capability probing) still works.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	if c.Agent.HistorySize < 2 {
		return fmt.Errorf("agent.history_size must be at least 2")
	}
	if c.Runner.PollInterval <= 0 {
		return fmt.Errorf("runner.poll_interval must be positive")
	}
	if c.Runner.MaxStdoutChars <= 0 {
		return fmt.Errorf("runner.max_stdout_chars must be positive")
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if c.GUI.TreeMaxDepth < 1 || c.GUI.TreeMaxDepth > 10 {
		return fmt.Errorf("gui.tree_max_depth must be between 1 and 10")
	}
	return nil
}

// Validate checks the LLM settings that have no sensible runtime fallback.
func (l *LLMConfig) Validate() error {
	if l.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if l.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if l.APITimeout <= 0 {
		return fmt.Errorf("api_timeout must be positive")
	}
	return nil
}

// ViperProvider re-reads the settings file and the viper state on every
// snapshot, so file edits and environment changes made after startup apply at
// the next turn.
type ViperProvider struct {
	v    *viper.Viper
	mu   sync.Mutex
	last Config
}

// NewViperProvider creates a provider. The initial configuration must be valid.
func NewViperProvider(v *viper.Viper) (*ViperProvider, error) {
	cfg, err := NewConfigFromViper(v)
	if err != nil {
		return nil, err
	}
	return &ViperProvider{v: v, last: *cfg}, nil
}

// Snapshot returns the current configuration. If the underlying settings have
// become invalid the last good snapshot is returned.
func (p *ViperProvider) Snapshot() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.v.ConfigFileUsed() != "" {
		// A failed read leaves viper's previous settings in place.
		if err := p.v.ReadInConfig(); err != nil {
			return p.last
		}
	}
	cfg, err := NewConfigFromViper(p.v)
	if err == nil {
		p.last = *cfg
	}
	return p.last
}

// StaticProvider always returns the same configuration.
type StaticProvider struct {
	Cfg Config
}

func (s StaticProvider) Snapshot() Config { return s.Cfg }
