// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Input     InputConfig     `mapstructure:"input" yaml:"input"`
	Chat      ChatConfig      `mapstructure:"chat" yaml:"chat"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Images    ImagesConfig    `mapstructure:"images" yaml:"images"`
	Clipboard ClipboardConfig `mapstructure:"clipboard" yaml:"clipboard"`
}

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

// BrowserMode selects how a browser session is established.
type BrowserMode string

const (
	// ModeLaunch starts an automation-managed browser instance.
	ModeLaunch BrowserMode = "launch"
	// ModeAttach spawns a full browser with a debugging port and connects to it.
	ModeAttach BrowserMode = "attach"
)

// BrowserConfig holds settings for the controlled browser.
type BrowserConfig struct {
	Mode     BrowserMode `mapstructure:"mode" yaml:"mode"`
	Headless bool        `mapstructure:"headless" yaml:"headless"`
	// Binaries is the ordered search list for launch mode: the primary browser
	// first, then the alternates. Empty means the per-OS defaults.
	Binaries []string `mapstructure:"binaries" yaml:"binaries"`
	// FallbackNames are looked up on PATH for the reduced-flag launch.
	FallbackNames []string       `mapstructure:"fallback_names" yaml:"fallback_names"`
	Args          []string       `mapstructure:"args" yaml:"args"`
	Viewport      ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	UserAgent     string         `mapstructure:"user_agent" yaml:"user_agent"`
	ProfileDir    string         `mapstructure:"profile_dir" yaml:"profile_dir"`
	LaunchTimeout time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	ActionTimeout time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	Attach        AttachConfig   `mapstructure:"attach" yaml:"attach"`
}

// ViewportConfig is the fixed window size used for launched browsers.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// AttachConfig configures the remote-debugging attach mode.
type AttachConfig struct {
	Binary         string        `mapstructure:"binary" yaml:"binary"`
	BasePort       int           `mapstructure:"base_port" yaml:"base_port"`
	PortRange      int           `mapstructure:"port_range" yaml:"port_range"`
	SettleTime     time.Duration `mapstructure:"settle_time" yaml:"settle_time"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	LoginTimeout   time.Duration `mapstructure:"login_timeout" yaml:"login_timeout"`
}

// InputConfig tunes the input simulation layer.
type InputConfig struct {
	KeyDelayMin    time.Duration `mapstructure:"key_delay_min" yaml:"key_delay_min"`
	KeyDelayMax    time.Duration `mapstructure:"key_delay_max" yaml:"key_delay_max"`
	ClickHold      time.Duration `mapstructure:"click_hold" yaml:"click_hold"`
	ChooserTimeout time.Duration `mapstructure:"chooser_timeout" yaml:"chooser_timeout"`
}

// ChatConfig holds the timings for driving the AI chat web application.
type ChatConfig struct {
	URL                  string        `mapstructure:"url" yaml:"url"`
	LocatorTimeout       time.Duration `mapstructure:"locator_timeout" yaml:"locator_timeout"`
	FrameLocatorTimeout  time.Duration `mapstructure:"frame_locator_timeout" yaml:"frame_locator_timeout"`
	ResearchPollInterval time.Duration `mapstructure:"research_poll_interval" yaml:"research_poll_interval"`
	ResearchPollCeiling  int           `mapstructure:"research_poll_ceiling" yaml:"research_poll_ceiling"`
	GraceInterval        time.Duration `mapstructure:"grace_interval" yaml:"grace_interval"`
	GraceTicks           int           `mapstructure:"grace_ticks" yaml:"grace_ticks"`
	StabilityInterval    time.Duration `mapstructure:"stability_interval" yaml:"stability_interval"`
	StabilityThreshold   int           `mapstructure:"stability_threshold" yaml:"stability_threshold"`
	StabilityCeiling     int           `mapstructure:"stability_ceiling" yaml:"stability_ceiling"`
	AttachmentSettle     time.Duration `mapstructure:"attachment_settle" yaml:"attachment_settle"`
	ClipboardSettle      time.Duration `mapstructure:"clipboard_settle" yaml:"clipboard_settle"`
	MenuSettle           time.Duration `mapstructure:"menu_settle" yaml:"menu_settle"`
}

// RetryConfig is the default retry policy for flaky operations.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay" yaml:"delay"`
	Linear      bool          `mapstructure:"linear" yaml:"linear"`
}

// ImageProvider names a supported image generation backend.
type ImageProvider string

const (
	ProviderOpenAI ImageProvider = "openai"
	ProviderGemini ImageProvider = "gemini"
)

// ImagesConfig holds the image generation provider settings. The core only
// reads it; persisting credentials is somebody else's job.
type ImagesConfig struct {
	Provider          ImageProvider `mapstructure:"provider" yaml:"provider"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Model             string        `mapstructure:"model" yaml:"model"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	Size              string        `mapstructure:"size" yaml:"size"`
	Style             string        `mapstructure:"style" yaml:"style"`
	Quality           string        `mapstructure:"quality" yaml:"quality"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
}

// ClipboardBackend selects where clipboard reads and writes go.
type ClipboardBackend string

const (
	ClipboardBrowser ClipboardBackend = "browser"
	ClipboardSystem  ClipboardBackend = "system"
)

// ClipboardConfig selects the clipboard backend.
type ClipboardConfig struct {
	Backend ClipboardBackend `mapstructure:"backend" yaml:"backend"`
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

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "quill")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.mode", string(ModeLaunch))
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.fallback_names", []string{"google-chrome", "chromium", "chromium-browser", "microsoft-edge"})
	v.SetDefault("browser.viewport.width", 1366)
	v.SetDefault("browser.viewport.height", 900)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	v.SetDefault("browser.profile_dir", "~/.quill/browser-profile")
	v.SetDefault("browser.launch_timeout", "45s")
	v.SetDefault("browser.action_timeout", "20s")
	v.SetDefault("browser.attach.base_port", 9222)
	v.SetDefault("browser.attach.port_range", 20)
	v.SetDefault("browser.attach.settle_time", "3s")
	v.SetDefault("browser.attach.connect_timeout", "30s")
	v.SetDefault("browser.attach.login_timeout", "5m")

	// -- Input --
	v.SetDefault("input.key_delay_min", "50ms")
	v.SetDefault("input.key_delay_max", "150ms")
	v.SetDefault("input.click_hold", "60ms")
	v.SetDefault("input.chooser_timeout", "10s")

	// -- Chat --
	v.SetDefault("chat.url", "https://claude.ai/new")
	v.SetDefault("chat.locator_timeout", "3s")
	v.SetDefault("chat.frame_locator_timeout", "1s")
	v.SetDefault("chat.research_poll_interval", "5s")
	v.SetDefault("chat.research_poll_ceiling", 60)
	v.SetDefault("chat.grace_interval", "2s")
	v.SetDefault("chat.grace_ticks", 5)
	v.SetDefault("chat.stability_interval", "3s")
	v.SetDefault("chat.stability_threshold", 2)
	v.SetDefault("chat.stability_ceiling", 200)
	v.SetDefault("chat.attachment_settle", "3s")
	v.SetDefault("chat.clipboard_settle", "1s")
	v.SetDefault("chat.menu_settle", "500ms")

	// -- Retry --
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.delay", "2s")
	v.SetDefault("retry.linear", true)

	// -- Images --
	v.SetDefault("images.provider", string(ProviderOpenAI))
	v.SetDefault("images.model", "dall-e-3")
	v.SetDefault("images.size", "1024x1024")
	v.SetDefault("images.style", "natural")
	v.SetDefault("images.quality", "standard")
	v.SetDefault("images.timeout", "120s")
	v.SetDefault("images.requests_per_minute", 5.0)
	v.SetDefault("images.breaker_failures", 5)
	v.SetDefault("images.breaker_timeout", "30s")

	// -- Clipboard --
	v.SetDefault("clipboard.backend", string(ClipboardBrowser))
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment, never from the YAML file.
	_ = v.BindEnv("images.api_key", "QUILL_IMAGES_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY")

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
	if c.Browser.ProfileDir == "" {
		return nil
	}
	dir, err := homedir.Expand(c.Browser.ProfileDir)
	if err != nil {
		return fmt.Errorf("could not expand browser.profile_dir: %w", err)
	}
	c.Browser.ProfileDir = dir
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Browser.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if err := c.Input.Validate(); err != nil {
		return fmt.Errorf("input configuration invalid: %w", err)
	}
	if err := c.Chat.Validate(); err != nil {
		return fmt.Errorf("chat configuration invalid: %w", err)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	switch c.Clipboard.Backend {
	case ClipboardBrowser, ClipboardSystem:
	default:
		return fmt.Errorf("clipboard.backend must be one of [browser, system], got %q", c.Clipboard.Backend)
	}
	return nil
}

// Validate checks the browser settings.
func (b *BrowserConfig) Validate() error {
	switch b.Mode {
	case ModeLaunch, ModeAttach:
	default:
		return fmt.Errorf("mode must be one of [launch, attach], got %q", b.Mode)
	}
	if b.Mode == ModeAttach {
		if b.Attach.BasePort <= 0 || b.Attach.BasePort > 65535 {
			return fmt.Errorf("attach.base_port must be a valid TCP port")
		}
		if b.Attach.PortRange < 1 {
			return fmt.Errorf("attach.port_range must be at least 1")
		}
		if strings.TrimSpace(b.ProfileDir) == "" {
			return fmt.Errorf("profile_dir is required in attach mode")
		}
	}
	if b.Viewport.Width <= 0 || b.Viewport.Height <= 0 {
		return fmt.Errorf("viewport dimensions must be positive")
	}
	return nil
}

// Validate checks the typing delay band.
func (i *InputConfig) Validate() error {
	if i.KeyDelayMin < 0 || i.KeyDelayMax < i.KeyDelayMin {
		return fmt.Errorf("key_delay_min must be non-negative and not exceed key_delay_max")
	}
	return nil
}

// Validate checks the polling ceilings. Every loop needs a finite ceiling.
func (c *ChatConfig) Validate() error {
	if c.ResearchPollCeiling < 1 {
		return fmt.Errorf("research_poll_ceiling must be at least 1")
	}
	if c.GraceTicks < 1 {
		return fmt.Errorf("grace_ticks must be at least 1")
	}
	if c.StabilityThreshold < 1 {
		return fmt.Errorf("stability_threshold must be at least 1")
	}
	if c.StabilityCeiling < c.StabilityThreshold {
		return fmt.Errorf("stability_ceiling must not be smaller than stability_threshold")
	}
	return nil
}
