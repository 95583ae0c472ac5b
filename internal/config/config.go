package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of an application config file.
const MaxConfigFileBytes = 64 * 1024

// ButtonsConfig holds the BCM pin numbers of the HAT keys.
// All keys are wired active LOW with the internal pull-up enabled.
type ButtonsConfig struct {
	NextPin     int `yaml:"next_pin"`     // Key 1
	PrevPin     int `yaml:"prev_pin"`     // Key 2
	SnapshotPin int `yaml:"snapshot_pin"` // Key 3
	ReloadPin   int `yaml:"reload_pin"`   // joystick press. 0 = not used.
	DebounceMs  int `yaml:"debounce_ms"`  // minimum time between two accepted actions
}

// DisplayConfig describes the SPI panel and how frames are fitted into it.
type DisplayConfig struct {
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	SPIPort      string `yaml:"spi_port"`      // periph.io port name, e.g. "SPI0.0"
	SPISpeedKHz  int    `yaml:"spi_speed_khz"` // SPI clock
	DCPin        int    `yaml:"dc_pin"`        // data/command select (BCM)
	ResetPin     int    `yaml:"reset_pin"`     // panel reset (BCM)
	BacklightPin int    `yaml:"backlight_pin"` // backlight enable (BCM)
	XOffset      int    `yaml:"x_offset"`      // controller RAM column offset
	YOffset      int    `yaml:"y_offset"`      // controller RAM row offset
	BGR          bool   `yaml:"bgr"`           // panel expects BGR subpixel order
	BacklightLow bool   `yaml:"backlight_low"` // backlight is on when the pin is LOW
	Fit          string `yaml:"fit"`           // "letterbox" or "stretch"
}

// VideoConfig bounds the blocking calls made on the video source.
type VideoConfig struct {
	OpenTimeoutMs int `yaml:"open_timeout_ms"`
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
	CaptureWidth  int `yaml:"capture_width"` // decoder output width, height follows the source aspect
}

// SessionConfig tunes the stream session controller.
type SessionConfig struct {
	RetryWaitMs      int `yaml:"retry_wait_ms"`      // wait after a failed connection attempt
	PollIntervalMs   int `yaml:"poll_interval_ms"`   // button poll period while waiting
	ReadFailureLimit int `yaml:"read_failure_limit"` // consecutive failed reads before reconnecting
	SnapFeedbackMs   int `yaml:"snap_feedback_ms"`   // how long "SNAP!" stays on screen
}

// SnapshotConfig configures the background snapshot upload.
type SnapshotConfig struct {
	Enabled         bool   `yaml:"enabled"`
	TempDir         string `yaml:"temp_dir"`          // "" = os.TempDir()
	EnvFile         string `yaml:"env_file"`          // optional .env holding the bot credentials
	UploadTimeoutMs int    `yaml:"upload_timeout_ms"` // per-job upload bound
	JPEGQuality     int    `yaml:"jpeg_quality"`
}

// WebConfig configures the optional HTTP relay.
type WebConfig struct {
	Port int `yaml:"port"` // 0 = disabled
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel  int  `yaml:"debug_level"`  // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO    bool `yaml:"mock_gpio"`    // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	MockDisplay bool `yaml:"mock_display"` // render into memory instead of the SPI panel
	MockVideo   bool `yaml:"mock_video"`   // synthesize frames instead of decoding the feeds
	WatchFeeds  bool `yaml:"watch_feeds"`  // reload the feed list when the file changes
}

// Config aggregates all application configuration.
type Config struct {
	FeedsFile string         `yaml:"feeds_file"`
	Buttons   ButtonsConfig  `yaml:"buttons"`
	Display   DisplayConfig  `yaml:"display"`
	Video     VideoConfig    `yaml:"video"`
	Session   SessionConfig  `yaml:"session"`
	Snapshot  SnapshotConfig `yaml:"snapshot"`
	Web       WebConfig      `yaml:"web"`
	Defaults  DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file inside a
// directory called "configs" and does not climb out of it.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Config{
		Snapshot: SnapshotConfig{Enabled: true},
		Display:  DisplayConfig{BGR: true, XOffset: 1, YOffset: 2},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.FeedsFile == "" {
		c.FeedsFile = "feeds.json"
	}

	// Waveshare 1.44" LCD HAT key layout
	if c.Buttons.NextPin == 0 {
		c.Buttons.NextPin = 21
	}
	if c.Buttons.PrevPin == 0 {
		c.Buttons.PrevPin = 20
	}
	if c.Buttons.SnapshotPin == 0 {
		c.Buttons.SnapshotPin = 16
	}
	if c.Buttons.ReloadPin < 0 {
		return fmt.Errorf("buttons.reload_pin must be >= 0, got %d", c.Buttons.ReloadPin)
	}
	if c.Buttons.DebounceMs <= 0 {
		c.Buttons.DebounceMs = 300
	}
	if err := distinctPins(c.Buttons.NextPin, c.Buttons.PrevPin, c.Buttons.SnapshotPin, c.Buttons.ReloadPin); err != nil {
		return fmt.Errorf("buttons: %w", err)
	}

	if c.Display.Width <= 0 {
		c.Display.Width = 128
	}
	if c.Display.Height <= 0 {
		c.Display.Height = 128
	}
	if c.Display.Width > 480 || c.Display.Height > 480 {
		return fmt.Errorf("display size %dx%d exceeds 480x480", c.Display.Width, c.Display.Height)
	}
	if c.Display.SPIPort == "" {
		c.Display.SPIPort = "SPI0.0"
	}
	if c.Display.SPISpeedKHz <= 0 {
		c.Display.SPISpeedKHz = 16000
	}
	if c.Display.DCPin == 0 {
		c.Display.DCPin = 25
	}
	if c.Display.ResetPin == 0 {
		c.Display.ResetPin = 27
	}
	if c.Display.BacklightPin == 0 {
		c.Display.BacklightPin = 24
	}
	if c.Display.XOffset < 0 || c.Display.YOffset < 0 || c.Display.XOffset > 32 || c.Display.YOffset > 32 {
		return fmt.Errorf("display offsets must be 0-32, got %d,%d", c.Display.XOffset, c.Display.YOffset)
	}
	switch c.Display.Fit {
	case "":
		c.Display.Fit = "letterbox"
	case "letterbox", "stretch":
	default:
		return fmt.Errorf("display.fit must be \"letterbox\" or \"stretch\", got %q", c.Display.Fit)
	}

	if c.Video.OpenTimeoutMs <= 0 {
		c.Video.OpenTimeoutMs = 5000
	}
	if c.Video.ReadTimeoutMs <= 0 {
		c.Video.ReadTimeoutMs = 2000
	}
	if c.Video.CaptureWidth <= 0 {
		c.Video.CaptureWidth = 320
	}
	if c.Video.CaptureWidth > 1920 {
		return fmt.Errorf("video.capture_width must not exceed 1920, got %d", c.Video.CaptureWidth)
	}

	if c.Session.RetryWaitMs <= 0 {
		c.Session.RetryWaitMs = 2000
	}
	if c.Session.PollIntervalMs <= 0 {
		c.Session.PollIntervalMs = 100
	}
	if c.Session.PollIntervalMs > c.Session.RetryWaitMs {
		return fmt.Errorf("session.poll_interval_ms (%d) must not exceed retry_wait_ms (%d)",
			c.Session.PollIntervalMs, c.Session.RetryWaitMs)
	}
	if c.Session.ReadFailureLimit <= 0 {
		c.Session.ReadFailureLimit = 1
	}
	if c.Session.SnapFeedbackMs <= 0 {
		c.Session.SnapFeedbackMs = 1000
	}

	if c.Snapshot.UploadTimeoutMs <= 0 {
		c.Snapshot.UploadTimeoutMs = 30000
	}
	if c.Snapshot.JPEGQuality == 0 {
		c.Snapshot.JPEGQuality = 85
	}
	if c.Snapshot.JPEGQuality < 1 || c.Snapshot.JPEGQuality > 100 {
		return fmt.Errorf("snapshot.jpeg_quality must be between 1 and 100, got %d", c.Snapshot.JPEGQuality)
	}

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 0-65535, got %d", c.Web.Port)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

func distinctPins(pins ...int) error {
	seen := make(map[int]bool, len(pins))
	for _, p := range pins {
		if p == 0 {
			continue
		}
		if p < 0 || p > 27 {
			return fmt.Errorf("pin %d is not a valid BCM GPIO (0-27)", p)
		}
		if seen[p] {
			return fmt.Errorf("pin %d assigned twice", p)
		}
		seen[p] = true
	}
	return nil
}

// Debounce returns the minimum time between two accepted button actions.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Buttons.DebounceMs) * time.Millisecond
}

// OpenTimeout returns how long a connection attempt may block.
func (c *Config) OpenTimeout() time.Duration {
	return time.Duration(c.Video.OpenTimeoutMs) * time.Millisecond
}

// ReadTimeout returns how long a single frame read may block.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Video.ReadTimeoutMs) * time.Millisecond
}

// RetryWait returns the wait after a failed connection attempt.
func (c *Config) RetryWait() time.Duration {
	return time.Duration(c.Session.RetryWaitMs) * time.Millisecond
}

// PollInterval returns the button poll period used while waiting.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Session.PollIntervalMs) * time.Millisecond
}

// SnapFeedback returns how long the snapshot indicator stays visible.
func (c *Config) SnapFeedback() time.Duration {
	return time.Duration(c.Session.SnapFeedbackMs) * time.Millisecond
}

// UploadTimeout returns the bound on a single snapshot upload.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Snapshot.UploadTimeoutMs) * time.Millisecond
}

// FeedsPath resolves the feeds file. A relative path is taken relative to
// the directory holding the config directory, so configs/default.yaml
// with feeds_file "feeds.json" points at ./feeds.json.
func (c *Config) FeedsPath(configPath string) string {
	if filepath.IsAbs(c.FeedsFile) {
		return c.FeedsFile
	}
	root := filepath.Dir(filepath.Dir(configPath))
	return filepath.Join(root, c.FeedsFile)
}
