// Package config loads the runtime configuration: built-in defaults, then
// IPCAM_* environment variables, then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/dj-oyu/ipcam-stream/internal/lifecycle"
	"github.com/dj-oyu/ipcam-stream/internal/logger"
	"github.com/dj-oyu/ipcam-stream/internal/mjpeg"
	"github.com/dj-oyu/ipcam-stream/internal/source"
	"github.com/dj-oyu/ipcam-stream/pkg/types"
)

// Config defines the runtime configuration. Env tags carry no defaults so
// that an unset variable leaves the Default() value in place.
type Config struct {
	// Stream server
	StreamPort    int           `env:"IPCAM_STREAM_PORT"`
	FrameInterval time.Duration `env:"IPCAM_FRAME_INTERVAL"`
	RetryDelay    time.Duration `env:"IPCAM_RETRY_DELAY"`
	WriteTimeout  time.Duration `env:"IPCAM_WRITE_TIMEOUT"`
	MaxClients    int           `env:"IPCAM_MAX_CLIENTS"`
	AutoStart     bool          `env:"IPCAM_AUTOSTART"`

	// Lifecycle
	IdleTimeout  time.Duration `env:"IPCAM_IDLE_TIMEOUT"`
	RestartPause time.Duration `env:"IPCAM_RESTART_PAUSE"`
	Device       string        `env:"IPCAM_DEVICE"`

	// Frame source
	Source      string `env:"IPCAM_SOURCE"`
	SourcePath  string `env:"IPCAM_SOURCE_PATH"`
	FPS         int    `env:"IPCAM_FPS"`
	Width       int    `env:"IPCAM_WIDTH"`
	Height      int    `env:"IPCAM_HEIGHT"`
	JPEGQuality int    `env:"IPCAM_JPEG_QUALITY"`

	// Control API
	ControlAddr string `env:"IPCAM_CONTROL_ADDR"`

	// Logging
	LogLevel string `env:"IPCAM_LOG_LEVEL"`
	LogColor bool   `env:"IPCAM_LOG_COLOR"`
}

// Default returns the stock configuration.
func Default() Config {
	stream := mjpeg.DefaultConfig()
	life := lifecycle.DefaultConfig()
	return Config{
		StreamPort:    8080,
		FrameInterval: stream.FrameInterval,
		RetryDelay:    stream.RetryDelay,
		WriteTimeout:  stream.WriteTimeout,
		MaxClients:    0,
		AutoStart:     true,
		IdleTimeout:   life.IdleTimeout,
		RestartPause:  life.RestartPause,
		Device:        types.DeviceBack.String(),
		Source:        source.KindTestPattern,
		FPS:           10,
		Width:         640,
		Height:        480,
		JPEGQuality:   75,
		ControlAddr:   ":8090",
		LogLevel:      "info",
		LogColor:      true,
	}
}

// FromEnv overrides cfg with any IPCAM_* variables that are set.
func FromEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}
	return nil
}

// BindFlags registers one flag per field, defaulting to the current values
// in cfg. Parsing fs writes straight into cfg.
func BindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.StreamPort, "port", cfg.StreamPort, "MJPEG stream TCP port (0 = any free port)")
	fs.DurationVar(&cfg.FrameInterval, "frame-interval", cfg.FrameInterval, "Pause after each frame sent to a client")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Pause while no new frame is available")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-write deadline for stream clients")
	fs.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "Maximum concurrent stream clients (0 = unlimited)")
	fs.BoolVar(&cfg.AutoStart, "autostart", cfg.AutoStart, "Start the stream server at launch")

	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Stop the frame source this long after the last client leaves")
	fs.DurationVar(&cfg.RestartPause, "restart-pause", cfg.RestartPause, "Pause between stop and start on a device change")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "Initial device (back, front)")

	fs.StringVar(&cfg.Source, "source", cfg.Source, "Frame source (testpattern, file)")
	fs.StringVar(&cfg.SourcePath, "source-path", cfg.SourcePath, "JPEG file for the file source")
	fs.IntVar(&cfg.FPS, "fps", cfg.FPS, "Test pattern frame rate")
	fs.IntVar(&cfg.Width, "width", cfg.Width, "Test pattern width")
	fs.IntVar(&cfg.Height, "height", cfg.Height, "Test pattern height")
	fs.IntVar(&cfg.JPEGQuality, "quality", cfg.JPEGQuality, "Test pattern JPEG quality (1-100)")

	fs.StringVar(&cfg.ControlAddr, "http", cfg.ControlAddr, "Control API address (empty disables it)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
}

// Load builds the configuration from defaults, the environment and args.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()
	if err := FromEnv(&cfg); err != nil {
		return cfg, err
	}
	BindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.StreamPort < 0 || c.StreamPort > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.StreamPort))
	}
	if c.FrameInterval <= 0 {
		errs = append(errs, fmt.Errorf("frame-interval must be positive"))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry-delay must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write-timeout must be positive"))
	}
	if c.MaxClients < 0 {
		errs = append(errs, fmt.Errorf("max-clients must not be negative"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle-timeout must be positive"))
	}
	if c.RestartPause < 0 {
		errs = append(errs, fmt.Errorf("restart-pause must not be negative"))
	}
	if _, ok := types.ParseDevice(c.Device); !ok {
		errs = append(errs, fmt.Errorf("unknown device %q", c.Device))
	}
	switch c.Source {
	case source.KindTestPattern:
		if c.FPS <= 0 {
			errs = append(errs, fmt.Errorf("fps must be positive"))
		}
		if c.Width <= 0 || c.Height <= 0 {
			errs = append(errs, fmt.Errorf("size %dx%d is invalid", c.Width, c.Height))
		}
		if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
			errs = append(errs, fmt.Errorf("quality %d out of range 1-100", c.JPEGQuality))
		}
	case source.KindFile:
		if c.SourcePath == "" {
			errs = append(errs, fmt.Errorf("source-path is required for the file source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source %q", c.Source))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// InitialDevice returns the parsed Device field.
func (c Config) InitialDevice() types.Device {
	d, _ := types.ParseDevice(c.Device)
	return d
}

// StreamConfig returns the stream server settings.
func (c Config) StreamConfig() mjpeg.Config {
	return mjpeg.Config{
		FrameInterval: c.FrameInterval,
		RetryDelay:    c.RetryDelay,
		WriteTimeout:  c.WriteTimeout,
		MaxClients:    c.MaxClients,
	}
}

// LifecycleConfig returns the controller settings.
func (c Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		IdleTimeout:   c.IdleTimeout,
		RestartPause:  c.RestartPause,
		InitialDevice: c.InitialDevice(),
	}
}

// SourceOptions returns the frame source settings.
func (c Config) SourceOptions() source.Options {
	return source.Options{
		Kind:    c.Source,
		Path:    c.SourcePath,
		FPS:     c.FPS,
		Width:   c.Width,
		Height:  c.Height,
		Quality: c.JPEGQuality,
	}
}
