package config

import (
	"errors"
	"fmt"
	"time"
)

// Display backends
const (
	DisplayHeadless = "headless"
	DisplayX11      = "x11"
)

// Catalog backends
const (
	CatalogMemory = "memory"
	CatalogRedis  = "redis"
)

// Config represents the application configuration
type Config struct {
	ServerPort    int              `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel      string           `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty     bool             `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	Devices       DevicesConfig    `json:"devices" yaml:"devices" mapstructure:"devices"`
	PermitTimeout time.Duration    `json:"permit_timeout" yaml:"permit_timeout" mapstructure:"permit_timeout"`
	Recorder      RecorderConfig   `json:"recorder" yaml:"recorder" mapstructure:"recorder"`
	Display       DisplayConfig    `json:"display" yaml:"display" mapstructure:"display"`
	MonoStream    MonoStreamConfig `json:"mono_stream" yaml:"mono_stream" mapstructure:"mono_stream"`
	Catalog       CatalogConfig    `json:"catalog" yaml:"catalog" mapstructure:"catalog"`
	Sim           SimConfig        `json:"sim" yaml:"sim" mapstructure:"sim"`
}

// DevicesConfig maps the two slot roles to hardware device IDs
type DevicesConfig struct {
	Color string `json:"color" yaml:"color" mapstructure:"color"`
	Mono  string `json:"mono" yaml:"mono" mapstructure:"mono"`
}

// RecorderConfig holds encoder settings for the recording sink
type RecorderConfig struct {
	OutputDir string `json:"output_dir" yaml:"output_dir" mapstructure:"output_dir"`
	Bitrate   int    `json:"bitrate" yaml:"bitrate" mapstructure:"bitrate"`
	Codec     string `json:"codec" yaml:"codec" mapstructure:"codec"`
	Container string `json:"container" yaml:"container" mapstructure:"container"`
	FrameRate int    `json:"frame_rate" yaml:"frame_rate" mapstructure:"frame_rate"`
	GstLaunch string `json:"gst_launch" yaml:"gst_launch" mapstructure:"gst_launch"`
}

// DisplayConfig represents the color preview display configuration
type DisplayConfig struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`
	Width   int    `json:"width" yaml:"width" mapstructure:"width"`
	Height  int    `json:"height" yaml:"height" mapstructure:"height"`
}

// MonoStreamConfig configures the MJPEG stream fed by the mono device
type MonoStreamConfig struct {
	Width   int  `json:"width" yaml:"width" mapstructure:"width"`
	Height  int  `json:"height" yaml:"height" mapstructure:"height"`
	FPS     int  `json:"fps" yaml:"fps" mapstructure:"fps"`
	Quality int  `json:"quality" yaml:"quality" mapstructure:"quality"`
	Label   bool `json:"label" yaml:"label" mapstructure:"label"`
}

// CatalogConfig selects where saved recordings are indexed
type CatalogConfig struct {
	Backend     string        `json:"backend" yaml:"backend" mapstructure:"backend"`
	RedisAddr   string        `json:"redis_addr" yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPrefix string        `json:"redis_prefix" yaml:"redis_prefix" mapstructure:"redis_prefix"`
	TTL         time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
}

// SimConfig tunes the simulated device backend
type SimConfig struct {
	OpenLatency      time.Duration `json:"open_latency" yaml:"open_latency" mapstructure:"open_latency"`
	ConfigureLatency time.Duration `json:"configure_latency" yaml:"configure_latency" mapstructure:"configure_latency"`
	FrameRate        int           `json:"frame_rate" yaml:"frame_rate" mapstructure:"frame_rate"`
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		ServerPort:    8080,
		LogLevel:      "info",
		Devices:       DevicesConfig{Color: "0", Mono: "2"},
		PermitTimeout: 2500 * time.Millisecond,
		Recorder: RecorderConfig{
			OutputDir: "recordings",
			Bitrate:   25_000_000,
			Codec:     "h264",
			Container: "mp4",
			FrameRate: 30,
			GstLaunch: "gst-launch-1.0",
		},
		Display: DisplayConfig{
			Backend: DisplayHeadless,
			Width:   1920,
			Height:  1080,
		},
		MonoStream: MonoStreamConfig{
			Width:   640,
			Height:  360,
			FPS:     10,
			Quality: 80,
			Label:   true,
		},
		Catalog: CatalogConfig{
			Backend:     CatalogMemory,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "dualcapture:recordings",
			TTL:         7 * 24 * time.Hour,
		},
		Sim: SimConfig{
			OpenLatency:      50 * time.Millisecond,
			ConfigureLatency: 30 * time.Millisecond,
			FrameRate:        15,
		},
	}
}

// Validate checks the configuration for values the rest of the program cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server_port out of range: %d", c.ServerPort))
	}
	if c.Devices.Color == "" || c.Devices.Mono == "" {
		errs = append(errs, errors.New("devices.color and devices.mono must be set"))
	} else if c.Devices.Color == c.Devices.Mono {
		errs = append(errs, fmt.Errorf("devices.color and devices.mono must differ (both %q)", c.Devices.Color))
	}
	if c.PermitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("permit_timeout must be positive, got %s", c.PermitTimeout))
	}
	if c.Recorder.Bitrate <= 0 {
		errs = append(errs, fmt.Errorf("recorder.bitrate must be positive, got %d", c.Recorder.Bitrate))
	}
	if c.Recorder.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("recorder.frame_rate must be positive, got %d", c.Recorder.FrameRate))
	}
	switch c.Display.Backend {
	case DisplayHeadless, DisplayX11:
	default:
		errs = append(errs, fmt.Errorf("unknown display.backend %q (use %s or %s)", c.Display.Backend, DisplayHeadless, DisplayX11))
	}
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		errs = append(errs, fmt.Errorf("display size must be positive, got %dx%d", c.Display.Width, c.Display.Height))
	}
	switch c.Catalog.Backend {
	case CatalogMemory:
	case CatalogRedis:
		if c.Catalog.RedisAddr == "" {
			errs = append(errs, errors.New("catalog.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown catalog.backend %q (use %s or %s)", c.Catalog.Backend, CatalogMemory, CatalogRedis))
	}
	if c.MonoStream.Quality < 1 || c.MonoStream.Quality > 100 {
		errs = append(errs, fmt.Errorf("mono_stream.quality must be within 1..100, got %d", c.MonoStream.Quality))
	}
	return errors.Join(errs...)
}
