package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bryanchriswhite/DualCapture/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to environment variables that override file values,
// e.g. DUALCAPTURE_SERVER_PORT or DUALCAPTURE_DEVICES_MONO.
const EnvPrefix = "DUALCAPTURE"

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	v          *viper.Viper
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/dualcapture/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "dualcapture", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	m := &Manager{
		configPath: actualConfigPath,
		v:          newViper(),
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("color_device", m.config.Devices.Color).
		Str("mono_device", m.config.Devices.Mono).
		Msg("Config loaded")

	return m, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	if err := m.v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	// Keys absent from the file keep their defaults
	cfg := Defaults()
	if err := m.v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// GetViper exposes the viper instance backing the loaded file.
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	// Keep viper in step with what is on disk
	if err := m.v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to reload saved config: %w", err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update validates and persists cfg
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// Set changes one dotted key (e.g. "recorder.bitrate") and persists the
// result. Values are coerced to the field's type; unknown keys and values
// that fail validation are rejected without touching the file.
func (m *Manager) Set(key, value string) error {
	current := m.Get()
	data, err := yaml.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	scratch := viper.New()
	scratch.SetConfigType("yaml")
	if err := scratch.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to stage config: %w", err)
	}
	if !scratch.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}
	scratch.Set(key, value)

	cfg := Defaults()
	if err := scratch.Unmarshal(cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return m.Update(cfg)
}

// ApplyOverrides replaces the port and log level for this process only.
// Zero values leave the loaded setting in place.
func (m *Manager) ApplyOverrides(port int, logLevel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if port > 0 {
		m.config.ServerPort = port
	}
	if logLevel != "" {
		m.config.LogLevel = logLevel
	}
}

// GetPort gets the server port
func (m *Manager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.ServerPort
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
