// Package config provides configuration loading and parsing functionality
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/najoast/nodetab/reclaim"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "NODETAB"

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		searchPaths: []string{
			".",
			"./config",
			"./configs",
			"/etc/nodetab",
			os.Getenv("HOME") + "/.nodetab",
		},
		envPrefix:     DefaultEnvPrefix,
		defaultConfig: DefaultConfig(),
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load loads configuration from the specified file. An empty filename
// yields the defaults with environment overrides applied.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults())
	}

	config, err := l.loadFromFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	config, err := l.loadFromFile(filename)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader. Environment
// overrides are not applied.
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// AutoLoad automatically discovers and loads configuration. It returns the
// path of the file used, or "" when running on defaults.
func (l *Loader) AutoLoad() (*Config, string, error) {
	configFile, _, err := l.findConfigFile()
	if err != nil {
		if !errors.Is(err, ErrConfigFileNotFound) {
			return nil, "", err
		}
		config, err := l.finish(l.defaults())
		return config, "", err
	}

	config, err := l.loadFromFile(configFile)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file %s: %w", configFile, err)
	}
	config, err = l.finish(config)
	return config, configFile, err
}

func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// defaults returns a copy of the default configuration that callers may
// modify.
func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	c := *l.defaultConfig
	c.App.Metadata = cloneMap(c.App.Metadata)
	c.Log.Fields = cloneMap(c.Log.Fields)
	return &c
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, ConfigFormat, error) {
	filenames := []string{
		"nodetab.yaml", "nodetab.yml",
		"config.yaml", "config.yml",
		"nodetab.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				format, err := formatOf(filename)
				if err != nil {
					continue
				}
				return fullPath, format, nil
			}
		}
	}

	return "", "", ErrConfigFileNotFound
}

func formatOf(filename string) (ConfigFormat, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// loadFromFile reads and parses filename without applying overrides
func (l *Loader) loadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.parseConfig(data, format)
}

// parseConfig decodes data on top of the defaults, so fields missing from
// the document keep their default values while explicit zeros survive.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: yaml: %v", ErrConfigParseError, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrConfigParseError, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	env := func(key string) (string, bool) {
		val := os.Getenv(l.envPrefix + "_" + key)
		return val, val != ""
	}
	bad := func(key, val string, err error) error {
		return fmt.Errorf("%w: %s_%s=%q: %v", ErrEnvironmentVarError, l.envPrefix, key, val, err)
	}

	// App configuration
	if val, ok := env("APP_NAME"); ok {
		config.App.Name = val
	}
	if val, ok := env("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(val)
	}
	if val, ok := env("APP_DEBUG"); ok {
		config.App.Debug = strings.ToLower(val) == "true"
	}

	// Log configuration
	if val, ok := env("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(val)
	}
	if val, ok := env("LOG_FORMAT"); ok {
		config.Log.Format = val
	}
	if val, ok := env("LOG_OUTPUT"); ok {
		config.Log.Output = val
	}

	// Node identity
	if val, ok := env("NODE_NAME"); ok {
		config.Node.Name = val
	}
	if val, ok := env("NODE_CREATION"); ok {
		creation, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return bad("NODE_CREATION", val, err)
		}
		config.Node.Creation = uint32(creation)
	}

	// Tables
	if val, ok := env("DIST_GC_DELAY"); ok {
		d, err := reclaim.ParseDelay(val)
		if err != nil {
			return bad("DIST_GC_DELAY", val, err)
		}
		config.Dist.GCDelay = d
	}
	if val, ok := env("DIST_SWEEP_INTERVAL"); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			return bad("DIST_SWEEP_INTERVAL", val, err)
		}
		config.Dist.SweepInterval = d
	}
	if val, ok := env("QUEUE_HIGH_WATER"); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return bad("QUEUE_HIGH_WATER", val, err)
		}
		config.Queue.HighWater = n
	}
	if val, ok := env("QUEUE_LOW_WATER"); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return bad("QUEUE_LOW_WATER", val, err)
		}
		config.Queue.LowWater = n
	}

	// Monitor configuration
	if val, ok := env("MONITOR_ENABLED"); ok {
		config.Monitor.Enabled = strings.ToLower(val) == "true"
	}
	if val, ok := env("MONITOR_PORT"); ok {
		port, err := parsePort(val)
		if err != nil {
			return bad("MONITOR_PORT", val, err)
		}
		config.Monitor.HTTP.Port = port
	}

	return nil
}

// Helper function to parse port number
func parsePort(val string) (int, error) {
	port, err := strconv.Atoi(val)
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port number: %d", port)
	}
	return port, nil
}
