// Package config provides configuration management for the node table daemon
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/najoast/nodetab/outq"
	"github.com/najoast/nodetab/reclaim"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Config represents the complete daemon configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Local node identity
	Node NodeConfig `yaml:"node" json:"node"`

	// Node and dist table configuration
	Dist DistConfig `yaml:"dist" json:"dist"`

	// Outbound queue thresholds
	Queue QueueConfig `yaml:"queue" json:"queue"`

	// Transport configuration
	Transport TransportConfig `yaml:"transport" json:"transport"`

	// Monitoring configuration
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`

	// Application metadata
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Enable colored output
	Color bool `yaml:"color" json:"color"`

	// Fields added to every entry
	Fields map[string]interface{} `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// NodeConfig names the local node
type NodeConfig struct {
	// Node name, name@host
	Name string `yaml:"name" json:"name"`

	// Incarnation number
	Creation uint32 `yaml:"creation" json:"creation"`
}

// DistConfig contains node and dist table settings
type DistConfig struct {
	// Grace period before unreferenced records are deleted: a duration,
	// a number of seconds, or "infinity"
	GCDelay reclaim.Delay `yaml:"gc_delay" json:"gc_delay"`

	// How often due deletions are swept
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// Slots per connection atom cache
	AtomCacheSize int `yaml:"atom_cache_size" json:"atom_cache_size"`
}

// QueueConfig contains the outbound queue backpressure thresholds in bytes
type QueueConfig struct {
	HighWater int64 `yaml:"high_water" json:"high_water"`
	LowWater  int64 `yaml:"low_water" json:"low_water"`
}

// Limits converts the thresholds for outq.
func (q QueueConfig) Limits() outq.Limits {
	return outq.Limits{HighWater: q.HighWater, LowWater: q.LowWater}
}

// TransportConfig contains settings of the distribution transports
type TransportConfig struct {
	// Bound on a single write
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// Fallback flush period of the pumps
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`

	// Pause between reconnect attempts
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`

	// DTLS settings
	DTLS DTLSConfig `yaml:"dtls" json:"dtls"`

	// Peers kept connected by this node
	Peers []PeerConfig `yaml:"peers,omitempty" json:"peers,omitempty"`
}

// Peer transport protocols
const (
	ProtocolDTLS = "dtls"
	ProtocolTCP  = "tcp"
)

// PeerConfig names a statically configured peer
type PeerConfig struct {
	// Peer node name, name@host
	Name string `yaml:"name" json:"name"`

	// Peer address, host:port
	Address string `yaml:"address" json:"address"`

	// Protocol is "dtls" (the default) or "tcp"
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`

	// Hidden connections are not published to the visible list
	Hidden bool `yaml:"hidden" json:"hidden"`
}

// DTLSConfig contains DTLS transport settings
type DTLSConfig struct {
	// Certificate and key files; a self-signed certificate is generated
	// when empty
	CertFile string `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty" json:"key_file,omitempty"`

	// Skip peer certificate verification
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`

	// Datagram MTU
	MTU int `yaml:"mtu" json:"mtu"`
}

// MonitorConfig contains monitoring configuration
type MonitorConfig struct {
	// Enable monitoring
	Enabled bool `yaml:"enabled" json:"enabled"`

	// HTTP monitoring endpoint
	HTTP HTTPMonitorConfig `yaml:"http" json:"http"`
}

// HTTPMonitorConfig contains HTTP monitoring endpoint configuration
type HTTPMonitorConfig struct {
	// Enable HTTP monitoring endpoint
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	Address string `yaml:"address" json:"address"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	// Prometheus metrics path
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`

	// Health check path
	HealthPath string `yaml:"health_path" json:"health_path"`

	// Table dump path
	DumpPath string `yaml:"dump_path" json:"dump_path"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "nodetabd",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stdout",
			Color:  true,
		},
		Node: NodeConfig{
			Name: "nonode@nohost",
		},
		Dist: DistConfig{
			GCDelay:       reclaim.DefaultDelay,
			SweepInterval: time.Second,
			AtomCacheSize: 2048,
		},
		Queue: QueueConfig{
			HighWater: outq.DefaultHighWater,
			LowWater:  outq.DefaultLowWater,
		},
		Transport: TransportConfig{
			WriteTimeout:  10 * time.Second,
			FlushInterval: 100 * time.Millisecond,
			RetryInterval: 5 * time.Second,
			DTLS: DTLSConfig{
				MTU: 1200,
			},
		},
		Monitor: MonitorConfig{
			Enabled: true,
			HTTP: HTTPMonitorConfig{
				Enabled:     true,
				Address:     "127.0.0.1",
				Port:        9090,
				MetricsPath: "/metrics",
				HealthPath:  "/health",
				DumpPath:    "/debug/nodetab",
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return ErrInvalidLogFormat
	}

	// Validate node identity
	if !validNodeName(c.Node.Name) {
		return ErrInvalidNodeName
	}

	// Validate table config
	if !c.Dist.GCDelay.Valid() {
		return ErrInvalidGCDelay
	}
	if c.Dist.SweepInterval <= 0 {
		return ErrInvalidSweepInterval
	}
	if c.Dist.AtomCacheSize <= 0 {
		return ErrInvalidAtomCacheSize
	}
	if c.Queue.Limits().Validate() != nil {
		return ErrInvalidQueueLimits
	}

	// Validate peers
	seen := make(map[string]bool, len(c.Transport.Peers))
	for _, p := range c.Transport.Peers {
		if !validNodeName(p.Name) || p.Name == c.Node.Name || seen[p.Name] || p.Address == "" ||
			(p.Protocol != "" && p.Protocol != ProtocolDTLS && p.Protocol != ProtocolTCP) {
			return fmt.Errorf("%w: %q", ErrInvalidPeer, p.Name)
		}
		seen[p.Name] = true
	}
	if len(c.Transport.Peers) > 0 && c.Transport.RetryInterval <= 0 {
		return ErrInvalidPeer
	}

	// Validate monitor config
	if c.Monitor.Enabled && c.Monitor.HTTP.Enabled {
		if c.Monitor.HTTP.Port <= 0 || c.Monitor.HTTP.Port > 65535 {
			return ErrInvalidPort
		}
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}

func validNodeName(name string) bool {
	i := strings.IndexByte(name, '@')
	return i > 0 && i < len(name)-1
}
