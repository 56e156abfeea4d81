// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName       = errors.New("invalid application name")
	ErrInvalidEnvironment   = errors.New("invalid environment")
	ErrInvalidLogLevel      = errors.New("invalid log level")
	ErrInvalidLogFormat     = errors.New("invalid log format")
	ErrInvalidPort          = errors.New("invalid port number")
	ErrInvalidNodeName      = errors.New("invalid node name, expected name@host")
	ErrInvalidGCDelay       = errors.New("invalid gc delay")
	ErrInvalidSweepInterval = errors.New("invalid sweep interval")
	ErrInvalidAtomCacheSize = errors.New("invalid atom cache size")
	ErrInvalidQueueLimits   = errors.New("invalid queue limits")
	ErrInvalidPeer          = errors.New("invalid peer")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
)
