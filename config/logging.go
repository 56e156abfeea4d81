package config

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// SetupLogging configures the standard logrus logger from c. The returned
// closer releases a log file and is never nil.
func SetupLogging(c LogConfig) (io.Closer, error) {
	level, err := log.ParseLevel(c.Level.String())
	if err != nil {
		return nopCloser{}, fmt.Errorf("%w: %v", ErrInvalidLogLevel, err)
	}

	var formatter log.Formatter
	switch c.Format {
	case "", "text":
		formatter = &log.TextFormatter{FullTimestamp: true, ForceColors: c.Color, DisableColors: !c.Color}
	case "json":
		formatter = &log.JSONFormatter{}
	default:
		return nopCloser{}, ErrInvalidLogFormat
	}

	var out io.Writer
	var closer io.Closer = nopCloser{}
	switch c.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nopCloser{}, fmt.Errorf("open log output: %w", err)
		}
		out, closer = f, f
	}

	log.SetLevel(level)
	log.SetFormatter(formatter)
	log.SetOutput(out)
	return closer, nil
}

// Logger returns an entry carrying the configured static fields.
func (c LogConfig) Logger() *log.Entry {
	return log.WithFields(log.Fields(c.Fields))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
