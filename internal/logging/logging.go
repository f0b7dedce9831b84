// Package logging builds the daemon's structured logger. Logs always go to
// stderr; stdout belongs to the stdio transport.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the log encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Options configure New.
type Options struct {
	// Level is a zap level name. Empty selects info.
	Level  string
	Format Format
	// OutputPaths overrides stderr, mainly for tests.
	OutputPaths []string
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Sampling = nil
	config.DisableStacktrace = true
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch Format(strings.ToLower(string(opts.Format))) {
	case "", FormatJSON:
	case FormatConsole:
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	if opts.Level != "" {
		level, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}

	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	if len(opts.OutputPaths) > 0 {
		config.OutputPaths = opts.OutputPaths
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
