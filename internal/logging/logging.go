// ABOUTME: zap logger construction for the audera commands
// ABOUTME: Level and encoding come from config, with an optional log file tee
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects how the process logs
type Options struct {
	// Level is debug, info, warn or error
	Level string
	// Format is console or json
	Format string
	// File, when set, receives a copy of every entry
	File string
	// FileOnly keeps stderr clear, for full-screen terminal UIs
	FileOnly bool
}

// New builds the process logger. Output goes to stderr unless FileOnly is
// set along with File.
func New(opts Options) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	var cfg zap.Config
	switch opts.Format {
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Sampling = nil
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if opts.File != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, opts.File)
		if opts.FileOnly {
			cfg.OutputPaths = []string{opts.File}
		}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// Component returns a child logger tagged with a component name.
func Component(log *zap.SugaredLogger, name string) *zap.SugaredLogger {
	return log.Named(name)
}
