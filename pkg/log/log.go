package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global diagnostics logger
	Logger zerolog.Logger

	mu sync.RWMutex
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// ConfigFor returns the configuration used by an agent: debug mode logs
// everything, otherwise only warnings and errors.
func ConfigFor(debug bool, output io.Writer) Config {
	level := WarnLevel
	if debug {
		level = DebugLevel
	}
	return Config{Level: level, JSONOutput: true, Output: output}
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	var logger zerolog.Logger
	if cfg.JSONOutput {
		logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	mu.Lock()
	Logger = logger.Level(level)
	mu.Unlock()
}

// AddHook attaches h to the global logger. Loggers created afterwards by
// WithComponent run the hook too.
func AddHook(h zerolog.Hook) {
	mu.Lock()
	defer mu.Unlock()
	Logger = Logger.Hook(h)
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return Logger.With().Str("component", component).Logger()
}

// WithSegment creates a child logger with segment field
func WithSegment(logger zerolog.Logger, segment string) zerolog.Logger {
	return logger.With().Str("segment", segment).Logger()
}
