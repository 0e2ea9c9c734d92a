package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name
}

var (
	mu         sync.RWMutex
	baseLogger zerolog.Logger
	baseWriter io.Writer = os.Stderr
)

var isTerminalFn = term.IsTerminal

func init() {
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and establishes the package baseline logger.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	ctx := zerolog.New(selectWriter(cfg.Format)).With().Timestamp()
	if strings.TrimSpace(cfg.Component) != "" {
		ctx = ctx.Str("component", strings.TrimSpace(cfg.Component))
	}
	baseLogger = ctx.Logger()
	log.Logger = baseLogger
	return baseLogger
}

// Logger returns the current baseline logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return baseLogger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return consoleWriter()
	case "json":
		return baseWriter
	default: // "auto"
		if isTerminalFn(int(os.Stderr.Fd())) {
			return consoleWriter()
		}
		return baseWriter
	}
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        baseWriter,
		TimeFormat: "15:04:05",
	}
}
