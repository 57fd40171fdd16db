// Package logger builds the process-wide zerolog.Logger used by every
// other package, modeled on cloudflared's logger/create.go: a colorable
// console writer when attached to a TTY, optional rotation via lumberjack,
// and a level controlled by --log or the REDPROXY_LOG environment variable
// (the <APP>_LOG convention of SPEC_FULL.md §6).
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvLogLevel is the environment variable that overrides --log, per
// SPEC_FULL.md §6 ("<APP>_LOG").
const EnvLogLevel = "REDPROXY_LOG"

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// Options configures Create.
type Options struct {
	// Level is one of erro|warn|info|debug|trace, defaulting to info.
	Level string
	// FilePath, if set, additionally writes to a rotating log file.
	FilePath string
}

// Create builds the logger described by opts; a level string that can't be
// parsed falls back to info.
func Create(opts Options) zerolog.Logger {
	level := parseLevel(opts.Level)

	var console zerolog.ConsoleWriter
	if term.IsTerminal(int(os.Stderr.Fd())) {
		console = zerolog.ConsoleWriter{Out: colorable.NewColorableStderr(), TimeFormat: time.RFC3339}
	} else {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: true}
	}

	var writer zerolog.LevelWriter
	if opts.FilePath != "" {
		fileWriter := &lumberjack.Logger{Filename: opts.FilePath, MaxSize: 100, MaxBackups: 3}
		writer = zerolog.MultiLevelWriter(console, fileWriter)
	} else {
		writer = zerolog.MultiLevelWriter(console)
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	if env := os.Getenv(EnvLogLevel); env != "" {
		s = env
	}
	switch strings.ToLower(s) {
	case "erro", "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info", "":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
