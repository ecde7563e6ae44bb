package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from cfg. Output is stdout, stderr
// or a file path opened for append.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), err
		}
		w = file
	}
	return NewLoggerWithWriter(w, cfg), nil
}

// NewLoggerWithWriter builds a logger writing to w. cfg.Output is ignored.
func NewLoggerWithWriter(w io.Writer, cfg LoggingConfig) zerolog.Logger {
	// zerolog keeps the timestamp format globally.
	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if cfg.Format == "console" {
		consoleFormat := time.RFC3339
		if cfg.TimeFormat == "unix" {
			consoleFormat = "unix"
		}
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleFormat}
	}

	ctx := zerolog.New(w).Level(parseLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// parseLevel maps a configured level name to zerolog, defaulting to info.
func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
