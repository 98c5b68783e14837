package main

import (
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func isTerminal() bool {
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}

func logLevel(verbose bool) zerolog.Level {
	if verbose {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// newLogger writes to stderr, as console output on a terminal, and also to
// a rotated file when logFile is set.
func newLogger(verbose bool, logFile string) logr.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"
	zerologr.SetMaxV(1)

	var w io.Writer = os.Stderr
	if isTerminal() {
		w = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    os.Getenv("NO_COLOR") != "",
			TimeFormat: time.RFC3339,
		}
	}
	if logFile != "" {
		w = zerolog.MultiLevelWriter(w, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	level := logLevel(verbose)
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return zerologr.New(&zl)
}

// tokenEvents logs the client's token lifecycle.
type tokenEvents struct {
	log logr.Logger
}

func (t tokenEvents) TokenRefreshed(expires time.Time) {
	t.log.Info("Token refreshed", "expires", expires)
}

func (t tokenEvents) TokenRestored(expires time.Time) {
	t.log.Info("Token restored from store", "expires", expires)
}

func (t tokenEvents) TokenError(err error) {
	t.log.Error(err, "Token error")
}
