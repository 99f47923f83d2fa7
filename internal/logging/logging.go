// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level   string    // trace, debug, info, warn, error; defaults to info
	File    string    // optional log file, rotated by size
	Console io.Writer // defaults to os.Stderr
}

// New returns a logger writing human readable lines to the console and, when
// a file is configured, JSON lines to a rotating file. The returned closer
// releases the file.
func New(opts Options) (zerolog.Logger, io.Closer) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.DateTime}}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		writers = append(writers, lj)
		closer = lj
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Logger()
	return logger, closer
}

// ParseLevel maps a level name to a zerolog level, falling back to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
