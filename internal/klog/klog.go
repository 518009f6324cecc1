// Package klog sets up the single zerolog.Logger the Kernel context threads
// down to every subsystem, the way lesovsky-pgscv and intel-cri-resource-manager
// hold one process-wide structured logger rather than reaching for a global.
package klog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a logger that writes timestamped JSON lines to stderr at the given level ("debug", "info",
// "warn", "error"). An empty level defaults to "info".
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return newWith(os.Stderr, lvl)
}

func newWith(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Discard returns a logger that drops everything, for tests that don't want
// console noise.
func Discard() zerolog.Logger {
	return zerolog.Nop()
}
