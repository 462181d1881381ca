package main

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// newLogger writes human-readable text to a terminal and JSON lines
// otherwise.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: level}
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
