// Package logging builds the worker's structured logger. Stdout carries the
// protocol, so logs go to a file and stderr only.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options configures New.
type Options struct {
	Dir      string
	FileName string
	Level    string
	// Stderr defaults to os.Stderr; set to io.Discard to silence it.
	Stderr io.Writer
}

// New returns a logger writing text records to <Dir>/<FileName> and stderr.
// When the log file cannot be opened the logger still writes to stderr and
// the returned error explains why. The closer releases the file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	file, err := openLogFile(opts.Dir, opts.FileName)
	if err != nil {
		return slog.New(slog.NewTextHandler(stderr, handlerOpts)), nopCloser{}, err
	}

	w := io.MultiWriter(file, stderr)
	return slog.New(slog.NewTextHandler(w, handlerOpts)), file, nil
}

// Path returns the log file location for dir and name.
func Path(dir, name string) string {
	if name == "" {
		name = "asr-worker.log"
	}
	return filepath.Join(dir, name)
}

func openLogFile(dir, name string) (*os.File, error) {
	if dir == "" {
		return nil, fmt.Errorf("log directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(Path(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// ParseLevel maps a level name to a slog level; unknown names mean info.
func ParseLevel(value string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
