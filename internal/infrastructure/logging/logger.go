package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/nerrad567/knx-process/internal/infrastructure/config"
)

// ServiceName is the service attribute on every log entry.
const ServiceName = "knxprocess"

// Logger is the daemon's slog.Logger. Every entry carries the service name
// and version, and entries that pass the level filter are counted per level
// for the metrics endpoints.
//
// Safe for concurrent use.
type Logger struct {
	*slog.Logger
	counts *entryCounts
}

// EntryCounts is the number of entries written at each level.
type EntryCounts struct {
	Debug uint64 `json:"debug"`
	Info  uint64 `json:"info"`
	Warn  uint64 `json:"warn"`
	Error uint64 `json:"error"`
}

type entryCounts struct {
	debug, info, warn, error atomic.Uint64
}

func (c *entryCounts) add(level slog.Level) {
	switch {
	case level >= slog.LevelError:
		c.error.Add(1)
	case level >= slog.LevelWarn:
		c.warn.Add(1)
	case level >= slog.LevelInfo:
		c.info.Add(1)
	default:
		c.debug.Add(1)
	}
}

// countingHandler counts records before passing them on. slog consults
// Enabled first, so filtered records are not counted.
type countingHandler struct {
	slog.Handler
	counts *entryCounts
}

func (h countingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.counts.add(r.Level)
	return h.Handler.Handle(ctx, r)
}

func (h countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return countingHandler{Handler: h.Handler.WithAttrs(attrs), counts: h.counts}
}

func (h countingHandler) WithGroup(name string) slog.Handler {
	return countingHandler{Handler: h.Handler.WithGroup(name), counts: h.counts}
}

// New builds the logger described by cfg: JSON or text, written to stdout
// or stderr.
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}
	return NewWithWriter(cfg, version, output)
}

// NewWithWriter is New with an explicit destination. cfg.Output is ignored.
func NewWithWriter(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler = slog.NewJSONHandler(output, opts)
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	}

	counts := &entryCounts{}
	handler = countingHandler{Handler: handler, counts: counts}
	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler), counts: counts}
}

// parseLevel maps debug, info, warn (or warning) and error to slog levels.
// Anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a child logger with extra attributes, for example
// logger.With("component", "knxd"). The child shares the entry counts.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), counts: l.counts}
}

// Entries returns the number of entries written so far, across this logger
// and every logger derived from it with With.
func (l *Logger) Entries() EntryCounts {
	return EntryCounts{
		Debug: l.counts.debug.Load(),
		Info:  l.counts.info.Load(),
		Warn:  l.counts.warn.Load(),
		Error: l.counts.error.Load(),
	}
}

// Default is the JSON info-level stdout logger used until the configuration
// has been loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
