package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// NewLogger builds the JSON logger a process hands to every component.
// slog keeps the standard library feel while still emitting structured
// records any log backend can ingest; each record carries the service and
// the process component (api, presence-consumer) so the two binaries can
// share one index.
func NewLogger(level, component string) *slog.Logger {
	return New(os.Stdout, level, component)
}

func New(w io.Writer, level, component string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       levelFromString(level),
		AddSource:   true,
		ReplaceAttr: shortSource,
	}
	return slog.New(slog.NewJSONHandler(w, opts)).With("service", "ambulance-dispatch", "component", component)
}

// shortSource flattens the source attribute to "dir/file.go:line".
func shortSource(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 || a.Key != slog.SourceKey {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok || src == nil {
		return a
	}
	file := filepath.Join(filepath.Base(filepath.Dir(src.File)), filepath.Base(src.File))
	return slog.String(slog.SourceKey, file+":"+strconv.Itoa(src.Line))
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
