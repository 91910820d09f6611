package server

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rhuss/sitehost/pkg/config"
	"github.com/rhuss/sitehost/pkg/debug"
)

// newLogger builds the server logger. out overrides the destination; else a
// configured file is opened and returned as the sink to close on shutdown.
func newLogger(cfg config.LoggingConfig, out io.Writer) (*slog.Logger, io.Closer, error) {
	var sink io.Closer
	if out == nil {
		out = os.Stderr
		if cfg.File != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
				return nil, nil, fmt.Errorf("creating log directory: %w", err)
			}
			f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("opening log file: %w", err)
			}
			out, sink = f, f
		}
	}

	opts := &slog.HandlerOptions{
		Level: debug.ResolveLevel(cfg.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == debug.LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), sink, nil
}
