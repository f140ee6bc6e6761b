package app

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/putto11262002/chatsync/core"
)

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

// LogNotifier reports workflow outcomes to a logger.
type LogNotifier struct {
	logger *slog.Logger
}

var _ core.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notifier"))}
}

func (n *LogNotifier) Loading(msg string) {
	n.logger.Info(msg, slog.String("status", "loading"))
}

func (n *LogNotifier) Success(msg string) {
	n.logger.Info(msg, slog.String("status", "success"))
}

func (n *LogNotifier) Error(msg string) {
	n.logger.Error(fmt.Sprintf("notify: %s", msg), slog.String("status", "error"))
}
