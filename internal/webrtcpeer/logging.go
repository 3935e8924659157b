package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's debug level; pion's debug output is verbose
// enough that it should only show up when asked for explicitly.
const levelTrace = slog.LevelDebug - 4

// slogLoggerFactory routes pion's internal logging into slog.
type slogLoggerFactory struct {
	log *slog.Logger
}

func newLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	return slogLoggerFactory{log: log}
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{log: f.log.With("pion", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l slogLeveledLogger) logf(level slog.Level, format string, args ...any) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Trace(msg string)                  { l.logf(levelTrace, "%s", msg) }
func (l slogLeveledLogger) Tracef(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l slogLeveledLogger) Debug(msg string)                  { l.logf(levelTrace, "%s", msg) }
func (l slogLeveledLogger) Debugf(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l slogLeveledLogger) Info(msg string)                   { l.logf(slog.LevelDebug, "%s", msg) }
func (l slogLeveledLogger) Infof(format string, args ...any)  { l.logf(slog.LevelDebug, format, args...) }
func (l slogLeveledLogger) Warn(msg string)                   { l.logf(slog.LevelWarn, "%s", msg) }
func (l slogLeveledLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l slogLeveledLogger) Error(msg string)                  { l.logf(slog.LevelError, "%s", msg) }
func (l slogLeveledLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
