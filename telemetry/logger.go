package telemetry

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/wardnb/autonomous-dev-team/core"
)

// LogrusLogger binds core.ComponentAwareLogger to logrus, giving every
// package (dispatcher, engine, safety, learning, worker adapters) JSON
// logs in production and colorized text locally, matched by field name
// to the spec's error/classification/retry vocabulary.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds the root logger for the process. Level and format
// come from ADT_LOG_LEVEL / ADT_LOG_FORMAT (json|text); format defaults to
// json when KUBERNETES_SERVICE_HOST is set, text otherwise.
func NewLogrusLogger(serviceName, level string) *LogrusLogger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	format := os.Getenv("ADT_LOG_FORMAT")
	if format == "" && os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &LogrusLogger{entry: log.WithField("service", serviceName)}
}

func (l *LogrusLogger) Info(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Info(msg)
}

func (l *LogrusLogger) Error(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Error(msg)
}

func (l *LogrusLogger) Warn(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Warn(msg)
}

func (l *LogrusLogger) Debug(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Debug(msg)
}

func (l *LogrusLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.withContext(ctx).WithFields(fields).Info(msg)
}

func (l *LogrusLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.withContext(ctx).WithFields(fields).Error(msg)
}

func (l *LogrusLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.withContext(ctx).WithFields(fields).Warn(msg)
}

func (l *LogrusLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.withContext(ctx).WithFields(fields).Debug(msg)
}

// WithComponent returns a logger tagged with component (e.g. "dispatcher",
// "engine", "worker.vcs"), satisfying core.ComponentAwareLogger.
func (l *LogrusLogger) WithComponent(component string) core.Logger {
	return &LogrusLogger{entry: l.entry.WithField("component", component)}
}

type sessionIDKey struct{}

// WithSessionID attaches a fix-session id to ctx so loggers pulled via
// withContext tag every line with it automatically.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

func (l *LogrusLogger) withContext(ctx context.Context) *logrus.Entry {
	if sid, ok := ctx.Value(sessionIDKey{}).(string); ok && sid != "" {
		return l.entry.WithField("session_id", sid)
	}
	return l.entry
}

var _ core.ComponentAwareLogger = (*LogrusLogger)(nil)
