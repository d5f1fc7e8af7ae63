// Package logging wraps logrus with execution-core-specific structured
// fields and domain helpers (gate decisions, venue calls, WAL writes),
// mirroring the teacher's infrastructure/logging package.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	operatorKey ctxKey = "operator_id"
)

// Logger wraps a *logrus.Logger tagged with a component name.
type Logger struct {
	base      *logrus.Logger
	component string
}

// New builds a Logger for component, with the given level ("debug", "info",
// "warn", "error") and format ("json" or "text").
func New(component, level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	return &Logger{base: l, component: component}
}

// NewFromEnv reads LOG_LEVEL and LOG_FORMAT (defaulting to info/json).
func NewFromEnv(component string) *Logger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry tagged with trace/operator ids pulled from
// ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.base.WithField("component", l.component)
	if tid, ok := ctx.Value(traceIDKey).(string); ok && tid != "" {
		entry = entry.WithField("trace_id", tid)
	}
	if oid, ok := ctx.Value(operatorKey).(string); ok && oid != "" {
		entry = entry.WithField("operator_id", oid)
	}
	return entry
}

// WithTraceID attaches a trace id to ctx for downstream WithContext calls.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithOperatorID attaches an operator id to ctx.
func WithOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorKey, operatorID)
}

// WithFields returns an entry tagged with the component and extra fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.base.WithField("component", l.component).WithFields(fields)
}

// WithError returns an entry tagged with the component and an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.base.WithField("component", l.component).WithError(err)
}

// LogGateDecision logs a RiskGuard gate outcome.
func (l *Logger) LogGateDecision(ctx context.Context, gate, intentID string, allowed bool, reason string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"gate":      gate,
		"intent_id": intentID,
		"allowed":   allowed,
		"reason":    reason,
	}).Info("gate decision")
}

// LogVenueCall logs a venue adapter round trip.
func (l *Logger) LogVenueCall(ctx context.Context, venue, op string, latency time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"venue":      venue,
		"op":         op,
		"latency_ms": latency.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("venue call failed")
		return
	}
	entry.Debug("venue call")
}

// LogWalWrite logs a WAL append.
func (l *Logger) LogWalWrite(ctx context.Context, seq uint64, kind string, bytes int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"wal_seq":   seq,
		"wal_kind":  kind,
		"wal_bytes": bytes,
	}).Debug("wal write")
}

// LogSecurityEvent logs an auth/signature/replay event at warn level.
func (l *Logger) LogSecurityEvent(ctx context.Context, event, detail string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"security_event": event,
		"detail":         detail,
	}).Warn("security event")
}

// LogAudit logs an operator action (arm/disarm/halt/flatten) at info level.
func (l *Logger) LogAudit(ctx context.Context, action, actor string, details logrus.Fields) {
	fields := logrus.Fields{"action": action, "actor": actor}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Info("audit")
}

// Info logs at info level.
func (l *Logger) Info(args ...interface{}) { l.base.WithField("component", l.component).Info(args...) }

// Warn logs at warn level.
func (l *Logger) Warn(args ...interface{}) { l.base.WithField("component", l.component).Warn(args...) }

// Error logs at error level.
func (l *Logger) Error(args ...interface{}) {
	l.base.WithField("component", l.component).Error(args...)
}

// Debug logs at debug level.
func (l *Logger) Debug(args ...interface{}) {
	l.base.WithField("component", l.component).Debug(args...)
}

// Fatal logs at fatal level and exits. Reserved for the dispatcher halting on
// a WAL/position invariant violation.
func (l *Logger) Fatal(args ...interface{}) {
	l.base.WithField("component", l.component).Fatal(args...)
}
