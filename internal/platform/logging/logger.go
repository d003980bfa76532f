// Package logging provides structured logging for the event-sourcing core
// (C1-C6) and process bootstrap, wrapping logrus the way
// infrastructure/logging did for the teacher's services.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys owned by this package.
type ContextKey string

const (
	TraceIDKey       ContextKey = "trace_id"
	TenantIDKey      ContextKey = "tenant_id"
	AggregateIDKey   ContextKey = "aggregate_id"
	ProjectionKey    ContextKey = "projection_name"
)

// Logger wraps logrus.Logger with the service name baked into every entry.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger with an explicit level and format ("json" or "text").
func New(service, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}

	l.SetOutput(os.Stdout)
	return &Logger{Logger: l, service: service}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns an entry carrying every ambient field present on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(TenantIDKey); v != nil {
		entry = entry.WithField("tenant_id", v)
	}
	if v := ctx.Value(AggregateIDKey); v != nil {
		entry = entry.WithField("aggregate_id", v)
	}
	if v := ctx.Value(ProjectionKey); v != nil {
		entry = entry.WithField("projection_name", v)
	}
	return entry
}

// WithTenant adds tenant_id to ctx for downstream logging calls.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithAggregate adds aggregate_id to ctx for downstream logging calls.
func WithAggregate(ctx context.Context, aggregateID string) context.Context {
	return context.WithValue(ctx, AggregateIDKey, aggregateID)
}

// WithProjection adds projection_name to ctx for downstream logging calls.
func WithProjection(ctx context.Context, projection string) context.Context {
	return context.WithValue(ctx, ProjectionKey, projection)
}

// LogAppend logs a successful event-store append.
func (l *Logger) LogAppend(ctx context.Context, aggregateType string, fromVersion, toVersion int, count int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"aggregate_type": aggregateType,
		"from_version":   fromVersion,
		"to_version":     toVersion,
		"event_count":    count,
	}).Info("events appended")
}

// LogCheckpoint logs a projection checkpoint advance.
func (l *Logger) LogCheckpoint(ctx context.Context, projection string, position int64, processed int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"projection_name":  projection,
		"global_position":  position,
		"events_processed": processed,
	}).Info("checkpoint advanced")
}

// LogDeadLetter logs an event that exhausted retries and was dead-lettered.
func (l *Logger) LogDeadLetter(ctx context.Context, projection, eventType, eventID string, err error) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"projection_name": projection,
		"event_type":      eventType,
		"event_id":        eventID,
	}).WithError(err).Error("event dead-lettered")
}

// LogOutboxPublish logs an outbox publish attempt outcome.
func (l *Logger) LogOutboxPublish(ctx context.Context, eventID string, err error) {
	entry := l.WithContext(ctx).WithField("event_id", eventID)
	if err != nil {
		entry.WithError(err).Warn("outbox publish failed")
		return
	}
	entry.Debug("outbox entry published")
}
