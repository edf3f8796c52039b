package logging

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/conversion_hook/internal/tracing"
)

// Modes accepted by LOG_MODE.
const (
	ProductionMode  = "production"
	DevelopmentMode = "development"
)

var (
	rootOnce sync.Once
	root     *zap.Logger
)

// NewZap builds the process-wide zap logger for mode. Production emits JSON,
// development emits colored console lines.
func NewZap(mode string) (*zap.Logger, error) {
	var cfg zap.Config
	if mode == DevelopmentMode {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.DisableCaller = true
	return cfg.Build()
}

func rootLogger() *zap.Logger {
	rootOnce.Do(func() {
		z, err := NewZap(os.Getenv("LOG_MODE"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: %v, falling back to nop logger\n", err)
			z = zap.NewNop()
		}
		root = z
	})
	return root
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	z       *zap.Logger
}

// New creates a logger for service on top of the process-wide zap logger.
func New(service string) *Logger {
	return NewWithZap(service, rootLogger())
}

// NewWithZap creates a logger for service writing to z.
func NewWithZap(service string, z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{service: service, z: z}
}

// Zap exposes the underlying logger, for libraries that want one.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.z.Sync()
}

func (l *Logger) entry() *LogEntry {
	e := &LogEntry{z: l.z}
	if l.service != "" {
		e.fields = append(e.fields, zap.String("service", l.service))
	}
	return e
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.fields = append(e.fields, zap.String("trace_id", traceID))
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// LogEntry accumulates fields for a single log line.
type LogEntry struct {
	z      *zap.Logger
	fields []zap.Field
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	return e.with(zap.String("trace_id", traceID))
}

// WithCompany sets the company (tenant) ID
func (e *LogEntry) WithCompany(companyID string) *LogEntry {
	return e.with(zap.String("company_id", companyID))
}

// WithEvent sets the domain event ID
func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	return e.with(zap.String("event_id", eventID))
}

// WithDelivery sets the delivery log ID
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	return e.with(zap.String("delivery_id", deliveryID))
}

// WithDestination sets the external destination (pixel) ID
func (e *LogEntry) WithDestination(destinationID string) *LogEntry {
	return e.with(zap.String("destination_id", destinationID))
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	return e.with(zap.Any(key, value))
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.fields = append(e.fields, zap.Any(k, v))
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return e.with(zap.String("error", err.Error()))
}

func (e *LogEntry) with(f zap.Field) *LogEntry {
	e.fields = append(e.fields, f)
	return e
}

func (e *LogEntry) Debug(message string) { e.z.Debug(message, e.fields...) }

func (e *LogEntry) Debugf(format string, args ...any) { e.Debug(fmt.Sprintf(format, args...)) }

func (e *LogEntry) Info(message string) { e.z.Info(message, e.fields...) }

func (e *LogEntry) Infof(format string, args ...any) { e.Info(fmt.Sprintf(format, args...)) }

func (e *LogEntry) Warn(message string) { e.z.Warn(message, e.fields...) }

func (e *LogEntry) Warnf(format string, args ...any) { e.Warn(fmt.Sprintf(format, args...)) }

func (e *LogEntry) Error(message string) { e.z.Error(message, e.fields...) }

func (e *LogEntry) Errorf(format string, args ...any) { e.Error(fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.z.Fatal(message, e.fields...) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) { e.Fatal(fmt.Sprintf(format, args...)) }

// Global convenience functions

var (
	defaultMu      sync.RWMutex
	defaultService = "convhook"
)

func defaultLogger() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return New(defaultService)
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger().WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger().WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger().Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultMu.Lock()
	defaultService = service
	defaultMu.Unlock()
}
