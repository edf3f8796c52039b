package logging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(t *testing.T, service string) (*Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return NewWithZap(service, zap.New(core)), logs
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{"create logger with service name", "test-service"},
		{"create logger with empty service name", ""},
		{"create logger with complex service name", "convhook-worker-v2.1.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			require.NotNil(t, logger)
			assert.Equal(t, tt.serviceName, logger.service)
			assert.NotNil(t, logger.Zap())
		})
	}
}

func TestNewWithZapNil(t *testing.T) {
	l := NewWithZap("svc", nil)
	assert.NotPanics(t, func() { l.Plain().Info("dropped") })
}

func TestNewZapModes(t *testing.T) {
	for _, mode := range []string{ProductionMode, DevelopmentMode, ""} {
		z, err := NewZap(mode)
		require.NoError(t, err, mode)
		assert.NotNil(t, z)
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	logger, logs := observed(t, "test-service")

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	logger.WithContext(ctx).Info("with trace")
	span.End()

	logger.WithContext(context.Background()).Info("without trace")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, "test-service", first["service"])
	assert.Equal(t, span.SpanContext().TraceID().String(), first["trace_id"])

	second := entries[1].ContextMap()
	assert.NotContains(t, second, "trace_id")
}

func TestLogEntry_DomainFields(t *testing.T) {
	logger, logs := observed(t, "svc")

	logger.Plain().
		WithCompany("c1").
		WithDelivery("d1").
		WithDestination("px1").
		WithEvent("e1").
		WithTraceID("t1").
		WithField("attempt", 2).
		WithFields(map[string]any{"status": "retrying"}).
		WithError(errors.New("boom")).
		Warn("delivery failed")

	require.Equal(t, 1, logs.Len())
	e := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, e.Level)
	assert.Equal(t, "delivery failed", e.Message)

	fields := e.ContextMap()
	assert.Equal(t, "c1", fields["company_id"])
	assert.Equal(t, "d1", fields["delivery_id"])
	assert.Equal(t, "px1", fields["destination_id"])
	assert.Equal(t, "e1", fields["event_id"])
	assert.Equal(t, "t1", fields["trace_id"])
	assert.EqualValues(t, 2, fields["attempt"])
	assert.Equal(t, "retrying", fields["status"])
	assert.Equal(t, "boom", fields["error"])
}

func TestLogEntry_NilErrorIgnored(t *testing.T) {
	logger, logs := observed(t, "svc")
	logger.Plain().WithError(nil).Info("ok")
	assert.NotContains(t, logs.All()[0].ContextMap(), "error")
}

func TestLogEntry_Levels(t *testing.T) {
	logger, logs := observed(t, "svc")

	logger.Plain().Debug("d")
	logger.Plain().Debugf("d%d", 1)
	logger.Plain().Info("i")
	logger.Plain().Infof("i%d", 1)
	logger.Plain().Warn("w")
	logger.Plain().Warnf("w%d", 1)
	logger.Plain().Error("e")
	logger.Plain().Errorf("e%d", 1)

	want := []struct {
		level zapcore.Level
		msg   string
	}{
		{zapcore.DebugLevel, "d"}, {zapcore.DebugLevel, "d1"},
		{zapcore.InfoLevel, "i"}, {zapcore.InfoLevel, "i1"},
		{zapcore.WarnLevel, "w"}, {zapcore.WarnLevel, "w1"},
		{zapcore.ErrorLevel, "e"}, {zapcore.ErrorLevel, "e1"},
	}
	entries := logs.All()
	require.Len(t, entries, len(want))
	for i, w := range want {
		assert.Equal(t, w.level, entries[i].Level)
		assert.Equal(t, w.msg, entries[i].Message)
	}
}

func TestLogger_WithFields(t *testing.T) {
	logger, logs := observed(t, "svc")
	logger.WithFields(map[string]any{"queue": "pending", "depth": 3}).Info("depth")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "pending", fields["queue"])
	assert.EqualValues(t, 3, fields["depth"])
}

func TestSetDefaultService(t *testing.T) {
	SetDefaultService("convhook-test")
	defer SetDefaultService("convhook")

	assert.Equal(t, "convhook-test", defaultLogger().service)
	assert.NotNil(t, Plain())
	assert.NotNil(t, WithContext(context.Background()))
	assert.NotNil(t, WithFields(map[string]any{"k": "v"}))
}
