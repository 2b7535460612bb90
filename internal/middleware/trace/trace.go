// Package trace decorates dispatch handlers with a per-delivery trace id,
// start/finish logging and delivery metrics.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"fintrack/internal/dispatch"
	"fintrack/internal/log"
)

// ContextKey type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for the delivery trace id
	TraceIDKey ContextKey = "trace_id"

	FieldTraceID = "trace_id"
)

// Middleware traces event deliveries
type Middleware struct {
	total     atomic.Int64
	failed    atomic.Int64
	totalTime atomic.Int64 // microseconds
}

// Metrics is a snapshot of delivery counters
type Metrics struct {
	TotalDeliveries  int64
	FailedDeliveries int64
	// AverageDuration is in microseconds.
	AverageDuration int64
}

func NewMiddleware() *Middleware {
	return &Middleware{}
}

// Handler wraps next so every delivery carries a trace id in its context and is
// logged on completion at a level matching its outcome.
func (m *Middleware) Handler(next dispatch.Handler) dispatch.Handler {
	return func(ctx context.Context, ev *dispatch.Event) error {
		start := time.Now()

		traceID := GetTraceID(ctx)
		if traceID == "" {
			traceID = GenerateTraceID()
			ctx = context.WithValue(ctx, TraceIDKey, traceID)
		}

		fields := log.NewFields().
			WithComponent(log.ComponentDispatch).
			WithOperation(log.OpDeliver).
			WithEvent(ev.ID, ev.Name, ev.Attempt)
		fields[FieldTraceID] = traceID

		slog.DebugContext(ctx, "Event delivery started", fields.ToSlice()...)

		err := next(ctx, ev)

		duration := time.Since(start)
		m.total.Add(1)
		m.totalTime.Add(duration.Microseconds())

		level := slog.LevelInfo
		switch {
		case err == nil:
		case dispatch.IsPermanent(err):
			level = slog.LevelError
			m.failed.Add(1)
		default:
			level = slog.LevelWarn
			m.failed.Add(1)
		}

		fields.WithDuration(duration).WithError(err)
		fields[log.FieldSuccess] = err == nil
		slog.Log(ctx, level, "Event delivery completed", fields.ToSlice()...)
		return err
	}
}

// GenerateTraceID creates a random trace id
func GenerateTraceID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("trc_%d", time.Now().UnixNano())
	}
	return "trc_" + hex.EncodeToString(bytes)
}

// GetTraceID extracts the trace id from context
func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}

// GetMetrics returns current metrics
func (m *Middleware) GetMetrics() Metrics {
	total := m.total.Load()
	var avg int64
	if total > 0 {
		avg = m.totalTime.Load() / total
	}
	return Metrics{
		TotalDeliveries:  total,
		FailedDeliveries: m.failed.Load(),
		AverageDuration:  avg,
	}
}
