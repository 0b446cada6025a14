package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/travel-planner/internal/core/domain"
)

var tracer = otel.Tracer("github.com/rl1809/travel-planner/internal/core/service")

var (
	// useCaseTotal counts service calls by use case and outcome
	// (ok, conflict, not_found, ordering_conflict, position_taken, invalid, duplicate, canceled, error).
	useCaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planner",
		Subsystem: "service",
		Name:      "use_cases_total",
		Help:      "Service use-case executions by outcome",
	}, []string{"use_case", "outcome"})

	useCaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "planner",
		Subsystem: "service",
		Name:      "use_case_duration_seconds",
		Help:      "Service use-case latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"use_case"})

	// appendAttempts records how many InsertNextItem calls an auto-positioned append needed.
	appendAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "planner",
		Subsystem: "items",
		Name:      "append_attempts",
		Help:      "Storage attempts needed to assign an item position",
		Buckets:   []float64{1, 2, 3, 4, 5, 8, 13, 21},
	})

	cascadeDeletedItems = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planner",
		Subsystem: "plans",
		Name:      "cascade_deleted_items_total",
		Help:      "Items removed together with their plan",
	})
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrVersionConflict):
		return "conflict"
	case errors.Is(err, domain.ErrPlanNotFound), errors.Is(err, domain.ErrItemNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrOrderingConflict):
		return "ordering_conflict"
	case errors.Is(err, domain.ErrPositionTaken):
		return "position_taken"
	case errors.Is(err, domain.ErrInvalidAttributes):
		return "invalid"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, domain.ErrCascadeTooLarge):
		return "cascade_too_large"
	case errors.Is(err, domain.ErrContention):
		return "contention"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// observe records one use-case execution: metrics, span status and a log line.
// Expected domain outcomes log at info, anything unclassified at error.
func observe(ctx context.Context, logger *slog.Logger, span trace.Span, name string, started time.Time, err error, attrs ...any) {
	outcome := outcomeOf(err)
	elapsed := time.Since(started)

	useCaseTotal.WithLabelValues(name, outcome).Inc()
	useCaseDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	attrs = append(attrs,
		"use_case", name,
		"outcome", outcome,
		"duration_ms", elapsed.Milliseconds(),
	)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		logger.DebugContext(ctx, "service_use_case", attrs...)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	attrs = append(attrs, "error", err.Error())
	if outcome == "error" {
		logger.ErrorContext(ctx, "service_use_case", attrs...)
		return
	}
	logger.InfoContext(ctx, "service_use_case", attrs...)
}

func loggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
