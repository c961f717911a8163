package orderpay

import (
	"context"
	"time"
)

// Metrics receives settlement measurements. pkg/observability provides the
// OpenTelemetry implementation.
type Metrics interface {
	RecordDecision(ctx context.Context, outcome Outcome, reason Reason, elapsed time.Duration)
	RecordReorg(ctx context.Context)
	RecordPollError(ctx context.Context, class ErrorClass)
}

type noopMetrics struct{}

func (noopMetrics) RecordDecision(context.Context, Outcome, Reason, time.Duration) {}
func (noopMetrics) RecordReorg(context.Context)                                   {}
func (noopMetrics) RecordPollError(context.Context, ErrorClass)                   {}
