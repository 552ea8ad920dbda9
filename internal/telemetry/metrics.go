// Package telemetry records engine metrics through the OpenTelemetry
// metric API. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "collab-engine"

var (
	attrErrorCode = attribute.Key("error.code")
	attrOutcome   = attribute.Key("outcome")
)

// Metrics holds the engine instruments.
type Metrics struct {
	commits        metric.Int64Counter
	rebaseDistance metric.Int64Histogram
	submitLatency  metric.Float64Histogram
	submitErrors   metric.Int64Counter
	compactions    metric.Int64Counter
	sessions       metric.Int64UpDownCounter
}

// New creates the instruments on mp. A nil provider yields no-op
// instruments.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	m := mp.Meter(meterName)

	commits, err := m.Int64Counter("collab.commits.total",
		metric.WithDescription("Committed operations."))
	if err != nil {
		return nil, err
	}
	rebaseDistance, err := m.Int64Histogram("collab.rebase.distance",
		metric.WithDescription("Concurrent operations an operation was rebased over before commit."))
	if err != nil {
		return nil, err
	}
	submitLatency, err := m.Float64Histogram("collab.submit.latency.ms",
		metric.WithDescription("Submit latency including the durable append."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	submitErrors, err := m.Int64Counter("collab.submit.errors.total",
		metric.WithDescription("Rejected or failed submits by error code."))
	if err != nil {
		return nil, err
	}
	compactions, err := m.Int64Counter("collab.compactions.total",
		metric.WithDescription("Compaction attempts by outcome."))
	if err != nil {
		return nil, err
	}
	sessions, err := m.Int64UpDownCounter("collab.sessions.active",
		metric.WithDescription("Connected sessions."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		commits:        commits,
		rebaseDistance: rebaseDistance,
		submitLatency:  submitLatency,
		submitErrors:   submitErrors,
		compactions:    compactions,
		sessions:       sessions,
	}, nil
}

// RecordCommit records a successful submit.
func (m *Metrics) RecordCommit(ctx context.Context, rebasedOver int, took time.Duration) {
	if m == nil || m.commits == nil {
		return
	}
	m.commits.Add(ctx, 1)
	m.rebaseDistance.Record(ctx, int64(rebasedOver))
	m.submitLatency.Record(ctx, float64(took)/float64(time.Millisecond))
}

// RecordSubmitError records a failed submit.
func (m *Metrics) RecordSubmitError(ctx context.Context, code string) {
	if m == nil || m.submitErrors == nil {
		return
	}
	m.submitErrors.Add(ctx, 1, metric.WithAttributes(attrErrorCode.String(code)))
}

// RecordCompaction records a compaction attempt.
func (m *Metrics) RecordCompaction(ctx context.Context, err error) {
	if m == nil || m.compactions == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.compactions.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, -1)
}
