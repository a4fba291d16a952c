// Package telemetry defines the OpenTelemetry instruments recorded by the
// workflow.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MeterName              = "github.com/book-expert/voxsynth/workflow"
	MetricTransitions      = "voxsynth.session.transitions"
	MetricStreamEvents     = "voxsynth.stream.events"
	MetricUploadDuration   = "voxsynth.upload.duration"
	attrFrom               = "from"
	attrTo                 = "to"
	attrKind               = "kind"
	attrOutcome            = "outcome"
	outcomeSuccess         = "success"
	outcomeFailure         = "failure"
	unitSeconds            = "s"
	errFmtCreateInstrument = "failed to create instrument %s: %w"
)

// Instruments records session activity. A nil *Instruments records nothing.
type Instruments struct {
	transitions    metric.Int64Counter
	streamEvents   metric.Int64Counter
	uploadDuration metric.Float64Histogram
}

// New creates the instruments on provider; a nil provider selects the
// global one.
func New(provider metric.MeterProvider) (*Instruments, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(MeterName)

	transitions, err := meter.Int64Counter(MetricTransitions,
		metric.WithDescription("Session state transitions."))
	if err != nil {
		return nil, fmt.Errorf(errFmtCreateInstrument, MetricTransitions, err)
	}

	streamEvents, err := meter.Int64Counter(MetricStreamEvents,
		metric.WithDescription("Events received on generation streams."))
	if err != nil {
		return nil, fmt.Errorf(errFmtCreateInstrument, MetricStreamEvents, err)
	}

	uploadDuration, err := meter.Float64Histogram(MetricUploadDuration,
		metric.WithDescription("Voice sample upload latency."),
		metric.WithUnit(unitSeconds))
	if err != nil {
		return nil, fmt.Errorf(errFmtCreateInstrument, MetricUploadDuration, err)
	}

	return &Instruments{
		transitions:    transitions,
		streamEvents:   streamEvents,
		uploadDuration: uploadDuration,
	}, nil
}

// RecordTransition counts a state change.
func (i *Instruments) RecordTransition(ctx context.Context, from, to string) {
	if i == nil {
		return
	}

	i.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrFrom, from),
		attribute.String(attrTo, to),
	))
}

// RecordStreamEvent counts one generation stream event.
func (i *Instruments) RecordStreamEvent(ctx context.Context, kind string) {
	if i == nil {
		return
	}

	i.streamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKind, kind)))
}

// RecordUpload records the latency and outcome of one upload.
func (i *Instruments) RecordUpload(ctx context.Context, elapsed time.Duration, err error) {
	if i == nil {
		return
	}

	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}

	i.uploadDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String(attrOutcome, outcome)))
}
