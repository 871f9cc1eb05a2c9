// Package observe provides application-wide observability primitives for
// VoxBridge: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a private [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all VoxBridge metrics.
const meterName = "github.com/voxbridge/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks full-utterance transcription latency.
	STTDuration metric.Float64Histogram

	// STTFirstPartial tracks time from utterance start to first partial.
	STTFirstPartial metric.Float64Histogram

	// LLMDuration tracks total LLM generation latency.
	LLMDuration metric.Float64Histogram

	// LLMFirstFragment tracks time to the first streamed fragment.
	LLMFirstFragment metric.Float64Histogram

	// TTSDuration tracks per-sentence synthesis latency.
	TTSDuration metric.Float64Histogram

	// PipelineDuration tracks utterance start to last audio chunk sent.
	PipelineDuration metric.Float64Histogram

	// TimeToFirstAudio tracks utterance start to first audio chunk sent.
	TimeToFirstAudio metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("channel", "web"|"discord")
	Turns metric.Int64Counter

	// PipelineErrors counts surfaced pipeline failures. Use with attributes:
	//   attribute.String("source", "stt"|"llm"|"tts"|"store"), attribute.Bool("recoverable", ...)
	PipelineErrors metric.Int64Counter

	// DroppedSentences counts sentences abandoned after synthesis retries.
	DroppedSentences metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveObservers tracks the number of connected observer clients.
	ActiveObservers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "voxbridge.stt.duration", "Latency of full-utterance transcription."},
		{&met.STTFirstPartial, "voxbridge.stt.first_partial", "Time from utterance start to first partial transcript."},
		{&met.LLMDuration, "voxbridge.llm.duration", "Total LLM generation latency."},
		{&met.LLMFirstFragment, "voxbridge.llm.first_fragment", "Time to the first streamed LLM fragment."},
		{&met.TTSDuration, "voxbridge.tts.duration", "Per-sentence synthesis latency."},
		{&met.PipelineDuration, "voxbridge.pipeline.duration", "Utterance start to last audio chunk sent."},
		{&met.TimeToFirstAudio, "voxbridge.pipeline.first_audio", "Utterance start to first audio chunk sent."},
	}
	for _, h := range histograms {
		inst, err := m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil {
			return nil, err
		}
		*h.dst = inst
	}

	var err error
	if met.Turns, err = m.Int64Counter("voxbridge.turns",
		metric.WithDescription("Completed conversation turns by channel."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("voxbridge.pipeline.errors",
		metric.WithDescription("Surfaced pipeline failures by source and recoverability."),
	); err != nil {
		return nil, err
	}
	if met.DroppedSentences, err = m.Int64Counter("voxbridge.tts.dropped_sentences",
		metric.WithDescription("Sentences abandoned after exhausting synthesis retries."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveObservers, err = m.Int64UpDownCounter("voxbridge.active_observers",
		metric.WithDescription("Number of connected observer clients."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTurn increments the completed-turn counter for a channel type.
func (m *Metrics) RecordTurn(ctx context.Context, channel string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordPipelineError increments the pipeline error counter.
func (m *Metrics) RecordPipelineError(ctx context.Context, source string, recoverable bool) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.Bool("recoverable", recoverable),
		),
	)
}

// RecordDroppedSentence increments the dropped-sentence counter.
func (m *Metrics) RecordDroppedSentence(ctx context.Context) {
	m.DroppedSentences.Add(ctx, 1)
}
