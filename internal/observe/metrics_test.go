package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetricsCreatesAllInstruments(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m.STTDuration == nil || m.LLMDuration == nil || m.TTSDuration == nil ||
		m.PipelineDuration == nil || m.Turns == nil || m.ActiveSessions == nil {
		t.Fatal("expected all instruments to be initialised")
	}
}

func TestPipelineHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.STTDuration.Record(ctx, 0.42)
	m.LLMFirstFragment.Record(ctx, 0.11)
	m.PipelineDuration.Record(ctx, 1.8)

	rm := collect(t, reader)
	for _, name := range []string{
		"voxbridge.stt.duration",
		"voxbridge.llm.first_fragment",
		"voxbridge.pipeline.duration",
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Fatalf("metric %q is not a histogram", name)
		}
		if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
			t.Errorf("metric %q has unexpected data points", name)
		}
	}
}

func TestRecordTurnAttachesChannelAttribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "web")
	m.RecordTurn(ctx, "web")
	m.RecordTurn(ctx, "discord")

	rm := collect(t, reader)
	met := findMetric(rm, "voxbridge.turns")
	if met == nil {
		t.Fatal("voxbridge.turns not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("voxbridge.turns is not a sum")
	}
	byChannel := map[string]int64{}
	for _, dp := range sum.DataPoints {
		if v, found := dp.Attributes.Value(attribute.Key("channel")); found {
			byChannel[v.AsString()] = dp.Value
		}
	}
	if byChannel["web"] != 2 || byChannel["discord"] != 1 {
		t.Errorf("turn counts = %v", byChannel)
	}
}

func TestRecordPipelineError(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordPipelineError(context.Background(), "tts", true)

	rm := collect(t, reader)
	met := findMetric(rm, "voxbridge.pipeline.errors")
	if met == nil {
		t.Fatal("voxbridge.pipeline.errors not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("unexpected data points: %+v", sum.DataPoints)
	}
}
