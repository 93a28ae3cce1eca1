package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
)

type harness struct {
	p      *Provider
	reader *sdkmetric.ManualReader
	spans  *tracetest.SpanRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewSpanRecorder()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})

	p, err := New(context.Background(), &Config{Enabled: false}, WithMeterProvider(mp), WithTracerProvider(tp))
	require.NoError(t, err)
	return &harness{p: p, reader: reader, spans: spans}
}

func (h *harness) collect(t *testing.T) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "chronicle", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Instruments are no-ops but must be callable.
	p.AppendRecorded(chronicle.Event{Stage: chronicle.StageIntake})
	p.IntakeRecorded(context.Background(), "case_1", 0.5, false)
	p.StageAdvanced(context.Background(), "case_1", chronicle.StageTrident)
	p.SourceMerged(context.Background(), "a.jsonl", 3, 1)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTrackOperation(t *testing.T) {
	h := newHarness(t)

	ctx, finish := h.p.TrackOperation(context.Background(), "consolidate.run", attribute.String("target", "x"))
	require.NotNil(t, ctx)
	finish(nil)

	_, finish = h.p.TrackOperation(context.Background(), "consolidate.run")
	finish(errors.New("boom"))

	data := h.collect(t)
	require.Equal(t, int64(2), sumOf(t, data["chronicle.requests.total"]))
	require.Equal(t, int64(1), sumOf(t, data["chronicle.errors.total"]))

	ended := h.spans.Ended()
	require.Len(t, ended, 2)
	require.Equal(t, codes.Unset, ended[0].Status().Code)
	require.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestDomainInstruments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.p.AppendRecorded(chronicle.Event{Stage: chronicle.StageIntake})
	h.p.AppendRecorded(chronicle.Event{Stage: chronicle.StageValidation})
	h.p.IntakeRecorded(ctx, "case_1", 0.87, true)
	h.p.IntakeRecorded(ctx, "case_2", 0.55, false)
	h.p.StageAdvanced(ctx, "case_1", chronicle.StageCrown)
	h.p.SourceMerged(ctx, "dojo.jsonl", 4, 2)

	data := h.collect(t)
	require.Equal(t, int64(2), sumOf(t, data["chronicle.appends.total"]))
	require.Equal(t, int64(2), sumOf(t, data["chronicle.intake.total"]))
	require.Equal(t, int64(1), sumOf(t, data["chronicle.stage.transitions"]))
	require.Equal(t, int64(4), sumOf(t, data["chronicle.consolidation.merged"]))
	require.Equal(t, int64(2), sumOf(t, data["chronicle.consolidation.malformed"]))

	hist, ok := data["chronicle.intake.coherence"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	require.Equal(t, uint64(2), count)
}

func TestStoreAppendFeedsCounter(t *testing.T) {
	h := newHarness(t)
	store, err := chronicle.Open(t.TempDir() + "/events.jsonl")
	require.NoError(t, err)
	store.OnAppend(h.p.AppendRecorded)

	now := time.Date(2025, 11, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(context.Background(), chronicle.NewEvent(now, "case_1", chronicle.StageIntake, "intake", nil)))
	}
	require.Equal(t, int64(3), sumOf(t, h.collect(t)["chronicle.appends.total"]))
}

func TestHTTPMiddleware(t *testing.T) {
	h := newHarness(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/field/status/{case_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "fault", http.StatusInternalServerError)
	})
	handler := h.p.HTTPMiddleware(mux)

	for _, path := range []string{"/api/field/status/case_1", "/boom"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	data := h.collect(t)
	require.Equal(t, int64(2), sumOf(t, data["chronicle.requests.total"]))
	require.Equal(t, int64(1), sumOf(t, data["chronicle.errors.total"]))

	ended := h.spans.Ended()
	require.Len(t, ended, 2)
	require.Equal(t, "GET /api/field/status/{case_id}", ended[0].Name())
	require.Equal(t, codes.Unset, ended[0].Status().Code)
	require.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestCaseOperation(t *testing.T) {
	attrs := CaseOperation("case_1", chronicle.StageValidation)
	require.Len(t, attrs, 3)
	require.Equal(t, "chronicle.case.id", string(attrs[0].Key))
	require.Equal(t, "▼TATA", attrs[2].Value.AsString())
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	require.NotNil(t, SpanFromContext(ctx))
	AddSpanEvent(ctx, "test.event", attribute.String("key", "value"))
	SetSpanStatus(ctx, errors.New("test error"))
	SetSpanStatus(ctx, nil)
}

func TestObserverEventsLandOnRequestSpan(t *testing.T) {
	h := newHarness(t)
	ctx, span := h.p.Tracer().Start(context.Background(), "POST /api/field/intake")
	h.p.IntakeRecorded(ctx, "case_9", 0.91, true)
	h.p.StageAdvanced(ctx, "case_9", chronicle.StageTrident)
	span.End()

	ended := h.spans.Ended()
	require.Len(t, ended, 1)
	events := ended[0].Events()
	require.Len(t, events, 2)

	require.Equal(t, "chronicle.intake", events[0].Name)
	require.Contains(t, events[0].Attributes, AttrCaseID.String("case_9"))
	require.Contains(t, events[0].Attributes, AttrStage.String(string(chronicle.StageValidation)))
	require.Contains(t, events[0].Attributes, AttrPassed.Bool(true))

	require.Equal(t, "chronicle.stage.advanced", events[1].Name)
	require.Equal(t, CaseOperation("case_9", chronicle.StageTrident), events[1].Attributes)
}
