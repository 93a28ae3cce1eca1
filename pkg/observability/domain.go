package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
)

// Chronicle semantic convention attributes.
var (
	AttrCaseID = attribute.Key("chronicle.case.id")
	AttrStage  = attribute.Key("chronicle.stage")
	AttrVertex = attribute.Key("chronicle.vertex")
	AttrAction = attribute.Key("chronicle.action")
	AttrSource = attribute.Key("chronicle.source")
	AttrPassed = attribute.Key("chronicle.validation.passed")
)

// CaseOperation creates attributes for an operation on one case.
func CaseOperation(caseID string, stage chronicle.Stage) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaseID.String(caseID),
		AttrStage.String(string(stage)),
		AttrVertex.String(chronicle.VertexFor(stage)),
	}
}

// StageAttributes labels a metric point by stage. Case ids are left out to
// keep cardinality bounded.
func StageAttributes(stage chronicle.Stage) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStage.String(string(stage)),
		AttrVertex.String(chronicle.VertexFor(stage)),
	}
}

func (p *Provider) initDomainMetrics() error {
	var err error

	p.appendCounter, err = p.meter.Int64Counter("chronicle.appends.total",
		metric.WithDescription("Events appended to the chronicle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.intakeCounter, err = p.meter.Int64Counter("chronicle.intake.total",
		metric.WithDescription("Documents received at intake"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return err
	}

	p.coherenceHist, err = p.meter.Float64Histogram("chronicle.intake.coherence",
		metric.WithDescription("Coherence score of intake documents"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	)
	if err != nil {
		return err
	}

	p.stageCounter, err = p.meter.Int64Counter("chronicle.stage.transitions",
		metric.WithDescription("Stage transitions recorded by producers"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	p.mergedCounter, err = p.meter.Int64Counter("chronicle.consolidation.merged",
		metric.WithDescription("Records merged from legacy sources"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.malformedCounter, err = p.meter.Int64Counter("chronicle.consolidation.malformed",
		metric.WithDescription("Source lines dropped during consolidation"),
		metric.WithUnit("{line}"),
	)
	return err
}

// AppendRecorded counts a chronicle append. It matches
// chronicle.AppendHandler and is registered with Store.OnAppend.
func (p *Provider) AppendRecorded(e chronicle.Event) {
	p.appendCounter.Add(context.Background(), 1, metric.WithAttributes(StageAttributes(e.Stage)...))
}

// IntakeRecorded implements tracker.Observer. The case is noted as an event
// on the span in ctx, typically the HTTP server span.
func (p *Provider) IntakeRecorded(ctx context.Context, caseID string, coherence float64, passed bool) {
	attrs := metric.WithAttributes(AttrPassed.Bool(passed))
	p.intakeCounter.Add(ctx, 1, attrs)
	p.coherenceHist.Record(ctx, coherence, attrs)

	stage := chronicle.StageIntake
	if passed {
		stage = chronicle.StageValidation
	}
	AddSpanEvent(ctx, "chronicle.intake",
		append(CaseOperation(caseID, stage), AttrPassed.Bool(passed))...)
}

// StageAdvanced implements tracker.Observer.
func (p *Provider) StageAdvanced(ctx context.Context, caseID string, stage chronicle.Stage) {
	p.stageCounter.Add(ctx, 1, metric.WithAttributes(StageAttributes(stage)...))
	AddSpanEvent(ctx, "chronicle.stage.advanced", CaseOperation(caseID, stage)...)
}

// SourceMerged records the outcome of consolidating one source.
func (p *Provider) SourceMerged(ctx context.Context, source string, merged, malformed int) {
	attrs := metric.WithAttributes(AttrSource.String(source))
	p.mergedCounter.Add(ctx, int64(merged), attrs)
	p.malformedCounter.Add(ctx, int64(malformed), attrs)
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span as failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
