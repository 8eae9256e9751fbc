// Tracing instrumentation for the workflow engine.
package workflow

import (
	"context"

	"github.com/vinayprograms/orchestrator/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startRunSpan starts a span for the whole run.
func startRunSpan(ctx context.Context, runID string, complexity Complexity) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, "workflow.run")
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.complexity", string(complexity)),
	)
	return ctx, span
}

// endRunSpan ends the run span with result info.
func endRunSpan(span trace.Span, st *State, err error) {
	telemetry.End(span, err,
		attribute.String("run.phase", st.Phase.Name()),
		attribute.Int("run.repair_cycles", st.RepairCycles),
		attribute.Int("run.tools", len(st.tools())),
	)
}

// startPhaseSpan starts a span for one phase.
func startPhaseSpan(ctx context.Context, runID string, p Phase) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, "phase."+p.Name())
	span.SetAttributes(
		attribute.String("phase.name", p.Name()),
		attribute.String("run.id", runID),
		attribute.Int("phase.cycle", describe(p).cycle),
	)
	return ctx, span
}
