package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	_, span := Tracer().Start(context.Background(), "phase.plan")
	End(span, errors.New("boom"), attribute.String("phase.name", "plan"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d", len(spans))
	}
	if spans[0].Name() != "phase.plan" {
		t.Errorf("name = %s", spans[0].Name())
	}
	if len(spans[0].Events()) == 0 {
		t.Error("error was not recorded")
	}
}

func TestTracerWithoutSetupIsNoop(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "noop")
	End(span, nil)
}
