package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContext is the W3C trace context carried next to an event so its
// publish span joins the request that produced it.
type TraceContext struct {
	Traceparent string
	Tracestate  string
}

// CurrentTraceContext captures the span context of ctx through the global propagator.
func CurrentTraceContext(ctx context.Context) TraceContext {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceContext{
		Traceparent: carrier.Get("traceparent"),
		Tracestate:  carrier.Get("tracestate"),
	}
}

func (tc TraceContext) IsZero() bool {
	return tc.Traceparent == "" && tc.Tracestate == ""
}

// Context returns parent carrying tc as its remote span context. A zero tc returns parent unchanged.
func (tc TraceContext) Context(parent context.Context) context.Context {
	if tc.IsZero() {
		return parent
	}
	carrier := propagation.MapCarrier{}
	if tc.Traceparent != "" {
		carrier.Set("traceparent", tc.Traceparent)
	}
	if tc.Tracestate != "" {
		carrier.Set("tracestate", tc.Tracestate)
	}
	return otel.GetTextMapPropagator().Extract(parent, carrier)
}
