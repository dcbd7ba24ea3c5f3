package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for agentd spans.
var (
	AttrSessionID  = attribute.Key("agentd.session.id")
	AttrAgentType  = attribute.Key("agentd.agent.type")
	AttrAction     = attribute.Key("agentd.action")
	AttrEventType  = attribute.Key("agentd.event.type")
	AttrMessageID  = attribute.Key("agentd.message.id")
	AttrTarget     = attribute.Key("agentd.message.target")
	AttrPluginName = attribute.Key("agentd.plugin.name")
	AttrConnID     = attribute.Key("agentd.conn.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound socket request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
