package rpc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/filecoinjs/lotusrpc/pkg/log"
)

const instrumentationName = "github.com/filecoinjs/lotusrpc/pkg/rpc"

// startRequestSpan opens a client span for one call and stores lg in the
// returned context. When a tracer provider is installed the stored logger
// also records onto the span.
func startRequestSpan(ctx context.Context, lg log.Logger, transport, method string, id uint64) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.String("rpc.transport", transport),
			attribute.Int64("rpc.jsonrpc.request_id", int64(id)),
		),
	)
	return log.SetContextLogger(ctx, lg), span
}

func endRequestSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
