package middleware

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mini-rpc/message"
)

const tracerName = "mini-rpc/server"

// TracingMiddleware starts a server span per call. A nil provider means the
// global one.
func TracingMiddleware(tp trace.TracerProvider) Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, span := tracer.Start(ctx, req.ServiceName+"/"+req.MethodName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", "minirpc"),
					attribute.String("rpc.service", req.ServiceName),
					attribute.String("rpc.method", req.MethodName),
					attribute.String("rpc.request_id", req.RequestID),
				),
			)
			defer span.End()

			resp := next(ctx, req)
			if resp.Failed() {
				span.RecordError(errors.New(resp.Error))
				span.SetStatus(codes.Error, resp.Error)
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return resp
		}
	}
}
