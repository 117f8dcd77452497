// Package middleware wraps the server's dispatcher with cross-cutting
// behavior. A middleware sees every decoded request before dispatch and
// every response before it is written.
package middleware

import (
	"context"

	"mini-rpc/message"
)

// HandlerFunc handles one request and returns exactly one response.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, the first being the outermost:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// errorResponse answers req with text as the error.
func errorResponse(req *message.Request, text string) *message.Response {
	return &message.Response{RequestID: req.RequestID, Error: text}
}
