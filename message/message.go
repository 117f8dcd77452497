// Package message defines the envelopes exchanged between client and server.
//
// A Request is the "envelope" for every RPC call. It gets serialized by the codec
// layer and wrapped in a length-prefixed frame for transmission over TCP.
// A Response echoes the request id and carries either a result or an error text.
package message

import (
	"github.com/pkg/errors"
)

// Request carries the data for a single RPC invocation.
type Request struct {
	RequestID      string // Random id, unique among the live calls of one connection
	ServiceName    string // Logical service, e.g. "arith.Arith"
	MethodName     string // Method on that service, e.g. "Add"
	ParameterTypes []Type // Declared descriptor of every parameter, used for overload resolution
	Parameters     []any  // Canonical values, see Normalize
}

// Response carries the outcome of a single RPC invocation.
//
//   - On success: Error is empty and Result holds the canonical return value (may be nil).
//   - On failure: Error is a human-readable description and Result is nil.
type Response struct {
	RequestID string
	Result    any
	Error     string
}

// NewRequest builds a request, normalizing every argument to its canonical
// Go type and descriptor.
func NewRequest(id, service, method string, args ...any) (*Request, error) {
	req := &Request{
		RequestID:      id,
		ServiceName:    service,
		MethodName:     method,
		ParameterTypes: make([]Type, len(args)),
		Parameters:     make([]any, len(args)),
	}
	for i, arg := range args {
		t, v, err := Normalize(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %d of %s.%s", i, service, method)
		}
		req.ParameterTypes[i] = t
		req.Parameters[i] = v
	}
	return req, nil
}

// Signature renders the method name with its declared parameter types,
// e.g. "Add(int64,int64)".
func (r *Request) Signature() string {
	return Signature(r.MethodName, r.ParameterTypes)
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return r.Error != ""
}
