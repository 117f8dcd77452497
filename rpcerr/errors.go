// Package rpcerr defines the failure kinds a caller of mini-RPC can observe.
//
// Every error produced by the runtime carries exactly one Kind:
//
//	Codec             malformed frame or unsupported value; the connection is dropped
//	Connectivity      dial failure or mid-call disconnect
//	NoAvailableServer the pool stayed empty past its timeout
//	Timeout           a Future was not resolved before its deadline
//	Remote            the server handler failed, or the service/method was not found
//
// Use errors.Is with the sentinel values (ErrCodec, ErrTimeout, ...) to test
// the kind of an error, whatever context it was wrapped with.
package rpcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindCodec
	KindConnectivity
	KindNoAvailableServer
	KindTimeout
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindCodec:
		return "codec"
	case KindConnectivity:
		return "connectivity"
	case KindNoAvailableServer:
		return "no available server"
	case KindTimeout:
		return "timeout"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Error is a classified runtime failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return "rpc: " + e.Kind.String() + " error"
	case e.Err == nil:
		return "rpc: " + e.Msg
	case e.Msg == "":
		return "rpc: " + e.Err.Error()
	default:
		return "rpc: " + e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrCodec             = &Error{Kind: KindCodec}
	ErrConnectivity      = &Error{Kind: KindConnectivity}
	ErrNoAvailableServer = &Error{Kind: KindNoAvailableServer}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrRemote            = &Error{Kind: KindRemote}
)

func newError(kind Kind, cause error, format string, args ...any) error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Codec reports a malformed frame or an unencodable value.
func Codec(cause error, format string, args ...any) error {
	return newError(KindCodec, cause, format, args...)
}

// Connectivity reports a dial failure or a broken connection.
func Connectivity(cause error, format string, args ...any) error {
	return newError(KindConnectivity, cause, format, args...)
}

// NoAvailableServer reports that no pooled connection became available in time.
func NoAvailableServer(cause error, format string, args ...any) error {
	return newError(KindNoAvailableServer, cause, format, args...)
}

// Timeout reports that a call was not answered before its deadline.
func Timeout(cause error, format string, args ...any) error {
	return newError(KindTimeout, cause, format, args...)
}

// Remote wraps the error text carried by a response envelope.
func Remote(text string) error {
	return &Error{Kind: KindRemote, Msg: text}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RemoteMessage returns the remote error text if err is of kind Remote.
func RemoteMessage(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRemote {
		return e.Msg, true
	}
	return "", false
}
