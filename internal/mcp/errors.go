package mcp

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into the closed error taxonomy exposed by
// the client façade. Every error returned from a public client
// operation carries exactly one Kind; lower-layer detail is preserved
// in the wrapped cause but never required to interpret the failure.
type Kind string

const (
	// KindConnection covers transport open/read/write failures and
	// mid-call disconnects.
	KindConnection Kind = "connection"

	// KindProtocol covers malformed messages, version incompatibility,
	// and unexpected response shapes.
	KindProtocol Kind = "protocol"

	// KindTool covers server-reported tool execution faults and
	// unknown tools.
	KindTool Kind = "tool"

	// KindTimeout covers a request deadline expiring with no response.
	KindTimeout Kind = "timeout"

	// KindPlugin covers plugin lifecycle-hook failures and plugin
	// permission/config validation failures.
	KindPlugin Kind = "plugin"
)

// Sentinel values for errors.Is matching by Kind. Use
// errors.Is(err, mcp.ErrTimeout) etc. to classify a returned error.
var (
	ErrConnection = &Error{Kind: KindConnection}
	ErrProtocol   = &Error{Kind: KindProtocol}
	ErrTool       = &Error{Kind: KindTool}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrPlugin     = &Error{Kind: KindPlugin}
)

// Error is a classified client error. Msg is human-readable context;
// Err, when non-nil, is the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind) + " error"
	case e.Err == nil:
		return fmt.Sprintf("%s error: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel of the same Kind. A sentinel
// is an *Error with no message and no cause, so errors.Is(err,
// ErrTimeout) matches any timeout regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// errf builds a classified error with formatted context.
func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrapErr classifies an underlying cause. If err is already classified
// it is returned unchanged so kinds assigned close to the fault are
// never overwritten on the way up.
func wrapErr(kind Kind, msg string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}
