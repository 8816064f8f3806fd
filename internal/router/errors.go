package router

import "fmt"

// ProtocolError marks a message the Router could not correlate to any
// known state: wrong jsonrpc version already rejected by the
// transport layer, a response with no matching pending request, or a
// server response referencing an unknown id. Logged at warn and
// dropped; never fatal (spec.md §7 item 2).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// TimeoutError marks an aggregation deadline firing. It is internal
// bookkeeping, not surfaced to the client except as a merged result
// built from whatever was collected (spec.md §7 item 3).
type TimeoutError struct {
	Method   string
	ClientID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("aggregation timed out for %s (id=%s)", e.Method, e.ClientID)
}

// ServerFailureError marks a subprocess exit or transport I/O error on
// a server endpoint (spec.md §7 item 4).
type ServerFailureError struct {
	ServerName string
	Cause      error
}

func (e *ServerFailureError) Error() string {
	return fmt.Sprintf("server %q failed: %v", e.ServerName, e.Cause)
}

func (e *ServerFailureError) Unwrap() error { return e.Cause }

// FatalError marks a failure that should end the process with a
// nonzero exit status: a framing error, a server crash (before or
// after initialize), or a partial initialize timeout.
type FatalError struct {
	Reason string
	Cause  error
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error { return e.Cause }
