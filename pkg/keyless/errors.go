package keyless

import "fmt"

// The error taxonomy of the wire layer. All three types are returned as
// typed values so callers can tell apart a request that was never sendable
// (ActionError), a stream that produced garbage (ProtocolError), and a
// well-formed response reporting a backend failure (ServerError). Only the
// last leaves the connection usable by definition; how to react to the
// others is the channel's decision.

// ActionError is a construction-time error: an unsupported action, padding
// or digest combination, or a payload that violates the action's size
// contract. Detected before any I/O.
type ActionError struct {
	Reason string
}

func (e *ActionError) Error() string {
	return "keyless: invalid action: " + e.Reason
}

// ProtocolError is a malformed or unparseable frame on the stream.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "keyless: protocol error: " + e.Reason
}

// ServerError is an explicit error code returned by the backend in a
// well-formed response frame. It fails the one request it correlates to;
// the connection stays alive.
type ServerError struct {
	Code ErrorCode
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("keyless: server error: %s (0x%02x)", e.Code, uint8(e.Code))
}
