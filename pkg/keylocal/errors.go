package keylocal

// ComputeError is a failure of the local reference computation: a missing or
// mismatched key, a payload violating an operation's size contract, or a
// scheme the local engine does not implement. It is distinct from the wire
// layer's error types so a caller can tell "the backend misbehaved" apart
// from "we could not reproduce this locally".
type ComputeError struct {
	Reason string
}

func (e *ComputeError) Error() string {
	return "keylocal: " + e.Reason
}

// VerifyError is a result that failed verification against the local
// reference computation or the public key.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string {
	return "keylocal: verification failed: " + e.Reason
}
