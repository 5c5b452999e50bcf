// Package keyless implements the framed wire protocol spoken between a
// keyless client and a remote private-key backend. Each frame is a fixed
// header {protocol version, body length, 32-bit correlation id} followed by
// a body of tagged, length-prefixed items. Requests and responses share the
// framing; the correlation id in the header is what allows responses to
// arrive out of order on a multiplexed connection.
//
// The tag and opcode byte values below are the protocol compatibility
// surface of this package. They follow the public keyless-protocol family
// the backends this tool targets implement; validate them against a real
// backend before relying on interoperability.
package keyless

import "fmt"

// Frame header layout: one byte major version, one byte minor version, a
// big-endian uint16 body length, and a big-endian uint32 correlation id.
const (
	VersionMajor = 1
	VersionMinor = 0

	// HeaderSize is the size in bytes of the fixed frame header.
	HeaderSize = 8

	// MaxBodySize is the largest encodable frame body; the header length
	// field is 16 bits.
	MaxBodySize = 0xFFFF
)

// Body item tags. Each item is a one-byte tag, a big-endian uint16 length,
// and that many bytes of data. Unknown tags are skipped by the decoder.
const (
	TagOpcode     = 0x01 // one byte, an Op value
	TagPayload    = 0x02 // operation input, or result / error code in responses
	TagRSAPadding = 0x03 // one byte, an RSAPadding value
	TagSignDigest = 0x04 // one byte, a SignDigest value
	TagKeyDigest  = 0x05 // public key fingerprint selecting the backend key
)

// Op identifies the requested private-key operation, or marks a frame as a
// response. The set is closed; the codec rejects values outside it.
type Op uint8

// Request opcodes.
const (
	OpRSAPrivateDecrypt Op = 0x01
	OpRSAPrivateEncrypt Op = 0x02
	OpRSAPublicDecrypt  Op = 0x03
	OpRSAPublicEncrypt  Op = 0x04
	OpRSASign           Op = 0x05
	OpECDSASign         Op = 0x06
	OpEd25519Sign       Op = 0x07

	// OpPing is a no-op round trip used for connection health checks.
	OpPing Op = 0xF1
)

// Response opcodes.
const (
	// OpResponse marks a successful response; the payload item carries the
	// operation result.
	OpResponse Op = 0xF0

	// OpError marks a failed response; the payload item carries a one-byte
	// ErrorCode.
	OpError Op = 0xFF
)

var opNames = map[Op]string{
	OpRSAPrivateDecrypt: "rsa-private-decrypt",
	OpRSAPrivateEncrypt: "rsa-private-encrypt",
	OpRSAPublicDecrypt:  "rsa-public-decrypt",
	OpRSAPublicEncrypt:  "rsa-public-encrypt",
	OpRSASign:           "rsa-sign",
	OpECDSASign:         "ecdsa-sign",
	OpEd25519Sign:       "ed25519-sign",
	OpPing:              "ping",
	OpResponse:          "response",
	OpError:             "error",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "unknown"
}

// ParseOp converts a request opcode name ("rsa-sign", "ecdsa-sign", ...) to
// an Op. Only request opcodes have parseable names.
func ParseOp(s string) (Op, error) {
	for op, name := range opNames {
		if name == s && op.IsRequest() {
			return op, nil
		}
	}
	return 0, &ActionError{Reason: fmt.Sprintf("unsupported operation %q", s)}
}

// IsRequest returns true if op is a client-originated operation opcode.
func (op Op) IsRequest() bool {
	switch op {
	case OpRSAPrivateDecrypt, OpRSAPrivateEncrypt, OpRSAPublicDecrypt,
		OpRSAPublicEncrypt, OpRSASign, OpECDSASign, OpEd25519Sign, OpPing:
		return true
	}
	return false
}

// ErrorCode is the failure cause carried in an OpError response body.
type ErrorCode uint8

// Backend error codes.
const (
	ErrCodeCryptoFailed     ErrorCode = 0x01
	ErrCodeKeyNotFound      ErrorCode = 0x02
	ErrCodeRead             ErrorCode = 0x03
	ErrCodeVersionMismatch  ErrorCode = 0x04
	ErrCodeBadOpcode        ErrorCode = 0x05
	ErrCodeUnexpectedOpcode ErrorCode = 0x06
	ErrCodeFormat           ErrorCode = 0x07
	ErrCodeInternal         ErrorCode = 0x08
)

var errCodeNames = map[ErrorCode]string{
	ErrCodeCryptoFailed:     "crypto-failed",
	ErrCodeKeyNotFound:      "key-not-found",
	ErrCodeRead:             "read-error",
	ErrCodeVersionMismatch:  "version-mismatch",
	ErrCodeBadOpcode:        "bad-opcode",
	ErrCodeUnexpectedOpcode: "unexpected-opcode",
	ErrCodeFormat:           "format-error",
	ErrCodeInternal:         "internal-error",
}

func (c ErrorCode) String() string {
	if s, ok := errCodeNames[c]; ok {
		return s
	}
	return "unknown"
}
