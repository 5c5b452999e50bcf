package keyless

import (
	"crypto"
	"fmt"
	"strings"
)

// RSAPadding is the RSA encoding scheme applied around the raw modular
// operation.
type RSAPadding uint8

// Supported RSA padding modes. PaddingNone means the raw modular operation
// with no encoding.
const (
	PaddingNone  RSAPadding = 0
	PaddingPKCS1 RSAPadding = 1
	PaddingOAEP  RSAPadding = 2
	PaddingPSS   RSAPadding = 3
	PaddingX931  RSAPadding = 4
)

var paddingNames = map[RSAPadding]string{
	PaddingNone:  "NONE",
	PaddingPKCS1: "PKCS1",
	PaddingOAEP:  "OAEP",
	PaddingPSS:   "PSS",
	PaddingX931:  "X931",
}

func (p RSAPadding) String() string {
	if s, ok := paddingNames[p]; ok {
		return s
	}
	return "unknown"
}

// ParseRSAPadding converts a padding mode name to an RSAPadding. Names are
// case-insensitive.
func ParseRSAPadding(s string) (RSAPadding, error) {
	switch strings.ToLower(s) {
	case "none":
		return PaddingNone, nil
	case "pkcs1":
		return PaddingPKCS1, nil
	case "oaep":
		return PaddingOAEP, nil
	case "pss":
		return PaddingPSS, nil
	case "x931":
		return PaddingX931, nil
	}
	return 0, &ActionError{Reason: fmt.Sprintf("unsupported rsa padding type %q", s)}
}

// SignDigest identifies the digest algorithm a sign payload was hashed with.
// The payload of a digest-bearing sign action is the digest output itself,
// not the message (the pre-hashed input contract).
type SignDigest uint8

// Supported sign digests. DigestMD5SHA1 is the 36-byte MD5+SHA1
// concatenation used by TLS versions prior to 1.2.
const (
	DigestMD5SHA1 SignDigest = 1
	DigestSHA1    SignDigest = 2
	DigestSHA224  SignDigest = 3
	DigestSHA256  SignDigest = 4
	DigestSHA384  SignDigest = 5
	DigestSHA512  SignDigest = 6
)

var digestNames = map[SignDigest]string{
	DigestMD5SHA1: "md5sha1",
	DigestSHA1:    "sha1",
	DigestSHA224:  "sha224",
	DigestSHA256:  "sha256",
	DigestSHA384:  "sha384",
	DigestSHA512:  "sha512",
}

func (d SignDigest) String() string {
	if s, ok := digestNames[d]; ok {
		return s
	}
	return "unknown"
}

// ParseSignDigest converts a digest name to a SignDigest. Names are
// case-insensitive.
func ParseSignDigest(s string) (SignDigest, error) {
	for d, name := range digestNames {
		if name == strings.ToLower(s) {
			return d, nil
		}
	}
	return 0, &ActionError{Reason: fmt.Sprintf("unsupported digest type %q", s)}
}

// Size returns the digest output size in bytes, which is also the exact
// required payload size for a sign action using this digest.
func (d SignDigest) Size() int {
	switch d {
	case DigestMD5SHA1:
		return 36
	case DigestSHA1:
		return 20
	case DigestSHA224:
		return 28
	case DigestSHA256:
		return 32
	case DigestSHA384:
		return 48
	case DigestSHA512:
		return 64
	}
	return 0
}

// Hash returns the crypto.Hash corresponding to the digest, or 0 for
// DigestMD5SHA1, which has no registered hash and is signed without a
// DigestInfo prefix.
func (d SignDigest) Hash() crypto.Hash {
	switch d {
	case DigestSHA1:
		return crypto.SHA1
	case DigestSHA224:
		return crypto.SHA224
	case DigestSHA256:
		return crypto.SHA256
	case DigestSHA384:
		return crypto.SHA384
	case DigestSHA512:
		return crypto.SHA512
	}
	return crypto.Hash(0)
}

// Action is the requested cryptographic operation together with its padding
// and digest parameters. Only the fields meaningful for the opcode are set:
// RSA ops carry a padding mode, sign ops additionally carry a digest, and
// Ed25519 carries neither.
type Action struct {
	Op      Op
	Padding RSAPadding
	Digest  SignDigest
}

// NewRSAAction builds an RSA encrypt/decrypt action.
func NewRSAAction(op Op, padding RSAPadding) (Action, error) {
	switch op {
	case OpRSAPrivateDecrypt, OpRSAPrivateEncrypt, OpRSAPublicDecrypt, OpRSAPublicEncrypt:
		return Action{Op: op, Padding: padding}, nil
	}
	return Action{}, &ActionError{Reason: fmt.Sprintf("opcode %s is not an rsa encrypt/decrypt op", op)}
}

// NewRSASignAction builds an RSA signing action over a pre-hashed payload.
func NewRSASignAction(digest SignDigest, padding RSAPadding) Action {
	return Action{Op: OpRSASign, Padding: padding, Digest: digest}
}

// NewECDSASignAction builds an ECDSA signing action over a pre-hashed payload.
func NewECDSASignAction(digest SignDigest) Action {
	return Action{Op: OpECDSASign, Digest: digest}
}

// NewEd25519SignAction builds an Ed25519 signing action. Ed25519 signs the
// raw payload with no digest or padding.
func NewEd25519SignAction() Action {
	return Action{Op: OpEd25519Sign}
}

// PingAction builds a connection health-check action.
func PingAction() Action {
	return Action{Op: OpPing}
}

func (a Action) String() string {
	switch a.Op {
	case OpRSASign:
		return fmt.Sprintf("%s(%s,%s)", a.Op, a.Digest, a.Padding)
	case OpECDSASign:
		return fmt.Sprintf("%s(%s)", a.Op, a.Digest)
	case OpRSAPrivateDecrypt, OpRSAPrivateEncrypt, OpRSAPublicDecrypt, OpRSAPublicEncrypt:
		return fmt.Sprintf("%s(%s)", a.Op, a.Padding)
	}
	return a.Op.String()
}

// Check validates the action/payload combination before any encoding or I/O
// happens. Digest-bearing sign actions require the payload length to equal
// the digest output size exactly; violations are construction errors, never
// sent on the wire.
func (a Action) Check(payload []byte) error {
	if !a.Op.IsRequest() {
		return &ActionError{Reason: fmt.Sprintf("opcode %s (0x%02x) is not a request opcode", a.Op, uint8(a.Op))}
	}
	switch a.Op {
	case OpRSASign, OpECDSASign:
		if a.Digest.Size() == 0 {
			return &ActionError{Reason: "sign action requires a digest type"}
		}
		if len(payload) != a.Digest.Size() {
			return &ActionError{Reason: fmt.Sprintf(
				"payload size %d not match digest size %d", len(payload), a.Digest.Size())}
		}
	}
	return nil
}

// Request is an immutable keyless request: an action, its payload, and the
// fingerprint of the public key that selects the backend private key. The
// correlation id is not part of the request; it is assigned by the channel
// at dispatch time.
type Request struct {
	Action    Action
	Payload   []byte
	KeyDigest []byte
}

// Response is a decoded response frame. Exactly one of Payload / ErrCode is
// meaningful, distinguished by OK.
type Response struct {
	ID      uint32
	OK      bool
	Payload []byte
	ErrCode ErrorCode
}

// Result returns the response payload, or a *ServerError if the backend
// reported a failure.
func (r *Response) Result() ([]byte, error) {
	if !r.OK {
		return nil, &ServerError{Code: r.ErrCode}
	}
	return r.Payload, nil
}
