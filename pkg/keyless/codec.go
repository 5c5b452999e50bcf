package keyless

import (
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// addItem appends one tagged, length-prefixed body item.
func addItem(b *cryptobyte.Builder, tag uint8, data []byte) {
	b.AddUint8(tag)
	b.AddUint16(uint16(len(data)))
	b.AddBytes(data)
}

func buildFrame(id uint32, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, &ActionError{Reason: fmt.Sprintf("frame body size %d exceeds %d", len(body), MaxBodySize)}
	}
	b := cryptobyte.NewBuilder(make([]byte, 0, HeaderSize+len(body)))
	b.AddUint8(VersionMajor)
	b.AddUint8(VersionMinor)
	b.AddUint16(uint16(len(body)))
	b.AddUint32(id)
	b.AddBytes(body)
	return b.Bytes()
}

// EncodeRequest serializes a request under the given correlation id.
// Unsupported action/payload combinations are reported as *ActionError
// before anything touches the wire.
func EncodeRequest(id uint32, req *Request) ([]byte, error) {
	if err := req.Action.Check(req.Payload); err != nil {
		return nil, err
	}
	b := cryptobyte.NewBuilder(make([]byte, 0, 64+len(req.Payload)))
	addItem(b, TagOpcode, []byte{byte(req.Action.Op)})
	switch req.Action.Op {
	case OpRSAPrivateDecrypt, OpRSAPrivateEncrypt, OpRSAPublicDecrypt, OpRSAPublicEncrypt, OpRSASign:
		addItem(b, TagRSAPadding, []byte{byte(req.Action.Padding)})
	}
	switch req.Action.Op {
	case OpRSASign, OpECDSASign:
		addItem(b, TagSignDigest, []byte{byte(req.Action.Digest)})
	}
	if len(req.KeyDigest) > 0 {
		addItem(b, TagKeyDigest, req.KeyDigest)
	}
	addItem(b, TagPayload, req.Payload)
	body, err := b.Bytes()
	if err != nil {
		return nil, &ActionError{Reason: fmt.Sprintf("request encoding failed: %v", err)}
	}
	return buildFrame(id, body)
}

// EncodeResponse serializes a successful response carrying a result payload.
func EncodeResponse(id uint32, payload []byte) ([]byte, error) {
	b := cryptobyte.NewBuilder(make([]byte, 0, 16+len(payload)))
	addItem(b, TagOpcode, []byte{byte(OpResponse)})
	addItem(b, TagPayload, payload)
	body, err := b.Bytes()
	if err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("response encoding failed: %v", err)}
	}
	return buildFrame(id, body)
}

// EncodeErrorResponse serializes a response reporting a backend error code.
func EncodeErrorResponse(id uint32, code ErrorCode) []byte {
	b := cryptobyte.NewBuilder(make([]byte, 0, 16))
	addItem(b, TagOpcode, []byte{byte(OpError)})
	addItem(b, TagPayload, []byte{byte(code)})
	body, _ := b.Bytes()
	frame, _ := buildFrame(id, body)
	return frame
}

// readFrame reads exactly one frame off the stream: the fixed header, then
// the body the header promises. The frame is self-delimiting, so a reader
// can call this in a loop on a pipelined stream.
func readFrame(r io.Reader) (uint32, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	s := cryptobyte.String(hdr[:])
	var major, minor uint8
	var bodyLen uint16
	var id uint32
	if !s.ReadUint8(&major) || !s.ReadUint8(&minor) || !s.ReadUint16(&bodyLen) || !s.ReadUint32(&id) {
		return 0, nil, &ProtocolError{Reason: "short frame header"}
	}
	if major != VersionMajor {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("unsupported protocol version %d.%d", major, minor)}
	}
	body := make([]byte, int(bodyLen))
	if _, err := io.ReadFull(r, body); err != nil {
		return id, nil, &ProtocolError{Reason: fmt.Sprintf("truncated frame body: %v", err)}
	}
	return id, body, nil
}

// items is one parsed frame body. Tags not listed in this package are
// skipped so that a newer backend can add items without breaking us.
type items struct {
	opcode    Op
	hasOpcode bool
	payload   []byte
	padding   RSAPadding
	digest    SignDigest
	keyDigest []byte
}

func parseItems(body []byte) (*items, error) {
	var it items
	s := cryptobyte.String(body)
	for !s.Empty() {
		var tag uint8
		var data cryptobyte.String
		if !s.ReadUint8(&tag) || !s.ReadUint16LengthPrefixed(&data) {
			return nil, &ProtocolError{Reason: "malformed body item"}
		}
		switch tag {
		case TagOpcode:
			if len(data) != 1 {
				return nil, &ProtocolError{Reason: "opcode item must be one byte"}
			}
			it.opcode = Op(data[0])
			it.hasOpcode = true
		case TagPayload:
			it.payload = append([]byte(nil), data...)
		case TagRSAPadding:
			if len(data) != 1 {
				return nil, &ProtocolError{Reason: "padding item must be one byte"}
			}
			it.padding = RSAPadding(data[0])
		case TagSignDigest:
			if len(data) != 1 {
				return nil, &ProtocolError{Reason: "digest item must be one byte"}
			}
			it.digest = SignDigest(data[0])
		case TagKeyDigest:
			it.keyDigest = append([]byte(nil), data...)
		}
	}
	if !it.hasOpcode {
		return nil, &ProtocolError{Reason: "frame body has no opcode item"}
	}
	return &it, nil
}

// ReadResponse reads and decodes the next response frame from the stream.
// An io error is returned as-is so the caller can distinguish a dead
// connection from a live one speaking garbage (*ProtocolError).
func ReadResponse(r io.Reader) (*Response, error) {
	id, body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(id, body)
}

// DecodeResponse decodes a response frame body.
func DecodeResponse(id uint32, body []byte) (*Response, error) {
	it, err := parseItems(body)
	if err != nil {
		return nil, err
	}
	switch it.opcode {
	case OpResponse:
		return &Response{ID: id, OK: true, Payload: it.payload}, nil
	case OpError:
		if len(it.payload) != 1 {
			return nil, &ProtocolError{Reason: "error response payload must be one byte"}
		}
		return &Response{ID: id, ErrCode: ErrorCode(it.payload[0])}, nil
	}
	return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected response opcode 0x%02x", uint8(it.opcode))}
}

// ReadRequest reads and decodes the next request frame from the stream. It
// is the inverse of EncodeRequest and exists for backends -- in this repo,
// the in-process test backend the channel tests run against.
func ReadRequest(r io.Reader) (uint32, *Request, error) {
	id, body, err := readFrame(r)
	if err != nil {
		return 0, nil, err
	}
	it, err := parseItems(body)
	if err != nil {
		return id, nil, err
	}
	if !it.opcode.IsRequest() {
		return id, nil, &ProtocolError{Reason: fmt.Sprintf("unexpected request opcode 0x%02x", uint8(it.opcode))}
	}
	req := &Request{
		Action:    Action{Op: it.opcode, Padding: it.padding, Digest: it.digest},
		Payload:   it.payload,
		KeyDigest: it.keyDigest,
	}
	return id, req, nil
}
