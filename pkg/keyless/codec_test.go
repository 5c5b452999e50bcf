package keyless

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		Action:    NewRSASignAction(DigestSHA256, PaddingPSS),
		Payload:   bytes.Repeat([]byte{0xAB}, 32),
		KeyDigest: bytes.Repeat([]byte{0x11}, 32),
	}
	frame, err := EncodeRequest(0xDEADBEEF, req)
	require.NoError(t, err)

	// Header: version, body length, correlation id.
	assert.Equal(t, byte(VersionMajor), frame[0])
	assert.Equal(t, byte(VersionMinor), frame[1])
	assert.Equal(t, len(frame)-HeaderSize, int(frame[2])<<8|int(frame[3]))
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, frame[4:8])

	id, got, err := ReadRequest(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), id)
	assert.Equal(t, req.Action, got.Action)
	assert.Equal(t, req.Payload, got.Payload)
	assert.Equal(t, req.KeyDigest, got.KeyDigest)
}

func TestEncodeRequestValidatesAction(t *testing.T) {
	req := &Request{
		Action:  NewRSASignAction(DigestSHA256, PaddingPKCS1),
		Payload: make([]byte, 20),
	}
	_, err := EncodeRequest(1, req)
	var ae *ActionError
	require.ErrorAs(t, err, &ae)
}

func TestResponseRoundTrip(t *testing.T) {
	frame, err := EncodeResponse(42, []byte("result"))
	require.NoError(t, err)
	resp, err := ReadResponse(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, uint32(42), resp.ID)
	assert.True(t, resp.OK)
	assert.Equal(t, []byte("result"), resp.Payload)
}

func TestErrorResponseRoundTrip(t *testing.T) {
	frame := EncodeErrorResponse(9, ErrCodeCryptoFailed)
	resp, err := ReadResponse(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, uint32(9), resp.ID)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrCodeCryptoFailed, resp.ErrCode)

	_, err = resp.Result()
	var se *ServerError
	require.ErrorAs(t, err, &se)
}

func TestPipelinedFramesAreSelfDelimiting(t *testing.T) {
	var stream bytes.Buffer
	for i := uint32(1); i <= 3; i++ {
		frame, err := EncodeResponse(i, []byte{byte(i)})
		require.NoError(t, err)
		stream.Write(frame)
	}
	for i := uint32(1); i <= 3; i++ {
		resp, err := ReadResponse(&stream)
		require.NoError(t, err)
		assert.Equal(t, i, resp.ID)
		assert.Equal(t, []byte{byte(i)}, resp.Payload)
	}
}

func TestReadResponseTruncatedBody(t *testing.T) {
	frame, err := EncodeResponse(1, []byte("hello"))
	require.NoError(t, err)
	_, err = ReadResponse(bytes.NewReader(frame[:len(frame)-2]))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestReadResponseVersionMismatch(t *testing.T) {
	frame, err := EncodeResponse(1, nil)
	require.NoError(t, err)
	frame[0] = VersionMajor + 1
	_, err = ReadResponse(bytes.NewReader(frame))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestDecodeSkipsUnknownTags(t *testing.T) {
	// A body with a foreign item ahead of the known ones must still parse.
	body := []byte{
		0x7E, 0x00, 0x03, 1, 2, 3, // unknown tag
		TagOpcode, 0x00, 0x01, byte(OpResponse),
		TagPayload, 0x00, 0x02, 0xCA, 0xFE,
	}
	resp, err := DecodeResponse(5, body)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, []byte{0xCA, 0xFE}, resp.Payload)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	var pe *ProtocolError

	// Item length runs past the body.
	_, err := DecodeResponse(1, []byte{TagOpcode, 0xFF, 0xFF, 0x01})
	require.ErrorAs(t, err, &pe)

	// No opcode item at all.
	_, err = DecodeResponse(1, []byte{TagPayload, 0x00, 0x01, 0x00})
	require.ErrorAs(t, err, &pe)

	// Opcode item of the wrong size.
	_, err = DecodeResponse(1, []byte{TagOpcode, 0x00, 0x02, 0x01, 0x02})
	require.ErrorAs(t, err, &pe)

	// Request opcode in a response position.
	_, err = DecodeResponse(1, []byte{TagOpcode, 0x00, 0x01, byte(OpRSASign)})
	require.ErrorAs(t, err, &pe)
}

func TestReadRequestRejectsResponseOpcode(t *testing.T) {
	frame, err := EncodeResponse(3, nil)
	require.NoError(t, err)
	_, _, err = ReadRequest(bytes.NewReader(frame))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestEncodeRequestOversizePayload(t *testing.T) {
	req := &Request{
		Action:  NewEd25519SignAction(),
		Payload: make([]byte, MaxBodySize+1),
	}
	_, err := EncodeRequest(1, req)
	var ae *ActionError
	require.ErrorAs(t, err, &ae)
}
