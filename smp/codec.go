package smp

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborMajorMap is the CBOR major type of a map.
const cborMajorMap = 5

// Encode builds a complete frame from m.
//
// Frame format:
//
//	[Res(3)|Ver(2)|Op(3)][Flags(1)][Len(2)][Group(2)][Seq(1)][ID(1)][Payload]
//
// All header fields are big-endian. The payload must be empty or one
// well-formed CBOR map, so every encoded frame decodes again.
func Encode(m *Message) ([]byte, error) {
	if !m.Header.Op.valid() {
		return nil, fmt.Errorf("invalid op %d", uint8(m.Header.Op))
	}
	if m.Header.Version > Version2 {
		return nil, fmt.Errorf("invalid protocol version %d", m.Header.Version)
	}
	if len(m.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(m.Payload), MaxPayloadSize)
	}
	if err := checkPayload(m.Payload); err != nil {
		return nil, err
	}

	frame := make([]byte, HeaderSize+len(m.Payload))
	frame[0] = (m.Header.Version&0x03)<<3 | uint8(m.Header.Op)&0x07
	frame[1] = m.Header.Flags
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(m.Payload)))
	binary.BigEndian.PutUint16(frame[4:6], uint16(m.Header.Group))
	frame[6] = m.Header.Sequence
	frame[7] = m.Header.ID
	copy(frame[HeaderSize:], m.Payload)

	return frame, nil
}

// DecodeHeader decodes the frame header and returns the declared payload
// length.
func DecodeHeader(frame []byte) (Header, int, error) {
	if len(frame) < HeaderSize {
		return Header{}, 0, incomplete("got %d bytes, header needs %d", len(frame), HeaderSize)
	}

	h := Header{
		Op:       Op(frame[0] & 0x07),
		Version:  (frame[0] >> 3) & 0x03,
		Flags:    frame[1],
		Group:    Group(binary.BigEndian.Uint16(frame[4:6])),
		Sequence: frame[6],
		ID:       frame[7],
	}
	if !h.Op.valid() {
		return Header{}, 0, malformed("invalid op %d", uint8(h.Op))
	}
	if h.Version > Version2 {
		return Header{}, 0, malformed("invalid protocol version %d", h.Version)
	}

	return h, int(binary.BigEndian.Uint16(frame[2:4])), nil
}

// Decode parses exactly one frame. A buffer shorter than the header or
// the declared payload yields ErrIncomplete; anything that can never be a
// valid frame yields ErrMalformed.
func Decode(frame []byte) (*Message, error) {
	h, n, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}

	total := HeaderSize + n
	if len(frame) < total {
		return nil, incomplete("got %d bytes, frame declares %d", len(frame), total)
	}
	if len(frame) > total {
		return nil, malformed("%d trailing bytes after frame", len(frame)-total)
	}

	payload := frame[HeaderSize:total]
	if err := checkPayload(payload); err != nil {
		return nil, err
	}

	return &Message{
		Header:  h,
		Payload: append(cbor.RawMessage(nil), payload...),
	}, nil
}

// checkPayload verifies the payload is empty or one well-formed CBOR map.
func checkPayload(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if major := payload[0] >> 5; major != cborMajorMap {
		return malformed("payload is CBOR major type %d, expected a map", major)
	}
	if err := cbor.Wellformed(payload); err != nil {
		return malformed("payload is not well-formed CBOR: %v", err)
	}
	return nil
}
