package smp

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Header is the 8-byte SMP frame header. The payload length is derived
// from Message.Payload when encoding.
type Header struct {
	Op       Op
	Version  uint8
	Flags    uint8
	Group    Group
	Sequence uint8
	ID       uint8
}

// Message is one SMP frame: a header and a CBOR map payload.
type Message struct {
	Header  Header
	Payload cbor.RawMessage
}

// emptyMap is the CBOR encoding of {}.
var emptyMap = cbor.RawMessage{0xa0}

// NewRequest builds a request message with body encoded as the payload.
// A nil body encodes as an empty map.
func NewRequest(op Op, group Group, id uint8, body interface{}) (*Message, error) {
	if !op.valid() || op.IsResponse() {
		return nil, fmt.Errorf("invalid request op %s", op)
	}
	m := &Message{Header: Header{Op: op, Group: group, ID: id}}
	if err := m.SetBody(body); err != nil {
		return nil, err
	}
	return m, nil
}

// NewResponse builds a response to req with body encoded as the payload.
func NewResponse(req *Message, body interface{}) (*Message, error) {
	h := req.Header
	h.Op = h.Op.Response()
	m := &Message{Header: h}
	if err := m.SetBody(body); err != nil {
		return nil, err
	}
	return m, nil
}

// SetBody encodes body as the payload.
func (m *Message) SetBody(body interface{}) error {
	if body == nil {
		m.Payload = append(cbor.RawMessage(nil), emptyMap...)
		return nil
	}
	payload, err := cbor.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%d payload: %w", m.Header.Group, m.Header.ID, err)
	}
	m.Payload = payload
	return nil
}

// Unmarshal decodes the payload into v.
func (m *Message) Unmarshal(v interface{}) error {
	payload := m.Payload
	if len(payload) == 0 {
		payload = emptyMap
	}
	if err := cbor.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode %s/%d payload: %w", m.Header.Group, m.Header.ID, err)
	}
	return nil
}

// Len returns the encoded frame length.
func (m *Message) Len() int {
	return HeaderSize + len(m.Payload)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s/%d seq=%d len=%d", m.Header.Op, m.Header.Group, m.Header.ID, m.Header.Sequence, len(m.Payload))
}
