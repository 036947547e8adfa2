package smp

// Reassembler accumulates transport fragments into complete frames.
// Fragments of one frame must arrive in order. A Reassembler is not safe
// for concurrent use.
type Reassembler struct {
	buf []byte
}

// Feed appends fragment and returns every frame it completes. A frame
// that turns out to be malformed discards the buffered bytes and is
// reported together with any frames decoded before it.
func (r *Reassembler) Feed(fragment []byte) ([]*Message, error) {
	r.buf = append(r.buf, fragment...)

	var msgs []*Message
	for len(r.buf) >= HeaderSize {
		_, n, err := DecodeHeader(r.buf)
		if err != nil {
			r.Reset()
			return msgs, err
		}

		total := HeaderSize + n
		if len(r.buf) < total {
			break
		}

		msg, err := Decode(r.buf[:total])
		if err != nil {
			r.Reset()
			return msgs, err
		}
		msgs = append(msgs, msg)
		r.buf = r.buf[total:]
	}

	if len(r.buf) == 0 {
		r.buf = nil
	}
	return msgs, nil
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Reset discards any partial frame.
func (r *Reassembler) Reset() {
	r.buf = nil
}
