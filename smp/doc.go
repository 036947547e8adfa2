// Package smp implements the MCUmgr Simple Management Protocol framing.
//
// # Frame Structure
//
//	[Res|Ver|Op(1)][Flags(1)][Len(2)][Group(2)][Seq(1)][ID(1)][CBOR payload]
//
// The header is big-endian. The payload is a single CBOR map of Len bytes.
// Responses echo the request's sequence number, group and id.
//
// # Usage
//
// Building and encoding a request:
//
//	msg, err := smp.NewRequest(smp.OpRead, smp.GroupImage, smp.ImageState, nil)
//	frame, err := smp.Encode(msg)
//
// Decoding a response delivered in transport fragments:
//
//	var r smp.Reassembler
//	msgs, err := r.Feed(fragment)
//	for _, m := range msgs {
//	    var rsp smp.ImageStateRsp
//	    if err := m.Unmarshal(&rsp); err != nil { ... }
//	}
//
// # Errors
//
// Decode returns *DecodeError. errors.Is(err, ErrIncomplete) means more
// bytes may complete the frame; errors.Is(err, ErrMalformed) means the
// bytes are unusable. Non-zero device return codes surface as *DeviceError
// through Status.DeviceErr.
package smp
