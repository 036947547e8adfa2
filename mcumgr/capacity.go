package mcumgr

import (
	"crypto/sha256"
	"fmt"

	"github.com/CuriousInventions/smartpaci-dfu/smp"
)

// bstrHeaderMax is the largest CBOR byte string header needed for a
// chunk that fits in one SMP payload.
const bstrHeaderMax = 3

// ChunkCapacity returns the number of image bytes that fit in one upload
// request on a link with the given MTU. The overhead is measured on a
// worst-case first chunk: every optional field present and the offset at
// its largest value.
func ChunkCapacity(mtu, totalLen int) (int, error) {
	probe := smp.ImageUploadReq{
		Len:  uint32(totalLen),
		Off:  uint32(totalLen),
		SHA:  make([]byte, sha256.Size),
		Data: []byte{},
	}
	msg, err := smp.NewRequest(smp.OpWrite, smp.GroupImage, smp.ImageUpload, probe)
	if err != nil {
		return 0, err
	}

	// The empty data field already encodes a one byte header.
	overhead := msg.Len() + bstrHeaderMax - 1
	capacity := mtu - overhead
	if limit := smp.MaxPayloadSize - (overhead - smp.HeaderSize); capacity > limit {
		capacity = limit
	}
	if capacity <= 0 {
		return 0, fmt.Errorf("%w: mtu %d, envelope needs %d bytes", ErrMTUTooSmall, mtu, overhead)
	}
	return capacity, nil
}
