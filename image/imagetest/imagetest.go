// Package imagetest builds MCUboot images for tests and simulations.
package imagetest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"

	"github.com/CuriousInventions/smartpaci-dfu/image"
)

// TLV is a raw trailer entry.
type TLV struct {
	Type  uint16
	Value []byte
}

// Spec describes an image to build. Zero values produce a minimal valid
// image with a SHA-256 digest.
type Spec struct {
	Version   image.Version
	LoadAddr  uint32
	Body      []byte
	Protected []TLV
	Trailer   []TLV
	SHA384    bool
	NoDigest  bool
}

// Build encodes spec as an image and returns the bytes.
func Build(spec Spec) []byte {
	le := binary.LittleEndian

	var prot []byte
	if len(spec.Protected) > 0 {
		prot = encodeArea(image.ProtectedTLVInfoMagic, spec.Protected)
	}

	hdr := make([]byte, image.HeaderSize)
	le.PutUint32(hdr[0:], image.Magic)
	le.PutUint32(hdr[4:], spec.LoadAddr)
	le.PutUint16(hdr[8:], image.HeaderSize)
	le.PutUint16(hdr[10:], uint16(len(prot)))
	le.PutUint32(hdr[12:], uint32(len(spec.Body)))
	hdr[20] = spec.Version.Major
	hdr[21] = spec.Version.Minor
	le.PutUint16(hdr[22:], spec.Version.Revision)
	le.PutUint32(hdr[24:], spec.Version.Build)

	signed := append(append(hdr, spec.Body...), prot...)

	var entries []TLV
	if !spec.NoDigest {
		if spec.SHA384 {
			sum := sha512.Sum384(signed)
			entries = append(entries, TLV{Type: image.TagSHA384, Value: sum[:]})
		} else {
			sum := sha256.Sum256(signed)
			entries = append(entries, TLV{Type: image.TagSHA256, Value: sum[:]})
		}
	}
	entries = append(entries, spec.Trailer...)

	return append(signed, encodeArea(image.TLVInfoMagic, entries)...)
}

// Body returns n bytes of deterministic filler.
func Body(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func encodeArea(magic uint16, entries []TLV) []byte {
	le := binary.LittleEndian

	total := image.TLVInfoSize
	for _, e := range entries {
		total += image.TLVEntryHeaderSize + len(e.Value)
	}

	out := make([]byte, image.TLVInfoSize, total)
	le.PutUint16(out[0:], magic)
	le.PutUint16(out[2:], uint16(total))
	for _, e := range entries {
		var h [image.TLVEntryHeaderSize]byte
		le.PutUint16(h[0:], e.Type)
		le.PutUint16(h[2:], uint16(len(e.Value)))
		out = append(out, h[:]...)
		out = append(out, e.Value...)
	}
	return out
}
