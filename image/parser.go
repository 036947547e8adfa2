package image

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Constants for MCUboot image parsing.
const (
	// Magic is the image header magic number
	Magic = 0x96f3b83d

	// HeaderSize is the size of the fixed image header in bytes
	HeaderSize = 32

	// TLVInfoMagic starts the unprotected TLV area
	TLVInfoMagic = 0x6907

	// ProtectedTLVInfoMagic starts the protected TLV area
	ProtectedTLVInfoMagic = 0x6908

	// TLVInfoSize is the size of a TLV area header (magic + total length)
	TLVInfoSize = 4

	// TLVEntryHeaderSize is the size of a TLV entry header (type + length)
	TLVEntryHeaderSize = 4

	// DefaultMaxSize is the default limit applied to parsed images
	DefaultMaxSize = 1 << 20
)

// TLV types understood by the parser.
const (
	TagKeyHash   uint16 = 0x0001
	TagSHA256    uint16 = 0x0010
	TagSHA384    uint16 = 0x0011
	TagCommit    uint16 = 0x00a0
	TagBuildTime uint16 = 0x00a1
)

// Option configures parsing.
type Option func(*parseConfig)

type parseConfig struct {
	maxSize int64
}

// WithMaxSize sets the largest accepted image size in bytes.
func WithMaxSize(n int64) Option {
	return func(c *parseConfig) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

func newParseConfig(opts []Option) parseConfig {
	cfg := parseConfig{maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Parse parses an image file from the given path. The file size is checked
// against the limit before any content is read.
//
// Example:
//
//	img, err := image.Parse("zephyr.signed.bin")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Version: %s\n", img.Version)
func Parse(path string, opts ...Option) (*Image, error) {
	data, err := ReadFile(path, opts...)
	if err != nil {
		return nil, err
	}
	return ParseBytes(data, opts...)
}

// ReadFile returns the raw contents of an image file. The file size is
// checked against the limit before any content is read, and no more than
// limit+1 bytes are read if the file grows in between.
func ReadFile(path string, opts ...Option) ([]byte, error) {
	cfg := newParseConfig(opts)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if st.Size() > cfg.maxSize {
		return nil, tooLarge(st.Size(), cfg.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(f, cfg.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if int64(len(data)) > cfg.maxSize {
		return nil, tooLarge(int64(len(data)), cfg.maxSize)
	}
	return data, nil
}

// ParseReader parses an image from any io.Reader. At most limit+1 bytes
// are read.
func ParseReader(r io.Reader, opts ...Option) (*Image, error) {
	cfg := newParseConfig(opts)

	data, err := io.ReadAll(io.LimitReader(r, cfg.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > cfg.maxSize {
		return nil, tooLarge(int64(len(data)), cfg.maxSize)
	}
	return parse(data)
}

// ParseBytes parses an in-memory image. The returned Image does not alias
// data.
func ParseBytes(data []byte, opts ...Option) (*Image, error) {
	cfg := newParseConfig(opts)
	if int64(len(data)) > cfg.maxSize {
		return nil, tooLarge(int64(len(data)), cfg.maxSize)
	}
	return parse(data)
}

func parse(data []byte) (*Image, error) {
	if len(data) < HeaderSize {
		return nil, malformed("header", 0, "buffer too short: got %d bytes, need %d", len(data), HeaderSize)
	}

	le := binary.LittleEndian
	h := Header{
		Magic:            le.Uint32(data[0:4]),
		LoadAddr:         le.Uint32(data[4:8]),
		HeaderSize:       le.Uint16(data[8:10]),
		ProtectedTLVSize: le.Uint16(data[10:12]),
		BodySize:         le.Uint32(data[12:16]),
		Flags:            le.Uint32(data[16:20]),
	}
	if h.Magic != Magic {
		return nil, malformed("magic", 0, "got 0x%08x, expected 0x%08x", h.Magic, uint32(Magic))
	}
	if h.HeaderSize < HeaderSize {
		return nil, malformed("header size", 8, "got %d, minimum is %d", h.HeaderSize, HeaderSize)
	}

	img := &Image{
		Header: h,
		Version: Version{
			Major:    data[20],
			Minor:    data[21],
			Revision: le.Uint16(data[22:24]),
			Build:    le.Uint32(data[24:28]),
		},
		FileSize: len(data),
	}

	bodyEnd := uint64(h.HeaderSize) + uint64(h.BodySize)
	if bodyEnd > uint64(len(data)) {
		return nil, malformed("image size", 12, "header declares %d bytes, buffer holds %d", bodyEnd, len(data))
	}
	off := int(bodyEnd)

	if h.ProtectedTLVSize > 0 {
		n, err := walkTLVArea(data, off, ProtectedTLVInfoMagic, img)
		if err != nil {
			return nil, err
		}
		if n != int(h.ProtectedTLVSize) {
			return nil, malformed("protected tlv", off, "area is %d bytes, header declares %d", n, h.ProtectedTLVSize)
		}
		off += n
	}
	img.ImageSize = off

	if _, err := walkTLVArea(data, off, TLVInfoMagic, img); err != nil {
		return nil, err
	}
	if img.Digest == nil {
		return nil, malformed("digest", off, "no digest tlv found")
	}

	img.DigestValid = bytes.Equal(computeDigest(img.DigestType, data[:img.ImageSize]), img.Digest)
	return img, nil
}

// walkTLVArea decodes one TLV area starting at off and returns its total
// length including the area header.
func walkTLVArea(data []byte, off int, magic uint16, img *Image) (int, error) {
	if off+TLVInfoSize > len(data) {
		return 0, malformed("tlv info", off, "area header truncated")
	}

	le := binary.LittleEndian
	if m := le.Uint16(data[off:]); m != magic {
		return 0, malformed("tlv info", off, "got magic 0x%04x, expected 0x%04x", m, magic)
	}
	total := int(le.Uint16(data[off+2:]))
	if total < TLVInfoSize || off+total > len(data) {
		return 0, malformed("tlv info", off, "area length %d exceeds buffer", total)
	}

	end := off + total
	p := off + TLVInfoSize
	for p < end {
		if p+TLVEntryHeaderSize > end {
			return 0, malformed("tlv entry", p, "entry header truncated")
		}
		typ := le.Uint16(data[p:])
		n := int(le.Uint16(data[p+2:]))
		p += TLVEntryHeaderSize
		if p+n > end {
			return 0, malformed("tlv entry", p, "type 0x%04x length %d overruns area", typ, n)
		}
		value := data[p : p+n]

		switch typ {
		case TagSHA256, TagSHA384:
			if want := digestSize(typ); n != want {
				return 0, malformed("digest", p, "got %d bytes, expected %d", n, want)
			}
			if img.Digest == nil {
				img.Digest = append([]byte(nil), value...)
				img.DigestType = typ
			}
		default:
			img.Tags.set(typ, value)
		}
		p += n
	}
	return total, nil
}

func digestSize(typ uint16) int {
	if typ == TagSHA384 {
		return sha512.Size384
	}
	return sha256.Size
}

func computeDigest(typ uint16, data []byte) []byte {
	if typ == TagSHA384 {
		sum := sha512.Sum384(data)
		return sum[:]
	}
	sum := sha256.Sum256(data)
	return sum[:]
}
