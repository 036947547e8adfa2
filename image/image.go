package image

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

// Image represents a parsed MCUboot firmware image.
type Image struct {
	// Header holds the raw fixed-size header fields
	Header Header

	// Version is the semantic version embedded in the header
	Version Version

	// ImageSize is the number of bytes covered by the digest:
	// header + body + protected TLV area
	ImageSize int

	// FileSize is the length of the parsed buffer, including the
	// unprotected trailer
	FileSize int

	// Digest is the hash found in the trailer (32 bytes for SHA-256,
	// 48 bytes for SHA-384)
	Digest []byte

	// DigestType is the TLV type the digest was read from
	DigestType uint16

	// DigestValid reports whether Digest matches the recomputed hash of
	// the first ImageSize bytes
	DigestValid bool

	// Tags holds the metadata found in the trailer
	Tags Tags
}

// Header is the fixed 32-byte MCUboot image header.
type Header struct {
	Magic            uint32
	LoadAddr         uint32
	HeaderSize       uint16
	ProtectedTLVSize uint16
	BodySize         uint32
	Flags            uint32
}

// Tags holds trailer metadata. Known tags have accessors; everything
// else is kept raw in Unknown, keyed by tag id.
type Tags struct {
	commit    []byte
	buildTime []byte

	Unknown map[uint16][]byte
}

// Commit returns the VCS commit string, if present.
func (t Tags) Commit() (string, bool) {
	if t.commit == nil {
		return "", false
	}
	return strings.TrimRight(string(t.commit), "\x00"), true
}

// BuildTime returns the build timestamp, if present. The zero time and
// false are returned when the tag is absent.
func (t Tags) BuildTime() (time.Time, bool) {
	if len(t.buildTime) == 0 || len(t.buildTime) > 8 {
		return time.Time{}, false
	}

	// big-endian seconds, left-padded to 8 bytes
	var buf [8]byte
	copy(buf[8-len(t.buildTime):], t.buildTime)
	secs := binary.BigEndian.Uint64(buf[:])
	return time.Unix(int64(secs), 0).UTC(), true
}

func (t *Tags) set(id uint16, value []byte) {
	v := append([]byte(nil), value...)

	switch {
	case id == TagCommit:
		t.commit = v
	case id == TagBuildTime && len(v) <= 8:
		t.buildTime = v
	default:
		if t.Unknown == nil {
			t.Unknown = make(map[uint16][]byte)
		}
		t.Unknown[id] = v
	}
}

// DigestHex returns the digest as a lowercase hex string.
func (img *Image) DigestHex() string {
	return hex.EncodeToString(img.Digest)
}

// Validate returns ErrDigestMismatch when the embedded digest does not
// match the image contents.
func (img *Image) Validate() error {
	if !img.DigestValid {
		return ErrDigestMismatch
	}
	return nil
}

// Info is the display manifest of an image.
type Info struct {
	Version     string
	Digest      string
	DigestValid bool
	ImageSize   int
	FileSize    int
	Commit      string
	BuildTime   time.Time
	// HasBuildTime is false when the image carries no build timestamp
	HasBuildTime bool
}

// Info returns the display manifest for the image.
func (img *Image) Info() Info {
	info := Info{
		Version:     img.Version.String(),
		Digest:      img.DigestHex(),
		DigestValid: img.DigestValid,
		ImageSize:   img.ImageSize,
		FileSize:    img.FileSize,
	}
	info.Commit, _ = img.Tags.Commit()
	info.BuildTime, info.HasBuildTime = img.Tags.BuildTime()
	return info
}
