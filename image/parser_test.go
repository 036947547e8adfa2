package image_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CuriousInventions/smartpaci-dfu/image"
	"github.com/CuriousInventions/smartpaci-dfu/image/imagetest"
)

func beUnix(secs uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, secs)
	return b
}

func TestParseBytes(t *testing.T) {
	body := imagetest.Body(100)
	data := imagetest.Build(imagetest.Spec{
		Version: image.Version{Major: 1, Minor: 2, Revision: 3, Build: 0x20000001},
		Body:    body,
		Trailer: []imagetest.TLV{{Type: image.TagCommit, Value: []byte("abc1234")}},
	})

	img, err := image.ParseBytes(data)
	require.NoError(t, err)

	assert.Equal(t, uint32(image.Magic), img.Header.Magic)
	assert.Equal(t, "1.2.3-beta1", img.Version.String())
	assert.Equal(t, image.HeaderSize+len(body), img.ImageSize)
	assert.Equal(t, len(data), img.FileSize)
	assert.Equal(t, image.TagSHA256, img.DigestType)
	assert.Len(t, img.Digest, 32)
	assert.True(t, img.DigestValid)
	assert.NoError(t, img.Validate())

	commit, ok := img.Tags.Commit()
	assert.True(t, ok)
	assert.Equal(t, "abc1234", commit)

	_, ok = img.Tags.BuildTime()
	assert.False(t, ok, "absent build time must report unknown")
}

func TestParseBytesProtectedArea(t *testing.T) {
	body := imagetest.Body(64)
	data := imagetest.Build(imagetest.Spec{
		Body:      body,
		Protected: []imagetest.TLV{{Type: image.TagBuildTime, Value: beUnix(1700000000)}},
	})

	img, err := image.ParseBytes(data)
	require.NoError(t, err)

	// protected area: info header + entry header + 4 byte value
	assert.Equal(t, image.HeaderSize+len(body)+4+4+4, img.ImageSize)
	assert.True(t, img.DigestValid)

	bt, ok := img.Tags.BuildTime()
	require.True(t, ok)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), bt)
}

func TestParseBytesSHA384(t *testing.T) {
	data := imagetest.Build(imagetest.Spec{Body: imagetest.Body(40), SHA384: true})

	img, err := image.ParseBytes(data)
	require.NoError(t, err)
	assert.Equal(t, image.TagSHA384, img.DigestType)
	assert.Len(t, img.Digest, 48)
	assert.True(t, img.DigestValid)
}

func TestDigestDetectsSingleByteFlip(t *testing.T) {
	data := imagetest.Build(imagetest.Spec{
		Body:      imagetest.Body(128),
		Protected: []imagetest.TLV{{Type: 0x00b0, Value: []byte{1, 2, 3}}},
	})
	img, err := image.ParseBytes(data)
	require.NoError(t, err)
	require.True(t, img.DigestValid)

	// Flip bytes in the version fields, the body and the protected area.
	offsets := []int{20, 23, image.HeaderSize, image.HeaderSize + 64, img.ImageSize - 1}
	for _, off := range offsets {
		corrupt := bytes.Clone(data)
		corrupt[off] ^= 0xFF

		got, err := image.ParseBytes(corrupt)
		require.NoError(t, err, "offset %d", off)
		assert.False(t, got.DigestValid, "offset %d", off)
		assert.ErrorIs(t, got.Validate(), image.ErrDigestMismatch)
	}
}

func TestDigestIgnoresUnprotectedTrailer(t *testing.T) {
	data := imagetest.Build(imagetest.Spec{
		Body:    imagetest.Body(32),
		Trailer: []imagetest.TLV{{Type: 0x00c0, Value: []byte{0xAA, 0xBB}}},
	})
	data[len(data)-1] ^= 0xFF

	img, err := image.ParseBytes(data)
	require.NoError(t, err)
	assert.True(t, img.DigestValid)
	assert.Equal(t, []byte{0xAA, 0x44}, img.Tags.Unknown[0x00c0])
}

func TestParseBytesMalformed(t *testing.T) {
	valid := imagetest.Build(imagetest.Spec{Body: imagetest.Body(16)})

	tests := []struct {
		name   string
		input  func() []byte
		errMsg string
	}{
		{
			name:   "empty",
			input:  func() []byte { return nil },
			errMsg: "buffer too short",
		},
		{
			name: "bad magic",
			input: func() []byte {
				b := bytes.Clone(valid)
				b[0] = 0
				return b
			},
			errMsg: "magic",
		},
		{
			name: "header size too small",
			input: func() []byte {
				b := bytes.Clone(valid)
				binary.LittleEndian.PutUint16(b[8:], 16)
				return b
			},
			errMsg: "header size",
		},
		{
			name: "body beyond buffer",
			input: func() []byte {
				b := bytes.Clone(valid)
				binary.LittleEndian.PutUint32(b[12:], 4096)
				return b
			},
			errMsg: "image size",
		},
		{
			name:   "truncated trailer",
			input:  func() []byte { return valid[:len(valid)-10] },
			errMsg: "tlv info",
		},
		{
			name: "missing digest",
			input: func() []byte {
				return imagetest.Build(imagetest.Spec{Body: imagetest.Body(16), NoDigest: true})
			},
			errMsg: "no digest",
		},
		{
			name: "entry overruns area",
			input: func() []byte {
				b := bytes.Clone(valid)
				// digest entry length sits after info header and entry type
				off := image.HeaderSize + 16 + image.TLVInfoSize + 2
				binary.LittleEndian.PutUint16(b[off:], 200)
				return b
			},
			errMsg: "overruns",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := image.ParseBytes(tt.input())
			require.Error(t, err)
			assert.ErrorIs(t, err, image.ErrMalformedImage)

			var merr *image.MalformedImageError
			require.True(t, errors.As(err, &merr))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestBuildTimeTag(t *testing.T) {
	tests := []struct {
		name   string
		value  []byte
		want   time.Time
		wantOK bool
	}{
		{"four bytes", beUnix(86400), time.Unix(86400, 0).UTC(), true},
		{"eight bytes", []byte{0, 0, 0, 0, 0x65, 0x53, 0xf1, 0x00}, time.Unix(0x6553f100, 0).UTC(), true},
		{"single byte", []byte{0x3c}, time.Unix(60, 0).UTC(), true},
		{"too long", make([]byte, 9), time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := imagetest.Build(imagetest.Spec{
				Body:    imagetest.Body(8),
				Trailer: []imagetest.TLV{{Type: image.TagBuildTime, Value: tt.value}},
			})
			img, err := image.ParseBytes(data)
			require.NoError(t, err)

			got, ok := img.Tags.BuildTime()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
			if !tt.wantOK {
				assert.Contains(t, img.Tags.Unknown, image.TagBuildTime)
			}
		})
	}
}

func TestImageTooLarge(t *testing.T) {
	data := imagetest.Build(imagetest.Spec{Body: imagetest.Body(256)})

	_, err := image.ParseBytes(data, image.WithMaxSize(128))
	assert.ErrorIs(t, err, image.ErrImageTooLarge)

	_, err = image.ParseReader(bytes.NewReader(data), image.WithMaxSize(128))
	assert.ErrorIs(t, err, image.ErrImageTooLarge)

	// Oversized files are rejected from their size alone.
	path := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))
	_, err = image.Parse(path, image.WithMaxSize(1024))
	assert.ErrorIs(t, err, image.ErrImageTooLarge)
}

func TestReadFile(t *testing.T) {
	data := imagetest.Build(imagetest.Spec{Body: imagetest.Body(100)})
	path := filepath.Join(t.TempDir(), "app.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err := image.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// a sparse file of this size is never read
	big := filepath.Join(t.TempDir(), "big.bin")
	f, err := os.Create(big)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<30))
	require.NoError(t, f.Close())

	_, err = image.ReadFile(big, image.WithMaxSize(1<<20))
	assert.ErrorIs(t, err, image.ErrImageTooLarge)

	_, err = image.ReadFile(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}

func TestParseFile(t *testing.T) {
	data := imagetest.Build(imagetest.Spec{
		Version: image.Version{Major: 2},
		Body:    imagetest.Body(50),
	})
	path := filepath.Join(t.TempDir(), "app.signed.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	img, err := image.Parse(path)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", img.Version.String())

	info := img.Info()
	assert.Equal(t, "2.0.0", info.Version)
	assert.Equal(t, img.DigestHex(), info.Digest)
	assert.True(t, info.DigestValid)
	assert.Equal(t, len(data), info.FileSize)
	assert.False(t, info.HasBuildTime)
	assert.Empty(t, info.Commit)

	_, err = image.Parse(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}

func BenchmarkParseBytes(b *testing.B) {
	data := imagetest.Build(imagetest.Spec{Body: imagetest.Body(256 * 1024)})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = image.ParseBytes(data)
	}
}
