// Package image provides parsing for signed MCUboot firmware images.
//
// # Image Format
//
// An image is a fixed 32-byte header, the firmware body, and a trailer of
// type-length-value (TLV) entries. All multi-byte header and TLV fields are
// little-endian.
//
// Header Format (32 bytes):
//
//	[Magic(4)][LoadAddr(4)][HdrSize(2)][ProtTLVSize(2)][ImgSize(4)][Flags(4)]
//	[Major(1)][Minor(1)][Revision(2)][Build(4)][Pad(4)]
//
// Trailer Format:
//
//	[ProtInfo: 0x6908(2) Total(2)][TLV...]   (only when ProtTLVSize > 0)
//	[Info:     0x6907(2) Total(2)][TLV...]
//
// Each TLV is [Type(2)][Len(2)][Value(Len)]. The digest TLV (SHA-256 or
// SHA-384) covers the header, the body and the protected TLV area.
//
// # Usage
//
// Parse an image from disk:
//
//	img, err := image.Parse("zephyr.signed.bin")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("Version: %s\n", img.Version)
//	fmt.Printf("Digest:  %s (valid=%t)\n", img.DigestHex(), img.DigestValid)
//
// Parse an in-memory buffer:
//
//	img, err := image.ParseBytes(data, image.WithMaxSize(512*1024))
//
// # Error Handling
//
// Parsing distinguishes three conditions:
//   - ErrImageTooLarge: the input exceeds the size limit; checked before
//     any content is read
//   - *MalformedImageError: the header or trailer cannot be decoded
//   - a digest mismatch is not a parse error; DigestValid is false and
//     Image.Validate returns ErrDigestMismatch
//
// Unknown TLV types are not an error. They are kept in Tags.Unknown.
package image
