package image

import (
	"fmt"
	"strconv"
)

// Version is the semantic version stored in an image header.
//
// The top four bits of Build select the release channel. The low byte is
// the number of commits ahead of the last tag for dirty builds, or the
// pre-release counter for alpha, beta, rc and preview builds.
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	Build    uint32
}

// Channel is a release channel encoded in Version.Build.
type Channel uint8

// Release channels.
const (
	ChannelDirty   Channel = 0x0
	ChannelAlpha   Channel = 0x1
	ChannelBeta    Channel = 0x2
	ChannelRC      Channel = 0x3
	ChannelPreview Channel = 0x4
	ChannelFinal   Channel = 0xF
)

func (c Channel) String() string {
	switch c {
	case ChannelDirty:
		return "dirty"
	case ChannelAlpha:
		return "alpha"
	case ChannelBeta:
		return "beta"
	case ChannelRC:
		return "rc"
	case ChannelPreview:
		return "preview"
	case ChannelFinal:
		return "final"
	default:
		return fmt.Sprintf("channel%d", uint8(c))
	}
}

// Channel returns the release channel. A zero build number is a final
// release.
func (v Version) Channel() Channel {
	if v.Build == 0 {
		return ChannelFinal
	}
	return Channel(v.Build >> 28)
}

// Count returns the low byte of the build number.
func (v Version) Count() uint8 {
	return uint8(v.Build)
}

// Variant returns the pre-release suffix, e.g. "-beta2" or "-dirty+3".
// Final releases have no suffix.
func (v Version) Variant() string {
	ch := v.Channel()
	if ch == ChannelFinal {
		return ""
	}

	s := "-" + ch.String()
	n := v.Count()
	if n == 0 {
		return s
	}
	if ch == ChannelDirty {
		return s + "+" + strconv.Itoa(int(n))
	}
	return s + strconv.Itoa(int(n))
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Revision, v.Variant())
}
