package smp

import "fmt"

// Frame structure constants.
const (
	// HeaderSize is the size of the SMP header in bytes:
	// OP(1) + FLAGS(1) + LEN(2) + GROUP(2) + SEQ(1) + ID(1)
	HeaderSize = 8

	// MaxPayloadSize is the largest payload the length field can describe
	MaxPayloadSize = 0xFFFF
)

// Protocol versions carried in the header.
const (
	// Version1 is the original SMP framing
	Version1 uint8 = 0

	// Version2 adds group-scoped error responses
	Version2 uint8 = 1
)

// Op is the SMP operation code.
type Op uint8

// Operation codes.
const (
	OpRead     Op = 0
	OpReadRsp  Op = 1
	OpWrite    Op = 2
	OpWriteRsp Op = 3
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpReadRsp:
		return "read-rsp"
	case OpWrite:
		return "write"
	case OpWriteRsp:
		return "write-rsp"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// IsResponse reports whether o is a response operation.
func (o Op) IsResponse() bool {
	return o == OpReadRsp || o == OpWriteRsp
}

// Response returns the response op matching a request op.
func (o Op) Response() Op {
	return o | 1
}

func (o Op) valid() bool {
	return o <= OpWriteRsp
}

// Group is an SMP management group id.
type Group uint16

// Management groups.
const (
	GroupOS     Group = 0
	GroupImage  Group = 1
	GroupStat   Group = 2
	GroupConfig Group = 3
	GroupLog    Group = 4
	GroupCrash  Group = 5
	GroupFS     Group = 8
	GroupShell  Group = 9
)

func (g Group) String() string {
	switch g {
	case GroupOS:
		return "os"
	case GroupImage:
		return "image"
	case GroupStat:
		return "stat"
	case GroupConfig:
		return "config"
	case GroupLog:
		return "log"
	case GroupCrash:
		return "crash"
	case GroupFS:
		return "fs"
	case GroupShell:
		return "shell"
	default:
		return fmt.Sprintf("group(%d)", uint16(g))
	}
}

// OS group command ids.
const (
	// OSEcho echoes the request string back
	OSEcho uint8 = 0

	// OSReset reboots the device
	OSReset uint8 = 5

	// OSParams reports the SMP buffer size and count
	OSParams uint8 = 6
)

// Image group command ids.
const (
	// ImageState reads (read op) or sets (write op) slot state
	ImageState uint8 = 0

	// ImageUpload writes one chunk of an image
	ImageUpload uint8 = 1

	// ImageErase erases the secondary slot
	ImageErase uint8 = 5
)

// Management return codes.
const (
	RCOk           = 0
	RCUnknown      = 1
	RCNoMemory     = 2
	RCInvalid      = 3
	RCTimeout      = 4
	RCNoEntry      = 5
	RCBadState     = 6
	RCMsgSize      = 7
	RCNotSupported = 8
	RCCorrupt      = 9
	RCBusy         = 10
	RCAccessDenied = 11
)

// rcName returns a human-readable name for a return code.
func rcName(rc int) string {
	switch rc {
	case RCOk:
		return "ok"
	case RCUnknown:
		return "unknown error"
	case RCNoMemory:
		return "out of memory"
	case RCInvalid:
		return "invalid argument"
	case RCTimeout:
		return "timeout"
	case RCNoEntry:
		return "no such entry"
	case RCBadState:
		return "bad state"
	case RCMsgSize:
		return "message too large"
	case RCNotSupported:
		return "not supported"
	case RCCorrupt:
		return "corrupt"
	case RCBusy:
		return "busy"
	case RCAccessDenied:
		return "access denied"
	default:
		return fmt.Sprintf("unknown return code %d", rc)
	}
}
