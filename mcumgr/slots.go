package mcumgr

import (
	"bytes"
	"encoding/hex"

	"github.com/CuriousInventions/smartpaci-dfu/smp"
)

// SlotState describes one image slot as reported by the device.
//
// At most one slot is Active. Active && !Confirmed means the image is
// running on probation and will be reverted on the next reset unless it
// is confirmed.
type SlotState struct {
	Image     int
	Slot      int
	Version   string
	Hash      []byte
	Bootable  bool
	Pending   bool
	Confirmed bool
	Active    bool
	Permanent bool
}

// HashHex returns the slot hash as a lowercase hex string.
func (s SlotState) HashHex() string {
	return hex.EncodeToString(s.Hash)
}

// Flags returns the set state flags as short words, e.g. "active confirmed".
func (s SlotState) Flags() []string {
	var flags []string
	if s.Bootable {
		flags = append(flags, "bootable")
	}
	if s.Pending {
		flags = append(flags, "pending")
	}
	if s.Confirmed {
		flags = append(flags, "confirmed")
	}
	if s.Active {
		flags = append(flags, "active")
	}
	if s.Permanent {
		flags = append(flags, "permanent")
	}
	return flags
}

// ActiveSlot returns the active slot, if any.
func ActiveSlot(slots []SlotState) (SlotState, bool) {
	for _, s := range slots {
		if s.Active {
			return s, true
		}
	}
	return SlotState{}, false
}

// FindSlot returns the slot holding the image with the given hash.
func FindSlot(slots []SlotState, hash []byte) (SlotState, bool) {
	for _, s := range slots {
		if len(hash) > 0 && bytes.Equal(s.Hash, hash) {
			return s, true
		}
	}
	return SlotState{}, false
}

func slotsFromEntries(entries []smp.ImageStateEntry) []SlotState {
	slots := make([]SlotState, 0, len(entries))
	for _, e := range entries {
		slots = append(slots, SlotState{
			Image:     e.Image,
			Slot:      e.Slot,
			Version:   e.Version,
			Hash:      e.Hash,
			Bootable:  e.Bootable,
			Pending:   e.Pending,
			Confirmed: e.Confirmed,
			Active:    e.Active,
			Permanent: e.Permanent,
		})
	}
	return slots
}
