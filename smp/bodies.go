package smp

// Status is the return status common to all response bodies.
type Status struct {
	// RC is the SMP v1 return code; zero or absent means success
	RC int `cbor:"rc,omitempty"`

	// GroupErr is the SMP v2 group-scoped error
	GroupErr *GroupError `cbor:"err,omitempty"`
}

// GroupError is the SMP v2 error object.
type GroupError struct {
	Group uint16 `cbor:"group"`
	RC    int    `cbor:"rc"`
}

// DeviceErr returns a *DeviceError for a failed status, or nil.
func (s Status) DeviceErr(group Group, id uint8) error {
	if s.GroupErr != nil && s.GroupErr.RC != 0 {
		return &DeviceError{Group: Group(s.GroupErr.Group), ID: id, RC: s.GroupErr.RC, GroupRC: true}
	}
	if s.RC != RCOk {
		return &DeviceError{Group: group, ID: id, RC: s.RC}
	}
	return nil
}

// EchoReq is the OS echo request.
type EchoReq struct {
	D string `cbor:"d"`
}

// EchoRsp is the OS echo response.
type EchoRsp struct {
	Status
	R string `cbor:"r"`
}

// ResetReq is the OS reset request.
type ResetReq struct {
	Force uint8 `cbor:"force,omitempty"`
}

// ResetRsp is the OS reset response.
type ResetRsp struct {
	Status
}

// ParamsRsp reports the device's SMP buffer parameters.
type ParamsRsp struct {
	Status
	BufSize  uint32 `cbor:"buf_size"`
	BufCount uint32 `cbor:"buf_count"`
}

// ImageUploadReq carries one chunk of an image upload. Len and SHA are
// sent with the first chunk only.
type ImageUploadReq struct {
	Image   uint32 `cbor:"image,omitempty"`
	Len     uint32 `cbor:"len,omitempty"`
	Off     uint32 `cbor:"off"`
	SHA     []byte `cbor:"sha,omitempty"`
	Data    []byte `cbor:"data"`
	Upgrade bool   `cbor:"upgrade,omitempty"`
}

// ImageUploadRsp reports the next offset the device expects.
type ImageUploadRsp struct {
	Status
	Off   uint32 `cbor:"off"`
	Match *bool  `cbor:"match,omitempty"`
}

// ImageStateEntry describes one image slot.
type ImageStateEntry struct {
	Image     int    `cbor:"image,omitempty"`
	Slot      int    `cbor:"slot"`
	Version   string `cbor:"version"`
	Hash      []byte `cbor:"hash,omitempty"`
	Bootable  bool   `cbor:"bootable,omitempty"`
	Pending   bool   `cbor:"pending,omitempty"`
	Confirmed bool   `cbor:"confirmed,omitempty"`
	Active    bool   `cbor:"active,omitempty"`
	Permanent bool   `cbor:"permanent,omitempty"`
}

// ImageStateWriteReq marks an image for test (Confirm false) or confirms
// it (Confirm true). An empty Hash confirms the running image.
type ImageStateWriteReq struct {
	Hash    []byte `cbor:"hash,omitempty"`
	Confirm bool   `cbor:"confirm"`
}

// ImageStateRsp lists the image slots.
type ImageStateRsp struct {
	Status
	Images      []ImageStateEntry `cbor:"images"`
	SplitStatus int               `cbor:"splitStatus,omitempty"`
}

// ImageEraseReq erases a slot; nil erases the secondary slot.
type ImageEraseReq struct {
	Slot *uint32 `cbor:"slot,omitempty"`
}

// ImageEraseRsp is the image erase response.
type ImageEraseRsp struct {
	Status
}
