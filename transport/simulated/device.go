// Package simulated provides an in-process MCUmgr device for tests and
// dry runs.
//
// The device has a primary and a secondary image slot and follows the
// MCUboot swap rules: an image marked for test runs once after reset and
// is reverted on the following reset unless it was confirmed. Reset drops
// the link and the device refuses connections until it has rebooted.
package simulated

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/CuriousInventions/smartpaci-dfu/image"
	"github.com/CuriousInventions/smartpaci-dfu/image/imagetest"
	"github.com/CuriousInventions/smartpaci-dfu/smp"
	"github.com/CuriousInventions/smartpaci-dfu/transport"
)

// ErrUnavailable is returned by Connect while the device is rebooting or
// offline.
var ErrUnavailable = errors.New("simulated: device unavailable")

// Command identifies a request kind for call counting.
type Command int

// Counted commands.
const (
	CmdEcho Command = iota
	CmdReset
	CmdParams
	CmdState
	CmdTest
	CmdConfirm
	CmdUpload
	CmdErase
)

// Defaults.
const (
	DefaultMTU       = 256
	DefaultBootDelay = 50 * time.Millisecond
	resetLinkDelay   = 5 * time.Millisecond
)

type slot struct {
	data      []byte
	hash      []byte
	version   string
	bootable  bool
	pending   bool
	confirmed bool
	permanent bool
}

type uploadState struct {
	total    int
	sha      []byte
	received []byte
}

// Option configures a Device.
type Option func(*Device)

// WithMTU sets the link MTU.
func WithMTU(mtu int) Option {
	return func(d *Device) {
		if mtu > 0 {
			d.mtu = mtu
		}
	}
}

// WithFragmentSize splits responses into notifications of at most n bytes.
func WithFragmentSize(n int) Option {
	return func(d *Device) {
		d.fragment = n
	}
}

// WithBootDelay sets how long the device stays unreachable after reset.
func WithBootDelay(delay time.Duration) Option {
	return func(d *Device) {
		d.bootDelay = delay
	}
}

// WithFailBoot makes test images fail to boot, so the device stays on its
// current image.
func WithFailBoot(fail bool) Option {
	return func(d *Device) {
		d.failBoot = fail
	}
}

// WithPrimaryImage installs data as the confirmed, running image.
func WithPrimaryImage(data []byte) Option {
	return func(d *Device) {
		d.slots[0] = newSlot(data)
		d.slots[0].confirmed = true
	}
}

// Device is a simulated MCUmgr device. It implements transport.Transport.
type Device struct {
	mu        sync.Mutex
	mtu       int
	fragment  int
	bootDelay time.Duration
	failBoot  bool

	slots      [2]*slot
	upload     *uploadState
	conn       *Conn
	bootingTil time.Time
	rebooting  bool
	offline    bool
	muted      bool
	uploadRC   int
	ackHook    func(received int) int
	calls      map[Command]int
	offsets    []int
}

// New creates a device running a default 1.0.0 image.
func New(opts ...Option) *Device {
	d := &Device{
		mtu:       DefaultMTU,
		bootDelay: DefaultBootDelay,
		calls:     make(map[Command]int),
	}
	WithPrimaryImage(imagetest.Build(imagetest.Spec{
		Version: image.Version{Major: 1},
		Body:    imagetest.Body(512),
	}))(d)

	for _, opt := range opts {
		opt(d)
	}
	return d
}

func newSlot(data []byte) *slot {
	s := &slot{data: append([]byte(nil), data...)}
	img, err := image.ParseBytes(data, image.WithMaxSize(int64(len(data))))
	if err != nil {
		return s
	}
	s.hash = img.Digest
	s.version = img.Version.String()
	s.bootable = img.DigestValid
	return s
}

// Connect opens a new link, dropping any existing one.
func (d *Device) Connect(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.offline || d.rebooting || time.Now().Before(d.bootingTil) {
		d.mu.Unlock()
		return nil, ErrUnavailable
	}
	old := d.conn
	c := &Conn{dev: d, mtu: d.mtu, done: make(chan struct{})}
	d.conn = c
	d.mu.Unlock()

	if old != nil {
		_ = old.Disconnect()
	}
	log.Debug().Int("mtu", c.mtu).Msg("Simulated device connected")
	return c, nil
}

// Disconnect drops the current link, as if the radio link was lost.
func (d *Device) Disconnect() {
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()
	if c != nil {
		_ = c.Disconnect()
	}
}

// SetOffline makes Connect fail until cleared.
func (d *Device) SetOffline(offline bool) {
	d.mu.Lock()
	d.offline = offline
	d.mu.Unlock()
}

// SetMuted makes the device swallow requests without responding.
func (d *Device) SetMuted(muted bool) {
	d.mu.Lock()
	d.muted = muted
	d.mu.Unlock()
}

// SetFailBoot makes test images fail to boot.
func (d *Device) SetFailBoot(fail bool) {
	d.mu.Lock()
	d.failBoot = fail
	d.mu.Unlock()
}

// SetUploadRC makes every upload request fail with the given return code.
func (d *Device) SetUploadRC(rc int) {
	d.mu.Lock()
	d.uploadRC = rc
	d.mu.Unlock()
}

// SetAckHook overrides the offset reported after each upload chunk. The
// hook receives the number of bytes stored and returns the offset to
// report; bytes past the reported offset are discarded.
func (d *Device) SetAckHook(hook func(received int) int) {
	d.mu.Lock()
	d.ackHook = hook
	d.mu.Unlock()
}

// Count returns how many times cmd was received.
func (d *Device) Count(cmd Command) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[cmd]
}

// UploadOffsets returns the offset of every upload chunk received, in
// arrival order.
func (d *Device) UploadOffsets() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.offsets...)
}

// Secondary returns the contents of the secondary slot.
func (d *Device) Secondary() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.slots[1] == nil {
		return nil
	}
	return append([]byte(nil), d.slots[1].data...)
}

// State returns the slot list as the device reports it.
func (d *Device) State() []smp.ImageStateEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

func (d *Device) stateLocked() []smp.ImageStateEntry {
	var entries []smp.ImageStateEntry
	for i, s := range d.slots {
		if s == nil {
			continue
		}
		entries = append(entries, smp.ImageStateEntry{
			Slot:      i,
			Version:   s.version,
			Hash:      s.hash,
			Bootable:  s.bootable,
			Pending:   s.pending,
			Confirmed: s.confirmed,
			Active:    i == 0,
			Permanent: s.permanent,
		})
	}
	return entries
}

// handle processes one request frame and returns the response, or nil
// when the device stays silent.
func (d *Device) handle(req *smp.Message) *smp.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.muted || req.Header.Op.IsResponse() {
		return nil
	}

	var body interface{}
	switch {
	case req.Header.Group == smp.GroupOS && req.Header.ID == smp.OSEcho:
		d.calls[CmdEcho]++
		var in smp.EchoReq
		if err := req.Unmarshal(&in); err != nil {
			body = smp.Status{RC: smp.RCInvalid}
			break
		}
		body = smp.EchoRsp{R: in.D}

	case req.Header.Group == smp.GroupOS && req.Header.ID == smp.OSReset:
		d.calls[CmdReset]++
		body = smp.ResetRsp{}
		d.rebooting = true
		go d.reboot()

	case req.Header.Group == smp.GroupOS && req.Header.ID == smp.OSParams:
		d.calls[CmdParams]++
		body = smp.ParamsRsp{BufSize: uint32(d.mtu), BufCount: 4}

	case req.Header.Group == smp.GroupImage && req.Header.ID == smp.ImageState:
		body = d.handleState(req)

	case req.Header.Group == smp.GroupImage && req.Header.ID == smp.ImageUpload:
		d.calls[CmdUpload]++
		body = d.handleUpload(req)

	case req.Header.Group == smp.GroupImage && req.Header.ID == smp.ImageErase:
		d.calls[CmdErase]++
		d.slots[1] = nil
		d.upload = nil
		body = smp.ImageEraseRsp{}

	default:
		body = smp.Status{RC: smp.RCNotSupported}
	}

	rsp, err := smp.NewResponse(req, body)
	if err != nil {
		log.Error().Err(err).Msg("Simulated device failed to encode response")
		return nil
	}
	return rsp
}

func (d *Device) handleState(req *smp.Message) interface{} {
	if req.Header.Op == smp.OpRead {
		d.calls[CmdState]++
		return smp.ImageStateRsp{Images: d.stateLocked()}
	}

	var in smp.ImageStateWriteReq
	if err := req.Unmarshal(&in); err != nil {
		return smp.Status{RC: smp.RCInvalid}
	}

	if in.Confirm {
		d.calls[CmdConfirm]++
		switch {
		case len(in.Hash) == 0 || bytes.Equal(in.Hash, d.slots[0].hash):
			d.slots[0].confirmed = true
		case d.slots[1] != nil && bytes.Equal(in.Hash, d.slots[1].hash):
			d.slots[1].pending = true
			d.slots[1].permanent = true
		default:
			return smp.Status{RC: smp.RCInvalid}
		}
		return smp.ImageStateRsp{Images: d.stateLocked()}
	}

	d.calls[CmdTest]++
	if d.slots[1] == nil || !bytes.Equal(in.Hash, d.slots[1].hash) {
		return smp.Status{RC: smp.RCInvalid}
	}
	d.slots[1].pending = true
	return smp.ImageStateRsp{Images: d.stateLocked()}
}

func (d *Device) handleUpload(req *smp.Message) interface{} {
	if d.uploadRC != smp.RCOk {
		return smp.Status{RC: d.uploadRC}
	}

	var in smp.ImageUploadReq
	if err := req.Unmarshal(&in); err != nil {
		return smp.Status{RC: smp.RCInvalid}
	}
	d.offsets = append(d.offsets, int(in.Off))

	if in.Off == 0 {
		if in.Len == 0 {
			return smp.Status{RC: smp.RCInvalid}
		}
		d.upload = &uploadState{total: int(in.Len), sha: in.SHA}
		d.slots[1] = nil
	}
	if d.upload == nil {
		return smp.Status{RC: smp.RCBadState}
	}

	up := d.upload
	if int(in.Off) == len(up.received) {
		room := up.total - len(up.received)
		data := in.Data
		if len(data) > room {
			data = data[:room]
		}
		up.received = append(up.received, data...)
	}
	if d.ackHook != nil {
		if off := d.ackHook(len(up.received)); off >= 0 && off < len(up.received) {
			up.received = up.received[:off]
		}
	}

	rsp := smp.ImageUploadRsp{Off: uint32(len(up.received))}
	if len(up.received) == up.total {
		sum := sha256.Sum256(up.received)
		match := len(up.sha) == 0 || bytes.Equal(sum[:], up.sha)
		rsp.Match = &match
		if match {
			d.slots[1] = newSlot(up.received)
		}
		d.upload = nil
	}
	return rsp
}

// reboot drops the link, applies the boot decision and keeps the device
// unreachable for the boot delay.
func (d *Device) reboot() {
	time.Sleep(resetLinkDelay)

	d.mu.Lock()
	d.boot()
	d.rebooting = false
	d.bootingTil = time.Now().Add(d.bootDelay)
	c := d.conn
	d.mu.Unlock()

	if c != nil {
		_ = c.Disconnect()
	}
}

func (d *Device) boot() {
	primary, secondary := d.slots[0], d.slots[1]

	switch {
	case !primary.confirmed && secondary != nil:
		// probation image was never confirmed: swap back
		d.slots[0], d.slots[1] = secondary, primary
		d.slots[0].confirmed = true
		d.slots[0].pending = false
		log.Debug().Str("version", d.slots[0].version).Msg("Simulated device reverted")

	case secondary != nil && secondary.pending:
		secondary.pending = false
		if d.failBoot || !secondary.bootable {
			log.Debug().Str("version", secondary.version).Msg("Simulated device rejected test image")
			return
		}
		d.slots[0], d.slots[1] = secondary, primary
		d.slots[0].confirmed = secondary.permanent
		d.slots[0].permanent = false
		d.slots[1].confirmed = false
		log.Debug().Str("version", d.slots[0].version).Msg("Simulated device booted test image")
	}
}
