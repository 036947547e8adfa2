package dfu

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CuriousInventions/smartpaci-dfu/image"
	"github.com/CuriousInventions/smartpaci-dfu/mcumgr"
	"github.com/CuriousInventions/smartpaci-dfu/smp"
	"github.com/CuriousInventions/smartpaci-dfu/tracing"
	"github.com/CuriousInventions/smartpaci-dfu/transport"
)

// Uploader transfers images to the device's secondary slot in chunks.
//
// The device is authoritative for the offset: every response names the
// next byte it expects and the uploader continues from there. One upload
// runs at a time per Uploader.
type Uploader struct {
	client *mcumgr.Client
	config Config
	logger mcumgr.Logger

	mu     sync.Mutex
	active bool
}

// NewUploader creates an Uploader that sends through client.
func NewUploader(client *mcumgr.Client, opts ...Option) *Uploader {
	if client == nil {
		panic("client cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Uploader{
		client: client,
		config: cfg,
		logger: mcumgr.LoggerOrNop(cfg.Logger),
	}
}

// Upload is a running upload.
type Upload struct {
	handle
	session *Session
}

// Session returns the upload session.
func (u *Upload) Session() *Session {
	return u.session
}

// Start validates the image and begins uploading data, the raw image
// bytes img was parsed from. Precondition failures are returned directly:
// image.ErrImageTooLarge, image.ErrDigestMismatch,
// transport.ErrNotConnected and ErrBusy. Everything after that is
// reported on the returned Upload's event stream.
//
// Example:
//
//	up, err := uploader.Start(ctx, img, data)
//	if err != nil {
//	    return err
//	}
//	for ev := range up.Events() {
//	    fmt.Printf("%s %.1f%%\n", ev.Kind, ev.Percentage)
//	}
func (u *Uploader) Start(ctx context.Context, img *image.Image, data []byte) (*Upload, error) {
	if img == nil {
		return nil, errors.New("image cannot be nil")
	}
	if int64(len(data)) > u.config.MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", image.ErrImageTooLarge, len(data), u.config.MaxImageSize)
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if len(data) != img.FileSize {
		return nil, fmt.Errorf("image data is %d bytes, parsed image is %d", len(data), img.FileSize)
	}

	mtu, err := u.client.MTU()
	if err != nil {
		return nil, err
	}
	capacity, err := mcumgr.ChunkCapacity(mtu, len(data))
	if err != nil {
		return nil, err
	}

	if !u.acquire() {
		return nil, ErrBusy
	}

	sum := sha256.Sum256(data)
	sess := newSession(len(data), capacity, sum[:])
	gen := u.client.Generation()

	ctx, cancel := context.WithCancel(ctx)
	up := &Upload{handle: newHandle(cancel), session: sess}

	go u.run(ctx, up, data, gen)
	return up, nil
}

func (u *Uploader) acquire() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active {
		return false
	}
	u.active = true
	return true
}

func (u *Uploader) release() {
	u.mu.Lock()
	u.active = false
	u.mu.Unlock()
}

func (u *Uploader) run(ctx context.Context, up *Upload, data []byte, gen uint64) {
	sess := up.session
	total := len(data)
	started := time.Now()

	ctx, span := tracing.StartSpan(ctx, "dfu.upload",
		tracing.StringAttr("session", sess.ID),
		tracing.IntAttr("bytes", total),
		tracing.IntAttr("chunk_capacity", sess.ChunkCapacity),
	)

	u.logger.Info("upload started",
		"session", sess.ID,
		"bytes", total,
		"chunk_capacity", sess.ChunkCapacity,
	)

	err := u.transfer(ctx, up, data, gen)
	tracing.End(span, err)
	u.release()

	ev := Event{
		Kind:              EventUploadCompleted,
		SessionID:         sess.ID,
		BytesAcknowledged: sess.BytesAcknowledged(),
		TotalLength:       total,
		Percentage:        sess.Percentage(),
	}
	if err != nil {
		ev.Kind = EventUploadFailed
		ev.Err = err
		u.logger.Error("upload failed",
			"session", sess.ID,
			"offset", ev.BytesAcknowledged,
			"error", err.Error(),
		)
	} else {
		u.logger.Info("upload complete",
			"session", sess.ID,
			"chunks", sess.Chunks(),
			"elapsed", time.Since(started).String(),
		)
	}
	up.finish(ev)
}

func (u *Uploader) transfer(ctx context.Context, up *Upload, data []byte, gen uint64) error {
	sess := up.session
	total := len(data)

	var limiter *rate.Limiter
	if u.config.ChunkRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(u.config.ChunkRate), 1)
	}

	off, stalls := 0, 0
	for off < total {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("cancelled: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}
		if u.client.Generation() != gen {
			return transport.ErrLinkLost
		}

		end := off + sess.ChunkCapacity
		if end > total {
			end = total
		}
		req := &smp.ImageUploadReq{Off: uint32(off), Data: data[off:end]}
		if off == 0 {
			req.Len = uint32(total)
			req.SHA = sess.Digest
		}

		rsp, err := u.client.UploadChunk(ctx, req)
		if err != nil {
			return err
		}
		if rsp.Match != nil && !*rsp.Match {
			return ErrDigestRejected
		}

		next := int(rsp.Off)
		if next > total {
			return fmt.Errorf("device reported offset %d beyond image length %d", next, total)
		}
		if next <= off {
			stalls++
			u.logger.Debug("offset did not advance", "session", sess.ID, "sent", off, "device", next, "stalls", stalls)
			if stalls > u.config.Retries {
				return fmt.Errorf("%w at offset %d after %d responses", ErrUploadStalled, next, stalls)
			}
		} else {
			stalls = 0
		}

		off = next
		sess.acknowledge(off)
		up.stream.push(Event{
			Kind:              EventUploadProgress,
			SessionID:         sess.ID,
			Percentage:        percentage(off, total),
			BytesAcknowledged: off,
			TotalLength:       total,
			Time:              time.Now(),
		})
	}
	return nil
}
