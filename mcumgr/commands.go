package mcumgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/CuriousInventions/smartpaci-dfu/smp"
	"github.com/CuriousInventions/smartpaci-dfu/transport"
)

// Echo sends s to the device and returns its reply.
func (c *Client) Echo(ctx context.Context, s string) (string, error) {
	var rsp smp.EchoRsp
	if err := c.call(ctx, smp.OpWrite, smp.GroupOS, smp.OSEcho, smp.EchoReq{D: s}, &rsp); err != nil {
		return "", fmt.Errorf("echo: %w", err)
	}
	return rsp.R, nil
}

// Reset reboots the device. The link going down before the response
// arrives is treated as success.
func (c *Client) Reset(ctx context.Context) error {
	var rsp smp.ResetRsp
	err := c.call(ctx, smp.OpWrite, smp.GroupOS, smp.OSReset, smp.ResetReq{}, &rsp)
	if errors.Is(err, transport.ErrLinkLost) {
		c.logger.Debug("link dropped during reset")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Params reads the device's SMP buffer parameters.
func (c *Client) Params(ctx context.Context) (*smp.ParamsRsp, error) {
	var rsp smp.ParamsRsp
	if err := c.call(ctx, smp.OpRead, smp.GroupOS, smp.OSParams, nil, &rsp); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	return &rsp, nil
}

// ImageState lists the device's image slots.
func (c *Client) ImageState(ctx context.Context) ([]SlotState, error) {
	var rsp smp.ImageStateRsp
	if err := c.call(ctx, smp.OpRead, smp.GroupImage, smp.ImageState, nil, &rsp); err != nil {
		return nil, fmt.Errorf("image state: %w", err)
	}
	return slotsFromEntries(rsp.Images), nil
}

// TestImage marks the image with the given hash for a one-time test boot.
func (c *Client) TestImage(ctx context.Context, hash []byte) ([]SlotState, error) {
	var rsp smp.ImageStateRsp
	req := smp.ImageStateWriteReq{Hash: hash, Confirm: false}
	if err := c.call(ctx, smp.OpWrite, smp.GroupImage, smp.ImageState, req, &rsp); err != nil {
		return nil, fmt.Errorf("image test: %w", err)
	}
	return slotsFromEntries(rsp.Images), nil
}

// ConfirmImage makes the image with the given hash permanent. A nil hash
// confirms the running image.
func (c *Client) ConfirmImage(ctx context.Context, hash []byte) ([]SlotState, error) {
	var rsp smp.ImageStateRsp
	req := smp.ImageStateWriteReq{Hash: hash, Confirm: true}
	if err := c.call(ctx, smp.OpWrite, smp.GroupImage, smp.ImageState, req, &rsp); err != nil {
		return nil, fmt.Errorf("image confirm: %w", err)
	}
	return slotsFromEntries(rsp.Images), nil
}

// EraseImage erases the secondary slot.
func (c *Client) EraseImage(ctx context.Context) error {
	var rsp smp.ImageEraseRsp
	if err := c.call(ctx, smp.OpWrite, smp.GroupImage, smp.ImageErase, smp.ImageEraseReq{}, &rsp); err != nil {
		return fmt.Errorf("image erase: %w", err)
	}
	return nil
}

// UploadChunk sends one upload chunk and returns the device's reply.
func (c *Client) UploadChunk(ctx context.Context, req *smp.ImageUploadReq) (*smp.ImageUploadRsp, error) {
	var rsp smp.ImageUploadRsp
	if err := c.call(ctx, smp.OpWrite, smp.GroupImage, smp.ImageUpload, req, &rsp); err != nil {
		return nil, fmt.Errorf("upload at offset %d: %w", req.Off, err)
	}
	return &rsp, nil
}
