package simulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/CuriousInventions/smartpaci-dfu/smp"
	"github.com/CuriousInventions/smartpaci-dfu/transport"
)

// Conn is a link to a simulated Device.
type Conn struct {
	dev  *Device
	mtu  int
	subs transport.Subscribers

	closeOnce sync.Once
	done      chan struct{}
}

// Write delivers one request frame to the device. The response, if any,
// is published asynchronously.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return transport.ErrNotConnected
	default:
	}
	if len(data) > c.mtu {
		return fmt.Errorf("frame of %d bytes exceeds mtu %d", len(data), c.mtu)
	}

	req, err := smp.Decode(data)
	if err != nil {
		log.Debug().Err(err).Msg("Simulated device dropped undecodable frame")
		return nil
	}

	rsp := c.dev.handle(req)
	if rsp == nil {
		return nil
	}
	frame, err := smp.Encode(rsp)
	if err != nil {
		return nil
	}

	go c.notify(frame)
	return nil
}

func (c *Conn) notify(frame []byte) {
	n := c.dev.fragmentSize()
	for len(frame) > 0 {
		select {
		case <-c.done:
			return
		default:
		}
		chunk := frame
		if n > 0 && len(chunk) > n {
			chunk = chunk[:n]
		}
		c.subs.Publish(chunk)
		frame = frame[len(chunk):]
	}
}

func (d *Device) fragmentSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fragment
}

// Subscribe registers h for response notifications.
func (c *Conn) Subscribe(h transport.Handler) (transport.Subscription, error) {
	select {
	case <-c.done:
		return nil, transport.ErrNotConnected
	default:
	}
	return c.subs.Add(h), nil
}

// MTU returns the link MTU.
func (c *Conn) MTU() int {
	return c.mtu
}

// Disconnect closes the link.
func (c *Conn) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.dev.mu.Lock()
		if c.dev.conn == c {
			c.dev.conn = nil
		}
		c.dev.mu.Unlock()
	})
	return nil
}

// Done is closed when the link goes down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
