// Package udp carries SMP over UDP, one frame per datagram.
//
// This is the transport Zephyr's MCUmgr UDP backend speaks (port 1337 by
// default) and is the simplest way to reach a device behind a network
// bridge or a native_sim build.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/CuriousInventions/smartpaci-dfu/transport"
)

// DefaultMTU is used when Transport.MTU is zero.
const DefaultMTU = 1024

// maxDatagram bounds a single read.
const maxDatagram = 65535

// Transport dials a UDP peer.
type Transport struct {
	// Addr is the device address, e.g. "192.0.2.1:1337"
	Addr string

	// MTU is the largest frame written in one datagram
	MTU int
}

// Connect dials the peer and starts the receive loop.
func (t *Transport) Connect(ctx context.Context) (transport.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "udp", t.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", t.Addr, err)
	}

	mtu := t.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	c := &Conn{nc: nc, mtu: mtu, done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

// Conn is a connected UDP socket.
type Conn struct {
	nc   net.Conn
	mtu  int
	subs transport.Subscribers

	closeOnce sync.Once
	done      chan struct{}
}

// Write sends data as one datagram.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return transport.ErrNotConnected
	default:
	}
	if len(data) > c.mtu {
		return fmt.Errorf("frame of %d bytes exceeds mtu %d", len(data), c.mtu)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := c.nc.Write(data); err != nil {
		return fmt.Errorf("failed to write datagram: %w", err)
	}
	return nil
}

// Subscribe registers h for inbound datagrams.
func (c *Conn) Subscribe(h transport.Handler) (transport.Subscription, error) {
	select {
	case <-c.done:
		return nil, transport.ErrNotConnected
	default:
	}
	return c.subs.Add(h), nil
}

// MTU returns the configured frame limit.
func (c *Conn) MTU() int {
	return c.mtu
}

// Disconnect closes the socket.
func (c *Conn) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

// Done is closed once the socket is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, err := c.nc.Read(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			_ = c.Disconnect()
			return
		}
		c.subs.Publish(buf[:n])
	}
}
