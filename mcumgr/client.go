package mcumgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CuriousInventions/smartpaci-dfu/smp"
	"github.com/CuriousInventions/smartpaci-dfu/tracing"
	"github.com/CuriousInventions/smartpaci-dfu/transport"
)

// Client performs SMP request/response exchanges over an attached
// transport connection.
//
// At most one request is in flight at a time. Responses are matched to
// requests by sequence number. Each Attach starts a new connection
// generation; frames delivered for an older generation are dropped, and
// link loss fails every waiting request with transport.ErrLinkLost.
//
// Client is safe for concurrent use.
type Client struct {
	config Config
	logger Logger

	// sem holds one token per in-flight exchange
	sem chan struct{}

	mu      sync.Mutex
	conn    transport.Conn
	sub     transport.Subscription
	gen     uint64
	seq     uint8
	pending map[uint8]*pendingRequest
	rx      smp.Reassembler
}

type pendingRequest struct {
	gen   uint64
	group smp.Group
	id    uint8
	done  chan result
}

type result struct {
	msg *smp.Message
	err error
}

// New creates a Client with the given options. Attach a connection before
// issuing requests.
//
// Example:
//
//	client := mcumgr.New(mcumgr.WithRequestTimeout(10*time.Second))
//	conn, err := tr.Connect(ctx)
//	if err != nil {
//	    return err
//	}
//	if err := client.Attach(conn); err != nil {
//	    return err
//	}
//	slots, err := client.ImageState(ctx)
func New(opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Client{
		config:  cfg,
		logger:  LoggerOrNop(cfg.Logger),
		sem:     make(chan struct{}, 1),
		pending: make(map[uint8]*pendingRequest),
	}
}

// Attach makes conn the active connection and starts a new generation.
// A previously attached connection is disconnected and its waiting
// requests fail with transport.ErrLinkLost.
func (c *Client) Attach(conn transport.Conn) error {
	if conn == nil {
		return errors.New("conn cannot be nil")
	}

	c.mu.Lock()
	old := c.conn
	oldSub := c.detachLocked(transport.ErrLinkLost)
	c.conn = conn
	gen := c.gen
	c.mu.Unlock()

	if oldSub != nil {
		oldSub.Unsubscribe()
	}
	if old != nil && old != conn {
		_ = old.Disconnect()
	}

	sub, err := conn.Subscribe(func(data []byte) { c.receive(gen, data) })
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.conn = nil
			c.gen++
		}
		c.mu.Unlock()
		return fmt.Errorf("subscribe: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		sub.Unsubscribe()
		return transport.ErrLinkLost
	}
	c.sub = sub
	c.mu.Unlock()

	go c.watch(gen, conn)

	c.logger.Debug("connection attached", "generation", gen, "mtu", conn.MTU())
	return nil
}

// Close detaches and disconnects the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	sub := c.detachLocked(transport.ErrNotConnected)
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}

// Connected reports whether a connection is attached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Generation returns the current connection generation. It changes on
// every Attach, Close and link loss.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// MTU returns the attached connection's frame limit.
func (c *Client) MTU() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0, transport.ErrNotConnected
	}
	return c.conn.MTU(), nil
}

// ProtocolVersion returns the SMP version used for requests.
func (c *Client) ProtocolVersion() uint8 {
	return c.config.ProtocolVersion
}

// detachLocked ends the current generation, fails its waiting requests
// with err and returns the subscription to cancel outside the lock.
func (c *Client) detachLocked(err error) transport.Subscription {
	c.gen++
	for seq, p := range c.pending {
		delete(c.pending, seq)
		p.done <- result{err: err}
	}
	c.conn = nil
	c.rx.Reset()

	sub := c.sub
	c.sub = nil
	return sub
}

func (c *Client) watch(gen uint64, conn transport.Conn) {
	<-conn.Done()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	sub := c.detachLocked(transport.ErrLinkLost)
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	c.logger.Info("link lost", "generation", gen)
}

func (c *Client) receive(gen uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		c.logger.Debug("dropping data from stale connection", "generation", gen, "bytes", len(data))
		return
	}

	msgs, err := c.rx.Feed(data)
	for _, m := range msgs {
		c.deliverLocked(m)
	}
	if err != nil {
		c.logger.Error("discarding malformed frame", "error", err)
		for seq, p := range c.pending {
			delete(c.pending, seq)
			p.done <- result{err: err}
		}
	}
}

func (c *Client) deliverLocked(m *smp.Message) {
	p, ok := c.pending[m.Header.Sequence]
	if !ok || !m.Header.Op.IsResponse() || m.Header.Group != p.group || m.Header.ID != p.id {
		c.logger.Debug("dropping unsolicited frame", "frame", m.String())
		return
	}
	delete(c.pending, m.Header.Sequence)
	p.done <- result{msg: m}
}

// forget removes p if it is still waiting. A request that ended without
// its response may have left a partial frame behind, so the reassembly
// buffer is dropped with it.
func (c *Client) forget(seq uint8, p *pendingRequest) {
	c.mu.Lock()
	if c.pending[seq] == p {
		delete(c.pending, seq)
		if p.gen == c.gen {
			c.rx.Reset()
		}
	}
	c.mu.Unlock()
}

// Do sends req and waits for the matching response. The request's
// sequence number and protocol version are assigned by the client.
func (c *Client) Do(ctx context.Context, req *smp.Message) (*smp.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "mcumgr.exchange",
		tracing.StringAttr("smp.op", req.Header.Op.String()),
		tracing.StringAttr("smp.group", req.Header.Group.String()),
		tracing.IntAttr("smp.id", int(req.Header.ID)),
	)
	rsp, err := c.exchange(ctx, req)
	tracing.End(span, err)
	return rsp, err
}

func (c *Client) exchange(ctx context.Context, req *smp.Message) (*smp.Message, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	// nothing else is in flight, so buffered bytes are leftovers
	c.rx.Reset()
	seq := c.seq
	req.Header.Sequence = seq
	req.Header.Version = c.config.ProtocolVersion
	frame, err := smp.Encode(req)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.seq++
	p := &pendingRequest{
		gen:   c.gen,
		group: req.Header.Group,
		id:    req.Header.ID,
		done:  make(chan result, 1),
	}
	c.pending[seq] = p
	c.mu.Unlock()
	defer c.forget(seq, p)

	c.logger.Debug("sending request", "frame", req.String())

	if err := conn.Write(ctx, frame); err != nil {
		return nil, fmt.Errorf("write %s/%d: %w", req.Header.Group, req.Header.ID, err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r.msg, r.err
	case <-timer.C:
		c.logger.Error("request timed out", "frame", req.String(), "timeout", c.config.RequestTimeout.String())
		return nil, &TimeoutError{
			Group:    req.Header.Group,
			ID:       req.Header.ID,
			Sequence: seq,
			After:    c.config.RequestTimeout,
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// statusBody is implemented by every response body through smp.Status.
type statusBody interface {
	DeviceErr(group smp.Group, id uint8) error
}

// call encodes reqBody, exchanges it and decodes the reply into rspBody.
// A non-zero device return code is returned as *smp.DeviceError.
func (c *Client) call(ctx context.Context, op smp.Op, group smp.Group, id uint8, reqBody interface{}, rspBody statusBody) error {
	msg, err := smp.NewRequest(op, group, id, reqBody)
	if err != nil {
		return err
	}

	reply, err := c.Do(ctx, msg)
	if err != nil {
		return err
	}

	if err := reply.Unmarshal(rspBody); err != nil {
		return err
	}
	return rspBody.DeviceErr(group, id)
}
