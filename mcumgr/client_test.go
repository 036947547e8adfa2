package mcumgr_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CuriousInventions/smartpaci-dfu/mcumgr"
	"github.com/CuriousInventions/smartpaci-dfu/smp"
	"github.com/CuriousInventions/smartpaci-dfu/transport"
	"github.com/CuriousInventions/smartpaci-dfu/transport/simulated"
)

// fakeConn records written frames and lets the test inject inbound data.
type fakeConn struct {
	mtu  int
	subs transport.Subscribers

	mu      sync.Mutex
	written [][]byte
	onWrite func(req *smp.Message)

	once sync.Once
	done chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{mtu: 256, done: make(chan struct{})}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	c.written = append(c.written, data)
	hook := c.onWrite
	c.mu.Unlock()

	if hook != nil {
		req, err := smp.Decode(data)
		if err != nil {
			return err
		}
		go hook(req)
	}
	return nil
}

func (c *fakeConn) Subscribe(h transport.Handler) (transport.Subscription, error) {
	return c.subs.Add(h), nil
}

func (c *fakeConn) MTU() int { return c.mtu }

func (c *fakeConn) Disconnect() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) inject(t *testing.T, m *smp.Message) {
	t.Helper()
	frame, err := smp.Encode(m)
	require.NoError(t, err)
	c.subs.Publish(frame)
}

func echoResponse(t *testing.T, req *smp.Message, s string) *smp.Message {
	t.Helper()
	rsp, err := smp.NewResponse(req, smp.EchoRsp{R: s})
	require.NoError(t, err)
	return rsp
}

func attach(t *testing.T, c *mcumgr.Client, conn transport.Conn) {
	t.Helper()
	require.NoError(t, c.Attach(conn))
	t.Cleanup(func() { _ = c.Close() })
}

func TestEcho(t *testing.T) {
	dev := simulated.New()
	conn, err := dev.Connect(context.Background())
	require.NoError(t, err)

	client := mcumgr.New()
	attach(t, client, conn)

	got, err := client.Echo(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
	assert.Equal(t, 1, dev.Count(simulated.CmdEcho))
}

func TestFragmentedResponses(t *testing.T) {
	dev := simulated.New(simulated.WithFragmentSize(5))
	conn, err := dev.Connect(context.Background())
	require.NoError(t, err)

	client := mcumgr.New()
	attach(t, client, conn)

	slots, err := client.ImageState(context.Background())
	require.NoError(t, err)
	require.Len(t, slots, 1)

	active, ok := mcumgr.ActiveSlot(slots)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", active.Version)
	assert.True(t, active.Confirmed)
	assert.Len(t, active.Hash, 32)
}

func TestSequentialRequests(t *testing.T) {
	dev := simulated.New()
	conn, err := dev.Connect(context.Background())
	require.NoError(t, err)

	client := mcumgr.New()
	attach(t, client, conn)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := client.Echo(context.Background(), "ping")
			assert.NoError(t, err)
			assert.Equal(t, "ping", got)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, dev.Count(simulated.CmdEcho))
}

func TestRequestTimeout(t *testing.T) {
	dev := simulated.New()
	dev.SetMuted(true)
	conn, err := dev.Connect(context.Background())
	require.NoError(t, err)

	client := mcumgr.New(mcumgr.WithRequestTimeout(50 * time.Millisecond))
	attach(t, client, conn)

	_, err = client.Echo(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, mcumgr.ErrTimeout)

	var terr *mcumgr.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, smp.GroupOS, terr.Group)
	assert.Equal(t, uint8(smp.OSEcho), terr.ID)

	dev.SetMuted(false)
	got, err := client.Echo(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, "again", got)
}

func TestTimeoutDiscardsPartialResponse(t *testing.T) {
	conn := newFakeConn()
	client := mcumgr.New(mcumgr.WithRequestTimeout(50 * time.Millisecond))
	attach(t, client, conn)

	var calls atomic.Int32
	conn.onWrite = func(req *smp.Message) {
		frame, err := smp.Encode(echoResponse(t, req, "reply"))
		require.NoError(t, err)
		if calls.Add(1) == 1 {
			// only the first fragment of the reply ever arrives
			conn.subs.Publish(frame[:5])
			return
		}
		conn.subs.Publish(frame)
	}

	_, err := client.Echo(context.Background(), "first")
	require.ErrorIs(t, err, mcumgr.ErrTimeout)

	got, err := client.Echo(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, "reply", got)
}

func TestDeviceError(t *testing.T) {
	conn := newFakeConn()
	client := mcumgr.New()
	attach(t, client, conn)

	conn.onWrite = func(req *smp.Message) {
		rsp, err := smp.NewResponse(req, smp.Status{GroupErr: &smp.GroupError{Group: uint16(smp.GroupImage), RC: 4}})
		require.NoError(t, err)
		conn.inject(t, rsp)
	}

	_, err := client.ImageState(context.Background())
	require.Error(t, err)
	assert.True(t, smp.IsDeviceError(err))

	var devErr *smp.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.True(t, devErr.GroupRC)
	assert.Equal(t, 4, devErr.RC)
	assert.Equal(t, smp.GroupImage, devErr.Group)
}

func TestUnsolicitedFramesDropped(t *testing.T) {
	conn := newFakeConn()
	client := mcumgr.New()
	attach(t, client, conn)

	conn.onWrite = func(req *smp.Message) {
		stray := *req
		stray.Header.Sequence = req.Header.Sequence + 1
		conn.inject(t, echoResponse(t, &stray, "stray"))

		wrongID := *req
		wrongID.Header.ID = smp.OSParams
		conn.inject(t, echoResponse(t, &wrongID, "wrong"))

		conn.inject(t, echoResponse(t, req, "right"))
	}

	got, err := client.Echo(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "right", got)
}

func TestStaleGenerationDropped(t *testing.T) {
	first := newFakeConn()
	client := mcumgr.New(mcumgr.WithRequestTimeout(100 * time.Millisecond))
	attach(t, client, first)
	gen := client.Generation()

	second := newFakeConn()
	require.NoError(t, client.Attach(second))
	assert.Greater(t, client.Generation(), gen)

	select {
	case <-first.Done():
	default:
		t.Fatal("previous connection was not disconnected")
	}

	second.onWrite = func(req *smp.Message) {
		// a reply on the old link must not satisfy the request
		first.inject(t, echoResponse(t, req, "old"))
	}

	_, err := client.Echo(context.Background(), "x")
	assert.ErrorIs(t, err, mcumgr.ErrTimeout)
}

func TestLinkLost(t *testing.T) {
	conn := newFakeConn()
	client := mcumgr.New(mcumgr.WithRequestTimeout(5 * time.Second))
	attach(t, client, conn)

	conn.onWrite = func(*smp.Message) {
		_ = conn.Disconnect()
	}

	start := time.Now()
	_, err := client.Echo(context.Background(), "x")
	assert.ErrorIs(t, err, transport.ErrLinkLost)
	assert.Less(t, time.Since(start), time.Second)

	assert.Eventually(t, func() bool { return !client.Connected() }, time.Second, 5*time.Millisecond)
	_, err = client.Echo(context.Background(), "x")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestResetToleratesLinkLoss(t *testing.T) {
	conn := newFakeConn()
	client := mcumgr.New()
	attach(t, client, conn)

	conn.onWrite = func(*smp.Message) {
		_ = conn.Disconnect()
	}

	assert.NoError(t, client.Reset(context.Background()))
}

func TestNotConnected(t *testing.T) {
	client := mcumgr.New()

	_, err := client.Echo(context.Background(), "x")
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	_, err = client.MTU()
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.NoError(t, client.Close())
}

func TestContextCancel(t *testing.T) {
	conn := newFakeConn()
	client := mcumgr.New(mcumgr.WithRequestTimeout(5 * time.Second))
	attach(t, client, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Echo(ctx, "x")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)
}

func TestProtocolVersion(t *testing.T) {
	conn := newFakeConn()
	client := mcumgr.New(mcumgr.WithProtocolVersion(smp.Version1))
	attach(t, client, conn)
	assert.Equal(t, uint8(smp.Version1), client.ProtocolVersion())

	conn.onWrite = func(req *smp.Message) {
		conn.inject(t, echoResponse(t, req, "v1"))
	}
	_, err := client.Echo(context.Background(), "x")
	require.NoError(t, err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)
	hdr, _, err := smp.DecodeHeader(conn.written[0])
	require.NoError(t, err)
	assert.Equal(t, uint8(smp.Version1), hdr.Version)
}
