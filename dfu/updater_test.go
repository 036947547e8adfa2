package dfu_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CuriousInventions/smartpaci-dfu/dfu"
	"github.com/CuriousInventions/smartpaci-dfu/image"
	"github.com/CuriousInventions/smartpaci-dfu/mcumgr"
	"github.com/CuriousInventions/smartpaci-dfu/transport"
	"github.com/CuriousInventions/smartpaci-dfu/transport/simulated"
)

type memRecorder struct {
	mu      sync.Mutex
	reports []dfu.Report
}

func (r *memRecorder) Record(_ context.Context, rep dfu.Report) error {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) all() []dfu.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dfu.Report(nil), r.reports...)
}

func newUpdater(t *testing.T, dev *simulated.Device, opts ...dfu.Option) *dfu.Updater {
	t.Helper()
	client := mcumgr.New(mcumgr.WithRequestTimeout(time.Second))
	opts = append([]dfu.Option{
		dfu.WithResetDelay(10 * time.Millisecond),
		dfu.WithReconnectInterval(10 * time.Millisecond),
		dfu.WithReconnectWindow(3 * time.Second),
	}, opts...)

	upd := dfu.NewUpdater(dev, client, opts...)
	require.NoError(t, upd.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return upd
}

func TestUpdateConfirmed(t *testing.T) {
	dev := simulated.New()
	rec := &memRecorder{}
	upd := newUpdater(t, dev, dfu.WithRecorder(rec))
	data, img := newImage(t, 2500)

	run, err := upd.Run(context.Background(), data)
	require.NoError(t, err)

	events := drain(t, run.Events())
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, dfu.EventBootConfirmed, last.Kind, "err: %v", last.Err)
	require.NotNil(t, last.Slot)
	assert.Equal(t, "1.1.0", last.Slot.Version)
	assert.True(t, last.Slot.Confirmed)
	assert.Equal(t, last, run.Wait())

	var sawCompleted bool
	for _, ev := range events[:len(events)-1] {
		if ev.Kind == dfu.EventUploadCompleted {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)

	assert.Equal(t, 1, dev.Count(simulated.CmdTest))
	assert.Equal(t, 1, dev.Count(simulated.CmdReset))
	assert.Equal(t, 1, dev.Count(simulated.CmdConfirm))

	state := dev.State()
	require.NotEmpty(t, state)
	assert.Equal(t, img.Digest, state[0].Hash)
	assert.True(t, state[0].Confirmed)

	reports := rec.all()
	require.Len(t, reports, 1)
	assert.Equal(t, dfu.OutcomeConfirmed, reports[0].Outcome)
	assert.Equal(t, run.Session().ID, reports[0].SessionID)
	assert.Equal(t, img.DigestHex(), reports[0].Digest)
	assert.Empty(t, reports[0].Error)
}

func TestUpdateReverted(t *testing.T) {
	dev := simulated.New(simulated.WithFailBoot(true))
	upd := newUpdater(t, dev)
	data, _ := newImage(t, 1000)

	run, err := upd.Run(context.Background(), data)
	require.NoError(t, err)

	res := run.Wait()
	require.Equal(t, dfu.EventBootReverted, res.Kind, "err: %v", res.Err)
	require.NotNil(t, res.Slot)
	assert.Equal(t, "1.0.0", res.Slot.Version)
	assert.Equal(t, 0, dev.Count(simulated.CmdConfirm))
}

func TestUpdateTimedOut(t *testing.T) {
	dev := simulated.New(simulated.WithBootDelay(time.Minute))
	rec := &memRecorder{}
	upd := newUpdater(t, dev,
		dfu.WithReconnectWindow(300*time.Millisecond),
		dfu.WithRecorder(rec),
	)
	data, _ := newImage(t, 1000)

	run, err := upd.Run(context.Background(), data)
	require.NoError(t, err)

	res := run.Wait()
	assert.Equal(t, dfu.EventUpdateTimedOut, res.Kind)
	assert.ErrorIs(t, res.Err, dfu.ErrUpdateTimedOut)
	assert.Equal(t, 0, dev.Count(simulated.CmdConfirm))

	reports := rec.all()
	require.Len(t, reports, 1)
	assert.Equal(t, dfu.OutcomeTimedOut, reports[0].Outcome)
	assert.NotEmpty(t, reports[0].Error)
}

func TestUpdateUploadFailure(t *testing.T) {
	dev := simulated.New()
	upd := newUpdater(t, dev)
	data, _ := newImage(t, 1000)

	dev.SetAckHook(func(int) int { return 0 })

	run, err := upd.Run(context.Background(), data)
	require.NoError(t, err)

	events := drain(t, run.Events())
	var failures int
	for _, ev := range events {
		if ev.Kind == dfu.EventUploadFailed {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, dfu.EventUploadFailed, events[len(events)-1].Kind)
	assert.Equal(t, 0, dev.Count(simulated.CmdTest))
	assert.Equal(t, 0, dev.Count(simulated.CmdReset))
}

func TestUpdatePreconditions(t *testing.T) {
	data, _ := newImage(t, 1000)

	t.Run("too large", func(t *testing.T) {
		upd := newUpdater(t, simulated.New(), dfu.WithMaxImageSize(256))
		_, err := upd.Run(context.Background(), data)
		assert.ErrorIs(t, err, image.ErrImageTooLarge)
	})

	t.Run("digest mismatch", func(t *testing.T) {
		upd := newUpdater(t, simulated.New())
		bad := append([]byte(nil), data...)
		bad[image.HeaderSize] ^= 0x01
		_, err := upd.Run(context.Background(), bad)
		assert.ErrorIs(t, err, image.ErrDigestMismatch)
	})

	t.Run("malformed", func(t *testing.T) {
		upd := newUpdater(t, simulated.New())
		_, err := upd.Run(context.Background(), data[:20])
		assert.ErrorIs(t, err, image.ErrMalformedImage)
	})

	t.Run("not connected", func(t *testing.T) {
		upd := dfu.NewUpdater(simulated.New(), mcumgr.New())
		_, err := upd.Run(context.Background(), data)
		assert.ErrorIs(t, err, transport.ErrNotConnected)
	})
}

func TestUpdaterConnectBreaker(t *testing.T) {
	dev := simulated.New()
	dev.SetOffline(true)
	upd := dfu.NewUpdater(dev, mcumgr.New(), dfu.WithReconnectInterval(time.Hour))

	for i := 0; i < 3; i++ {
		err := upd.Connect(context.Background())
		assert.ErrorIs(t, err, simulated.ErrUnavailable)
	}

	dev.SetOffline(false)
	err := upd.Connect(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, simulated.ErrUnavailable)
	assert.False(t, upd.Client().Connected())
}
