package dfu_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CuriousInventions/smartpaci-dfu/dfu"
	"github.com/CuriousInventions/smartpaci-dfu/image"
	"github.com/CuriousInventions/smartpaci-dfu/image/imagetest"
	"github.com/CuriousInventions/smartpaci-dfu/mcumgr"
	"github.com/CuriousInventions/smartpaci-dfu/smp"
	"github.com/CuriousInventions/smartpaci-dfu/transport"
	"github.com/CuriousInventions/smartpaci-dfu/transport/simulated"
)

func newImage(t *testing.T, bodyLen int) ([]byte, *image.Image) {
	t.Helper()
	data := imagetest.Build(imagetest.Spec{
		Version: image.Version{Major: 1, Minor: 1},
		Body:    imagetest.Body(bodyLen),
	})
	img, err := image.ParseBytes(data)
	require.NoError(t, err)
	return data, img
}

func connect(t *testing.T, dev *simulated.Device) *mcumgr.Client {
	t.Helper()
	client := mcumgr.New(mcumgr.WithRequestTimeout(time.Second))
	conn, err := dev.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, client.Attach(conn))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func drain(t *testing.T, ch <-chan dfu.Event) []dfu.Event {
	t.Helper()
	var events []dfu.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("event stream did not end")
		}
	}
}

func TestUploadChunks(t *testing.T) {
	dev := simulated.New(simulated.WithMTU(128))
	client := connect(t, dev)
	data, img := newImage(t, 3000)

	capacity, err := mcumgr.ChunkCapacity(128, len(data))
	require.NoError(t, err)

	up, err := dfu.NewUploader(client).Start(context.Background(), img, data)
	require.NoError(t, err)

	events := drain(t, up.Events())
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, dfu.EventUploadCompleted, last.Kind)
	assert.Equal(t, len(data), last.BytesAcknowledged)
	assert.InDelta(t, 100.0, last.Percentage, 0.001)

	chunks := (len(data) + capacity - 1) / capacity
	assert.Equal(t, chunks, dev.Count(simulated.CmdUpload))
	assert.Equal(t, chunks, up.Session().Chunks())
	assert.Equal(t, data, dev.Secondary())

	prev := -1.0
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, dfu.EventUploadProgress, ev.Kind)
		assert.Equal(t, up.Session().ID, ev.SessionID)
		assert.Greater(t, ev.Percentage, prev)
		prev = ev.Percentage
	}
}

func TestUploadFollowsDeviceOffset(t *testing.T) {
	dev := simulated.New()
	client := connect(t, dev)
	data, img := newImage(t, 2000)

	var once sync.Once
	dev.SetAckHook(func(received int) int {
		rewind := -1
		if received > 600 {
			once.Do(func() { rewind = 100 })
		}
		return rewind
	})

	up, err := dfu.NewUploader(client).Start(context.Background(), img, data)
	require.NoError(t, err)

	res := up.Wait()
	require.Equal(t, dfu.EventUploadCompleted, res.Kind, "err: %v", res.Err)
	assert.Equal(t, data, dev.Secondary())

	// the chunk after the rewind starts where the device said, not where
	// the uploader had got to
	offsets := dev.UploadOffsets()
	var rewinds []int
	for i := 1; i < len(offsets); i++ {
		if offsets[i] <= offsets[i-1] {
			rewinds = append(rewinds, i)
		}
	}
	require.Len(t, rewinds, 1, "offsets: %v", offsets)
	assert.Equal(t, 100, offsets[rewinds[0]])
	assert.Greater(t, offsets[rewinds[0]-1], 100)
}

func TestUploadStalled(t *testing.T) {
	dev := simulated.New()
	client := connect(t, dev)
	data, img := newImage(t, 2000)

	dev.SetAckHook(func(int) int { return 0 })

	up, err := dfu.NewUploader(client, dfu.WithRetries(2)).Start(context.Background(), img, data)
	require.NoError(t, err)

	res := up.Wait()
	assert.Equal(t, dfu.EventUploadFailed, res.Kind)
	assert.ErrorIs(t, res.Err, dfu.ErrUploadStalled)
	assert.Equal(t, 3, dev.Count(simulated.CmdUpload))
}

func TestUploadDeviceError(t *testing.T) {
	dev := simulated.New()
	client := connect(t, dev)
	data, img := newImage(t, 500)

	dev.SetUploadRC(smp.RCNoMemory)

	up, err := dfu.NewUploader(client).Start(context.Background(), img, data)
	require.NoError(t, err)

	res := up.Wait()
	assert.Equal(t, dfu.EventUploadFailed, res.Kind)

	var devErr *smp.DeviceError
	require.ErrorAs(t, res.Err, &devErr)
	assert.Equal(t, smp.RCNoMemory, devErr.RC)
}

func TestUploadPreconditions(t *testing.T) {
	data, img := newImage(t, 1000)

	t.Run("too large", func(t *testing.T) {
		client := connect(t, simulated.New())
		_, err := dfu.NewUploader(client, dfu.WithMaxImageSize(512)).Start(context.Background(), img, data)
		assert.ErrorIs(t, err, image.ErrImageTooLarge)
	})

	t.Run("digest mismatch", func(t *testing.T) {
		client := connect(t, simulated.New())
		bad := append([]byte(nil), data...)
		bad[image.HeaderSize+10] ^= 0xff
		badImg, err := image.ParseBytes(bad)
		require.NoError(t, err)

		_, err = dfu.NewUploader(client).Start(context.Background(), badImg, bad)
		assert.ErrorIs(t, err, image.ErrDigestMismatch)
	})

	t.Run("not connected", func(t *testing.T) {
		_, err := dfu.NewUploader(mcumgr.New()).Start(context.Background(), img, data)
		assert.ErrorIs(t, err, transport.ErrNotConnected)
	})

	t.Run("busy", func(t *testing.T) {
		client := connect(t, simulated.New())
		uploader := dfu.NewUploader(client, dfu.WithChunkRate(5))

		first, err := uploader.Start(context.Background(), img, data)
		require.NoError(t, err)

		_, err = uploader.Start(context.Background(), img, data)
		assert.ErrorIs(t, err, dfu.ErrBusy)

		first.Cancel()
		res := first.Wait()
		assert.Equal(t, dfu.EventUploadFailed, res.Kind)
		assert.ErrorIs(t, res.Err, context.Canceled)

		again, err := uploader.Start(context.Background(), img, data)
		require.NoError(t, err)
		again.Cancel()
		again.Wait()
	})
}

func TestUploadLinkLost(t *testing.T) {
	dev := simulated.New()
	client := connect(t, dev)
	data, img := newImage(t, 4000)

	up, err := dfu.NewUploader(client, dfu.WithChunkRate(50)).Start(context.Background(), img, data)
	require.NoError(t, err)

	for ev := range up.Events() {
		if ev.Kind == dfu.EventUploadProgress {
			dev.Disconnect()
			break
		}
	}

	res := up.Wait()
	assert.Equal(t, dfu.EventUploadFailed, res.Kind)
	assert.True(t,
		errors.Is(res.Err, transport.ErrLinkLost) || errors.Is(res.Err, transport.ErrNotConnected),
		"unexpected error: %v", res.Err,
	)
	assert.Less(t, res.BytesAcknowledged, len(data))
}

func TestUploadEventsWithoutConsumer(t *testing.T) {
	client := connect(t, simulated.New(simulated.WithMTU(100)))
	data, img := newImage(t, 3000)

	up, err := dfu.NewUploader(client).Start(context.Background(), img, data)
	require.NoError(t, err)

	select {
	case <-up.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("upload blocked on unread events")
	}
	assert.Equal(t, dfu.EventUploadCompleted, up.Wait().Kind)
}
