package dfu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/CuriousInventions/smartpaci-dfu/image"
	"github.com/CuriousInventions/smartpaci-dfu/mcumgr"
	"github.com/CuriousInventions/smartpaci-dfu/tracing"
	"github.com/CuriousInventions/smartpaci-dfu/transport"
)

// Report summarises a finished update.
type Report struct {
	SessionID  string
	Version    string
	Digest     string
	ImageSize  int
	Outcome    Outcome
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists update reports.
type Recorder interface {
	Record(ctx context.Context, r Report) error
}

// Updater runs the complete update sequence: upload, mark for test,
// reset, reconnect and confirm.
type Updater struct {
	transport transport.Transport
	client    *mcumgr.Client
	uploader  *Uploader
	config    Config
	logger    mcumgr.Logger
	breaker   *gobreaker.CircuitBreaker[transport.Conn]
}

// NewUpdater creates an Updater that connects through t and exchanges
// requests through client.
//
// Example:
//
//	client := mcumgr.New()
//	upd := dfu.NewUpdater(&udp.Transport{Addr: "192.0.2.1:1337"}, client,
//	    dfu.WithReconnectWindow(30*time.Second),
//	)
//	if err := upd.Connect(ctx); err != nil {
//	    return err
//	}
//	run, err := upd.Run(ctx, data)
func NewUpdater(t transport.Transport, client *mcumgr.Client, opts ...Option) *Updater {
	if t == nil || client == nil {
		panic("transport and client cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := mcumgr.LoggerOrNop(cfg.Logger)

	breaker := gobreaker.NewCircuitBreaker[transport.Conn](gobreaker.Settings{
		Name:        "connect",
		MaxRequests: 1,
		Timeout:     cfg.ReconnectInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Debug("connect breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &Updater{
		transport: t,
		client:    client,
		uploader:  &Uploader{client: client, config: cfg, logger: logger},
		config:    cfg,
		logger:    logger,
		breaker:   breaker,
	}
}

// Client returns the client used for device requests.
func (u *Updater) Client() *mcumgr.Client {
	return u.client
}

// Connect opens a link and attaches it to the client. Repeated failures
// open a circuit breaker that rejects attempts for ReconnectInterval.
func (u *Updater) Connect(ctx context.Context) error {
	conn, err := u.breaker.Execute(func() (transport.Conn, error) {
		return u.transport.Connect(ctx)
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return u.client.Attach(conn)
}

// Update is a running update.
type Update struct {
	handle
	upload *Upload
	image  *image.Image
}

// Session returns the upload session.
func (u *Update) Session() *Session {
	return u.upload.Session()
}

// Image returns the image being installed.
func (u *Update) Image() *image.Image {
	return u.image
}

// Run parses data as an image and starts the update. The image must be
// at most MaxImageSize bytes with a valid digest, and a link must be
// attached. The returned Update's stream carries the upload progress and
// ends with one of BootConfirmed, BootReverted, UpdateTimedOut,
// UploadFailed or UpdateFailed.
func (u *Updater) Run(ctx context.Context, data []byte) (*Update, error) {
	if int64(len(data)) > u.config.MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", image.ErrImageTooLarge, len(data), u.config.MaxImageSize)
	}
	img, err := image.ParseBytes(data, image.WithMaxSize(u.config.MaxImageSize))
	if err != nil {
		return nil, err
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if !u.client.Connected() {
		return nil, transport.ErrNotConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	upload, err := u.uploader.Start(ctx, img, data)
	if err != nil {
		cancel()
		return nil, err
	}

	upd := &Update{handle: newHandle(cancel), upload: upload, image: img}
	go u.drive(ctx, upd)
	return upd, nil
}

func (u *Updater) drive(ctx context.Context, upd *Update) {
	started := time.Now()
	img := upd.image
	sess := upd.upload.Session()

	ctx, span := tracing.StartSpan(ctx, "dfu.update",
		tracing.StringAttr("session", sess.ID),
		tracing.StringAttr("version", img.Version.String()),
	)

	ev := u.sequence(ctx, upd)
	ev.SessionID = sess.ID
	ev.TotalLength = sess.TotalLength
	ev.BytesAcknowledged = sess.BytesAcknowledged()
	ev.Percentage = sess.Percentage()
	ev.Time = time.Now()

	tracing.End(span, ev.Err)
	u.record(ctx, upd, ev, started)

	u.logger.Info("update finished",
		"session", sess.ID,
		"result", ev.Kind.String(),
		"elapsed", time.Since(started).String(),
	)
	upd.finish(ev)
}

// sequence runs the update steps and returns the terminal event.
func (u *Updater) sequence(ctx context.Context, upd *Update) Event {
	for ev := range upd.upload.Events() {
		if ev.Kind != EventUploadFailed {
			upd.stream.push(ev)
		}
	}
	if res := upd.upload.Wait(); res.Kind == EventUploadFailed {
		return res
	}

	lc := NewLifecycle(u.client, upd.image.Digest, u.logger)
	if err := lc.MarkForTest(ctx); err != nil {
		return Event{Kind: EventUpdateFailed, Err: fmt.Errorf("mark for test: %w", err)}
	}
	if err := lc.Reset(ctx); err != nil {
		return Event{Kind: EventUpdateFailed, Err: err}
	}
	_ = u.client.Close()

	slots, err := u.awaitDevice(ctx)
	if err != nil {
		if errors.Is(err, ErrUpdateTimedOut) {
			return Event{Kind: EventUpdateTimedOut, Err: err}
		}
		return Event{Kind: EventUpdateFailed, Err: err}
	}

	outcome, active, err := lc.Verify(ctx, slots)
	if err != nil {
		return Event{Kind: EventUpdateFailed, Err: err}
	}
	if outcome == OutcomeReverted {
		return Event{Kind: EventBootReverted, Slot: &active}
	}
	return Event{Kind: EventBootConfirmed, Slot: &active}
}

// awaitDevice reconnects after reset and reads the slot list. The whole
// wait, reset delay included, is bounded by ReconnectWindow.
func (u *Updater) awaitDevice(ctx context.Context) ([]mcumgr.SlotState, error) {
	wctx, cancel := context.WithTimeout(ctx, u.config.ReconnectWindow)
	defer cancel()

	timeout := func() error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}
		return fmt.Errorf("%w within %s", ErrUpdateTimedOut, u.config.ReconnectWindow)
	}

	select {
	case <-time.After(u.config.ResetDelay):
	case <-wctx.Done():
		return nil, timeout()
	}

	for attempt := 1; ; attempt++ {
		slots, err := u.probe(wctx)
		if err == nil {
			u.logger.Info("device reconnected", "attempts", attempt)
			return slots, nil
		}
		u.logger.Debug("device not reachable yet", "attempt", attempt, "error", err.Error())

		select {
		case <-time.After(u.config.ReconnectInterval):
		case <-wctx.Done():
			return nil, timeout()
		}
	}
}

func (u *Updater) probe(ctx context.Context) ([]mcumgr.SlotState, error) {
	if !u.client.Connected() {
		if err := u.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return u.client.ImageState(ctx)
}

func (u *Updater) record(ctx context.Context, upd *Update, ev Event, started time.Time) {
	if u.config.Recorder == nil {
		return
	}

	r := Report{
		SessionID:  upd.Session().ID,
		Version:    upd.image.Version.String(),
		Digest:     upd.image.DigestHex(),
		ImageSize:  upd.image.FileSize,
		Outcome:    outcomeOf(ev.Kind),
		StartedAt:  started,
		FinishedAt: ev.Time,
	}
	if ev.Err != nil {
		r.Error = ev.Err.Error()
	}

	if err := u.config.Recorder.Record(context.WithoutCancel(ctx), r); err != nil {
		u.logger.Error("failed to record update", "session", r.SessionID, "error", err.Error())
	}
}

func outcomeOf(kind EventKind) Outcome {
	switch kind {
	case EventBootConfirmed:
		return OutcomeConfirmed
	case EventBootReverted:
		return OutcomeReverted
	case EventUpdateTimedOut:
		return OutcomeTimedOut
	default:
		return OutcomeFailed
	}
}
