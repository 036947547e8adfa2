package dfu

import (
	"bytes"
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/CuriousInventions/smartpaci-dfu/mcumgr"
)

// Lifecycle states of an uploaded image.
const (
	StateUntested          = "untested"
	StateTestPending       = "test_pending"
	StateActiveUnconfirmed = "active_unconfirmed"
	StateConfirmed         = "confirmed"
	StateReverted          = "reverted"
)

const (
	eventMarkTest = "mark_test"
	eventBooted   = "booted"
	eventConfirm  = "confirm"
	eventRevert   = "revert"
)

// Outcome is the result of verifying an image after reboot.
type Outcome string

// Outcomes.
const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeReverted  Outcome = "reverted"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
)

// Lifecycle tracks one uploaded image from test marking to confirmation.
//
//	untested -> test_pending -> active_unconfirmed -> confirmed
//	                 |                  |
//	                 +----> reverted <--+
//
// Confirm is sent at most once, and only when the device runs the
// uploaded image unconfirmed.
type Lifecycle struct {
	client *mcumgr.Client
	digest []byte
	logger mcumgr.Logger
	fsm    *fsm.FSM
}

// NewLifecycle creates a lifecycle for the image with the given digest.
func NewLifecycle(client *mcumgr.Client, digest []byte, logger mcumgr.Logger) *Lifecycle {
	l := &Lifecycle{
		client: client,
		digest: digest,
		logger: mcumgr.LoggerOrNop(logger),
	}

	l.fsm = fsm.NewFSM(
		StateUntested,
		fsm.Events{
			{Name: eventMarkTest, Src: []string{StateUntested}, Dst: StateTestPending},
			{Name: eventBooted, Src: []string{StateTestPending}, Dst: StateActiveUnconfirmed},
			{Name: eventConfirm, Src: []string{StateActiveUnconfirmed}, Dst: StateConfirmed},
			{Name: eventRevert, Src: []string{StateTestPending, StateActiveUnconfirmed}, Dst: StateReverted},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				l.logger.Debug("image lifecycle transition", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return l
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() string {
	return l.fsm.Current()
}

// MarkForTest asks the device to boot the uploaded image once on the next
// reset.
func (l *Lifecycle) MarkForTest(ctx context.Context) error {
	if !l.fsm.Can(eventMarkTest) {
		return &TransitionError{Operation: "mark for test", State: l.State()}
	}

	slots, err := l.client.TestImage(ctx, l.digest)
	if err != nil {
		return err
	}
	if s, ok := mcumgr.FindSlot(slots, l.digest); ok {
		l.logger.Debug("image marked for test", "slot", s.Slot, "version", s.Version, "pending", s.Pending)
	}

	return l.fsm.Event(ctx, eventMarkTest)
}

// Reset reboots the device into the test image.
func (l *Lifecycle) Reset(ctx context.Context) error {
	if !l.fsm.Is(StateTestPending) {
		return &TransitionError{Operation: "reset", State: l.State()}
	}
	return l.client.Reset(ctx)
}

// Verify inspects the slot list read after reboot. If the uploaded image
// is active and unconfirmed it is confirmed; if it is active and already
// confirmed no command is sent. Any other active image means the device
// reverted.
func (l *Lifecycle) Verify(ctx context.Context, slots []mcumgr.SlotState) (Outcome, mcumgr.SlotState, error) {
	state := l.State()
	if state != StateTestPending && state != StateActiveUnconfirmed {
		return "", mcumgr.SlotState{}, &TransitionError{Operation: "verify", State: state}
	}

	active, ok := mcumgr.ActiveSlot(slots)
	if !ok || !bytes.Equal(active.Hash, l.digest) {
		l.logger.Info("device is running a different image",
			"version", active.Version,
			"hash", active.HashHex(),
		)
		if err := l.fsm.Event(ctx, eventRevert); err != nil {
			return "", active, err
		}
		return OutcomeReverted, active, nil
	}

	if state == StateTestPending {
		if err := l.fsm.Event(ctx, eventBooted); err != nil {
			return "", active, err
		}
	}

	if !active.Confirmed {
		if _, err := l.client.ConfirmImage(ctx, l.digest); err != nil {
			return "", active, fmt.Errorf("confirm: %w", err)
		}
		active.Confirmed = true
		l.logger.Info("image confirmed", "version", active.Version)
	}

	if err := l.fsm.Event(ctx, eventConfirm); err != nil {
		return "", active, err
	}
	return OutcomeConfirmed, active, nil
}
