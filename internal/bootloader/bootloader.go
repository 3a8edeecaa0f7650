// Package bootloader moves boards from application mode into a
// flashable bootloader mode, trying an ordered list of methods per
// port family.
package bootloader

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/buckleypaul/molt/internal/device"
)

// State is the progress of one transition attempt.
type State int

const (
	StateApplication State = iota
	StateTransitioning
	StateBootloader
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateApplication:
		return "application"
	case StateTransitioning:
		return "transitioning"
	case StateBootloader:
		return "bootloader"
	case StateFailed:
		return "transition-failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Method is one way of entering the bootloader. Action triggers the
// transition and Poll confirms the bootloader is present, checked at
// the transitioner's cadence until Timeout. A nil Poll trusts the
// action. Manual methods skip both and instead suspend on the
// confirmer until the user reports the board is ready.
type Method struct {
	Name    string
	Action  func(ctx context.Context, board device.ConnectedBoard) error
	Poll    func(ctx context.Context, board device.ConnectedBoard) (bool, error)
	Timeout time.Duration
	Manual  bool
	Prompt  string
}

// Session records one attempted method.
type Session struct {
	Method  string
	Start   time.Time
	Timeout time.Duration
	Err     error
}

// Confirmer asks the user to perform a manual action on the board. It
// blocks until the user answers or ctx is cancelled.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// Transition tracks one board's movement into bootloader mode.
// StateBootloader and StateFailed are terminal; a fresh attempt needs
// a new Transition.
type Transition struct {
	Board    device.ConnectedBoard
	State    State
	Method   string
	Attempts []Session
}

// Transitioner runs transitions using a per-family method table.
type Transitioner struct {
	methods  map[string][]Method
	confirm  Confirmer
	interval time.Duration
}

const defaultPollInterval = 500 * time.Millisecond

// NewTransitioner returns a transitioner over the given method table.
// confirm may be nil, in which case manual methods fail instead of
// prompting.
func NewTransitioner(methods map[string][]Method, confirm Confirmer) *Transitioner {
	return &Transitioner{methods: methods, confirm: confirm, interval: defaultPollInterval}
}

// Enter drives board into bootloader mode, trying each configured
// method in order until one succeeds. The returned transition carries
// a session record per attempted method. When every method fails the
// transition ends in StateFailed and the error is a TimeoutError
// naming all of them. Families absent from the method table need no
// transition and succeed immediately.
func (tr *Transitioner) Enter(ctx context.Context, board device.ConnectedBoard) (*Transition, error) {
	t := &Transition{Board: board, State: StateApplication}

	methods, configured := tr.methods[board.PortFamily]
	if !configured {
		log.Debug().Str("address", board.Address).Str("family", board.PortFamily).
			Msg("no bootloader transition required")
		t.State = StateBootloader
		return t, nil
	}
	if len(methods) == 0 {
		t.State = StateFailed
		return t, fmt.Errorf("no usable bootloader method for %s boards", board.PortFamily)
	}

	for _, m := range methods {
		t.State = StateTransitioning
		t.Method = m.Name
		sess := Session{Method: m.Name, Start: time.Now(), Timeout: m.Timeout}
		log.Info().Str("address", board.Address).Str("method", m.Name).Msg("enter bootloader")

		err := tr.attempt(ctx, m, board)
		sess.Err = err
		t.Attempts = append(t.Attempts, sess)
		if err == nil {
			t.State = StateBootloader
			return t, nil
		}
		if ctx.Err() != nil {
			t.State = StateFailed
			return t, fmt.Errorf("bootloader transition on %s: %w", board.Address, ctx.Err())
		}
		log.Warn().Str("address", board.Address).Str("method", m.Name).Err(err).
			Msg("bootloader method failed")
	}

	t.State = StateFailed
	return t, &TimeoutError{Address: board.Address, Attempts: t.Attempts}
}

func (tr *Transitioner) attempt(ctx context.Context, m Method, board device.ConnectedBoard) error {
	if m.Manual {
		if tr.confirm == nil {
			return fmt.Errorf("method %s needs an interactive session", m.Name)
		}
		ok, err := tr.confirm.Confirm(ctx, m.Prompt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("declined")
		}
		return nil
	}

	if m.Action != nil {
		if err := m.Action(ctx, board); err != nil {
			return err
		}
	}
	if m.Poll == nil {
		return nil
	}
	return tr.poll(ctx, m, board)
}

func (tr *Transitioner) poll(ctx context.Context, m Method, board device.ConnectedBoard) error {
	deadline := time.NewTimer(m.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(tr.interval)
	defer tick.Stop()

	for {
		ok, err := m.Poll(ctx, board)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("no bootloader after %s", m.Timeout)
		case <-tick.C:
		}
	}
}
