// Package session owns the delay board for the duration of a test run.
//
// A Session moves through CLOSED, WARMING_UP and READY. Open enables the
// board and waits for the warm-up period before delays may be set. Close
// releases the board and forgets every calibration, so two sessions never
// share state. A Session is driven from one goroutine at a time; only State
// and Status may be called concurrently with the other methods.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/psi-tdc/delayctl/pkg/board"
	"github.com/psi-tdc/delayctl/pkg/calibration"
	"github.com/psi-tdc/delayctl/pkg/resolver"
	"github.com/psi-tdc/delayctl/pkg/store"
)

// Session is the scoped owner of a board.
type Session struct {
	opts     Options
	open     Opener
	resolver *resolver.Resolver

	// mu guards the bookkeeping below, not the hardware.
	mu           sync.RWMutex
	state        State
	id           string
	openedAt     time.Time
	warmUpUntil  time.Time
	cancelWarmUp context.CancelFunc
	transport    board.Transport
	store        *store.Store
	applied      map[calibration.ChipID]Applied
}

// New returns a closed session that acquires its board through open.
func New(open Opener, opts Options) *Session {
	if opts.WarmUp < 0 {
		opts.WarmUp = 0
	}

	return &Session{
		opts:     opts,
		open:     open,
		resolver: newResolver(opts),
		state:    StateClosed,
		store:    store.New(nil),
		applied:  make(map[calibration.ChipID]Applied),
	}
}

func newResolver(opts Options) *resolver.Resolver {
	r := resolver.New(opts.Tolerance, opts.ReferenceFTUNE)
	r.FTUNEStep = board.FTUNEStep
	return r
}

// Reconfigure replaces the options used by the next Open. The session must
// be CLOSED.
func (s *Session) Reconfigure(opts Options) error {
	if opts.WarmUp < 0 {
		opts.WarmUp = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		return pkgerrors.Wrapf(ErrInvalidState, "cannot reconfigure a session in state %s", s.state)
	}
	s.opts = opts
	s.resolver = newResolver(opts)
	return nil
}

// Run opens the session, calls fn and closes the session on every exit
// path. The error of fn takes precedence over the error of Close.
func (s *Session) Run(ctx context.Context, fn func(ctx context.Context, s *Session) error) (err error) {
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer func() {
		closeErr := s.Close()
		if err == nil {
			err = closeErr
		} else if closeErr != nil {
			logrus.WithError(closeErr).Error("failed to close session")
		}
	}()

	return fn(ctx, s)
}

// Open acquires and enables the board, then blocks for the warm-up period.
// If ctx is cancelled or Close is called during warm-up, the board is
// released and the session returns to CLOSED.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateClosed {
		state := s.state
		s.mu.Unlock()
		return pkgerrors.Wrapf(ErrInvalidState, "cannot open a session in state %s", state)
	}
	s.id = xid.New().String()
	s.openedAt = time.Now()
	s.setStateLocked(StateWarmingUp)
	s.mu.Unlock()

	t, err := s.acquire(ctx)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateClosed)
		s.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state != StateWarmingUp {
		// Closed while the board was being acquired.
		s.mu.Unlock()
		release(t)
		return pkgerrors.Wrap(ErrInvalidState, "session closed while opening")
	}
	s.transport = t
	s.warmUpUntil = time.Now().Add(s.opts.WarmUp)
	s.cancelWarmUp = cancel
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session": s.ID(),
		"warmUp":  s.opts.WarmUp.String(),
	}).Info("board enabled, warming up")

	if err := wait(ctx, s.opts.WarmUp); err != nil {
		if closeErr := s.Close(); closeErr != nil {
			logrus.WithError(closeErr).Error("failed to release board after interrupted warm-up")
		}
		return pkgerrors.Wrap(err, "warm-up interrupted")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWarmingUp || s.transport != t {
		return pkgerrors.Wrap(ErrInvalidState, "session closed during warm-up")
	}
	s.cancelWarmUp = nil
	s.setStateLocked(StateReady)

	return nil
}

// Close disables and releases the board and drops every loaded
// calibration. Closing a closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	t := s.transport
	if s.cancelWarmUp != nil {
		s.cancelWarmUp()
		s.cancelWarmUp = nil
	}
	s.transport = nil
	s.store = store.New(nil)
	s.applied = make(map[calibration.ChipID]Applied)
	s.warmUpUntil = time.Time{}
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	return release(t)
}

func (s *Session) acquire(ctx context.Context) (board.Transport, error) {
	t, err := s.open()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open board")
	}
	if err := t.Enable(ctx); err != nil {
		if closeErr := t.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("failed to close board")
		}
		return nil, err
	}
	return t, nil
}

// release disables the board and closes it. Both steps run even if the
// first fails.
func release(t board.Transport) error {
	disableErr := t.Disable(context.Background())
	closeErr := t.Close()
	if disableErr != nil {
		return disableErr
	}
	return closeErr
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	logrus.WithFields(logrus.Fields{
		"session": s.id,
		"from":    s.state,
		"to":      state,
	}).Info("session state changed")
	from := s.state
	s.state = state
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(s.id, from, state)
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ID returns the ID of the current or last opened session.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// ready returns the board if the session is READY.
func (s *Session) ready() (board.Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady {
		return nil, pkgerrors.Wrapf(ErrInvalidState, "session is %s, not %s", s.state, StateReady)
	}
	return s.transport, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsWarmUpInterrupted reports whether err came from a cancelled warm-up.
func IsWarmUpInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
