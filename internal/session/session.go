// Package session orchestrates a battery pairing: code scan, peripheral
// match, connection, telemetry read and completion report. All protocol
// state is owned by the goroutine running Session.Run.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/completion"
	"github.com/chaz8081/swaplink/internal/connect"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/match"
	"github.com/chaz8081/swaplink/internal/scan"
	"github.com/chaz8081/swaplink/internal/timer"
)

// Timing collects the protocol deadlines.
type Timing struct {
	Connect           connect.Timing
	ScanSafety        time.Duration
	CompletionTimeout time.Duration
}

// DefaultTiming returns the production deadlines.
func DefaultTiming() Timing {
	return Timing{
		Connect:           connect.DefaultTiming(),
		ScanSafety:        scan.DefaultSafetyTimeout,
		CompletionTimeout: completion.DefaultTimeout,
	}
}

// Options configures a Session.
type Options struct {
	Profile  domain.Profile
	Timing   Timing
	Listener Listener
	Payments PaymentHandler
	Tracer   trace.Tracer // nil means the global swaplink tracer

	// Scheduler overrides the clock-backed scheduler. Its callbacks are
	// still delivered through the dispatch loop.
	Scheduler timer.Scheduler
	Clock     clockwork.Clock
}

// Snapshot is a consistent copy of the session's observable state.
type Snapshot struct {
	State    State
	ScanType domain.ScanType
	Pairing  *Pairing // nil when no pairing is active
	Last     *Result  // most recent finalized pairing
}

type request struct {
	fn    func(m *machine) error
	reply chan error
}

// Session runs the pairing protocol against one bridge handle.
type Session struct {
	handle  *bridge.Handle
	opts    Options
	posted  chan func()
	reqs    chan request
	done    chan struct{}
	running atomic.Bool
}

// New validates opts and creates a session bound to h. Call Run to start
// processing.
func New(h *bridge.Handle, opts Options) (*Session, error) {
	if h == nil {
		return nil, fmt.Errorf("session: %w", domain.ErrNotAttached)
	}
	if !opts.Profile.ActorType.Valid() {
		return nil, fmt.Errorf("session: unknown actor type %q", opts.Profile.ActorType)
	}
	if opts.Profile.TopicPrefix == "" {
		return nil, errors.New("session: topic prefix is required")
	}
	if _, err := match.ParseStrategy(opts.Profile.MatchStrategy); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming()
	}
	return &Session{
		handle: h,
		opts:   opts,
		posted: make(chan func(), 16),
		reqs:   make(chan request),
		done:   make(chan struct{}),
	}, nil
}

// Run processes bridge events, timer expiries and operator requests until
// ctx is cancelled or the event stream closes. It may be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	defer close(s.done)

	inner := s.opts.Scheduler
	if inner == nil {
		inner = timer.NewClockScheduler(s.opts.Clock)
	}
	m, err := newMachine(ctx, s.handle, timer.NewLoop(inner, s.post), s.opts)
	if err != nil {
		return err
	}
	slog.Info("[SESSION] Running", "profile", s.opts.Profile.String())

	events := s.handle.Events()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				m.shutdown()
				return fmt.Errorf("session: %w: event stream closed", domain.ErrNotAttached)
			}
			m.handleEvent(ev)
		case f := <-s.posted:
			f()
		case req := <-s.reqs:
			req.reply <- req.fn(m)
		}
	}
}

// post hands a timer callback to the loop. Callbacks posted after Run
// returned are dropped.
func (s *Session) post(f func()) {
	select {
	case s.posted <- f:
	case <-s.done:
	}
}

func (s *Session) do(ctx context.Context, fn func(m *machine) error) error {
	reply := make(chan error, 1)
	select {
	case s.reqs <- request{fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return domain.ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartBatteryScan opens the code scanner for a battery and starts
// discovery. It is a no-op while the battery scanner is already open and
// fails with domain.ErrBusy during any other active pairing.
func (s *Session) StartBatteryScan(ctx context.Context) error {
	return s.do(ctx, func(m *machine) error { return m.startBatteryScan() })
}

// StartPaymentScan opens the code scanner for a payment code. The code is
// routed to the configured PaymentHandler.
func (s *Session) StartPaymentScan(ctx context.Context) error {
	return s.do(ctx, func(m *machine) error { return m.startPaymentScan() })
}

// Cancel abandons the active pairing. It returns domain.ErrCancelRefused
// once the connection is confirmed and while telemetry is being read.
func (s *Session) Cancel(ctx context.Context) error {
	return s.do(ctx, func(m *machine) error { return m.cancel() })
}

// CompleteService reports the pending reading for planID. The outcome is
// delivered to Listener.OnFinalized.
func (s *Session) CompleteService(ctx context.Context, planID, actorID string) (completion.Request, error) {
	var req completion.Request
	err := s.do(ctx, func(m *machine) error {
		var err error
		req, err = m.completeService(planID, actorID)
		return err
	})
	return req, err
}

// Snapshot returns the current state and pairing.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func(m *machine) error {
		snap = m.snapshot()
		return nil
	})
	return snap, err
}

// State returns the active state.
func (s *Session) State(ctx context.Context) (State, error) {
	snap, err := s.Snapshot(ctx)
	return snap.State, err
}

// Pairing returns a copy of the active pairing, or nil.
func (s *Session) Pairing(ctx context.Context) (*Pairing, error) {
	snap, err := s.Snapshot(ctx)
	return snap.Pairing, err
}
