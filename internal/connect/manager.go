// Package connect manages the link to a single peripheral: connect, retry on
// failure, a session-wide watchdog and the telemetry read timeout.
//
// The confirmed flag is set before anything else when the bridge reports a
// successful connection. From then on, connect failures are stale
// notifications and are discarded.
package connect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/timer"
)

// Timing holds the manager's deadlines.
type Timing struct {
	Watchdog    time.Duration // whole pairing session, started once
	ReadTimeout time.Duration // telemetry read after connect
	RetryStep   time.Duration // linear backoff unit: retry n waits n*RetryStep
	MaxRetries  int
}

// DefaultTiming returns the production deadlines.
func DefaultTiming() Timing {
	return Timing{
		Watchdog:    90 * time.Second,
		ReadTimeout: 20 * time.Second,
		RetryStep:   time.Second,
		MaxRetries:  3,
	}
}

// Callbacks receive the manager's outcomes on the dispatch goroutine.
type Callbacks struct {
	// OnConnected is called after the telemetry read was requested.
	OnConnected func(address string)
	// OnRetry is called when a failed attempt is scheduled for retry.
	OnRetry func(retry int)
	// OnTerminal is called once when the link cannot be established or the
	// read timed out. The manager has already disconnected and reset.
	OnTerminal func(err error)
}

// Manager is the connection state machine. It is not safe for concurrent
// use; the session's dispatch loop owns it.
type Manager struct {
	cmd    bridge.Commander
	sched  timer.Scheduler
	timing Timing
	cb     Callbacks

	ctx       context.Context
	address   string
	retry     int
	confirmed bool
	reading   bool

	watchdog   timer.Timer
	retryTimer timer.Timer
	readTimer  timer.Timer
}

// New creates a manager issuing commands on cmd.
func New(cmd bridge.Commander, sched timer.Scheduler, timing Timing, cb Callbacks) *Manager {
	return &Manager{cmd: cmd, sched: sched, timing: timing, cb: cb, ctx: context.Background()}
}

// Address returns the pending or connected peripheral address.
func (m *Manager) Address() string { return m.address }

// Retry returns the number of retries used for the current address.
func (m *Manager) Retry() int { return m.retry }

// Confirmed reports whether the bridge confirmed the connection.
func (m *Manager) Confirmed() bool { return m.confirmed }

// Reading reports whether a telemetry read is outstanding.
func (m *Manager) Reading() bool { return m.reading }

// Active reports whether the manager holds an address.
func (m *Manager) Active() bool { return m.address != "" }

// Connect starts connecting to address. The caller must have stopped
// discovery first. The watchdog starts on the first Connect after a Reset
// and is not restarted by retries.
func (m *Manager) Connect(ctx context.Context, address string) error {
	if address == "" {
		return fmt.Errorf("connect: empty address")
	}
	if m.address != "" && !strings.EqualFold(m.address, address) {
		return fmt.Errorf("connect: %w: already connecting to %s", domain.ErrBusy, m.address)
	}
	m.ctx = ctx
	m.address = address
	m.retry = 0
	if m.watchdog == nil {
		m.watchdog = m.sched.AfterFunc(m.timing.Watchdog, m.onWatchdog)
	}
	slog.Info("[CONNECT] Connecting", "address", address)
	m.dial()
	return nil
}

func (m *Manager) dial() {
	if err := m.cmd.Connect(m.ctx, m.address); err != nil {
		slog.Warn("[CONNECT] Connect command not dispatched", "address", m.address, "error", err)
		m.HandleFailed(err.Error())
	}
}

// HandleSucceeded processes a connectSucceeded event. It returns false when
// the event does not belong to the current attempt.
func (m *Manager) HandleSucceeded(address string) bool {
	if m.address == "" {
		slog.Debug("[CONNECT] Ignoring connect success with no pending connection", "address", address)
		return false
	}
	if address != "" && !strings.EqualFold(address, m.address) {
		slog.Warn("[CONNECT] Ignoring connect success for another peripheral", "address", address, "pending", m.address)
		return false
	}
	if m.confirmed {
		return false
	}

	m.confirmed = true
	timer.Stop(m.retryTimer)
	m.retryTimer = nil
	timer.Stop(m.watchdog)
	m.watchdog = nil
	m.retry = 0

	slog.Info("[CONNECT] Connected, reading telemetry", "address", m.address)
	m.reading = true
	m.readTimer = m.sched.AfterFunc(m.timing.ReadTimeout, m.onReadTimeout)
	if err := m.cmd.ReadTelemetryService(m.ctx, m.address); err != nil {
		m.terminal(domain.NewFailure("connect.read", domain.ErrConnectTerminal, err.Error()))
		return true
	}
	if m.cb.OnConnected != nil {
		m.cb.OnConnected(m.address)
	}
	return true
}

// HandleFailed processes a connectFailed event. Failures after a confirmed
// connection are stale and ignored; it returns false for those.
func (m *Manager) HandleFailed(reason string) bool {
	if m.confirmed {
		slog.Debug("[CONNECT] Ignoring stale connect failure", "address", m.address, "reason", reason)
		return false
	}
	if m.address == "" {
		return false
	}
	if m.retryTimer != nil {
		// A retry is already scheduled for an earlier failure.
		return false
	}

	if m.retry < m.timing.MaxRetries {
		m.retry++
		delay := m.timing.RetryStep * time.Duration(m.retry)
		slog.Info("[CONNECT] Connect failed, retrying", "address", m.address, "retry", m.retry, "delay", delay, "reason", reason)
		m.retryTimer = m.sched.AfterFunc(delay, m.onRetry)
		if m.cb.OnRetry != nil {
			m.cb.OnRetry(m.retry)
		}
		return true
	}

	slog.Warn("[CONNECT] Connect retries exhausted", "address", m.address, "retries", m.retry, "reason", reason)
	m.terminal(domain.NewFailure("connect", domain.ErrConnectTerminal, reason))
	return true
}

func (m *Manager) onRetry() {
	m.retryTimer = nil
	if m.confirmed || m.address == "" {
		return
	}
	slog.Debug("[CONNECT] Reissuing connect", "address", m.address, "retry", m.retry)
	m.dial()
}

func (m *Manager) onWatchdog() {
	m.watchdog = nil
	if m.confirmed {
		return
	}
	slog.Error("[CONNECT] Watchdog expired without a connection outcome", "address", m.address, "after", m.timing.Watchdog)
	m.terminal(domain.NewFailure("connect.watchdog", domain.ErrLinkDropped,
		fmt.Sprintf("no connection outcome within %s", m.timing.Watchdog)))
}

func (m *Manager) onReadTimeout() {
	m.readTimer = nil
	if !m.reading {
		return
	}
	slog.Warn("[CONNECT] Telemetry read timed out", "address", m.address, "after", m.timing.ReadTimeout)
	m.terminal(domain.NewFailure("connect.read", domain.ErrTelemetryTimeout,
		fmt.Sprintf("no telemetry within %s", m.timing.ReadTimeout)))
}

// HandleTelemetryDone stops the read timeout. It returns false when no read
// was outstanding, which marks the telemetry event as stale.
func (m *Manager) HandleTelemetryDone() bool {
	if !m.reading {
		return false
	}
	m.reading = false
	timer.Stop(m.readTimer)
	m.readTimer = nil
	return true
}

// Cancel abandons an unconfirmed connection. Once the connection is
// confirmed it returns domain.ErrCancelRefused and changes nothing.
func (m *Manager) Cancel() error {
	if m.confirmed {
		return domain.ErrCancelRefused
	}
	if m.address != "" {
		slog.Info("[CONNECT] Connection cancelled", "address", m.address)
		m.disconnect()
	}
	m.Reset()
	return nil
}

// Abort disconnects and resets after a failure detected by the caller, such
// as a telemetry decode error.
func (m *Manager) Abort() {
	m.disconnect()
	m.Reset()
}

// Release disconnects after a completed read. The confirmed flag survives so
// that late failures stay inert until Reset.
func (m *Manager) Release() {
	m.stopTimers()
	m.reading = false
	m.disconnect()
}

// Reset clears all state, including the confirmed flag. Only terminal
// failure and session finalize call it.
func (m *Manager) Reset() {
	m.stopTimers()
	m.address = ""
	m.retry = 0
	m.confirmed = false
	m.reading = false
}

func (m *Manager) terminal(err error) {
	m.disconnect()
	m.Reset()
	if m.cb.OnTerminal != nil {
		m.cb.OnTerminal(err)
	}
}

func (m *Manager) disconnect() {
	if m.address == "" {
		return
	}
	if err := m.cmd.Disconnect(m.ctx, m.address); err != nil {
		slog.Warn("[CONNECT] Disconnect command not dispatched", "address", m.address, "error", err)
	}
}

func (m *Manager) stopTimers() {
	timer.Stop(m.watchdog)
	timer.Stop(m.retryTimer)
	timer.Stop(m.readTimer)
	m.watchdog, m.retryTimer, m.readTimer = nil, nil, nil
}
