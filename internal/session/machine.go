package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/completion"
	"github.com/chaz8081/swaplink/internal/connect"
	"github.com/chaz8081/swaplink/internal/discovery"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/match"
	"github.com/chaz8081/swaplink/internal/scan"
	"github.com/chaz8081/swaplink/internal/telemetry"
	"github.com/chaz8081/swaplink/internal/timer"
	"github.com/chaz8081/swaplink/internal/tracer"
)

// machine is the pairing protocol. Every method runs on the dispatch
// goroutine; nothing here is locked.
type machine struct {
	ctx      context.Context
	sched    timer.Scheduler
	profile  domain.Profile
	listener Listener
	payments PaymentHandler
	tracer   trace.Tracer

	store  *discovery.Store
	scan   *scan.Coordinator
	match  *match.Engine
	conn   *connect.Manager
	report *completion.Reporter

	state   State
	pairing *Pairing
	last    *Result
	span    trace.Span
}

func newMachine(ctx context.Context, cmd bridge.Commander, sched timer.Scheduler, opts Options) (*machine, error) {
	strategy, err := match.ParseStrategy(opts.Profile.MatchStrategy)
	if err != nil {
		return nil, err
	}
	m := &machine{
		ctx:      ctx,
		sched:    sched,
		profile:  opts.Profile,
		listener: opts.Listener,
		payments: opts.Payments,
		tracer:   opts.Tracer,
		state:    Idle{},
	}
	if m.listener == nil {
		m.listener = ListenerFuncs{}
	}
	if m.tracer == nil {
		m.tracer = tracer.Tracer()
	}

	m.store = discovery.NewStore()
	m.scan = scan.New(cmd, m.store, sched, opts.Timing.ScanSafety, scan.Callbacks{
		OnBatteryCode: m.onBatteryCode,
		OnPaymentCode: m.onPaymentCode,
		OnCancelled:   m.onScanCancelled,
		OnError:       m.onScanError,
	})
	m.match = match.New(m.store, sched, strategy, match.Callbacks{
		OnProgress:  m.onMatchProgress,
		OnMatched:   m.onMatched,
		OnExhausted: m.onExhausted,
	})
	m.conn = connect.New(cmd, sched, opts.Timing.Connect, connect.Callbacks{
		OnConnected: m.onConnected,
		OnRetry:     m.onConnectRetry,
		OnTerminal:  m.fail,
	})
	m.report = completion.New(cmd, sched, opts.Profile, opts.Timing.CompletionTimeout, m.onFinalized)
	return m, nil
}

func (m *machine) setState(s State) {
	m.state = s
	slog.Debug("[SESSION] State", "state", s.String())
	if m.span != nil {
		m.span.AddEvent("state", trace.WithAttributes(tracer.StringAttr("state", s.String())))
	}
	m.listener.OnState(s)
}

// handleEvent dispatches one inbound bridge event.
func (m *machine) handleEvent(ev bridge.Event) {
	switch ev.Kind {
	case bridge.EventPeripheralDiscovered:
		m.scan.HandleDiscovered(ev.Peripheral)
	case bridge.EventConnectSucceeded:
		m.conn.HandleSucceeded(ev.Address)
	case bridge.EventConnectFailed:
		m.conn.HandleFailed(ev.Reason)
	case bridge.EventTelemetryProgress:
		m.onTelemetryProgress(ev.Progress)
	case bridge.EventTelemetryComplete:
		m.onTelemetryComplete(ev.Service)
	case bridge.EventTelemetryFailed:
		m.onTelemetryFailed(ev.Reason)
	case bridge.EventCodeScanResult:
		m.scan.HandleResult(ev.Scan)
	case bridge.EventMessageArrived:
		m.report.HandleMessage(ev.Message.Topic, ev.Message.Payload)
	case bridge.EventUnknown:
		slog.Warn("[SESSION] Dropping event of unknown kind")
	default:
		slog.Warn("[SESSION] Dropping unsupported event", "kind", ev.Kind)
	}
}

func (m *machine) startBatteryScan() error {
	if Busy(m.state) {
		if _, ok := m.state.(Scanning); ok {
			return nil
		}
		return fmt.Errorf("session: %w (%s)", domain.ErrBusy, m.state)
	}
	if m.scan.Pending() != domain.ScanNone {
		return fmt.Errorf("session: %w: %s scanner open", domain.ErrBusy, m.scan.Pending())
	}

	m.pairing = newPairing(m.sched.Now())
	_, m.span = m.tracer.Start(m.ctx, "swaplink.pairing", trace.WithAttributes(
		tracer.StringAttr("pairing.id", m.pairing.ID),
		tracer.StringAttr("actor.type", string(m.profile.ActorType)),
	))
	slog.Info("[SESSION] Pairing started", "pairing", m.pairing.ID, "profile", m.profile.String())

	if err := m.scan.StartDiscovery(m.ctx); err != nil {
		m.abandon(err)
		return err
	}
	if _, err := m.scan.StartCodeScan(m.ctx, domain.ScanBattery); err != nil {
		m.stopDiscovery()
		m.abandon(err)
		return err
	}
	m.setState(Scanning{})
	return nil
}

func (m *machine) startPaymentScan() error {
	started, err := m.scan.StartCodeScan(m.ctx, domain.ScanPayment)
	if err != nil {
		return err
	}
	if !started {
		slog.Debug("[SESSION] Scanner already open, payment scan ignored")
	}
	return nil
}

func (m *machine) onBatteryCode(code string) {
	if _, ok := m.state.(Scanning); !ok || m.pairing == nil {
		slog.Warn("[SESSION] Battery code outside a scan, ignoring", "state", m.state)
		return
	}
	m.pairing.PendingCode = code
	if err := m.match.Start(code); err != nil {
		m.fail(err)
	}
}

func (m *machine) onPaymentCode(code string) {
	if m.payments == nil {
		m.listener.OnError(errors.New("session: no payment handler configured"))
		return
	}
	if err := m.payments.HandlePaymentCode(m.ctx, code); err != nil {
		slog.Warn("[SESSION] Payment code rejected", "error", err)
		m.listener.OnError(err)
	}
}

func (m *machine) onScanCancelled(kind domain.ScanType) {
	if kind != domain.ScanBattery {
		return
	}
	if _, ok := m.state.(Scanning); !ok {
		return
	}
	m.stopDiscovery()
	m.toIdle("scan cancelled")
}

func (m *machine) onScanError(kind domain.ScanType, err error) {
	if kind == domain.ScanBattery {
		if _, ok := m.state.(Scanning); ok {
			m.fail(err)
			return
		}
	}
	m.listener.OnError(err)
}

func (m *machine) onMatchProgress(pct int) {
	attempt := m.match.Attempt()
	if m.pairing != nil {
		m.pairing.MatchAttempt = attempt
	}
	if cur, ok := m.state.(Matching); !ok || cur.Attempt != attempt {
		m.setState(Matching{Attempt: attempt})
	}
	m.listener.OnProgress(StageMatching, pct)
}

func (m *machine) onMatched(p discovery.Peripheral) {
	m.pairing.PendingAddress = p.Address
	m.pairing.PendingDisplayID = p.Name
	// Discovery must be stopped before connecting to avoid contending for
	// the radio.
	m.stopDiscovery()
	m.setState(Connecting{})
	if err := m.conn.Connect(m.ctx, p.Address); err != nil {
		m.fail(err)
	}
}

func (m *machine) onExhausted() {
	m.stopDiscovery()
	m.fail(domain.NewFailure("match", domain.ErrMatchNotFound, fmt.Sprintf("code %s", m.pairing.PendingCode)))
}

func (m *machine) onConnectRetry(retry int) {
	if m.pairing != nil {
		m.pairing.ConnectRetry = retry
	}
	m.setState(Connecting{Retry: retry})
}

func (m *machine) onConnected(address string) {
	m.pairing.ConnectionConfirmed = true
	m.pairing.ConnectRetry = 0
	if m.span != nil {
		m.span.SetAttributes(tracer.StringAttr("peripheral.address", address))
	}
	m.setState(ReadingTelemetry{})
	m.listener.OnProgress(StageReading, 0)
}

func (m *machine) onTelemetryProgress(p bridge.Progress) {
	if _, ok := m.state.(ReadingTelemetry); !ok {
		return
	}
	m.setState(ReadingTelemetry{Done: p.Done, Total: p.Total})
	if p.Total > 0 {
		m.listener.OnProgress(StageReading, min(p.Done*100/p.Total, 99))
	}
}

func (m *machine) onTelemetryComplete(sd bridge.ServiceData) {
	if _, ok := m.state.(ReadingTelemetry); !ok || !m.conn.HandleTelemetryDone() {
		slog.Debug("[SESSION] Ignoring stale telemetry", "state", m.state)
		return
	}
	reading, metrics, err := telemetry.Decode(sd)
	if err != nil {
		m.conn.Abort()
		m.fail(err)
		return
	}
	m.conn.Release()
	slog.Info("[SESSION] Telemetry decoded", "energy_wh", metrics.EnergyWh, "charge_pct", metrics.ChargePercent)
	m.setState(PendingCompletion{Reading: reading, Metrics: metrics})
	m.listener.OnProgress(StageReading, 100)
}

func (m *machine) onTelemetryFailed(reason string) {
	if _, ok := m.state.(ReadingTelemetry); !ok || !m.conn.HandleTelemetryDone() {
		slog.Debug("[SESSION] Ignoring stale telemetry failure", "reason", reason)
		return
	}
	m.conn.Abort()
	m.fail(telemetry.ClassifyFailure(reason))
}

func (m *machine) completeService(planID, actorID string) (completion.Request, error) {
	st, ok := m.state.(PendingCompletion)
	if !ok {
		return completion.Request{}, fmt.Errorf("session: %w (%s)", domain.ErrNoReading, m.state)
	}
	req, err := m.report.Complete(m.ctx, completion.Input{
		PlanID:    planID,
		ActorID:   actorID,
		BatteryID: m.pairing.PendingCode,
		Metrics:   st.Metrics,
		Duration:  m.sched.Now().Sub(m.pairing.StartedAt),
	})
	if err != nil {
		m.listener.OnError(err)
		return completion.Request{}, err
	}
	if m.span != nil {
		m.span.AddEvent("completion.published", trace.WithAttributes(
			tracer.StringAttr("plan.id", planID),
			tracer.StringAttr("correlation.id", req.CorrelationID),
		))
	}
	return req, nil
}

func (m *machine) onFinalized(o completion.Outcome) {
	st, ok := m.state.(PendingCompletion)
	if !ok || m.pairing == nil {
		return
	}
	if o.TimedOut {
		slog.Warn("[SESSION] Finalizing without confirmation", "error", domain.ErrCompletionTimeout, "correlation_id", o.Request.CorrelationID)
	}
	res := Result{
		PairingID:      m.pairing.ID,
		BatteryID:      m.pairing.PendingCode,
		Address:        m.pairing.PendingAddress,
		PeripheralName: m.pairing.PendingDisplayID,
		Reading:        st.Reading,
		Metrics:        st.Metrics,
		CorrelationID:  o.Request.CorrelationID,
		Confirmed:      o.Confirmed(),
		Replay:         o.Replay(),
		StartedAt:      m.pairing.StartedAt,
		FinishedAt:     m.sched.Now(),
	}
	m.conn.Reset()
	m.pairing = nil
	m.last = &res
	m.setState(Completed{Result: res})
	m.listener.OnFinalized(res)
	slog.Info("[SESSION] Pairing finalized", "pairing", res.PairingID, "confirmed", res.Confirmed, "duration", res.Duration())
	m.endSpan(nil)
}

func (m *machine) cancel() error {
	switch st := m.state.(type) {
	case Idle, Completed, Failed:
		if m.scan.Pending() == domain.ScanPayment {
			m.scan.CancelCodeScan()
		}
		return nil
	case Scanning:
		m.scan.CancelCodeScan()
		m.stopDiscovery()
	case Matching:
		m.match.Cancel()
		m.stopDiscovery()
	case Connecting:
		if err := m.conn.Cancel(); err != nil {
			m.listener.OnError(err)
			return err
		}
	case ReadingTelemetry:
		m.listener.OnError(domain.ErrCancelRefused)
		return domain.ErrCancelRefused
	case PendingCompletion:
		if m.report.Pending() {
			return fmt.Errorf("session: %w: completion report in flight", domain.ErrBusy)
		}
		slog.Info("[SESSION] Discarding reading", "energy_wh", st.Metrics.EnergyWh)
		m.conn.Reset()
	default:
		panic(fmt.Sprintf("session: unknown state %T", st))
	}
	m.toIdle("cancelled")
	return nil
}

// fail moves to Failed after tearing down every live operation. Terminal
// failures always disconnect first.
func (m *machine) fail(err error) {
	m.match.Cancel()
	if m.scan.Pending() == domain.ScanBattery {
		m.scan.CancelCodeScan()
	}
	m.stopDiscovery()
	if m.conn.Active() {
		m.conn.Abort()
	}
	m.report.Abandon()
	m.pairing = nil

	f := Failed{Reason: err, RequiresReset: domain.RequiresReset(err)}
	slog.Error("[SESSION] Pairing failed", "error", err, "requires_reset", f.RequiresReset)
	m.setState(f)
	if !domain.IsSilent(err) {
		m.listener.OnError(err)
	}
	m.endSpan(err)
}

// abandon drops a pairing that never left Idle.
func (m *machine) abandon(err error) {
	m.pairing = nil
	m.endSpan(err)
}

func (m *machine) toIdle(reason string) {
	slog.Info("[SESSION] Pairing ended", "reason", reason)
	m.pairing = nil
	m.setState(Idle{})
	m.endSpan(nil)
}

func (m *machine) stopDiscovery() {
	if err := m.scan.StopDiscovery(m.ctx); err != nil {
		slog.Warn("[SESSION] Stop discovery failed", "error", err)
	}
}

func (m *machine) endSpan(err error) {
	if m.span == nil {
		return
	}
	if err != nil {
		tracer.RecordError(m.span, err)
	} else {
		tracer.SetOK(m.span)
	}
	m.span.End()
	m.span = nil
}

// shutdown releases the radio and timers when the loop exits.
func (m *machine) shutdown() {
	m.match.Cancel()
	m.scan.CancelCodeScan()
	m.stopDiscovery()
	if m.conn.Active() {
		m.conn.Abort()
	} else {
		m.conn.Reset()
	}
	m.report.Abandon()
	m.endSpan(domain.ErrClosed)
}

// snapshot copies the observable state.
func (m *machine) snapshot() Snapshot {
	s := Snapshot{State: m.state, ScanType: m.scan.Pending()}
	if m.pairing != nil {
		p := *m.pairing
		p.ScanType = s.ScanType
		s.Pairing = &p
	}
	if m.last != nil {
		r := *m.last
		s.Last = &r
	}
	return s
}
