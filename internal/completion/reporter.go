package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/telemetry"
	"github.com/chaz8081/swaplink/internal/timer"
)

// DefaultTimeout bounds the wait for a confirmation before the session is
// finalized optimistically.
const DefaultTimeout = 30 * time.Second

// Input describes one completed swap.
type Input struct {
	PlanID    string
	ActorID   string
	BatteryID string
	Metrics   telemetry.Metrics
	Duration  time.Duration
}

// Outcome is how an attempt was finalized.
type Outcome struct {
	Request  Request
	Response *Response // nil when TimedOut
	TimedOut bool
}

// Confirmed reports whether the backend acknowledged the request.
func (o Outcome) Confirmed() bool { return !o.TimedOut }

// Replay reports whether the backend recognized the request as a replay.
func (o Outcome) Replay() bool { return o.Response != nil && o.Response.IsReplay() }

// Reporter runs one completion handshake at a time. It is owned by the
// dispatch loop and not safe for concurrent use.
type Reporter struct {
	cmd     bridge.Commander
	sched   timer.Scheduler
	profile domain.Profile
	timeout time.Duration
	onFinal func(Outcome)
	newID   func() string

	pending  *Request
	response string
	timer    timer.Timer

	// subscribed holds response topics already subscribed on the bridge.
	subscribed map[string]bool
}

// New creates a reporter. A zero timeout means DefaultTimeout.
func New(cmd bridge.Commander, sched timer.Scheduler, profile domain.Profile, timeout time.Duration, onFinalized func(Outcome)) *Reporter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reporter{
		cmd:     cmd,
		sched:   sched,
		profile: profile,
		timeout: timeout,
		onFinal: onFinalized,
		newID:   uuid.NewString,

		subscribed: make(map[string]bool),
	}
}

// Pending reports whether an attempt awaits finalization.
func (r *Reporter) Pending() bool { return r.pending != nil }

// Build assembles the request for in with a fresh correlation id.
func (r *Reporter) Build(in Input) Request {
	return Request{
		Timestamp:     Timestamp(r.sched.Now()),
		PlanID:        in.PlanID,
		CorrelationID: r.newID(),
		Actor:         Actor{Type: r.profile.ActorType, ID: in.ActorID},
		Data: Data{
			Action: ActionReportCompletion,
			ServiceData: ServiceData{
				NewBatteryID:      in.BatteryID,
				EnergyTransferred: in.Metrics.KWh(),
				ServiceDuration:   in.Duration.Round(time.Second).Seconds(),
			},
		},
	}
}

// Complete subscribes to the plan's response topic, publishes the request
// and starts the completion timer. The outcome is delivered to the
// finalize callback exactly once.
func (r *Reporter) Complete(ctx context.Context, in Input) (Request, error) {
	if r.pending != nil {
		return Request{}, fmt.Errorf("completion: %w: report %s in flight", domain.ErrBusy, r.pending.CorrelationID)
	}
	req := r.Build(in)
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Request{}, fmt.Errorf("completion: encode request: %w", err)
	}

	response := ResponseTopic(r.profile.TopicPrefix, req.PlanID)
	if !r.subscribed[response] {
		if err := r.cmd.Subscribe(ctx, response); err != nil {
			return Request{}, fmt.Errorf("completion: subscribe %s: %w", response, err)
		}
		r.subscribed[response] = true
	}
	topic := RequestTopic(r.profile.TopicPrefix, req.PlanID)
	if err := r.cmd.Publish(ctx, topic, payload); err != nil {
		return Request{}, fmt.Errorf("completion: publish %s: %w", topic, err)
	}

	r.pending = &req
	r.response = response
	r.timer = r.sched.AfterFunc(r.timeout, r.onTimeout)
	slog.Info("[COMPLETE] Completion reported", "plan", req.PlanID, "correlation_id", req.CorrelationID,
		"energy_kwh", req.Data.ServiceData.EnergyTransferred, "topic", topic)
	return req, nil
}

// HandleMessage inspects an inbound pub/sub message. It returns true when
// the message finalized the pending attempt.
func (r *Reporter) HandleMessage(topic string, payload []byte) bool {
	if r.pending == nil || topic != r.response {
		return false
	}
	resp, err := ParseResponse(payload)
	if err != nil {
		slog.Warn("[COMPLETE] Ignoring malformed response", "topic", topic, "error", err)
		return false
	}
	if resp.ID() != r.pending.CorrelationID {
		slog.Debug("[COMPLETE] Ignoring response for another attempt", "correlation_id", resp.ID())
		return false
	}
	if !resp.Confirms() {
		slog.Warn("[COMPLETE] Response without success signal", "correlation_id", resp.ID(), "status", resp.Status, "message", resp.Message)
		return false
	}
	r.finalize(Outcome{Request: *r.pending, Response: &resp})
	return true
}

func (r *Reporter) onTimeout() {
	r.timer = nil
	if r.pending == nil {
		return
	}
	slog.Warn("[COMPLETE] No confirmation, finalizing optimistically", "correlation_id", r.pending.CorrelationID, "after", r.timeout)
	r.finalize(Outcome{Request: *r.pending, TimedOut: true})
}

func (r *Reporter) finalize(o Outcome) {
	timer.Stop(r.timer)
	r.timer = nil
	r.pending = nil
	r.response = ""
	if o.Replay() {
		slog.Info("[COMPLETE] Backend reported idempotent replay", "correlation_id", o.Request.CorrelationID)
	}
	if r.onFinal != nil {
		r.onFinal(o)
	}
}

// Abandon drops the pending attempt without finalizing it.
func (r *Reporter) Abandon() {
	timer.Stop(r.timer)
	r.timer = nil
	r.pending = nil
	r.response = ""
}
