package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/swaplink/internal/bridge/bridgetest"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/telemetry"
	"github.com/chaz8081/swaplink/internal/timer/timertest"
)

var attendant = domain.Profile{ActorType: domain.ActorAttendant, TopicPrefix: "swap/attendant"}

func newReporter(t *testing.T) (*Reporter, *bridgetest.Recorder, *timertest.Scheduler, *[]Outcome) {
	t.Helper()
	rec := bridgetest.New()
	sched := timertest.New()
	var outcomes []Outcome
	r := New(rec, sched, attendant, 0, func(o Outcome) { outcomes = append(outcomes, o) })
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("corr-%d", n)
	}
	return r, rec, sched, &outcomes
}

func sampleInput() Input {
	return Input{
		PlanID:    "plan-42",
		ActorID:   "att-7",
		BatteryID: "BATT-123456",
		Metrics:   telemetry.Metrics{EnergyWh: 1153.94, ChargePercent: 96},
		Duration:  95*time.Second + 400*time.Millisecond,
	}
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "emit/swap/attendant/plan/p1/payment_and_service", RequestTopic("swap/attendant", "p1"))
	assert.Equal(t, "echo/swap/attendant/plan/p1/payment_and_service", ResponseTopic("/swap/attendant/", "p1"))
	assert.Equal(t, "emit/plan/p1/payment_and_service", RequestTopic("", "p1"))
	assert.Equal(t, "emit/x/plan/*/payment_and_service", RequestPattern("x"))

	got, ok := ResponseTopicFor("emit/x/plan/p1/payment_and_service")
	require.True(t, ok)
	assert.Equal(t, "echo/x/plan/p1/payment_and_service", got)
	_, ok = ResponseTopicFor("echo/x/plan/p1/payment_and_service")
	assert.False(t, ok)
}

func TestRequestWireShape(t *testing.T) {
	r, _, _, _ := newReporter(t)
	req := r.Build(sampleInput())

	b, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"timestamp": "2025-01-01T09:00:00.000Z",
		"plan_id": "plan-42",
		"correlation_id": "corr-1",
		"actor": {"type": "attendant", "id": "att-7"},
		"data": {
			"action": "REPORT_PAYMENT_AND_SERVICE_COMPLETION",
			"service_data": {
				"new_battery_id": "BATT-123456",
				"energy_transferred": 1.15,
				"service_duration": 95
			}
		}
	}`, string(b))
}

func TestCorrelationIDIsFreshPerAttempt(t *testing.T) {
	rec := bridgetest.New()
	r := New(rec, timertest.New(), attendant, 0, nil)
	a := r.Build(sampleInput())
	b := r.Build(sampleInput())
	assert.NotEmpty(t, a.CorrelationID)
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestCompleteSubscribesBeforePublish(t *testing.T) {
	r, rec, sched, _ := newReporter(t)
	req, err := r.Complete(context.Background(), sampleInput())
	require.NoError(t, err)

	calls := rec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "subscribe", calls[0].Name)
	assert.Equal(t, "echo/swap/attendant/plan/plan-42/payment_and_service", calls[0].Topic)
	assert.Equal(t, "publish", calls[1].Name)
	assert.Equal(t, "emit/swap/attendant/plan/plan-42/payment_and_service", calls[1].Topic)

	var sent Request
	require.NoError(t, json.Unmarshal(calls[1].Payload, &sent))
	assert.Equal(t, req, sent)
	assert.True(t, r.Pending())
	assert.Equal(t, []time.Duration{30 * time.Second}, sched.Deadlines())
}

func TestConfirmationFinalizesOnce(t *testing.T) {
	r, _, sched, outcomes := newReporter(t)
	req, err := r.Complete(context.Background(), sampleInput())
	require.NoError(t, err)
	topic := ResponseTopic(attendant.TopicPrefix, req.PlanID)

	assert.False(t, r.HandleMessage("echo/other", []byte(`{"correlation_id":"corr-1","status":"ok"}`)))
	assert.False(t, r.HandleMessage(topic, []byte(`{"correlation_id":"corr-99","status":"ok"}`)))
	assert.False(t, r.HandleMessage(topic, []byte(`not json`)))
	assert.False(t, r.HandleMessage(topic, []byte(`{"correlation_id":"corr-1","status":"error"}`)))
	require.Empty(t, *outcomes)

	sched.Advance(time.Second)
	assert.True(t, r.HandleMessage(topic, []byte(`{"correlationId":"corr-1","success":true}`)))
	require.Len(t, *outcomes, 1)
	o := (*outcomes)[0]
	assert.True(t, o.Confirmed())
	assert.False(t, o.Replay())
	assert.Equal(t, "corr-1", o.Request.CorrelationID)

	// A second confirmation and the timer are both inert.
	assert.False(t, r.HandleMessage(topic, []byte(`{"correlation_id":"corr-1","success":true}`)))
	sched.Advance(time.Minute)
	assert.Len(t, *outcomes, 1)
	assert.False(t, r.Pending())
}

func TestTimeoutFinalizesOptimistically(t *testing.T) {
	r, _, sched, outcomes := newReporter(t)
	req, err := r.Complete(context.Background(), sampleInput())
	require.NoError(t, err)

	sched.Advance(30*time.Second - time.Millisecond)
	require.Empty(t, *outcomes)
	sched.Advance(time.Millisecond)

	require.Len(t, *outcomes, 1)
	assert.True(t, (*outcomes)[0].TimedOut)
	assert.False(t, (*outcomes)[0].Confirmed())

	late := fmt.Sprintf(`{"correlation_id":%q,"status":"success"}`, req.CorrelationID)
	assert.False(t, r.HandleMessage(ResponseTopic(attendant.TopicPrefix, req.PlanID), []byte(late)))
	assert.Len(t, *outcomes, 1)
}

func TestReplaySignalsConfirm(t *testing.T) {
	tests := []string{
		`{"correlation_id":"corr-1","replay":true}`,
		`{"correlation_id":"corr-1","status":"DUPLICATE"}`,
		`{"correlation_id":"corr-1","status":"already_processed"}`,
		`{"correlation_id":"corr-1","code":"IDEMPOTENT_REPLAY"}`,
	}
	for _, payload := range tests {
		r, _, _, outcomes := newReporter(t)
		req, err := r.Complete(context.Background(), sampleInput())
		require.NoError(t, err)
		require.True(t, r.HandleMessage(ResponseTopic(attendant.TopicPrefix, req.PlanID), []byte(payload)), payload)
		assert.True(t, (*outcomes)[0].Replay(), payload)
		assert.True(t, (*outcomes)[0].Confirmed(), payload)
	}
}

func TestCompleteErrors(t *testing.T) {
	t.Run("busy", func(t *testing.T) {
		r, _, _, _ := newReporter(t)
		_, err := r.Complete(context.Background(), sampleInput())
		require.NoError(t, err)
		_, err = r.Complete(context.Background(), sampleInput())
		assert.ErrorIs(t, err, domain.ErrBusy)
	})
	t.Run("missing plan", func(t *testing.T) {
		r, rec, _, _ := newReporter(t)
		in := sampleInput()
		in.PlanID = " "
		_, err := r.Complete(context.Background(), in)
		assert.Error(t, err)
		assert.Empty(t, rec.Calls())
	})
	t.Run("publish fails", func(t *testing.T) {
		r, rec, sched, _ := newReporter(t)
		rec.Fail["publish"] = errors.New("offline")
		_, err := r.Complete(context.Background(), sampleInput())
		assert.Error(t, err)
		assert.False(t, r.Pending())
		assert.Equal(t, 0, sched.Pending())
	})
}

func TestRetryAfterPublishFailureSubscribesOnce(t *testing.T) {
	r, rec, _, _ := newReporter(t)
	rec.Fail["publish"] = errors.New("offline")
	_, err := r.Complete(context.Background(), sampleInput())
	require.Error(t, err)

	delete(rec.Fail, "publish")
	_, err = r.Complete(context.Background(), sampleInput())
	require.NoError(t, err)
	assert.Equal(t, []string{"subscribe", "publish", "publish"}, rec.Names())
}

func TestSubscribeFailureIsRetried(t *testing.T) {
	r, rec, _, _ := newReporter(t)
	rec.Fail["subscribe"] = errors.New("offline")
	_, err := r.Complete(context.Background(), sampleInput())
	require.Error(t, err)

	delete(rec.Fail, "subscribe")
	_, err = r.Complete(context.Background(), sampleInput())
	require.NoError(t, err)
	assert.Equal(t, []string{"subscribe", "subscribe", "publish"}, rec.Names())
}

func TestAbandon(t *testing.T) {
	r, _, sched, outcomes := newReporter(t)
	_, err := r.Complete(context.Background(), sampleInput())
	require.NoError(t, err)
	r.Abandon()
	sched.Advance(time.Minute)
	assert.Empty(t, *outcomes)
	assert.False(t, r.Pending())
}

func TestLedgerTreatsSameCorrelationIDAsOneOperation(t *testing.T) {
	sched := timertest.New()
	pub := bridgetest.New()
	ledger := NewLedger(pub, NewDedupeCache(time.Hour, 100, sched.Now), sched.Now)

	r, _, _, _ := newReporter(t)
	req := r.Build(sampleInput())
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	topic := RequestTopic(attendant.TopicPrefix, req.PlanID)

	require.NoError(t, ledger.Handle(context.Background(), topic, payload))
	require.NoError(t, ledger.Handle(context.Background(), topic, payload))

	assert.Len(t, ledger.Records(), 1)
	calls := pub.Calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, ResponseTopic(attendant.TopicPrefix, req.PlanID), c.Topic)
	}

	first, err := ParseResponse(calls[0].Payload)
	require.NoError(t, err)
	assert.True(t, first.Confirms())
	assert.False(t, first.IsReplay())
	assert.Equal(t, req.CorrelationID, first.ID())

	second, err := ParseResponse(calls[1].Payload)
	require.NoError(t, err)
	assert.True(t, second.IsReplay())
	assert.True(t, second.Confirms())

	// A fresh correlation id is a new operation.
	req2 := r.Build(sampleInput())
	payload2, _ := json.Marshal(req2)
	require.NoError(t, ledger.Handle(context.Background(), topic, payload2))
	assert.Len(t, ledger.Records(), 2)
}

func TestLedgerRejectsInvalid(t *testing.T) {
	pub := bridgetest.New()
	ledger := NewLedger(pub, NewDedupeCache(time.Hour, 0, nil), nil)

	require.NoError(t, ledger.Handle(context.Background(), "emit/x/plan/p/payment_and_service", []byte(`{`)))
	resp, err := ParseResponse(pub.Calls()[0].Payload)
	require.NoError(t, err)
	assert.False(t, resp.Confirms())

	assert.Error(t, ledger.Handle(context.Background(), "other/topic", []byte(`{}`)))
	assert.Empty(t, ledger.Records())
}

func TestDedupeCacheExpiry(t *testing.T) {
	sched := timertest.New()
	d := NewDedupeCache(time.Minute, 0, sched.Now)
	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))
	sched.Advance(time.Minute + time.Second)
	assert.False(t, d.IsDuplicate("a"))
}

func TestDedupeCacheMaxSize(t *testing.T) {
	d := NewDedupeCache(time.Hour, 3, nil)
	for _, k := range []string{"a", "b", "c", "d"} {
		assert.False(t, d.IsDuplicate(k))
	}
	assert.LessOrEqual(t, d.Len(), 3)
	assert.True(t, d.IsDuplicate("d"))
}
