package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DedupeCache is a TTL-based set of seen correlation ids.
// IsDuplicate records unseen keys; entries expire after ttl and are pruned
// lazily.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewDedupeCache creates a cache. A nil now means time.Now.
func NewDedupeCache(ttl time.Duration, maxSize int, now func() time.Time) *DedupeCache {
	if now == nil {
		now = time.Now
	}
	return &DedupeCache{
		entries: make(map[string]time.Time, 64),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

// IsDuplicate returns true if key was seen within the TTL window.
func (d *DedupeCache) IsDuplicate(key string) bool {
	now := d.now()
	cutoff := now.Add(-d.ttl)

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.entries[key]; ok && !ts.Before(cutoff) {
		return true
	}
	d.cleanup(cutoff)
	d.entries[key] = now
	return false
}

// Len returns the number of remembered keys.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// cleanup must be called with d.mu held.
func (d *DedupeCache) cleanup(cutoff time.Time) {
	for k, ts := range d.entries {
		if ts.Before(cutoff) {
			delete(d.entries, k)
		}
	}
	if d.maxSize > 0 && len(d.entries) >= d.maxSize {
		excess := len(d.entries) - d.maxSize + 1
		for k := range d.entries {
			if excess <= 0 {
				break
			}
			delete(d.entries, k)
			excess--
		}
	}
}

// Publisher sends a payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Record is one accepted completion.
type Record struct {
	Request    Request
	ReceivedAt time.Time
}

// Ledger is the backend side of the handshake: it accepts requests, treats
// a repeated correlation id as a replay of the same operation, and answers
// on the sibling response topic.
type Ledger struct {
	pub    Publisher
	dedupe *DedupeCache
	now    func() time.Time

	mu      sync.Mutex
	records []Record
}

// NewLedger creates a ledger answering through pub.
func NewLedger(pub Publisher, dedupe *DedupeCache, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{pub: pub, dedupe: dedupe, now: now}
}

// Handle processes one request message. Malformed requests are rejected
// with a failure response when a reply topic can be derived.
func (l *Ledger) Handle(ctx context.Context, topic string, payload []byte) error {
	replyTopic, ok := ResponseTopicFor(topic)
	if !ok {
		return fmt.Errorf("completion: ledger: %q is not a request topic", topic)
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return l.reply(ctx, replyTopic, Response{Status: "rejected", Message: "malformed request"})
	}
	if err := req.Validate(); err != nil {
		return l.reply(ctx, replyTopic, Response{CorrelationID: req.CorrelationID, PlanID: req.PlanID, Status: "rejected", Message: err.Error()})
	}

	if l.dedupe.IsDuplicate(req.CorrelationID) {
		slog.Info("[LEDGER] Replayed completion", "plan", req.PlanID, "correlation_id", req.CorrelationID)
		return l.reply(ctx, replyTopic, Response{
			CorrelationID: req.CorrelationID,
			PlanID:        req.PlanID,
			Status:        "duplicate",
			Replay:        true,
			Code:          "IDEMPOTENT_REPLAY",
		})
	}

	l.mu.Lock()
	l.records = append(l.records, Record{Request: req, ReceivedAt: l.now()})
	l.mu.Unlock()

	slog.Info("[LEDGER] Completion recorded", "plan", req.PlanID, "correlation_id", req.CorrelationID,
		"battery", req.Data.ServiceData.NewBatteryID, "energy_kwh", req.Data.ServiceData.EnergyTransferred)
	success := true
	return l.reply(ctx, replyTopic, Response{CorrelationID: req.CorrelationID, PlanID: req.PlanID, Success: &success, Status: "success"})
}

// Records returns the accepted operations in arrival order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

func (l *Ledger) reply(ctx context.Context, topic string, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("completion: ledger: encode response: %w", err)
	}
	if err := l.pub.Publish(ctx, topic, b); err != nil {
		return fmt.Errorf("completion: ledger: publish %s: %w", topic, err)
	}
	return nil
}
