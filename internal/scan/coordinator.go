// Package scan coordinates the host code scanner and peripheral discovery.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/discovery"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/timer"
)

// DefaultSafetyTimeout clears the pending scan if the host never reports a
// result, e.g. when the operator dismisses the scanner without cancelling.
const DefaultSafetyTimeout = 60 * time.Second

// IdentifierFields are the JSON object keys that can carry a battery or
// payment identifier, in priority order.
var IdentifierFields = []string{
	"battery_id", "batteryId",
	"device_id", "deviceId",
	"serial_number", "serialNumber", "sn",
	"id", "code",
}

// ExtractIdentifier returns the identifier carried by a scanned payload:
// either the bare string or the first non-empty known field of a JSON
// object. Numeric field values are accepted.
func ExtractIdentifier(value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", domain.ErrScanCancelled
	}
	if !strings.HasPrefix(v, "{") {
		return v, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(v), &obj); err != nil {
		return "", domain.NewFailure("scan.extract", domain.ErrInvalidCode, "malformed JSON payload")
	}
	for _, field := range IdentifierFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		if id := scalar(raw); id != "" {
			return id, nil
		}
	}
	return "", domain.NewFailure("scan.extract", domain.ErrInvalidCode, "no identifier field in payload")
}

func scalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

// Callbacks route scan outcomes. They run on the dispatch goroutine.
type Callbacks struct {
	OnBatteryCode func(code string)
	OnPaymentCode func(code string)
	// OnCancelled reports an empty or cancelled scan. It is not an error.
	OnCancelled func(kind domain.ScanType)
	// OnError reports a payload that carries no usable identifier.
	OnError func(kind domain.ScanType, err error)
}

// Coordinator issues scan commands and routes their results.
type Coordinator struct {
	cmd    bridge.Commander
	store  *discovery.Store
	sched  timer.Scheduler
	safety time.Duration
	cb     Callbacks

	pending     domain.ScanType
	safetyTimer timer.Timer
	discovering bool
}

// New creates a coordinator. A zero safety timeout means DefaultSafetyTimeout.
func New(cmd bridge.Commander, store *discovery.Store, sched timer.Scheduler, safety time.Duration, cb Callbacks) *Coordinator {
	if safety <= 0 {
		safety = DefaultSafetyTimeout
	}
	return &Coordinator{cmd: cmd, store: store, sched: sched, safety: safety, cb: cb}
}

// Pending returns the operation waiting for a scan result, or ScanNone.
func (c *Coordinator) Pending() domain.ScanType { return c.pending }

// Discovering reports whether peripheral discovery is running.
func (c *Coordinator) Discovering() bool { return c.discovering }

// StartCodeScan opens the host scanner for kind. It returns false without
// error when a scan is already pending.
func (c *Coordinator) StartCodeScan(ctx context.Context, kind domain.ScanType) (bool, error) {
	if kind != domain.ScanBattery && kind != domain.ScanPayment {
		return false, fmt.Errorf("scan: unsupported scan type %q", kind)
	}
	if c.pending != domain.ScanNone {
		slog.Debug("[SCAN] Scanner already open, ignoring", "pending", c.pending, "requested", kind)
		return false, nil
	}
	if err := c.cmd.ScanCode(ctx); err != nil {
		return false, fmt.Errorf("scan: open scanner: %w", err)
	}
	c.pending = kind
	c.safetyTimer = c.sched.AfterFunc(c.safety, c.onSafetyTimeout)
	slog.Info("[SCAN] Scanner opened", "type", kind)
	return true, nil
}

func (c *Coordinator) onSafetyTimeout() {
	c.safetyTimer = nil
	if c.pending == domain.ScanNone {
		return
	}
	slog.Warn("[SCAN] No scan result, clearing scanner state", "type", c.pending, "after", c.safety)
	kind := c.pending
	c.pending = domain.ScanNone
	if c.cb.OnCancelled != nil {
		c.cb.OnCancelled(kind)
	}
}

// HandleResult routes a codeScanResult event to the operation that opened
// the scanner. Results with no scan pending are dropped.
func (c *Coordinator) HandleResult(res bridge.CodeScan) {
	kind := c.pending
	if kind == domain.ScanNone {
		slog.Debug("[SCAN] Dropping scan result with no scan pending")
		return
	}
	c.pending = domain.ScanNone
	timer.Stop(c.safetyTimer)
	c.safetyTimer = nil

	if res.Cancelled || strings.TrimSpace(res.Value) == "" {
		slog.Info("[SCAN] Scan cancelled", "type", kind)
		if c.cb.OnCancelled != nil {
			c.cb.OnCancelled(kind)
		}
		return
	}

	id, err := ExtractIdentifier(res.Value)
	if err != nil {
		slog.Warn("[SCAN] Unusable scan payload", "type", kind, "error", err)
		if c.cb.OnError != nil {
			c.cb.OnError(kind, err)
		}
		return
	}

	slog.Info("[SCAN] Code scanned", "type", kind, "code", id)
	switch kind {
	case domain.ScanBattery:
		if c.cb.OnBatteryCode != nil {
			c.cb.OnBatteryCode(id)
		}
	case domain.ScanPayment:
		if c.cb.OnPaymentCode != nil {
			c.cb.OnPaymentCode(id)
		}
	}
}

// CancelCodeScan forgets a pending scan. A result arriving later is dropped.
func (c *Coordinator) CancelCodeScan() {
	c.pending = domain.ScanNone
	timer.Stop(c.safetyTimer)
	c.safetyTimer = nil
}

// StartDiscovery clears the store and starts peripheral discovery.
func (c *Coordinator) StartDiscovery(ctx context.Context) error {
	c.store.Reset()
	if err := c.cmd.StartScan(ctx); err != nil {
		return fmt.Errorf("scan: start discovery: %w", err)
	}
	c.discovering = true
	slog.Info("[SCAN] Discovery started")
	return nil
}

// StopDiscovery stops peripheral discovery if it is running.
func (c *Coordinator) StopDiscovery(ctx context.Context) error {
	if !c.discovering {
		return nil
	}
	c.discovering = false
	if err := c.cmd.StopScan(ctx); err != nil {
		return fmt.Errorf("scan: stop discovery: %w", err)
	}
	slog.Info("[SCAN] Discovery stopped", "seen", c.store.Len())
	return nil
}

// HandleDiscovered records an advertisement while discovery is running.
func (c *Coordinator) HandleDiscovered(d bridge.Discovery) {
	if !c.discovering {
		return
	}
	c.store.Upsert(discovery.Peripheral{
		Address:   d.Address,
		Name:      d.Name,
		RSSI:      d.RSSI,
		RawSignal: d.RawSignal,
		LastSeen:  c.sched.Now(),
	})
}
