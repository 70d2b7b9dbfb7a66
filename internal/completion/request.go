// Package completion reports a finished battery swap to the backend and
// finalizes the pairing session on confirmation or after a bounded wait.
package completion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/swaplink/internal/domain"
)

// ActionReportCompletion is the action carried by every completion request.
const ActionReportCompletion = "REPORT_PAYMENT_AND_SERVICE_COMPLETION"

// TimestampLayout is ISO 8601 with milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const (
	requestRoot  = "emit"
	responseRoot = "echo"
	topicLeaf    = "payment_and_service"
)

// Actor identifies who performed the service.
type Actor struct {
	Type domain.ActorType `json:"type"`
	ID   string           `json:"id"`
}

// ServiceData is the measured outcome of the swap.
type ServiceData struct {
	NewBatteryID      string  `json:"new_battery_id"`
	EnergyTransferred float64 `json:"energy_transferred"` // kWh
	ServiceDuration   float64 `json:"service_duration"`   // seconds
}

// Data is the request body.
type Data struct {
	Action      string      `json:"action"`
	ServiceData ServiceData `json:"service_data"`
}

// Request is the completion request published on the request topic.
type Request struct {
	Timestamp     string `json:"timestamp"`
	PlanID        string `json:"plan_id"`
	CorrelationID string `json:"correlation_id"`
	Actor         Actor  `json:"actor"`
	Data          Data   `json:"data"`
}

// Validate checks the fields the backend needs to key the operation.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.PlanID) == "":
		return fmt.Errorf("completion: plan id is required")
	case r.CorrelationID == "":
		return fmt.Errorf("completion: correlation id is required")
	case !r.Actor.Type.Valid():
		return fmt.Errorf("completion: invalid actor type %q", r.Actor.Type)
	case r.Data.Action != ActionReportCompletion:
		return fmt.Errorf("completion: unexpected action %q", r.Data.Action)
	}
	return nil
}

// Response is a backend reply on the response topic. Only the fields used
// to recognize a confirmation are decoded.
type Response struct {
	CorrelationID    string `json:"correlation_id,omitempty"`
	CorrelationIDAlt string `json:"correlationId,omitempty"`
	PlanID           string `json:"plan_id,omitempty"`
	Success          *bool  `json:"success,omitempty"`
	Status           string `json:"status,omitempty"`
	Replay           bool   `json:"replay,omitempty"`
	Code             string `json:"code,omitempty"`
	Message          string `json:"message,omitempty"`
}

// ParseResponse decodes a response payload.
func ParseResponse(payload []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(payload, &r); err != nil {
		return Response{}, fmt.Errorf("completion: decode response: %w", err)
	}
	return r, nil
}

// ID returns the echoed correlation id.
func (r Response) ID() string {
	if r.CorrelationID != "" {
		return r.CorrelationID
	}
	return r.CorrelationIDAlt
}

// IsReplay reports an explicit idempotent-replay signal.
func (r Response) IsReplay() bool {
	if r.Replay || strings.EqualFold(r.Code, "IDEMPOTENT_REPLAY") {
		return true
	}
	switch strings.ToLower(r.Status) {
	case "duplicate", "replayed", "already_processed":
		return true
	}
	return false
}

// Confirms reports whether the response carries a recognized success
// signal. A replay counts as success.
func (r Response) Confirms() bool {
	if r.Success != nil && *r.Success {
		return true
	}
	switch strings.ToLower(r.Status) {
	case "success", "ok", "completed", "accepted":
		return true
	}
	return r.IsReplay()
}

// RequestTopic returns emit/{prefix}/plan/{planID}/payment_and_service.
func RequestTopic(prefix, planID string) string {
	return topic(requestRoot, prefix, planID)
}

// ResponseTopic returns echo/{prefix}/plan/{planID}/payment_and_service.
func ResponseTopic(prefix, planID string) string {
	return topic(responseRoot, prefix, planID)
}

// RequestPattern matches the request topic of every plan under prefix.
func RequestPattern(prefix string) string {
	return topic(requestRoot, prefix, "*")
}

// ResponseTopicFor maps a request topic to its sibling response topic.
func ResponseTopicFor(requestTopic string) (string, bool) {
	rest, ok := strings.CutPrefix(requestTopic, requestRoot+"/")
	if !ok {
		return "", false
	}
	return responseRoot + "/" + rest, true
}

func topic(root, prefix, planID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/plan/%s/%s", root, planID, topicLeaf)
	}
	return fmt.Sprintf("%s/%s/plan/%s/%s", root, prefix, planID, topicLeaf)
}

// Timestamp formats t for a request.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
