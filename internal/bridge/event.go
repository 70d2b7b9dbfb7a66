package bridge

import (
	"encoding/json"
	"fmt"
)

// EventKind is the closed set of inbound bridge events.
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventPeripheralDiscovered
	EventConnectSucceeded
	EventConnectFailed
	EventTelemetryProgress
	EventTelemetryComplete
	EventTelemetryFailed
	EventCodeScanResult
	EventMessageArrived
)

var kindNames = [...]string{
	EventUnknown:              "unknown",
	EventPeripheralDiscovered: "peripheralDiscovered",
	EventConnectSucceeded:     "connectSucceeded",
	EventConnectFailed:        "connectFailed",
	EventTelemetryProgress:    "telemetryProgress",
	EventTelemetryComplete:    "telemetryComplete",
	EventTelemetryFailed:      "telemetryFailed",
	EventCodeScanResult:       "codeScanResult",
	EventMessageArrived:       "pubsubMessageArrived",
}

func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// ParseEventKind maps a wire name to its kind.
func ParseEventKind(name string) (EventKind, error) {
	for i, n := range kindNames {
		if i > 0 && n == name {
			return EventKind(i), nil
		}
	}
	return EventUnknown, fmt.Errorf("bridge: unknown event kind %q", name)
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Discovery is a peripheral advertisement.
type Discovery struct {
	Address   string
	Name      string
	RSSI      int
	RawSignal string
}

// Progress reports telemetry read progress.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Characteristic is one named value of the telemetry service. Value is a
// JSON number or a numeric string.
type Characteristic struct {
	Name  string          `json:"name"`
	UUID  string          `json:"uuid,omitempty"`
	Value json.RawMessage `json:"value"`
}

// ServiceData is the telemetry service payload returned after a read.
// Error carries a backend-reported failure embedded in the envelope.
type ServiceData struct {
	ServiceID       string           `json:"serviceId"`
	Characteristics []Characteristic `json:"characteristics"`
	Error           string           `json:"error,omitempty"`
}

// CodeScan is the outcome of a code scan.
type CodeScan struct {
	Value     string
	Cancelled bool
}

// Message is a pub/sub message.
type Message struct {
	Topic   string
	Payload []byte
}

// Event is one inbound bridge notification. Only the payload field that
// belongs to Kind is set.
type Event struct {
	Kind       EventKind
	Peripheral Discovery   // EventPeripheralDiscovered
	Address    string      // EventConnectSucceeded
	Reason     string      // EventConnectFailed, EventTelemetryFailed
	Progress   Progress    // EventTelemetryProgress
	Service    ServiceData // EventTelemetryComplete
	Scan       CodeScan    // EventCodeScanResult
	Message    Message     // EventMessageArrived
}

// Discovered builds an EventPeripheralDiscovered.
func Discovered(address, name string, rssi int) Event {
	return Event{Kind: EventPeripheralDiscovered, Peripheral: Discovery{
		Address:   address,
		Name:      name,
		RSSI:      rssi,
		RawSignal: fmt.Sprint(rssi),
	}}
}

// ConnectSucceeded builds an EventConnectSucceeded.
func ConnectSucceeded(address string) Event {
	return Event{Kind: EventConnectSucceeded, Address: address}
}

// ConnectFailed builds an EventConnectFailed.
func ConnectFailed(reason string) Event {
	return Event{Kind: EventConnectFailed, Reason: reason}
}

// TelemetryProgress builds an EventTelemetryProgress.
func TelemetryProgress(done, total int) Event {
	return Event{Kind: EventTelemetryProgress, Progress: Progress{Done: done, Total: total}}
}

// TelemetryComplete builds an EventTelemetryComplete.
func TelemetryComplete(sd ServiceData) Event {
	return Event{Kind: EventTelemetryComplete, Service: sd}
}

// TelemetryFailed builds an EventTelemetryFailed.
func TelemetryFailed(reason string) Event {
	return Event{Kind: EventTelemetryFailed, Reason: reason}
}

// CodeScanned builds an EventCodeScanResult carrying value.
func CodeScanned(value string) Event {
	return Event{Kind: EventCodeScanResult, Scan: CodeScan{Value: value}}
}

// CodeScanCancelled builds a cancelled EventCodeScanResult.
func CodeScanCancelled() Event {
	return Event{Kind: EventCodeScanResult, Scan: CodeScan{Cancelled: true}}
}

// MessageArrived builds an EventMessageArrived.
func MessageArrived(topic string, payload []byte) Event {
	return Event{Kind: EventMessageArrived, Message: Message{Topic: topic, Payload: payload}}
}

// Number encodes v as a characteristic value.
func Number(v float64) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
