// Package wsbridge implements the bridge over a WebSocket. The terminal
// app connects as the host: it receives command frames, answers with event
// frames and forwards operator intents.
package wsbridge

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/chaz8081/swaplink/internal/bridge"
)

// Frame types.
const (
	FrameHello   = "hello"
	FrameCommand = "command"
	FrameEvent   = "event"
	FrameIntent  = "intent"
	FrameAck     = "ack"
	FrameNotice  = "notice"
)

// Intent names sent by the host.
const (
	IntentScanBattery = "scan_battery"
	IntentScanPayment = "scan_payment"
	IntentCancel      = "cancel"
	IntentComplete    = "complete"
	IntentStatus      = "status"
)

// PeripheralFrame is the advertisement carried by a peripheralDiscovered
// event.
type PeripheralFrame struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	RSSI      int    `json:"rssi"`
	RawSignal string `json:"raw_signal,omitempty"`
}

// Frame is the single JSON envelope used in both directions. Only the
// fields relevant to Type and Name/Kind are set.
type Frame struct {
	Type string `json:"type"`
	ID   uint64 `json:"id,omitempty"`
	Name string `json:"name,omitempty"` // command or intent name
	Kind string `json:"kind,omitempty"` // event kind

	Address string `json:"address,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload string `json:"payload,omitempty"`

	Peripheral *PeripheralFrame    `json:"peripheral,omitempty"`
	Progress   *bridge.Progress    `json:"progress,omitempty"`
	Service    *bridge.ServiceData `json:"service,omitempty"`
	Value      string              `json:"value,omitempty"`
	Cancelled  bool                `json:"cancelled,omitempty"`

	PlanID  string `json:"plan_id,omitempty"`
	ActorID string `json:"actor_id,omitempty"`

	State   string `json:"state,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Percent *int   `json:"percent,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event converts an event frame to a bridge event.
func (f Frame) Event() (bridge.Event, error) {
	kind, err := bridge.ParseEventKind(f.Kind)
	if err != nil {
		return bridge.Event{}, err
	}
	switch kind {
	case bridge.EventPeripheralDiscovered:
		if f.Peripheral == nil || f.Peripheral.Address == "" {
			return bridge.Event{}, fmt.Errorf("wsbridge: %s without peripheral address", f.Kind)
		}
		ev := bridge.Discovered(f.Peripheral.Address, f.Peripheral.Name, f.Peripheral.RSSI)
		if f.Peripheral.RawSignal != "" {
			ev.Peripheral.RawSignal = f.Peripheral.RawSignal
		}
		return ev, nil
	case bridge.EventConnectSucceeded:
		return bridge.ConnectSucceeded(f.Address), nil
	case bridge.EventConnectFailed:
		return bridge.ConnectFailed(f.Reason), nil
	case bridge.EventTelemetryProgress:
		if f.Progress == nil {
			return bridge.Event{}, fmt.Errorf("wsbridge: %s without progress", f.Kind)
		}
		return bridge.TelemetryProgress(f.Progress.Done, f.Progress.Total), nil
	case bridge.EventTelemetryComplete:
		if f.Service == nil {
			return bridge.Event{}, fmt.Errorf("wsbridge: %s without service", f.Kind)
		}
		return bridge.TelemetryComplete(*f.Service), nil
	case bridge.EventTelemetryFailed:
		return bridge.TelemetryFailed(f.Reason), nil
	case bridge.EventCodeScanResult:
		if f.Cancelled {
			return bridge.CodeScanCancelled(), nil
		}
		return bridge.CodeScanned(f.Value), nil
	case bridge.EventMessageArrived:
		if f.Topic == "" {
			return bridge.Event{}, fmt.Errorf("wsbridge: %s without topic", f.Kind)
		}
		return bridge.MessageArrived(f.Topic, []byte(f.Payload)), nil
	default:
		return bridge.Event{}, fmt.Errorf("wsbridge: unsupported event kind %q", f.Kind)
	}
}

// EventFrame converts a bridge event to its wire frame. Hosts written in Go
// and the tests use it.
func EventFrame(ev bridge.Event) Frame {
	f := Frame{Type: FrameEvent, Kind: ev.Kind.String()}
	switch ev.Kind {
	case bridge.EventPeripheralDiscovered:
		f.Peripheral = &PeripheralFrame{
			Address:   ev.Peripheral.Address,
			Name:      ev.Peripheral.Name,
			RSSI:      ev.Peripheral.RSSI,
			RawSignal: ev.Peripheral.RawSignal,
		}
	case bridge.EventConnectSucceeded:
		f.Address = ev.Address
	case bridge.EventConnectFailed, bridge.EventTelemetryFailed:
		f.Reason = ev.Reason
	case bridge.EventTelemetryProgress:
		p := ev.Progress
		f.Progress = &p
	case bridge.EventTelemetryComplete:
		sd := ev.Service
		f.Service = &sd
	case bridge.EventCodeScanResult:
		f.Value = ev.Scan.Value
		f.Cancelled = ev.Scan.Cancelled
	case bridge.EventMessageArrived:
		f.Topic = ev.Message.Topic
		f.Payload = string(ev.Message.Payload)
	}
	return f
}

func encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: encode %s frame: %w", f.Type, err)
	}
	return b, nil
}

func (f Frame) String() string {
	if f.ID != 0 {
		return f.Type + "#" + strconv.FormatUint(f.ID, 10) + ":" + f.Name + f.Kind
	}
	return f.Type + ":" + f.Name + f.Kind
}
