// Package telemetry decodes the battery telemetry service into energy and
// charge figures.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/domain"
)

// Characteristic names in the telemetry service.
const (
	NameRemainingCapacity = "rcap" // mAh
	NameFullCapacity      = "fccp" // mAh
	NamePackVoltage       = "pckv" // mV
	NameRelativeCharge    = "rsoc" // %
)

// Reading holds the raw telemetry values.
type Reading struct {
	RemainingCapacityMAh float64
	FullCapacityMAh      float64
	PackVoltageMV        float64
	RelativeChargePct    float64
	HasFullCapacity      bool
	HasRelativeCharge    bool
}

// Metrics holds the values derived from a Reading.
type Metrics struct {
	EnergyWh       float64
	FullCapacityWh float64
	ChargePercent  int
}

// KWh returns the energy in kilowatt hours rounded to 2 decimals.
func (m Metrics) KWh() float64 {
	return round2(m.EnergyWh / 1000)
}

// Decode extracts a Reading from sd and derives its Metrics. Remaining
// capacity and pack voltage are required; full capacity and relative charge
// are fallbacks.
func Decode(sd bridge.ServiceData) (Reading, Metrics, error) {
	if sd.Error != "" {
		return Reading{}, Metrics{}, classify("telemetry.decode", sd.Error)
	}

	var r Reading
	var err error
	r.RemainingCapacityMAh, err = required(sd, NameRemainingCapacity)
	if err != nil {
		return Reading{}, Metrics{}, err
	}
	r.PackVoltageMV, err = required(sd, NamePackVoltage)
	if err != nil {
		return Reading{}, Metrics{}, err
	}
	r.FullCapacityMAh, r.HasFullCapacity = optional(sd, NameFullCapacity)
	r.RelativeChargePct, r.HasRelativeCharge = optional(sd, NameRelativeCharge)

	return r, Derive(r), nil
}

// Derive computes the Metrics for r.
func Derive(r Reading) Metrics {
	m := Metrics{
		EnergyWh: round2(r.RemainingCapacityMAh * r.PackVoltageMV / 1_000_000),
	}
	if r.HasFullCapacity {
		m.FullCapacityWh = round2(r.FullCapacityMAh * r.PackVoltageMV / 1_000_000)
	}

	var pct float64
	switch {
	case r.HasFullCapacity && r.FullCapacityMAh > 0:
		pct = math.Round(r.RemainingCapacityMAh / r.FullCapacityMAh * 100)
	case r.HasRelativeCharge:
		pct = math.Round(r.RelativeChargePct)
	}
	m.ChargePercent = int(min(max(pct, 0), 100))
	return m
}

// IsNotConnected reports whether a bridge failure reason means the
// underlying wireless link silently dropped.
func IsNotConnected(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "not connected") || strings.Contains(r, "notconnected")
}

// ClassifyFailure turns a telemetryFailed reason into a taxonomy error.
func ClassifyFailure(reason string) error {
	return classify("telemetry.read", reason)
}

func classify(op, reason string) error {
	if IsNotConnected(reason) {
		return domain.NewFailure(op, domain.ErrLinkDropped, reason)
	}
	return domain.NewFailure(op, domain.ErrTelemetryDecode, reason)
}

func required(sd bridge.ServiceData, name string) (float64, error) {
	raw, ok := lookup(sd, name)
	if !ok {
		return 0, domain.NewFailure("telemetry.decode", domain.ErrTelemetryDecode, name+" missing")
	}
	v, err := number(raw)
	if err != nil {
		return 0, domain.NewFailure("telemetry.decode", domain.ErrTelemetryDecode, fmt.Sprintf("%s: %v", name, err))
	}
	return v, nil
}

func optional(sd bridge.ServiceData, name string) (float64, bool) {
	raw, ok := lookup(sd, name)
	if !ok {
		return 0, false
	}
	v, err := number(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookup(sd bridge.ServiceData, name string) (json.RawMessage, bool) {
	for _, c := range sd.Characteristics {
		if strings.EqualFold(strings.TrimSpace(c.Name), name) {
			return c.Value, true
		}
	}
	return nil, false
}

// number accepts a JSON number or a string holding one.
func number(raw json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, fmt.Errorf("empty value")
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return 0, fmt.Errorf("null value")
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, fmt.Errorf("not numeric: %s", raw)
		}
		v, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", s)
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not finite")
	}
	return v, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
