package session

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/telemetry"
)

// State is the single active phase of the pairing session. The set of
// implementations is closed; switch on the concrete type.
type State interface {
	fmt.Stringer
	isState()
}

// Idle means no pairing is in progress.
type Idle struct{}

// Scanning means the code scanner is open for a battery and discovery runs.
type Scanning struct{}

// Matching means the scanned code is being matched against discovered
// peripherals.
type Matching struct{ Attempt int }

// Connecting means a link to the matched peripheral is being established.
type Connecting struct{ Retry int }

// ReadingTelemetry means the connection is confirmed and the telemetry
// service is being read.
type ReadingTelemetry struct{ Done, Total int }

// PendingCompletion holds a decoded reading waiting to be reported.
type PendingCompletion struct {
	Reading telemetry.Reading
	Metrics telemetry.Metrics
}

// Completed is the finalized outcome of the last pairing.
type Completed struct{ Result Result }

// Failed is a terminal failure surfaced to the operator.
type Failed struct {
	Reason        error
	RequiresReset bool
}

func (Idle) isState()              {}
func (Scanning) isState()          {}
func (Matching) isState()          {}
func (Connecting) isState()        {}
func (ReadingTelemetry) isState()  {}
func (PendingCompletion) isState() {}
func (Completed) isState()         {}
func (Failed) isState()            {}

func (Idle) String() string       { return "idle" }
func (Scanning) String() string   { return "scanning" }
func (s Matching) String() string { return fmt.Sprintf("matching(%d)", s.Attempt) }

func (s Connecting) String() string { return fmt.Sprintf("connecting(%d)", s.Retry) }

func (s ReadingTelemetry) String() string {
	if s.Total > 0 {
		return fmt.Sprintf("reading(%d/%d)", s.Done, s.Total)
	}
	return "reading"
}

func (s PendingCompletion) String() string {
	return fmt.Sprintf("pending_completion(%.2fWh)", s.Metrics.EnergyWh)
}

func (s Completed) String() string { return "completed" }

func (s Failed) String() string {
	if s.RequiresReset {
		return fmt.Sprintf("failed(%v, reset)", s.Reason)
	}
	return fmt.Sprintf("failed(%v)", s.Reason)
}

// Busy reports whether s belongs to an active pairing that a new battery
// scan must not interrupt.
func Busy(s State) bool {
	switch s.(type) {
	case Scanning, Matching, Connecting, ReadingTelemetry, PendingCompletion:
		return true
	case Idle, Completed, Failed:
		return false
	default:
		panic(fmt.Sprintf("session: unknown state %T", s))
	}
}

// Pairing is the bookkeeping of the active pairing session.
type Pairing struct {
	ID                  string
	ScanType            domain.ScanType
	PendingCode         string
	PendingDisplayID    string
	PendingAddress      string
	MatchAttempt        int
	ConnectRetry        int
	ConnectionConfirmed bool
	StartedAt           time.Time
}

func newPairing(now time.Time) *Pairing {
	return &Pairing{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		ScanType:  domain.ScanBattery,
		StartedAt: now,
	}
}

// Result is the final record of a pairing.
type Result struct {
	PairingID      string
	BatteryID      string
	Address        string
	PeripheralName string
	Reading        telemetry.Reading
	Metrics        telemetry.Metrics
	CorrelationID  string
	Confirmed      bool
	Replay         bool
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Duration returns how long the pairing took.
func (r Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }
