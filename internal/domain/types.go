package domain

import "fmt"

// ActorType identifies who performs the service at the terminal.
type ActorType string

const (
	ActorAttendant   ActorType = "attendant"
	ActorSalesperson ActorType = "salesperson"
)

// Valid reports whether a is a known actor type.
func (a ActorType) Valid() bool {
	return a == ActorAttendant || a == ActorSalesperson
}

// ScanType is the operation that requested a code scan.
type ScanType string

const (
	ScanNone    ScanType = ""
	ScanBattery ScanType = "battery"
	ScanPayment ScanType = "payment"
)

// Profile parameterizes the pairing flow for one kind of terminal user.
type Profile struct {
	ActorType     ActorType
	TopicPrefix   string // e.g. "swap/attendant"; fills the ... in emit/.../plan/{id}
	MatchStrategy string // see match.Strategy
}

func (p Profile) String() string {
	return fmt.Sprintf("%s(%s)", p.ActorType, p.TopicPrefix)
}
