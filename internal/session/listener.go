package session

import "context"

// Stage names reported with progress.
const (
	StageMatching   = "matching"
	StageConnecting = "connecting"
	StageReading    = "reading"
)

// Listener receives session notifications on the dispatch goroutine.
// Implementations must not block.
type Listener interface {
	OnState(s State)
	// OnProgress reports stage progress in percent. Retries are not
	// exposed.
	OnProgress(stage string, pct int)
	// OnError reports an operator-visible error. Silent failures such as
	// a cancelled scan are never reported.
	OnError(err error)
	OnFinalized(r Result)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	State     func(State)
	Progress  func(stage string, pct int)
	Error     func(error)
	Finalized func(Result)
}

func (l ListenerFuncs) OnState(s State) {
	if l.State != nil {
		l.State(s)
	}
}

func (l ListenerFuncs) OnProgress(stage string, pct int) {
	if l.Progress != nil {
		l.Progress(stage, pct)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

func (l ListenerFuncs) OnFinalized(r Result) {
	if l.Finalized != nil {
		l.Finalized(r)
	}
}

// PaymentHandler receives payment codes scanned for the current plan.
type PaymentHandler interface {
	HandlePaymentCode(ctx context.Context, code string) error
}

// PaymentHandlerFunc adapts a function to PaymentHandler.
type PaymentHandlerFunc func(ctx context.Context, code string) error

func (f PaymentHandlerFunc) HandlePaymentCode(ctx context.Context, code string) error {
	return f(ctx, code)
}
