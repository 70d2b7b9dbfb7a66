// Package bridgetest provides a recording bridge commander for tests.
package bridgetest

import (
	"context"
	"sync"
)

// Call is one recorded command.
type Call struct {
	Name    string
	Address string
	Topic   string
	Payload []byte
}

// Recorder implements bridge.Commander by recording every command. Fail
// makes the named command return an error.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	Fail  map[string]error
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{Fail: map[string]error{}}
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.Fail[c.Name]
}

func (r *Recorder) StartScan(context.Context) error {
	return r.record(Call{Name: "startScan"})
}

func (r *Recorder) StopScan(context.Context) error {
	return r.record(Call{Name: "stopScan"})
}

func (r *Recorder) Connect(_ context.Context, address string) error {
	return r.record(Call{Name: "connect", Address: address})
}

func (r *Recorder) Disconnect(_ context.Context, address string) error {
	return r.record(Call{Name: "disconnect", Address: address})
}

func (r *Recorder) ReadTelemetryService(_ context.Context, address string) error {
	return r.record(Call{Name: "readTelemetryService", Address: address})
}

func (r *Recorder) Publish(_ context.Context, topic string, payload []byte) error {
	return r.record(Call{Name: "publish", Topic: topic, Payload: payload})
}

func (r *Recorder) Subscribe(_ context.Context, topic string) error {
	return r.record(Call{Name: "subscribe", Topic: topic})
}

func (r *Recorder) ScanCode(context.Context) error {
	return r.record(Call{Name: "scanCode"})
}

// Calls returns a copy of the recorded commands.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Names returns the recorded command names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Name
	}
	return out
}

// Count returns how many times the named command was issued.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

// Last returns the most recent call with the given name.
func (r *Recorder) Last(name string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].Name == name {
			return r.calls[i], true
		}
	}
	return Call{}, false
}

// Reset forgets the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
