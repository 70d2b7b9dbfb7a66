// Package match pairs a scanned battery code with a discovered peripheral.
//
// The code's trailing six characters are compared, case-insensitively, with
// the trailing six characters of each peripheral's advertised name. The
// engine retries while discovery keeps running in the background, re-reading
// the store on every attempt.
package match

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/swaplink/internal/discovery"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/timer"
)

// SuffixLen is the number of trailing characters that identify a battery.
const SuffixLen = 6

// partialLen is the suffix length used by the partial fallback.
const partialLen = 4

// MaxAttempts bounds the number of store lookups for one code.
const MaxAttempts = 5

// Backoff is the delay before each retry. len(Backoff) == MaxAttempts-1.
var Backoff = [MaxAttempts - 1]time.Duration{
	2 * time.Second,
	3 * time.Second,
	4 * time.Second,
	5 * time.Second,
}

// Strategy selects the matching rule.
type Strategy string

const (
	// StrategyExact matches the trailing six characters only.
	StrategyExact Strategy = "exact"
	// StrategyExactPartial4 falls back to the trailing four characters of
	// the code appearing anywhere in the name, but only when exactly one
	// peripheral qualifies.
	StrategyExactPartial4 Strategy = "exact+partial4"
)

// ParseStrategy parses a configured strategy name. Empty means exact.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyExact:
		return StrategyExact, nil
	case StrategyExactPartial4:
		return StrategyExactPartial4, nil
	default:
		return "", fmt.Errorf("match: unknown strategy %q (want %q or %q)", s, StrategyExact, StrategyExactPartial4)
	}
}

// Suffix returns the lower-cased trailing six characters of code.
func Suffix(code string) (string, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	r := []rune(code)
	if len(r) < SuffixLen {
		return "", domain.NewFailure("match", domain.ErrInvalidCode, fmt.Sprintf("%q is shorter than %d characters", code, SuffixLen))
	}
	return string(r[len(r)-SuffixLen:]), nil
}

// Find looks for the peripheral identified by suffix. peripherals is
// expected in store order (strongest signal first), so the first exact
// match is the strongest one.
func Find(peripherals []discovery.Peripheral, suffix string, strategy Strategy) (discovery.Peripheral, bool) {
	for _, p := range peripherals {
		if nameSuffix(p.Name, SuffixLen) == suffix {
			return p, true
		}
	}
	if strategy != StrategyExactPartial4 {
		return discovery.Peripheral{}, false
	}

	partial := string([]rune(suffix)[SuffixLen-partialLen:])
	var found discovery.Peripheral
	n := 0
	for _, p := range peripherals {
		if p.Name != "" && strings.Contains(strings.ToLower(p.Name), partial) {
			found = p
			n++
		}
	}
	if n != 1 {
		if n > 1 {
			slog.Warn("[MATCH] Partial suffix is ambiguous, ignoring", "suffix", partial, "candidates", n)
		}
		return discovery.Peripheral{}, false
	}
	return found, true
}

func nameSuffix(name string, n int) string {
	r := []rune(strings.ToLower(strings.TrimSpace(name)))
	if len(r) < n {
		return ""
	}
	return string(r[len(r)-n:])
}

// Callbacks receive the engine's outcomes. They run on the caller's
// goroutine (the dispatch loop).
type Callbacks struct {
	// OnProgress reports overall progress in percent without exposing the
	// retry count.
	OnProgress func(pct int)
	// OnMatched is called once with the selected peripheral.
	OnMatched func(p discovery.Peripheral)
	// OnExhausted is called once after MaxAttempts misses.
	OnExhausted func()
}

// Engine runs the match attempts for one code at a time.
type Engine struct {
	store    *discovery.Store
	sched    timer.Scheduler
	strategy Strategy
	cb       Callbacks

	suffix  string
	attempt int
	active  bool
	retry   timer.Timer
}

// New creates an engine reading from store.
func New(store *discovery.Store, sched timer.Scheduler, strategy Strategy, cb Callbacks) *Engine {
	if strategy == "" {
		strategy = StrategyExact
	}
	return &Engine{store: store, sched: sched, strategy: strategy, cb: cb}
}

// Start begins matching code. The first attempt runs synchronously. Any
// match already in progress is abandoned.
func (e *Engine) Start(code string) error {
	suffix, err := Suffix(code)
	if err != nil {
		return err
	}
	e.Cancel()
	e.suffix = suffix
	e.attempt = 0
	e.active = true
	slog.Info("[MATCH] Matching code", "suffix", suffix, "strategy", e.strategy)
	e.try()
	return nil
}

// Attempt returns the number of attempts made for the current code.
func (e *Engine) Attempt() int { return e.attempt }

// Active reports whether a match is in progress.
func (e *Engine) Active() bool { return e.active }

// Cancel abandons the current match without calling back.
func (e *Engine) Cancel() {
	timer.Stop(e.retry)
	e.retry = nil
	e.active = false
}

func (e *Engine) try() {
	e.retry = nil
	if !e.active {
		return
	}
	e.attempt++
	e.progress((e.attempt - 1) * 100 / MaxAttempts)

	peripherals := e.store.Snapshot()
	if p, ok := Find(peripherals, e.suffix, e.strategy); ok {
		e.active = false
		slog.Info("[MATCH] Matched peripheral", "address", p.Address, "name", p.Name, "rssi", p.RSSI, "attempt", e.attempt)
		e.progress(100)
		if e.cb.OnMatched != nil {
			e.cb.OnMatched(p)
		}
		return
	}

	if e.attempt >= MaxAttempts {
		e.active = false
		slog.Warn("[MATCH] No peripheral matched", "suffix", e.suffix, "attempts", e.attempt, "seen", len(peripherals))
		if e.cb.OnExhausted != nil {
			e.cb.OnExhausted()
		}
		return
	}

	delay := Backoff[e.attempt-1]
	slog.Debug("[MATCH] No match yet, retrying", "attempt", e.attempt, "delay", delay, "seen", len(peripherals))
	e.retry = e.sched.AfterFunc(delay, e.try)
}

func (e *Engine) progress(pct int) {
	if e.cb.OnProgress != nil {
		e.cb.OnProgress(pct)
	}
}
