// Package sim provides a scripted in-process bridge host. It stands in for
// the terminal app: it advertises a fixed set of peripherals, answers
// connects and telemetry reads from a script, and runs a completion ledger
// on an in-memory broker.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/completion"
	"github.com/chaz8081/swaplink/internal/pubsub"
)

// Peripheral is a simulated battery advertisement.
type Peripheral struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	RSSI    int    `yaml:"rssi"`
}

// Script drives the simulated host.
type Script struct {
	Peripherals []Peripheral `yaml:"peripherals"`
	// Codes are returned by successive code scans. An empty entry, or
	// running out of entries, reports a cancelled scan.
	Codes []string `yaml:"codes"`
	// ConnectFailures is how many connects fail before one succeeds.
	ConnectFailures int `yaml:"connect_failures"`
	// Telemetry maps characteristic names to values.
	Telemetry map[string]float64 `yaml:"telemetry"`
	// TelemetryError, when set, is reported as a telemetryFailed reason.
	TelemetryError string `yaml:"telemetry_error"`
	// Silent suppresses ledger responses so completions time out.
	Silent bool `yaml:"silent"`

	AdvertInterval time.Duration `yaml:"advert_interval"`
	ConnectDelay   time.Duration `yaml:"connect_delay"`
	ReadDelay      time.Duration `yaml:"read_delay"`
}

// DefaultScript returns a script with one battery that answers every
// request on the first try.
func DefaultScript() Script {
	return Script{
		Peripherals: []Peripheral{
			{Address: "C4:7F:51:00:12:34", Name: "BATT-123456", RSSI: -65},
			{Address: "C4:7F:51:00:98:76", Name: "BATT-987654", RSSI: -80},
		},
		Codes: []string{"123456"},
		Telemetry: map[string]float64{
			"rcap": 15290,
			"fccp": 16000,
			"pckv": 75470,
			"rsoc": 96,
		},
		AdvertInterval: 200 * time.Millisecond,
		ConnectDelay:   500 * time.Millisecond,
		ReadDelay:      250 * time.Millisecond,
	}
}

// Host is a bridge.Transport backed by a Script.
type Host struct {
	script Script
	prefix string
	clock  clockwork.Clock
	broker pubsub.Broker
	ledger *completion.Ledger
	events chan bridge.Event

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu        sync.Mutex
	scanGen   int
	connected string
	failures  int
	codes     []string
	unsubs    map[string]func()
}

// Option customizes a Host.
type Option func(*Host)

// WithClock sets the clock used for scripted delays.
func WithClock(c clockwork.Clock) Option {
	return func(h *Host) { h.clock = c }
}

// WithBroker replaces the in-memory broker.
func WithBroker(b pubsub.Broker) Option {
	return func(h *Host) { h.broker = b }
}

// New creates a host. prefix is the profile topic prefix the ledger serves.
func New(script Script, prefix string, opts ...Option) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		ctx:    ctx,
		cancel: cancel,
		script: script,
		prefix: prefix,
		clock:  clockwork.NewRealClock(),
		events: make(chan bridge.Event, 64),
		codes:  append([]string(nil), script.Codes...),
		unsubs: make(map[string]func()),
	}
	for _, o := range opts {
		o(h)
	}
	if h.broker == nil {
		h.broker = pubsub.NewMemoryBroker()
	}
	h.ledger = completion.NewLedger(h.broker, completion.NewDedupeCache(time.Hour, 1000, h.clock.Now), h.clock.Now)
	return h
}

// Ledger returns the backend ledger answering completions.
func (h *Host) Ledger() *completion.Ledger { return h.ledger }

// Open starts the ledger subscription.
func (h *Host) Open(context.Context) error {
	if h.script.Silent {
		return nil
	}
	_, err := h.broker.Subscribe(h.ctx, completion.RequestPattern(h.prefix), func(ctx context.Context, msg pubsub.Message) {
		if err := h.ledger.Handle(ctx, msg.Topic, msg.Payload); err != nil {
			slog.Warn("[SIM] Ledger rejected message", "topic", msg.Topic, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("sim: subscribe ledger: %w", err)
	}
	return nil
}

// Events returns the inbound event stream.
func (h *Host) Events() <-chan bridge.Event { return h.events }

// Close stops all scripted activity and closes the event stream.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
		err = h.broker.Close()
		close(h.events)
	})
	return err
}

func (h *Host) emit(ev bridge.Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

// after runs f on a new goroutine once d has elapsed, unless the host is
// closed first.
func (h *Host) after(d time.Duration, f func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if d > 0 {
			select {
			case <-h.clock.After(d):
			case <-h.ctx.Done():
				return
			}
		}
		f()
	}()
}

func (h *Host) StartScan(context.Context) error {
	h.mu.Lock()
	h.scanGen++
	gen := h.scanGen
	h.mu.Unlock()

	peripherals := append([]Peripheral(nil), h.script.Peripherals...)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for _, p := range peripherals {
			select {
			case <-h.clock.After(h.script.AdvertInterval):
			case <-h.ctx.Done():
				return
			}
			if !h.scanning(gen) {
				return
			}
			h.emit(bridge.Discovered(p.Address, p.Name, p.RSSI))
		}
	}()
	return nil
}

func (h *Host) scanning(gen int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scanGen == gen
}

func (h *Host) StopScan(context.Context) error {
	h.mu.Lock()
	h.scanGen++
	h.mu.Unlock()
	return nil
}

func (h *Host) Connect(_ context.Context, address string) error {
	h.after(h.script.ConnectDelay, func() {
		h.mu.Lock()
		fail := h.failures < h.script.ConnectFailures
		if fail {
			h.failures++
		}
		known := h.lookup(address)
		if !fail && known {
			h.connected = address
		}
		h.mu.Unlock()

		switch {
		case fail:
			h.emit(bridge.ConnectFailed("gatt error 133"))
		case !known:
			h.emit(bridge.ConnectFailed("unknown peripheral " + address))
		default:
			h.emit(bridge.ConnectSucceeded(address))
		}
	})
	return nil
}

func (h *Host) lookup(address string) bool {
	for _, p := range h.script.Peripherals {
		if strings.EqualFold(p.Address, address) {
			return true
		}
	}
	return false
}

func (h *Host) Disconnect(_ context.Context, address string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if strings.EqualFold(h.connected, address) {
		h.connected = ""
	}
	return nil
}

func (h *Host) ReadTelemetryService(_ context.Context, address string) error {
	h.after(h.script.ReadDelay, func() {
		h.mu.Lock()
		connected := strings.EqualFold(h.connected, address)
		h.mu.Unlock()
		if !connected {
			h.emit(bridge.TelemetryFailed("device not connected"))
			return
		}
		if h.script.TelemetryError != "" {
			h.emit(bridge.TelemetryFailed(h.script.TelemetryError))
			return
		}
		h.emit(bridge.TelemetryComplete(h.service()))
	})
	return nil
}

// service reports progress per characteristic and returns the payload.
func (h *Host) service() bridge.ServiceData {
	names := make([]string, 0, len(h.script.Telemetry))
	for name := range h.script.Telemetry {
		names = append(names, name)
	}
	sort.Strings(names)

	sd := bridge.ServiceData{ServiceID: "battery"}
	for i, name := range names {
		sd.Characteristics = append(sd.Characteristics, bridge.Characteristic{
			Name:  name,
			Value: bridge.Number(h.script.Telemetry[name]),
		})
		h.emit(bridge.TelemetryProgress(i+1, len(names)))
	}
	return sd
}

func (h *Host) Publish(ctx context.Context, topic string, payload []byte) error {
	return h.broker.Publish(ctx, topic, payload)
}

func (h *Host) Subscribe(_ context.Context, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.unsubs[topic]; ok {
		return nil
	}
	unsub, err := h.broker.Subscribe(h.ctx, topic, func(_ context.Context, msg pubsub.Message) {
		h.emit(bridge.MessageArrived(msg.Topic, msg.Payload))
	})
	if err != nil {
		return err
	}
	h.unsubs[topic] = unsub
	return nil
}

func (h *Host) ScanCode(context.Context) error {
	h.mu.Lock()
	var code string
	if len(h.codes) > 0 {
		code, h.codes = h.codes[0], h.codes[1:]
	}
	h.mu.Unlock()

	h.after(0, func() {
		if code == "" {
			h.emit(bridge.CodeScanCancelled())
			return
		}
		h.emit(bridge.CodeScanned(code))
	})
	return nil
}

// Queue appends codes for later scans.
func (h *Host) Queue(codes ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.codes = append(h.codes, codes...)
}
