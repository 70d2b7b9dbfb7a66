// Package native implements the bridge on the local machine. Discovery and
// telemetry go through the Bluetooth adapter, messaging through a pub/sub
// broker, and scanned codes are read line by line from an input stream
// such as a keyboard-wedge scanner on stdin.
package native

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/swaplink/internal/ble"
	"github.com/chaz8081/swaplink/internal/ble/protocol"
	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/pubsub"
)

const defaultConnectTimeout = 30 * time.Second

// Config configures the native bridge.
type Config struct {
	Service ble.Service
	// Encodings maps characteristic names to protocol encodings. Missing
	// names use protocol.Auto.
	Encodings map[string]string
	// ConnectTimeout bounds one connect attempt.
	ConnectTimeout time.Duration
	// ServiceID is reported in telemetryComplete. Defaults to the service UUID.
	ServiceID string
}

// Bridge is a bridge.Transport on the local Bluetooth adapter.
type Bridge struct {
	cfg       Config
	client    *ble.Client
	broker    pubsub.Broker
	codes     io.Reader
	encodings map[string]protocol.Encoding
	events    chan bridge.Event
	lines     chan string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	codeReqs chan struct{}
	openOnce sync.Once

	mu       sync.Mutex
	stopScan context.CancelFunc
	scanDone chan struct{}
	unsubs   map[string]func()

	// dials counts connects in flight per upper-case address; abandoned
	// marks addresses disconnected while a dial was in flight.
	dials     map[string]int
	abandoned map[string]bool
}

// New creates a native bridge. codes supplies scanned codes, one per line;
// an empty line reports a cancelled scan.
func New(adapter ble.Adapter, broker pubsub.Broker, codes io.Reader, cfg Config) (*Bridge, error) {
	client, err := ble.NewClient(adapter, cfg.Service)
	if err != nil {
		return nil, err
	}
	encodings := make(map[string]protocol.Encoding, len(cfg.Encodings))
	for name, s := range cfg.Encodings {
		if _, ok := cfg.Service.Characteristics[name]; !ok {
			return nil, fmt.Errorf("native: encoding for unknown characteristic %q", name)
		}
		enc, err := protocol.ParseEncoding(s)
		if err != nil {
			return nil, fmt.Errorf("native: characteristic %s: %w", name, err)
		}
		encodings[name] = enc
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ServiceID == "" {
		cfg.ServiceID = cfg.Service.UUID
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:       cfg,
		client:    client,
		broker:    broker,
		codes:     codes,
		encodings: encodings,
		events:    make(chan bridge.Event, 64),
		lines:     make(chan string),
		codeReqs:  make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		unsubs:    make(map[string]func()),
		dials:     make(map[string]int),
		abandoned: make(map[string]bool),
	}, nil
}

// Open powers on the adapter and starts reading codes.
func (b *Bridge) Open(context.Context) error {
	if err := b.client.Enable(); err != nil {
		return err
	}
	b.openOnce.Do(func() {
		// Not tracked by wg: a read on stdin cannot be interrupted.
		go b.readCodes()
		b.spawn(b.serveCodes)
	})
	slog.Info("[NATIVE] Bridge open", "service", b.cfg.Service.UUID, "characteristics", len(b.cfg.Service.Characteristics))
	return nil
}

func (b *Bridge) readCodes() {
	defer close(b.lines)
	sc := bufio.NewScanner(b.codes)
	for sc.Scan() {
		select {
		case b.lines <- sc.Text():
		case <-b.ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("[NATIVE] Code input failed", "error", err)
		return
	}
	slog.Info("[NATIVE] Code input closed")
}

// serveCodes hands one input line to each code scan request. Once the
// input is closed every request reports a cancelled scan.
func (b *Bridge) serveCodes() {
	for {
		select {
		case <-b.codeReqs:
		case <-b.ctx.Done():
			return
		}
		var line string
		var ok bool
		select {
		case line, ok = <-b.lines:
		case <-b.ctx.Done():
			return
		}
		// Requests made while waiting were superseded by this one.
		select {
		case <-b.codeReqs:
		default:
		}
		code := strings.TrimSpace(line)
		if !ok || code == "" {
			b.emit(bridge.CodeScanCancelled())
			continue
		}
		b.emit(bridge.CodeScanned(code))
	}
}

// Events returns the inbound event stream.
func (b *Bridge) Events() <-chan bridge.Event { return b.events }

// Close stops all activity, drops held links and closes the event stream.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		if cerr := b.client.Close(); cerr != nil {
			slog.Warn("[NATIVE] Failed to drop links", "error", cerr)
		}
		err = b.broker.Close()
		close(b.events)
	})
	return err
}

func (b *Bridge) emit(ev bridge.Event) {
	select {
	case b.events <- ev:
	case <-b.ctx.Done():
	}
}

// offer emits without blocking. Advertisements are dropped when the
// consumer falls behind.
func (b *Bridge) offer(ev bridge.Event) {
	select {
	case b.events <- ev:
	default:
		slog.Debug("[NATIVE] Dropped advertisement", "address", ev.Peripheral.Address)
	}
}

func (b *Bridge) spawn(f func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
}

func (b *Bridge) StartScan(context.Context) error {
	b.mu.Lock()
	if b.stopScan != nil {
		b.stopScan()
	}
	prev := b.scanDone
	ctx, cancel := context.WithCancel(b.ctx)
	done := make(chan struct{})
	b.stopScan, b.scanDone = cancel, done
	b.mu.Unlock()

	b.spawn(func() {
		defer close(done)
		// The adapter runs one scan at a time.
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		err := b.client.Scan(ctx, func(d ble.Device) {
			b.offer(bridge.Discovered(d.Address, d.Name, d.RSSI))
		})
		if err != nil {
			slog.Warn("[NATIVE] Scan failed", "error", err)
		}
	})
	return nil
}

func (b *Bridge) StopScan(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopScan != nil {
		b.stopScan()
		b.stopScan = nil
	}
	return nil
}

func (b *Bridge) Connect(_ context.Context, address string) error {
	key := strings.ToUpper(address)
	b.mu.Lock()
	scanDone := b.scanDone
	b.dials[key]++
	delete(b.abandoned, key)
	b.mu.Unlock()

	b.spawn(func() {
		// The radio must be idle before dialing.
		if scanDone != nil {
			select {
			case <-scanDone:
			case <-b.ctx.Done():
				b.endDial(key)
				return
			}
		}
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ConnectTimeout)
		defer cancel()
		err := b.client.Connect(ctx, address, nil)
		if b.endDial(key) {
			if err == nil {
				slog.Info("[NATIVE] Dropping link disconnected during dial", "address", address)
				if derr := b.client.Disconnect(address); derr != nil {
					slog.Warn("[NATIVE] Disconnect failed", "address", address, "error", derr)
				}
			}
			return
		}
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			slog.Warn("[NATIVE] Connect failed", "address", address, "error", err)
			b.emit(bridge.ConnectFailed(err.Error()))
			return
		}
		b.emit(bridge.ConnectSucceeded(address))
	})
	return nil
}

// endDial finishes a dial to key and reports whether a disconnect was
// requested while it was in flight.
func (b *Bridge) endDial(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials[key]--
	if b.dials[key] > 0 {
		return b.abandoned[key]
	}
	delete(b.dials, key)
	abandoned := b.abandoned[key]
	delete(b.abandoned, key)
	return abandoned
}

func (b *Bridge) Disconnect(_ context.Context, address string) error {
	key := strings.ToUpper(address)
	b.mu.Lock()
	if b.dials[key] > 0 {
		b.abandoned[key] = true
	}
	b.mu.Unlock()

	b.spawn(func() {
		if err := b.client.Disconnect(address); err != nil {
			slog.Warn("[NATIVE] Disconnect failed", "address", address, "error", err)
		}
	})
	return nil
}

func (b *Bridge) ReadTelemetryService(_ context.Context, address string) error {
	b.spawn(func() {
		readings, err := b.client.Read(address, func(done, total int) {
			b.emit(bridge.TelemetryProgress(done, total))
		})
		if err != nil {
			b.emit(bridge.TelemetryFailed(err.Error()))
			return
		}
		sd, err := b.serviceData(readings)
		if err != nil {
			b.emit(bridge.TelemetryFailed(err.Error()))
			return
		}
		b.emit(bridge.TelemetryComplete(sd))
	})
	return nil
}

func (b *Bridge) serviceData(readings []ble.Reading) (bridge.ServiceData, error) {
	sd := bridge.ServiceData{ServiceID: b.cfg.ServiceID}
	for _, r := range readings {
		enc, ok := b.encodings[r.Name]
		if !ok {
			enc = protocol.Auto
		}
		v, err := protocol.Decode(r.Raw, enc)
		if err != nil {
			return bridge.ServiceData{}, fmt.Errorf("decode %s: %w", r.Name, err)
		}
		sd.Characteristics = append(sd.Characteristics, bridge.Characteristic{
			Name:  r.Name,
			UUID:  r.UUID,
			Value: bridge.Number(v),
		})
	}
	return sd, nil
}

func (b *Bridge) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.broker.Publish(ctx, topic, payload)
}

func (b *Bridge) Subscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.unsubs[topic]; ok {
		return nil
	}
	unsub, err := b.broker.Subscribe(b.ctx, topic, func(_ context.Context, msg pubsub.Message) {
		b.emit(bridge.MessageArrived(msg.Topic, msg.Payload))
	})
	if err != nil {
		return fmt.Errorf("native: subscribe %s: %w", topic, err)
	}
	b.unsubs[topic] = unsub
	return nil
}

// ScanCode waits for the next input line. Requests made while one is
// pending are coalesced into it.
func (b *Bridge) ScanCode(context.Context) error {
	select {
	case b.codeReqs <- struct{}{}:
		slog.Info("[NATIVE] Waiting for a scanned code")
	default:
	}
	return nil
}

// Compile-time check that Bridge implements bridge.Transport.
var _ bridge.Transport = (*Bridge)(nil)
