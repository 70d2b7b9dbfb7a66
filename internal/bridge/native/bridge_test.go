package native

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/swaplink/internal/ble"
	"github.com/chaz8081/swaplink/internal/bridge"
	"github.com/chaz8081/swaplink/internal/completion"
	"github.com/chaz8081/swaplink/internal/domain"
	"github.com/chaz8081/swaplink/internal/pubsub"
	"github.com/chaz8081/swaplink/internal/session"
	"github.com/chaz8081/swaplink/internal/telemetry"
)

const (
	serviceUUID = "0000180f-0000-1000-8000-00805f9b34fb"
	rcapUUID    = "0000ff01-0000-1000-8000-00805f9b34fb"
	fccpUUID    = "0000ff02-0000-1000-8000-00805f9b34fb"
	pckvUUID    = "0000ff03-0000-1000-8000-00805f9b34fb"
	batteryAddr = "C4:7F:51:00:12:34"
)

type fakeCharacteristic struct {
	uuid  string
	value []byte
}

func (c fakeCharacteristic) UUID() string          { return c.uuid }
func (c fakeCharacteristic) Read() ([]byte, error) { return c.value, nil }

type fakeConnection struct {
	chars []ble.Characteristic

	mu     sync.Mutex
	onDrop func()
	closed bool
}

func (c *fakeConnection) DiscoverCharacteristics(_ string, uuids []string) ([]ble.Characteristic, error) {
	var out []ble.Characteristic
	for _, ch := range c.chars {
		for _, u := range uuids {
			if ch.UUID() == u {
				out = append(out, ch)
			}
		}
	}
	return out, nil
}

func (c *fakeConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = cb
}

// fakeAdapter advertises a fixed set of devices and serves fixed values.
type fakeAdapter struct {
	devices    []ble.Device
	values     map[string][]byte // keyed by characteristic UUID
	connectErr error

	// stopDelay keeps the radio busy after a scan is cancelled.
	stopDelay   time.Duration
	// connectGate, when set, holds Connect until it is closed.
	connectGate chan struct{}

	mu       sync.Mutex
	scans    int
	scanning bool
	overlaps int // connects issued while scanning
	conns    []*fakeConnection
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		devices: []ble.Device{
			{Name: "BATT-123456", Address: batteryAddr, RSSI: -62},
			{Name: "BATT-987654", Address: "C4:7F:51:00:98:76", RSSI: -81},
		},
		values: map[string][]byte{
			rcapUUID: {0xba, 0x3b},             // 15290 mAh
			fccpUUID: {0x80, 0x3e},             // 16000 mAh
			pckvUUID: {0xce, 0x26, 0x01, 0x00}, // 75470 mV
		},
	}
}

func (a *fakeAdapter) Enable() error { return nil }

func (a *fakeAdapter) Scan(ctx context.Context, found func(ble.Device)) error {
	a.mu.Lock()
	a.scans++
	a.scanning = true
	a.mu.Unlock()
	for _, d := range a.devices {
		found(d)
	}
	<-ctx.Done()
	time.Sleep(a.stopDelay)
	a.mu.Lock()
	a.scanning = false
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Connect(_ context.Context, _ string) (ble.Connection, error) {
	if a.connectGate != nil {
		<-a.connectGate
	}
	a.mu.Lock()
	if a.scanning {
		a.overlaps++
	}
	a.mu.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := &fakeConnection{}
	for uuid, v := range a.values {
		conn.chars = append(conn.chars, fakeCharacteristic{uuid: uuid, value: v})
	}
	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()
	return conn, nil
}

func testConfig() Config {
	return Config{
		Service: ble.Service{
			UUID: serviceUUID,
			Characteristics: map[string]string{
				"rcap": rcapUUID,
				"fccp": fccpUUID,
				"pckv": pckvUUID,
			},
		},
		ServiceID: "battery",
	}
}

func openBridge(t *testing.T, adapter ble.Adapter, codes io.Reader) *Bridge {
	t.Helper()
	if codes == nil {
		codes = strings.NewReader("")
	}
	b, err := New(adapter, pubsub.NewMemoryBroker(), codes, testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func next(t *testing.T, b *Bridge) bridge.Event {
	t.Helper()
	select {
	case ev := <-b.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return bridge.Event{}
	}
}

func TestNewRejectsBadEncodings(t *testing.T) {
	cfg := testConfig()
	cfg.Encodings = map[string]string{"rcap": "bcd"}
	if _, err := New(newFakeAdapter(), pubsub.NewMemoryBroker(), strings.NewReader(""), cfg); err == nil {
		t.Error("New() should reject an unknown encoding")
	}

	cfg.Encodings = map[string]string{"soh": "u8"}
	if _, err := New(newFakeAdapter(), pubsub.NewMemoryBroker(), strings.NewReader(""), cfg); err == nil {
		t.Error("New() should reject an encoding for an unconfigured characteristic")
	}

	if _, err := New(newFakeAdapter(), pubsub.NewMemoryBroker(), strings.NewReader(""), Config{}); err == nil {
		t.Error("New() should require a service")
	}
}

func TestScanForwardsAdvertisements(t *testing.T) {
	b := openBridge(t, newFakeAdapter(), nil)
	if err := b.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}

	first, second := next(t, b), next(t, b)
	if first.Kind != bridge.EventPeripheralDiscovered || first.Peripheral.Name != "BATT-123456" {
		t.Errorf("first event = %+v", first)
	}
	if second.Peripheral.RSSI != -81 {
		t.Errorf("second RSSI = %d, want -81", second.Peripheral.RSSI)
	}
	if err := b.StopScan(context.Background()); err != nil {
		t.Errorf("StopScan() error = %v", err)
	}
}

func TestRestartScanWaitsForPrevious(t *testing.T) {
	adapter := newFakeAdapter()
	b := openBridge(t, adapter, nil)
	ctx := context.Background()

	_ = b.StartScan(ctx)
	next(t, b)
	next(t, b)
	_ = b.StartScan(ctx)
	next(t, b)
	next(t, b)

	adapter.mu.Lock()
	scans := adapter.scans
	adapter.mu.Unlock()
	if scans != 2 {
		t.Errorf("adapter scans = %d, want 2", scans)
	}
}

func TestConnectAndReadTelemetry(t *testing.T) {
	b := openBridge(t, newFakeAdapter(), nil)
	ctx := context.Background()

	_ = b.Connect(ctx, batteryAddr)
	if ev := next(t, b); ev.Kind != bridge.EventConnectSucceeded || ev.Address != batteryAddr {
		t.Fatalf("connect event = %+v", ev)
	}

	_ = b.ReadTelemetryService(ctx, batteryAddr)
	for i := 1; i <= 3; i++ {
		ev := next(t, b)
		if ev.Kind != bridge.EventTelemetryProgress || ev.Progress.Done != i || ev.Progress.Total != 3 {
			t.Fatalf("progress %d = %+v", i, ev)
		}
	}
	ev := next(t, b)
	if ev.Kind != bridge.EventTelemetryComplete {
		t.Fatalf("event = %+v, want telemetryComplete", ev)
	}
	if ev.Service.ServiceID != "battery" {
		t.Errorf("ServiceID = %q", ev.Service.ServiceID)
	}

	reading, _, err := telemetry.Decode(ev.Service)
	if err != nil {
		t.Fatalf("telemetry.Decode() error = %v", err)
	}
	if reading.RemainingCapacityMAh != 15290 || reading.PackVoltageMV != 75470 {
		t.Errorf("reading = %+v", reading)
	}
}

func TestConnectWaitsForScanStop(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.stopDelay = 50 * time.Millisecond
	b := openBridge(t, adapter, nil)
	ctx := context.Background()

	_ = b.StartScan(ctx)
	next(t, b)
	next(t, b)
	_ = b.StopScan(ctx)
	_ = b.Connect(ctx, batteryAddr)

	if ev := next(t, b); ev.Kind != bridge.EventConnectSucceeded {
		t.Fatalf("event = %+v, want connectSucceeded", ev)
	}
	adapter.mu.Lock()
	overlaps := adapter.overlaps
	adapter.mu.Unlock()
	if overlaps != 0 {
		t.Errorf("connects issued while scanning = %d, want 0", overlaps)
	}
}

func TestDisconnectDuringDialDropsLink(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.connectGate = make(chan struct{})
	b := openBridge(t, adapter, nil)
	ctx := context.Background()

	_ = b.Connect(ctx, batteryAddr)
	_ = b.Disconnect(ctx, batteryAddr)
	close(adapter.connectGate)

	deadline := time.Now().Add(2 * time.Second)
	for {
		adapter.mu.Lock()
		var closed bool
		if len(adapter.conns) == 1 {
			c := adapter.conns[0]
			c.mu.Lock()
			closed = c.closed
			c.mu.Unlock()
		}
		adapter.mu.Unlock()
		if closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("link dialed before Disconnect was kept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if b.client.Connected(batteryAddr) {
		t.Error("client still holds the link")
	}
	select {
	case ev := <-b.Events():
		t.Errorf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectAfterAbandonedDial(t *testing.T) {
	b := openBridge(t, newFakeAdapter(), nil)
	ctx := context.Background()

	_ = b.Disconnect(ctx, batteryAddr)
	_ = b.Connect(ctx, batteryAddr)
	if ev := next(t, b); ev.Kind != bridge.EventConnectSucceeded {
		t.Fatalf("event = %+v, want connectSucceeded", ev)
	}
}

func TestConnectFailure(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.connectErr = errors.New("ble: connect to C4:7F:51:00:12:34: gatt error 133")
	b := openBridge(t, adapter, nil)

	_ = b.Connect(context.Background(), batteryAddr)
	ev := next(t, b)
	if ev.Kind != bridge.EventConnectFailed || !strings.Contains(ev.Reason, "133") {
		t.Errorf("event = %+v, want connectFailed", ev)
	}
}

func TestReadWithoutConnection(t *testing.T) {
	b := openBridge(t, newFakeAdapter(), nil)
	_ = b.ReadTelemetryService(context.Background(), batteryAddr)

	ev := next(t, b)
	if ev.Kind != bridge.EventTelemetryFailed {
		t.Fatalf("event = %+v, want telemetryFailed", ev)
	}
	if !telemetry.IsNotConnected(ev.Reason) {
		t.Errorf("reason %q should read as not connected", ev.Reason)
	}
}

func TestReadAfterDisconnect(t *testing.T) {
	adapter := newFakeAdapter()
	b := openBridge(t, adapter, nil)
	ctx := context.Background()

	_ = b.Connect(ctx, batteryAddr)
	next(t, b)
	_ = b.Disconnect(ctx, batteryAddr)

	deadline := time.Now().Add(2 * time.Second)
	for b.client.Connected(batteryAddr) {
		if time.Now().After(deadline) {
			t.Fatal("link still held after Disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = b.ReadTelemetryService(ctx, batteryAddr)
	if ev := next(t, b); ev.Kind != bridge.EventTelemetryFailed {
		t.Errorf("event = %+v, want telemetryFailed", ev)
	}
}

func TestUndecodableValue(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.values[pckvUUID] = []byte("n/a")
	b := openBridge(t, adapter, nil)
	ctx := context.Background()

	_ = b.Connect(ctx, batteryAddr)
	next(t, b)
	_ = b.ReadTelemetryService(ctx, batteryAddr)

	var ev bridge.Event
	for ev = next(t, b); ev.Kind == bridge.EventTelemetryProgress; ev = next(t, b) {
	}
	if ev.Kind != bridge.EventTelemetryFailed || !strings.Contains(ev.Reason, "pckv") {
		t.Errorf("event = %+v, want telemetryFailed naming pckv", ev)
	}
}

func TestEncodingOverride(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.values[pckvUUID] = []byte("75470")
	cfg := testConfig()
	cfg.Encodings = map[string]string{"pckv": "ascii"}
	b, err := New(adapter, pubsub.NewMemoryBroker(), strings.NewReader(""), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()

	sd, err := b.serviceData([]ble.Reading{{Name: "pckv", UUID: pckvUUID, Raw: []byte("75470")}})
	if err != nil {
		t.Fatalf("serviceData() error = %v", err)
	}
	if string(sd.Characteristics[0].Value) != "75470" {
		t.Errorf("pckv = %s, want 75470", sd.Characteristics[0].Value)
	}
}

func TestScanCodeLines(t *testing.T) {
	b := openBridge(t, newFakeAdapter(), strings.NewReader("123456\n\n  PAY-77 \n"))
	ctx := context.Background()

	_ = b.ScanCode(ctx)
	if ev := next(t, b); ev.Scan.Value != "123456" {
		t.Errorf("first scan = %+v", ev.Scan)
	}
	_ = b.ScanCode(ctx)
	if ev := next(t, b); !ev.Scan.Cancelled {
		t.Errorf("blank line should cancel, got %+v", ev.Scan)
	}
	_ = b.ScanCode(ctx)
	if ev := next(t, b); ev.Scan.Value != "PAY-77" {
		t.Errorf("third scan = %+v", ev.Scan)
	}
	_ = b.ScanCode(ctx)
	if ev := next(t, b); !ev.Scan.Cancelled {
		t.Errorf("closed input should cancel, got %+v", ev.Scan)
	}
}

func TestPendingScanCodesCoalesce(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	b := openBridge(t, newFakeAdapter(), pr)
	ctx := context.Background()

	_ = b.ScanCode(ctx)
	_ = b.ScanCode(ctx)
	if _, err := io.WriteString(pw, "123456\n"); err != nil {
		t.Fatal(err)
	}
	if ev := next(t, b); ev.Scan.Value != "123456" {
		t.Errorf("scan = %+v", ev.Scan)
	}
	select {
	case ev := <-b.Events():
		t.Errorf("coalesced scan produced %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := openBridge(t, newFakeAdapter(), nil)
	ctx := context.Background()

	if err := b.Subscribe(ctx, "echo/x"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := b.Subscribe(ctx, "echo/x"); err != nil {
		t.Fatalf("second Subscribe() error = %v", err)
	}
	if err := b.Publish(ctx, "echo/x", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	ev := next(t, b)
	if ev.Kind != bridge.EventMessageArrived || string(ev.Message.Payload) != `{"ok":true}` {
		t.Errorf("event = %+v", ev)
	}
	select {
	case ev := <-b.Events():
		t.Errorf("duplicate subscription delivered %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	adapter := newFakeAdapter()
	b, err := New(adapter, pubsub.NewMemoryBroker(), strings.NewReader(""), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = b.StartScan(context.Background())
	_ = b.Connect(context.Background(), batteryAddr)

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	for range b.Events() {
	}
}

func TestSessionOverNativeBridge(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	ledger := completion.NewLedger(broker, completion.NewDedupeCache(time.Hour, 100, time.Now), time.Now)
	_, err := broker.Subscribe(context.Background(), completion.RequestPattern("swap/attendant"), func(ctx context.Context, msg pubsub.Message) {
		_ = ledger.Handle(ctx, msg.Topic, msg.Payload)
	})
	if err != nil {
		t.Fatal(err)
	}

	b, err := New(newFakeAdapter(), broker, strings.NewReader("123456\n"), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	client := bridge.NewClient(b)
	handle, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	results := make(chan session.Result, 1)
	s, err := session.New(handle, session.Options{
		Profile:  domain.Profile{ActorType: domain.ActorAttendant, TopicPrefix: "swap/attendant"},
		Listener: session.ListenerFuncs{Finalized: func(r session.Result) { results <- r }},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := s.StartBatteryScan(ctx); err != nil {
		t.Fatalf("StartBatteryScan() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := s.State(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := st.(session.PendingCompletion); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session stuck in %v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	req, err := s.CompleteService(ctx, "plan-1", "att-1")
	if err != nil {
		t.Fatalf("CompleteService() error = %v", err)
	}
	select {
	case res := <-results:
		if !res.Confirmed || res.CorrelationID != req.CorrelationID {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pairing was not finalized")
	}

	records := ledger.Records()
	if len(records) != 1 || records[0].Request.PlanID != "plan-1" {
		t.Errorf("ledger records = %+v", records)
	}
}
