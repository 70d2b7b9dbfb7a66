package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// maxValueSize bounds a single characteristic read.
const maxValueSize = 512

// TinygoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; both are carried as the
// Address string.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by upper-case address
}

// NewTinygoAdapter creates an adapter on the system default radio.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[key]
		delete(a.connections, key)
		a.mu.Unlock()
		if ok {
			conn.dropped()
		}
	})

	return nil
}

func (a *TinygoAdapter) Scan(ctx context.Context, found func(Device)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// The underlying Connect blocks with its own timeout and cannot be
	// cancelled; ctx only bounds how long we wait for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinygoConnection{device: result.device}

		a.mu.Lock()
		a.connections[strings.ToUpper(address)] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinygoConnection) DiscoverCharacteristics(serviceUUID string, charUUIDs []string) ([]Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	wanted := make([]bluetooth.UUID, 0, len(charUUIDs))
	for _, s := range charUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse characteristic UUID %q: %w", s, err)
		}
		wanted = append(wanted, u)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics(wanted)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	out := make([]Characteristic, 0, len(chars))
	for i := range chars {
		out = append(out, &tinygoCharacteristic{char: chars[i]})
	}
	return out, nil
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) dropped() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *tinygoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxValueSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("ble: read %s: %w", c.UUID(), err)
	}
	return buf[:n], nil
}
