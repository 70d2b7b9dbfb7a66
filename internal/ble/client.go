package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrNotConnected is returned when reading from an address with no link.
var ErrNotConnected = errors.New("ble: device not connected")

// Service names the telemetry GATT service and its characteristics.
type Service struct {
	UUID            string
	Characteristics map[string]string // name -> characteristic UUID
}

// names returns the characteristic names in read order.
func (s Service) names() []string {
	names := make([]string, 0, len(s.Characteristics))
	for name := range s.Characteristics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reading is the raw value of one characteristic.
type Reading struct {
	Name string
	UUID string
	Raw  []byte
}

// Client holds links to battery peripherals and reads their telemetry
// service. Safe for concurrent use.
type Client struct {
	adapter Adapter
	service Service

	mu      sync.Mutex
	enabled bool
	conns   map[string]Connection // keyed by upper-case address
}

// NewClient creates a client reading service through adapter.
func NewClient(adapter Adapter, service Service) (*Client, error) {
	if service.UUID == "" {
		return nil, fmt.Errorf("ble: service UUID is required")
	}
	if len(service.Characteristics) == 0 {
		return nil, fmt.Errorf("ble: no characteristics configured")
	}
	return &Client{
		adapter: adapter,
		service: service,
		conns:   make(map[string]Connection),
	}, nil
}

// Enable powers on the adapter once.
func (c *Client) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return nil
	}
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	c.enabled = true
	return nil
}

// Scan reports advertisements until ctx is cancelled.
func (c *Client) Scan(ctx context.Context, found func(Device)) error {
	return c.adapter.Scan(ctx, found)
}

// Connect opens a link to address. onDrop runs if the link drops later
// without a Disconnect call.
func (c *Client) Connect(ctx context.Context, address string, onDrop func()) error {
	conn, err := c.adapter.Connect(ctx, address)
	if err != nil {
		return err
	}
	key := strings.ToUpper(address)

	c.mu.Lock()
	old := c.conns[key]
	c.conns[key] = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Disconnect()
	}

	conn.OnDisconnect(func() {
		c.mu.Lock()
		current := c.conns[key] == conn
		if current {
			delete(c.conns, key)
		}
		c.mu.Unlock()
		if !current {
			return
		}
		slog.Warn("[BLE] Link dropped", "address", address)
		if onDrop != nil {
			onDrop()
		}
	})

	slog.Info("[BLE] Connected", "address", address)
	return nil
}

// Connected reports whether a link to address is held.
func (c *Client) Connected(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conns[strings.ToUpper(address)]
	return ok
}

// Disconnect closes the link to address. It is a no-op without one.
func (c *Client) Disconnect(address string) error {
	key := strings.ToUpper(address)
	c.mu.Lock()
	conn, ok := c.conns[key]
	delete(c.conns, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", address, err)
	}
	return nil
}

// Read reads every configured characteristic from address in name order.
// progress is called after each characteristic.
func (c *Client) Read(address string, progress func(done, total int)) ([]Reading, error) {
	c.mu.Lock()
	conn, ok := c.conns[strings.ToUpper(address)]
	c.mu.Unlock()
	if !ok {
		return nil, ErrNotConnected
	}

	names := c.service.names()
	uuids := make([]string, len(names))
	for i, name := range names {
		uuids[i] = c.service.Characteristics[name]
	}

	chars, err := conn.DiscoverCharacteristics(c.service.UUID, uuids)
	if err != nil {
		return nil, err
	}
	byUUID := make(map[string]Characteristic, len(chars))
	for _, ch := range chars {
		byUUID[strings.ToLower(ch.UUID())] = ch
	}

	readings := make([]Reading, 0, len(names))
	for i, name := range names {
		ch, ok := byUUID[strings.ToLower(uuids[i])]
		if !ok {
			return nil, fmt.Errorf("ble: characteristic %s (%s) not found", name, uuids[i])
		}
		raw, err := ch.Read()
		if err != nil {
			return nil, err
		}
		readings = append(readings, Reading{Name: name, UUID: uuids[i], Raw: raw})
		if progress != nil {
			progress(i+1, len(names))
		}
	}
	return readings, nil
}

// Close drops every held link.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]Connection)
	c.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
