// Package bridge defines the contract between the pairing protocol and the
// host environment that owns the radio, the camera and the messaging link.
// Every command is fire-and-forget: its outcome arrives later as an Event.
package bridge

import (
	"context"
	"fmt"
	"sync"
)

// Commander is the bridge command surface. A returned error means the
// command could not be handed to the host; it says nothing about the outcome.
type Commander interface {
	// StartScan begins peripheral discovery.
	StartScan(ctx context.Context) error
	// StopScan ends peripheral discovery.
	StopScan(ctx context.Context) error
	// Connect opens a link to the peripheral with the given address.
	Connect(ctx context.Context, address string) error
	// Disconnect closes the link to the given address.
	Disconnect(ctx context.Context, address string) error
	// ReadTelemetryService reads the telemetry characteristic group.
	ReadTelemetryService(ctx context.Context, address string) error
	// Publish sends payload on a pub/sub topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe asks for messages on a pub/sub topic.
	Subscribe(ctx context.Context, topic string) error
	// ScanCode opens the host's code scanner.
	ScanCode(ctx context.Context) error
}

// Transport is a concrete bridge implementation.
type Transport interface {
	Commander
	// Open starts the transport. It is called once by Client.Initialize.
	Open(ctx context.Context) error
	// Events is the single inbound event stream.
	Events() <-chan Event
	// Close releases the transport.
	Close() error
}

// Handle is the initialized bridge a session runs against.
type Handle struct {
	Commander
	events <-chan Event
}

// NewHandle wraps a commander and its event stream. Tests use it to build a
// handle without a Client.
func NewHandle(cmd Commander, events <-chan Event) *Handle {
	return &Handle{Commander: cmd, events: events}
}

// Events returns the inbound event stream.
func (h *Handle) Events() <-chan Event { return h.events }

// Client owns one transport and initializes it at most once.
type Client struct {
	mu        sync.Mutex
	transport Transport
	handle    *Handle
	closed    bool
}

// NewClient creates a client for transport.
func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// Initialize opens the transport on first use and returns the same handle on
// every subsequent call.
func (c *Client) Initialize(ctx context.Context) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("bridge: client closed")
	}
	if c.handle != nil {
		return c.handle, nil
	}
	if err := c.transport.Open(ctx); err != nil {
		return nil, fmt.Errorf("bridge: open transport: %w", err)
	}
	c.handle = NewHandle(c.transport, c.transport.Events())
	return c.handle, nil
}

// Close closes the transport if it was opened.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.handle == nil {
		return nil
	}
	c.handle = nil
	return c.transport.Close()
}
