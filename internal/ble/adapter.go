// Package ble talks to battery peripherals through the local Bluetooth
// adapter. It scans advertisements, holds links and reads the telemetry
// characteristics.
package ble

import "context"

// Characteristic represents a readable GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical string form.
	UUID() string
	// Read returns the current value.
	Read() ([]byte, error)
}

// Device represents a received advertisement.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristics finds the given characteristics within a
	// service. Characteristics the peripheral lacks are omitted.
	DiscoverCharacteristics(serviceUUID string, charUUIDs []string) ([]Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan calls found for every advertisement until ctx is cancelled.
	Scan(ctx context.Context, found func(Device)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
