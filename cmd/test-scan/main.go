// Command test-scan is a manual test for the local Bluetooth radio.
// It scans for the given duration and prints every peripheral seen,
// strongest signal first. With --code, peripherals whose name ends in the
// code are marked.
//
// Usage:
//
//	go run ./cmd/test-scan [--duration 10s] [--code 123456]
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/swaplink/internal/ble"
	"github.com/chaz8081/swaplink/internal/discovery"
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "how long to scan")
	code := flag.String("code", "", "mark peripherals whose name ends in this code")
	flag.Parse()

	adapter := ble.NewTinygoAdapter()
	if err := adapter.Enable(); err != nil {
		fmt.Printf("Error: enable adapter: %v\n", err)
		return
	}

	fmt.Printf("Scanning for %s...\n", *duration)
	store := discovery.NewStore()
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	err := adapter.Scan(ctx, func(d ble.Device) {
		store.Upsert(discovery.Peripheral{
			Address:   d.Address,
			Name:      d.Name,
			RSSI:      d.RSSI,
			RawSignal: fmt.Sprint(d.RSSI),
			LastSeen:  time.Now(),
		})
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	peripherals := store.Snapshot()
	fmt.Printf("\n%d peripherals:\n", len(peripherals))
	for _, p := range peripherals {
		mark := " "
		if *code != "" && strings.HasSuffix(p.Name, *code) {
			mark = "*"
		}
		fmt.Printf("%s %-20s %-36s %4d dBm\n", mark, p.Name, p.Address, p.RSSI)
	}
}
