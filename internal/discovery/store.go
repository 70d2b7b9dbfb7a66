// Package discovery accumulates peripheral advertisements seen during a scan
// session.
package discovery

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Peripheral is a discovered wireless peripheral.
type Peripheral struct {
	Address   string    // unique hardware address
	Name      string    // advertised display name
	RSSI      int       // signal strength in dBm
	RawSignal string    // signal strength exactly as the bridge reported it
	LastSeen  time.Time // time of the most recent advertisement
}

// Store holds the peripherals of the current scan session, keyed by address
// and kept sorted by signal strength, strongest first. It does no filtering.
type Store struct {
	mu    sync.RWMutex
	items []Peripheral
	index map[string]int // address -> position in items
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// Upsert records a discovery event. A repeat discovery of the same address
// updates the entry in place. The collection is re-sorted after every update.
func (s *Store) Upsert(p Peripheral) {
	if p.Address == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.index[p.Address]; ok {
		if p.Name == "" {
			// Scan responses without a local name must not erase a known one.
			p.Name = s.items[i].Name
		}
		s.items[i] = p
	} else {
		s.items = append(s.items, p)
	}
	s.sortLocked()
}

// Reset clears the store. Called at the start of every scan session.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.index = make(map[string]int)
}

// Snapshot returns a copy of the peripherals, strongest signal first.
func (s *Store) Snapshot() []Peripheral {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items)
}

// Len returns the number of distinct peripherals seen.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Lookup returns the peripheral with the given address.
func (s *Store) Lookup(address string) (Peripheral, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[address]
	if !ok {
		return Peripheral{}, false
	}
	return s.items[i], true
}

// sortLocked orders by RSSI descending, then address, and rebuilds the index.
// Caller must hold mu.
func (s *Store) sortLocked() {
	slices.SortStableFunc(s.items, func(a, b Peripheral) int {
		if c := cmp.Compare(b.RSSI, a.RSSI); c != 0 {
			return c
		}
		return cmp.Compare(a.Address, b.Address)
	})
	for i, p := range s.items {
		s.index[p.Address] = i
	}
}
