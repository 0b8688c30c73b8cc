package filter

import (
	"slices"
	"strings"
	"sync"
)

// AddressSet is a resolved, case-insensitive set of addresses.
// A nil *AddressSet places no constraint.
type AddressSet struct {
	addresses map[string]struct{}
	mu        sync.RWMutex
}

// NewAddressSet creates a set holding addrs.
func NewAddressSet(addrs ...string) *AddressSet {
	s := &AddressSet{
		addresses: make(map[string]struct{}, len(addrs)),
	}
	s.AddBatch(addrs)
	return s
}

// Contains checks if an address is in the set.
func (s *AddressSet) Contains(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.addresses[strings.ToLower(address)]
	return exists
}

// Matches is Contains, except that a nil set matches everything.
func (s *AddressSet) Matches(address string) bool {
	if s == nil {
		return true
	}
	return s.Contains(address)
}

// Add adds an address to the set.
func (s *AddressSet) Add(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses[strings.ToLower(address)] = struct{}{}
}

// AddBatch adds multiple addresses.
func (s *AddressSet) AddBatch(addresses []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range addresses {
		s.addresses[strings.ToLower(addr)] = struct{}{}
	}
}

// Size returns the number of addresses.
func (s *AddressSet) Size() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.addresses)
}

// Addresses returns the members in sorted order.
func (s *AddressSet) Addresses() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]string, 0, len(s.addresses))
	for addr := range s.addresses {
		result = append(result, addr)
	}
	slices.Sort(result)
	return result
}
