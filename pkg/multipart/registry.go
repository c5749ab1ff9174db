// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import (
	"maps"
	"slices"
	"sync"
)

// PartRegistry collects acknowledged parts for one session. Recording the
// same part number twice keeps the later acknowledgment. Safe for
// concurrent use.
type PartRegistry struct {
	mu    sync.Mutex
	parts map[int]Part
}

func NewPartRegistry() *PartRegistry {
	return &PartRegistry{parts: make(map[int]Part)}
}

// Record stores p. Part numbers below 1 are rejected.
func (r *PartRegistry) Record(p Part) error {
	if p.PartNumber < 1 {
		return &OrderingViolation{Current: p.PartNumber}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parts[p.PartNumber] = p
	return nil
}

// Has reports whether partNumber has been recorded.
func (r *PartRegistry) Has(partNumber int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.parts[partNumber]
	return ok
}

// Len returns the number of distinct parts recorded.
func (r *PartRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parts)
}

// IsComplete reports whether every part from 1 through last is recorded.
func (r *PartRegistry) IsComplete(last int) bool {
	return last >= 1 && len(r.Missing(last)) == 0
}

// Missing returns the part numbers in 1..last not yet recorded.
func (r *PartRegistry) Missing(last int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var missing []int
	for n := 1; n <= last; n++ {
		if _, ok := r.parts[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// OrderedParts returns the recorded parts sorted ascending by part number.
func (r *PartRegistry) OrderedParts() []Part {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Part, 0, len(r.parts))
	for _, n := range slices.Sorted(maps.Keys(r.parts)) {
		out = append(out, r.parts[n])
	}
	return out
}

// ValidateOrder checks that parts is strictly ascending with positive numbers.
func ValidateOrder(parts []Part) error {
	prev := 0
	for _, p := range parts {
		if p.PartNumber <= prev {
			return &OrderingViolation{Previous: prev, Current: p.PartNumber}
		}
		prev = p.PartNumber
	}
	return nil
}
