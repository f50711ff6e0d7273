// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package store provides an in-memory, capacity-capped, lifetime-expiring
// store for bundles, keyed by their Bundle ID.
package store

import (
	"sync"
	"time"

	"github.com/dtn7/bp7d/bpv7"
)

// entry pairs a bundle with the wall-clock instant after which it is expired.
type entry struct {
	bundle  bpv7.Bundle
	expires time.Time
}

func (e entry) isExpired(now time.Time) bool {
	return now.After(e.expires)
}

func expiryOf(b bpv7.Bundle) time.Time {
	creation := b.PrimaryBlock.CreationTimestamp.DtnTime().Time()
	return creation.Add(time.Duration(b.PrimaryBlock.Lifetime) * time.Millisecond)
}

// Store is an in-memory, mutex-guarded bundle store keyed by Bundle ID, with
// a capacity cap and lifetime-based eviction.
type Store struct {
	mutex   sync.Mutex
	bundles map[bpv7.BundleID]entry
	maxSize int
}

// New creates an empty Store accepting at most maxSize bundles. A maxSize of
// 0 means unbounded.
func New(maxSize int) *Store {
	return &Store{
		bundles: make(map[bpv7.BundleID]entry),
		maxSize: maxSize,
	}
}

// Push inserts a bundle if the store is under capacity and the bundle's ID is
// not already present. It reports whether the insertion happened.
func (s *Store) Push(b bpv7.Bundle) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := b.ID()
	if _, ok := s.bundles[id]; ok {
		return false
	}

	if s.maxSize > 0 && len(s.bundles) >= s.maxSize {
		return false
	}

	s.bundles[id] = entry{bundle: b, expires: expiryOf(b)}
	return true
}

// Get returns the bundle for id, if present and not expired.
func (s *Store) Get(id bpv7.BundleID) (bpv7.Bundle, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.bundles[id]
	if !ok || e.isExpired(time.Now()) {
		return bpv7.Bundle{}, false
	}
	return e.bundle, true
}

// Has reports whether id is present and not expired.
func (s *Store) Has(id bpv7.BundleID) bool {
	_, ok := s.Get(id)
	return ok
}

// Remove deletes the bundle for id, if present. It reports whether anything
// was removed; a false return is not an error.
func (s *Store) Remove(id bpv7.BundleID) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.bundles[id]; !ok {
		return false
	}
	delete(s.bundles, id)
	return true
}

// GetAll returns a snapshot of every non-expired bundle currently stored.
func (s *Store) GetAll() []bpv7.Bundle {
	return s.Query(func(bpv7.Bundle) bool { return true })
}

// Query returns a snapshot of every non-expired bundle matching predicate.
// The caller never holds the store's lock while predicate runs.
func (s *Store) Query(predicate func(bpv7.Bundle) bool) []bpv7.Bundle {
	s.mutex.Lock()
	now := time.Now()
	snapshot := make([]bpv7.Bundle, 0, len(s.bundles))
	for _, e := range s.bundles {
		if !e.isExpired(now) {
			snapshot = append(snapshot, e.bundle)
		}
	}
	s.mutex.Unlock()

	filtered := make([]bpv7.Bundle, 0, len(snapshot))
	for _, b := range snapshot {
		if predicate(b) {
			filtered = append(filtered, b)
		}
	}
	return filtered
}

// Cleanup removes every bundle whose lifetime has elapsed and returns the
// count removed. It is intended to be called periodically by the node.
func (s *Store) Cleanup() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	removed := 0
	for id, e := range s.bundles {
		if e.isExpired(now) {
			delete(s.bundles, id)
			removed++
		}
	}
	return removed
}

// Len returns the current number of stored (including possibly expired, not
// yet swept) bundles.
func (s *Store) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.bundles)
}
