// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package fragment provides send-side splitting and incremental receive-side
// reassembly of bundle fragments, on top of bpv7's batch fragmentation
// helpers.
package fragment

import (
	"sort"
	"sync"
	"time"

	"github.com/dtn7/bp7d/bpv7"
)

// Split fragments b into a sequence of bundles, none of whose encoded form
// exceeds maxSize bytes. It delegates directly to bpv7.Bundle.Fragment.
func Split(b bpv7.Bundle, maxSize int) ([]bpv7.Bundle, error) {
	return b.Fragment(maxSize)
}

// fragSet accumulates fragments for one original bundle, keyed by its
// reassembled Bundle ID.
type fragSet struct {
	total    uint64
	received []bpv7.Bundle
	offsets  map[uint64]bool
	expires  time.Time
}

func (fs *fragSet) isExpired(now time.Time) bool {
	return now.After(fs.expires)
}

// covers reports whether the received fragments, sorted by offset, leave no
// gap and reach at least fs.total bytes of coverage.
func (fs *fragSet) covers() bool {
	sorted := append([]bpv7.Bundle(nil), fs.received...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PrimaryBlock.FragmentOffset < sorted[j].PrimaryBlock.FragmentOffset
	})

	covered := uint64(0)
	for _, b := range sorted {
		offset := b.PrimaryBlock.FragmentOffset
		if offset > covered {
			return false
		}

		payloadBlock, err := b.PayloadBlock()
		if err != nil {
			return false
		}
		payloadLen := uint64(len(payloadBlock.Value.(*bpv7.PayloadBlock).Data()))

		if end := offset + payloadLen; end > covered {
			covered = end
		}
	}

	return covered >= fs.total
}

// Manager tracks in-flight fragment sets for incremental reassembly.
type Manager struct {
	mutex    sync.Mutex
	sets     map[bpv7.BundleID]*fragSet
	abandoned int
}

// NewManager creates an empty reassembly Manager.
func NewManager() *Manager {
	return &Manager{sets: make(map[bpv7.BundleID]*fragSet)}
}

// originalID computes the Bundle ID a fragment belongs to, by zeroing its
// is-fragment flag and fragment offset.
func originalID(b bpv7.Bundle) bpv7.BundleID {
	id := b.ID()
	id.IsFragment = false
	id.FragmentOffset = 0
	return id
}

func fragmentExpiry(b bpv7.Bundle) time.Time {
	creation := b.PrimaryBlock.CreationTimestamp.DtnTime().Time()
	return creation.Add(time.Duration(b.PrimaryBlock.Lifetime) * time.Millisecond)
}

// Add submits one incoming fragment. It returns the reassembled bundle and
// true once the fragment set is complete; a duplicate fragment offset is
// rejected with complete=false, errDuplicateOffset and no state change.
func (m *Manager) Add(b bpv7.Bundle) (reassembled bpv7.Bundle, complete bool, err error) {
	if !b.PrimaryBlock.BundleControlFlags.Has(bpv7.IsFragment) {
		err = errNotAFragment
		return
	}

	if fragmentExpiry(b).Before(time.Now()) {
		err = errExpiredFragment
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	id := originalID(b)
	fs, ok := m.sets[id]
	if !ok {
		fs = &fragSet{
			total:   b.PrimaryBlock.TotalDataLength,
			offsets: make(map[uint64]bool),
			expires: fragmentExpiry(b),
		}
		m.sets[id] = fs
	}

	offset := b.PrimaryBlock.FragmentOffset
	if fs.offsets[offset] {
		return bpv7.Bundle{}, false, errDuplicateOffset
	}

	fs.offsets[offset] = true
	fs.received = append(fs.received, b)
	if exp := fragmentExpiry(b); exp.Before(fs.expires) {
		fs.expires = exp
	}

	if !fs.covers() {
		return bpv7.Bundle{}, false, nil
	}

	merged, mergeErr := bpv7.ReassembleFragments(fs.received)
	if mergeErr != nil {
		return bpv7.Bundle{}, false, mergeErr
	}

	delete(m.sets, id)
	return merged, true, nil
}

// Cleanup discards fragment sets whose earliest fragment has expired,
// returning the count abandoned. It is intended to be called periodically.
func (m *Manager) Cleanup() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	removed := 0
	for id, fs := range m.sets {
		if fs.isExpired(now) {
			delete(m.sets, id)
			removed++
		}
	}
	m.abandoned += removed
	return removed
}

// Abandoned returns the total number of fragment sets discarded by Cleanup
// over this Manager's lifetime.
func (m *Manager) Abandoned() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.abandoned
}

// Pending returns the number of fragment sets currently awaiting completion.
func (m *Manager) Pending() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sets)
}
