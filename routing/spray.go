// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"sync"

	"github.com/dtn7/bp7d/bpv7"
)

// SprayAndWait bounds the number of copies of a bundle in flight. Each
// bundle carries an integer copy count, held in a side table keyed by
// Bundle ID — never on the wire. A source seeds max-copies; a bundle
// received from a remote peer starts at max(1, max-copies/2): the protocol
// itself carries no explicit count, so the incoming count is taken to be
// max-copies.
//
// Spray phase (count > 1): forwarding splits the remaining copies, handing
// the peer count/2 and keeping count - count/2, only while the local
// remainder stays above zero. Wait phase (count <= 1): forward only direct
// to the bundle's destination.
type SprayAndWait struct {
	maxCopies int

	mutex  sync.Mutex
	counts map[bpv7.BundleID]int
}

// NewSprayAndWait creates a SprayAndWait strategy seeding maxCopies copies
// for locally originated bundles.
func NewSprayAndWait(maxCopies int) *SprayAndWait {
	if maxCopies < 1 {
		maxCopies = 1
	}
	return &SprayAndWait{
		maxCopies: maxCopies,
		counts:    make(map[bpv7.BundleID]int),
	}
}

func (*SprayAndWait) name() string { return "spray" }

func (s *SprayAndWait) initialCount(id bpv7.BundleID, local bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.counts[id]; ok {
		return
	}

	if local {
		s.counts[id] = s.maxCopies
		return
	}

	incoming := s.maxCopies
	count := incoming / 2
	if count < 1 {
		count = 1
	}
	s.counts[id] = count
}

func (s *SprayAndWait) admit(d *descriptor, peer bpv7.EndpointID) bool {
	s.mutex.Lock()
	count := s.counts[d.id]
	s.mutex.Unlock()

	if count > 1 {
		return true
	}
	return peer == d.destination
}

func (s *SprayAndWait) onSent(id bpv7.BundleID, _ bpv7.EndpointID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	count, ok := s.counts[id]
	if !ok || count <= 1 {
		return
	}

	peerShare := count / 2
	s.counts[id] = count - peerShare
}

func (s *SprayAndWait) onFailure(bpv7.BundleID, bpv7.EndpointID) {
	// Failed sends spend no copy; the prior count already stands untouched.
}

func (s *SprayAndWait) forget(id bpv7.BundleID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.counts, id)
}
