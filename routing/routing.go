// SPDX-FileCopyrightText: 2019 Markus Sommer
// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package routing implements per-bundle forwarding decisions across
// opportunistic peer contacts, with pluggable strategies.
package routing

import (
	"sync"
	"time"

	"github.com/dtn7/bp7d/bpv7"
	"github.com/dtn7/bp7d/cla"
	"github.com/dtn7/bp7d/store"
)

// activePeerWindow is how long a peer remains "active" after last-seen
// before it is excluded from dispatch, per the 5-minute bound.
const activePeerWindow = 5 * time.Minute

// Peer is a known neighbor: its node EID, transport address, and liveness.
type Peer struct {
	NodeID        bpv7.EndpointID
	Address       string
	LastSeen      time.Time
	DiscoveredAt  time.Time
	Reachable     bool
	ConvergenceID string
}

func (p Peer) isActive(now time.Time) bool {
	return p.Reachable && now.Sub(p.LastSeen) <= activePeerWindow
}

// descriptor is routing's per-bundle bookkeeping: the set of peers already
// sent-to and the bundle's state.
type descriptor struct {
	id          bpv7.BundleID
	destination bpv7.EndpointID
	expiration  time.Time
	sentTo      map[bpv7.EndpointID]bool
	delivered   bool
}

func newDescriptor(b bpv7.Bundle) *descriptor {
	creation := b.PrimaryBlock.CreationTimestamp.DtnTime().Time()
	return &descriptor{
		id:          b.ID(),
		destination: b.PrimaryBlock.Destination,
		expiration:  creation.Add(time.Duration(b.PrimaryBlock.Lifetime) * time.Millisecond),
		sentTo:      make(map[bpv7.EndpointID]bool),
	}
}

func (d *descriptor) isExpired(now time.Time) bool {
	return now.After(d.expiration)
}

// Algorithm is a pluggable forwarding strategy. Implementations decide, on
// each dispatch pass, which eligible peers a bundle should be forwarded to.
type Algorithm interface {
	// name identifies the strategy, e.g. for logging.
	name() string

	// initialCount seeds any copy-count bookkeeping a bundle needs when it
	// is first seen; local indicates the bundle originated at this node.
	initialCount(id bpv7.BundleID, local bool)

	// admit decides whether the candidate (bundle, peer) pair should be
	// forwarded, given it already passed the universal filters.
	admit(d *descriptor, peer bpv7.EndpointID) bool

	// onSent is called after a successful transmission to peer.
	onSent(id bpv7.BundleID, peer bpv7.EndpointID)

	// onFailure is called after a failed transmission to peer; strategies
	// that spent a resource on admission (e.g. spray-and-wait) restore it.
	onFailure(id bpv7.BundleID, peer bpv7.EndpointID)

	// forget drops any bookkeeping this strategy holds for id.
	forget(id bpv7.BundleID)
}

// Engine is the routing engine: bundle descriptors, the peer table, and a
// pluggable Algorithm drive forwarding decisions across convergence layers.
type Engine struct {
	mutex sync.Mutex

	localNode bpv7.EndpointID
	store     *store.Store
	sender    cla.Sender
	algorithm Algorithm

	descriptors map[bpv7.BundleID]*descriptor
	peers       map[bpv7.EndpointID]*Peer

	failures int
}

// NewEngine creates a routing Engine for localNode, backed by store for
// bundle persistence and sender for transmission, driven by algorithm.
func NewEngine(localNode bpv7.EndpointID, st *store.Store, sender cla.Sender, algorithm Algorithm) *Engine {
	return &Engine{
		localNode:   localNode,
		store:       st,
		sender:      sender,
		algorithm:   algorithm,
		descriptors: make(map[bpv7.BundleID]*descriptor),
		peers:       make(map[bpv7.EndpointID]*Peer),
	}
}

// NotifyNewBundle places b in the store, creates or updates its descriptor,
// and marks sourcePeer (if non-zero) as already-sent-to, preventing
// reflection back to the node we just received it from.
func (e *Engine) NotifyNewBundle(b bpv7.Bundle, sourcePeer bpv7.EndpointID) {
	local := sourcePeer == bpv7.EndpointID{}

	e.store.Push(b)

	e.mutex.Lock()
	d, ok := e.descriptors[b.ID()]
	if !ok {
		d = newDescriptor(b)
		e.descriptors[b.ID()] = d
	}
	if !local {
		d.sentTo[sourcePeer] = true
	}
	if d.destination == e.localNode {
		d.delivered = true
	}
	e.mutex.Unlock()

	e.algorithm.initialCount(b.ID(), local)
}

// NotifyPeerAppeared updates the peer table and triggers a dispatch pass.
func (e *Engine) NotifyPeerAppeared(peer Peer) {
	now := time.Now()
	peer.LastSeen = now
	peer.Reachable = true
	if peer.DiscoveredAt.IsZero() {
		peer.DiscoveredAt = now
	}

	e.mutex.Lock()
	e.peers[peer.NodeID] = &peer
	e.mutex.Unlock()

	e.DispatchBundles()
}

// NotifyPeerDisappeared removes peer from the peer table.
func (e *Engine) NotifyPeerDisappeared(nodeID bpv7.EndpointID) {
	e.mutex.Lock()
	delete(e.peers, nodeID)
	e.mutex.Unlock()
}

// DispatchBundles iterates current bundles times active peers, applying
// universal filters and then the configured Algorithm's strategy-specific
// admission test, forwarding every admitted pair.
func (e *Engine) DispatchBundles() {
	now := time.Now()

	e.mutex.Lock()
	descriptors := make([]*descriptor, 0, len(e.descriptors))
	for _, d := range e.descriptors {
		descriptors = append(descriptors, d)
	}
	peers := make([]*Peer, 0, len(e.peers))
	for _, p := range e.peers {
		if p.isActive(now) {
			peers = append(peers, p)
		}
	}
	e.mutex.Unlock()

	for _, d := range descriptors {
		if d.isExpired(now) || d.delivered {
			continue
		}

		b, ok := e.store.Get(d.id)
		if !ok {
			continue
		}

		for _, p := range peers {
			e.mutex.Lock()
			alreadySent := d.sentTo[p.NodeID]
			e.mutex.Unlock()

			if alreadySent || !e.algorithm.admit(d, p.NodeID) {
				continue
			}

			e.forward(b, d, p)
		}
	}
}

// stampPreviousNode sets b's previous-node block to localNode, creating the
// block if the bundle does not carry one yet.
func stampPreviousNode(b *bpv7.Bundle, localNode bpv7.EndpointID) {
	if cb, err := b.ExtensionBlock(bpv7.ExtBlockTypePreviousNodeBlock); err == nil {
		*cb.Value.(*bpv7.PreviousNodeBlock) = bpv7.PreviousNodeBlock(localNode)
		return
	}

	_ = b.AddExtensionBlock(bpv7.NewCanonicalBlock(0, 0, bpv7.NewPreviousNodeBlock(localNode)))
}

func (e *Engine) forward(b bpv7.Bundle, d *descriptor, p *Peer) {
	stampPreviousNode(&b, e.localNode)

	if err := e.sender.Send(b, p.Address); err != nil {
		e.mutex.Lock()
		e.failures++
		e.mutex.Unlock()

		e.algorithm.onFailure(d.id, p.NodeID)
		return
	}

	e.mutex.Lock()
	d.sentTo[p.NodeID] = true
	e.mutex.Unlock()

	e.algorithm.onSent(d.id, p.NodeID)
}

// ReportFailure lets a convergence layer report an async transmission
// failure outside the dispatch pass (e.g. a connection reset mid-stream).
func (e *Engine) ReportFailure(id bpv7.BundleID, peer bpv7.EndpointID) {
	e.algorithm.onFailure(id, peer)
	e.mutex.Lock()
	e.failures++
	e.mutex.Unlock()
}

// Failures returns the count of failed forwarding attempts observed so far.
func (e *Engine) Failures() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.failures
}

// Peers returns a snapshot of the current peer table.
func (e *Engine) Peers() []Peer {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	peers := make([]Peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, *p)
	}
	return peers
}

// Descriptors returns a snapshot of (bundle ID, destination, expiration)
// for every bundle routing currently tracks.
func (e *Engine) Descriptors() []BundleDescriptorView {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	views := make([]BundleDescriptorView, 0, len(e.descriptors))
	for _, d := range e.descriptors {
		views = append(views, BundleDescriptorView{
			ID:          d.id,
			Destination: d.destination,
			Expiration:  d.expiration,
		})
	}
	return views
}

// BundleDescriptorView is a read-only snapshot of a bundle descriptor.
type BundleDescriptorView struct {
	ID          bpv7.BundleID
	Destination bpv7.EndpointID
	Expiration  time.Time
}

// Cleanup drops descriptors (and their Algorithm bookkeeping) for delivered
// or expired bundles, returning the count removed.
func (e *Engine) Cleanup() int {
	now := time.Now()

	e.mutex.Lock()
	defer e.mutex.Unlock()

	removed := 0
	for id, d := range e.descriptors {
		if d.delivered || d.isExpired(now) {
			delete(e.descriptors, id)
			e.algorithm.forget(id)
			removed++
		}
	}
	return removed
}
