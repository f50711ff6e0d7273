// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2019, 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package node wires the bundle store, fragmentation manager, routing
// engine and convergence-layer manager into a single DTN node, mirroring
// the supervisory loop of a classic DTN daemon's core.
package node

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bp7d/bpv7"
	"github.com/dtn7/bp7d/cla"
	"github.com/dtn7/bp7d/config"
	"github.com/dtn7/bp7d/fragment"
	"github.com/dtn7/bp7d/routing"
	"github.com/dtn7/bp7d/store"
)

// DeliveryHandler is invoked for every bundle addressed to this node once
// it is fully reassembled.
type DeliveryHandler func(b bpv7.Bundle)

// Node is a single DTN node: it owns the bundle store, the fragmentation
// manager, the routing engine and the convergence-layer manager, and drives
// their periodic housekeeping.
type Node struct {
	localNode bpv7.EndpointID

	store       *store.Store
	fragManager *fragment.Manager
	engine      *routing.Engine
	claManager  *cla.Manager

	delivery DeliveryHandler

	cleanupInterval time.Duration
	dispatchTicker  *time.Ticker

	stopSyn chan struct{}
	stopAck chan struct{}
}

// Config collects a Node's construction parameters.
type Config struct {
	LocalNode       bpv7.EndpointID
	Store           *store.Store
	FragManager     *fragment.Manager
	Engine          *routing.Engine
	CLAManager      *cla.Manager
	CleanupInterval time.Duration
}

// New assembles a Node from cfg. CleanupInterval defaults to 10 minutes.
func New(cfg Config) *Node {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	n := &Node{
		localNode:       cfg.LocalNode,
		store:           cfg.Store,
		fragManager:     cfg.FragManager,
		engine:          cfg.Engine,
		claManager:      cfg.CLAManager,
		cleanupInterval: interval,
		stopSyn:         make(chan struct{}),
		stopAck:         make(chan struct{}),
	}

	n.claManager.SetHandler(n.onReceive)

	return n
}

// SetDeliveryHandler registers the callback invoked for bundles destined
// for this node.
func (n *Node) SetDeliveryHandler(handler DeliveryHandler) {
	n.delivery = handler
}

// Start brings up the convergence layers and the periodic housekeeping
// loop, then triggers an initial dispatch pass.
func (n *Node) Start() error {
	if err := n.claManager.Start(); err != nil {
		return fmt.Errorf("node: starting convergence layers failed: %w", err)
	}

	n.dispatchTicker = time.NewTicker(n.cleanupInterval)
	go n.housekeeping()

	n.engine.DispatchBundles()
	return nil
}

// Stop shuts the housekeeping loop and convergence layers down.
func (n *Node) Stop() {
	close(n.stopSyn)
	<-n.stopAck

	n.claManager.Stop()
}

func (n *Node) housekeeping() {
	defer n.dispatchTicker.Stop()

	for {
		select {
		case <-n.stopSyn:
			close(n.stopAck)
			return

		case <-n.dispatchTicker.C:
			removed := n.store.Cleanup()
			abandoned := n.fragManager.Cleanup()
			forgotten := n.engine.Cleanup()

			log.WithFields(log.Fields{
				"store_expired":     removed,
				"fragments_expired": abandoned,
				"descriptors_freed": forgotten,
			}).Debug("node: housekeeping tick")

			n.engine.DispatchBundles()
		}
	}
}

// Submit hands a locally originated bundle to the routing engine and
// immediately triggers a dispatch pass.
func (n *Node) Submit(b bpv7.Bundle) {
	n.engine.NotifyNewBundle(b, bpv7.EndpointID{})
	n.engine.DispatchBundles()
}

// onReceive is wired as the cla.Manager's BundleHandler: it reassembles
// fragments, delivers bundles addressed to the local node, and otherwise
// hands the bundle to the routing engine as a newly seen bundle.
func (n *Node) onReceive(b bpv7.Bundle, sourceNode bpv7.EndpointID) {
	if b.PrimaryBlock.BundleControlFlags.Has(bpv7.IsFragment) {
		reassembled, complete, err := n.fragManager.Add(b)
		if err != nil {
			log.WithError(err).WithField("bundle", b.ID()).Warn("node: discarding fragment")
			return
		}
		if !complete {
			return
		}
		b = reassembled
	}

	if cb, err := b.ExtensionBlock(bpv7.ExtBlockTypeHopCountBlock); err == nil {
		hcb := cb.Value.(*bpv7.HopCountBlock)
		if hcb.Increment() {
			log.WithField("bundle", b.ID()).Debug("node: dropping bundle, hop limit exceeded")
			n.reportStatus(b, bpv7.StatusRequestDeletion, bpv7.HopLimitExceeded)
			return
		}
	}

	if b.PrimaryBlock.Destination == n.localNode {
		n.deliver(b)
		return
	}

	n.engine.NotifyNewBundle(b, sourceNode)
	n.engine.DispatchBundles()
}

func (n *Node) deliver(b bpv7.Bundle) {
	n.reportStatus(b, bpv7.StatusRequestDelivery, bpv7.NoInformation)

	if n.delivery != nil {
		n.delivery(b)
	}
}

// reportStatus sends a bundle status report to b's report-to endpoint if b
// requested one for statusFlag and is not itself an administrative record,
// per spec.md §7's optional status-report-on-delivery scope.
func (n *Node) reportStatus(b bpv7.Bundle, statusFlag bpv7.BundleControlFlags, reason bpv7.StatusReportReason) {
	flags := b.PrimaryBlock.BundleControlFlags
	if !flags.Has(statusFlag) || flags.Has(bpv7.AdministrativeRecordPayload) {
		return
	}

	reportTo := b.PrimaryBlock.ReportTo
	if reportTo == (bpv7.EndpointID{}) || reportTo == n.localNode {
		return
	}

	var sip bpv7.StatusInformationPos
	switch statusFlag {
	case bpv7.StatusRequestDelivery:
		sip = bpv7.DeliveredBundle
	case bpv7.StatusRequestDeletion:
		sip = bpv7.DeletedBundle
	case bpv7.StatusRequestForward:
		sip = bpv7.ForwardedBundle
	case bpv7.StatusRequestReception:
		sip = bpv7.ReceivedBundle
	default:
		return
	}

	report := bpv7.NewStatusReport(b, sip, reason, bpv7.DtnTimeNow())

	block, err := bpv7.AdministrativeRecordToCbor(report)
	if err != nil {
		log.WithError(err).WithField("bundle", b.ID()).Warn("node: building status report failed")
		return
	}

	reportBundle, err := bpv7.Builder().
		CRC(bpv7.CRC32).
		Source(n.localNode).
		Destination(reportTo).
		CreationTimestampNow().
		Lifetime("24h").
		BundleCtrlFlags(bpv7.AdministrativeRecordPayload).
		Canonical(block).
		Build()
	if err != nil {
		log.WithError(err).WithField("bundle", b.ID()).Warn("node: assembling status report bundle failed")
		return
	}

	n.engine.NotifyNewBundle(reportBundle, bpv7.EndpointID{})
	n.engine.DispatchBundles()
}

// NodeID implements config.StatusSource.
func (n *Node) NodeID() string {
	return n.localNode.String()
}

// Peers implements config.StatusSource.
func (n *Node) Peers() []config.PeerStatus {
	peers := n.engine.Peers()
	out := make([]config.PeerStatus, 0, len(peers))
	for _, p := range peers {
		out = append(out, config.PeerStatus{
			NodeID:   p.NodeID.String(),
			Address:  p.Address,
			LastSeen: p.LastSeen.Format(time.RFC3339),
		})
	}
	return out
}

// Bundles implements config.StatusSource.
func (n *Node) Bundles() []config.BundleStatus {
	descriptors := n.engine.Descriptors()
	out := make([]config.BundleStatus, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, config.BundleStatus{
			ID:          d.ID.String(),
			Source:      d.ID.SourceNode.String(),
			Destination: d.Destination.String(),
			Expires:     d.Expiration.Format(time.RFC3339),
		})
	}
	return out
}
