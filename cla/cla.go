// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cla defines the convergence-layer contract: the transport
// abstraction that the routing engine drives to move bundles between nodes.
//
// An implemented convergence layer can be a Receiver, a Sender, or both,
// depending on the transport's own capabilities.
package cla

import (
	"github.com/dtn7/bp7d/bpv7"
)

// BundleHandler is invoked for each bundle a Receiver successfully decodes.
// It must not block on any Receiver- or Sender-internal lock.
type BundleHandler func(b bpv7.Bundle, sourceNode bpv7.EndpointID)

// Receiver accepts inbound bundles over some transport and reports them
// through a registered BundleHandler.
type Receiver interface {
	// Start begins listening. err is non-nil on failure; retry indicates
	// whether a later Start attempt might succeed.
	Start() (err error, retry bool)

	// Stop shuts the receiver down; in-flight decodes are allowed to finish.
	Stop()

	// Address is this Receiver's own endpoint address, e.g. "tcp://host:4556".
	Address() string

	// SetHandler registers the callback invoked for each decoded bundle.
	SetHandler(handler BundleHandler)
}

// Sender transmits bundles to a remote endpoint address.
type Sender interface {
	// Send delivers b to the peer at address. Reachability is only a hint;
	// Send itself is authoritative about success or failure.
	Send(b bpv7.Bundle, address string) error

	// IsEndpointReachable reports whether address currently looks reachable.
	// This is a hint only: Send may still fail afterwards.
	IsEndpointReachable(address string) bool
}

// ConvergenceLayer is a transport that is both a Receiver and a Sender.
type ConvergenceLayer interface {
	Receiver
	Sender
}
