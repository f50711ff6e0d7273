// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import "github.com/dtn7/bp7d/bpv7"

// Epidemic floods every eligible bundle to every eligible peer. It holds no
// bookkeeping beyond what Engine already tracks in a descriptor's sent-to set.
type Epidemic struct{}

// NewEpidemic creates an Epidemic routing strategy.
func NewEpidemic() *Epidemic {
	return &Epidemic{}
}

func (*Epidemic) name() string { return "epidemic" }

func (*Epidemic) initialCount(bpv7.BundleID, bool) {}

func (*Epidemic) admit(*descriptor, bpv7.EndpointID) bool { return true }

func (*Epidemic) onSent(bpv7.BundleID, bpv7.EndpointID) {}

func (*Epidemic) onFailure(bpv7.BundleID, bpv7.EndpointID) {}

func (*Epidemic) forget(bpv7.BundleID) {}
