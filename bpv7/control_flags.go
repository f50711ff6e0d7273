// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// flagLabel pairs a bitmask flag with its human-readable name, used to
// render both BlockControlFlags and BundleControlFlags as string slices.
type flagLabel struct {
	bit   uint64
	label string
}

func renderFlags(set uint64, labels []flagLabel) (fields []string) {
	for _, l := range labels {
		if set&l.bit != 0 {
			fields = append(fields, l.label)
		}
	}
	return
}

// BlockControlFlags are the per-block processing control flags of RFC 9171
// §4.1.4, attached to a CanonicalBlock.
type BlockControlFlags uint64

const (
	// ReplicateBlock requires this block to be replicated into every fragment.
	ReplicateBlock BlockControlFlags = 0x01

	// StatusReportBlock requires a status report if this block can't be processed.
	StatusReportBlock BlockControlFlags = 0x02

	// DeleteBundle requires bundle deletion if this block can't be processed.
	DeleteBundle BlockControlFlags = 0x04

	// RemoveBlock requires the block be dropped if it can't be processed.
	RemoveBlock BlockControlFlags = 0x10
)

func (bcf BlockControlFlags) Has(flag BlockControlFlags) bool {
	return (bcf & flag) != 0
}

// CheckValid is always nil: RFC 9171 defines no unknown-bit faults for
// block control flags.
func (bcf BlockControlFlags) CheckValid() error { return nil }

var blockControlFlagLabels = []flagLabel{
	{uint64(DeleteBundle), "DELETE_BUNDLE"},
	{uint64(StatusReportBlock), "REQUEST_STATUS_REPORT"},
	{uint64(RemoveBlock), "REMOVE_BLOCK"},
	{uint64(ReplicateBlock), "REPLICATE_BLOCK"},
}

func (bcf BlockControlFlags) Strings() []string {
	return renderFlags(uint64(bcf), blockControlFlagLabels)
}

func (bcf BlockControlFlags) MarshalJSON() ([]byte, error) {
	return json.Marshal(bcf.Strings())
}

func (bcf BlockControlFlags) String() string {
	return strings.Join(bcf.Strings(), ",")
}

// BundleControlFlags are the whole-bundle processing control flags of RFC
// 9171 §4.1.3, attached to the primary block.
type BundleControlFlags uint64

const (
	// IsFragment marks this bundle as one fragment of a larger original.
	IsFragment BundleControlFlags = 0x000001

	// AdministrativeRecordPayload marks the payload as an administrative record.
	AdministrativeRecordPayload BundleControlFlags = 0x000002

	// MustNotFragmented forbids fragmentation of this bundle.
	MustNotFragmented BundleControlFlags = 0x000004

	// RequestUserApplicationAck asks the destination application for an ack.
	RequestUserApplicationAck BundleControlFlags = 0x000020

	// RequestStatusTime asks that any status report include a timestamp.
	RequestStatusTime BundleControlFlags = 0x000040

	// StatusRequestReception asks for a reception status report.
	StatusRequestReception BundleControlFlags = 0x004000

	// StatusRequestForward asks for a forwarding status report.
	StatusRequestForward BundleControlFlags = 0x010000

	// StatusRequestDelivery asks for a delivery status report.
	StatusRequestDelivery BundleControlFlags = 0x020000

	// StatusRequestDeletion asks for a deletion status report.
	StatusRequestDeletion BundleControlFlags = 0x040000
)

func (bcf BundleControlFlags) Has(flag BundleControlFlags) bool {
	return (bcf & flag) != 0
}

// CheckValid enforces the two cross-flag invariants RFC 9171 places on
// bundle control flags: a fragment can't also be fragmentation-forbidden,
// and an administrative-record payload can't also ask for a status report.
func (bcf BundleControlFlags) CheckValid() (errs error) {
	if bcf.Has(IsFragment) && bcf.Has(MustNotFragmented) {
		errs = multierror.Append(errs, fmt.Errorf(
			"bundle control flags: both is-fragment and must-not-fragment are set"))
	}

	requestsStatusReport := bcf.Has(StatusRequestReception) ||
		bcf.Has(StatusRequestForward) ||
		bcf.Has(StatusRequestDelivery) ||
		bcf.Has(StatusRequestDeletion)
	if bcf.Has(AdministrativeRecordPayload) && requestsStatusReport {
		errs = multierror.Append(errs, fmt.Errorf(
			"bundle control flags: administrative-record payload must not request a status report"))
	}

	return
}

var bundleControlFlagLabels = []flagLabel{
	{uint64(StatusRequestDeletion), "REQUESTED_DELETION_STATUS_REPORT"},
	{uint64(StatusRequestDelivery), "REQUESTED_DELIVERY_STATUS_REPORT"},
	{uint64(StatusRequestForward), "REQUESTED_FORWARD_STATUS_REPORT"},
	{uint64(StatusRequestReception), "REQUESTED_RECEPTION_STATUS_REPORT"},
	{uint64(RequestStatusTime), "REQUESTED_TIME_IN_STATUS_REPORT"},
	{uint64(RequestUserApplicationAck), "REQUESTED_APPLICATION_ACK"},
	{uint64(MustNotFragmented), "MUST_NOT_BE_FRAGMENTED"},
	{uint64(AdministrativeRecordPayload), "ADMINISTRATIVE_PAYLOAD"},
	{uint64(IsFragment), "IS_FRAGMENT"},
}

func (bcf BundleControlFlags) Strings() []string {
	return renderFlags(uint64(bcf), bundleControlFlagLabels)
}

func (bcf BundleControlFlags) MarshalJSON() ([]byte, error) {
	return json.Marshal(bcf.Strings())
}

func (bcf BundleControlFlags) String() string {
	return strings.Join(bcf.Strings(), ",")
}
