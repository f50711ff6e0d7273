// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"strings"

	"github.com/dtn7/cboring"
)

// BundleID is the identity tuple of a bundle: its source node plus creation
// timestamp, extended with fragment offset and total data length when the
// bundle is itself a fragment. Two bundles with the same BundleID are the
// same bundle (or fragments of it).
//
// UnmarshalCbor reads either two or four fields depending on IsFragment, so
// that field must already be set on the receiver before decoding.
type BundleID struct {
	SourceNode EndpointID
	Timestamp  CreationTimestamp

	IsFragment      bool
	FragmentOffset  uint64
	TotalDataLength uint64
}

// Len returns the number of CBOR fields this BundleID encodes as: 4 if it
// identifies a fragment, 2 otherwise.
func (bid BundleID) Len() uint64 {
	if bid.IsFragment {
		return 4
	}
	return 2
}

// Scrub returns the BundleID of bid's original, unfragmented bundle.
func (bid BundleID) Scrub() BundleID {
	return BundleID{
		SourceNode: bid.SourceNode,
		Timestamp:  bid.Timestamp,
	}
}

func (bid BundleID) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v-%d-%d", bid.SourceNode, bid.Timestamp[0], bid.Timestamp[1])
	if bid.IsFragment {
		fmt.Fprintf(&sb, "-%d-%d", bid.FragmentOffset, bid.TotalDataLength)
	}
	return sb.String()
}

func (bid *BundleID) MarshalCbor(w io.Writer) error {
	if err := cboring.Marshal(&bid.SourceNode, w); err != nil {
		return fmt.Errorf("bundle id: marshalling source node: %v", err)
	}
	if err := cboring.Marshal(&bid.Timestamp, w); err != nil {
		return fmt.Errorf("bundle id: marshalling timestamp: %v", err)
	}

	if !bid.IsFragment {
		return nil
	}
	for _, field := range []uint64{bid.FragmentOffset, bid.TotalDataLength} {
		if err := cboring.WriteUInt(field, w); err != nil {
			return err
		}
	}
	return nil
}

func (bid *BundleID) UnmarshalCbor(r io.Reader) error {
	if err := cboring.Unmarshal(&bid.SourceNode, r); err != nil {
		return fmt.Errorf("bundle id: unmarshalling source node: %v", err)
	}
	if err := cboring.Unmarshal(&bid.Timestamp, r); err != nil {
		return fmt.Errorf("bundle id: unmarshalling timestamp: %v", err)
	}

	// IsFragment must already be set by the caller; it determines whether
	// the two extra fragmentation fields are present on the wire.
	if !bid.IsFragment {
		return nil
	}
	for _, field := range []*uint64{&bid.FragmentOffset, &bid.TotalDataLength} {
		n, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		*field = n
	}
	return nil
}
