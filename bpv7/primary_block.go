// SPDX-FileCopyrightText: 2018, 2019, 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

// dtnVersion is the Bundle Protocol version this package implements, RFC
// 9171's version 7.
const dtnVersion uint64 = 7

// PrimaryBlock is the mandatory first block of a bundle, RFC 9171 §4.3.1.
// It carries addressing, control flags, timing and (when fragmented)
// fragment placement.
type PrimaryBlock struct {
	Version            uint64
	BundleControlFlags BundleControlFlags
	CRCType            CRCType
	Destination        EndpointID
	SourceNode         EndpointID
	ReportTo           EndpointID
	CreationTimestamp  CreationTimestamp
	Lifetime           uint64
	FragmentOffset     uint64
	TotalDataLength    uint64
	CRC                []byte
}

// NewPrimaryBlock builds a PrimaryBlock. lifetime is in milliseconds;
// ReportTo defaults to sourceNode. The CRC is computed immediately.
func NewPrimaryBlock(flags BundleControlFlags, destination, sourceNode EndpointID, creation CreationTimestamp, lifetime uint64) PrimaryBlock {
	pb := PrimaryBlock{
		Version:            dtnVersion,
		BundleControlFlags: flags,
		CRCType:            CRC32,
		Destination:        destination,
		SourceNode:         sourceNode,
		ReportTo:           sourceNode,
		CreationTimestamp:  creation,
		Lifetime:           lifetime,
	}

	_ = pb.recomputeCRC()
	return pb
}

func (pb PrimaryBlock) HasFragmentation() bool {
	return pb.BundleControlFlags.Has(IsFragment)
}

func (pb PrimaryBlock) HasCRC() bool {
	return pb.GetCRCType() != CRCNo
}

func (pb PrimaryBlock) GetCRCType() CRCType {
	return pb.CRCType
}

// SetCRCType sets the block's CRC type and recomputes its CRC. A primary
// block without BPSec protection always carries a CRC in this
// implementation, so CRCNo upgrades silently to CRC32.
func (pb *PrimaryBlock) SetCRCType(crcType CRCType) {
	if crcType == CRCNo {
		crcType = CRC32
	}
	pb.CRCType = crcType
	_ = pb.recomputeCRC()
}

// recomputeCRC re-serializes the block once to derive its CRC value. The
// block is otherwise immutable at marshal time, so this is side-effect free
// beyond updating pb.CRC.
func (pb *PrimaryBlock) recomputeCRC() error {
	pb.CRC = nil
	return pb.MarshalCbor(new(bytes.Buffer))
}

// wireArrayLength returns the CBOR array length this block encodes as,
// which varies with whether fragmentation fields and a CRC are present.
func (pb PrimaryBlock) wireArrayLength() uint64 {
	length := uint64(8)
	if pb.HasFragmentation() {
		length += 2
	}
	if pb.HasCRC() {
		length++
	}
	return length
}

func (pb *PrimaryBlock) MarshalCbor(w io.Writer) error {
	crcBuff := new(bytes.Buffer)
	w = io.MultiWriter(w, crcBuff)

	if err := cboring.WriteArrayLength(pb.wireArrayLength(), w); err != nil {
		return err
	}

	for _, f := range []uint64{dtnVersion, uint64(pb.BundleControlFlags), uint64(pb.CRCType)} {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}

	for _, eid := range []*EndpointID{&pb.Destination, &pb.SourceNode, &pb.ReportTo} {
		if err := cboring.Marshal(eid, w); err != nil {
			return fmt.Errorf("primary block: marshalling endpoint id: %v", err)
		}
	}

	if err := cboring.Marshal(&pb.CreationTimestamp, w); err != nil {
		return fmt.Errorf("primary block: marshalling creation timestamp: %v", err)
	}

	if err := cboring.WriteUInt(pb.Lifetime, w); err != nil {
		return err
	}

	if pb.HasFragmentation() {
		for _, f := range []uint64{pb.FragmentOffset, pb.TotalDataLength} {
			if err := cboring.WriteUInt(f, w); err != nil {
				return err
			}
		}
	}

	if pb.HasCRC() {
		crcVal, err := calculateCRCBuff(crcBuff, pb.CRCType)
		if err != nil {
			return err
		}
		if err := cboring.WriteByteString(crcVal, w); err != nil {
			return err
		}
		pb.CRC = crcVal
	}

	return nil
}

func (pb *PrimaryBlock) UnmarshalCbor(r io.Reader) error {
	crcBuff := new(bytes.Buffer)
	r = io.TeeReader(r, crcBuff)

	arrLen, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if arrLen < 8 || arrLen > 11 {
		return fmt.Errorf("primary block: expected array of 8 to 11 elements, got %d", arrLen)
	}

	version, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	if version != dtnVersion {
		return fmt.Errorf("primary block: expected version %d, got %d", dtnVersion, version)
	}
	pb.Version = dtnVersion

	if bcf, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		pb.BundleControlFlags = BundleControlFlags(bcf)
	}

	if crcT, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		pb.CRCType = CRCType(crcT)
	}

	for _, eid := range []*EndpointID{&pb.Destination, &pb.SourceNode, &pb.ReportTo} {
		if err := cboring.Unmarshal(eid, r); err != nil {
			return fmt.Errorf("primary block: unmarshalling endpoint id: %v", err)
		}
	}

	if err := cboring.Unmarshal(&pb.CreationTimestamp, r); err != nil {
		return fmt.Errorf("primary block: unmarshalling creation timestamp: %v", err)
	}

	if lt, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		pb.Lifetime = lt
	}

	if arrLen == 10 || arrLen == 11 {
		for _, f := range []*uint64{&pb.FragmentOffset, &pb.TotalDataLength} {
			n, err := cboring.ReadUInt(r)
			if err != nil {
				return err
			}
			*f = n
		}
	}

	if arrLen == 9 || arrLen == 11 {
		wantCRC, err := calculateCRCBuff(crcBuff, pb.CRCType)
		if err != nil {
			return err
		}
		gotCRC, err := cboring.ReadByteString(r)
		if err != nil {
			return err
		}
		if !bytes.Equal(wantCRC, gotCRC) {
			return fmt.Errorf("primary block: crc mismatch, got %x want %x", gotCRC, wantCRC)
		}
		pb.CRC = gotCRC
	}

	return nil
}

func (pb PrimaryBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		ControlFlags      BundleControlFlags `json:"bundleControlFlags"`
		Destination       string             `json:"destination"`
		Source            string             `json:"source"`
		ReportTo          string             `json:"reportTo"`
		CreationTimestamp CreationTimestamp  `json:"creationTimestamp"`
		Lifetime          uint64             `json:"lifetime"`
	}{
		ControlFlags:      pb.BundleControlFlags,
		Destination:       pb.Destination.String(),
		Source:            pb.SourceNode.String(),
		ReportTo:          pb.ReportTo.String(),
		CreationTimestamp: pb.CreationTimestamp,
		Lifetime:          pb.Lifetime,
	})
}

// CheckValid verifies the version number, delegates to the control flags
// and endpoint IDs, and enforces RFC 9171 §4.2.3's constraint on an
// anonymous (dtn:none) source: it must be non-fragmentable and must not
// request any status report.
func (pb PrimaryBlock) CheckValid() (errs error) {
	if pb.Version != dtnVersion {
		errs = multierror.Append(errs,
			fmt.Errorf("primary block: wrong version, %d instead of %d", pb.Version, dtnVersion))
	}

	if err := pb.BundleControlFlags.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := pb.Destination.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := pb.SourceNode.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := pb.ReportTo.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if pb.SourceNode == DtnNone() {
		flags := pb.BundleControlFlags
		anonymousSourceOK := flags.Has(MustNotFragmented) &&
			!flags.Has(StatusRequestReception) &&
			!flags.Has(StatusRequestForward) &&
			!flags.Has(StatusRequestDelivery) &&
			!flags.Has(StatusRequestDeletion)
		if !anonymousSourceOK {
			errs = multierror.Append(errs, fmt.Errorf(
				"primary block: source node is dtn:none, but bundle may be fragmented "+
					"or requests a status report"))
		}
	}

	return
}

func (pb PrimaryBlock) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "version: %d, ", pb.Version)
	fmt.Fprintf(&sb, "bundle processing control flags: %b, ", pb.BundleControlFlags)
	fmt.Fprintf(&sb, "crc type: %v, ", pb.CRCType)
	fmt.Fprintf(&sb, "destination: %v, ", pb.Destination)
	fmt.Fprintf(&sb, "source node: %v, ", pb.SourceNode)
	fmt.Fprintf(&sb, "report to: %v, ", pb.ReportTo)
	fmt.Fprintf(&sb, "creation timestamp: %v, ", pb.CreationTimestamp)
	fmt.Fprintf(&sb, "lifetime: %d", pb.Lifetime)

	if pb.HasFragmentation() {
		fmt.Fprintf(&sb, ", fragment offset: %d, total data length: %d", pb.FragmentOffset, pb.TotalDataLength)
	}
	if pb.HasCRC() {
		fmt.Fprintf(&sb, ", crc: %x", pb.CRC)
	}

	return sb.String()
}
