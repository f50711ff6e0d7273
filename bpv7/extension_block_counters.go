// SPDX-FileCopyrightText: 2019, 2020, 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// BundleAgeBlock tracks microseconds elapsed since a bundle's creation, for
// a source lacking an accurate clock (RFC 9171 §4.4.2) to stand in for the
// primary block's Creation Timestamp when computing lifetime expiry.
type BundleAgeBlock uint64

func NewBundleAgeBlock(us uint64) *BundleAgeBlock {
	bab := BundleAgeBlock(us)
	return &bab
}

func (bab *BundleAgeBlock) BlockTypeCode() uint64 { return ExtBlockTypeBundleAgeBlock }
func (bab *BundleAgeBlock) BlockTypeName() string { return "Bundle Age Block" }

func (bab *BundleAgeBlock) Age() uint64 { return uint64(*bab) }

// Increment advances the age by offset microseconds and returns the result.
func (bab *BundleAgeBlock) Increment(offset uint64) uint64 {
	*bab += BundleAgeBlock(offset)
	return uint64(*bab)
}

func (bab *BundleAgeBlock) MarshalCbor(w io.Writer) error {
	return cboring.WriteUInt(uint64(*bab), w)
}

func (bab *BundleAgeBlock) UnmarshalCbor(r io.Reader) error {
	us, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	*bab = BundleAgeBlock(us)
	return nil
}

func (bab *BundleAgeBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%d us", bab.Age()))
}

func (bab *BundleAgeBlock) CheckValid() error { return nil }

func (bab *BundleAgeBlock) CheckContextValid(b *Bundle) error {
	return checkSoleOccupant(b, ExtBlockTypeBundleAgeBlock, bab)
}

// HopCountBlock caps how many times a bundle may be forwarded (RFC 9171
// §4.4.3), so routing loops get dropped instead of circulating forever.
type HopCountBlock struct {
	Limit uint8
	Count uint8
}

func NewHopCountBlock(limit uint8) *HopCountBlock {
	return &HopCountBlock{Limit: limit}
}

func (hcb *HopCountBlock) BlockTypeCode() uint64 { return ExtBlockTypeHopCountBlock }
func (hcb *HopCountBlock) BlockTypeName() string { return "Hop Count Block" }

func (hcb HopCountBlock) IsExceeded() bool {
	return hcb.Count >= hcb.Limit
}

// Increment counts one more hop and reports whether the limit is now exceeded.
func (hcb *HopCountBlock) Increment() bool {
	hcb.Count++
	return hcb.IsExceeded()
}

func (hcb *HopCountBlock) Decrement() {
	hcb.Count--
}

func (hcb *HopCountBlock) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	for _, f := range []uint8{hcb.Limit, hcb.Count} {
		if err := cboring.WriteUInt(uint64(f), w); err != nil {
			return err
		}
	}
	return nil
}

func (hcb *HopCountBlock) UnmarshalCbor(r io.Reader) error {
	l, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if l != 2 {
		return fmt.Errorf("hop count block: expected array of length 2, got %d", l)
	}

	for _, f := range []*uint8{&hcb.Limit, &hcb.Count} {
		x, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		if x > 255 {
			return fmt.Errorf("hop count block: field value %d out of uint8 range", x)
		}
		*f = uint8(x)
	}
	return nil
}

func (hcb *HopCountBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Limit uint8 `json:"limit"`
		Count uint8 `json:"count"`
	}{hcb.Limit, hcb.Count})
}

func (hcb *HopCountBlock) CheckValid() error {
	if hcb.IsExceeded() {
		return fmt.Errorf("hop count block: limit exceeded")
	}
	return nil
}

func (hcb *HopCountBlock) CheckContextValid(b *Bundle) error {
	return checkSoleOccupant(b, ExtBlockTypeHopCountBlock, hcb)
}

// checkSoleOccupant verifies b carries exactly one extension block of
// blockType and that it is the very instance calling this check — guarding
// against a bundle somehow holding two independent blocks of a type meant
// to appear at most once.
func checkSoleOccupant(b *Bundle, blockType uint64, self interface{}) error {
	cb, err := b.ExtensionBlock(blockType)
	if err != nil {
		return err
	}
	if cb.Value != self {
		return fmt.Errorf("extension block: unexpected second instance of block type %d", blockType)
	}
	return nil
}
