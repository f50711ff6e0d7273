// SPDX-FileCopyrightText: 2018, 2019, 2020, 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

// Bundle is a primary block plus its sequence of canonical blocks, RFC 9171
// §4.2.1.
type Bundle struct {
	PrimaryBlock    PrimaryBlock
	CanonicalBlocks []CanonicalBlock
}

// MustNewBundle assembles a Bundle from its blocks and sorts them, without
// running CheckValid. Use NewBundle for a validated bundle.
func MustNewBundle(primary PrimaryBlock, canonicals []CanonicalBlock) Bundle {
	b := Bundle{PrimaryBlock: primary, CanonicalBlocks: canonicals}
	b.sortBlocks()
	return b
}

// NewBundle assembles and validates a Bundle.
func NewBundle(primary PrimaryBlock, canonicals []CanonicalBlock) (b Bundle, err error) {
	b = MustNewBundle(primary, canonicals)
	err = b.CheckValid()
	return
}

// ParseBundle decodes a CBOR-encoded Bundle from r.
func ParseBundle(r io.Reader) (b Bundle, err error) {
	err = cboring.Unmarshal(&b, r)
	return
}

// WriteBundle CBOR-encodes b into w.
func (b *Bundle) WriteBundle(w io.Writer) error {
	return cboring.Marshal(b, w)
}

// eachBlock applies f to the primary block and every canonical block.
func (b *Bundle) eachBlock(f func(block)) {
	f(&b.PrimaryBlock)
	for i := range b.CanonicalBlocks {
		f(&b.CanonicalBlocks[i])
	}
}

func (b *Bundle) sortBlocks() {
	sort.Sort(byBlockNumber(b.CanonicalBlocks))
}

// --- block lookup ---

// ExtensionBlocks returns every canonical block whose wrapped ExtensionBlock
// has the given block type code, or an error if none exists.
func (b *Bundle) ExtensionBlocks(blockType uint64) (cbs []*CanonicalBlock, err error) {
	for i := range b.CanonicalBlocks {
		if cb := &b.CanonicalBlocks[i]; cb.TypeCode() == blockType {
			cbs = append(cbs, cb)
		}
	}
	if len(cbs) == 0 {
		err = fmt.Errorf("bundle: no canonical block with block type %d", blockType)
	}
	return
}

// ExtensionBlock returns the single canonical block of the given type,
// erroring if zero or more than one is present.
func (b *Bundle) ExtensionBlock(blockType uint64) (*CanonicalBlock, error) {
	cbs, err := b.ExtensionBlocks(blockType)
	if err != nil {
		return nil, err
	}
	if len(cbs) != 1 {
		return nil, fmt.Errorf("bundle: %d canonical blocks for block type %d, want 1", len(cbs), blockType)
	}
	return cbs[0], nil
}

func (b *Bundle) HasExtensionBlock(blockType uint64) bool {
	_, err := b.ExtensionBlocks(blockType)
	return err == nil
}

func (b *Bundle) PayloadBlock() (*CanonicalBlock, error) {
	return b.ExtensionBlock(ExtBlockTypePayloadBlock)
}

func (b *Bundle) GetExtensionBlockByBlockNumber(blockNumber uint64) (*CanonicalBlock, error) {
	for i := range b.CanonicalBlocks {
		if b.CanonicalBlocks[i].BlockNumber == blockNumber {
			return &b.CanonicalBlocks[i], nil
		}
	}
	return nil, fmt.Errorf("bundle: no block with number %d", blockNumber)
}

// --- block mutation ---

// nextFreeBlockNumber returns the lowest unused block number starting from
// start, skipping any number already held by an existing canonical block.
func (b *Bundle) nextFreeBlockNumber(start uint64) uint64 {
	used := make(map[uint64]bool, len(b.CanonicalBlocks))
	for _, cb := range b.CanonicalBlocks {
		used[cb.BlockNumber] = true
	}

	n := start
	for used[n] {
		n++
	}
	return n
}

// AddExtensionBlock appends block to the bundle, assigning it a fresh block
// number (always overwriting whatever number it carried in).
func (b *Bundle) AddExtensionBlock(block CanonicalBlock) error {
	start := uint64(2)
	if block.Value.BlockTypeCode() == ExtBlockTypePayloadBlock {
		start = 1
	}

	block.BlockNumber = b.nextFreeBlockNumber(start)
	b.CanonicalBlocks = append(b.CanonicalBlocks, block)
	b.sortBlocks()
	return nil
}

// RemoveExtensionBlockByBlockNumber removes the block with the given number,
// if any. Blocks are assumed already sorted, so no re-sort happens.
func (b *Bundle) RemoveExtensionBlockByBlockNumber(blockNumber uint64) {
	for i := range b.CanonicalBlocks {
		if b.CanonicalBlocks[i].BlockNumber == blockNumber {
			b.CanonicalBlocks = append(b.CanonicalBlocks[:i], b.CanonicalBlocks[i+1:]...)
			return
		}
	}
}

func (b *Bundle) SetCRCType(crcType CRCType) {
	b.eachBlock(func(blk block) { blk.SetCRCType(crcType) })
}

// --- identity & lifetime ---

func (b Bundle) ID() BundleID {
	return BundleID{
		SourceNode: b.PrimaryBlock.SourceNode,
		Timestamp:  b.PrimaryBlock.CreationTimestamp,

		IsFragment:      b.PrimaryBlock.BundleControlFlags.Has(IsFragment),
		FragmentOffset:  b.PrimaryBlock.FragmentOffset,
		TotalDataLength: b.PrimaryBlock.TotalDataLength,
	}
}

func (b Bundle) String() string {
	return b.ID().String()
}

// IsLifetimeExceeded reports whether b has outlived its Lifetime, measured
// from its CreationTimestamp, or — for a source with no accurate clock
// (IsZeroTime) — from its Bundle Age block, converted from this
// implementation's microseconds to the primary block's millisecond
// Lifetime unit.
func (b Bundle) IsLifetimeExceeded() bool {
	if !b.PrimaryBlock.CreationTimestamp.IsZeroTime() {
		expiresAt := b.PrimaryBlock.CreationTimestamp.DtnTime().Time().
			Add(time.Duration(b.PrimaryBlock.Lifetime) * time.Millisecond)
		return time.Now().After(expiresAt)
	}

	bab, err := b.ExtensionBlock(ExtBlockTypeBundleAgeBlock)
	if err != nil {
		return true
	}
	ageMillis := bab.Value.(*BundleAgeBlock).Age() / 1000
	return ageMillis > b.PrimaryBlock.Lifetime
}

// --- validation ---

func (b Bundle) CheckValid() (errs error) {
	b.eachBlock(func(blk block) {
		if err := blk.CheckValid(); err != nil {
			errs = multierror.Append(errs, err)
		}
	})

	if len(b.CanonicalBlocks) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("bundle: no canonical blocks present"))
		return
	}

	if b.PrimaryBlock.BundleControlFlags.Has(AdministrativeRecordPayload) || b.PrimaryBlock.SourceNode == DtnNone() {
		for _, cb := range b.CanonicalBlocks {
			if cb.BlockControlFlags.Has(StatusReportBlock) {
				errs = multierror.Append(errs, fmt.Errorf(
					"bundle: payload is an administrative record (or source is dtn:none), but a "+
						"canonical block requests a status report on processing failure"))
			}
		}
	}

	seenNumbers := make(map[uint64]bool, len(b.CanonicalBlocks))
	for _, cb := range b.CanonicalBlocks {
		if seenNumbers[cb.BlockNumber] {
			errs = multierror.Append(errs, fmt.Errorf("bundle: block number %d occurs more than once", cb.BlockNumber))
		}
		seenNumbers[cb.BlockNumber] = true

		if err := cb.Value.CheckContextValid(&b); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if last := b.CanonicalBlocks[len(b.CanonicalBlocks)-1].Value.BlockTypeCode(); last != ExtBlockTypePayloadBlock {
		errs = multierror.Append(errs, fmt.Errorf("bundle: last canonical block is type %d, not the payload block", last))
	}

	if b.PrimaryBlock.CreationTimestamp.IsZeroTime() && !b.HasExtensionBlock(ExtBlockTypeBundleAgeBlock) {
		errs = multierror.Append(errs, fmt.Errorf("bundle: creation timestamp is zero but no bundle age block is present"))
	}

	if b.IsLifetimeExceeded() {
		errs = multierror.Append(errs, fmt.Errorf("bundle: lifetime exceeded"))
	}

	return
}

// --- administrative records ---

func (b Bundle) IsAdministrativeRecord() bool {
	return b.PrimaryBlock.BundleControlFlags.Has(AdministrativeRecordPayload)
}

// AdministrativeRecord decodes b's payload as an AdministrativeRecord. It
// errors if b is not marked as carrying one.
func (b Bundle) AdministrativeRecord() (AdministrativeRecord, error) {
	if !b.IsAdministrativeRecord() {
		return nil, fmt.Errorf("bundle: not an administrative record")
	}

	payload, err := b.PayloadBlock()
	if err != nil {
		return nil, err
	}

	buff := bytes.NewBuffer(payload.Value.(*PayloadBlock).Data())
	return GetAdministrativeRecordManager().ReadAdministrativeRecord(buff)
}

// --- codec ---

func (b *Bundle) MarshalCbor(w io.Writer) error {
	if _, err := w.Write([]byte{cboring.IndefiniteArray}); err != nil {
		return err
	}

	if err := cboring.Marshal(&b.PrimaryBlock, w); err != nil {
		return fmt.Errorf("bundle: marshalling primary block: %v", err)
	}
	for i := range b.CanonicalBlocks {
		if err := cboring.Marshal(&b.CanonicalBlocks[i], w); err != nil {
			return fmt.Errorf("bundle: marshalling canonical block: %v", err)
		}
	}

	_, err := w.Write([]byte{cboring.BreakCode})
	return err
}

func (b *Bundle) UnmarshalCbor(r io.Reader) error {
	if err := cboring.ReadExpect(cboring.IndefiniteArray, r); err != nil {
		return err
	}

	if err := cboring.Unmarshal(&b.PrimaryBlock, r); err != nil {
		return fmt.Errorf("bundle: unmarshalling primary block: %v", err)
	}

	for {
		var cb CanonicalBlock
		err := cboring.Unmarshal(&cb, r)
		if err == cboring.FlagBreakCode {
			break
		}
		if err != nil {
			return fmt.Errorf("bundle: unmarshalling canonical block: %v", err)
		}
		b.CanonicalBlocks = append(b.CanonicalBlocks, cb)
	}

	return b.CheckValid()
}

func (b Bundle) MarshalJSON() ([]byte, error) {
	canonicals := make([]json.Marshaler, len(b.CanonicalBlocks))
	for i := range b.CanonicalBlocks {
		canonicals[i] = b.CanonicalBlocks[i]
	}

	return json.Marshal(&struct {
		PrimaryBlock    json.Marshaler   `json:"primaryBlock"`
		CanonicalBlocks []json.Marshaler `json:"canonicalBlocks"`
	}{
		PrimaryBlock:    b.PrimaryBlock,
		CanonicalBlocks: canonicals,
	})
}
