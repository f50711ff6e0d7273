// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/dtn7/cboring"
)

// --- splitting ---

// buildFragmentPrimary derives the primary block for a fragment starting at
// fragmentOffset out of totalDataLength, and reports its encoded length.
func buildFragmentPrimary(pb PrimaryBlock, fragmentOffset, totalDataLength int) (fragPb PrimaryBlock, encodedLen int, err error) {
	fragPb = PrimaryBlock{
		Version:            pb.Version,
		BundleControlFlags: pb.BundleControlFlags | IsFragment,
		CRCType:            pb.CRCType,
		Destination:        pb.Destination,
		SourceNode:         pb.SourceNode,
		ReportTo:           pb.ReportTo,
		CreationTimestamp:  pb.CreationTimestamp,
		Lifetime:           pb.Lifetime,
		FragmentOffset:     uint64(fragmentOffset),
		TotalDataLength:    uint64(totalDataLength),
	}

	buff := new(bytes.Buffer)
	err = fragPb.MarshalCbor(buff)
	encodedLen = buff.Len()
	return
}

// extensionOverhead estimates the encoded size the bundle's canonical blocks
// contribute to the first fragment and to every later one (which only
// carries blocks marked ReplicateBlock). Both totals include the payload
// block's framing, sized for an mtu-long body, but not its data.
func extensionOverhead(b Bundle, mtu int) (first int, others int, err error) {
	buff := new(bytes.Buffer)

	for _, cb := range b.CanonicalBlocks {
		if cb.TypeCode() == ExtBlockTypePayloadBlock {
			cb = CanonicalBlock{
				BlockNumber:       cb.BlockNumber,
				BlockControlFlags: cb.BlockControlFlags,
				Value:             NewPayloadBlock(nil),
			}
		}
		cb.CRCType = CRC32

		if err = cb.MarshalCbor(buff); err != nil {
			return
		}

		cbLen := buff.Len()
		first += cbLen
		if cb.BlockControlFlags.Has(ReplicateBlock) {
			others += cbLen
		}

		if cb.TypeCode() == ExtBlockTypePayloadBlock {
			// the payload block's byte-string length field was encoded for a
			// zero-length body above; re-derive it for the real mtu-sized body.
			buff.Reset()
			if err = cboring.WriteByteStringLen(uint64(mtu), buff); err != nil {
				return
			}
			first += buff.Len() - 1
			others += cbLen + buff.Len() - 1
		}

		buff.Reset()
	}

	return
}

// Fragment splits b into bundles each no larger than mtu bytes when
// serialized. If b already fits, the returned slice holds b unchanged.
func (b Bundle) Fragment(mtu int) (bs []Bundle, err error) {
	if b.PrimaryBlock.BundleControlFlags.Has(MustNotFragmented) {
		err = fmt.Errorf("bundle control flags forbids bundle fragmentation")
		return
	}

	payloadBlock, err := b.PayloadBlock()
	if err != nil {
		return
	}
	payload := payloadBlock.Value.(*PayloadBlock).Data()

	extFirstOverhead, extOtherOverhead, err := extensionOverhead(b, mtu)
	if err != nil {
		return
	}

	const cborOverhead = 2

	for i := 0; i < len(payload); {
		fragPrimaryBlock, primaryOverhead, fErr := buildFragmentPrimary(b.PrimaryBlock, i, len(payload))
		if fErr != nil {
			err = fErr
			return
		}

		overhead := cborOverhead + primaryOverhead
		if i == 0 {
			overhead += extFirstOverhead
		} else {
			overhead += extOtherOverhead
		}
		if overhead >= mtu {
			err = fmt.Errorf("bundle overhead of fragment %d exceeds MTU", i)
			return
		}

		fragBundle := MustNewBundle(fragPrimaryBlock, nil)
		for _, cb := range b.CanonicalBlocks {
			if cb.TypeCode() == ExtBlockTypePayloadBlock {
				continue
			}
			if i > 0 && !cb.BlockControlFlags.Has(ReplicateBlock) {
				continue
			}
			if err = fragBundle.AddExtensionBlock(cb); err != nil {
				return
			}
		}

		chunkLen := mtu - overhead
		end := int(math.Min(float64(i+chunkLen), float64(len(payload))))
		if err = fragBundle.AddExtensionBlock(CanonicalBlock{
			BlockControlFlags: payloadBlock.BlockControlFlags,
			CRCType:           payloadBlock.CRCType,
			Value:             NewPayloadBlock(payload[i:end]),
		}); err != nil {
			return
		}

		if err = fragBundle.CheckValid(); err != nil {
			return
		}
		bs = append(bs, fragBundle)

		i += chunkLen
	}

	if len(bs) == 1 {
		bs = []Bundle{b}
	}
	return
}

// --- reassembly ---

// validateFragmentSet sorts bs by fragment offset in place and verifies the
// set covers its declared total length with no gaps. Overlapping fragments
// are accepted; joinPayloads trims the overlap.
func validateFragmentSet(bs []Bundle) error {
	if len(bs) == 0 {
		return fmt.Errorf("slice of fragments is empty")
	}

	sort.Slice(bs, func(i, j int) bool {
		return bs[i].PrimaryBlock.FragmentOffset < bs[j].PrimaryBlock.FragmentOffset
	})

	covered := uint64(0)
	for _, b := range bs {
		if !b.PrimaryBlock.BundleControlFlags.Has(IsFragment) {
			return fmt.Errorf("bundle is not a fragment")
		}

		offset := b.PrimaryBlock.FragmentOffset
		if offset > covered {
			return fmt.Errorf("next fragment starts at offset %d, gap from %d to %d", offset, covered, offset)
		}

		payloadBlock, err := b.PayloadBlock()
		if err != nil {
			return err
		}
		covered = offset + uint64(len(payloadBlock.Value.(*PayloadBlock).Data()))
	}

	if total := bs[0].PrimaryBlock.TotalDataLength; total != covered {
		return fmt.Errorf("last index is %d and does not match total length of %d", covered, total)
	}
	return nil
}

// IsBundleReassemblable reports whether bs forms a complete, gapless
// fragment set. It may reorder bs as a side effect.
func IsBundleReassemblable(bs []Bundle) bool {
	return validateFragmentSet(bs) == nil
}

// joinPayloads concatenates each fragment's payload, trimming the overlap
// where a later fragment's start falls before the previous one's end.
func joinPayloads(bs []Bundle) (data []byte, err error) {
	covered := 0
	for _, b := range bs {
		start := int(b.PrimaryBlock.FragmentOffset)

		fragPayloadBlock, pErr := b.PayloadBlock()
		if pErr != nil {
			err = pErr
			return
		}
		chunk := fragPayloadBlock.Value.(*PayloadBlock).Data()

		data = append(data, chunk[covered-start:]...)
		covered = start + len(chunk)
	}
	return
}

// ReassembleFragments merges a gapless fragment set bs back into the
// original bundle.
func ReassembleFragments(bs []Bundle) (b Bundle, err error) {
	if err = validateFragmentSet(bs); err != nil {
		return
	}

	b.PrimaryBlock = bs[0].PrimaryBlock
	b.PrimaryBlock.BundleControlFlags &^= IsFragment
	b.PrimaryBlock.FragmentOffset = 0
	b.PrimaryBlock.TotalDataLength = 0
	b.PrimaryBlock.CRC = nil

	for _, cb := range bs[0].CanonicalBlocks {
		if cb.TypeCode() == ExtBlockTypePayloadBlock {
			continue
		}
		if err = b.AddExtensionBlock(cb); err != nil {
			return
		}
	}

	payload, err := joinPayloads(bs)
	if err != nil {
		return
	}

	pb0, err := bs[0].PayloadBlock()
	if err != nil {
		return
	}

	cb := NewCanonicalBlock(1, pb0.BlockControlFlags, NewPayloadBlock(payload))
	cb.SetCRCType(pb0.CRCType)
	if err = b.AddExtensionBlock(cb); err != nil {
		return
	}

	err = b.CheckValid()
	return
}
