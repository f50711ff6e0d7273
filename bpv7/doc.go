// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bpv7 implements the Bundle Protocol version 7 (RFC 9171) data
// model and wire codec: bundle construction, CBOR (de)serialization, and
// the canonical extension block registry.
//
// A BundleBuilder is the usual way to assemble a bundle:
//
//	bundle, err := bpv7.Builder().
//	  CRC(bpv7.CRC32).
//	  Source("dtn://src/").
//	  Destination("dtn://dest/").
//	  CreationTimestampNow().
//	  Lifetime(time.Hour).
//	  HopCountBlock(64).
//	  PayloadBlock([]byte("hello world!")).
//	  Build()
//
// Bundles round-trip through cboring directly:
//
//	buff := new(bytes.Buffer)
//	err1 := cboring.Marshal(&b1, buff)
//	var b2 Bundle
//	err2 := cboring.Unmarshal(&b2, buff)
package bpv7

// Valid is implemented by any type able to check its own internal
// consistency. Composite types (Bundle, CanonicalBlock, ...) recurse into
// their fields' CheckValid and aggregate the results, typically with
// go-multierror.
type Valid interface {
	CheckValid() error
}

// byBlockNumber orders CanonicalBlocks by block number, with one exception:
// block number 1, the payload block by RFC 9171 convention, always sorts
// last so a decoder sees metadata blocks before the bundle's payload.
type byBlockNumber []CanonicalBlock

func (s byBlockNumber) Len() int      { return len(s) }
func (s byBlockNumber) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

func (s byBlockNumber) Less(i, j int) bool {
	switch {
	case s[i].BlockNumber == 1:
		return false
	case s[j].BlockNumber == 1:
		return true
	default:
		return s[i].BlockNumber < s[j].BlockNumber
	}
}
