// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"testing"

	"github.com/dtn7/cboring"
)

func TestBundleBuilderRoundTrip(t *testing.T) {
	b, err := Builder().
		CRC(CRC32).
		Source("dtn://src/").
		Destination("dtn://dst/").
		CreationTimestampNow().
		Lifetime("1h").
		HopCountBlock(16).
		PayloadBlock([]byte("hello world")).
		Build()
	if err != nil {
		t.Fatalf("building bundle: %v", err)
	}

	buff := new(bytes.Buffer)
	if err := cboring.Marshal(&b, buff); err != nil {
		t.Fatalf("marshalling: %v", err)
	}

	var b2 Bundle
	if err := cboring.Unmarshal(&b2, bytes.NewReader(buff.Bytes())); err != nil {
		t.Fatalf("unmarshalling: %v", err)
	}

	if b.ID() != b2.ID() {
		t.Fatalf("bundle IDs differ after round trip: %v != %v", b.ID(), b2.ID())
	}

	pb1, err := b.PayloadBlock()
	if err != nil {
		t.Fatalf("payload block: %v", err)
	}
	pb2, err := b2.PayloadBlock()
	if err != nil {
		t.Fatalf("payload block (round-tripped): %v", err)
	}
	if !bytes.Equal(pb1.Value.(*PayloadBlock).Data(), pb2.Value.(*PayloadBlock).Data()) {
		t.Fatal("payload data differs after round trip")
	}
}

func TestBundleBuilderRequiresSourceAndDestination(t *testing.T) {
	_, err := Builder().
		CreationTimestampNow().
		Lifetime("1h").
		PayloadBlock([]byte("x")).
		Build()
	if err == nil {
		t.Fatal("expected error when source/destination are missing")
	}
}

func TestBundleAgeBlockUsesMicroseconds(t *testing.T) {
	b, err := Builder().
		CRC(CRC32).
		Source("dtn://src/").
		Destination("dtn://dst/").
		CreationTimestampEpoch().
		Lifetime("1h").
		BundleAgeBlock("2s").
		PayloadBlock([]byte("x")).
		Build()
	if err != nil {
		t.Fatalf("building bundle: %v", err)
	}

	cb, err := b.ExtensionBlock(ExtBlockTypeBundleAgeBlock)
	if err != nil {
		t.Fatalf("bundle age block: %v", err)
	}
	age := cb.Value.(*BundleAgeBlock).Age()
	if age != 2_000_000 {
		t.Fatalf("expected 2s to be 2,000,000 microseconds, got %d", age)
	}
}

func TestHopCountExceededAtLimit(t *testing.T) {
	hcb := NewHopCountBlock(2)
	if hcb.IsExceeded() {
		t.Fatal("fresh hop count block must not be exceeded")
	}
	hcb.Increment()
	if hcb.IsExceeded() {
		t.Fatal("count 1 of limit 2 must not be exceeded")
	}
	if !hcb.Increment() {
		t.Fatal("count 2 of limit 2 must report exceeded (count >= limit)")
	}
}

func TestCRC16CCITTFalseKnownVector(t *testing.T) {
	// "123456789" is the standard CRC-16/CCITT-FALSE test vector, 0x29B1.
	got := crc16ccittFalse([]byte("123456789"))
	if got != 0x29B1 {
		t.Fatalf("crc16ccittFalse(\"123456789\") = 0x%04X, want 0x29B1", got)
	}
}
