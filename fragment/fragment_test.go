// SPDX-License-Identifier: GPL-3.0-or-later

package fragment

import (
	"bytes"
	"testing"
	"time"

	"github.com/dtn7/bp7d/bpv7"
)

func mustBundle(t *testing.T, payload []byte) bpv7.Bundle {
	t.Helper()
	b, err := bpv7.Builder().
		CRC(bpv7.CRC32).
		Source("dtn://src/").
		Destination("dtn://dst/").
		CreationTimestampNow().
		Lifetime("1h").
		PayloadBlock(payload).
		Build()
	if err != nil {
		t.Fatalf("building bundle: %v", err)
	}
	return b
}

func TestSplitAndReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 10_000)
	b := mustBundle(t, payload)

	frags, err := Split(b, 3000)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(frags) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(frags))
	}

	mgr := NewManager()
	var (
		reassembled bpv7.Bundle
		complete    bool
	)
	for i, f := range frags {
		r, c, addErr := mgr.Add(f)
		if addErr != nil {
			t.Fatalf("fragment %d: %v", i, addErr)
		}
		if c {
			reassembled, complete = r, c
		}
	}

	if !complete {
		t.Fatal("expected reassembly to complete")
	}

	pb, err := reassembled.PayloadBlock()
	if err != nil {
		t.Fatalf("payload block: %v", err)
	}
	if !bytes.Equal(pb.Value.(*bpv7.PayloadBlock).Data(), payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestDuplicateFragmentOffsetRejected(t *testing.T) {
	payload := bytes.Repeat([]byte{0x7}, 10_000)
	b := mustBundle(t, payload)

	frags, err := Split(b, 3000)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	mgr := NewManager()
	if _, _, err := mgr.Add(frags[0]); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, _, err := mgr.Add(frags[0]); err != errDuplicateOffset {
		t.Fatalf("expected duplicate offset error, got %v", err)
	}

	for _, f := range frags[1:] {
		if _, _, err := mgr.Add(f); err != nil {
			t.Fatalf("remaining add: %v", err)
		}
	}
	if mgr.Pending() != 0 {
		t.Fatalf("expected reassembly to complete despite duplicate, pending=%d", mgr.Pending())
	}
}

func TestExpiredFragmentRejectedOnArrival(t *testing.T) {
	b := mustBundle(t, bytes.Repeat([]byte{0x9}, 10_000))

	frags, err := Split(b, 3000)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	// Build and Split both reject an already expired bundle, so the fragment
	// is back-dated after splitting: created an hour ago, one second lifetime.
	frags[0].PrimaryBlock.CreationTimestamp = bpv7.NewCreationTimestamp(bpv7.DtnTimeFromTime(time.Now().Add(-time.Hour)), 0)
	frags[0].PrimaryBlock.Lifetime = 1000

	mgr := NewManager()
	if _, _, addErr := mgr.Add(frags[0]); addErr != errExpiredFragment {
		t.Fatalf("expected errExpiredFragment, got %v", addErr)
	}
	if mgr.Pending() != 0 {
		t.Fatalf("expired fragment must not create a pending set, pending=%d", mgr.Pending())
	}
}
