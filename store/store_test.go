// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"testing"
	"time"

	"github.com/dtn7/bp7d/bpv7"
)

func mustBundle(t *testing.T, lifetimeMs uint64, payload string) bpv7.Bundle {
	t.Helper()
	b, err := bpv7.Builder().
		CRC(bpv7.CRC32).
		Source("dtn://src/").
		Destination("dtn://dst/").
		CreationTimestampNow().
		Lifetime(lifetimeMs).
		PayloadBlock([]byte(payload)).
		Build()
	if err != nil {
		t.Fatalf("building bundle: %v", err)
	}
	return b
}

func TestPushDuplicate(t *testing.T) {
	s := New(0)
	b := mustBundle(t, 60_000, "hello")

	if !s.Push(b) {
		t.Fatal("first push should succeed")
	}
	if s.Push(b) {
		t.Fatal("duplicate push should fail")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 bundle, got %d", s.Len())
	}
}

func TestPushCapacity(t *testing.T) {
	s := New(1)
	a := mustBundle(t, 60_000, "a")
	b := mustBundle(t, 60_000, "b")

	if !s.Push(a) {
		t.Fatal("first push should succeed")
	}
	if s.Push(b) {
		t.Fatal("push beyond capacity should fail")
	}
}

func TestGetRemove(t *testing.T) {
	s := New(0)
	b := mustBundle(t, 60_000, "hello")
	s.Push(b)

	if _, ok := s.Get(b.ID()); !ok {
		t.Fatal("expected bundle present")
	}
	if !s.Remove(b.ID()) {
		t.Fatal("expected removal to succeed")
	}
	if s.Remove(b.ID()) {
		t.Fatal("second removal should report false, not error")
	}
	if _, ok := s.Get(b.ID()); ok {
		t.Fatal("expected bundle gone after removal")
	}
}

func TestCleanupExpires(t *testing.T) {
	s := New(0)
	b := mustBundle(t, 1, "short-lived")
	s.Push(b)

	time.Sleep(20 * time.Millisecond)

	if removed := s.Cleanup(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := s.Get(b.ID()); ok {
		t.Fatal("expected bundle expired")
	}
}

func TestQuery(t *testing.T) {
	s := New(0)
	a := mustBundle(t, 60_000, "a")
	s.Push(a)

	matches := s.Query(func(b bpv7.Bundle) bool {
		return b.PrimaryBlock.Destination.String() == "dtn://dst/"
	})
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
}
