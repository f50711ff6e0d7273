// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"testing"

	"github.com/dtn7/bp7d/bpv7"
	"github.com/dtn7/bp7d/store"
)

type fakeSender struct {
	sent []string
	fail map[string]bool
}

func (f *fakeSender) Send(_ bpv7.Bundle, address string) error {
	if f.fail[address] {
		return errSendFailed
	}
	f.sent = append(f.sent, address)
	return nil
}

func (f *fakeSender) IsEndpointReachable(string) bool { return true }

var errSendFailed = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

func mustBundle(t *testing.T, dst string) bpv7.Bundle {
	t.Helper()
	b, err := bpv7.Builder().
		CRC(bpv7.CRC32).
		Source("dtn://a/").
		Destination(dst).
		CreationTimestampNow().
		Lifetime("1h").
		PayloadBlock([]byte("hello")).
		Build()
	if err != nil {
		t.Fatalf("building bundle: %v", err)
	}
	return b
}

func TestEpidemicDirectDelivery(t *testing.T) {
	st := store.New(10)
	sender := &fakeSender{fail: map[string]bool{}}
	localNode, _ := bpv7.NewEndpointID("dtn://a/")
	peerNode, _ := bpv7.NewEndpointID("dtn://b/")

	e := NewEngine(localNode, st, sender, NewEpidemic())

	b := mustBundle(t, "dtn://b/")
	e.NotifyNewBundle(b, bpv7.EndpointID{})

	e.NotifyPeerAppeared(Peer{NodeID: peerNode, Address: "tcp://b:4556"})

	if len(sender.sent) != 1 || sender.sent[0] != "tcp://b:4556" {
		t.Fatalf("expected one send to peer b, got %v", sender.sent)
	}

	e.DispatchBundles()
	if len(sender.sent) != 1 {
		t.Fatalf("expected no duplicate resend, got %v", sender.sent)
	}
}

func TestSprayAndWaitWaitPhaseOnlyDirect(t *testing.T) {
	st := store.New(10)
	sender := &fakeSender{fail: map[string]bool{}}
	localNode, _ := bpv7.NewEndpointID("dtn://a/")
	destNode, _ := bpv7.NewEndpointID("dtn://dst/")
	relayNode, _ := bpv7.NewEndpointID("dtn://relay/")

	spray := NewSprayAndWait(1)
	e := NewEngine(localNode, st, sender, spray)

	b := mustBundle(t, "dtn://dst/")
	e.NotifyNewBundle(b, bpv7.EndpointID{})

	e.NotifyPeerAppeared(Peer{NodeID: relayNode, Address: "tcp://relay:4556"})
	if len(sender.sent) != 0 {
		t.Fatalf("wait phase must not forward to non-destination peer, sent=%v", sender.sent)
	}

	e.NotifyPeerAppeared(Peer{NodeID: destNode, Address: "tcp://dst:4556"})
	if len(sender.sent) != 1 || sender.sent[0] != "tcp://dst:4556" {
		t.Fatalf("expected direct delivery to destination, got %v", sender.sent)
	}
}

func TestSprayAndWaitFailureRestoresCount(t *testing.T) {
	st := store.New(10)
	sender := &fakeSender{fail: map[string]bool{"tcp://relay:4556": true}}
	localNode, _ := bpv7.NewEndpointID("dtn://a/")
	relayNode, _ := bpv7.NewEndpointID("dtn://relay/")

	spray := NewSprayAndWait(4)
	e := NewEngine(localNode, st, sender, spray)

	b := mustBundle(t, "dtn://dst/")
	e.NotifyNewBundle(b, bpv7.EndpointID{})

	e.NotifyPeerAppeared(Peer{NodeID: relayNode, Address: "tcp://relay:4556"})

	spray.mutex.Lock()
	count := spray.counts[b.ID()]
	spray.mutex.Unlock()

	if count != 4 {
		t.Fatalf("expected count to remain at initial 4 after failed send, got %d", count)
	}
	if e.Failures() != 1 {
		t.Fatalf("expected one recorded failure, got %d", e.Failures())
	}
}
