// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"testing"

	"github.com/dtn7/bp7d/bpv7"
	"github.com/dtn7/bp7d/cla"
	"github.com/dtn7/bp7d/fragment"
	"github.com/dtn7/bp7d/routing"
	"github.com/dtn7/bp7d/store"
)

type fakeSender struct{ sent []string }

func (f *fakeSender) Send(_ bpv7.Bundle, address string) error {
	f.sent = append(f.sent, address)
	return nil
}

func (f *fakeSender) IsEndpointReachable(string) bool { return true }

func mustBundle(t *testing.T, src, dst string) bpv7.Bundle {
	t.Helper()
	b, err := bpv7.Builder().
		CRC(bpv7.CRC32).
		Source(src).
		Destination(dst).
		CreationTimestampNow().
		Lifetime("1h").
		PayloadBlock([]byte("hi")).
		Build()
	if err != nil {
		t.Fatalf("building bundle: %v", err)
	}
	return b
}

func mustReportRequestingBundle(t *testing.T, src, dst, reportTo string) bpv7.Bundle {
	t.Helper()
	b, err := bpv7.Builder().
		CRC(bpv7.CRC32).
		Source(src).
		Destination(dst).
		ReportTo(reportTo).
		CreationTimestampNow().
		Lifetime("1h").
		BundleCtrlFlags(bpv7.StatusRequestDelivery).
		PayloadBlock([]byte("hi")).
		Build()
	if err != nil {
		t.Fatalf("building bundle: %v", err)
	}
	return b
}

func TestOnReceiveLocalDelivery(t *testing.T) {
	localNode, _ := bpv7.NewEndpointID("dtn://local/")
	st := store.New(10)
	sender := &fakeSender{}
	engine := routing.NewEngine(localNode, st, sender, routing.NewEpidemic())

	n := New(Config{
		LocalNode:   localNode,
		Store:       st,
		FragManager: fragment.NewManager(),
		Engine:      engine,
		CLAManager:  cla.NewManager(),
	})

	delivered := make(chan bpv7.Bundle, 1)
	n.SetDeliveryHandler(func(b bpv7.Bundle) { delivered <- b })

	b := mustBundle(t, "dtn://remote/", "dtn://local/")
	n.onReceive(b, bpv7.EndpointID{})

	select {
	case got := <-delivered:
		if got.ID() != b.ID() {
			t.Fatalf("delivered bundle id mismatch")
		}
	default:
		t.Fatal("expected bundle to be delivered locally")
	}
}

func TestOnReceiveForwardsToRouting(t *testing.T) {
	localNode, _ := bpv7.NewEndpointID("dtn://local/")
	st := store.New(10)
	sender := &fakeSender{}
	engine := routing.NewEngine(localNode, st, sender, routing.NewEpidemic())

	n := New(Config{
		LocalNode:   localNode,
		Store:       st,
		FragManager: fragment.NewManager(),
		Engine:      engine,
		CLAManager:  cla.NewManager(),
	})

	b := mustBundle(t, "dtn://remote/", "dtn://other/")
	n.onReceive(b, bpv7.EndpointID{})

	if !st.Has(b.ID()) {
		t.Fatal("expected bundle destined elsewhere to enter the store via routing")
	}
}

func TestDeliveryGeneratesRequestedStatusReport(t *testing.T) {
	localNode, _ := bpv7.NewEndpointID("dtn://local/")
	st := store.New(10)
	sender := &fakeSender{}
	engine := routing.NewEngine(localNode, st, sender, routing.NewEpidemic())

	n := New(Config{
		LocalNode:   localNode,
		Store:       st,
		FragManager: fragment.NewManager(),
		Engine:      engine,
		CLAManager:  cla.NewManager(),
	})
	n.SetDeliveryHandler(func(bpv7.Bundle) {})

	before := st.Len()

	b := mustReportRequestingBundle(t, "dtn://remote/", "dtn://local/", "dtn://reporter/")
	n.onReceive(b, bpv7.EndpointID{})

	if st.Len() != before+1 {
		t.Fatalf("expected a status report bundle to enter the store, len went from %d to %d", before, st.Len())
	}

	var found bool
	for _, stored := range st.GetAll() {
		if stored.PrimaryBlock.Destination.String() == "dtn://reporter/" &&
			stored.PrimaryBlock.BundleControlFlags.Has(bpv7.AdministrativeRecordPayload) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an administrative-record bundle addressed to the report-to endpoint")
	}
}
