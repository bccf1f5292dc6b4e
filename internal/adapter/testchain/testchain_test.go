package testchain

import (
	"context"
	"testing"

	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
)

type recordingDispatcher struct {
	payments []chainmodel.DetectedPayment
}

func (r *recordingDispatcher) Dispatch(p chainmodel.DetectedPayment) {
	r.payments = append(r.payments, p)
}

func TestTestChainEmitDispatchesOnWatchedAddress(t *testing.T) {
	a := New()
	d := &recordingDispatcher{}
	if err := a.Start(context.Background(), d); err != nil {
		t.Fatalf("Start: %v", err)
	}

	entry := chainmodel.AddressEntry{TokenID: "slip44:0", Address: "addr-1", DerivationPath: "m/0"}
	if err := a.OnAddressAdded(entry); err != nil {
		t.Fatalf("OnAddressAdded: %v", err)
	}

	if err := a.Emit(Event{ChainKey: chainmodel.TestChainKey, TokenID: "slip44:0", Address: "addr-1", TxHash: "tx-1", Amount: "500"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if len(d.payments) != 1 {
		t.Fatalf("payments = %d, want 1", len(d.payments))
	}
	if d.payments[0].Address != "addr-1" || d.payments[0].DerivationPath != "m/0" {
		t.Fatalf("payment mismatch: %+v", d.payments[0])
	}
}

func TestTestChainEmitIgnoresUnwatchedAddress(t *testing.T) {
	a := New()
	d := &recordingDispatcher{}
	_ = a.Start(context.Background(), d)

	if err := a.Emit(Event{ChainKey: chainmodel.TestChainKey, TokenID: "slip44:0", Address: "unknown", Amount: "1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(d.payments) != 0 {
		t.Fatalf("payments = %d, want 0", len(d.payments))
	}
}

func TestTestChainEmitRejectsWrongChainKey(t *testing.T) {
	a := New()
	if err := a.Emit(Event{ChainKey: "eip155:1", TokenID: "slip44:0", Address: "addr-1"}); err == nil {
		t.Fatal("expected error for mismatched chain key")
	}
}

func TestTestChainRemoveDeactivatesStrategy(t *testing.T) {
	a := New()
	d := &recordingDispatcher{}
	_ = a.Start(context.Background(), d)

	entry := chainmodel.AddressEntry{TokenID: "slip44:0", Address: "addr-1", DerivationPath: "m/0"}
	_ = a.OnAddressAdded(entry)
	if err := a.OnAddressRemoved(entry); err != nil {
		t.Fatalf("OnAddressRemoved: %v", err)
	}

	if err := a.Emit(Event{ChainKey: chainmodel.TestChainKey, TokenID: "slip44:0", Address: "addr-1", Amount: "1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(d.payments) != 0 {
		t.Fatalf("payments = %d, want 0 after remove", len(d.payments))
	}
}

func TestTestChainRejectsUnrecognizedTokenID(t *testing.T) {
	a := New()
	if err := a.OnAddressAdded(chainmodel.AddressEntry{TokenID: "bogus", Address: "addr-1"}); err == nil {
		t.Fatal("expected error for unrecognized tokenId")
	}
}

func TestTestChainStopClearsDispatcher(t *testing.T) {
	a := New()
	d := &recordingDispatcher{}
	_ = a.Start(context.Background(), d)
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	entry := chainmodel.AddressEntry{TokenID: "slip44:0", Address: "addr-1"}
	_ = a.OnAddressAdded(entry)
	if err := a.Emit(Event{ChainKey: chainmodel.TestChainKey, TokenID: "slip44:0", Address: "addr-1", Amount: "1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(d.payments) != 0 {
		t.Fatalf("payments = %d, want 0 after Stop", len(d.payments))
	}
}
