package registry

import (
	"testing"

	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
)

func nativeStrategy(t *testing.T) chainmodel.Strategy {
	t.Helper()
	s, ok := chainmodel.NewStrategy("slip44:60")
	if !ok {
		t.Fatalf("expected slip44:60 to be a recognized native token")
	}
	return s
}

func TestAddRemoveRoundTrip(t *testing.T) {
	r := New(CaseInsensitive)
	strategy := nativeStrategy(t)
	entry := chainmodel.AddressEntry{TokenID: "slip44:60", Address: "0xABCDEF0000000000000000000000000000000000", DerivationPath: "m/44'/60'/0'/0/1"}

	if before := r.Len(); before != 0 {
		t.Fatalf("expected empty registry, got len %d", before)
	}

	first := r.Add(strategy, entry)
	if !first {
		t.Fatalf("expected first add to report first=true")
	}
	last := r.Remove(strategy, entry)
	if !last {
		t.Fatalf("expected sole remove to report last=true")
	}

	if after := r.Len(); after != 0 {
		t.Fatalf("add;remove should restore empty state, got len %d", after)
	}
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	r := New(CaseInsensitive)
	strategy := nativeStrategy(t)
	entry := chainmodel.AddressEntry{TokenID: "slip44:60", Address: "0xAAAA000000000000000000000000000000000000", DerivationPath: "m/44'/60'/0'/0/1"}

	first1 := r.Add(strategy, entry)
	first2 := r.Add(strategy, entry)
	if !first1 {
		t.Fatalf("expected first add to report first=true")
	}
	if first2 {
		t.Fatalf("expected duplicate add to report first=false")
	}
	if r.Len() != 1 {
		t.Fatalf("expected single entry after duplicate add, got %d", r.Len())
	}
}

func TestRemoveDuplicateLeavesDetectionActive(t *testing.T) {
	r := New(CaseInsensitive)
	strategy := nativeStrategy(t)
	a := chainmodel.AddressEntry{TokenID: "slip44:60", Address: "0xAAAA000000000000000000000000000000000000", DerivationPath: "m/44'/60'/0'/0/1"}
	b := chainmodel.AddressEntry{TokenID: "slip44:60", Address: "0xBBBB000000000000000000000000000000000000", DerivationPath: "m/44'/60'/0'/0/2"}

	r.Add(strategy, a)
	r.Add(strategy, b)

	last := r.Remove(strategy, a)
	if last {
		t.Fatalf("removing one of two entries must not report last=true")
	}
	if _, ok := r.LookupByAddress(strategy, b.Address); !ok {
		t.Fatalf("expected remaining entry b to still be watched")
	}
	if _, ok := r.LookupByAddress(strategy, a.Address); ok {
		t.Fatalf("expected removed entry a to no longer be watched")
	}
}

func TestLookupByAddressCaseInsensitiveForEVM(t *testing.T) {
	r := New(CaseInsensitive)
	strategy := nativeStrategy(t)
	entry := chainmodel.AddressEntry{TokenID: "slip44:60", Address: "0xAbCdEf0000000000000000000000000000000000", DerivationPath: "m/44'/60'/0'/0/1"}
	r.Add(strategy, entry)

	got, ok := r.LookupByAddress(strategy, "0xabcdef0000000000000000000000000000000000")
	if !ok {
		t.Fatalf("expected case-insensitive lookup to find entry")
	}
	if got.Address != entry.Address {
		t.Fatalf("expected original-case address preserved, got %q", got.Address)
	}
}

func TestLookupByAddressCaseSensitiveForSolana(t *testing.T) {
	r := New(CaseSensitive)
	strategy := nativeStrategy(t)
	entry := chainmodel.AddressEntry{TokenID: "slip44:501", Address: "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS", DerivationPath: "m/44'/501'/0'"}
	r.Add(strategy, entry)

	if _, ok := r.LookupByAddress(strategy, "fg6pafpogxkysidmpwtk6w2bez7fefcykg476zpfslns"); ok {
		t.Fatalf("expected base58 lookup to be case-sensitive")
	}
	if _, ok := r.LookupByAddress(strategy, entry.Address); !ok {
		t.Fatalf("expected exact-case lookup to succeed")
	}
}

func TestLookupMissReturnsNotOK(t *testing.T) {
	r := New(CaseInsensitive)
	strategy := nativeStrategy(t)
	if _, ok := r.LookupByAddress(strategy, "0xdeadbeef"); ok {
		t.Fatalf("expected miss on empty registry")
	}
}

func TestReplayingBootstrapMatchesLiveAdds(t *testing.T) {
	entries := []chainmodel.AddressEntry{
		{TokenID: "slip44:60", Address: "0xAAAA000000000000000000000000000000000000", DerivationPath: "m/44'/60'/0'/0/1"},
		{TokenID: "slip44:60", Address: "0xBBBB000000000000000000000000000000000000", DerivationPath: "m/44'/60'/0'/0/2"},
	}
	strategy := nativeStrategy(t)

	live := New(CaseInsensitive)
	for _, e := range entries {
		live.Add(strategy, e)
	}

	bootstrapped := New(CaseInsensitive)
	for _, e := range entries {
		bootstrapped.Add(strategy, e)
	}

	if live.Len() != bootstrapped.Len() {
		t.Fatalf("expected equal registry sizes, got %d vs %d", live.Len(), bootstrapped.Len())
	}
	for _, e := range entries {
		_, okLive := live.LookupByAddress(strategy, e.Address)
		_, okBoot := bootstrapped.LookupByAddress(strategy, e.Address)
		if okLive != okBoot {
			t.Fatalf("bootstrap and live registries disagree on %q", e.Address)
		}
	}
}
