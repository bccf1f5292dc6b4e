package evm

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
)

type recordingDispatcher struct {
	payments []chainmodel.DetectedPayment
}

func (r *recordingDispatcher) Dispatch(p chainmodel.DetectedPayment) {
	r.payments = append(r.payments, p)
}

func TestOnAddressAddedRejectsInvalidAddress(t *testing.T) {
	a := New("eip155:1", "ws://localhost:8546", "slip44:60")
	err := a.OnAddressAdded(chainmodel.AddressEntry{TokenID: "slip44:60", Address: "not-an-address"})
	if err == nil {
		t.Fatal("expected error for invalid hex address")
	}
}

func TestOnAddressAddedRejectsUnrecognizedToken(t *testing.T) {
	a := New("eip155:1", "ws://localhost:8546", "slip44:60")
	err := a.OnAddressAdded(chainmodel.AddressEntry{TokenID: "bogus", Address: "0x000000000000000000000000000000000000dEaD"})
	if err == nil {
		t.Fatal("expected error for unrecognized tokenId")
	}
}

func TestOnAddressAddedRejectsNativeTokenMismatchedToConfiguredChain(t *testing.T) {
	// BSC's native asset ("slip44:714") should be refused on a chain
	// configured with Ethereum's native tokenId ("slip44:60").
	a := New("eip155:1", "ws://localhost:8546", "slip44:60")
	err := a.OnAddressAdded(chainmodel.AddressEntry{TokenID: "slip44:714", Address: "0x000000000000000000000000000000000000dEaD"})
	if err == nil {
		t.Fatal("expected error for native tokenId not matching this chain's configured asset")
	}
}

func TestOnAddressAddedWithoutRunningAdapterIsRegisteredOnly(t *testing.T) {
	a := New("eip155:1", "ws://localhost:8546", "slip44:60")
	addr := "0x000000000000000000000000000000000000dEaD"
	if err := a.OnAddressAdded(chainmodel.AddressEntry{TokenID: "slip44:60", Address: addr}); err != nil {
		t.Fatalf("OnAddressAdded: %v", err)
	}
	strategy := chainmodel.Strategy{TokenID: "slip44:60"}
	entry, ok := a.reg.LookupByAddress(strategy, addr)
	if !ok {
		t.Fatal("expected address to be registered")
	}
	if entry.Address != addr {
		t.Fatalf("entry.Address = %q, want %q", entry.Address, addr)
	}
}

func TestOnAddressAddedAcceptsConfiguredNativeTokenOnBSCLikeChain(t *testing.T) {
	// A BSC-configured adapter (native "slip44:714") accepts its own native
	// asset and rejects Ethereum's.
	a := New("eip155:56", "ws://localhost:8546", "slip44:714")
	addr := "0x000000000000000000000000000000000000dEaD"
	if err := a.OnAddressAdded(chainmodel.AddressEntry{TokenID: "slip44:714", Address: addr}); err != nil {
		t.Fatalf("OnAddressAdded: %v", err)
	}
	if err := a.OnAddressAdded(chainmodel.AddressEntry{TokenID: "slip44:60", Address: addr}); err == nil {
		t.Fatal("expected error adding Ethereum's native tokenId to a BSC-configured adapter")
	}
}

func TestActiveFungibleContractsFiltersToRecognizedShapes(t *testing.T) {
	a := New("eip155:1", "ws://localhost:8546", "slip44:60")
	contract := "0x1111111111111111111111111111111111111111"
	strategy, ok := chainmodel.NewStrategy(chainmodel.TokenID("erc20:" + contract))
	if !ok {
		t.Fatal("expected erc20 tokenId to produce a valid strategy")
	}
	a.reg.Add(strategy, chainmodel.AddressEntry{TokenID: strategy.TokenID, Address: "0x2222222222222222222222222222222222222222"})

	contracts := a.activeFungibleContracts()
	if len(contracts) != 1 {
		t.Fatalf("contracts = %d, want 1", len(contracts))
	}
	if contracts[0] != common.HexToAddress(contract) {
		t.Fatalf("contracts[0] = %s, want %s", contracts[0].Hex(), contract)
	}
}

func TestProcessFungibleLogDispatchesOnWatchedRecipient(t *testing.T) {
	a := New("eip155:1", "ws://localhost:8546", "slip44:60")
	d := &recordingDispatcher{}
	a.dispatcher = d

	contract := common.HexToAddress("0x3333333333333333333333333333333333333333"[:42])
	to := common.HexToAddress("0x4444444444444444444444444444444444444444"[:42])
	from := common.HexToAddress("0x5555555555555555555555555555555555555555"[:42])

	tokenID := chainmodel.TokenID("erc20:" + strings.ToLower(contract.Hex()))
	strategy, ok := chainmodel.NewStrategy(tokenID)
	if !ok {
		t.Fatal("expected erc20 tokenId to produce a valid strategy")
	}
	entry := chainmodel.AddressEntry{TokenID: tokenID, Address: to.Hex(), DerivationPath: "m/0"}
	a.reg.Add(strategy, entry)

	lg := types.Log{
		Address: contract,
		Topics:  []common.Hash{transferEventSignature, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    common.LeftPadBytes([]byte{0x01, 0x00}, 32),
		TxHash:  common.HexToHash("0xabc"),
	}
	a.processFungibleLog(context.Background(), lg)

	if len(d.payments) != 1 {
		t.Fatalf("payments = %d, want 1", len(d.payments))
	}
	if d.payments[0].Address != to.Hex() {
		t.Fatalf("payment address = %q, want %q", d.payments[0].Address, to.Hex())
	}
	if d.payments[0].TokenID != tokenID {
		t.Fatalf("payment tokenId = %q, want %q", d.payments[0].TokenID, tokenID)
	}
}

func TestProcessFungibleLogMatchesBEP20WatchedOnBSCAdapter(t *testing.T) {
	// Same Transfer-log shape as Ethereum, but the watched tokenId carries
	// the bep20 prefix: processFungibleLog must match by contract address
	// rather than assuming erc20.
	a := New("eip155:56", "ws://localhost:8546", "slip44:714")
	d := &recordingDispatcher{}
	a.dispatcher = d

	contract := common.HexToAddress("0x6666666666666666666666666666666666666666"[:42])
	to := common.HexToAddress("0x7777777777777777777777777777777777777777"[:42])
	from := common.HexToAddress("0x8888888888888888888888888888888888888888"[:42])

	tokenID := chainmodel.TokenID("bep20:" + strings.ToLower(contract.Hex()))
	strategy, ok := chainmodel.NewStrategy(tokenID)
	if !ok {
		t.Fatal("expected bep20 tokenId to produce a valid strategy")
	}
	entry := chainmodel.AddressEntry{TokenID: tokenID, Address: to.Hex(), DerivationPath: "m/1"}
	a.reg.Add(strategy, entry)

	lg := types.Log{
		Address: contract,
		Topics:  []common.Hash{transferEventSignature, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    common.LeftPadBytes([]byte{0x02, 0x00}, 32),
		TxHash:  common.HexToHash("0xdef"),
	}
	a.processFungibleLog(context.Background(), lg)

	if len(d.payments) != 1 {
		t.Fatalf("payments = %d, want 1", len(d.payments))
	}
	if d.payments[0].TokenID != tokenID {
		t.Fatalf("payment tokenId = %q, want %q", d.payments[0].TokenID, tokenID)
	}
}

func TestProcessFungibleLogIgnoresUnwatchedContract(t *testing.T) {
	a := New("eip155:1", "ws://localhost:8546", "slip44:60")
	d := &recordingDispatcher{}
	a.dispatcher = d

	lg := types.Log{
		Address: common.HexToAddress("0x9999999999999999999999999999999999999999"[:42]),
		Topics: []common.Hash{
			transferEventSignature,
			common.BytesToHash(common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"[:42]).Bytes()),
			common.BytesToHash(common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"[:42]).Bytes()),
		},
		Data:   common.LeftPadBytes([]byte{0x01}, 32),
		TxHash: common.HexToHash("0xabc"),
	}
	a.processFungibleLog(context.Background(), lg)

	if len(d.payments) != 0 {
		t.Fatalf("payments = %d, want 0 for an unwatched contract", len(d.payments))
	}
}
