// Package chainmodel holds the chain-agnostic data model shared by every
// adapter: chain and token identity, watched-address bookkeeping, and the
// single DetectedPayment record the core emits.
package chainmodel

import (
	"fmt"
	"strings"
)

// ChainKey identifies a blockchain network. Shape is CAIP-2-like:
// "eip155:1", "bip122:<genesis>", "solana:<genesis>", or the reserved
// "cg:testnet" test value. Treated as opaque configuration everywhere else.
type ChainKey string

// Family buckets a ChainKey into the adapter variant that serves it.
type Family string

const (
	FamilyEVM       Family = "evm"
	FamilyBitcoin   Family = "bitcoin"
	FamilySolana    Family = "solana"
	FamilyTestChain Family = "testchain"

	// TestChainKey is the reserved chain key for the synthetic test adapter.
	TestChainKey ChainKey = "cg:testnet"
)

// TokenID identifies an asset within a chain. Three shapes:
//   - native: "slip44:<coinType>" or the bitcoin-specific "slip:0"
//   - fungible: "<prefix>:<contract>" where prefix is erc20, bep20, or spl
//
// Unknown shapes are rejected at registry entry with a warning, never fatal.
type TokenID string

// IsNative reports whether id names a chain's native asset.
func (id TokenID) IsNative() bool {
	s := string(id)
	return strings.HasPrefix(s, "slip44:") || s == "slip:0"
}

// FungiblePrefix returns the fungible-token prefix ("erc20", "bep20", "spl")
// and the contract/mint suffix, or ok=false if id isn't a recognized
// fungible shape.
func (id TokenID) FungiblePrefix() (prefix, contract string, ok bool) {
	parts := strings.SplitN(string(id), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	switch parts[0] {
	case "erc20", "bep20", "spl":
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

// Recognized reports whether id is one of the shapes this core understands.
func (id TokenID) Recognized() bool {
	if id.IsNative() {
		return true
	}
	_, _, ok := id.FungiblePrefix()
	return ok
}

// Strategy is the tagged variant computed from (TokenID, chain family): the
// substream shape an adapter follows for a token. A strategy is active for a
// chain iff at least one AddressEntry maps to it.
type Strategy struct {
	TokenID  TokenID
	Contract string // non-empty only for Fungible
}

// IsNative reports whether this is the Native variant.
func (s Strategy) IsNative() bool { return s.Contract == "" }

// TokenKey is the strategy-derived key used by the Address Registry to group
// watched addresses into one substream.
func (s Strategy) TokenKey() string {
	if s.IsNative() {
		return "native:" + string(s.TokenID)
	}
	return "fungible:" + string(s.TokenID)
}

// NewStrategy derives a Strategy from a TokenID. Returns ok=false for an
// unrecognized token shape; callers must reject the add in that case.
func NewStrategy(id TokenID) (Strategy, bool) {
	if id.IsNative() {
		return Strategy{TokenID: id}, true
	}
	if _, contract, ok := id.FungiblePrefix(); ok {
		return Strategy{TokenID: id, Contract: contract}, true
	}
	return Strategy{}, false
}

// WatchKey is the per-(chain, token) identity of one watched wallet.
// Uniqueness is by this pair; duplicate adds are idempotent.
type WatchKey struct {
	Address        string // lowercased if hex, verbatim otherwise
	DerivationPath string
}

// AddressEntry is created by the Shell on add and removed on remove; it
// lives as long as at least one source (AIS bootstrap or control-plane
// publication) asserts it.
type AddressEntry struct {
	TokenID        TokenID
	Address        string // original case preserved
	DerivationPath string
}

// WatchKey derives this entry's registry key. isHex controls whether the
// address is lowercased for key purposes (EVM) or used verbatim (Bitcoin,
// Solana base58).
func (e AddressEntry) WatchKey(isHex bool) WatchKey {
	addr := e.Address
	if isHex {
		addr = strings.ToLower(addr)
	}
	return WatchKey{Address: addr, DerivationPath: e.DerivationPath}
}

// DetectedPayment is the single output record of the core.
type DetectedPayment struct {
	ChainKey       ChainKey
	TokenID        TokenID
	Address        string
	DerivationPath string
	TxHash         string
	Sender         string
	Amount         string // smallest-unit decimal integer string; always > 0
	Timestamp      int64  // unix seconds
}

// String renders a short diagnostic form, used in log lines only.
func (p DetectedPayment) String() string {
	return fmt.Sprintf("%s/%s %s -> %s amount=%s tx=%s", p.ChainKey, p.TokenID, p.Sender, p.Address, p.Amount, p.TxHash)
}
