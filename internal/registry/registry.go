// Package registry tracks watched addresses per (chain, token) strategy.
// It is strictly in-process; authoritative state lives in the control plane
// and the active-invoice source. Rebuilding from scratch at restart is the
// normal case.
package registry

import (
	"strings"
	"sync"

	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
)

// AddressCasing controls how Registry normalizes addresses for lookup:
// case-insensitive for EVM hex, case-sensitive for Solana base58 and Bitcoin
// output addresses.
type AddressCasing int

const (
	CaseInsensitive AddressCasing = iota
	CaseSensitive
)

// Registry is a per-chain structure mapping tokenKey -> WatchKey ->
// AddressEntry. It is owned by a single Shell/Adapter pair and is never
// shared across chains.
type Registry struct {
	casing AddressCasing

	mu      sync.RWMutex
	byToken map[string]map[chainmodel.WatchKey]chainmodel.AddressEntry
}

// New constructs an empty Registry using the given address casing rule.
func New(casing AddressCasing) *Registry {
	return &Registry{
		casing:  casing,
		byToken: make(map[string]map[chainmodel.WatchKey]chainmodel.AddressEntry),
	}
}

func (r *Registry) isHex() bool { return r.casing == CaseInsensitive }

// Add inserts entry under strategy's tokenKey. Returns first=true if this is
// the first entry for the strategy, meaning the caller should start the
// corresponding substream. Idempotent: re-adding the same WatchKey updates
// the stored entry without counting as a new first.
func (r *Registry) Add(strategy chainmodel.Strategy, entry chainmodel.AddressEntry) (first bool) {
	key := entry.WatchKey(r.isHex())

	r.mu.Lock()
	defer r.mu.Unlock()

	tk := strategy.TokenKey()
	m, ok := r.byToken[tk]
	if !ok {
		m = make(map[chainmodel.WatchKey]chainmodel.AddressEntry)
		r.byToken[tk] = m
	}
	_, existed := m[key]
	m[key] = entry
	return !existed && len(m) == 1
}

// Remove deletes entry's WatchKey from strategy's tokenKey. Returns
// last=true if the strategy has no remaining entries, meaning the caller
// should stop the corresponding substream.
func (r *Registry) Remove(strategy chainmodel.Strategy, entry chainmodel.AddressEntry) (last bool) {
	key := entry.WatchKey(r.isHex())

	r.mu.Lock()
	defer r.mu.Unlock()

	tk := strategy.TokenKey()
	m, ok := r.byToken[tk]
	if !ok {
		return false
	}
	if _, existed := m[key]; !existed {
		return false
	}
	delete(m, key)
	if len(m) == 0 {
		delete(r.byToken, tk)
		return true
	}
	return false
}

// LookupByAddress finds the AddressEntry watched under strategy for address,
// honoring the Registry's casing rule. Returns ok=false on no match.
func (r *Registry) LookupByAddress(strategy chainmodel.Strategy, address string) (chainmodel.AddressEntry, bool) {
	needle := address
	if r.isHex() {
		needle = strings.ToLower(needle)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byToken[strategy.TokenKey()]
	if !ok {
		return chainmodel.AddressEntry{}, false
	}
	for wk, entry := range m {
		if wk.Address == needle {
			return entry, true
		}
	}
	return chainmodel.AddressEntry{}, false
}

// ActiveStrategies returns the tokenKeys currently holding at least one
// entry. Used by adapters rebuilding a combined filter (e.g. the EVM
// fungible log filter) across every watched contract.
func (r *Registry) ActiveStrategies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byToken))
	for tk := range r.byToken {
		out = append(out, tk)
	}
	return out
}

// AddressesFor returns every watched address currently registered under
// strategy's tokenKey, in no particular order.
func (r *Registry) AddressesFor(strategy chainmodel.Strategy) []chainmodel.AddressEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byToken[strategy.TokenKey()]
	out := make([]chainmodel.AddressEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

// Len reports the total number of watched entries across all strategies.
// Adapters use it to update the watched-address gauge.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.byToken {
		n += len(m)
	}
	return n
}
