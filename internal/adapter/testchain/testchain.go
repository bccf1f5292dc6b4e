// Package testchain implements the synthetic adapter bound to the reserved
// "cg:testnet" chain key. It has no external transport: events are injected
// directly by a test harness through Emit, matched against the registry, and
// dispatched exactly like a real chain's observations.
package testchain

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/payment-indexer/internal/adapter"
	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
	"github.com/synnergy-labs/payment-indexer/internal/registry"
)

// Event is one synthetic observation fed in through Emit.
type Event struct {
	ChainKey  chainmodel.ChainKey
	TokenID   chainmodel.TokenID
	Address   string
	TxHash    string
	Sender    string
	Amount    string
	Timestamp int64
}

// Adapter is the test-chain adapter.Adapter implementation.
type Adapter struct {
	reg *registry.Registry

	mu         sync.Mutex
	dispatcher adapter.Dispatcher
	running    bool
}

// New constructs a test-chain Adapter with its own address registry.
// Addresses are case-sensitive: the synthetic chain mirrors Solana/Bitcoin
// address handling rather than EVM's.
func New() *Adapter {
	return &Adapter{reg: registry.New(registry.CaseSensitive)}
}

func (a *Adapter) Start(ctx context.Context, dispatcher adapter.Dispatcher) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dispatcher = dispatcher
	a.running = true
	return nil
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.dispatcher = nil
	return nil
}

func (a *Adapter) OnAddressAdded(entry chainmodel.AddressEntry) error {
	strategy, ok := chainmodel.NewStrategy(entry.TokenID)
	if !ok {
		return fmt.Errorf("testchain: unrecognized tokenId %q", entry.TokenID)
	}
	if first := a.reg.Add(strategy, entry); first {
		logrus.Debugf("testchain: strategy %s activated", strategy.TokenKey())
	}
	return nil
}

func (a *Adapter) OnAddressRemoved(entry chainmodel.AddressEntry) error {
	strategy, ok := chainmodel.NewStrategy(entry.TokenID)
	if !ok {
		return nil
	}
	if last := a.reg.Remove(strategy, entry); last {
		logrus.Debugf("testchain: strategy %s deactivated", strategy.TokenKey())
	}
	return nil
}

// Emit injects a synthetic event. It validates the event's chain key and
// looks the (tokenId, address) pair up in the registry; unmatched events are
// silently dropped, exactly as a real chain adapter discards activity on
// addresses it isn't watching.
func (a *Adapter) Emit(ev Event) error {
	if ev.ChainKey != chainmodel.TestChainKey {
		return fmt.Errorf("testchain: event chain key %q does not match %q", ev.ChainKey, chainmodel.TestChainKey)
	}
	strategy, ok := chainmodel.NewStrategy(ev.TokenID)
	if !ok {
		return fmt.Errorf("testchain: unrecognized tokenId %q", ev.TokenID)
	}

	entry, found := a.reg.LookupByAddress(strategy, ev.Address)
	if !found {
		return nil
	}

	a.mu.Lock()
	dispatcher := a.dispatcher
	running := a.running
	a.mu.Unlock()
	if !running || dispatcher == nil {
		return nil
	}

	dispatcher.Dispatch(chainmodel.DetectedPayment{
		ChainKey:       ev.ChainKey,
		TokenID:        ev.TokenID,
		Address:        entry.Address,
		DerivationPath: entry.DerivationPath,
		TxHash:         ev.TxHash,
		Sender:         ev.Sender,
		Amount:         ev.Amount,
		Timestamp:      ev.Timestamp,
	})
	return nil
}
