// Package adapter defines the small interface every chain-specific listener
// half implements. The four adapters (EVM, Bitcoin, Solana, test chain)
// differ materially enough internally that a single common interface is
// exactly this: start/stop lifecycle plus the two registry mutation hooks
// the Shell calls after it normalizes an incoming control-plane message.
package adapter

import (
	"context"

	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
)

// Dispatcher is the callback surface an Adapter uses to hand a detected
// transfer back to its owning Shell. The Shell never blocks the adapter: it
// enqueues to WQ and returns.
type Dispatcher interface {
	Dispatch(payment chainmodel.DetectedPayment)
}

// Adapter is the chain-specific half of one listener. Internal state is
// adapter-private; the Shell drives it only through these four methods.
type Adapter interface {
	// Start begins observation of the chain and may run background
	// goroutines; it must return once initial setup succeeds, not block for
	// the adapter's lifetime. Detected transfers are reported through
	// dispatcher until ctx is cancelled.
	Start(ctx context.Context, dispatcher Dispatcher) error
	// Stop cancels all adapter subscriptions and releases any transport
	// resources. Idempotent.
	Stop() error
	// OnAddressAdded is called once per validated add. Implementations
	// reject unsupported tokenIds or malformed addresses here with a
	// ValidationError-class log line and no state change.
	OnAddressAdded(entry chainmodel.AddressEntry) error
	// OnAddressRemoved is called once per remove, even for entries that
	// were never successfully added (idempotent no-op in that case).
	OnAddressRemoved(entry chainmodel.AddressEntry) error
}
