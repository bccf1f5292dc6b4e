// Package shell implements the Listener Shell: the chain-agnostic lifecycle
// state machine described in spec.md §4.1. One Shell runs per configured
// chain; it owns the singleton lease, the control-plane subscriptions, AIS
// bootstrap, and dispatch to the Work Queue, delegating chain-specific
// observation to an adapter.Adapter.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/payment-indexer/internal/adapter"
	"github.com/synnergy-labs/payment-indexer/internal/ais"
	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
	"github.com/synnergy-labs/payment-indexer/internal/controlplane"
	"github.com/synnergy-labs/payment-indexer/internal/kvbus"
	"github.com/synnergy-labs/payment-indexer/internal/metrics"
	"github.com/synnergy-labs/payment-indexer/internal/queue"
)

// State is one node of the Shell's Idle -> Starting -> Running -> Stopping
// -> Idle state machine.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrLeaseHeld is returned by Start when another instance already holds the
// singleton lease for this chain. It is a StateConflict per spec.md §7: the
// Shell logs and remains Idle, it is not a fatal error.
var ErrLeaseHeld = errors.New("shell: singleton lease already held")

// ErrNotIdle is returned by Start when the Shell isn't in the Idle state.
var ErrNotIdle = errors.New("shell: start called outside Idle state")

// Options configures timing knobs that are "on the order of" values in
// spec.md rather than exact constants, so tests can shrink them.
type Options struct {
	LeaseTTL          time.Duration // default: 1 minute
	HeartbeatInterval time.Duration // default: 30 seconds
	DispatchTimeout   time.Duration // default: 5 seconds
}

func (o Options) withDefaults() Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 5 * time.Second
	}
	return o
}

// Shell is the per-chain lifecycle owner described in spec.md §4.1.
type Shell struct {
	chain   chainmodel.ChainKey
	bus     kvbus.Bus
	wq      queue.Queue
	aisSrc  ais.Source
	adapter adapter.Adapter
	opts    Options

	mu             sync.Mutex
	state          State
	cancel         context.CancelFunc
	addedUnsub     func()
	removedUnsub   func()
	bootstrapDone  chan struct{}
}

// New constructs a Shell for chain, wired to the given collaborators.
func New(chain chainmodel.ChainKey, bus kvbus.Bus, wq queue.Queue, aisSrc ais.Source, ad adapter.Adapter, opts Options) *Shell {
	return &Shell{
		chain:   chain,
		bus:     bus,
		wq:      wq,
		aisSrc:  aisSrc,
		adapter: ad,
		opts:    opts.withDefaults(),
		state:   Idle,
	}
}

// State returns the Shell's current lifecycle state.
func (s *Shell) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start attempts lease acquisition, then subscribes to the control plane,
// starts the adapter, and launches the heartbeat and the AIS bootstrap
// replay in the background. Returns ErrLeaseHeld (logged
// by the caller, not fatal) if another instance already holds the chain's
// lease.
func (s *Shell) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.state = Starting
	s.mu.Unlock()

	leaseKey := controlplane.LeaseKey(s.chain)
	ok, err := s.bus.SetNX(ctx, leaseKey, "1", s.opts.LeaseTTL)
	if err != nil {
		s.setState(Idle)
		return fmt.Errorf("shell: acquire lease for %s: %w", s.chain, err)
	}
	if !ok {
		logrus.Warnf("shell: lease %s already held, remaining idle", leaseKey)
		metrics.LeaseAcquisitions.WithLabelValues(string(s.chain), "conflict").Inc()
		s.setState(Idle)
		return ErrLeaseHeld
	}
	metrics.LeaseAcquisitions.WithLabelValues(string(s.chain), "acquired").Inc()

	runCtx, cancel := context.WithCancel(ctx)

	addedCh, addedUnsub, err := s.bus.Subscribe(runCtx, controlplane.AddedTopic(s.chain))
	if err != nil {
		cancel()
		s.setState(Idle)
		return fmt.Errorf("shell: subscribe added topic: %w", err)
	}
	removedCh, removedUnsub, err := s.bus.Subscribe(runCtx, controlplane.RemovedTopic(s.chain))
	if err != nil {
		addedUnsub()
		cancel()
		s.setState(Idle)
		return fmt.Errorf("shell: subscribe removed topic: %w", err)
	}

	if err := s.adapter.Start(runCtx, s); err != nil {
		addedUnsub()
		removedUnsub()
		cancel()
		s.setState(Idle)
		return fmt.Errorf("shell: adapter start: %w", err)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.addedUnsub = addedUnsub
	s.removedUnsub = removedUnsub
	s.bootstrapDone = make(chan struct{})
	s.state = Running
	s.mu.Unlock()

	go s.consumeControlPlane(runCtx, addedCh, true)
	go s.consumeControlPlane(runCtx, removedCh, false)
	go s.heartbeat(runCtx, leaseKey)
	go s.bootstrap(runCtx)

	return nil
}

// Stop cancels the heartbeat, unsubscribes both control channels, deletes
// the lease key, and tears down the adapter, returning to Idle.
func (s *Shell) Stop() error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return nil
	}
	s.state = Stopping
	cancel := s.cancel
	addedUnsub := s.addedUnsub
	removedUnsub := s.removedUnsub
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if addedUnsub != nil {
		addedUnsub()
	}
	if removedUnsub != nil {
		removedUnsub()
	}
	if err := s.adapter.Stop(); err != nil {
		logrus.Warnf("shell: adapter stop for %s: %v", s.chain, err)
	}

	ctx, done := context.WithTimeout(context.Background(), s.opts.DispatchTimeout)
	defer done()
	if err := s.bus.Delete(ctx, controlplane.LeaseKey(s.chain)); err != nil {
		logrus.Warnf("shell: release lease for %s: %v", s.chain, err)
	}

	s.setState(Idle)
	return nil
}

func (s *Shell) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// heartbeat rewrites the lease key at the refresh sub-interval. A refresh
// failure is logged and retried on the next tick; it never tears the Shell
// down (spec.md §7 lease-refresh failure policy).
func (s *Shell) heartbeat(ctx context.Context, leaseKey string) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.bus.Set(ctx, leaseKey, "1", s.opts.LeaseTTL); err != nil {
				logrus.Warnf("shell: heartbeat refresh failed for %s: %v", s.chain, err)
			}
		}
	}
}

// consumeControlPlane normalizes and validates each incoming message, then
// routes it to the adapter's add/remove hook. Processing of one message
// completes before the next is read, preserving spec.md §5's per-topic
// ordering guarantee.
func (s *Shell) consumeControlPlane(ctx context.Context, ch <-chan kvbus.Message, added bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := controlplane.Parse(msg.Payload)
			if err != nil {
				logrus.Warnf("shell: dropping malformed control-plane message on %s: %v", msg.Topic, err)
				continue
			}
			entry := ev.ToAddressEntry()
			var hookErr error
			if added {
				hookErr = s.adapter.OnAddressAdded(entry)
			} else {
				hookErr = s.adapter.OnAddressRemoved(entry)
			}
			if hookErr != nil {
				logrus.Warnf("shell: adapter rejected control-plane event on %s: %v", msg.Topic, hookErr)
			}
		}
	}
}

// bootstrap replays the AIS active set as adds. Failure is logged and
// swallowed: the listener continues, live adds still work.
func (s *Shell) bootstrap(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		if s.bootstrapDone != nil {
			close(s.bootstrapDone)
		}
		s.mu.Unlock()
	}()

	entries, err := s.aisSrc.ActiveInvoices(ctx, s.chain)
	if err != nil {
		logrus.Warnf("shell: AIS bootstrap failed for %s, continuing with live adds only: %v", s.chain, err)
		return
	}
	for _, e := range entries {
		entry := chainmodel.AddressEntry{TokenID: e.TokenID, Address: e.Address, DerivationPath: e.DerivationPath}
		if err := s.adapter.OnAddressAdded(entry); err != nil {
			logrus.Warnf("shell: bootstrap add rejected for %s on %s: %v", e.Address, s.chain, err)
		}
	}
}

// WaitForBootstrap blocks until the AIS bootstrap replay has finished, for
// tests that need a deterministic point after which the registry is settled.
func (s *Shell) WaitForBootstrap(ctx context.Context) error {
	s.mu.Lock()
	ch := s.bootstrapDone
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch implements adapter.Dispatcher: it enqueues payment to WQ with the
// fixed retry/backoff/priority/retention metadata from spec.md §4.1.
// Enqueue failures are reported (QueueError, logged at error) and do not
// tear down the adapter.
func (s *Shell) Dispatch(payment chainmodel.DetectedPayment) {
	if payment.Amount == "" || payment.Amount == "0" {
		return
	}
	job := queue.NewDispatchJob(queue.Payload{
		BlockchainKey:        string(payment.ChainKey),
		TokenID:              string(payment.TokenID),
		WalletDerivationPath: payment.DerivationPath,
		WalletAddress:        payment.Address,
		TransactionHash:      payment.TxHash,
		Amount:               payment.Amount,
		DetectedAt:           time.Unix(payment.Timestamp, 0).UTC().Format(time.RFC3339),
	})

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DispatchTimeout)
	defer cancel()
	if err := s.wq.Enqueue(ctx, job); err != nil {
		logrus.Errorf("shell: enqueue failed for %s: %v", payment, err)
		metrics.QueueErrors.WithLabelValues(string(s.chain)).Inc()
		return
	}
	metrics.PaymentsDispatched.WithLabelValues(string(s.chain)).Inc()
}
