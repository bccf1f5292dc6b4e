// Package bitcoin implements the Bitcoin family adapter (spec.md §4.4): a
// polling loop over a full node's JSON-RPC interface, advancing a
// lastProcessedBlock watermark only after an entire block range has been
// scanned successfully. Built on btcsuite/btcd's rpcclient and btcjson, the
// same client the corpus's wallet layer dials a node with.
package bitcoin

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/payment-indexer/internal/adapter"
	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
	"github.com/synnergy-labs/payment-indexer/internal/metrics"
	"github.com/synnergy-labs/payment-indexer/internal/registry"
)

// nativeStrategy is the one strategy this adapter tracks: Bitcoin has no
// account-model fungible layer to also watch.
var nativeStrategy = chainmodel.Strategy{TokenID: "slip:0"}

// defaultPollInterval is the delay between successive range scans used when
// New is given a zero pollInterval; spec.md §4.3 puts this on the order of
// one minute in production, with test harnesses overriding it to a few
// seconds.
const defaultPollInterval = 60 * time.Second

const satoshisPerBTC = 1e8

// Adapter is the Bitcoin family adapter.Adapter implementation.
type Adapter struct {
	chain        chainmodel.ChainKey
	rpcURL       string
	user         string
	pass         string
	pollInterval time.Duration
	reg          *registry.Registry

	mu                 sync.Mutex
	client             *rpcclient.Client
	dispatcher         adapter.Dispatcher
	cancel             context.CancelFunc
	lastProcessedBlock int64
}

// New constructs a Bitcoin Adapter dialing rpcURL with the given RPC
// credentials on Start. startHeight sets the initial lastProcessedBlock
// watermark (the first scan covers startHeight+1 through chain tip).
// pollInterval sets the delay between range scans; a zero value falls back
// to defaultPollInterval.
func New(chain chainmodel.ChainKey, rpcURL, user, pass string, startHeight int64, pollInterval time.Duration) *Adapter {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Adapter{
		chain:              chain,
		rpcURL:             rpcURL,
		user:               user,
		pass:               pass,
		pollInterval:       pollInterval,
		reg:                registry.New(registry.CaseSensitive),
		lastProcessedBlock: startHeight,
	}
}

func (a *Adapter) Start(ctx context.Context, dispatcher adapter.Dispatcher) error {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         a.rpcURL,
		User:         a.user,
		Pass:         a.pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return fmt.Errorf("bitcoin: connect to %s: %w", a.rpcURL, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.client = client
	a.dispatcher = dispatcher
	a.cancel = cancel
	a.mu.Unlock()

	go a.pollLoop(runCtx)
	return nil
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	client := a.client
	a.dispatcher = nil
	a.mu.Unlock()

	if client != nil {
		client.Shutdown()
	}
	return nil
}

func (a *Adapter) OnAddressAdded(entry chainmodel.AddressEntry) error {
	if entry.TokenID != nativeStrategy.TokenID {
		return fmt.Errorf("bitcoin(%s): unsupported tokenId %q, only slip:0 is watched", a.chain, entry.TokenID)
	}
	a.reg.Add(nativeStrategy, entry)
	metrics.WatchedAddresses.WithLabelValues(string(a.chain)).Set(float64(a.reg.Len()))
	return nil
}

func (a *Adapter) OnAddressRemoved(entry chainmodel.AddressEntry) error {
	a.reg.Remove(nativeStrategy, entry)
	metrics.WatchedAddresses.WithLabelValues(string(a.chain)).Set(float64(a.reg.Len()))
	return nil
}

// pollLoop scans new blocks every a.pollInterval, advancing lastProcessedBlock
// only once the entire [lastProcessedBlock+1, tip] range has been processed
// without error. A crash or error mid-range is retried from the same
// watermark on the next tick: duplicate dispatch of an already-seen
// transaction is possible and left to downstream idempotency (spec.md §9's
// open question), not deduplicated here.
func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scanOnce(ctx)
		}
	}
}

func (a *Adapter) scanOnce(ctx context.Context) {
	a.mu.Lock()
	client := a.client
	watermark := a.lastProcessedBlock
	a.mu.Unlock()
	if client == nil {
		return
	}

	tip, err := client.GetBlockCount()
	if err != nil {
		logrus.Warnf("bitcoin(%s): get block count: %v", a.chain, err)
		metrics.AdapterReconnects.WithLabelValues(string(a.chain), "bitcoin").Inc()
		return
	}
	if tip <= watermark {
		return
	}

	for height := watermark + 1; height <= tip; height++ {
		if ctx.Err() != nil {
			return
		}
		if err := a.processBlock(client, height); err != nil {
			logrus.Warnf("bitcoin(%s): process block %d: %v, will retry from %d next tick", a.chain, height, err, watermark)
			return
		}
	}
	a.mu.Lock()
	a.lastProcessedBlock = tip
	a.mu.Unlock()
}

func (a *Adapter) processBlock(client *rpcclient.Client, height int64) error {
	hash, err := client.GetBlockHash(height)
	if err != nil {
		return fmt.Errorf("get block hash: %w", err)
	}
	block, err := client.GetBlockVerboseTx(hash)
	if err != nil {
		return fmt.Errorf("get block verbose tx: %w", err)
	}

	for i := range block.Tx {
		a.processTx(&block.Tx[i], hash, block.Time)
	}
	return nil
}

func (a *Adapter) processTx(tx *btcjson.TxRawResult, blockHash *chainhash.Hash, blockTime int64) {
	for _, vout := range tx.Vout {
		addresses := voutAddresses(vout.ScriptPubKey)
		if len(addresses) == 0 {
			continue
		}
		for _, addr := range addresses {
			entry, ok := a.reg.LookupByAddress(nativeStrategy, addr)
			if !ok {
				continue
			}

			a.mu.Lock()
			dispatcher := a.dispatcher
			a.mu.Unlock()
			if dispatcher == nil {
				continue
			}
			sats := int64(math.Round(vout.Value * satoshisPerBTC))
			if sats <= 0 {
				continue
			}
			dispatcher.Dispatch(chainmodel.DetectedPayment{
				ChainKey:       a.chain,
				TokenID:        nativeStrategy.TokenID,
				Address:        entry.Address,
				DerivationPath: entry.DerivationPath,
				TxHash:         tx.Txid,
				Amount:         fmt.Sprintf("%d", sats),
				Timestamp:      blockTime,
			})
		}
	}
}

// voutAddresses extracts recipient addresses from a scriptPubKey, handling
// both the legacy "addresses" array and the single "address" field newer
// btcd versions return.
func voutAddresses(spk btcjson.ScriptPubKeyResult) []string {
	if spk.Address != "" {
		return []string{spk.Address}
	}
	return spk.Addresses
}
