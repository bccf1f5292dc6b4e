// Package evm implements the EVM family adapter (spec.md §4.3): a native
// substream following new heads and re-fetching each block's transactions,
// and a fungible substream following ERC-20/BEP-20 Transfer logs filtered by
// recipient topic. Built on ethclient/rpc, the same pair the corpus's
// blockchain-client layer uses for chain connectivity.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/payment-indexer/internal/adapter"
	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
	"github.com/synnergy-labs/payment-indexer/internal/metrics"
	"github.com/synnergy-labs/payment-indexer/internal/registry"
)

// transferEventSignature is the canonical ERC-20/BEP-20 Transfer(address,address,uint256) topic hash.
var transferEventSignature = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// reconnectBackoff is the fixed delay between subscription reconnect
// attempts on transport failure.
const reconnectBackoff = 2 * time.Second

// Adapter is the EVM family adapter.Adapter implementation. It serves any
// chain in the eip155 family (mainnet and testnets, Ethereum or BSC or any
// other EVM-compatible chain); nativeTokenID distinguishes which slip44
// coin type this particular chain's native substream follows, since the
// adapter itself carries no Ethereum-specific assumption.
type Adapter struct {
	chain         chainmodel.ChainKey
	rpcURL        string
	nativeTokenID chainmodel.TokenID
	reg           *registry.Registry
	client        *ethclient.Client
	rpcClient     *rpc.Client

	mu              sync.Mutex
	dispatcher      adapter.Dispatcher
	runCtx          context.Context
	cancel          context.CancelFunc
	nativeRunning   bool
	fungibleRunning bool
	fungibleCancel  context.CancelFunc
	nativeCancel    context.CancelFunc
}

// New constructs an EVM Adapter for chain, dialing rpcURL lazily on Start.
// nativeTokenID is this chain's configured native-asset tokenId (e.g.
// "slip44:60" for Ethereum, "slip44:714" for BSC) — the only tokenId the
// native substream follows.
func New(chain chainmodel.ChainKey, rpcURL string, nativeTokenID chainmodel.TokenID) *Adapter {
	return &Adapter{
		chain:         chain,
		rpcURL:        rpcURL,
		nativeTokenID: nativeTokenID,
		reg:           registry.New(registry.CaseInsensitive),
	}
}

func (a *Adapter) Start(ctx context.Context, dispatcher adapter.Dispatcher) error {
	rpcClient, err := rpc.DialContext(ctx, a.rpcURL)
	if err != nil {
		return fmt.Errorf("evm: dial %s: %w", a.rpcURL, err)
	}
	client := ethclient.NewClient(rpcClient)

	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.rpcClient = rpcClient
	a.client = client
	a.dispatcher = dispatcher
	a.runCtx = runCtx
	a.cancel = cancel
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	if a.fungibleCancel != nil {
		a.fungibleCancel()
	}
	client := a.client
	a.nativeRunning = false
	a.fungibleRunning = false
	a.dispatcher = nil
	a.mu.Unlock()

	if client != nil {
		client.Close()
	}
	return nil
}

func (a *Adapter) OnAddressAdded(entry chainmodel.AddressEntry) error {
	if !common.IsHexAddress(entry.Address) {
		return fmt.Errorf("evm(%s): invalid address %q", a.chain, entry.Address)
	}
	strategy, ok := chainmodel.NewStrategy(entry.TokenID)
	if !ok {
		return fmt.Errorf("evm(%s): unrecognized tokenId %q", a.chain, entry.TokenID)
	}
	if strategy.IsNative() && strategy.TokenID != a.nativeTokenID {
		return fmt.Errorf("evm(%s): tokenId %q is not this chain's configured native asset %q", a.chain, entry.TokenID, a.nativeTokenID)
	}

	first := a.reg.Add(strategy, entry)
	metrics.WatchedAddresses.WithLabelValues(string(a.chain)).Set(float64(a.reg.Len()))

	a.mu.Lock()
	runCtx, hasCtx := a.runningContext()
	dispatcher := a.dispatcher
	a.mu.Unlock()
	if !hasCtx || dispatcher == nil {
		return nil
	}

	if strategy.IsNative() {
		if first && !a.isNativeRunning() {
			if err := a.startNativeSubstream(runCtx); err != nil {
				logrus.Warnf("evm(%s): start native substream: %v", a.chain, err)
			}
		}
	} else {
		// Any add/remove under a fungible strategy requires the combined
		// topic filter to be rebuilt across every watched contract.
		if err := a.restartFungibleSubstream(runCtx); err != nil {
			logrus.Warnf("evm(%s): restart fungible substream: %v", a.chain, err)
		}
	}
	return nil
}

func (a *Adapter) OnAddressRemoved(entry chainmodel.AddressEntry) error {
	strategy, ok := chainmodel.NewStrategy(entry.TokenID)
	if !ok {
		return nil
	}
	last := a.reg.Remove(strategy, entry)
	metrics.WatchedAddresses.WithLabelValues(string(a.chain)).Set(float64(a.reg.Len()))

	a.mu.Lock()
	runCtx, hasCtx := a.runningContext()
	a.mu.Unlock()
	if !hasCtx {
		return nil
	}

	if strategy.IsNative() {
		if last {
			a.stopNativeSubstream()
		}
		return nil
	}
	if err := a.restartFungibleSubstream(runCtx); err != nil {
		logrus.Warnf("evm(%s): restart fungible substream: %v", a.chain, err)
	}
	return nil
}

func (a *Adapter) runningContext() (context.Context, bool) {
	if a.runCtx == nil {
		return nil, false
	}
	return a.runCtx, true
}

func (a *Adapter) isNativeRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nativeRunning
}

// startNativeSubstream subscribes to new heads and, on each, fetches the
// block's transactions and dispatches any transfer touching a watched
// native-strategy address.
func (a *Adapter) startNativeSubstream(ctx context.Context) error {
	a.mu.Lock()
	if a.nativeRunning {
		a.mu.Unlock()
		return nil
	}
	a.nativeRunning = true
	subCtx, cancel := context.WithCancel(ctx)
	a.nativeCancel = cancel
	client := a.client
	a.mu.Unlock()

	go a.runNativeLoop(subCtx, client)
	return nil
}

func (a *Adapter) stopNativeSubstream() {
	a.mu.Lock()
	a.nativeRunning = false
	if a.nativeCancel != nil {
		a.nativeCancel()
		a.nativeCancel = nil
	}
	a.mu.Unlock()
}

func (a *Adapter) runNativeLoop(ctx context.Context, client *ethclient.Client) {
	strategy := chainmodel.Strategy{TokenID: a.nativeTokenID}
	for {
		if ctx.Err() != nil {
			return
		}
		if !a.isNativeRunning() {
			return
		}

		headers := make(chan *types.Header, 16)
		sub, err := client.SubscribeNewHead(ctx, headers)
		if err != nil {
			logrus.Warnf("evm(%s): subscribe new head: %v", a.chain, err)
			metrics.AdapterReconnects.WithLabelValues(string(a.chain), "evm").Inc()
			time.Sleep(reconnectBackoff)
			continue
		}

		a.consumeHeaders(ctx, client, sub, headers, strategy)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}
		metrics.AdapterReconnects.WithLabelValues(string(a.chain), "evm").Inc()
		time.Sleep(reconnectBackoff)
	}
}

func (a *Adapter) consumeHeaders(ctx context.Context, client *ethclient.Client, sub ethereum.Subscription, headers chan *types.Header, strategy chainmodel.Strategy) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				logrus.Warnf("evm(%s): new head subscription error: %v", a.chain, err)
			}
			return
		case header := <-headers:
			a.processNativeBlock(ctx, client, header, strategy)
		}
	}
}

func (a *Adapter) processNativeBlock(ctx context.Context, client *ethclient.Client, header *types.Header, strategy chainmodel.Strategy) {
	block, err := client.BlockByHash(ctx, header.Hash())
	if err != nil {
		logrus.Warnf("evm(%s): fetch block %s: %v", a.chain, header.Hash(), err)
		return
	}

	signer := types.LatestSignerForChainID(block.Number())
	for _, tx := range block.Transactions() {
		if tx.Value() == nil || tx.Value().Sign() <= 0 || tx.To() == nil {
			continue
		}
		to := tx.To().Hex()
		entry, ok := a.reg.LookupByAddress(strategy, to)
		if !ok {
			continue
		}
		from, err := types.Sender(signer, tx)
		sender := ""
		if err == nil {
			sender = from.Hex()
		}

		a.mu.Lock()
		dispatcher := a.dispatcher
		a.mu.Unlock()
		if dispatcher == nil {
			continue
		}
		dispatcher.Dispatch(chainmodel.DetectedPayment{
			ChainKey:       a.chain,
			TokenID:        strategy.TokenID,
			Address:        entry.Address,
			DerivationPath: entry.DerivationPath,
			TxHash:         tx.Hash().Hex(),
			Sender:         sender,
			Amount:         tx.Value().String(),
			Timestamp:      int64(block.Time()),
		})
	}
}

// restartFungibleSubstream rebuilds the combined filter (every watched
// contract, every watched recipient in topic 2) and (re)subscribes to
// Transfer logs. Called on every fungible add/remove.
func (a *Adapter) restartFungibleSubstream(ctx context.Context) error {
	a.mu.Lock()
	if a.fungibleCancel != nil {
		a.fungibleCancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	a.fungibleCancel = cancel
	client := a.client
	a.mu.Unlock()

	contracts := a.activeFungibleContracts()
	if len(contracts) == 0 {
		a.mu.Lock()
		a.fungibleRunning = false
		a.mu.Unlock()
		return nil
	}

	a.mu.Lock()
	a.fungibleRunning = true
	a.mu.Unlock()

	go a.runFungibleLoop(subCtx, client, contracts)
	return nil
}

func (a *Adapter) activeFungibleContracts() []common.Address {
	var out []common.Address
	for _, tk := range a.reg.ActiveStrategies() {
		if !strings.HasPrefix(tk, "fungible:") {
			continue
		}
		tokenID := chainmodel.TokenID(strings.TrimPrefix(tk, "fungible:"))
		if _, contract, ok := tokenID.FungiblePrefix(); ok && common.IsHexAddress(contract) {
			out = append(out, common.HexToAddress(contract))
		}
	}
	return out
}

// strategyForContract finds the watched fungible Strategy whose contract
// address matches contract, regardless of which recognized prefix
// (erc20/bep20/spl) its tokenId was added under.
func (a *Adapter) strategyForContract(contract common.Address) (chainmodel.Strategy, bool) {
	target := strings.ToLower(contract.Hex())
	for _, tk := range a.reg.ActiveStrategies() {
		if !strings.HasPrefix(tk, "fungible:") {
			continue
		}
		tokenID := chainmodel.TokenID(strings.TrimPrefix(tk, "fungible:"))
		_, tkContract, ok := tokenID.FungiblePrefix()
		if !ok || strings.ToLower(tkContract) != target {
			continue
		}
		return chainmodel.Strategy{TokenID: tokenID, Contract: tkContract}, true
	}
	return chainmodel.Strategy{}, false
}

func (a *Adapter) runFungibleLoop(ctx context.Context, client *ethclient.Client, contracts []common.Address) {
	var recipients []common.Hash
	for _, tk := range a.reg.ActiveStrategies() {
		if !strings.HasPrefix(tk, "fungible:") {
			continue
		}
		strategy, ok := chainmodel.NewStrategy(chainmodel.TokenID(strings.TrimPrefix(tk, "fungible:")))
		if !ok {
			continue
		}
		for _, e := range a.reg.AddressesFor(strategy) {
			recipients = append(recipients, common.BytesToHash(common.HexToAddress(e.Address).Bytes()))
		}
	}
	query := ethereum.FilterQuery{
		Addresses: contracts,
		Topics:    [][]common.Hash{{transferEventSignature}, nil, recipients},
	}

	for {
		if ctx.Err() != nil {
			return
		}
		logCh := make(chan types.Log, 64)
		sub, err := client.SubscribeFilterLogs(ctx, query, logCh)
		if err != nil {
			logrus.Warnf("evm(%s): subscribe filter logs: %v", a.chain, err)
			metrics.AdapterReconnects.WithLabelValues(string(a.chain), "evm").Inc()
			time.Sleep(reconnectBackoff)
			continue
		}

		a.consumeLogs(ctx, sub, logCh)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}
		metrics.AdapterReconnects.WithLabelValues(string(a.chain), "evm").Inc()
		time.Sleep(reconnectBackoff)
	}
}

func (a *Adapter) consumeLogs(ctx context.Context, sub ethereum.Subscription, logCh chan types.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				logrus.Warnf("evm(%s): filter logs subscription error: %v", a.chain, err)
			}
			return
		case lg := <-logCh:
			a.processFungibleLog(ctx, lg)
		}
	}
}

// processFungibleLog decodes a Transfer(from, to, value) log and, if the
// recipient is watched under the emitting contract's fungible strategy,
// fetches the log's block to obtain its timestamp and dispatches it. The
// emitting contract is matched against every watched fungible strategy
// rather than assumed to carry an erc20 prefix, so bep20/spl-shaped tokenIds
// on this same watched-contract address are matched just as well.
func (a *Adapter) processFungibleLog(ctx context.Context, lg types.Log) {
	if lg.Removed || len(lg.Topics) < 3 || len(lg.Data) < 32 {
		return
	}
	strategy, ok := a.strategyForContract(lg.Address)
	if !ok {
		return
	}

	to := common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
	entry, ok := a.reg.LookupByAddress(strategy, to)
	if !ok {
		return
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes()).Hex()
	value := new(big.Int).SetBytes(lg.Data)

	a.mu.Lock()
	dispatcher := a.dispatcher
	client := a.client
	a.mu.Unlock()
	if dispatcher == nil {
		return
	}

	var timestamp int64
	if client != nil {
		header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
		if err != nil {
			logrus.Warnf("evm(%s): fetch block %d for log timestamp: %v", a.chain, lg.BlockNumber, err)
		} else {
			timestamp = int64(header.Time)
		}
	}

	dispatcher.Dispatch(chainmodel.DetectedPayment{
		ChainKey:       a.chain,
		TokenID:        strategy.TokenID,
		Address:        entry.Address,
		DerivationPath: entry.DerivationPath,
		TxHash:         lg.TxHash.Hex(),
		Sender:         from,
		Amount:         value.String(),
		Timestamp:      timestamp,
	})
}
