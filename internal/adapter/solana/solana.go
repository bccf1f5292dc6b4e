// Package solana implements the Solana family adapter (spec.md §4.5): SOL
// balance deltas tracked per watched account via accountSubscribe, and SPL
// token balances resolved through an owner's associated token accounts. It
// is built entirely on internal/jsonrpcws, since no Solana SDK is carried
// anywhere in the retrieval corpus.
package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/payment-indexer/internal/adapter"
	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
	"github.com/synnergy-labs/payment-indexer/internal/jsonrpcws"
	"github.com/synnergy-labs/payment-indexer/internal/metrics"
	"github.com/synnergy-labs/payment-indexer/internal/registry"
)

// rpcCaller is the subset of *jsonrpcws.Client subscribeAccount and its
// helpers need, narrowed so tests can substitute a fake transport.
type rpcCaller interface {
	Call(ctx context.Context, method string, params any, out any) error
}

// base58Pattern is a loose pubkey-shape validator: Solana addresses are
// base58, 32-44 characters, no 0/O/I/l.
var base58Pattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

type accountSubscription struct {
	subID        uint64
	lastLamports uint64
	lastTokens   uint64
	seeded       bool
	strategy     chainmodel.Strategy
	entry        chainmodel.AddressEntry
}

// Adapter is the Solana family adapter.Adapter implementation.
type Adapter struct {
	chain chainmodel.ChainKey
	wsURL string
	reg   *registry.Registry

	mu            sync.Mutex
	client        *jsonrpcws.Client
	dispatcher    adapter.Dispatcher
	cancel        context.CancelFunc
	subscriptions map[uint64]*accountSubscription // keyed by jsonrpcws subscription id
	byAddress     map[string]uint64
}

// New constructs a Solana Adapter dialing wsURL on Start.
func New(chain chainmodel.ChainKey, wsURL string) *Adapter {
	return &Adapter{
		chain:         chain,
		wsURL:         wsURL,
		reg:           registry.New(registry.CaseSensitive),
		subscriptions: make(map[uint64]*accountSubscription),
		byAddress:     make(map[string]uint64),
	}
}

func (a *Adapter) Start(ctx context.Context, dispatcher adapter.Dispatcher) error {
	client, err := jsonrpcws.Dial(ctx, a.wsURL)
	if err != nil {
		return fmt.Errorf("solana: dial %s: %w", a.wsURL, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.client = client
	a.dispatcher = dispatcher
	a.cancel = cancel
	a.mu.Unlock()

	go a.consumeNotifications(runCtx, client)
	go a.watchConnection(runCtx, client)
	go a.pingLoop(runCtx, client)
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
		return client.Close()
	}
	return nil
}

// watchConnection reconnects on transport failure, retrying the dial every
// two seconds until it succeeds or ctx is cancelled, then re-subscribes every
// currently watched account.
func (a *Adapter) watchConnection(ctx context.Context, client *jsonrpcws.Client) {
	select {
	case <-ctx.Done():
		return
	case <-client.Closed():
	}
	if ctx.Err() != nil {
		return
	}
	metrics.AdapterReconnects.WithLabelValues(string(a.chain), "solana").Inc()
	logrus.Warnf("solana(%s): connection dropped, reconnecting", a.chain)

	var newClient *jsonrpcws.Client
	for {
		c, err := jsonrpcws.Dial(ctx, a.wsURL)
		if err == nil {
			newClient = c
			break
		}
		logrus.Warnf("solana(%s): reconnect failed: %v, retrying", a.chain, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}

	a.mu.Lock()
	a.client = newClient
	subs := make([]*accountSubscription, 0, len(a.subscriptions))
	for _, s := range a.subscriptions {
		subs = append(subs, s)
	}
	a.subscriptions = make(map[uint64]*accountSubscription)
	a.byAddress = make(map[string]uint64)
	a.mu.Unlock()

	go a.consumeNotifications(ctx, newClient)
	go a.watchConnection(ctx, newClient)
	go a.pingLoop(ctx, newClient)

	for _, s := range subs {
		if err := a.subscribeAccount(ctx, newClient, s.strategy, s.entry); err != nil {
			logrus.Warnf("solana(%s): re-subscribe %s: %v", a.chain, s.entry.Address, err)
		}
	}
}

// pingLoop sends a WebSocket ping every jsonrpcws.PingInterval so a half-open
// connection is caught by its failure rather than by the next blocking Call
// timing out. A failed ping closes the client, which watchConnection observes
// on client.Closed() and reconnects from.
func (a *Adapter) pingLoop(ctx context.Context, client *jsonrpcws.Client) {
	ticker := time.NewTicker(jsonrpcws.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Closed():
			return
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				logrus.Warnf("solana(%s): keepalive ping failed: %v", a.chain, err)
				_ = client.Close()
				return
			}
		}
	}
}

func (a *Adapter) OnAddressAdded(entry chainmodel.AddressEntry) error {
	if !base58Pattern.MatchString(entry.Address) {
		return fmt.Errorf("solana(%s): invalid pubkey %q", a.chain, entry.Address)
	}
	strategy, ok := chainmodel.NewStrategy(entry.TokenID)
	if !ok {
		return fmt.Errorf("solana(%s): unrecognized tokenId %q", a.chain, entry.TokenID)
	}

	a.reg.Add(strategy, entry)
	metrics.WatchedAddresses.WithLabelValues(string(a.chain)).Set(float64(a.reg.Len()))

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil
	}
	return a.subscribeAccount(context.Background(), client, strategy, entry)
}

func (a *Adapter) OnAddressRemoved(entry chainmodel.AddressEntry) error {
	strategy, ok := chainmodel.NewStrategy(entry.TokenID)
	if !ok {
		return nil
	}
	a.reg.Remove(strategy, entry)
	metrics.WatchedAddresses.WithLabelValues(string(a.chain)).Set(float64(a.reg.Len()))

	a.mu.Lock()
	client := a.client
	key := watchAddressKey(strategy, entry)
	subID, ok := a.byAddress[key]
	if ok {
		delete(a.byAddress, key)
		delete(a.subscriptions, subID)
	}
	a.mu.Unlock()
	if !ok || client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Call(ctx, "accountUnsubscribe", []any{subID}, nil)
}

func watchAddressKey(strategy chainmodel.Strategy, entry chainmodel.AddressEntry) string {
	return strategy.TokenKey() + "|" + entry.Address
}

// subscribeAccount resolves the account to watch (the address itself for
// native SOL, its associated token account for SPL), reads its current
// balance over RPC to seed the delta baseline (spec.md §4.4: "Read current
// lamports balance" / "Read the initial parsed balance" before subscribing),
// and issues accountSubscribe. A failed initial read is logged and left
// unseeded rather than aborting the subscription: the baseline then falls
// back to whatever handleAccountNotification sees on the first callback.
func (a *Adapter) subscribeAccount(ctx context.Context, client rpcCaller, strategy chainmodel.Strategy, entry chainmodel.AddressEntry) error {
	watchedAccount := entry.Address
	if !strategy.IsNative() {
		ata, err := a.resolveAssociatedTokenAccount(ctx, client, entry.Address, strategy.Contract)
		if err != nil {
			return fmt.Errorf("resolve associated token account: %w", err)
		}
		watchedAccount = ata
	}

	sub := &accountSubscription{strategy: strategy, entry: entry}
	if strategy.IsNative() {
		lamports, err := readInitialLamports(ctx, client, watchedAccount)
		if err != nil {
			logrus.Warnf("solana(%s): read initial balance for %s: %v, seeding from first notification instead", a.chain, entry.Address, err)
		} else {
			sub.lastLamports = lamports
			sub.seeded = true
		}
	} else {
		tokens, err := readInitialTokenAmount(ctx, client, watchedAccount)
		if err != nil {
			logrus.Warnf("solana(%s): read initial token balance for %s: %v, seeding from first notification instead", a.chain, entry.Address, err)
		} else {
			sub.lastTokens = tokens
			sub.seeded = true
		}
	}

	var result struct {
		Result uint64 `json:"result"`
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Call(callCtx, "accountSubscribe", []any{watchedAccount, map[string]string{"encoding": "base64", "commitment": "confirmed"}}, &result.Result); err != nil {
		return err
	}
	sub.subID = result.Result

	a.mu.Lock()
	a.subscriptions[result.Result] = sub
	a.byAddress[watchAddressKey(strategy, entry)] = result.Result
	a.mu.Unlock()
	return nil
}

// readInitialLamports fetches pubkey's current lamport balance via getBalance,
// the baseline subscribeAccount seeds a native SOL subscription with.
func readInitialLamports(ctx context.Context, client rpcCaller, pubkey string) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := client.Call(ctx, "getBalance", []any{pubkey, map[string]string{"commitment": "confirmed"}}, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// readInitialTokenAmount fetches tokenAccount's current parsed balance via
// getTokenAccountBalance, the baseline subscribeAccount seeds an SPL
// subscription with.
func readInitialTokenAmount(ctx context.Context, client rpcCaller, tokenAccount string) (uint64, error) {
	var result struct {
		Value struct {
			Amount string `json:"amount"`
		} `json:"value"`
	}
	if err := client.Call(ctx, "getTokenAccountBalance", []any{tokenAccount, map[string]string{"commitment": "confirmed"}}, &result); err != nil {
		return 0, err
	}
	amount, err := strconv.ParseUint(result.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token amount %q: %w", result.Value.Amount, err)
	}
	return amount, nil
}

// getTokenAccountsByOwnerResult is the minimal shape this adapter needs from
// getTokenAccountsByOwner's response.
type getTokenAccountsByOwnerResult struct {
	Value []struct {
		Pubkey string `json:"pubkey"`
	} `json:"value"`
}

func (a *Adapter) resolveAssociatedTokenAccount(ctx context.Context, client rpcCaller, owner, mint string) (string, error) {
	var out getTokenAccountsByOwnerResult
	params := []any{
		owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed"},
	}
	if err := client.Call(ctx, "getTokenAccountsByOwner", params, &out); err != nil {
		return "", err
	}
	if len(out.Value) == 0 {
		return "", fmt.Errorf("no token account for owner %s mint %s", owner, mint)
	}
	return out.Value[0].Pubkey, nil
}

type accountNotificationParams struct {
	Result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Lamports uint64   `json:"lamports"`
			Data     []string `json:"data"`
		} `json:"value"`
	} `json:"result"`
	Subscription uint64 `json:"subscription"`
}

func (a *Adapter) consumeNotifications(ctx context.Context, client *jsonrpcws.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-client.Notifications():
			if !ok {
				return
			}
			if n.Method != "accountNotification" {
				continue
			}
			a.handleAccountNotification(n.Params)
		}
	}
}

func (a *Adapter) handleAccountNotification(raw json.RawMessage) {
	var params accountNotificationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		logrus.Warnf("solana(%s): decode account notification: %v", a.chain, err)
		return
	}

	a.mu.Lock()
	sub, ok := a.subscriptions[params.Subscription]
	dispatcher := a.dispatcher
	a.mu.Unlock()
	if !ok || dispatcher == nil {
		return
	}

	var amount string
	if sub.strategy.IsNative() {
		newLamports := params.Result.Value.Lamports
		a.mu.Lock()
		previous, seeded := sub.lastLamports, sub.seeded
		sub.lastLamports = newLamports
		sub.seeded = true
		a.mu.Unlock()
		if !seeded || newLamports <= previous {
			return
		}
		amount = fmt.Sprintf("%d", newLamports-previous)
	} else {
		newTokens, ok := decodeSPLTokenAmount(params.Result.Value.Data)
		if !ok {
			return
		}
		a.mu.Lock()
		previous, seeded := sub.lastTokens, sub.seeded
		sub.lastTokens = newTokens
		sub.seeded = true
		a.mu.Unlock()
		if !seeded || newTokens <= previous {
			return
		}
		amount = fmt.Sprintf("%d", newTokens-previous)
	}

	dispatcher.Dispatch(chainmodel.DetectedPayment{
		ChainKey:       a.chain,
		TokenID:        sub.strategy.TokenID,
		Address:        sub.entry.Address,
		DerivationPath: sub.entry.DerivationPath,
		TxHash:         fmt.Sprintf("slot:%d", params.Result.Context.Slot),
		Amount:         amount,
		Timestamp:      time.Now().Unix(),
	})
}

// splTokenAmountOffset and splTokenAccountMinLen follow the SPL Token
// Program's fixed account layout: mint(32) + owner(32) + amount(8, little
// endian u64) + ... The raw account is delivered base64-encoded since
// accountSubscribe was called with encoding=base64.
const (
	splTokenAmountOffset = 64
	splTokenAccountMinLen = 72
)

func decodeSPLTokenAmount(data []string) (uint64, bool) {
	if len(data) == 0 {
		return 0, false
	}
	raw, err := base64.StdEncoding.DecodeString(data[0])
	if err != nil || len(raw) < splTokenAccountMinLen {
		return 0, false
	}
	var amount uint64
	for i := 0; i < 8; i++ {
		amount |= uint64(raw[splTokenAmountOffset+i]) << (8 * i)
	}
	return amount, true
}
