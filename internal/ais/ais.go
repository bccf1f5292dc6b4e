// Package ais is the client for the Active-Invoice Source (AIS) external
// collaborator: on demand, it returns the currently active set of watched
// addresses so a Shell can bootstrap its registry at startup.
package ais

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
)

// Entry is one active-invoice tuple AIS returns.
type Entry struct {
	ChainKey       chainmodel.ChainKey
	TokenID        chainmodel.TokenID
	Address        string
	DerivationPath string
}

// Source is the AIS contract the Shell queries at bootstrap. Any
// implementation satisfying this on-demand query is acceptable.
type Source interface {
	// ActiveInvoices returns the invoices currently active on chain. A
	// bootstrap failure is logged and swallowed by the caller; Source
	// implementations should return an error rather than a partial list
	// when they cannot determine the active set.
	ActiveInvoices(ctx context.Context, chain chainmodel.ChainKey) ([]Entry, error)
}

// HTTPSource queries a JSON HTTP endpoint exposed by the external invoice
// module: GET {endpoint}?chain=<chainKey> returning a JSON array of Entry.
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSource constructs an HTTPSource against endpoint.
func NewHTTPSource(endpoint string) *HTTPSource {
	return &HTTPSource{endpoint: endpoint, client: &http.Client{Timeout: 10 * time.Second}}
}

type wireEntry struct {
	ChainKey       string `json:"blockchainKey"`
	TokenID        string `json:"tokenId"`
	Address        string `json:"address"`
	DerivationPath string `json:"derivationPath"`
}

func (s *HTTPSource) ActiveInvoices(ctx context.Context, chain chainmodel.ChainKey) ([]Entry, error) {
	url := fmt.Sprintf("%s?chain=%s", s.endpoint, chain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ais: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ais: request active invoices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ais: unexpected status %d", resp.StatusCode)
	}

	var wire []wireEntry
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("ais: decode response: %w", err)
	}

	out := make([]Entry, 0, len(wire))
	for _, w := range wire {
		out = append(out, Entry{
			ChainKey:       chainmodel.ChainKey(w.ChainKey),
			TokenID:        chainmodel.TokenID(w.TokenID),
			Address:        w.Address,
			DerivationPath: w.DerivationPath,
		})
	}
	return out, nil
}

// Static is a fixed-list Source, used by tests and the test-chain adapter's
// own harness.
type Static struct {
	Entries []Entry
	Err     error
}

func (s Static) ActiveInvoices(ctx context.Context, chain chainmodel.ChainKey) ([]Entry, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.ChainKey == chain {
			out = append(out, e)
		}
	}
	return out, nil
}
