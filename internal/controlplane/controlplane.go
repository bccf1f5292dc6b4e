// Package controlplane defines the topic naming scheme and payload shape
// operators use to add/remove watched addresses at runtime, plus the thin
// producer the external invoice module uses to publish those events.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
	"github.com/synnergy-labs/payment-indexer/internal/kvbus"
)

// AddedTopic returns the exact topic name for address-added events on chain.
func AddedTopic(chain chainmodel.ChainKey) string {
	return fmt.Sprintf("indexer:%s:address:added", chain)
}

// RemovedTopic returns the exact topic name for address-removed events on chain.
func RemovedTopic(chain chainmodel.ChainKey) string {
	return fmt.Sprintf("indexer:%s:address:removed", chain)
}

// LeaseKey returns the singleton-lease key for chain.
func LeaseKey(chain chainmodel.ChainKey) string {
	return fmt.Sprintf("indexer:%s:running", chain)
}

// AddressEvent is the payload published on both the added and removed
// topics for a chain.
type AddressEvent struct {
	TokenID        string `json:"tokenId"`
	Address        string `json:"address"`
	DerivationPath string `json:"derivationPath"`
}

// Parse normalizes a control-plane payload that may arrive as an
// already-parsed structure, a byte buffer holding UTF-8 JSON, or a JSON
// string, into a single AddressEvent. It then asserts presence and
// string-typedness of every field; callers must log and drop the message
// on any error rather than propagate it upward.
func Parse(raw any) (AddressEvent, error) {
	var data []byte
	switch v := raw.(type) {
	case AddressEvent:
		return assertFields(v)
	case *AddressEvent:
		if v == nil {
			return AddressEvent{}, fmt.Errorf("controlplane: nil *AddressEvent")
		}
		return assertFields(*v)
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case map[string]any:
		return parseLoose(v)
	default:
		return AddressEvent{}, fmt.Errorf("controlplane: unsupported payload type %T", raw)
	}

	var ev AddressEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return AddressEvent{}, fmt.Errorf("controlplane: decode payload: %w", err)
	}
	return assertFields(ev)
}

// parseLoose handles a payload that arrived as a generic map (e.g. decoded
// upstream by a different JSON layer) before this package got it.
func parseLoose(m map[string]any) (AddressEvent, error) {
	get := func(key string) (string, bool) {
		v, ok := m[key]
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	}
	tokenID, ok1 := get("tokenId")
	address, ok2 := get("address")
	path, ok3 := get("derivationPath")
	if !ok1 || !ok2 || !ok3 {
		return AddressEvent{}, fmt.Errorf("controlplane: missing or non-string field in %v", m)
	}
	return assertFields(AddressEvent{TokenID: tokenID, Address: address, DerivationPath: path})
}

func assertFields(ev AddressEvent) (AddressEvent, error) {
	if ev.TokenID == "" {
		return AddressEvent{}, fmt.Errorf("controlplane: missing tokenId")
	}
	if ev.Address == "" {
		return AddressEvent{}, fmt.Errorf("controlplane: missing address")
	}
	if ev.DerivationPath == "" {
		return AddressEvent{}, fmt.Errorf("controlplane: missing derivationPath")
	}
	return ev, nil
}

// ToAddressEntry converts a validated AddressEvent into the registry's
// AddressEntry type.
func (ev AddressEvent) ToAddressEntry() chainmodel.AddressEntry {
	return chainmodel.AddressEntry{
		TokenID:        chainmodel.TokenID(ev.TokenID),
		Address:        ev.Address,
		DerivationPath: ev.DerivationPath,
	}
}

// Publisher is the thin producer used by the external invoice module to
// publish address:added / address:removed events. It is a direct client of
// the KVB bus and carries no business logic of its own.
type Publisher struct {
	bus kvbus.Bus
}

// NewPublisher constructs a Publisher over the given KVB bus.
func NewPublisher(bus kvbus.Bus) *Publisher {
	return &Publisher{bus: bus}
}

// PublishAdded publishes an address-added event on chain's topic.
func (p *Publisher) PublishAdded(ctx context.Context, chain chainmodel.ChainKey, ev AddressEvent) error {
	return p.publish(ctx, AddedTopic(chain), ev)
}

// PublishRemoved publishes an address-removed event on chain's topic.
func (p *Publisher) PublishRemoved(ctx context.Context, chain chainmodel.ChainKey, ev AddressEvent) error {
	return p.publish(ctx, RemovedTopic(chain), ev)
}

func (p *Publisher) publish(ctx context.Context, topic string, ev AddressEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("controlplane: marshal event: %w", err)
	}
	return p.bus.Publish(ctx, topic, raw)
}
