package model

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Protocol tags the AMM variant a pool belongs to. The set is closed; code
// that dispatches on it must handle every member explicitly.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	ProtocolConstantProduct
	ProtocolConcentratedV3
	ProtocolConcentratedV4
)

// protocolNames uses the short tier names carried in persisted rows and
// config files.
var protocolNames = map[Protocol]string{
	ProtocolConstantProduct: "v2",
	ProtocolConcentratedV3:  "v3",
	ProtocolConcentratedV4:  "v4",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(p))
}

// Concentrated reports whether the protocol maintains tick-indexed liquidity.
func (p Protocol) Concentrated() bool {
	return p == ProtocolConcentratedV3 || p == ProtocolConcentratedV4
}

// ParseProtocol maps a tier name to its Protocol tag.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v2", "constant_product":
		return ProtocolConstantProduct, nil
	case "v3", "concentrated_v3":
		return ProtocolConcentratedV3, nil
	case "v4", "concentrated_v4":
		return ProtocolConcentratedV4, nil
	default:
		return ProtocolUnknown, fmt.Errorf("unknown protocol %q", s)
	}
}

// MarshalText encodes the protocol as its tier name.
func (p Protocol) MarshalText() ([]byte, error) {
	name, ok := protocolNames[p]
	if !ok {
		return nil, fmt.Errorf("cannot encode unknown protocol %d", uint8(p))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a protocol from its tier name.
func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PoolID identifies a pool: a 20-byte contract address for V2/V3 pools or a
// 32-byte pool id for V4 pools, normalized to lowercase 0x-prefixed hex.
type PoolID string

// ParsePoolID validates and normalizes a pool identifier.
func ParsePoolID(s string) (PoolID, error) {
	raw, err := hexutil.Decode(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return "", fmt.Errorf("parse pool id %q: %w", s, err)
	}
	if len(raw) != common.AddressLength && len(raw) != common.HashLength {
		return "", fmt.Errorf("parse pool id %q: want 20 or 32 bytes, got %d", s, len(raw))
	}
	return PoolID(hexutil.Encode(raw)), nil
}

// PoolIDFromAddress builds a PoolID from a 20-byte contract address.
func PoolIDFromAddress(addr common.Address) PoolID {
	return PoolID(strings.ToLower(addr.Hex()))
}

// PoolIDFromHash builds a PoolID from a 32-byte pool id.
func PoolIDFromHash(h common.Hash) PoolID {
	return PoolID(strings.ToLower(h.Hex()))
}

func (id PoolID) String() string { return string(id) }

// Address returns the pool id as a contract address. It fails for 32-byte ids.
func (id PoolID) Address() (common.Address, error) {
	raw, err := hexutil.Decode(string(id))
	if err != nil || len(raw) != common.AddressLength {
		return common.Address{}, fmt.Errorf("pool id %q is not a 20-byte address", id)
	}
	return common.BytesToAddress(raw), nil
}

// Word returns the pool id as a 32-byte identifier. It fails for addresses.
func (id PoolID) Word() (common.Hash, error) {
	raw, err := hexutil.Decode(string(id))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("pool id %q is not a 32-byte id", id)
	}
	return common.BytesToHash(raw), nil
}

// Pool describes one member of the configured pool universe.
type Pool struct {
	ID          PoolID   `json:"id"`
	Protocol    Protocol `json:"protocol"`
	Token0      string   `json:"token0"`
	Token1      string   `json:"token1"`
	Decimals0   uint8    `json:"decimals0"`
	Decimals1   uint8    `json:"decimals1"`
	Fee         uint32   `json:"fee"`
	TickSpacing int32    `json:"tick_spacing"`
	Factory     string   `json:"factory,omitempty"`
}

// Validate checks the fields replay and scraping depend on.
func (p Pool) Validate() error {
	if _, err := ParsePoolID(string(p.ID)); err != nil {
		return err
	}
	if _, ok := protocolNames[p.Protocol]; !ok {
		return fmt.Errorf("pool %s: unknown protocol", p.ID)
	}
	if p.Protocol.Concentrated() && p.TickSpacing <= 0 {
		return fmt.Errorf("pool %s: tick spacing must be positive, got %d", p.ID, p.TickSpacing)
	}
	return nil
}
