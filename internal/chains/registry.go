// Package chains holds the registry of chains and tokens intents may reference,
// and the per-family address rules.
package chains

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrChainNotSupported = errors.New("chain not supported")
	ErrInvalidChain      = errors.New("invalid chain")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidAddress    = errors.New("invalid address")
)

// Family groups chains that share an address format and transaction model.
type Family string

const (
	FamilyEVM  Family = "evm"
	FamilyUTXO Family = "utxo"
)

// Spec identifies an asset on a chain. ChainID is set only for account-model
// chains with numeric chain identifiers.
type Spec struct {
	Chain   string  `json:"chain"`
	ChainID *uint64 `json:"chainId,omitempty"`
	Token   string  `json:"token"`
	Network string  `json:"network"`
}

func (s Spec) String() string {
	if s.ChainID != nil {
		return fmt.Sprintf("%s:%s(%d)/%s", s.Chain, s.Network, *s.ChainID, s.Token)
	}
	return fmt.Sprintf("%s:%s/%s", s.Chain, s.Network, s.Token)
}

// TokenKey is the escrow ledger token key for the asset.
func (s Spec) TokenKey() string {
	return s.Chain + ":" + s.Token
}

// Token describes an asset on a chain. Contract is empty for the native asset.
type Token struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Contract string `json:"contract,omitempty"`
}

func (t Token) Native() bool { return t.Contract == "" }

// Chain is a registered chain.
type Chain struct {
	Name                  string           `json:"name"`
	Family                Family           `json:"family"`
	Network               string           `json:"network"`
	ChainID               *uint64          `json:"chainId,omitempty"`
	RequiredConfirmations uint64           `json:"requiredConfirmations"`
	Tokens                map[string]Token `json:"tokens"`
}

// Token looks up a token by symbol, case-insensitively.
func (c Chain) Token(symbol string) (Token, bool) {
	t, ok := c.Tokens[strings.ToUpper(symbol)]
	return t, ok
}

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	chains map[string]Chain
}

func NewRegistry(chains ...Chain) *Registry {
	r := &Registry{chains: make(map[string]Chain, len(chains))}
	for _, c := range chains {
		r.Register(c)
	}
	return r
}

func uint64Ptr(v uint64) *uint64 { return &v }

// DefaultRegistry returns the chains the service supports out of the box.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Chain{
			Name:                  "ethereum",
			Family:                FamilyEVM,
			Network:               "mainnet",
			ChainID:               uint64Ptr(1),
			RequiredConfirmations: 12,
			Tokens: map[string]Token{
				"ETH":  {Symbol: "ETH", Decimals: 18},
				"USDC": {Symbol: "USDC", Decimals: 6, Contract: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"},
			},
		},
		Chain{
			Name:                  "sepolia",
			Family:                FamilyEVM,
			Network:               "testnet",
			ChainID:               uint64Ptr(11155111),
			RequiredConfirmations: 3,
			Tokens: map[string]Token{
				"ETH": {Symbol: "ETH", Decimals: 18},
			},
		},
		Chain{
			Name:                  "bitcoin",
			Family:                FamilyUTXO,
			Network:               "mainnet",
			RequiredConfirmations: 3,
			Tokens: map[string]Token{
				"BTC": {Symbol: "BTC", Decimals: 8},
			},
		},
		Chain{
			Name:                  "bitcoin-testnet",
			Family:                FamilyUTXO,
			Network:               "testnet",
			RequiredConfirmations: 1,
			Tokens: map[string]Token{
				"BTC": {Symbol: "BTC", Decimals: 8},
			},
		},
	)
}

// Register adds or replaces a chain. Token symbols are stored upper-cased.
func (r *Registry) Register(c Chain) {
	tokens := make(map[string]Token, len(c.Tokens))
	for sym, t := range c.Tokens {
		tokens[strings.ToUpper(sym)] = t
	}
	c.Tokens = tokens

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[c.Name] = c
}

func (r *Registry) Lookup(name string) (Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[name]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %q", ErrChainNotSupported, name)
	}
	return c, nil
}

// List returns registered chains sorted by name.
func (r *Registry) List() []Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateSpec checks that spec names a registered chain and token and that
// its network and chain id agree with the registry.
func (r *Registry) ValidateSpec(spec Spec) (Chain, error) {
	c, err := r.Lookup(spec.Chain)
	if err != nil {
		return Chain{}, err
	}
	if spec.Network != "" && spec.Network != c.Network {
		return Chain{}, fmt.Errorf("%w: %s is on %s, not %s", ErrInvalidChain, c.Name, c.Network, spec.Network)
	}
	switch {
	case c.ChainID == nil && spec.ChainID != nil:
		return Chain{}, fmt.Errorf("%w: %s has no numeric chain id", ErrInvalidChain, c.Name)
	case c.ChainID != nil && spec.ChainID != nil && *spec.ChainID != *c.ChainID:
		return Chain{}, fmt.Errorf("%w: chain id %d does not match %s", ErrInvalidChain, *spec.ChainID, c.Name)
	}
	if _, ok := c.Token(spec.Token); !ok {
		return Chain{}, fmt.Errorf("%w: %q on %s", ErrInvalidToken, spec.Token, c.Name)
	}
	return c, nil
}

// Canonical fills the network and chain id from the registry and upper-cases
// the token symbol. The spec must already be valid.
func (r *Registry) Canonical(spec Spec) (Spec, error) {
	c, err := r.ValidateSpec(spec)
	if err != nil {
		return Spec{}, err
	}
	spec.Network = c.Network
	spec.Token = strings.ToUpper(spec.Token)
	if c.ChainID != nil {
		spec.ChainID = uint64Ptr(*c.ChainID)
	}
	return spec, nil
}

// ValidateAddress checks that addr is well formed for the named chain.
func (r *Registry) ValidateAddress(chain, addr string) error {
	_, err := r.NormalizeAddress(chain, addr)
	return err
}

// NormalizeAddress returns the canonical comparison form of addr.
func (r *Registry) NormalizeAddress(chain, addr string) (string, error) {
	c, err := r.Lookup(chain)
	if err != nil {
		return "", err
	}
	return c.NormalizeAddress(addr)
}

// RequiredConfirmations returns the confirmation depth configured for chain.
func (r *Registry) RequiredConfirmations(chain string) (uint64, error) {
	c, err := r.Lookup(chain)
	if err != nil {
		return 0, err
	}
	return c.RequiredConfirmations, nil
}
