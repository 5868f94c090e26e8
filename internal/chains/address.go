package chains

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

// NetParams maps a UTXO network name to its btcd parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("%w: unknown utxo network %q", ErrInvalidChain, network)
	}
}

// NormalizeAddress validates addr for the chain's family and returns its
// canonical form. EVM addresses become lower-case 0x-prefixed hex. UTXO
// addresses are re-encoded, which lower-cases bech32 and leaves base58 as is.
func (c Chain) NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	switch c.Family {
	case FamilyEVM:
		if !common.IsHexAddress(addr) {
			return "", fmt.Errorf("%w: %q is not a hex address", ErrInvalidAddress, addr)
		}
		return strings.ToLower(common.HexToAddress(addr).Hex()), nil

	case FamilyUTXO:
		params, err := NetParams(c.Network)
		if err != nil {
			return "", err
		}
		decoded, err := btcutil.DecodeAddress(addr, params)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		if !decoded.IsForNet(params) {
			return "", fmt.Errorf("%w: %q is not a %s address", ErrInvalidAddress, addr, c.Network)
		}
		return decoded.EncodeAddress(), nil

	default:
		return "", fmt.Errorf("%w: unknown family %q", ErrInvalidChain, c.Family)
	}
}

// Normalizer returns a comparison function for the verification engine.
// Addresses that fail to parse compare by their trimmed raw form.
func (c Chain) Normalizer() func(string) string {
	return func(addr string) string {
		n, err := c.NormalizeAddress(addr)
		if err != nil {
			return strings.TrimSpace(addr)
		}
		return n
	}
}
