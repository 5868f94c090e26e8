// Package signer derives per-intent deposit keys from a single seed and
// signs release messages with them. Child keys are a pure function of the
// seed and the derivation path, so nothing but the seed needs to be stored.
package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/chains"
)

const (
	pathPrefix  = "m/intents"
	minSeedSize = 32
)

var (
	ErrSeedTooShort = errors.New("signer seed must be at least 32 bytes")
	ErrInvalidPath  = errors.New("invalid derivation path")
	ErrInvalidHash  = errors.New("message hash must be 32 bytes")
)

// Signer implements deterministic child-key derivation over a seed.
type Signer struct {
	seed     []byte
	registry *chains.Registry
	logger   *zap.SugaredLogger
}

// New returns a Signer for seed. A hex string (optionally 0x-prefixed) is
// decoded; anything else is used as raw bytes.
func New(seed string, registry *chains.Registry, logger *zap.SugaredLogger) (*Signer, error) {
	raw := []byte(seed)
	if b, err := hex.DecodeString(strings.TrimPrefix(seed, "0x")); err == nil {
		raw = b
	}
	if len(raw) < minSeedSize {
		return nil, ErrSeedTooShort
	}
	if registry == nil {
		return nil, errors.New("chain registry is required")
	}
	return &Signer{seed: raw, registry: registry, logger: logger}, nil
}

// DerivationPath is m/intents/<chain>/<intentID>/<user>.
func (s *Signer) DerivationPath(chain string, intentID uint64, user string) string {
	return fmt.Sprintf("%s/%s/%d/%s", pathPrefix, chain, intentID, user)
}

// childKey derives the private key for path. Candidates that fall outside
// the curve order are skipped by bumping a counter into the HMAC input.
func (s *Signer) childKey(path string) (*secp256k1.PrivateKey, error) {
	if !strings.HasPrefix(path, pathPrefix+"/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	var ctr [4]byte
	for i := uint32(0); i < 16; i++ {
		binary.BigEndian.PutUint32(ctr[:], i)
		mac := hmac.New(sha512.New, s.seed)
		mac.Write([]byte(path))
		mac.Write(ctr[:])
		sum := mac.Sum(nil)

		var scalar secp256k1.ModNScalar
		if overflow := scalar.SetByteSlice(sum[:32]); overflow || scalar.IsZero() {
			continue
		}
		return secp256k1.NewPrivateKey(&scalar), nil
	}
	return nil, fmt.Errorf("%w: no valid key for %q", ErrInvalidPath, path)
}

// DeriveAddress returns the deposit address for (chain, intentID, user) in
// the chain's native encoding: a checksummed hex address for EVM chains, a
// P2WPKH bech32 address for UTXO chains.
func (s *Signer) DeriveAddress(ctx context.Context, chain string, intentID uint64, user string) (string, error) {
	c, err := s.registry.Lookup(chain)
	if err != nil {
		return "", err
	}
	key, err := s.childKey(s.DerivationPath(chain, intentID, user))
	if err != nil {
		return "", err
	}
	pub := key.PubKey()

	switch c.Family {
	case chains.FamilyEVM:
		return evmAddress(pub).Hex(), nil

	case chains.FamilyUTXO:
		params, err := chains.NetParams(c.Network)
		if err != nil {
			return "", err
		}
		addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
		if err != nil {
			return "", fmt.Errorf("encode p2wpkh address: %w", err)
		}
		return addr.EncodeAddress(), nil

	default:
		return "", fmt.Errorf("%w: unknown family %q", chains.ErrInvalidChain, c.Family)
	}
}

// evmAddress is the last 20 bytes of keccak256 over the uncompressed key
// without its 0x04 prefix.
func evmAddress(pub *secp256k1.PublicKey) common.Address {
	return common.BytesToAddress(crypto.Keccak256(pub.SerializeUncompressed()[1:])[12:])
}

// Sign returns a 65-byte compact recoverable signature over messageHash with
// the key at path.
func (s *Signer) Sign(ctx context.Context, messageHash []byte, path string) ([]byte, error) {
	if len(messageHash) != 32 {
		return nil, ErrInvalidHash
	}
	key, err := s.childKey(path)
	if err != nil {
		return nil, err
	}
	sig := ecdsa.SignCompact(key, messageHash, true)
	s.logger.Debugw("Signed release message", "path", path)
	return sig, nil
}

// PublicKey returns the compressed public key at path.
func (s *Signer) PublicKey(path string) ([]byte, error) {
	key, err := s.childKey(path)
	if err != nil {
		return nil, err
	}
	return key.PubKey().SerializeCompressed(), nil
}
