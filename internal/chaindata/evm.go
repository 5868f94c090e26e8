package chaindata

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/verify"
)

// TransferTopic is the ERC-20 Transfer(address,address,uint256) event id.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// JSON-RPC error code some providers use for request limits.
const rpcLimitExceeded = -32005

// EVMClient is the subset of ethclient.Client the provider reads from.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVMProvider reads receipts from an EVM JSON-RPC node. Native transfers are
// measured from the transaction value, token transfers from the Transfer logs
// the token contract emitted to the recipient.
type EVMProvider struct {
	chain  string
	client EVMClient
	logger *zap.SugaredLogger
	*healthTracker
}

func NewEVMProvider(chain string, client EVMClient, c clock.Clock, logger *zap.SugaredLogger) *EVMProvider {
	return &EVMProvider{
		chain:         chain,
		client:        client,
		logger:        logger,
		healthTracker: newHealthTracker(c),
	}
}

// DialEVM connects to rpcURL and returns a provider for chain.
func DialEVM(ctx context.Context, chain, rpcURL string, c clock.Clock, logger *zap.SugaredLogger) (*EVMProvider, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url for %s is required", chain)
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", chain, err)
	}
	return NewEVMProvider(chain, cli, c, logger), nil
}

func (p *EVMProvider) Name() string { return "evm:" + p.chain }

func parseTxHash(ref string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(ref))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %q is not a 32-byte hex hash", ErrInvalidProof, ref)
	}
	return common.BytesToHash(b), nil
}

// classifyRPC marks transport failures, rate limits and 5xx responses as
// transient. JSON-RPC application errors are returned as they are.
func classifyRPC(op string, err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if verify.TransientHTTPStatus(httpErr.StatusCode) {
			return verify.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == rpcLimitExceeded {
			return verify.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return verify.Transient(op, err)
}

func (p *EVMProvider) FetchFacts(ctx context.Context, q verify.Query) (facts verify.ObservedFacts, err error) {
	defer func() { p.observe(err) }()

	hash, err := parseTxHash(q.ProofReference)
	if err != nil {
		return verify.ObservedFacts{}, err
	}

	receipt, err := p.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		p.logger.Debugw("Transaction receipt not found", "chain", p.chain, "proofRef", q.ProofReference)
		return verify.ObservedFacts{}, nil
	}
	if err != nil {
		return verify.ObservedFacts{}, classifyRPC(p.Name()+" receipt", err)
	}

	facts = verify.ObservedFacts{
		TransactionFound: true,
		Succeeded:        receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		h := receipt.BlockNumber.Uint64()
		facts.TxReferenceHeight = &h
	}

	if q.Token.Native() {
		tx, _, err := p.client.TransactionByHash(ctx, hash)
		if err != nil {
			return verify.ObservedFacts{}, classifyRPC(p.Name()+" transaction", err)
		}
		if tx.To() != nil {
			facts.Recipient = tx.To().Hex()
		}
		facts.ObservedAmount = decimal.NewNullDecimal(decimal.NewFromBigInt(tx.Value(), 0))
	} else {
		facts.Recipient, facts.ObservedAmount = tokenTransfers(receipt.Logs, q.Token.Contract, q.Recipient)
	}

	current, err := p.client.BlockNumber(ctx)
	if err != nil {
		return verify.ObservedFacts{}, classifyRPC(p.Name()+" block number", err)
	}
	facts.CurrentChainHeight = &current
	return facts, nil
}

// tokenTransfers sums the Transfer logs emitted by contract to recipient.
// When no log pays recipient, the first transfer's destination is reported
// so the verifier sees an address mismatch, and the amount stays unknown.
func tokenTransfers(logs []*types.Log, contract, recipient string) (string, decimal.NullDecimal) {
	token := common.HexToAddress(contract)
	var want common.Address
	wantValid := common.IsHexAddress(recipient)
	if wantValid {
		want = common.HexToAddress(recipient)
	}

	var (
		first   string
		total   = new(big.Int)
		matched bool
	)
	for _, l := range logs {
		if l == nil || l.Address != token || len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
			continue
		}
		to := common.BytesToAddress(l.Topics[2].Bytes())
		if first == "" {
			first = to.Hex()
		}
		if wantValid && to == want {
			total.Add(total, new(big.Int).SetBytes(l.Data))
			matched = true
		}
	}
	if !matched {
		return first, decimal.NullDecimal{}
	}
	return want.Hex(), decimal.NewNullDecimal(decimal.NewFromBigInt(total, 0))
}
