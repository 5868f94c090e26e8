package chaindata

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/chains"
	"github.com/leafsii/leafsii-intents/internal/verify"
)

const esploraTimeout = 10 * time.Second

// EsploraProvider reads UTXO transactions from an Esplora REST API
// (blockstream.info, mempool.space or a self-hosted electrs).
type EsploraProvider struct {
	chain   string
	baseURL string
	client  *http.Client
	logger  *zap.SugaredLogger
	*healthTracker
}

func NewEsploraProvider(chain, baseURL string, client *http.Client, c clock.Clock, logger *zap.SugaredLogger) *EsploraProvider {
	if client == nil {
		client = &http.Client{Timeout: esploraTimeout}
	}
	return &EsploraProvider{
		chain:         chain,
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        client,
		logger:        logger,
		healthTracker: newHealthTracker(c),
	}
}

func (p *EsploraProvider) Name() string { return "esplora:" + p.chain }

type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"`
	} `json:"vout"`
}

func parseTxID(ref string) (string, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	b, err := hex.DecodeString(ref)
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("%w: %q is not a 32-byte txid", ErrInvalidProof, ref)
	}
	return ref, nil
}

// get returns the body of a 200 response, or found=false on 404.
func (p *EsploraProvider) get(ctx context.Context, path string) (body []byte, found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, false, verify.Transient(p.Name(), err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, false, verify.Transient(p.Name(), err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, true, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case verify.TransientHTTPStatus(resp.StatusCode):
		return nil, false, verify.Transient(p.Name(), fmt.Errorf("esplora API error: %d", resp.StatusCode))
	default:
		return nil, false, fmt.Errorf("esplora API error: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (p *EsploraProvider) FetchFacts(ctx context.Context, q verify.Query) (facts verify.ObservedFacts, err error) {
	defer func() { p.observe(err) }()

	txid, err := parseTxID(q.ProofReference)
	if err != nil {
		return verify.ObservedFacts{}, err
	}

	body, found, err := p.get(ctx, "/tx/"+txid)
	if err != nil {
		return verify.ObservedFacts{}, err
	}
	if !found {
		p.logger.Debugw("Transaction not found", "chain", p.chain, "proofRef", txid)
		return verify.ObservedFacts{}, nil
	}
	var tx esploraTx
	if err := json.Unmarshal(body, &tx); err != nil {
		return verify.ObservedFacts{}, fmt.Errorf("failed to decode transaction: %w", err)
	}

	// Bitcoin transactions that made it into the mempool cannot revert.
	facts = verify.ObservedFacts{TransactionFound: true, Succeeded: true}
	facts.Recipient, facts.ObservedAmount = outputsTo(tx, q.Chain, q.Recipient)

	if tx.Status.Confirmed {
		h := tx.Status.BlockHeight
		facts.TxReferenceHeight = &h
	}

	tip, err := p.tipHeight(ctx)
	if err != nil {
		return verify.ObservedFacts{}, err
	}
	facts.CurrentChainHeight = &tip
	return facts, nil
}

func (p *EsploraProvider) tipHeight(ctx context.Context) (uint64, error) {
	body, found, err := p.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, verify.Transient(p.Name(), fmt.Errorf("tip height not available"))
	}
	h, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse tip height: %w", err)
	}
	return h, nil
}

// outputsTo sums the outputs paying recipient, compared in the chain's
// canonical address form.
func outputsTo(tx esploraTx, chain chains.Chain, recipient string) (string, decimal.NullDecimal) {
	normalize := chain.Normalizer()
	want := normalize(recipient)

	var (
		first   string
		total   btcutil.Amount
		matched bool
	)
	for _, out := range tx.Vout {
		if out.ScriptPubKeyAddress == "" {
			continue
		}
		if first == "" {
			first = out.ScriptPubKeyAddress
		}
		if normalize(out.ScriptPubKeyAddress) == want {
			total += btcutil.Amount(out.Value)
			matched = true
		}
	}
	if !matched {
		return first, decimal.NullDecimal{}
	}
	return recipient, decimal.NewNullDecimal(decimal.NewFromInt(int64(total)))
}
