package intent_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/chains"
	"github.com/leafsii/leafsii-intents/internal/escrow"
	"github.com/leafsii/leafsii-intents/internal/intent"
	"github.com/leafsii/leafsii-intents/internal/store"
	"github.com/leafsii/leafsii-intents/internal/verify"
)

var startTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	alice  = "alice"
	bob    = "bob"
	solver = "solver-1"

	btcRecipient = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	ethRecipient = "0x52908400098527886E0F7030069857D2E4169EE7"
	ethDeposit   = "0x00000000000000000000000000000000000000A1"
	btcDeposit   = "bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3"
)

type mockSigner struct{ mock.Mock }

func (m *mockSigner) DeriveAddress(ctx context.Context, chain string, intentID uint64, user string) (string, error) {
	args := m.Called(ctx, chain, intentID, user)
	return args.String(0), args.Error(1)
}

func (m *mockSigner) DerivationPath(chain string, intentID uint64, user string) string {
	return fmt.Sprintf("m/intents/%s/%d/%s", chain, intentID, user)
}

func (m *mockSigner) Sign(ctx context.Context, hash []byte, path string) ([]byte, error) {
	args := m.Called(ctx, hash, path)
	sig, _ := args.Get(0).([]byte)
	return sig, args.Error(1)
}

type mockChainData struct{ mock.Mock }

func (m *mockChainData) FetchFacts(ctx context.Context, q verify.Query) (verify.ObservedFacts, error) {
	args := m.Called(ctx, q.Chain.Name, q.ProofReference)
	facts, _ := args.Get(0).(verify.ObservedFacts)
	return facts, args.Error(1)
}

type mockLedger struct{ mock.Mock }

func (m *mockLedger) Transfer(ctx context.Context, from, to, token string, amount decimal.Decimal, reference string) (intent.TransferReceipt, error) {
	args := m.Called(ctx, from, to, token, amount.String(), reference)
	receipt, _ := args.Get(0).(intent.TransferReceipt)
	return receipt, args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []intent.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev intent.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []intent.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]intent.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	svc       *intent.Service
	repo      *store.MemoryRepository
	signer    *mockSigner
	chainData *mockChainData
	ledger    *mockLedger
	escrow    *escrow.Ledger
	events    *recordingPublisher
	clock     *clock.TestClock
}

func newHarness(t *testing.T, opts ...intent.Option) *harness {
	t.Helper()
	h := &harness{
		repo:      store.NewMemoryRepository(),
		signer:    &mockSigner{},
		chainData: &mockChainData{},
		ledger:    &mockLedger{},
		escrow:    escrow.NewLedger(),
		events:    &recordingPublisher{},
		clock:     clock.NewTestClock(startTime),
	}
	base := []intent.Option{
		intent.WithClock(h.clock),
		intent.WithPublisher(h.events),
		intent.WithEscrowLedger(h.escrow),
	}
	svc, err := intent.NewService(intent.Deps{
		Repo:      h.repo,
		Registry:  chains.DefaultRegistry(),
		Signer:    h.signer,
		ChainData: h.chainData,
		Ledger:    h.ledger,
	}, zap.NewNop().Sugar(), append(base, opts...)...)
	require.NoError(t, err)
	h.svc = svc

	t.Cleanup(func() {
		h.signer.AssertExpectations(t)
		h.chainData.AssertExpectations(t)
		h.ledger.AssertExpectations(t)
	})
	return h
}

func ethToBTC() intent.CreateRequest {
	return intent.CreateRequest{
		User:          alice,
		Source:        chains.Spec{Chain: "ethereum", Token: "ETH"},
		Destination:   chains.Spec{Chain: "bitcoin", Token: "BTC"},
		SourceAmount:  decimal.NewFromInt(1000),
		MinOutput:     decimal.NewFromInt(900),
		DestRecipient: btcRecipient,
		Deadline:      startTime.Add(time.Hour),
	}
}

func btcToETH() intent.CreateRequest {
	return intent.CreateRequest{
		User:          alice,
		Source:        chains.Spec{Chain: "bitcoin", Token: "BTC"},
		Destination:   chains.Spec{Chain: "ethereum", Token: "ETH"},
		SourceAmount:  decimal.NewFromInt(50_000),
		MinOutput:     decimal.NewFromInt(900),
		DestRecipient: ethRecipient,
		Deadline:      startTime.Add(time.Hour),
	}
}

func defaultQuote() intent.QuoteRequest {
	return intent.QuoteRequest{
		Solver:       solver,
		OutputAmount: decimal.NewFromInt(990),
		Fee:          decimal.NewFromInt(5),
		SolverTip:    decimal.NewFromInt(1),
		Expiry:       startTime.Add(30 * time.Minute),
	}
}

func heights(tx, current uint64) (*uint64, *uint64) {
	return &tx, &current
}

func confirmedFacts(recipient string, amount int64, confirmations uint64) verify.ObservedFacts {
	tx, cur := heights(100, 100+confirmations-1)
	return verify.ObservedFacts{
		TransactionFound:   true,
		Succeeded:          true,
		Recipient:          recipient,
		ObservedAmount:     decimal.NewNullDecimal(decimal.NewFromInt(amount)),
		TxReferenceHeight:  tx,
		CurrentChainHeight: cur,
	}
}

// createQuoted creates an intent and submits the default quote.
func (h *harness) createQuoted(t *testing.T, req intent.CreateRequest) *intent.Intent {
	t.Helper()
	ctx := context.Background()
	in, err := h.svc.CreateIntent(ctx, req)
	require.NoError(t, err)
	in, err = h.svc.SubmitQuote(ctx, in.ID, defaultQuote())
	require.NoError(t, err)
	return in
}

// confirmed drives an ETH->BTC intent to Confirmed.
func (h *harness) confirmed(t *testing.T) *intent.Intent {
	t.Helper()
	in := h.createQuoted(t, ethToBTC())
	h.signer.On("DeriveAddress", mock.Anything, "ethereum", in.ID, alice).Return(ethDeposit, nil).Once()
	in, err := h.svc.ConfirmQuote(context.Background(), in.ID, 0, alice)
	require.NoError(t, err)
	return in
}

// deposited drives an ETH->BTC intent to Deposited.
func (h *harness) deposited(t *testing.T) *intent.Intent {
	t.Helper()
	in := h.confirmed(t)
	h.chainData.On("FetchFacts", mock.Anything, "ethereum", "0xdeposit").
		Return(confirmedFacts(ethDeposit, 1000, 12), nil).Once()
	in, _, err := h.svc.MarkDeposited(context.Background(), in.ID, "0xdeposit", alice)
	require.NoError(t, err)
	return in
}
