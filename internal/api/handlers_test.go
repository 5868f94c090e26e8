package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/chaindata"
	"github.com/leafsii/leafsii-intents/internal/chains"
	"github.com/leafsii/leafsii-intents/internal/intent"
	"github.com/leafsii/leafsii-intents/internal/verify"
)

// Mock intent service for testing
type MockIntentService struct {
	mock.Mock
	policy intent.Policy
}

func (m *MockIntentService) CreateIntent(ctx context.Context, req intent.CreateRequest) (*intent.Intent, error) {
	args := m.Called(ctx, req)
	in, _ := args.Get(0).(*intent.Intent)
	return in, args.Error(1)
}

func (m *MockIntentService) SubmitQuote(ctx context.Context, id uint64, req intent.QuoteRequest) (*intent.Intent, error) {
	args := m.Called(ctx, id, req)
	in, _ := args.Get(0).(*intent.Intent)
	return in, args.Error(1)
}

func (m *MockIntentService) ConfirmQuote(ctx context.Context, id uint64, quoteIndex int, caller string) (*intent.Intent, error) {
	args := m.Called(ctx, id, quoteIndex, caller)
	in, _ := args.Get(0).(*intent.Intent)
	return in, args.Error(1)
}

func (m *MockIntentService) MarkDeposited(ctx context.Context, id uint64, proofRef, caller string) (*intent.Intent, verify.Verdict, error) {
	args := m.Called(ctx, id, proofRef, caller)
	in, _ := args.Get(0).(*intent.Intent)
	return in, args.Get(1).(verify.Verdict), args.Error(2)
}

func (m *MockIntentService) FulfillIntent(ctx context.Context, id uint64, proofRef, caller string) (*intent.Intent, verify.Verdict, error) {
	args := m.Called(ctx, id, proofRef, caller)
	in, _ := args.Get(0).(*intent.Intent)
	return in, args.Get(1).(verify.Verdict), args.Error(2)
}

func (m *MockIntentService) CancelIntent(ctx context.Context, id uint64, caller string) (*intent.Intent, error) {
	args := m.Called(ctx, id, caller)
	in, _ := args.Get(0).(*intent.Intent)
	return in, args.Error(1)
}

func (m *MockIntentService) ExpireIntent(ctx context.Context, id uint64) (*intent.Intent, error) {
	args := m.Called(ctx, id)
	in, _ := args.Get(0).(*intent.Intent)
	return in, args.Error(1)
}

func (m *MockIntentService) RetrySettlement(ctx context.Context, id uint64) (*intent.Intent, error) {
	args := m.Called(ctx, id)
	in, _ := args.Get(0).(*intent.Intent)
	return in, args.Error(1)
}

func (m *MockIntentService) GetIntent(ctx context.Context, id uint64) (*intent.Intent, error) {
	args := m.Called(ctx, id)
	in, _ := args.Get(0).(*intent.Intent)
	return in, args.Error(1)
}

func (m *MockIntentService) GetIntentsByUser(ctx context.Context, user string) ([]*intent.Intent, error) {
	args := m.Called(ctx, user)
	list, _ := args.Get(0).([]*intent.Intent)
	return list, args.Error(1)
}

func (m *MockIntentService) ListIntents(ctx context.Context, filter intent.ListFilter) ([]*intent.Intent, error) {
	args := m.Called(ctx, filter)
	list, _ := args.Get(0).([]*intent.Intent)
	return list, args.Error(1)
}

func (m *MockIntentService) GetEscrowBalance(account, token string) decimal.Decimal {
	return m.Called(account, token).Get(0).(decimal.Decimal)
}

func (m *MockIntentService) EscrowTotals() map[string]decimal.Decimal {
	totals, _ := m.Called().Get(0).(map[string]decimal.Decimal)
	return totals
}

func (m *MockIntentService) VerifyInvariants(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockIntentService) ExportSnapshot(ctx context.Context) (*intent.Snapshot, error) {
	args := m.Called(ctx)
	snap, _ := args.Get(0).(*intent.Snapshot)
	return snap, args.Error(1)
}

func (m *MockIntentService) ImportSnapshot(ctx context.Context, snap *intent.Snapshot) error {
	return m.Called(ctx, snap).Error(0)
}

func (m *MockIntentService) Policy() intent.Policy { return m.policy }

func (m *MockIntentService) Registry() *chains.Registry { return chains.DefaultRegistry() }

var _ IntentService = (*MockIntentService)(nil)

type stubChainHealth map[string]chaindata.Health

func (s stubChainHealth) Health() map[string]chaindata.Health { return s }

func createTestRouter(t *testing.T) (http.Handler, *MockIntentService) {
	t.Helper()
	svc := &MockIntentService{policy: intent.Policy{Admins: []string{"root"}}}
	logger := zap.NewNop().Sugar()
	handler := NewHandler(svc, nil, nil, logger)
	router := handler.Routes(NewMiddleware(logger, nil), []string{"*"}, 0)
	t.Cleanup(func() { svc.AssertExpectations(t) })
	return router, svc
}

func doRequest(t *testing.T, router http.Handler, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(HeaderCaller, caller)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateIntentDecodesAmounts(t *testing.T) {
	router, svc := createTestRouter(t)
	deadline := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)

	svc.On("CreateIntent", mock.Anything, mock.MatchedBy(func(req intent.CreateRequest) bool {
		return req.User == "alice" &&
			req.SourceAmount.Equal(decimal.NewFromInt(1000)) &&
			req.MinOutput.Equal(decimal.NewFromInt(900)) &&
			req.Deadline.Equal(deadline)
	})).Return(&intent.Intent{ID: 1, User: "alice", Status: intent.StatusPendingQuote}, nil).Once()

	rec := doRequest(t, router, http.MethodPost, "/v1/intents", "alice", CreateIntentRequest{
		Source:        chains.Spec{Chain: "ethereum", Token: "ETH"},
		Destination:   chains.Spec{Chain: "bitcoin", Token: "BTC"},
		SourceAmount:  "1000",
		MinOutput:     "900",
		DestRecipient: "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		Deadline:      deadline,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var in intent.Intent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &in))
	assert.Equal(t, uint64(1), in.ID)
	assert.Equal(t, intent.StatusPendingQuote, in.Status)
}

func TestCreateIntentWithSlippage(t *testing.T) {
	router, svc := createTestRouter(t)
	deadline := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)

	svc.On("CreateIntent", mock.Anything, mock.MatchedBy(func(req intent.CreateRequest) bool {
		return req.MinOutput.IsZero() &&
			req.ExpectedOutput.Equal(decimal.NewFromInt(1000)) &&
			req.SlippageBps == 50
	})).Return(&intent.Intent{ID: 1, User: "alice", Status: intent.StatusPendingQuote, MinOutput: decimal.NewFromInt(995)}, nil).Once()

	rec := doRequest(t, router, http.MethodPost, "/v1/intents", "alice", CreateIntentRequest{
		Source:         chains.Spec{Chain: "ethereum", Token: "ETH"},
		Destination:    chains.Spec{Chain: "bitcoin", Token: "BTC"},
		SourceAmount:   "1000",
		ExpectedOutput: "1000",
		SlippageBps:    50,
		DestRecipient:  "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		Deadline:       deadline,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var in intent.Intent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &in))
	assert.True(t, in.MinOutput.Equal(decimal.NewFromInt(995)))
}

func TestCreateIntentRequestErrors(t *testing.T) {
	router, _ := createTestRouter(t)

	testCases := []struct {
		name       string
		caller     string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "no identity",
			body:       CreateIntentRequest{SourceAmount: "1", MinOutput: "1"},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "MISSING_CALLER",
		},
		{
			name:       "body names another user",
			caller:     "alice",
			body:       CreateIntentRequest{User: "bob", SourceAmount: "1", MinOutput: "1"},
			wantStatus: http.StatusForbidden,
			wantCode:   "UNAUTHORIZED",
		},
		{
			name:       "malformed amount",
			caller:     "alice",
			body:       CreateIntentRequest{SourceAmount: "lots", MinOutput: "1"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "missing amount",
			caller:     "alice",
			body:       CreateIntentRequest{MinOutput: "1"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "unknown field",
			caller:     "alice",
			body:       map[string]string{"sourceAmt": "1"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/v1/intents", tc.caller, tc.body)
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestServiceErrorMapping(t *testing.T) {
	testCases := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{"not found", fmt.Errorf("get: %w", intent.ErrNotFound), http.StatusNotFound, "NOT_FOUND", ""},
		{"invalid status", intent.ErrInvalidStatus, http.StatusConflict, "INVALID_STATE", ""},
		{"expired", intent.ErrExpired, http.StatusConflict, "INVALID_STATE", ""},
		{"validation", intent.ErrInvalidQuote, http.StatusBadRequest, "VALIDATION_ERROR", ""},
		{"solver not allowed", intent.ErrSolverNotAllowed, http.StatusForbidden, "UNAUTHORIZED", msgUnauthorized},
		{"unauthorized", intent.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED", msgUnauthorized},
		{"chain data", intent.ErrChainData, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", ""},
		{"halted", intent.ErrIntentHalted, http.StatusInternalServerError, "INTENT_HALTED", ""},
		{"signer", intent.ErrDerivationFailed, http.StatusInternalServerError, "SIGNER_ERROR", msgInternal},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR", msgInternal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			router, svc := createTestRouter(t)
			svc.On("CancelIntent", mock.Anything, uint64(7), "alice").Return(nil, tc.err).Once()

			rec := doRequest(t, router, http.MethodPost, "/v1/intents/7/cancel", "alice", nil)
			assert.Equal(t, tc.wantStatus, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tc.wantCode, resp.Code)
			if tc.wantMessage != "" {
				assert.Equal(t, tc.wantMessage, resp.Message)
			}
		})
	}
}

func TestAuthorizationMessageDoesNotLeakAllowlist(t *testing.T) {
	router, svc := createTestRouter(t)
	svc.On("SubmitQuote", mock.Anything, uint64(3), mock.Anything).
		Return(nil, fmt.Errorf("%w: allowlist is [solver-a solver-b]", intent.ErrSolverNotAllowed)).Once()

	rec := doRequest(t, router, http.MethodPost, "/v1/intents/3/quotes", "mallory", SubmitQuoteRequest{
		OutputAmount: "990",
		Expiry:       time.Now().Add(time.Minute),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "solver-a")
}

func TestMarkDepositedVerdicts(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		router, svc := createTestRouter(t)
		svc.On("MarkDeposited", mock.Anything, uint64(2), "0xabc", "alice").
			Return(&intent.Intent{ID: 2, Status: intent.StatusDeposited},
				verify.Verdict{Outcome: verify.OutcomeSuccess, Confirmations: 12}, nil).Once()

		rec := doRequest(t, router, http.MethodPost, "/v1/intents/2/deposit", "alice", ProofRequest{ProofReference: "0xabc"})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp VerdictResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, intent.StatusDeposited, resp.Intent.Status)
		assert.Equal(t, verify.OutcomeSuccess, resp.Verdict.Outcome)
		assert.Contains(t, rec.Body.String(), `"outcome":"success"`)
	})

	t.Run("pending", func(t *testing.T) {
		router, svc := createTestRouter(t)
		svc.On("MarkDeposited", mock.Anything, uint64(2), "0xabc", "alice").
			Return(&intent.Intent{ID: 2, Status: intent.StatusConfirmed},
				verify.Verdict{Outcome: verify.OutcomePending, Confirmations: 4, Required: 12},
				intent.ErrVerificationPending).Once()

		rec := doRequest(t, router, http.MethodPost, "/v1/intents/2/deposit", "alice", ProofRequest{ProofReference: "0xabc"})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp VerdictResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, verify.OutcomePending, resp.Verdict.Outcome)
		assert.Equal(t, uint64(4), resp.Verdict.Confirmations)
		assert.Equal(t, intent.StatusConfirmed, resp.Intent.Status)
	})

	t.Run("failed", func(t *testing.T) {
		router, svc := createTestRouter(t)
		svc.On("FulfillIntent", mock.Anything, uint64(2), "0xdef", "solver").
			Return(nil, verify.Verdict{Outcome: verify.OutcomeFailed, Reason: verify.ReasonInsufficientAmount},
				intent.ErrVerificationFailed).Once()

		rec := doRequest(t, router, http.MethodPost, "/v1/intents/2/fulfill", "solver", ProofRequest{ProofReference: "0xdef"})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, "VERIFICATION_FAILED", resp.Code)
		assert.Equal(t, verify.ReasonInsufficientAmount, resp.Details)
	})
}

func TestConfirmQuoteRequiresIndex(t *testing.T) {
	router, svc := createTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/v1/intents/4/confirm", "alice", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.On("ConfirmQuote", mock.Anything, uint64(4), 0, "alice").
		Return(&intent.Intent{ID: 4, Status: intent.StatusConfirmed}, nil).Once()
	zero := 0
	rec = doRequest(t, router, http.MethodPost, "/v1/intents/4/confirm", "alice", ConfirmQuoteRequest{QuoteIndex: &zero})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvalidIntentID(t *testing.T) {
	router, _ := createTestRouter(t)
	for _, path := range []string{"/v1/intents/abc", "/v1/intents/0", "/v1/intents/-1"} {
		rec := doRequest(t, router, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "INVALID_ID", decodeError(t, rec).Code)
	}
}

func TestListIntentsFilter(t *testing.T) {
	router, svc := createTestRouter(t)
	svc.On("ListIntents", mock.Anything, intent.ListFilter{
		User:     "alice",
		Statuses: []intent.Status{intent.StatusQuoted, intent.StatusDeposited},
		Limit:    maxListLimit,
		Offset:   10,
	}).Return([]*intent.Intent(nil), nil).Once()

	rec := doRequest(t, router, http.MethodGet, "/v1/intents?user=alice&status=quoted,deposited&limit=9999&offset=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"intents":[],"count":0}`, rec.Body.String())

	rec = doRequest(t, router, http.MethodGet, "/v1/intents?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEscrowBalance(t *testing.T) {
	router, svc := createTestRouter(t)
	svc.On("GetEscrowBalance", "alice", "ethereum:ETH").Return(decimal.NewFromInt(1000)).Once()

	rec := doRequest(t, router, http.MethodGet, "/v1/escrow?account=alice&token=ethereum:ETH", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"account":"alice","token":"ethereum:ETH","locked":"1000"}`, rec.Body.String())

	rec = doRequest(t, router, http.MethodGet, "/v1/escrow?account=alice", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	router, svc := createTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/v1/admin/snapshot", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/v1/admin/snapshot", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	svc.On("ExportSnapshot", mock.Anything).Return(&intent.Snapshot{Version: intent.SnapshotVersion, NextIntentID: 1}, nil).Once()
	rec = doRequest(t, router, http.MethodGet, "/v1/admin/snapshot", "root", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"next_intent_id":1`)

	svc.On("ImportSnapshot", mock.Anything, mock.Anything).Return(fmt.Errorf("%w: 2", intent.ErrSnapshotVersion)).Once()
	rec = doRequest(t, router, http.MethodPost, "/v1/admin/snapshot", "root", intent.Snapshot{Version: 2, NextIntentID: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.On("EscrowTotals").Return(map[string]decimal.Decimal{"ethereum:ETH": decimal.NewFromInt(5)}).Once()
	svc.On("VerifyInvariants", mock.Anything).Return(nil).Once()
	rec = doRequest(t, router, http.MethodGet, "/v1/admin/invariants", "root", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"totals":{"ethereum:ETH":"5"}}`, rec.Body.String())
}

func TestReadiness(t *testing.T) {
	svc := &MockIntentService{}
	logger := zap.NewNop().Sugar()

	t.Run("degraded chain data stays ready", func(t *testing.T) {
		handler := NewHandler(svc, nil, stubChainHealth{
			"ethereum": {Healthy: true},
			"bitcoin":  {Healthy: false, LastError: "timeout"},
		}, logger)
		handler.AddReadinessCheck("store", func(context.Context) error { return nil })
		router := handler.Routes(NewMiddleware(logger, nil), nil, 0)

		rec := doRequest(t, router, http.MethodGet, "/readyz", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp ReadinessResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "ok", resp.Checks["store"])
		assert.False(t, resp.ChainData["bitcoin"].Healthy)
	})

	t.Run("failed check", func(t *testing.T) {
		handler := NewHandler(svc, nil, nil, logger)
		handler.AddReadinessCheck("redis", func(context.Context) error { return errors.New("connection refused") })
		router := handler.Routes(NewMiddleware(logger, nil), nil, 0)

		rec := doRequest(t, router, http.MethodGet, "/readyz", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "connection refused")
	})

	t.Run("liveness", func(t *testing.T) {
		router := NewHandler(svc, nil, nil, logger).Routes(NewMiddleware(logger, nil), nil, 0)
		rec := doRequest(t, router, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
	})
}

func TestRateLimit(t *testing.T) {
	router, svc := createTestRouter(t)
	logger := zap.NewNop().Sugar()
	limited := NewHandler(svc, nil, nil, logger).Routes(NewMiddleware(logger, nil), nil, 6)

	rec := doRequest(t, limited, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, limited, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The unlimited router is unaffected.
	rec = doRequest(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
