package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/chaindata"
	"github.com/leafsii/leafsii-intents/internal/chains"
	"github.com/leafsii/leafsii-intents/internal/intent"
	"github.com/leafsii/leafsii-intents/internal/verify"
)

const (
	maxBodyBytes     = 1 << 20
	maxSnapshotBytes = 64 << 20

	defaultListLimit = 100
	maxListLimit     = 500

	readinessTimeout = 3 * time.Second
)

// IntentService is the orchestrator surface served over HTTP.
type IntentService interface {
	CreateIntent(ctx context.Context, req intent.CreateRequest) (*intent.Intent, error)
	SubmitQuote(ctx context.Context, id uint64, req intent.QuoteRequest) (*intent.Intent, error)
	ConfirmQuote(ctx context.Context, id uint64, quoteIndex int, caller string) (*intent.Intent, error)
	MarkDeposited(ctx context.Context, id uint64, proofRef, caller string) (*intent.Intent, verify.Verdict, error)
	FulfillIntent(ctx context.Context, id uint64, proofRef, caller string) (*intent.Intent, verify.Verdict, error)
	CancelIntent(ctx context.Context, id uint64, caller string) (*intent.Intent, error)
	ExpireIntent(ctx context.Context, id uint64) (*intent.Intent, error)
	RetrySettlement(ctx context.Context, id uint64) (*intent.Intent, error)

	GetIntent(ctx context.Context, id uint64) (*intent.Intent, error)
	GetIntentsByUser(ctx context.Context, user string) ([]*intent.Intent, error)
	ListIntents(ctx context.Context, filter intent.ListFilter) ([]*intent.Intent, error)
	GetEscrowBalance(account, token string) decimal.Decimal
	EscrowTotals() map[string]decimal.Decimal
	VerifyInvariants(ctx context.Context) error

	ExportSnapshot(ctx context.Context) (*intent.Snapshot, error)
	ImportSnapshot(ctx context.Context, snap *intent.Snapshot) error

	Policy() intent.Policy
	Registry() *chains.Registry
}

// WebSocketHandler upgrades event stream connections.
type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// ChainHealth reports per-chain provider health for readiness.
type ChainHealth interface {
	Health() map[string]chaindata.Health
}

// ReadinessCheck fails when a dependency cannot serve requests.
type ReadinessCheck func(ctx context.Context) error

type Handler struct {
	svc         IntentService
	wsHub       WebSocketHandler
	chainHealth ChainHealth
	checks      map[string]ReadinessCheck
	admins      map[string]struct{}
	logger      *zap.SugaredLogger
}

func NewHandler(svc IntentService, wsHub WebSocketHandler, chainHealth ChainHealth, logger *zap.SugaredLogger) *Handler {
	admins := make(map[string]struct{})
	for _, a := range svc.Policy().Admins {
		admins[a] = struct{}{}
	}
	return &Handler{
		svc:         svc,
		wsHub:       wsHub,
		chainHealth: chainHealth,
		checks:      make(map[string]ReadinessCheck),
		admins:      admins,
		logger:      logger,
	}
}

// AddReadinessCheck registers a named check run by /readyz. Call it before
// serving.
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// Intent lifecycle endpoints

func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req CreateIntentRequest
	if !h.decode(w, r, &req, maxBodyBytes) {
		return
	}

	user, ok := h.actingAs(w, r, req.User)
	if !ok {
		return
	}
	sourceAmount, err := parseAmount("sourceAmount", req.SourceAmount, true)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	expected, err := parseAmount("expectedOutput", req.ExpectedOutput, false)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	minOutput, err := parseAmount("minOutput", req.MinOutput, expected.IsZero())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	in, err := h.svc.CreateIntent(r.Context(), intent.CreateRequest{
		User:          user,
		Source:        req.Source,
		Destination:   req.Destination,
		SourceAmount:  sourceAmount,
		MinOutput:     minOutput,
		DestRecipient: req.DestRecipient,
		Deadline:      req.Deadline,

		ExpectedOutput: expected,
		SlippageBps:    req.SlippageBps,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (h *Handler) SubmitQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}
	var req SubmitQuoteRequest
	if !h.decode(w, r, &req, maxBodyBytes) {
		return
	}
	solver, ok := h.actingAs(w, r, req.Solver)
	if !ok {
		return
	}

	var (
		quote intent.QuoteRequest
		err   error
	)
	quote.Solver = solver
	quote.Expiry = req.Expiry
	quote.SolverDestAddress = req.SolverDestAddress
	if quote.OutputAmount, err = parseAmount("outputAmount", req.OutputAmount, true); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if quote.Fee, err = parseAmount("fee", req.Fee, false); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if quote.SolverTip, err = parseAmount("solverTip", req.SolverTip, false); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	in, err := h.svc.SubmitQuote(r.Context(), id, quote)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handler) ConfirmQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	var req ConfirmQuoteRequest
	if !h.decode(w, r, &req, maxBodyBytes) {
		return
	}
	if req.QuoteIndex == nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "quoteIndex is required")
		return
	}

	in, err := h.svc.ConfirmQuote(r.Context(), id, *req.QuoteIndex, caller)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handler) MarkDeposited(w http.ResponseWriter, r *http.Request) {
	h.verifiedTransition(w, r, h.svc.MarkDeposited)
}

func (h *Handler) FulfillIntent(w http.ResponseWriter, r *http.Request) {
	h.verifiedTransition(w, r, h.svc.FulfillIntent)
}

type verifiedOp func(ctx context.Context, id uint64, proofRef, caller string) (*intent.Intent, verify.Verdict, error)

// verifiedTransition serves the operations that consult chain data. A pending
// verdict is not an error for the client: it answers 202 with the verdict so
// the caller can retry later.
func (h *Handler) verifiedTransition(w http.ResponseWriter, r *http.Request, op verifiedOp) {
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	var req ProofRequest
	if !h.decode(w, r, &req, maxBodyBytes) {
		return
	}

	in, verdict, err := op(r.Context(), id, req.ProofReference, caller)
	switch intent.KindOf(err) {
	case "":
		writeJSON(w, http.StatusOK, VerdictResponse{Intent: in, Verdict: verdict})
	case intent.KindPending:
		h.logger.Debugw("Verification pending", "intentId", id, "proofRef", req.ProofReference,
			"confirmations", verdict.Confirmations, "required", verdict.Required)
		writeJSON(w, http.StatusAccepted, VerdictResponse{Intent: in, Verdict: verdict})
	case intent.KindVerification:
		status, code, msg := mapError(err)
		h.logger.Warnw("Verification failed", "intentId", id, "proofRef", req.ProofReference, "reason", verdict.Reason)
		writeJSON(w, status, ErrorResponse{Code: code, Message: msg, Details: verdict.Reason})
	default:
		h.writeServiceError(w, r, err)
	}
}

func (h *Handler) CancelIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	in, err := h.svc.CancelIntent(r.Context(), id, caller)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// ExpireIntent is permissionless; the service refuses intents whose deadline
// has not passed.
func (h *Handler) ExpireIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}
	in, err := h.svc.ExpireIntent(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handler) RetrySettlement(w http.ResponseWriter, r *http.Request) {
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}
	in, err := h.svc.RetrySettlement(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// Queries

func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}
	in, err := h.svc.GetIntent(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handler) GetIntentsByUser(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(chi.URLParam(r, "user"))
	if user == "" {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "user is required")
		return
	}
	list, err := h.svc.GetIntentsByUser(r.Context(), user)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IntentListResponse{Intents: nonNil(list), Count: len(list)})
}

func (h *Handler) ListIntents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	list, err := h.svc.ListIntents(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IntentListResponse{Intents: nonNil(list), Count: len(list)})
}

func parseListFilter(r *http.Request) (intent.ListFilter, error) {
	q := r.URL.Query()
	filter := intent.ListFilter{
		User:  strings.TrimSpace(q.Get("user")),
		Limit: defaultListLimit,
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, err := intent.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				return filter, err
			}
			filter.Statuses = append(filter.Statuses, s)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("limit must be a positive integer")
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}

// GetEscrowBalance answers ?account=&token=chain:SYMBOL.
func (h *Handler) GetEscrowBalance(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if account == "" || token == "" {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "account and token are required")
		return
	}
	writeJSON(w, http.StatusOK, EscrowBalanceResponse{
		Account: account,
		Token:   token,
		Locked:  h.svc.GetEscrowBalance(account, token).String(),
	})
}

func (h *Handler) ListChains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ChainListResponse{Chains: h.svc.Registry().List()})
}

// Admin endpoints

// RequireAdmin admits only callers configured as admins.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := h.requireCaller(w, r)
		if !ok {
			return
		}
		if _, admin := h.admins[caller]; !admin {
			h.writeError(w, r, http.StatusForbidden, "UNAUTHORIZED", msgUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ExportSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.ExportSnapshot(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) ImportSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap intent.Snapshot
	if !h.decode(w, r, &snap, maxSnapshotBytes) {
		return
	}
	if err := h.svc.ImportSnapshot(r.Context(), &snap); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Infow("Snapshot imported",
		"caller", r.Header.Get(HeaderCaller),
		"intents", len(snap.Intents),
		"nextIntentId", snap.NextIntentID,
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) VerifyInvariants(w http.ResponseWriter, r *http.Request) {
	totals := make(map[string]string)
	for token, total := range h.svc.EscrowTotals() {
		totals[token] = total.String()
	}
	if err := h.svc.VerifyInvariants(r.Context()); err != nil {
		h.logger.Errorw("Escrow invariant check failed", "error", err)
		writeJSON(w, http.StatusConflict, InvariantsResponse{OK: false, Totals: totals, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, InvariantsResponse{OK: true, Totals: totals})
}

// Health endpoints

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readyz runs every registered check. Unhealthy chain data providers degrade
// readiness without failing it: the intent store can still serve reads.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	resp := ReadinessResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warnw("Readiness check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	if h.chainHealth != nil {
		resp.ChainData = h.chainHealth.Health()
		for _, ph := range resp.ChainData {
			if !ph.Healthy && status == http.StatusOK {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, status, resp)
}

// WebSocket endpoint
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHub == nil {
		h.writeError(w, r, http.StatusNotFound, "NOT_FOUND", "event stream disabled")
		return
	}
	h.wsHub.HandleWebSocket(w, r)
}

// Utility methods

func (h *Handler) intentID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_ID", "intent id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := strings.TrimSpace(r.Header.Get(HeaderCaller))
	if caller == "" {
		h.writeError(w, r, http.StatusUnauthorized, "MISSING_CALLER", HeaderCaller+" header is required")
		return "", false
	}
	return caller, true
}

// actingAs resolves the account a request acts for. The caller header wins;
// a body field naming a different account is refused.
func (h *Handler) actingAs(w http.ResponseWriter, r *http.Request, claimed string) (string, bool) {
	caller := strings.TrimSpace(r.Header.Get(HeaderCaller))
	claimed = strings.TrimSpace(claimed)
	switch {
	case caller == "" && claimed == "":
		h.writeError(w, r, http.StatusUnauthorized, "MISSING_CALLER", HeaderCaller+" header is required")
		return "", false
	case caller == "":
		return claimed, true
	case claimed != "" && claimed != caller:
		h.writeError(w, r, http.StatusForbidden, "UNAUTHORIZED", msgUnauthorized)
		return "", false
	default:
		return caller, true
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, limit int64) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func parseAmount(field, raw string, required bool) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return decimal.Zero, fmt.Errorf("%w: %s is required", intent.ErrInvalidAmount, field)
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s must be a decimal number", intent.ErrInvalidAmount, field)
	}
	return d, nil
}

func nonNil(list []*intent.Intent) []*intent.Intent {
	if list == nil {
		return []*intent.Intent{}
	}
	return list
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("Intent operation failed",
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"kind", intent.KindOf(err),
			"error", err,
		)
	} else {
		h.logger.Debugw("Intent operation rejected",
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"kind", intent.KindOf(err),
			"error", err,
		)
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.logger.Debugw("API error",
		"request_id", middleware.GetReqID(r.Context()),
		"code", code,
		"message", message,
		"status", status,
	)
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
