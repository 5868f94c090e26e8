package api

import (
	"time"

	"github.com/leafsii/leafsii-intents/internal/chaindata"
	"github.com/leafsii/leafsii-intents/internal/chains"
	"github.com/leafsii/leafsii-intents/internal/intent"
	"github.com/leafsii/leafsii-intents/internal/verify"
)

// HeaderCaller carries the account on whose behalf a request is made.
const HeaderCaller = "X-User-Address"

// Amounts are decimal strings in integral base units.
type CreateIntentRequest struct {
	User          string      `json:"user,omitempty"`
	Source        chains.Spec `json:"source"`
	Destination   chains.Spec `json:"destination"`
	SourceAmount  string      `json:"sourceAmount"`
	MinOutput     string      `json:"minOutput"`
	DestRecipient string      `json:"destRecipient"`
	Deadline      time.Time   `json:"deadline"`
	// ExpectedOutput with SlippageBps derives or bounds minOutput.
	ExpectedOutput string `json:"expectedOutput,omitempty"`
	SlippageBps    uint32 `json:"slippageBps,omitempty"`
}

type SubmitQuoteRequest struct {
	Solver            string    `json:"solver,omitempty"`
	OutputAmount      string    `json:"outputAmount"`
	Fee               string    `json:"fee"`
	SolverTip         string    `json:"solverTip"`
	Expiry            time.Time `json:"expiry"`
	SolverDestAddress string    `json:"solverDestAddress,omitempty"`
}

type ConfirmQuoteRequest struct {
	QuoteIndex *int `json:"quoteIndex"`
}

// ProofRequest names a transaction on the relevant chain: the deposit on the
// source chain, or the payout on the destination chain.
type ProofRequest struct {
	ProofReference string `json:"proofReference"`
}

type VerdictResponse struct {
	Intent  *intent.Intent `json:"intent,omitempty"`
	Verdict verify.Verdict `json:"verdict"`
}

type IntentListResponse struct {
	Intents []*intent.Intent `json:"intents"`
	Count   int              `json:"count"`
}

type EscrowBalanceResponse struct {
	Account string `json:"account"`
	Token   string `json:"token"`
	Locked  string `json:"locked"`
}

type ChainListResponse struct {
	Chains []chains.Chain `json:"chains"`
}

type InvariantsResponse struct {
	OK      bool              `json:"ok"`
	Totals  map[string]string `json:"totals"`
	Message string            `json:"message,omitempty"`
}

type ReadinessResponse struct {
	Status    string                      `json:"status"`
	Checks    map[string]string           `json:"checks"`
	ChainData map[string]chaindata.Health `json:"chainData,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
