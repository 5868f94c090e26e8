package verify

import "github.com/leafsii/leafsii-intents/internal/chains"

// Query asks a chain data provider for the facts of one transaction.
// Recipient and Token select which transfers count toward the observed amount.
type Query struct {
	Chain          chains.Chain
	Token          chains.Token
	ProofReference string
	Recipient      string
}
