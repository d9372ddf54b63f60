// Package tokens decides whether a presented credential may spend, and
// handles the API-token lifecycle.
package tokens

import (
	"context"
	"log"

	"github.com/shopspring/decimal"

	"github.com/rainference/gateway/store"
)

// Decision is the closed set of admission outcomes. Callers switch on it;
// none of the variants carries balance information.
type Decision int

const (
	Admitted Decision = iota
	// DeniedMissing: the credential is absent or maps to no account.
	DeniedMissing
	// DeniedBalance: the credential is valid but the cached balance does not
	// cover the minimum spend.
	DeniedBalance
	// DeniedStore: the credential store failed; admission fails closed.
	DeniedStore
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case DeniedMissing:
		return "denied_missing"
	case DeniedBalance:
		return "denied_balance"
	case DeniedStore:
		return "denied_store"
	}
	return "unknown"
}

// Balances ≤ this threshold are treated as empty. Comparing decimals keeps
// float rounding noise out of the admission decision.
var admitThreshold = decimal.RequireFromString("0.0001")

// BalanceReader is the slice of the credential store the validator needs.
type BalanceReader interface {
	TokenRecord(ctx context.Context, apiToken string) (store.TokenRecord, error)
}

type Validator struct {
	creds BalanceReader
}

func NewValidator(creds BalanceReader) *Validator {
	return &Validator{creds: creds}
}

// Admit resolves an API token to an account id when the cached balance
// strictly exceeds the threshold. Read-only; every failure path denies.
// Store errors are logged here and never surfaced to the caller.
func (v *Validator) Admit(ctx context.Context, credential string) (string, Decision) {
	if credential == "" {
		return "", DeniedMissing
	}

	rec, err := v.creds.TokenRecord(ctx, credential)
	if err != nil {
		log.Printf("ERROR: admission check failed, denying: %v", err)
		return "", DeniedStore
	}

	if rec.UserID == "" {
		return "", DeniedMissing
	}

	if rec.Balance == "" {
		return "", DeniedBalance
	}

	balance, err := decimal.NewFromString(rec.Balance)
	if err != nil {
		log.Printf("WARN: unparsable cached balance for account %s, denying", rec.UserID)
		return "", DeniedBalance
	}

	if balance.LessThanOrEqual(admitThreshold) {
		return "", DeniedBalance
	}

	return rec.UserID, Admitted
}
