package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rainference/gateway/store"
	"github.com/rainference/gateway/utils"
)

var (
	// ErrInvalidSession: the session credential maps to no account.
	ErrInvalidSession = errors.New("invalid session credential")
	// ErrAccountNotFound: the ledger update matched no row, either because
	// the account is gone or a concurrent rotation already moved the token.
	ErrAccountNotFound = errors.New("account not found")
)

// CredentialSwapper is the slice of the credential store rotation needs.
type CredentialSwapper interface {
	AccountForSession(ctx context.Context, sessionToken string) (string, error)
	DeleteTokenRecord(ctx context.Context, apiToken string) error
	PutTokenRecord(ctx context.Context, apiToken, userID, balance string) error
}

// RotationLedger is the slice of the account ledger rotation needs.
type RotationLedger interface {
	TokenAndBalance(ctx context.Context, userID string) (string, string, error)
	SwapAPIToken(ctx context.Context, userID, oldToken, newToken string) error
}

type Rotator struct {
	// mu serializes rotations. The conditional ledger swap already picks a
	// single winner, but without serialization two back-to-back winners could
	// interleave their cache writes and resurrect a superseded token.
	mu     sync.Mutex
	creds  CredentialSwapper
	ledger RotationLedger
}

func NewRotator(creds CredentialSwapper, ledger RotationLedger) *Rotator {
	return &Rotator{creds: creds, ledger: ledger}
}

// Rotate issues a fresh API token for the session's account, invalidating the
// old one. The ledger commit happens before any cache mutation: a cache
// mapping for a token that could still roll back must never exist. The old
// mapping is deleted, not left to expire, since it grants standing access.
func (r *Rotator) Rotate(ctx context.Context, sessionCredential string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, err := r.creds.AccountForSession(ctx, sessionCredential)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	if userID == "" {
		return "", ErrInvalidSession
	}

	oldToken, balance, err := r.ledger.TokenAndBalance(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read current token: %w", err)
	}

	newToken, err := utils.GenerateKey(32)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	if err := r.ledger.SwapAPIToken(ctx, userID, oldToken, newToken); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("swap token: %w", err)
	}

	// Ledger committed; converge the cache. Delete first so old and new are
	// never both valid longer than necessary.
	if err := r.creds.DeleteTokenRecord(ctx, oldToken); err != nil {
		return "", fmt.Errorf("revoke old token: %w", err)
	}
	if err := r.creds.PutTokenRecord(ctx, newToken, userID, balance); err != nil {
		return "", fmt.Errorf("install new token: %w", err)
	}

	return newToken, nil
}
