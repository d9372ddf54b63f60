// Package ledger applies payment confirmations to account balances and
// records per-request usage.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rainference/gateway/store"
)

// Outcome is the closed set of payment-application results.
type Outcome int

const (
	Applied Outcome = iota
	AlreadyApplied
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already_applied"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Markers outlive the payment provider's retry burst but not much more.
const eventClaimTTL = 10 * time.Minute

// EventClaimer is the slice of the credential store the reconciler needs.
type EventClaimer interface {
	ClaimPaymentEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	SetCachedBalance(ctx context.Context, apiToken, balance string) error
}

// ReconcilerLedger is the slice of the account ledger the reconciler needs.
type ReconcilerLedger interface {
	CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, string, error)
	EnqueueCacheRepair(ctx context.Context, userID, apiToken, balance string) error
	PendingCacheRepairs(ctx context.Context, limit int) ([]store.CacheRepair, error)
	DeleteCacheRepair(ctx context.Context, id int64) error
}

type Reconciler struct {
	creds  EventClaimer
	ledger ReconcilerLedger
}

func NewReconciler(creds EventClaimer, ledger ReconcilerLedger) *Reconciler {
	return &Reconciler{creds: creds, ledger: ledger}
}

// ApplyPayment credits amount to the account exactly once per event id.
// Redelivery of a claimed event returns AlreadyApplied without touching any
// balance. A failure after the claim is set cannot be retried by redelivery,
// so it is logged loudly and, for cache propagation, parked in the repair
// outbox for RunCacheRepair to converge.
func (r *Reconciler) ApplyPayment(ctx context.Context, eventID, userID string, amount decimal.Decimal) (Outcome, error) {
	if amount.IsNegative() {
		return Failed, fmt.Errorf("negative payment amount %s for event %s", amount, eventID)
	}

	won, err := r.creds.ClaimPaymentEvent(ctx, eventID, eventClaimTTL)
	if err != nil {
		return Failed, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if !won {
		return AlreadyApplied, nil
	}

	newBalance, apiToken, err := r.ledger.CreditBalance(ctx, userID, amount)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("ERROR: payment event %s claimed but account %s not found; manual reconciliation required", eventID, userID)
		return Failed, err
	}
	if err != nil {
		log.Printf("ERROR: payment event %s claimed but credit failed for account %s; manual reconciliation required: %v", eventID, userID, err)
		return Failed, err
	}

	balanceStr := newBalance.StringFixed(2)
	if err := r.creds.SetCachedBalance(ctx, apiToken, balanceStr); err != nil {
		log.Printf("ERROR: balance cache update failed for account %s after event %s; queueing repair: %v", userID, eventID, err)
		if qErr := r.ledger.EnqueueCacheRepair(ctx, userID, apiToken, balanceStr); qErr != nil {
			log.Printf("ERROR: could not queue cache repair for account %s: %v", userID, qErr)
		}
	}

	return Applied, nil
}

// RunCacheRepair retries failed cache propagations until ctx is cancelled.
// Each converged row is removed from the outbox.
func (r *Reconciler) RunCacheRepair(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.repairOnce(ctx)
		}
	}
}

func (r *Reconciler) repairOnce(ctx context.Context) {
	repairs, err := r.ledger.PendingCacheRepairs(ctx, 50)
	if err != nil {
		log.Printf("ERROR: listing cache repairs: %v", err)
		return
	}

	for _, repair := range repairs {
		if err := r.creds.SetCachedBalance(ctx, repair.APIToken, repair.Balance); err != nil {
			log.Printf("WARN: cache repair for account %s still failing: %v", repair.UserID, err)
			continue
		}
		if err := r.ledger.DeleteCacheRepair(ctx, repair.ID); err != nil {
			log.Printf("ERROR: removing converged cache repair %d: %v", repair.ID, err)
		}
	}
}
