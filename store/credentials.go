package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key scheme. API tokens map to a hash carrying the account id and the
// cached balance; session tokens map straight to the account id.
const (
	apiTokenKeyPrefix     = "llm_api_token:"
	sessionKeyPrefix      = "bearer_token:"
	oauthCodeKeyPrefix    = "oauth_code:"
	paymentEventKeyPrefix = "payment_event:"
	billingHistoryPrefix  = "billing_history:"
)

// TokenRecord is the denormalized hot-path record keyed by API token.
type TokenRecord struct {
	UserID  string
	Balance string
}

// Credentials adapts the Redis credential store. All methods take the caller's
// context; Redis is the only suspension point.
type Credentials struct {
	rdb *redis.Client
}

func NewCredentials(rdb *redis.Client) *Credentials {
	return &Credentials{rdb: rdb}
}

// TokenRecord returns the cached balance record for an API token. A missing
// token yields a record with an empty UserID, not an error.
func (c *Credentials) TokenRecord(ctx context.Context, apiToken string) (TokenRecord, error) {
	fields, err := c.rdb.HGetAll(ctx, apiTokenKeyPrefix+apiToken).Result()
	if err != nil {
		return TokenRecord{}, fmt.Errorf("credential lookup: %w", err)
	}
	return TokenRecord{
		UserID:  fields["user_id"],
		Balance: fields["balance"],
	}, nil
}

func (c *Credentials) PutTokenRecord(ctx context.Context, apiToken, userID, balance string) error {
	err := c.rdb.HSet(ctx, apiTokenKeyPrefix+apiToken, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	}).Err()
	if err != nil {
		return fmt.Errorf("store token record: %w", err)
	}
	return nil
}

func (c *Credentials) DeleteTokenRecord(ctx context.Context, apiToken string) error {
	if err := c.rdb.Del(ctx, apiTokenKeyPrefix+apiToken).Err(); err != nil {
		return fmt.Errorf("delete token record: %w", err)
	}
	return nil
}

// SetCachedBalance updates only the balance field of an existing token record.
func (c *Credentials) SetCachedBalance(ctx context.Context, apiToken, balance string) error {
	if err := c.rdb.HSet(ctx, apiTokenKeyPrefix+apiToken, "balance", balance).Err(); err != nil {
		return fmt.Errorf("update cached balance: %w", err)
	}
	return nil
}

// AccountForSession resolves a session token to an account id. Returns an
// empty string when the session is unknown or expired.
func (c *Credentials) AccountForSession(ctx context.Context, sessionToken string) (string, error) {
	userID, err := c.rdb.Get(ctx, sessionKeyPrefix+sessionToken).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	return userID, nil
}

func (c *Credentials) PutSession(ctx context.Context, sessionToken, userID string) error {
	if err := c.rdb.Set(ctx, sessionKeyPrefix+sessionToken, userID, 0).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// ClaimPaymentEvent atomically claims a payment event id. Returns true when
// this call won the claim, false when the marker already existed.
func (c *Credentials) ClaimPaymentEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, paymentEventKeyPrefix+eventID, "applied", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim payment event: %w", err)
	}
	return ok, nil
}

// ClaimOAuthCode marks an identity-provider code as used. Same single-use
// semantics as payment events.
func (c *Credentials) ClaimOAuthCode(ctx context.Context, code string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, oauthCodeKeyPrefix+code, "used", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim oauth code: %w", err)
	}
	return ok, nil
}

func (c *Credentials) BillingHistory(ctx context.Context, userID string) ([]string, error) {
	history, err := c.rdb.LRange(ctx, billingHistoryPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("billing history: %w", err)
	}
	return history, nil
}

func (c *Credentials) AppendBillingHistory(ctx context.Context, userID, entry string) error {
	if err := c.rdb.LPush(ctx, billingHistoryPrefix+userID, entry).Err(); err != nil {
		return fmt.Errorf("append billing history: %w", err)
	}
	return nil
}
