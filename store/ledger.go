package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rainference/gateway/models"
)

// ErrNotFound reports that a conditional read or update matched no account
// row. Callers branch on it with errors.Is, never on message text.
var ErrNotFound = errors.New("account not found")

// Ledger adapts the transactional account store. Multi-statement sequences
// run inside one transaction with explicit commit or rollback.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Account(ctx context.Context, userID string) (*models.Account, error) {
	var acc models.Account
	var fname, lname sql.NullString

	err := l.db.QueryRowContext(ctx, `
		SELECT user_id, user_name, llm_api_token, bearer_token, fname, lname, email, balance::text
		FROM users
		WHERE user_id = $1
	`, userID).Scan(&acc.UserID, &acc.UserName, &acc.APIToken, &acc.SessionToken,
		&fname, &lname, &acc.Email, &acc.Balance)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}

	acc.FirstName = fname.String
	acc.LastName = lname.String
	return &acc, nil
}

func (l *Ledger) AccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var acc models.Account

	err := l.db.QueryRowContext(ctx, `
		SELECT user_id, llm_api_token, bearer_token
		FROM users
		WHERE email = $1
	`, email).Scan(&acc.UserID, &acc.APIToken, &acc.SessionToken)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch account by email: %w", err)
	}
	acc.Email = email
	return &acc, nil
}

func (l *Ledger) CreateAccount(ctx context.Context, in models.NewAccountInput) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO users (user_id, user_name, llm_api_token, bearer_token, fname, lname, email, balance)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8::numeric)
	`, in.UserID, in.UserName, in.APIToken, in.SessionToken,
		in.FirstName, in.LastName, in.Email, in.Balance)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// TokenAndBalance reads the current API token and balance in one round trip.
func (l *Ledger) TokenAndBalance(ctx context.Context, userID string) (string, string, error) {
	var token, balance string
	err := l.db.QueryRowContext(ctx, `
		SELECT llm_api_token, balance::text
		FROM users
		WHERE user_id = $1
	`, userID).Scan(&token, &balance)

	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("fetch token and balance: %w", err)
	}
	return token, balance, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (string, error) {
	var balance string
	err := l.db.QueryRowContext(ctx, `
		SELECT balance::text FROM users WHERE user_id = $1
	`, userID).Scan(&balance)

	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fetch balance: %w", err)
	}
	return balance, nil
}

// SwapAPIToken replaces the account's API token, conditional on the token it
// read still being current. The update must affect exactly one row or the
// whole transaction rolls back; a concurrent rotation that already moved the
// token makes this one lose cleanly.
func (l *Ledger) SwapAPIToken(ctx context.Context, userID, oldToken, newToken string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin token swap: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET llm_api_token = $1 WHERE user_id = $2 AND llm_api_token = $3
	`, newToken, userID, oldToken)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("swap api token: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("swap api token: %w", err)
	}
	if rows != 1 {
		_ = tx.Rollback()
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit token swap: %w", err)
	}
	return nil
}

// CreditBalance applies a non-negative credit in a single conditional update
// and returns the resulting balance together with the account's current API
// token, so the caller can refresh the cache record. Zero rows affected means
// the account does not exist and nothing is committed.
func (l *Ledger) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("begin credit: %w", err)
	}

	var newBalance, apiToken string
	err = tx.QueryRowContext(ctx, `
		UPDATE users
		SET balance = ROUND(balance + $1::numeric, 2)
		WHERE user_id = $2
		RETURNING balance::text, llm_api_token
	`, amount.StringFixed(2), userID).Scan(&newBalance, &apiToken)

	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		return decimal.Zero, "", ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return decimal.Zero, "", fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, "", fmt.Errorf("commit credit: %w", err)
	}

	balance, err := decimal.NewFromString(newBalance)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("parse committed balance: %w", err)
	}
	return balance, apiToken, nil
}

func (l *Ledger) InsertUsage(ctx context.Context, rec models.UsageRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_logs (user_id, model, prompt_tokens, completion_tokens, total_tokens, spending, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
	`, rec.UserID, rec.Model, rec.PromptTokens, rec.CompletionTokens,
		rec.TotalTokens, rec.Spending, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (l *Ledger) MonthlyUsageByModel(ctx context.Context, userID string) ([]models.ModelUsage, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT model, SUM(total_tokens) AS total_tokens, SUM(spending)::text AS total_spending
		FROM usage_logs
		WHERE user_id = $1
		  AND created_at >= NOW() - INTERVAL '1 month'
		GROUP BY model
		ORDER BY total_tokens DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("monthly usage: %w", err)
	}
	defer rows.Close()

	var usage []models.ModelUsage
	for rows.Next() {
		var mu models.ModelUsage
		if err := rows.Scan(&mu.Model, &mu.TotalTokens, &mu.TotalSpending); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		usage = append(usage, mu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monthly usage: %w", err)
	}
	return usage, nil
}

// CacheRepair is an outbox row recording a balance-cache write that failed
// after its ledger credit committed.
type CacheRepair struct {
	ID       int64
	UserID   string
	APIToken string
	Balance  string
}

func (l *Ledger) EnqueueCacheRepair(ctx context.Context, userID, apiToken, balance string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cache_repairs (user_id, llm_api_token, balance, created_at)
		VALUES ($1, $2, $3::numeric, $4)
	`, userID, apiToken, balance, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("enqueue cache repair: %w", err)
	}
	return nil
}

func (l *Ledger) PendingCacheRepairs(ctx context.Context, limit int) ([]CacheRepair, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, llm_api_token, balance::text
		FROM cache_repairs
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending cache repairs: %w", err)
	}
	defer rows.Close()

	var repairs []CacheRepair
	for rows.Next() {
		var r CacheRepair
		if err := rows.Scan(&r.ID, &r.UserID, &r.APIToken, &r.Balance); err != nil {
			return nil, fmt.Errorf("scan cache repair: %w", err)
		}
		repairs = append(repairs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending cache repairs: %w", err)
	}
	return repairs, nil
}

func (l *Ledger) DeleteCacheRepair(ctx context.Context, id int64) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM cache_repairs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete cache repair: %w", err)
	}
	return nil
}
