package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	middleware "github.com/rainference/gateway/middlewares"
	"github.com/rainference/gateway/models"
	"github.com/rainference/gateway/store"
)

type fakeAccountReader struct {
	accounts map[string]*models.Account
	balances map[string]string
	usage    map[string][]models.ModelUsage
}

func (f *fakeAccountReader) Account(_ context.Context, userID string) (*models.Account, error) {
	acc, ok := f.accounts[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return acc, nil
}

func (f *fakeAccountReader) Balance(_ context.Context, userID string) (string, error) {
	balance, ok := f.balances[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return balance, nil
}

func (f *fakeAccountReader) MonthlyUsageByModel(_ context.Context, userID string) ([]models.ModelUsage, error) {
	return f.usage[userID], nil
}

type fakeHistoryReader struct {
	history map[string][]string
}

func (f *fakeHistoryReader) BillingHistory(_ context.Context, userID string) ([]string, error) {
	return f.history[userID], nil
}

func authedRequest(target, userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return req.WithContext(context.WithValue(req.Context(), middleware.UserIDContextKey, userID))
}

// Spending totals stay formatted decimal strings all the way to the wire,
// never floats.
func TestGetUsageDashboard(t *testing.T) {
	h := &UserHandler{
		Ledger: &fakeAccountReader{usage: map[string][]models.ModelUsage{
			"user-1": {
				{Model: "m1", TotalTokens: 1200, TotalSpending: "0.123456"},
				{Model: "m2", TotalTokens: 300, TotalSpending: "0.030000"},
			},
		}},
		Creds: &fakeHistoryReader{},
	}

	rr := httptest.NewRecorder()
	h.GetUsageDashboard(rr, authedRequest("/api/users/usage", "user-1"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"total_spending":"0.123456"`)
	assert.Contains(t, rr.Body.String(), `"total_tokens":1200`)
}

func TestGetUsageDashboardEmpty(t *testing.T) {
	h := &UserHandler{Ledger: &fakeAccountReader{}, Creds: &fakeHistoryReader{}}

	rr := httptest.NewRecorder()
	h.GetUsageDashboard(rr, authedRequest("/api/users/usage", "user-1"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"usage_data":[]`)
}

func TestGetBalanceNotFound(t *testing.T) {
	h := &UserHandler{Ledger: &fakeAccountReader{}, Creds: &fakeHistoryReader{}}

	rr := httptest.NewRecorder()
	h.GetBalance(rr, authedRequest("/api/users/balance", "ghost"))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetBillingData(t *testing.T) {
	h := &UserHandler{
		Ledger: &fakeAccountReader{balances: map[string]string{"user-1": "12.50"}},
		Creds: &fakeHistoryReader{history: map[string][]string{
			"user-1": {`{"amount":"5.00"}`},
		}},
	}

	rr := httptest.NewRecorder()
	h.GetBillingData(rr, authedRequest("/api/billing", "user-1"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"balance":"12.50"`)
	assert.Contains(t, rr.Body.String(), `"amount":\"5.00\"`)
}

func TestMissingContextUserID(t *testing.T) {
	h := &UserHandler{Ledger: &fakeAccountReader{}, Creds: &fakeHistoryReader{}}

	rr := httptest.NewRecorder()
	h.GetUserInfo(rr, httptest.NewRequest(http.MethodGet, "/api/users/info", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
