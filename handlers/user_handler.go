package handlers

import (
	"context"
	"errors"
	"net/http"

	middleware "github.com/rainference/gateway/middlewares"
	"github.com/rainference/gateway/models"
	"github.com/rainference/gateway/store"
	"github.com/rainference/gateway/utils"
)

// AccountReader is the slice of the account ledger the account endpoints need.
type AccountReader interface {
	Account(ctx context.Context, userID string) (*models.Account, error)
	Balance(ctx context.Context, userID string) (string, error)
	MonthlyUsageByModel(ctx context.Context, userID string) ([]models.ModelUsage, error)
}

// BillingHistoryReader is the slice of the credential store billing needs.
type BillingHistoryReader interface {
	BillingHistory(ctx context.Context, userID string) ([]string, error)
}

type UserHandler struct {
	Ledger AccountReader
	Creds  BillingHistoryReader
}

func contextUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := r.Context().Value(middleware.UserIDContextKey).(string)
	if !ok || userID == "" {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized: User ID not provided")
		return "", false
	}
	return userID, true
}

func (h *UserHandler) GetUserInfo(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(w, r)
	if !ok {
		return
	}

	acc, err := h.Ledger.Account(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		utils.RespondInternal(w, err, "Unable to fetch user info")
		return
	}

	utils.RespondSuccess(w, http.StatusOK, acc)
}

func (h *UserHandler) GetAPIKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(w, r)
	if !ok {
		return
	}

	acc, err := h.Ledger.Account(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, "No API token found for the user")
		return
	}
	if err != nil {
		utils.RespondInternal(w, err, "Unable to fetch API keys")
		return
	}

	utils.RespondSuccess(w, http.StatusOK, models.APIKeyInfo{
		APIToken:  acc.APIToken,
		FirstName: acc.FirstName,
		UserName:  acc.UserName,
	})
}

func (h *UserHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(w, r)
	if !ok {
		return
	}

	balance, err := h.Ledger.Balance(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, "Balance not found for the user")
		return
	}
	if err != nil {
		utils.RespondInternal(w, err, "Unable to fetch balance")
		return
	}

	utils.RespondSuccess(w, http.StatusOK, map[string]string{
		"user_id": userID,
		"balance": balance,
	})
}

// GetUsageDashboard aggregates the last month's usage by model.
func (h *UserHandler) GetUsageDashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(w, r)
	if !ok {
		return
	}

	usage, err := h.Ledger.MonthlyUsageByModel(r.Context(), userID)
	if err != nil {
		utils.RespondInternal(w, err, "Unable to fetch usage data")
		return
	}
	if usage == nil {
		usage = []models.ModelUsage{}
	}

	utils.RespondSuccess(w, http.StatusOK, map[string]interface{}{"usage_data": usage})
}

func (h *UserHandler) GetBillingData(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(w, r)
	if !ok {
		return
	}

	balance, err := h.Ledger.Balance(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, "Balance not found for the user")
		return
	}
	if err != nil {
		utils.RespondInternal(w, err, "Unable to fetch billing data")
		return
	}

	history, err := h.Creds.BillingHistory(r.Context(), userID)
	if err != nil {
		utils.RespondInternal(w, err, "Unable to fetch billing data")
		return
	}
	if history == nil {
		history = []string{}
	}

	utils.RespondSuccess(w, http.StatusOK, map[string]interface{}{
		"balance":        balance,
		"billingHistory": history,
	})
}
