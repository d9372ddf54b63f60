package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rainference/gateway/models"
	"github.com/rainference/gateway/store"
	"github.com/rainference/gateway/tokens"
	"github.com/rainference/gateway/utils"
)

// Every new account starts with a small trial balance, in dollars.
const startingBalance = "1.00"

// Identity is what the identity provider tells us about a consumer.
type Identity struct {
	UserName string
	FullName string
	Email    string
}

// OAuthExchanger swaps an authorization code for a verified identity. The
// provider round trips themselves live behind this boundary.
type OAuthExchanger interface {
	Exchange(ctx context.Context, code string) (Identity, error)
}

type AuthHandler struct {
	Creds     *store.Credentials
	Ledger    *store.Ledger
	Exchanger OAuthExchanger
	Rotator   *tokens.Rotator
}

type gitHubAuthRequest struct {
	Code string `json:"code"`
}

type authResult struct {
	UserID       string `json:"user_id"`
	APIToken     string `json:"api_token"`
	SessionToken string `json:"bearer_token"`
}

// GitHubAuth exchanges an OAuth code, then returns the existing account for
// the verified email or provisions a new one. Codes are single-use: a SETNX
// claim with a short expiry rejects replays.
func (h *AuthHandler) GitHubAuth(w http.ResponseWriter, r *http.Request) {
	var req gitHubAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	fresh, err := h.Creds.ClaimOAuthCode(r.Context(), req.Code, 5*time.Minute)
	if err != nil {
		utils.RespondInternal(w, err, "Unable to process authentication")
		return
	}
	if !fresh {
		utils.RespondError(w, http.StatusBadRequest, "This OAuth code has already been used")
		return
	}

	identity, err := h.Exchanger.Exchange(r.Context(), req.Code)
	if err != nil {
		log.Printf("WARN: identity exchange failed: %v", err)
		utils.RespondError(w, http.StatusBadRequest, "Failed to verify identity")
		return
	}
	if identity.Email == "" || identity.UserName == "" {
		utils.RespondError(w, http.StatusBadRequest, "Identity provider returned incomplete profile")
		return
	}

	acc, err := h.Ledger.AccountByEmail(r.Context(), identity.Email)
	if err == nil {
		utils.RespondSuccess(w, http.StatusOK, authResult{
			UserID:       acc.UserID,
			APIToken:     acc.APIToken,
			SessionToken: acc.SessionToken,
		})
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		utils.RespondInternal(w, err, "Unable to look up account")
		return
	}

	result, err := h.provisionAccount(r, identity)
	if err != nil {
		utils.RespondInternal(w, err, "Unable to create account")
		return
	}
	utils.RespondSuccess(w, http.StatusOK, result)
}

// provisionAccount creates the ledger row first, then seeds the credential
// store so the new tokens resolve immediately.
func (h *AuthHandler) provisionAccount(r *http.Request, identity Identity) (authResult, error) {
	apiToken, err := utils.GenerateKey(32)
	if err != nil {
		return authResult{}, err
	}
	sessionToken, err := utils.GenerateKey(32)
	if err != nil {
		return authResult{}, err
	}

	fname, lname := splitName(identity.FullName)

	in := models.NewAccountInput{
		UserID:       uuid.NewString(),
		UserName:     identity.UserName,
		APIToken:     apiToken,
		SessionToken: sessionToken,
		FirstName:    fname,
		LastName:     lname,
		Email:        identity.Email,
		Balance:      startingBalance,
	}

	if err := h.Ledger.CreateAccount(r.Context(), in); err != nil {
		return authResult{}, err
	}

	if err := h.Creds.PutTokenRecord(r.Context(), apiToken, in.UserID, startingBalance); err != nil {
		return authResult{}, err
	}
	if err := h.Creds.PutSession(r.Context(), sessionToken, in.UserID); err != nil {
		return authResult{}, err
	}

	log.Printf("created account %s for %s", in.UserID, in.Email)
	return authResult{UserID: in.UserID, APIToken: apiToken, SessionToken: sessionToken}, nil
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], parts[len(parts)-1]
	}
}

// RegenerateToken rotates the caller's API token. The session credential
// comes straight from the Authorization header; rotation resolves it itself.
func (h *AuthHandler) RegenerateToken(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized: Authentication token required")
		return
	}
	sessionToken := strings.TrimPrefix(authHeader, "Bearer ")

	newToken, err := h.Rotator.Rotate(r.Context(), sessionToken)
	if errors.Is(err, tokens.ErrInvalidSession) {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized: Invalid or expired token")
		return
	}
	if errors.Is(err, tokens.ErrAccountNotFound) {
		utils.RespondError(w, http.StatusNotFound, "No API token found for the user")
		return
	}
	if err != nil {
		utils.RespondInternal(w, err, "Unable to regenerate API token")
		return
	}

	utils.RespondSuccess(w, http.StatusOK, map[string]string{"new_api_token": newToken})
}
