package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/rainference/gateway/store"
	"github.com/rainference/gateway/utils"
)

type contextKey string

const UserIDContextKey contextKey = "userID"

// SessionAuth resolves "Authorization: Bearer <session token>" through the
// credential store and puts the account id on the request context. Session
// credentials authorize account management only; inference uses API tokens.
type SessionAuth struct {
	Creds *store.Credentials
}

func (s *SessionAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized: Authentication token required")
			return
		}
		sessionToken := strings.TrimPrefix(authHeader, "Bearer ")

		opCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		userID, err := s.Creds.AccountForSession(opCtx, sessionToken)
		if err != nil {
			log.Printf("ERROR: session lookup failed: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, "Something went wrong")
			return
		}
		if userID == "" {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized: Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
