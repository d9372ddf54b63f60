package routes

import (
	"net/http"

	"github.com/rainference/gateway/handlers"
	middleware "github.com/rainference/gateway/middlewares"
	"github.com/rainference/gateway/store"
)

func RegisterUserRoutes(mux *http.ServeMux, uh *handlers.UserHandler, ah *handlers.AuthHandler, creds *store.Credentials) {
	authMw := &middleware.SessionAuth{Creds: creds}

	mux.Handle("GET /api/users/info", authMw.Middleware(http.HandlerFunc(uh.GetUserInfo)))
	mux.Handle("GET /api/users/api-keys", authMw.Middleware(http.HandlerFunc(uh.GetAPIKeys)))
	mux.Handle("GET /api/users/balance", authMw.Middleware(http.HandlerFunc(uh.GetBalance)))
	mux.Handle("GET /api/users/usage", authMw.Middleware(http.HandlerFunc(uh.GetUsageDashboard)))
	mux.Handle("GET /api/billing", authMw.Middleware(http.HandlerFunc(uh.GetBillingData)))

	// Rotation authenticates the session itself, so no middleware here.
	mux.HandleFunc("POST /api/users/regenerate-token", ah.RegenerateToken)
	mux.HandleFunc("POST /api/auth/github", ah.GitHubAuth)
}
