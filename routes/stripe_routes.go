package routes

import (
	"net/http"

	"github.com/rainference/gateway/handlers"
	middleware "github.com/rainference/gateway/middlewares"
	"github.com/rainference/gateway/store"
)

// The webhook stays off this list: it is signature-authenticated and is
// registered directly in main, outside the session middleware.
func RegisterStripeRoutes(mux *http.ServeMux, sh *handlers.StripeHandler, creds *store.Credentials) {
	authMw := &middleware.SessionAuth{Creds: creds}

	mux.Handle("POST /api/stripe/create-checkout-session", authMw.Middleware(http.HandlerFunc(sh.CreateCheckoutSession)))
}
