package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/rainference/gateway/ledger"
	"github.com/rainference/gateway/store"
	"github.com/rainference/gateway/utils"
)

type StripeHandler struct {
	Creds      *store.Credentials
	Reconciler *ledger.Reconciler
}

type checkoutRequest struct {
	Amount int64 `json:"amount"` // cents
}

// CreateCheckoutSession opens a one-time Stripe checkout for a balance
// top-up. The account id rides along in the session metadata so the webhook
// can attribute the payment.
func (s *StripeHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	stripe.Key = os.Getenv("STRIPE_KEY")
	productID := os.Getenv("STRIPE_PRODUCT_ID")
	frontendURL := os.Getenv("FRONTEND_URL")

	userID, ok := contextUserID(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Amount <= 0 {
		utils.RespondValidationError(w, "amount must be positive", []string{"amount"})
		return
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(frontendURL + "/dashboard/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(frontendURL + "/dashboard/cancel"),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String("usd"),
					Product:    stripe.String(productID),
					UnitAmount: stripe.Int64(req.Amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.AddMetadata("user_id", userID)

	result, err := session.New(params)
	if err != nil {
		utils.RespondInternal(w, err, "Unable to create checkout session")
		return
	}

	utils.RespondSuccess(w, http.StatusOK, map[string]string{"checkout_url": result.URL})
}

// HandleWebhook receives payment confirmations. No field is trusted until
// the signature verifies against the shared endpoint secret. Redelivered
// events are safe: application is idempotent per event id.
func (s *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	const maxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "Unable to read request body")
		return
	}

	endpointSecret := os.Getenv("STRIPE_ENDPOINT_SECRET")
	if endpointSecret == "" {
		utils.RespondError(w, http.StatusInternalServerError, "Webhook secret not configured")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), endpointSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		log.Printf("WARN: webhook signature rejected: %v", err)
		utils.RespondError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		s.handleCheckoutCompleted(w, r, event)
	default:
		utils.RespondSuccess(w, http.StatusOK, map[string]string{"message": "Event received but not handled"})
	}
}

func (s *StripeHandler) handleCheckoutCompleted(w http.ResponseWriter, r *http.Request, event stripe.Event) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	userID := sess.Metadata["user_id"]
	if userID == "" {
		utils.RespondError(w, http.StatusBadRequest, "Missing account metadata")
		return
	}

	// AmountTotal is in cents.
	amount := decimal.NewFromInt(sess.AmountTotal).Div(decimal.NewFromInt(100))

	outcome, err := s.Reconciler.ApplyPayment(r.Context(), event.ID, userID, amount)
	switch outcome {
	case ledger.Applied:
		entry, _ := json.Marshal(map[string]string{
			"amount":   amount.StringFixed(2),
			"event_id": event.ID,
			"at":       time.Now().UTC().Format(time.RFC3339),
		})
		if histErr := s.Creds.AppendBillingHistory(r.Context(), userID, string(entry)); histErr != nil {
			log.Printf("WARN: recording billing history for %s: %v", userID, histErr)
		}
		utils.RespondSuccess(w, http.StatusOK, map[string]string{
			"message": fmt.Sprintf("Payment of %s USD successful, balance updated", amount.StringFixed(2)),
		})
	case ledger.AlreadyApplied:
		utils.RespondSuccess(w, http.StatusOK, map[string]string{"message": "Event already processed"})
	default:
		if errors.Is(err, store.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "User not found")
			return
		}
		utils.RespondInternal(w, err, "Failed to apply payment")
	}
}
