package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/rainference/gateway/database"
	"github.com/rainference/gateway/handlers"
	"github.com/rainference/gateway/ledger"
	middleware "github.com/rainference/gateway/middlewares"
	"github.com/rainference/gateway/proxy"
	"github.com/rainference/gateway/registry"
	"github.com/rainference/gateway/routes"
	"github.com/rainference/gateway/store"
	"github.com/rainference/gateway/tokens"
	"github.com/rainference/gateway/utils"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	db, err := database.ConnectDB()
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("Error closing database connection: %v", closeErr)
		}
	}()

	redisClient, err := database.NewRedisClient()
	if err != nil {
		log.Fatalf("Redis setup failed: %v", err)
	}

	backendURL := os.Getenv("KUBE_SERVER_URL")
	if backendURL == "" {
		log.Fatal("KUBE_SERVER_URL is required")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	usageRate := decimal.RequireFromString("0.0005")
	if rate := os.Getenv("USAGE_RATE_PER_1K_TOKENS"); rate != "" {
		parsed, err := decimal.NewFromString(rate)
		if err != nil {
			log.Fatalf("Invalid USAGE_RATE_PER_1K_TOKENS: %v", err)
		}
		usageRate = parsed
	}

	creds := store.NewCredentials(redisClient)
	accountLedger := store.NewLedger(db)

	validator := tokens.NewValidator(creds)
	rotator := tokens.NewRotator(creds, accountLedger)
	proxyClient := proxy.NewClient(backendURL)
	connRegistry := registry.NewRegistry()

	recorder := ledger.NewRecorder(accountLedger, usageRate, 256)
	recorder.Start()
	defer recorder.Close()

	reconciler := ledger.NewReconciler(creds, accountLedger)

	repairCtx, stopRepair := context.WithCancel(context.Background())
	defer stopRepair()
	go reconciler.RunCacheRepair(repairCtx, time.Minute)

	inferenceHandler := &handlers.InferenceHandler{
		Validator: validator,
		Proxy:     proxyClient,
		Recorder:  recorder,
	}
	wsHandler := &handlers.WSHandler{
		Validator: validator,
		Proxy:     proxyClient,
		Registry:  connRegistry,
		Recorder:  recorder,
	}
	userHandler := &handlers.UserHandler{
		Ledger: accountLedger,
		Creds:  creds,
	}
	authHandler := &handlers.AuthHandler{
		Creds:     creds,
		Ledger:    accountLedger,
		Exchanger: handlers.NewGitHubExchanger(os.Getenv("GITHUB_CLIENT_ID"), os.Getenv("GITHUB_CLIENT_SECRET")),
		Rotator:   rotator,
	}
	stripeHandler := &handlers.StripeHandler{
		Creds:      creds,
		Reconciler: reconciler,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook", stripeHandler.HandleWebhook)
	routes.RegisterInferenceRoutes(mux, inferenceHandler, wsHandler)
	routes.RegisterUserRoutes(mux, userHandler, authHandler, creds)
	routes.RegisterStripeRoutes(mux, stripeHandler, creds)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondError(w, http.StatusNotFound, "This route does not exist")
	})

	handler := middleware.SetCommonHeaders(
		middleware.GlobalRateLimiter(redisClient)(mux),
	)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}

	go func() {
		fmt.Printf("server is running on http://localhost:%s\n", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
