package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mmynk/partypay/internal/auth"
	"github.com/mmynk/partypay/internal/bank"
	"github.com/mmynk/partypay/internal/config"
	"github.com/mmynk/partypay/internal/deposit"
	"github.com/mmynk/partypay/internal/metrics"
	"github.com/mmynk/partypay/internal/middleware"
	"github.com/mmynk/partypay/internal/notify"
	"github.com/mmynk/partypay/internal/party"
	"github.com/mmynk/partypay/internal/payment"
	"github.com/mmynk/partypay/internal/service"
	"github.com/mmynk/partypay/internal/settlement"
	"github.com/mmynk/partypay/internal/storage/sqlite"
	"github.com/mmynk/partypay/internal/transfer"
	"github.com/mmynk/partypay/internal/verification"
	"github.com/mmynk/partypay/internal/worker"
	"github.com/mmynk/partypay/pkg/logging"
)

const tokenDuration = 24 * time.Hour

func main() {
	logging.Setup()

	if err := run(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize SQLite storage
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	slog.Info("Storage initialized", "database", cfg.DBPath)

	gateway := bank.NewClient(bank.ClientConfig{
		BaseURL:     cfg.Bank.BaseURL,
		AccessToken: cfg.Bank.AccessToken,
		OrgCode:     cfg.Bank.OrgCode,
		Timeout:     cfg.Bank.Timeout,
		RateLimit:   cfg.Bank.RateLimit,
		Burst:       cfg.Bank.Burst,
	})

	publishers := notify.Multi{notify.LogPublisher{}}
	var webhook *notify.WebhookPublisher
	if cfg.NotifyWebhookURL != "" {
		webhook = notify.NewWebhookPublisher(cfg.NotifyWebhookURL, 0)
		publishers = append(publishers, webhook)
	}

	// Engines
	parties := party.New(store)
	payments := payment.New(store, parties)
	verifier := verification.New(store, gateway, publishers, verification.Config{
		CodeTTL:       cfg.Verification.CodeTTL,
		MaxAttempts:   cfg.Verification.MaxAttempts,
		MemoPrefix:    cfg.Verification.MemoPrefix,
		DepositAmount: cfg.Verification.DepositAmount,
		OrgCode:       cfg.Bank.OrgCode,
	})
	transfers := transfer.New(store, gateway, cfg.Bank.OrgCode)
	deposits := deposit.New(store, parties, transfers, verifier, publishers,
		deposit.WithRetryPolicy(cfg.Settlement.Retry))
	settlements := settlement.New(store, parties, transfers, verifier, publishers, settlement.Config{
		FeeRate:     cfg.Settlement.FeeRate,
		Retry:       cfg.Settlement.Retry,
		Concurrency: cfg.Settlement.Concurrency,
		Location:    cfg.Timezone,
	})

	// Connect services behind logging and auth interceptors
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, tokenDuration)
	interceptors := connect.WithInterceptors(
		middleware.LoggingInterceptor(),
		middleware.RequireAuth(jwtManager),
	)

	mux := http.NewServeMux()
	mux.Handle(service.NewPartyServiceHandler(service.NewPartyService(parties), interceptors))
	mux.Handle(service.NewAccountServiceHandler(service.NewAccountService(verifier), interceptors))
	mux.Handle(service.NewLedgerServiceHandler(service.NewLedgerService(deposits, payments, parties), interceptors))
	mux.Handle(service.NewSettlementServiceHandler(service.NewSettlementService(settlements), interceptors))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Background jobs
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poller := worker.NewPoller(verifier, transfers, settlements, deposits, worker.PollerConfig{
		Interval:       cfg.Worker.Interval,
		ReconcileAfter: cfg.Worker.ReconcileAfter,
	})
	if err := poller.Start(ctx); err != nil {
		return err
	}
	defer poller.Stop()

	scheduler, err := worker.NewScheduler(settlements, cfg.Settlement.Cron, cfg.Timezone)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Wrap with h2c for HTTP/2 without TLS (required for Connect)
	handler := h2c.NewHandler(loggingMiddleware(corsMiddleware(mux)), &http2.Server{})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Connect server starting", "address", server.Addr, "url", fmt.Sprintf("http://localhost%s", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if webhook != nil {
		webhook.Wait()
	}
	return nil
}

// loggingMiddleware logs all incoming requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// corsMiddleware adds CORS headers for browser access
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Connect-Protocol-Version, Connect-Timeout-Ms")
		w.Header().Set("Access-Control-Expose-Headers", "Connect-Protocol-Version, Connect-Timeout-Ms, Remaining-Attempts")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
