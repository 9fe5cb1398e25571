package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tmakonnen/pesawire/internal/api"
	"github.com/tmakonnen/pesawire/internal/cache"
	"github.com/tmakonnen/pesawire/internal/config"
	"github.com/tmakonnen/pesawire/internal/confirm"
	"github.com/tmakonnen/pesawire/internal/ledger"
	"github.com/tmakonnen/pesawire/internal/logging"
	"github.com/tmakonnen/pesawire/internal/mirror"
	"github.com/tmakonnen/pesawire/internal/quote"
	"github.com/tmakonnen/pesawire/internal/rates"
	"github.com/tmakonnen/pesawire/internal/settle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Server.Env)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	store, err := mirror.NewPostgresStore(context.Background(), cfg.DB.DSN)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer store.Close()

	ledgerClient := ledger.NewRPCClient(cfg.Ledger.URL, cfg.Ledger.AuthToken)
	oracle := rates.NewHTTPOracle(cfg.Oracle.URL)
	accountCache := cache.NewAccounts(cache.NewMemory(), logger)
	quotes := quote.NewService(oracle, logger)
	settler := settle.NewService(store, ledgerClient, oracle, quotes, accountCache, logger)
	watchers := confirm.NewManager(confirm.SourceFunc(settler.CachedHistory), logger)

	handler := api.NewHandler(store, settler, quotes, watchers, logger)
	settleLimiter := api.NewRateLimiter(5, 10, logger)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/quotes", handler.CreateQuoteHandler).Methods("POST")
	apiV1.HandleFunc("/quotes/{id}/validity", handler.QuoteValidityHandler).Methods("GET")
	apiV1.Handle("/settlements", settleLimiter.Middleware(http.HandlerFunc(handler.CreateSettlementHandler))).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/balance", handler.GetBalanceHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/transactions", handler.GetTransactionsHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/revenue", handler.GetRevenueHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/watch", handler.StartWatchHandler).Methods("POST")
	apiV1.HandleFunc("/watch/{id}", handler.WatchStatusHandler).Methods("GET")
	apiV1.HandleFunc("/watch/{id}", handler.CancelWatchHandler).Methods("DELETE")

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
