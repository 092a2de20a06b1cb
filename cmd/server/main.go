package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pesabridge/settlement-engine/internal/config"
	"github.com/pesabridge/settlement-engine/internal/hedge"
	"github.com/pesabridge/settlement-engine/internal/ledger"
	"github.com/pesabridge/settlement-engine/internal/lock"
	"github.com/pesabridge/settlement-engine/internal/metrics"
	"github.com/pesabridge/settlement-engine/internal/oracle"
	"github.com/pesabridge/settlement-engine/internal/payment"
	"github.com/pesabridge/settlement-engine/internal/quote"
	"github.com/pesabridge/settlement-engine/internal/rates"
	"github.com/pesabridge/settlement-engine/internal/reconciler"
	"github.com/pesabridge/settlement-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		slog.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	st := store.NewPostgresStore(pool)
	slog.Info("connected to PostgreSQL")

	// --- Redis: quote cache and rate board cache ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	quoteCache := quote.NewRedisCache(rdb)

	// --- Ethereum: settlement contract and oracle feed ---
	eth, err := ethclient.DialContext(ctx, cfg.Ethereum.RPCURL)
	if err != nil {
		slog.Error("ethereum dial failed", "err", err)
		os.Exit(1)
	}
	defer eth.Close()

	key, err := crypto.HexToECDSA(cfg.Ethereum.PrivateKey)
	if err != nil {
		slog.Error("invalid ethereum private key", "err", err)
		os.Exit(1)
	}
	chain, err := ledger.NewEthereumClient(eth,
		common.HexToAddress(cfg.Ethereum.ContractAddress),
		key, big.NewInt(cfg.Ethereum.ChainID))
	if err != nil {
		slog.Error("settlement contract binding failed", "err", err)
		os.Exit(1)
	}
	slog.Info("bound settlement contract",
		"address", cfg.Ethereum.ContractAddress, "chain_id", cfg.Ethereum.ChainID)

	// --- Oracle ---
	var feed oracle.Feed
	if cfg.Oracle.FeedAddress != "" {
		feed, err = oracle.NewContractFeed(eth,
			common.HexToAddress(cfg.Oracle.FeedAddress), cfg.Oracle.MaxAge)
		if err != nil {
			slog.Error("oracle feed binding failed", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no oracle feed configured, rates resolve from history only")
	}
	orc := oracle.NewAdapter(feed, st, 5*time.Second)

	// --- Quote engine ---
	engine := quote.NewEngine(orc, st, st)

	// --- WebSocket hub ---
	hub := rates.NewHub()
	go hub.Run()

	// --- M-Pesa ---
	payments := payment.NewClient(payment.Config{
		BaseURL:        cfg.Mpesa.BaseURL,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		ShortCode:      cfg.Mpesa.ShortCode,
		Passkey:        cfg.Mpesa.Passkey,
		CallbackURL:    cfg.Mpesa.CallbackURL,
	})

	// --- Services ---
	lockSvc := lock.NewService(st, engine, quoteCache, payments, hub)
	ratesSvc := rates.NewService(engine, st, rdb, hub)
	go ratesSvc.RunRefresher(ctx)

	// --- Chain reconciler ---
	rec := reconciler.New(st, chain, cfg.Reconciler.Interval, cfg.Reconciler.BatchSize)
	go rec.Run(ctx)

	// --- Hedge monitor ---
	if cfg.Binance.Enabled {
		trader := hedge.NewBinanceClient(cfg.Binance.BaseURL, cfg.Binance.APIKey, cfg.Binance.APISecret)
		mon := hedge.NewMonitor(st, trader, cfg.Binance.Interval)
		go mon.Run(ctx)
		slog.Info("hedge monitor started", "interval", cfg.Binance.Interval)
	} else {
		slog.Warn("hedging disabled, 7day/30day exposure is unhedged")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for rate and lock updates.
		r.Get("/ws", hub.HandleWS)

		// Public rate board.
		r.Get("/rates/current", ratesSvc.CurrentRates)
		r.Get("/rates/history", ratesSvc.RateHistory)

		// Quoting and lock lifecycle.
		r.Post("/quotes", lockSvc.CreateQuote)
		r.Post("/locks", lockSvc.CreateLock)
		r.Get("/locks/{lockID}", lockSvc.GetLock)
		r.Post("/locks/{lockID}/execute", lockSvc.ExecuteLock)
		r.Post("/locks/{lockID}/cancel", lockSvc.CancelLock)
		r.Post("/locks/{lockID}/pay", lockSvc.PayLock)
		r.Get("/users/{userID}/locks", lockSvc.ListUserLocks)
	})

	// Payment provider callback, outside the versioned API.
	r.Post("/webhooks/mpesa/callback", lockSvc.MpesaCallback)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
