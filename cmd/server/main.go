package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/atmx/portfolio-engine/internal/aggregator"
	"github.com/atmx/portfolio-engine/internal/api"
	"github.com/atmx/portfolio-engine/internal/chain"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/holdings"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/pricing"
	"github.com/atmx/portfolio-engine/internal/pricing/oracle"
	"github.com/atmx/portfolio-engine/internal/pricing/pool"
	"github.com/atmx/portfolio-engine/internal/protocol"
	"github.com/atmx/portfolio-engine/internal/protocol/lending"
	"github.com/atmx/portfolio-engine/internal/protocol/liquidity"
	"github.com/atmx/portfolio-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	chainCfg, err := config.LoadChain(cfg.ChainConfig)
	if err != nil {
		slog.Error("invalid chain configuration", "path", cfg.ChainConfig, "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Chain client ---
	client, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		slog.Error("rpc connection failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, client.Close)
	if id, err := client.ChainID(ctx); err != nil {
		slog.Warn("could not read chain id", "err", err)
	} else {
		slog.Info("connected to chain", "chain_id", id.String())
	}

	// --- Price sources ---
	router := pricing.NewRouter(chainCfg.Strategies(),
		oracle.New(client, chainCfg),
		pool.New(client, chainCfg),
	)

	// --- Report producers ---
	protocols := make(map[string]protocol.Reader, len(chainCfg.Lending)+len(chainCfg.Liquidity))
	for name, l := range chainCfg.Lending {
		protocols[name] = lending.NewReader(name, client, chainCfg, l, cfg.FundAddress, logger)
	}
	for name, l := range chainCfg.Liquidity {
		protocols[name] = liquidity.NewReader(name, client, chainCfg, l, cfg.FundAddress, logger)
	}
	agg := aggregator.New(
		holdings.NewReader(client, chainCfg, cfg.FundAddress, logger),
		protocols,
		router,
		aggregator.WithTimeout(cfg.ResolveTimeout),
		aggregator.WithLogger(logger),
	)
	slog.Info("portfolio configured",
		"fund", cfg.FundAddress.Hex(),
		"tokens", len(chainCfg.Tokens),
		"protocols", agg.Protocols(),
	)

	// --- Report cache ---
	var cache *store.ReadThrough
	if cfg.ReportCacheTTL > 0 {
		var rc store.ReportCache
		if cfg.RedisURL != "" {
			rdb, err := store.Dial(ctx, cfg.RedisURL)
			if err != nil {
				slog.Error("redis connection failed", "err", err)
				os.Exit(1)
			}
			cleanup = append(cleanup, func() { rdb.Close() })
			rc = store.NewRedisCache(rdb, "portfolio:"+cfg.FundAddress.Hex())
			slog.Info("Redis report cache enabled", "ttl", cfg.ReportCacheTTL)
		} else {
			rc = store.NewMemoryCache()
			slog.Info("in-memory report cache enabled", "ttl", cfg.ReportCacheTTL)
		}
		cache = store.NewReadThrough(rc, cfg.ReportCacheTTL, logger)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Report service ---
	svc := api.NewService(agg, cache, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS for frontend cross-origin requests.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for priced report summaries. It is outside the
		// request timeout so connections stay open.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(2*cfg.ResolveTimeout + 10*time.Second))

			// Reports.
			r.Get("/report", svc.GetReport)
			r.Get("/report/priced", svc.GetPricedReport)
			r.Get("/holdings", svc.GetHoldings)
			r.Get("/holdings/priced", svc.GetPricedHoldings)
			r.Get("/protocols", svc.ListProtocols)
			r.Get("/protocols/{name}", svc.GetProtocol)
			r.Get("/protocols/{name}/priced", svc.GetPricedProtocol)

			// Prices.
			r.Get("/prices/{symbol}", svc.GetPrice)
			r.Get("/convert", svc.ConvertUnits)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("portfolio-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down portfolio-engine...")
	stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("portfolio-engine stopped")
}
