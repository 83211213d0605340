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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/claim"
	"github.com/aibaverse/arena-engine/internal/config"
	"github.com/aibaverse/arena-engine/internal/emission"
	"github.com/aibaverse/arena-engine/internal/idempotency"
	"github.com/aibaverse/arena-engine/internal/metrics"
	"github.com/aibaverse/arena-engine/internal/pool"
	"github.com/aibaverse/arena-engine/internal/settlement"
	"github.com/aibaverse/arena-engine/internal/store"
	"github.com/aibaverse/arena-engine/internal/vault"
	"github.com/aibaverse/arena-engine/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		// SEED_SECRET and ORACLE_SIGNING_KEY are required: a settlement
		// engine without them must not accept traffic.
		slog.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	signer, err := claim.NewSigner(cfg.OracleSigningKey)
	if err != nil {
		slog.Error("oracle signing key invalid", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pgPool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pgPool.Close)
		st = store.NewPostgresStore(pgPool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Policy provider ---
	policy := config.NewPolicyProvider(st,
		decimal.NewFromInt(cfg.DefaultGlobalCap),
		decimal.NewFromInt(cfg.DefaultCategoryCap))
	if err := policy.Refresh(ctx); err != nil {
		slog.Warn("initial policy load failed, using defaults", "err", err)
	}
	go policy.Run(ctx, cfg.PolicyRefreshInterval)

	// --- Core services ---
	ledger := emission.NewLedger(st, policy)
	guard := idempotency.NewGuard(st, cfg.LockTTLInProgress, cfg.LockTTLTerminal)
	go guard.RunReaper(ctx, cfg.LockReapInterval)

	// Claim issuance needs the vault collaborator; without it every
	// settlement records rewards but defers the claim.
	var issuer *claim.Issuer
	if cfg.VaultRPCURL != "" {
		vc := vault.NewHTTPClient(cfg.VaultRPCURL, cfg.VaultTimeout)
		issuer, err = claim.NewIssuer(signer, vc, cfg.VaultAddress, cfg.VaultTokenID, cfg.ClaimTTL)
		if err != nil {
			slog.Error("vault configuration invalid", "err", err)
			os.Exit(1)
		}
		slog.Info("claim issuance enabled", "vault", cfg.VaultAddress)
	} else {
		slog.Warn("VAULT_RPC_URL not set, claims will be deferred")
	}

	// --- WebSocket hub ---
	hub := ws.NewHub()
	go hub.Run()

	settlementSvc := settlement.NewService(st, ledger, guard, policy, issuer, hub,
		[]byte(cfg.SeedSecret), cfg.StaminaCost, cfg.BattleCooldown)

	limiter := pool.NewStakeLimiter(
		decimal.NewFromInt(cfg.MaxStakePerEvent),
		decimal.NewFromInt(cfg.MaxCorrelatedStake))
	poolSvc := pool.NewService(st, ledger, guard, limiter, hub, cfg.TreasuryOwnerID)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the mini-app frontend.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"arena-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time settlement and pool events.
		r.Get("/ws", hub.HandleWS)

		// Subjects and owners.
		r.Post("/subjects", settlementSvc.CreateSubject)
		r.Get("/subjects/{subjectID}", settlementSvc.GetSubject)
		r.Get("/owners/{ownerID}/balances", settlementSvc.GetBalances)
		r.Put("/owners/{ownerID}/withdrawal-address", settlementSvc.RegisterWithdrawalAddress)

		// Battle settlement.
		r.Post("/battles", settlementSvc.SubmitBattle)
		r.Get("/settlements/{requestToken}", settlementSvc.GetSettlement)

		// Emission audit.
		r.Get("/emissions/{day}/{currency}", settlementSvc.GetEmissionDay)

		// Pool betting.
		r.Post("/pools", poolSvc.CreatePool)
		r.Get("/pools/{eventID}", poolSvc.GetPool)
		r.Post("/pools/{eventID}/bets", poolSvc.PlaceBet)
		r.Post("/pools/{eventID}/resolve", poolSvc.Resolve)
		r.Post("/pools/{eventID}/cancel", poolSvc.Cancel)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("arena-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down arena-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("arena-engine stopped")
}
