package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/stratacore/rategate/internal/audit"
	"github.com/stratacore/rategate/internal/config"
	"github.com/stratacore/rategate/internal/limiter"
	"github.com/stratacore/rategate/internal/logger"
	"github.com/stratacore/rategate/internal/middleware"
	"github.com/stratacore/rategate/internal/store"
)

func main() {
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	debugMode := cfg.DebugMode || *debugFlag

	zapLogger, err := logger.NewProductionLogger(debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync(zapLogger)
	}()

	zapLogger.Info("starting_server",
		zap.Bool("debug_mode", debugMode),
		zap.String("server_port", cfg.ServerPort),
		zap.String("policy_file", cfg.PolicyFile),
		zap.Bool("distributed_store", cfg.DistributedStoreEnabled()),
		zap.Bool("fail_open", cfg.FailurePolicy == limiter.FailOpen),
	)

	policies, err := config.LoadPolicies(cfg.PolicyFile)
	if err != nil {
		zapLogger.Fatal("failed_to_load_policies", zap.Error(err))
	}

	localStore := store.NewLocal(store.WithSweepInterval(cfg.SweepInterval))
	defer func() {
		_ = localStore.Close()
	}()

	var primary store.CounterStore = localStore
	var fallback store.CounterStore
	if cfg.DistributedStoreEnabled() {
		redisStore, err := store.NewRedis(cfg.RedisURL, cfg.RedisToken, store.WithTimeout(cfg.StoreTimeout))
		if err != nil {
			zapLogger.Fatal("failed_to_connect_to_redis", zap.Error(err))
		}
		defer func() {
			if err := redisStore.Close(); err != nil {
				zapLogger.Warn("failed_to_close_redis_connection", zap.Error(err))
			}
		}()
		primary = redisStore
		fallback = localStore
		zapLogger.Info("connected_to_redis")
	}

	sink := audit.NewSink(zapLogger)

	limiterCore, err := limiter.New(primary, fallback,
		limiter.WithFailurePolicy(cfg.FailurePolicy),
		limiter.WithAuditSink(sink),
		limiter.WithLogger(zapLogger),
	)
	if err != nil {
		zapLogger.Fatal("failed_to_build_limiter", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	for _, ep := range policies {
		if cfg.ReloadInterval > 0 {
			reloader := middleware.NewGateReloader(limiterCore, cfg.PolicyFile, ep.Policy.Name, zapLogger, cfg.ReloadInterval)
			router.PathPrefix(ep.Route).Handler(reloader.Middleware()(demoHandler(ep.Policy.Name)))
			go reloader.Start(ctx)
			continue
		}
		compiled, err := limiter.Compile(ep.Policy)
		if err != nil {
			zapLogger.Fatal("invalid_policy", zap.String("policy", ep.Policy.Name), zap.Error(err))
		}
		gate := middleware.NewGate(limiterCore, compiled, zapLogger)
		router.PathPrefix(ep.Route).Handler(gate.Middleware(demoHandler(ep.Policy.Name)))
	}

	var handler http.Handler = router
	if len(cfg.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key"},
			AllowCredentials: true,
		}).Handler(handler)
	}
	handler = middleware.Logging(zapLogger)(handler)
	handler = middleware.Recovery(zapLogger)(handler)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zapLogger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("server_failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("shutdown_failed", zap.Error(err))
	}
}

// demoHandler stands in for the protected backend: it just reports which
// policy gated the request.
func demoHandler(policyName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"policy": policyName,
		})
	})
}
