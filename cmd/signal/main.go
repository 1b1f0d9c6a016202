package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillcall/internal/core/services"
	"rillcall/internal/infrastructure/distributed"
	"rillcall/internal/infrastructure/monitoring"
	redisrepo "rillcall/internal/infrastructure/repositories/redis"
	signalinfra "rillcall/internal/infrastructure/signal"
	"rillcall/internal/infrastructure/turn"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/utils"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const presenceTTL = 2 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "signal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, configPath, err := config.ParseFlags("signal", os.Args[1:])
	if err != nil {
		return err
	}

	level := zap.NewAtomicLevelAt(logger.ParseLevel(cfg.Logging.Level))
	zapLogger := logger.NewAtomic(level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		level.SetLevel(logger.ParseLevel(next.Logging.Level))
		log.Infow("log level reloaded", "level", next.Logging.Level)
	}, log); err != nil {
		log.Warnw("config hot reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var auth services.AuthService
	if cfg.Auth.JWTSecret != "" {
		auth = services.NewAuthService(cfg.Auth.JWTSecret, 0)
	} else {
		log.Warn("relay authentication disabled: peers are trusted by peer_id")
	}

	relay := signalinfra.NewWebSocketServer(serverConfig(cfg), auth, log)
	collector := monitoring.NewPrometheusCollector(nil)
	relay.SetMetrics(collector)

	health := monitoring.NewHealthChecker()

	// Cross-instance routing
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
			Address:        cfg.Redis.Address,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			PoolSize:       cfg.Redis.PoolSize,
			SkipMigrations: true,
		}, log)
		if err != nil {
			return err
		}
		defer redisrepo.CloseRedisClient(client)

		registry := distributed.NewSharedPeerRegistry(client, utils.GenerateInstanceID("relay"), presenceTTL, log)
		bus := distributed.NewEventBus(client, registry, log)
		defer bus.Close()

		relay.SetPresence(registry)
		relay.SetForwarder(bus)
		go func() {
			if err := bus.Subscribe(ctx, relay.Deliver); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("signal subscription ended", "error", err)
			}
		}()
		go registry.RunRefresh(ctx, relay.GetConnectedPeers)

		health.AddRedisCheck(client, 15*time.Second, 2*time.Second)
		log.Infow("cross-instance routing enabled", "instance_id", registry.InstanceID())
	}

	var turnServer *turn.Server
	if cfg.TURN.Enabled {
		turnServer, err = turn.Start(turn.ConfigFrom(cfg), log)
		if err != nil {
			return err
		}
		defer turnServer.Close()
	}

	health.StartBackgroundChecks(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Signal.Path, relay.HandleWebSocket)
	mux.HandleFunc("/health", relay.HealthCheck)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		status := health.CheckAll(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if status.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	})
	if turnServer != nil {
		mux.HandleFunc("/turn", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"urls":  turnServer.ICEURLs(),
				"stats": turnServer.Stats(),
			})
		})
	}
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signal relay",
			"address", cfg.Signal.Address,
			"path", cfg.Signal.Path,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("relay server failed", "error", runErr)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}
	// hijacked websocket connections are not covered by Shutdown
	relay.Close()

	log.Info("signal relay stopped")
	return runErr
}

func serverConfig(cfg *config.Config) signalinfra.ServerConfig {
	sc := signalinfra.DefaultServerConfig()
	sc.PingInterval = cfg.Signal.PingInterval
	sc.PongTimeout = cfg.Signal.PongTimeout
	sc.WriteTimeout = cfg.Signal.WriteTimeout
	sc.SendBuffer = cfg.Signal.SendBuffer
	sc.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		ws := cfg.RateLimiting.WebSocket
		sc.MessagesPerSecond = ws.MessagesPerSecond
		sc.Burst = ws.Burst
		sc.MaxConnections = ws.MaxConcurrent
		sc.ConnectionsPerMinute = ws.ConnectionsPerMinute
		if ws.MaxMessageSizeBytes > 0 {
			sc.MaxMessageSize = ws.MaxMessageSizeBytes
		}
	}
	return sc
}
