package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	httphandlers "rillcall/internal/handlers/http"
	"rillcall/internal/infrastructure/distributed"
	"rillcall/internal/infrastructure/middleware"
	"rillcall/internal/infrastructure/monitoring"
	"rillcall/internal/infrastructure/network"
	repositories "rillcall/internal/infrastructure/repositories"
	redisrepo "rillcall/internal/infrastructure/repositories/redis"
	signalinfra "rillcall/internal/infrastructure/signal"
	webrtcinfra "rillcall/internal/infrastructure/webrtc"
	"rillcall/pkg/config"
	"rillcall/pkg/logger"
	"rillcall/pkg/tracing"
	"rillcall/pkg/utils"
	"rillcall/pkg/validation"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/pion/transport/v3/stdnet"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const selfTokenTTL = 24 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "callnode:", err)
		os.Exit(1)
	}
}

func run() error {
	startTime := time.Now()

	cfg, configPath, err := config.ParseFlags("callnode", os.Args[1:])
	if err != nil {
		return err
	}
	if err := validation.ValidatePeerID(cfg.Node.PeerID); err != nil {
		return fmt.Errorf("node.peer_id: %w", err)
	}

	level := zap.NewAtomicLevelAt(logger.ParseLevel(cfg.Logging.Level))
	zapLogger := logger.NewAtomic(level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("peer_id", cfg.Node.PeerID)

	// only the log level is applied without a restart
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

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	records := repoFactory.CreateCallRecordRepository()

	// Events
	collector := monitoring.NewPrometheusCollector(nil)
	hub := httphandlers.NewEventHub(128, log)
	events := services.NewEventFanout(collector, hub)
	if cfg.Redis.Enabled {
		// publish call events on the cluster channel for dashboards
		client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
			Address:        cfg.Redis.Address,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			PoolSize:       cfg.Redis.PoolSize,
			SkipMigrations: true,
		}, log)
		if err != nil {
			log.Warnw("cluster event publishing disabled", "error", err)
		} else {
			defer redisrepo.CloseRedisClient(client)
			registry := distributed.NewSharedPeerRegistry(client, "node-"+cfg.Node.PeerID, 0, log)
			bus := distributed.NewEventBus(client, registry, log)
			events.Add(bus)
			go bus.RunPublisher(ctx)
		}
	}

	// Signaling
	authService := services.NewAuthService(cfg.Auth.JWTSecret, selfTokenTTL)
	token := cfg.Client.Token
	if token == "" && cfg.Auth.JWTSecret != "" {
		if token, err = authService.GenerateToken(domain.PeerID(cfg.Node.PeerID)); err != nil {
			return fmt.Errorf("failed to issue relay token: %w", err)
		}
		log.Debugw("issued relay token", "token", utils.MaskSensitive(token, 8), "ttl", selfTokenTTL)
	}
	signalClient := signalinfra.NewClient(clientConfig(cfg, token), log)
	signalClient.OnStatusChange(func(connected bool) {
		log.Infow("relay connection changed", "connected", connected)
	})

	// Media
	devices, err := webrtcinfra.NewDevices(webrtcinfra.DefaultCaptureConfig(), log)
	if err != nil {
		return fmt.Errorf("failed to open media devices: %w", err)
	}
	transports := webrtcinfra.NewTransportFactory(transportConfig(cfg), log)

	manager := services.NewCallManager(sessionConfig(cfg), services.SessionDeps{
		Signaling:  signalClient,
		Transports: transports,
		Devices:    devices,
		Quality:    services.NewQualityService(),
		Events:     events,
		Records:    records,
		Clock:      clock.New(),
		Logger:     log,
	})
	manager.OnIncomingCall(func(snap domain.CallSnapshot) {
		log.Infow("incoming call",
			"call_id", snap.CallID,
			"from", snap.PeerID,
			"media_kind", snap.MediaKind,
		)
	})

	if err := signalClient.Start(ctx); err != nil {
		manager.Close()
		repoFactory.Close()
		return fmt.Errorf("failed to connect to relay %s: %w", cfg.Client.URL, err)
	}

	if cfg.Call.NetworkPollInterval > 0 {
		if ifaces, err := stdnet.NewNet(); err != nil {
			log.Warnw("network change detection disabled", "error", err)
		} else {
			netWatcher := network.NewWatcher(ifaces, clock.New(), cfg.Call.NetworkPollInterval, manager.NotifyNetworkChange, log)
			go netWatcher.Run(ctx)
		}
	}

	// Health
	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(records, 30*time.Second, 2*time.Second)
	health.AddSignalingCheck(signalClient.Connected, 10*time.Second)
	health.StartBackgroundChecks(ctx)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	api := router.Group("")
	if cfg.Auth.JWTSecret != "" {
		api.Use(middleware.AuthMiddleware(authService, domain.PeerID(cfg.Node.PeerID)))
	} else {
		log.Warn("control API authentication disabled: auth.jwt_secret is empty")
	}
	httphandlers.NewCallHandler(manager, hub).
		WithHistoryLimit(cfg.Call.HistoryLimit).
		SetupRoutes(api)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "healthy",
			"timestamp":    time.Now(),
			"uptime":       time.Since(startTime).String(),
			"active_calls": manager.ActiveCalls(),
			"storage":      repoFactory.Driver(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays unset: the event stream is long-lived
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting call node control API", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("control API failed", "error", runErr)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// hang up first so peers get an end message while the relay is still up
	manager.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}
	if err := signalClient.Close(); err != nil {
		log.Warnw("error closing relay connection", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}

	log.Info("call node stopped")
	return runErr
}

func clientConfig(cfg *config.Config, token string) signalinfra.ClientConfig {
	cc := signalinfra.DefaultClientConfig()
	cc.URL = cfg.Client.URL
	cc.PeerID = domain.PeerID(cfg.Node.PeerID)
	cc.Token = token
	cc.DialTimeout = cfg.Client.DialTimeout
	cc.Retry.InitialDelay = cfg.Client.ReconnectInitialDelay
	cc.Retry.MaxDelay = cfg.Client.ReconnectMaxDelay
	cc.Retry.MaxAttempts = cfg.Client.ReconnectMaxAttempts
	if cfg.Client.BreakerFailures > 0 {
		cc.Breaker.FailureThreshold = cfg.Client.BreakerFailures
	}
	if cfg.Client.BreakerTimeout > 0 {
		cc.Breaker.Timeout = cfg.Client.BreakerTimeout
	}
	return cc
}

func transportConfig(cfg *config.Config) webrtcinfra.Config {
	tc := webrtcinfra.DefaultConfig()
	if len(cfg.WebRTC.ICEServers) > 0 {
		tc.ICEServers = tc.ICEServers[:0]
		for _, s := range cfg.WebRTC.ICEServers {
			tc.ICEServers = append(tc.ICEServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}
	tc.MinPort = cfg.WebRTC.PortRange.Min
	tc.MaxPort = cfg.WebRTC.PortRange.Max
	tc.MinBitrate = cfg.WebRTC.MinBitrate
	tc.MaxBitrate = cfg.WebRTC.MaxBitrate
	tc.StartBitrate = cfg.WebRTC.StartBitrate
	return tc
}

func sessionConfig(cfg *config.Config) services.SessionConfig {
	sc := services.DefaultSessionConfig()
	sc.LocalPeerID = domain.PeerID(cfg.Node.PeerID)
	sc.RejectDisplayDelay = cfg.Call.RejectDisplayDelay
	sc.RingTimeout = cfg.Call.RingTimeout
	sc.DurationTick = cfg.Call.DurationTick
	sc.QualityInterval = cfg.Call.QualityInterval
	sc.Restart.MaxAttempts = cfg.Call.RestartMaxAttempts
	sc.Restart.InitialBackoff = cfg.Call.RestartInitialBackoff
	sc.Restart.MaxBackoff = cfg.Call.RestartMaxBackoff
	sc.Restart.AnswerTimeout = cfg.Call.RestartAnswerTimeout
	sc.ABR.MinBitrate = cfg.WebRTC.MinBitrate
	sc.ABR.MaxBitrate = cfg.WebRTC.MaxBitrate
	sc.ABR.StartBitrate = cfg.WebRTC.StartBitrate
	return sc
}
