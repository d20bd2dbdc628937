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

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/ports"
	"relayspaces/internal/core/services"
	httphandlers "relayspaces/internal/handlers/http"
	"relayspaces/internal/infrastructure/middleware"
	"relayspaces/internal/infrastructure/monitoring"
	"relayspaces/internal/infrastructure/relay"
	signaling "relayspaces/internal/infrastructure/signal"
	webrtcinfra "relayspaces/internal/infrastructure/webrtc"
	"relayspaces/pkg/config"
	"relayspaces/pkg/logger"
	"relayspaces/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration")
	host := pflag.String("host", "", "host a new space with this name on start")
	join := pflag.String("join", "", "join the space with this id on start")
	issueToken := pflag.String("issue-token", "", "print an API token for this operator and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Space.HostOnStart = true
		cfg.Space.HostName = *host
	}
	if *join != "" {
		cfg.Space.JoinID = *join
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	profile, err := signaling.NewProfile(
		cfg.Profile.Name,
		cfg.Profile.SecretKey,
		domain.MetricsFromSpeeds(cfg.Profile.UploadKbps, cfg.Profile.DownloadKbps),
	)
	if err != nil {
		log.Fatalw("failed to load profile", "error", err)
	}
	if cfg.Profile.SecretKey == "" {
		log.Warnw("no profile.secret_key configured, using a throwaway identity", "peer_id", profile.PublicKey)
	}

	var authService services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, profile.PublicKey.String(), cfg.Auth.AccessTokenTTL)
	}
	if *issueToken != "" {
		if authService == nil {
			log.Fatal("auth.enabled must be true to issue tokens")
		}
		token, err := authService.GenerateToken(*issueToken)
		if err != nil {
			log.Fatalw("failed to issue token", "error", err)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, profile, authService, zapLogger); err != nil {
		log.Fatalw("spaces node failed", "error", err)
	}
}

func run(cfg *config.Config, profile domain.Profile, authService services.AuthService, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	summary := services.NewMetricsService()
	var metrics ports.OverlayMetrics = summary
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(registry, summary)
	}

	relays, err := relay.NewFromConfig(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to reach relays: %w", err)
	}
	defer relays.Close()

	channelCfg := signaling.DefaultChannelConfig()
	channelCfg.MessagesPerSecond = cfg.Signal.MessagesPerSecond
	channelCfg.Burst = cfg.Signal.Burst
	channelCfg.LimiterIdleTTL = cfg.Signal.LimiterIdleTTL
	channelCfg.DedupTTL = cfg.Signal.DedupTTL
	channel := signaling.NewChannel(relays, channelCfg, metrics, log)
	if err := channel.Open(profile); err != nil {
		return err
	}
	defer channel.Close()

	transportCfg := webrtcinfra.Config{}
	for _, s := range cfg.WebRTC.ICEServers {
		transportCfg.ICEServers = append(transportCfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	transportCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	transport, err := webrtcinfra.NewTransport(transportCfg, log)
	if err != nil {
		return err
	}
	defer transport.Close()

	spaceCfg := services.DefaultSpaceServiceConfig()
	spaceCfg.DiscoveryWindow = cfg.Space.DiscoveryWindow
	spaceCfg.Space.ReservationTimeout = cfg.Space.ReservationTimeout
	spaceCfg.Space.NegotiationTimeout = cfg.Space.NegotiationTimeout
	spaceCfg.Space.PublishTimeout = cfg.Space.PublishTimeout
	spaceCfg.Space.Overlay = services.OverlayConfig{
		DistanceWeight:           cfg.Space.Overlay.DistanceWeight,
		NetworkWeight:            cfg.Space.Overlay.NetworkWeight,
		LoadWeight:               cfg.Space.Overlay.LoadWeight,
		OptimumUploadSpeedKbps:   cfg.Space.Overlay.OptimumUploadSpeedKbps,
		OptimumDownloadSpeedKbps: cfg.Space.Overlay.OptimumDownloadSpeedKbps,
	}

	manager := services.NewSpaceManager(profile, spaceCfg, channel, transport, metrics, log)
	if err := manager.Start(ctx); err != nil {
		return err
	}

	var spaces ports.SpaceService = manager
	if cfg.Space.ListCacheTTL > 0 {
		cached := services.NewCachedSpaceService(manager, cfg.Space.ListCacheTTL)
		defer cached.Stop()
		spaces = cached
	}

	health := monitoring.NewHealthChecker(log)
	health.AddRelayCheck(relays, cfg.Monitoring.MetricsInterval, 5*time.Second)
	health.AddBreakerCheck(func() map[string]string { return relay.BreakerStates(relays) }, cfg.Monitoring.MetricsInterval)
	health.AddSignalingCheck(channel, cfg.Monitoring.MetricsInterval)
	health.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	var control gin.HandlerFunc
	if authService != nil {
		router.Use(middleware.OptionalAuthMiddleware(authService))
		control = middleware.ControlMiddleware(authService)
		httphandlers.NewAuthHandler(authService).SetupRoutes(router)
	}
	httphandlers.NewSpaceHandler(spaces, summary, health, control).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting spaces node", "address", cfg.Server.Address, "peer_id", profile.PublicKey)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	autostart(ctx, cfg, spaces, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Spaces leave before the relays close.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error leaving spaces", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	log.Info("spaces node stopped")
	return nil
}

// autostart hosts or joins the space named in the configuration.
func autostart(ctx context.Context, cfg *config.Config, spaces ports.SpaceService, log *zap.SugaredLogger) {
	switch {
	case cfg.Space.HostOnStart:
		status, err := spaces.CreateSpace(ctx, cfg.Space.HostName)
		if err != nil {
			log.Errorw("failed to host space", "name", cfg.Space.HostName, "error", err)
			return
		}
		log.Infow("hosting space", "space_id", status.ID, "name", status.Name)
	case cfg.Space.JoinID != "":
		status, err := spaces.JoinSpace(ctx, domain.SpaceID(cfg.Space.JoinID))
		if err != nil {
			log.Errorw("failed to join space", "space_id", cfg.Space.JoinID, "error", err)
			return
		}
		log.Infow("joined space", "space_id", status.ID, "join_state", status.JoinState)
	}
}
