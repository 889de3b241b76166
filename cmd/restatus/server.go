package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/restatus/internal/api"
	"github.com/goodtune/restatus/internal/bilibili"
	"github.com/goodtune/restatus/internal/broadcast"
	"github.com/goodtune/restatus/internal/cache"
	"github.com/goodtune/restatus/internal/config"
	"github.com/goodtune/restatus/internal/dashboard"
	"github.com/goodtune/restatus/internal/geo"
	"github.com/goodtune/restatus/internal/metrics"
	"github.com/goodtune/restatus/internal/presence"
	"github.com/goodtune/restatus/internal/steam"
	"github.com/goodtune/restatus/internal/storage"
	"github.com/goodtune/restatus/internal/storage/bolt"
	"github.com/goodtune/restatus/internal/storage/file"
	"github.com/goodtune/restatus/internal/storage/redis"
	"github.com/goodtune/restatus/internal/systemd"
	"github.com/goodtune/restatus/internal/usage"
	"github.com/goodtune/restatus/internal/weather"
	"github.com/goodtune/restatus/web"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start Restatus server",
	Long:  `Start the Restatus API, WebSocket push, platform pollers and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Restatus")

	if cfg.Security.APIKey == "" {
		logger.Warn().Msg("No API key configured, device reports will be rejected")
	}

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	ctx := context.Background()
	loc := cfg.Presence.Location()

	if cfg.Storage.ResetOnStartup {
		if err := storage.ResetAll(ctx, store); err != nil {
			return fmt.Errorf("failed to reset stored state: %w", err)
		}
		logger.Info().Msg("Stored state reset on startup")
	}

	// Usage ledger
	ledger := usage.NewLedger(store, usage.Options{
		RetentionDays: cfg.Usage.RetentionDays,
		MaxRecords:    cfg.Usage.MaxRecords,
		Location:      loc,
	}, logger)
	if err := ledger.Load(ctx); err != nil {
		return fmt.Errorf("failed to load usage ledger: %w", err)
	}

	// Presence engine
	engine := presence.NewEngine(store, ledger, presence.Options{
		Location:        loc,
		OnlineThreshold: config.ParseDuration(cfg.Presence.OnlineThreshold, presence.DefaultOnlineThreshold),
		SleepMaxAge:     config.ParseDuration(cfg.Presence.SleepMaxAge, presence.DefaultSleepMaxAge),
		ResumeGap:       config.ParseDuration(cfg.Presence.ResumeGap, presence.DefaultResumeGap),
		DefaultDuration: cfg.Presence.DefaultDuration,
	}, logger)
	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("failed to load device state: %w", err)
	}

	logger.Info().
		Str("timezone", loc.String()).
		Int("usage_records", ledger.Len()).
		Msg("Presence engine initialized")

	resetScheduler, err := usage.NewResetScheduler(ledger, engine, cfg.Usage.DailyResetTime, loc, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Reset Scheduler: %w", err)
	}
	resetScheduler.Start()

	// Geo and weather
	resolver := geo.NewResolver(geo.Options{
		APIKey:          cfg.Weather.APIKey,
		Timeout:         config.ParseDuration(cfg.Weather.Timeout, 10*time.Second),
		FallbackTimeout: config.ParseDuration(cfg.Geo.FallbackTimeout, 8*time.Second),
	}, logger)

	weatherService := weather.NewService(weather.Options{
		Enabled:           cfg.Weather.Enabled,
		APIKey:            cfg.Weather.APIKey,
		City:              cfg.Weather.City,
		OwnerLocationID:   cfg.Weather.OwnerLocationID,
		OwnerLocationName: cfg.Weather.OwnerLocationName,
		Timeout:           config.ParseDuration(cfg.Weather.Timeout, 10*time.Second),
	}, resolver, logger)

	// Steam poller
	steamClient := steam.NewClient(steam.Options{
		APIKey:  cfg.Steam.APIKey,
		Timeout: config.ParseDuration(cfg.Steam.Timeout, 10*time.Second),
	}, logger)
	steamPoller := steam.NewPoller(
		steamClient,
		cfg.Steam.SteamID,
		config.ParseDuration(cfg.Steam.PollInterval, time.Minute),
		cache.RealClock{},
		logger,
	)
	steamPoller.Start()

	// Bilibili collector
	bilibiliClient := bilibili.NewClient(bilibili.Options{
		UID:      cfg.Bilibili.UID,
		SESSDATA: cfg.Bilibili.SESSDATA,
		Timeout:  config.ParseDuration(cfg.Bilibili.Timeout, 10*time.Second),
		Delay: bilibili.Delay{
			Min: config.ParseDuration(cfg.Bilibili.MinDelay, 500*time.Millisecond),
			Max: config.ParseDuration(cfg.Bilibili.MaxDelay, 2*time.Second),
		},
	}, logger)

	var bilibiliCollector *bilibili.Collector
	deps := api.Deps{
		Presence: engine,
		Ledger:   ledger,
		Steam:    steamPoller,
		Weather:  weatherService,
	}
	if bilibiliClient.Configured() {
		bilibiliCollector = bilibili.NewCollector(
			bilibiliClient,
			store,
			config.ParseDuration(cfg.Bilibili.CollectInterval, time.Hour),
			logger,
		)
		bilibiliCollector.Start()
		deps.Bilibili = bilibiliCollector
		logger.Info().Str("uid", bilibiliClient.UID()).Msg("Bilibili collector started")
	} else {
		logger.Info().Msg("Bilibili uid not configured, collector disabled")
	}

	// Live push
	hub := broadcast.NewHub(engine, cfg.Server.AllowedOrigins, logger)
	engine.Subscribe(hub)
	deps.Push = hub

	var console *dashboard.Dashboard
	if cfg.Dashboard.Enabled {
		console = dashboard.New(
			os.Stderr,
			engine.Snapshot,
			config.ParseDuration(cfg.Dashboard.RefreshInterval, time.Second),
			logger,
		)
		engine.Subscribe(console)
		console.Start()
	}

	// Frontend
	if cfg.Server.StaticDir != "" {
		ui, err := web.NewUI(cfg.Server.StaticDir)
		if err != nil {
			logger.Warn().Err(err).Msg("Frontend not found, serving API only")
		} else {
			deps.Static = ui
		}
	}

	// API server
	apiServer := api.NewServer(api.Config{
		ListenAddr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		APIKey:          cfg.Security.APIKey,
		RequireAPIKey:   cfg.Security.RequireAPIKey,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ReportRateLimit: cfg.Server.ReportRateLimit,
		Profile:         cfg.Profile,
		Platforms:       api.PlatformsFromConfig(cfg),
	}, deps, logger)

	if sdListeners.Activated && sdListeners.HTTP != nil {
		apiServer.SetListener(sdListeners.HTTP)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().Msg("Restatus startup complete")
	logger.Info().Msgf("API: http://%s:%d/api", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	logger.Info().Msgf("WebSocket: ws://%s:%d/ws", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, refreshing platform data...")
			_ = systemd.NotifyReloading()
			if cfg.Steam.SteamID != "" {
				go steamPoller.Refresh(context.Background(), "sighup")
			}
			if bilibiliCollector != nil {
				go func() {
					if err := bilibiliCollector.Collect(context.Background()); err != nil {
						logger.Warn().Err(err).Msg("Bilibili refresh failed")
					}
				}()
			}
			_ = systemd.NotifyReady()
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	hub.Close()
	if console != nil {
		console.Stop()
	}

	resetScheduler.Stop()
	steamPoller.Stop()
	if bilibiliCollector != nil {
		bilibiliCollector.Stop()
	}

	if err := ledger.Save(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to save usage ledger")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("Restatus stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "file":
		return file.Open(cfg.Path)
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
