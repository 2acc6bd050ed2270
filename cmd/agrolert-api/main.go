package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agrolert/backend/internal/alerts"
	"github.com/agrolert/backend/internal/auth"
	"github.com/agrolert/backend/internal/config"
	"github.com/agrolert/backend/internal/database"
	"github.com/agrolert/backend/internal/dedup"
	"github.com/agrolert/backend/internal/farms"
	"github.com/agrolert/backend/internal/logging"
	"github.com/agrolert/backend/internal/monitor"
	"github.com/agrolert/backend/internal/observability"
	"github.com/agrolert/backend/internal/push"
	"github.com/agrolert/backend/internal/realtime"
	"github.com/agrolert/backend/internal/risk"
	"github.com/agrolert/backend/internal/server"
	"github.com/agrolert/backend/internal/weather"
	"github.com/go-co-op/gocron"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agrolert-api",
		Short: "AgroLert weather alert backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("monitor-interval", defaults.GetDuration("monitor.interval"), "Farm evaluation interval")
	cmd.PersistentFlags().Duration("batch-interval", defaults.GetDuration("notify.batch_interval"), "Batch push flush interval")
	cmd.PersistentFlags().String("weather-base-url", defaults.GetString("weather.base_url"), "Weather data source base URL")
	cmd.PersistentFlags().String("push-provider-url", defaults.GetString("push.provider_url"), "Push provider endpoint")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for shared dedup state (empty for in-memory)")
	cmd.PersistentFlags().String("signing-secret", "", "API signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "monitor.interval", "monitor-interval")
	bindFlag(cmd, "notify.batch_interval", "batch-interval")
	bindFlag(cmd, "weather.base_url", "weather-base-url")
	bindFlag(cmd, "push.provider_url", "push-provider-url")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	metrics := observability.NewMetrics()

	var dedupStore dedup.Store
	if appConfig.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		defer client.Close()
		dedupStore = dedup.NewRedisStore(client)
		logger.Info("using redis dedup store", zap.String("address", appConfig.RedisAddress))
	} else {
		dedupStore = dedup.NewMemoryStore(nil)
		logger.Info("using in-memory dedup store")
	}

	farmService, err := farms.NewService(farms.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	historyService, err := alerts.NewHistoryService(alerts.HistoryServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	broadcaster := realtime.NewBroadcaster(
		realtime.WithDropCallback(metrics.BroadcastDrops.Inc),
	)

	pushAdapter, err := push.NewAdapter(push.AdapterConfig{
		ProviderURL: appConfig.PushProviderURL,
		ProviderKey: appConfig.PushProviderKey,
		Timeout:     appConfig.PushTimeout,
		Tokens:      farmService,
		Logger:      logging.ForComponent(logger, "push"),
	})
	if err != nil {
		return err
	}

	dispatcher, err := alerts.NewDispatcher(alerts.DispatcherConfig{
		Pusher:          pushAdapter,
		Store:           dedupStore,
		History:         historyService,
		Metrics:         metrics,
		Logger:          logging.ForComponent(logger, "batch"),
		FlushInterval:   appConfig.BatchInterval,
		PushDedupWindow: appConfig.PushDedupWindow,
	})
	if err != nil {
		return err
	}

	pipeline, err := alerts.NewPipeline(alerts.PipelineConfig{
		Store:           dedupStore,
		History:         historyService,
		Broadcaster:     broadcaster,
		Pusher:          pushAdapter,
		Dispatcher:      dispatcher,
		Metrics:         metrics,
		Logger:          logging.ForComponent(logger, "pipeline"),
		PushDedupWindow: appConfig.PushDedupWindow,
		HistoryWindow:   appConfig.HistoryWindow,
		HourlyQuota:     appConfig.HourlyQuota,
		DailyQuota:      appConfig.DailyQuota,
	})
	if err != nil {
		return err
	}

	weatherSource, err := weather.NewOpenMeteoSource(weather.OpenMeteoConfig{
		BaseURL: appConfig.WeatherBaseURL,
		Timeout: appConfig.WeatherTimeout,
	})
	if err != nil {
		return err
	}

	alertMonitor, err := monitor.NewMonitor(monitor.Config{
		Farms:    farmService,
		Source:   weatherSource,
		Engine:   risk.NewEngine(),
		Pipeline: pipeline,
		Metrics:  metrics,
		Logger:   logging.ForComponent(logger, "monitor"),
		Interval: appConfig.MonitorInterval,
		Cooldown: appConfig.MonitorCooldown,
		Workers:  appConfig.MonitorWorkers,
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "agrolert-auth",
		Audience:      "agrolert-api",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		History:        historyService,
		Broadcaster:    broadcaster,
		Pipeline:       pipeline,
		Monitor:        alertMonitor,
		Logger:         logging.ForComponent(logger, "http"),
	})
	if err != nil {
		return err
	}

	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	go dispatcher.Run(dispatcherCtx)

	if err := alertMonitor.Start(); err != nil {
		stopDispatcher()
		return err
	}

	retention := gocron.NewScheduler(time.UTC)
	retention.SingletonModeAll()
	if _, err := retention.Every(appConfig.RetentionInterval).Do(func() {
		purged, err := historyService.PurgeOlderThan(context.Background(), appConfig.RetentionAge)
		if err != nil {
			logger.Warn("notification retention purge failed", zap.Error(err))
			return
		}
		if purged > 0 {
			logger.Info("notification retention purge complete", zap.Int64("purged", purged))
		}
	}); err != nil {
		stopDispatcher()
		return err
	}
	retention.StartAsync()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	shutdown := func() error {
		// Order matters: no new evaluations, then drain the batch queue,
		// then close client connections.
		alertMonitor.Stop()
		retention.Stop()
		dispatcher.Stop()
		stopDispatcher()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-signalCtx.Done():
		return shutdown()
	case err := <-errCh:
		alertMonitor.Stop()
		retention.Stop()
		dispatcher.Stop()
		stopDispatcher()
		return err
	}
}
