package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/MarcoPoloResearchLab/terrains/internal/auth"
	"github.com/MarcoPoloResearchLab/terrains/internal/config"
	"github.com/MarcoPoloResearchLab/terrains/internal/scheduler"
	"github.com/MarcoPoloResearchLab/terrains/internal/server"
	"github.com/MarcoPoloResearchLab/terrains/internal/terrains"
	"github.com/MarcoPoloResearchLab/terrains/internal/users"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "terrains-api",
		Short: "Terrain contribution collector and ranking service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the collection schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newCollectCommand())
	rootCmd.AddCommand(newWatchCommand())

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
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("contribution-url", defaults.GetString("contribution.base_url"), "Contribution API base URL")
	cmd.PersistentFlags().Duration("contribution-timeout", defaults.GetDuration("contribution.timeout"), "Contribution API request timeout")
	cmd.PersistentFlags().Bool("schedule", defaults.GetBool("collector.schedule_enabled"), "Collect yesterday's contributions on a schedule")
	cmd.PersistentFlags().Duration("collect-interval", defaults.GetDuration("collector.interval"), "Interval between scheduled collections")
	cmd.PersistentFlags().StringSlice("collect-terrains", nil, "Terrain ids to collect on schedule (defaults to tracked terrains)")
	cmd.PersistentFlags().String("timezone", defaults.GetString("collector.timezone"), "Timezone that defines the collected day")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("collector.redis_address"), "Redis address for collection claims")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "contribution.base_url", "contribution-url")
	bindFlag(cmd, "contribution.timeout", "contribution-timeout")
	bindFlag(cmd, "collector.schedule_enabled", "schedule")
	bindFlag(cmd, "collector.interval", "collect-interval")
	bindFlag(cmd, "collector.terrain_ids", "collect-terrains")
	bindFlag(cmd, "collector.timezone", "timezone")
	bindFlag(cmd, "collector.redis_address", "redis-address")
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
	if err := appConfig.RequireSession(); err != nil {
		return err
	}

	rt, err := openRuntime(ctx, appConfig)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.Session.SigningSecret),
		Issuer:        appConfig.Session.Issuer,
		CookieName:    appConfig.Session.CookieName,
	})
	if err != nil {
		return err
	}

	terrainService, err := terrains.NewService(terrains.ServiceConfig{
		Database: rt.db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	owners, err := users.NewService(users.ServiceConfig{
		Database: rt.db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Owners:           owners,
		TerrainService:   terrainService,
		Collector:        rt.collector,
		Ranker:           rt.ranker,
		MetricsHandler:   promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}),
		AllowedOrigins:   appConfig.AllowedOrigins,
		Clock:            time.Now,
		Location:         rt.location,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ranking streams end with the signal context so Shutdown does not wait on them.
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	if appConfig.Collector.ScheduleEnabled {
		collectionScheduler, err := scheduler.New(scheduler.Params{
			Config: scheduler.Config{
				RunInterval: appConfig.Collector.Interval,
				TerrainIDs:  rt.allowlist,
				Location:    rt.location,
			},
			Collector: rt.collector,
			Terrains:  terrainService,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		go collectionScheduler.RunForever(signalCtx)
		logger.Info("collection schedule enabled",
			zap.Duration("interval", appConfig.Collector.Interval),
			zap.Int("allowlist_size", len(rt.allowlist)))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
