package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/config"
	"github.com/MarcoPoloResearchLab/terrains/internal/contributions"
	"github.com/MarcoPoloResearchLab/terrains/internal/database"
	"github.com/MarcoPoloResearchLab/terrains/internal/logging"
	"github.com/MarcoPoloResearchLab/terrains/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runtime holds the collaborators shared by every subcommand.
type runtime struct {
	logger    *zap.Logger
	db        *gorm.DB
	sqlDB     *sql.DB
	redis     *redis.Client
	registry  *prometheus.Registry
	feed      *contributions.ChangeFeed
	collector *contributions.Collector
	ranker    *contributions.Ranker
	location  *time.Location
	allowlist []contributions.TerrainID
}

func openRuntime(ctx context.Context, appConfig config.AppConfig) (*runtime, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	rt := &runtime{logger: logger}

	location, err := appConfig.Collector.Location()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.location = location

	for _, raw := range appConfig.Collector.TerrainIDs {
		terrainID, err := contributions.NewTerrainID(raw)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("collector.terrain_ids: %w", err)
		}
		rt.allowlist = append(rt.allowlist, terrainID)
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.db = db
	sqlDB, err := db.DB()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.sqlDB = sqlDB

	claimer, err := rt.openClaimer(ctx, appConfig.Collector.RedisAddress)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collectionMetrics, err := metrics.NewCollectionMetrics(rt.registry)
	if err != nil {
		rt.Close()
		return nil, err
	}

	fetcher, err := contributions.NewLandClient(contributions.LandClientConfig{
		BaseURL: appConfig.Contribution.BaseURL,
		Timeout: appConfig.Contribution.Timeout,
		Logger:  logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.feed = contributions.NewChangeFeed()
	rt.collector, err = contributions.NewCollector(contributions.CollectorConfig{
		Database:   db,
		Fetcher:    fetcher,
		Feed:       rt.feed,
		Claimer:    claimer,
		ClaimTTL:   appConfig.Collector.ClaimTTL,
		Clock:      time.Now,
		IDProvider: contributions.NewUUIDProvider(),
		Observer:   collectionMetrics,
		Logger:     logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.ranker, err = contributions.NewRanker(contributions.RankerConfig{
		Database: db,
		Feed:     rt.feed,
		Logger:   logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// openClaimer prefers redis when an address is configured and falls back to the SQL claims table.
func (rt *runtime) openClaimer(ctx context.Context, redisAddress string) (contributions.Claimer, error) {
	if redisAddress == "" {
		return contributions.NewGormClaimer(rt.db, time.Now)
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddress})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", redisAddress, err)
	}
	rt.redis = client
	rt.logger.Info("collection claims backed by redis", zap.String("address", redisAddress))
	return contributions.NewRedisClaimer(client)
}

func (rt *runtime) Close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.sqlDB != nil {
		_ = rt.sqlDB.Close()
	}
	if rt.logger != nil {
		_ = rt.logger.Sync()
	}
}
