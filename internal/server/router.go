package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/auth"
	"github.com/MarcoPoloResearchLab/terrains/internal/contributions"
	"github.com/MarcoPoloResearchLab/terrains/internal/terrains"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ownerIDContextKey        = "terrains_owner_id"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingOwnerResolver    = errors.New("owner resolver dependency required")
	errMissingTerrainService   = errors.New("terrain service dependency required")
	errMissingCollector        = errors.New("collector dependency required")
	errMissingRanker           = errors.New("ranker dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type OwnerResolver interface {
	ResolveOwner(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type CollectionRunner interface {
	Collect(ctx context.Context, terrainID contributions.TerrainID, date contributions.Date) (contributions.CollectionResult, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Owners            OwnerResolver
	TerrainService    *terrains.Service
	Collector         CollectionRunner
	Ranker            *contributions.Ranker
	MetricsHandler    http.Handler
	AllowedOrigins    []string
	Clock             func() time.Time
	Location          *time.Location
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Owners == nil {
		return nil, errMissingOwnerResolver
	}
	if deps.TerrainService == nil {
		return nil, errMissingTerrainService
	}
	if deps.Collector == nil {
		return nil, errMissingCollector
	}
	if deps.Ranker == nil {
		return nil, errMissingRanker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	location := deps.Location
	if location == nil {
		location = time.Local
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		owners:            deps.Owners,
		terrainService:    deps.TerrainService,
		collector:         deps.Collector,
		ranker:            deps.Ranker,
		clock:             clock,
		location:          location,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/terrains", handler.handleListTerrains)
	protected.POST("/terrains", handler.handleCreateTerrain)
	protected.PUT("/terrains/:terrainId", handler.handleUpdateTerrain)
	protected.DELETE("/terrains/:terrainId", handler.handleDeleteTerrain)
	protected.POST("/terrains/:terrainId/collections", handler.handleCollect)
	protected.GET("/terrains/:terrainId/rankings/:date", handler.handleRanking)
	protected.GET("/terrains/:terrainId/rankings/:date/stream", handler.handleRankingStream)

	return router, nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: len(origins) > 0,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

type httpHandler struct {
	sessions          SessionValidator
	owners            OwnerResolver
	terrainService    *terrains.Service
	collector         CollectionRunner
	ranker            *contributions.Ranker
	clock             func() time.Time
	location          *time.Location
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ownerID, err := h.owners.ResolveOwner(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("owner resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, ownerID)
	c.Next()
}
