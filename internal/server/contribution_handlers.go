package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/contributions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventRanking   = "ranking"
	eventHeartbeat = "heartbeat"
	eventError     = "error"
)

type collectRequestPayload struct {
	Date string `json:"date"`
}

type collectResponsePayload struct {
	RunID        string `json:"run_id"`
	TerrainID    string `json:"terrain_id"`
	Date         string `json:"date"`
	DeletedCount int    `json:"deleted_count"`
	WrittenCount int    `json:"written_count"`
}

type rankingEntryPayload struct {
	Position           int       `json:"position"`
	KingdomID          string    `json:"kingdom_id"`
	KingdomName        string    `json:"kingdom_name"`
	Continent          string    `json:"continent"`
	ContributionAmount float64   `json:"contribution_amount"`
	CollectedAt        time.Time `json:"collected_at"`
}

type rankingPayload struct {
	TerrainID       string                `json:"terrain_id"`
	Date            string                `json:"date"`
	Collected       bool                  `json:"collected"`
	LastCollectedAt *time.Time            `json:"last_collected_at"`
	Entries         []rankingEntryPayload `json:"entries"`
}

func toRankingPayload(ranking contributions.Ranking) rankingPayload {
	payload := rankingPayload{
		TerrainID: ranking.TerrainID.String(),
		Date:      ranking.Date.String(),
		Collected: ranking.Collected,
		Entries:   make([]rankingEntryPayload, 0, len(ranking.Entries)),
	}
	if ranking.Collected {
		lastCollectedAt := ranking.LastCollectedAt
		payload.LastCollectedAt = &lastCollectedAt
	}
	for _, entry := range ranking.Entries {
		payload.Entries = append(payload.Entries, rankingEntryPayload{
			Position:           entry.Position,
			KingdomID:          entry.Record.KingdomID,
			KingdomName:        entry.Record.KingdomName,
			Continent:          entry.Record.Continent,
			ContributionAmount: entry.Record.ContributionAmount,
			CollectedAt:        entry.Record.CollectedAt,
		})
	}
	return payload
}

func (h *httpHandler) handleCollect(c *gin.Context) {
	terrainID, ok := h.terrainParam(c)
	if !ok {
		return
	}
	var request collectRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	date := contributions.PreviousDay(h.clock(), h.location)
	if strings.TrimSpace(request.Date) != "" {
		parsed, err := contributions.ParseDate(request.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
			return
		}
		date = parsed
	}

	result, err := h.collector.Collect(c.Request.Context(), terrainID, date)
	if err != nil {
		status, code := collectionErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("collection request failed",
				zap.String("terrain_id", terrainID.String()),
				zap.String("date", date.String()),
				zap.Error(err))
		}
		c.JSON(status, gin.H{"error": code})
		return
	}
	c.JSON(http.StatusOK, collectResponsePayload{
		RunID:        result.RunID,
		TerrainID:    result.TerrainID.String(),
		Date:         result.Date.String(),
		DeletedCount: result.DeletedCount,
		WrittenCount: result.WrittenCount,
	})
}

func collectionErrorStatus(err error) (int, string) {
	switch {
	case contributions.IsInProgress(err):
		return http.StatusConflict, "collection_in_progress"
	case errors.Is(err, contributions.ErrInvalidTerrainID):
		return http.StatusBadRequest, "invalid_terrain_id"
	case errors.Is(err, contributions.ErrInvalidDate):
		return http.StatusBadRequest, "invalid_date"
	case errors.Is(err, contributions.ErrFetchFailed):
		return http.StatusBadGateway, "fetch_failed"
	case errors.Is(err, contributions.ErrPersistence):
		return http.StatusInternalServerError, "persistence_failed"
	default:
		return http.StatusInternalServerError, "collection_failed"
	}
}

func (h *httpHandler) handleRanking(c *gin.Context) {
	terrainID, date, ok := h.rankingParams(c)
	if !ok {
		return
	}
	ranking, err := h.ranker.Rank(c.Request.Context(), terrainID, date)
	if err != nil {
		h.logger.Error("ranking request failed",
			zap.String("terrain_id", terrainID.String()),
			zap.String("date", date.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ranking_failed"})
		return
	}
	c.JSON(http.StatusOK, toRankingPayload(ranking))
}

// handleRankingStream pushes the ranking as server-sent events: one "ranking" event on
// connect and one after every change to the terrain day, with periodic heartbeats.
func (h *httpHandler) handleRankingStream(c *gin.Context) {
	terrainID, date, ok := h.rankingParams(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	updates, cancel, err := h.ranker.Subscribe(ctx, terrainID, date)
	if err != nil {
		h.logger.Error("ranking subscription failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case update, open := <-updates:
			if !open {
				return false
			}
			if update.Err != nil {
				h.logger.Warn("ranking stream update failed",
					zap.String("terrain_id", terrainID.String()),
					zap.String("date", date.String()),
					zap.Error(update.Err))
				c.SSEvent(eventError, gin.H{"error": "ranking_failed"})
				return true
			}
			c.SSEvent(eventRanking, toRankingPayload(update.Ranking))
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) terrainParam(c *gin.Context) (contributions.TerrainID, bool) {
	terrainID, err := contributions.NewTerrainID(c.Param("terrainId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_terrain_id"})
		return "", false
	}
	return terrainID, true
}

func (h *httpHandler) rankingParams(c *gin.Context) (contributions.TerrainID, contributions.Date, bool) {
	terrainID, ok := h.terrainParam(c)
	if !ok {
		return "", "", false
	}
	date, err := contributions.ParseDate(c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return "", "", false
	}
	return terrainID, date, true
}
