package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/terrains"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type terrainRequestPayload struct {
	TerrainID      string  `json:"terrain_id"`
	Name           string  `json:"name"`
	Level          int     `json:"level"`
	PointsBaseline float64 `json:"points_baseline"`
}

type terrainPayload struct {
	TerrainID      string    `json:"terrain_id"`
	Name           string    `json:"name"`
	Level          int       `json:"level"`
	PointsBaseline float64   `json:"points_baseline"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type terrainListPayload struct {
	Terrains []terrainPayload `json:"terrains"`
}

func toTerrainPayload(terrain terrains.Terrain) terrainPayload {
	return terrainPayload{
		TerrainID:      terrain.TerrainID,
		Name:           terrain.Name,
		Level:          terrain.Level,
		PointsBaseline: terrain.PointsBaseline,
		CreatedAt:      terrain.CreatedAt,
		UpdatedAt:      terrain.UpdatedAt,
	}
}

func (h *httpHandler) handleListTerrains(c *gin.Context) {
	owned, err := h.terrainService.List(c.Request.Context(), c.GetString(ownerIDContextKey))
	if err != nil {
		h.respondTerrainError(c, err)
		return
	}
	response := terrainListPayload{Terrains: make([]terrainPayload, 0, len(owned))}
	for _, terrain := range owned {
		response.Terrains = append(response.Terrains, toTerrainPayload(terrain))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateTerrain(c *gin.Context) {
	var request terrainRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.terrainService.Create(c.Request.Context(), c.GetString(ownerIDContextKey), terrains.Definition{
		TerrainID:      request.TerrainID,
		Name:           request.Name,
		Level:          request.Level,
		PointsBaseline: request.PointsBaseline,
	})
	if err != nil {
		h.respondTerrainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTerrainPayload(created))
}

func (h *httpHandler) handleUpdateTerrain(c *gin.Context) {
	var request terrainRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.terrainService.Update(c.Request.Context(), c.GetString(ownerIDContextKey), c.Param("terrainId"), terrains.Definition{
		TerrainID:      request.TerrainID,
		Name:           request.Name,
		Level:          request.Level,
		PointsBaseline: request.PointsBaseline,
	})
	if err != nil {
		h.respondTerrainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTerrainPayload(updated))
}

func (h *httpHandler) handleDeleteTerrain(c *gin.Context) {
	if err := h.terrainService.Delete(c.Request.Context(), c.GetString(ownerIDContextKey), c.Param("terrainId")); err != nil {
		h.respondTerrainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondTerrainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, terrains.ErrInvalidTerrain):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_terrain"})
	case errors.Is(err, terrains.ErrInvalidOwner):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, terrains.ErrDuplicateTerrain):
		c.JSON(http.StatusConflict, gin.H{"error": "terrain_exists"})
	case errors.Is(err, terrains.ErrTerrainNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "terrain_not_found"})
	default:
		h.logger.Error("terrain registry request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "terrain_registry_failed"})
	}
}
