package terrains

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/contributions"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "terrains.service.new"
	opList       = "terrains.list"
	opCreate     = "terrains.create"
	opUpdate     = "terrains.update"
	opDelete     = "terrains.delete"
	opTracked    = "terrains.tracked_ids"

	queryOwnerTerrain = "user_id = ? AND terrain_id = ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the terrain registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages the terrains each user tracks.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// List returns the terrains of userID in the order they were added.
func (s *Service) List(ctx context.Context, userID string) ([]Terrain, error) {
	owner, err := normalizeOwner(userID)
	if err != nil {
		return nil, newServiceError(opList, "invalid_owner", err)
	}
	terrains := []Terrain{}
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", owner).
		Order("created_at ASC, terrain_id ASC").
		Find(&terrains).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", owner))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return terrains, nil
}

// Create starts tracking a terrain for userID.
func (s *Service) Create(ctx context.Context, userID string, definition Definition) (Terrain, error) {
	owner, err := normalizeOwner(userID)
	if err != nil {
		return Terrain{}, newServiceError(opCreate, "invalid_owner", err)
	}
	normalized, err := definition.Normalize()
	if err != nil {
		return Terrain{}, newServiceError(opCreate, "invalid_terrain", err)
	}
	now := s.clock().UTC()
	terrain := Terrain{
		UserID:         owner,
		TerrainID:      normalized.TerrainID,
		Name:           normalized.Name,
		Level:          normalized.Level,
		PointsBaseline: normalized.PointsBaseline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&terrain)
	if result.Error != nil {
		s.logError(opCreate, "insert_failed", result.Error,
			zap.String("user_id", owner),
			zap.String("terrain_id", terrain.TerrainID))
		return Terrain{}, newServiceError(opCreate, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Terrain{}, newServiceError(opCreate, "duplicate", ErrDuplicateTerrain)
	}
	return terrain, nil
}

// Update replaces the name, level and points baseline of a tracked terrain.
// The terrain id in definition must match terrainID.
func (s *Service) Update(ctx context.Context, userID, terrainID string, definition Definition) (Terrain, error) {
	owner, err := normalizeOwner(userID)
	if err != nil {
		return Terrain{}, newServiceError(opUpdate, "invalid_owner", err)
	}
	if strings.TrimSpace(definition.TerrainID) == "" {
		definition.TerrainID = terrainID
	}
	normalized, err := definition.Normalize()
	if err != nil {
		return Terrain{}, newServiceError(opUpdate, "invalid_terrain", err)
	}
	if normalized.TerrainID != strings.TrimSpace(terrainID) {
		return Terrain{}, newServiceError(opUpdate, "invalid_terrain",
			fmt.Errorf("%w: terrain id cannot change", ErrInvalidTerrain))
	}

	var updated Terrain
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryOwnerTerrain, owner, normalized.TerrainID).Take(&updated).Error; err != nil {
			return err
		}
		updated.Name = normalized.Name
		updated.Level = normalized.Level
		updated.PointsBaseline = normalized.PointsBaseline
		updated.UpdatedAt = s.clock().UTC()
		return tx.Save(&updated).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Terrain{}, newServiceError(opUpdate, "not_found", ErrTerrainNotFound)
	}
	if err != nil {
		s.logError(opUpdate, "save_failed", err,
			zap.String("user_id", owner),
			zap.String("terrain_id", normalized.TerrainID))
		return Terrain{}, newServiceError(opUpdate, "save_failed", err)
	}
	return updated, nil
}

// Delete stops tracking a terrain. Collected contribution records are kept.
func (s *Service) Delete(ctx context.Context, userID, terrainID string) error {
	owner, err := normalizeOwner(userID)
	if err != nil {
		return newServiceError(opDelete, "invalid_owner", err)
	}
	id := strings.TrimSpace(terrainID)
	result := s.db.WithContext(ctx).Where(queryOwnerTerrain, owner, id).Delete(&Terrain{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error,
			zap.String("user_id", owner),
			zap.String("terrain_id", id))
		return newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDelete, "not_found", ErrTerrainNotFound)
	}
	return nil
}

// TrackedTerrainIDs returns every terrain id tracked by at least one user, ascending.
func (s *Service) TrackedTerrainIDs(ctx context.Context) ([]contributions.TerrainID, error) {
	var raw []string
	if err := s.db.WithContext(ctx).
		Model(&Terrain{}).
		Distinct("terrain_id").
		Order("terrain_id ASC").
		Pluck("terrain_id", &raw).Error; err != nil {
		s.logError(opTracked, "query_failed", err)
		return nil, newServiceError(opTracked, "query_failed", err)
	}
	ids := make([]contributions.TerrainID, 0, len(raw))
	for _, value := range raw {
		ids = append(ids, contributions.TerrainID(value))
	}
	return ids, nil
}

func normalizeOwner(userID string) (string, error) {
	owner := strings.TrimSpace(userID)
	if owner == "" {
		return "", ErrInvalidOwner
	}
	return owner, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("terrain registry error", attrs...)
}
