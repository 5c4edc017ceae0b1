package terrains

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/contributions"
)

const maxNameLength = 190

var (
	// ErrInvalidOwner indicates that the owning user identifier is empty.
	ErrInvalidOwner = errors.New("terrains: invalid owner")
	// ErrInvalidTerrain indicates that a terrain definition failed validation.
	ErrInvalidTerrain = errors.New("terrains: invalid terrain")
	// ErrTerrainNotFound is returned when the owner does not track the terrain.
	ErrTerrainNotFound = errors.New("terrains: terrain not found")
	// ErrDuplicateTerrain is returned when the owner already tracks the terrain.
	ErrDuplicateTerrain = errors.New("terrains: terrain already tracked")
)

// Terrain is one land tracked by a user.
type Terrain struct {
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	TerrainID      string    `gorm:"column:terrain_id;primaryKey;size:190;not null;index"`
	Name           string    `gorm:"column:name;size:190;not null"`
	Level          int       `gorm:"column:level;not null"`
	PointsBaseline float64   `gorm:"column:points_baseline;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName exposes the table backing tracked terrains.
func (Terrain) TableName() string {
	return "tracked_terrains"
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&Terrain{}}
}

// Definition is the user-supplied part of a terrain.
type Definition struct {
	TerrainID      string
	Name           string
	Level          int
	PointsBaseline float64
}

// Normalize trims the definition and validates it.
func (d Definition) Normalize() (Definition, error) {
	terrainID, err := contributions.NewTerrainID(d.TerrainID)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %w", ErrInvalidTerrain, err)
	}
	if !isDigits(terrainID.String()) {
		return Definition{}, fmt.Errorf("%w: terrain id %q is not numeric", ErrInvalidTerrain, terrainID)
	}
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return Definition{}, fmt.Errorf("%w: name required", ErrInvalidTerrain)
	}
	if len(name) > maxNameLength {
		return Definition{}, fmt.Errorf("%w: name exceeds %d characters", ErrInvalidTerrain, maxNameLength)
	}
	if d.Level < 0 {
		return Definition{}, fmt.Errorf("%w: level must not be negative", ErrInvalidTerrain)
	}
	if d.PointsBaseline < 0 || math.IsNaN(d.PointsBaseline) || math.IsInf(d.PointsBaseline, 0) {
		return Definition{}, fmt.Errorf("%w: points baseline must be a non-negative number", ErrInvalidTerrain)
	}
	return Definition{
		TerrainID:      terrainID.String(),
		Name:           name,
		Level:          d.Level,
		PointsBaseline: d.PointsBaseline,
	}, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}
