package terrains

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/contributions"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "terrains.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	tick := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	service, err := NewService(ServiceConfig{
		Database: database,
		Clock: func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, database
}

func TestCreateAndListTerrains(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.Create(ctx, "user-1", Definition{TerrainID: " 158489 ", Name: "Verdant Plain", Level: 4, PointsBaseline: 1807575}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.Create(ctx, "user-1", Definition{TerrainID: "158233", Name: "Dragon Peaks", Level: 5, PointsBaseline: 1543200}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.Create(ctx, "user-2", Definition{TerrainID: "3", Name: "Shadow Forest", Level: 3}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	listed, err := service.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 || listed[0].TerrainID != "158489" || listed[1].TerrainID != "158233" {
		t.Fatalf("expected terrains in insertion order, got %+v", listed)
	}
	if listed[0].Name != "Verdant Plain" || listed[0].Level != 4 || listed[0].PointsBaseline != 1807575 {
		t.Fatalf("unexpected stored terrain: %+v", listed[0])
	}

	empty, err := service.List(ctx, "user-3")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", empty)
	}
}

func TestCreateRejectsDuplicateAndInvalidTerrains(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.Create(ctx, "user-1", Definition{TerrainID: "158489", Name: "Verdant Plain", Level: 4}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := service.Create(ctx, "user-1", Definition{TerrainID: "158489", Name: "Again", Level: 1}); !errors.Is(err, ErrDuplicateTerrain) {
		t.Fatalf("expected ErrDuplicateTerrain, got %v", err)
	}

	invalid := map[string]Definition{
		"non-numeric":       {TerrainID: "abc", Name: "Name", Level: 1},
		"blank-id":          {TerrainID: " ", Name: "Name", Level: 1},
		"blank-name":        {TerrainID: "1", Name: "  ", Level: 1},
		"negative-level":    {TerrainID: "1", Name: "Name", Level: -1},
		"negative-baseline": {TerrainID: "1", Name: "Name", Level: 1, PointsBaseline: -5},
	}
	for name, definition := range invalid {
		t.Run(name, func(t *testing.T) {
			if _, err := service.Create(ctx, "user-1", definition); !errors.Is(err, ErrInvalidTerrain) {
				t.Fatalf("expected ErrInvalidTerrain, got %v", err)
			}
		})
	}

	if _, err := service.Create(ctx, " ", Definition{TerrainID: "1", Name: "Name"}); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("expected ErrInvalidOwner, got %v", err)
	}
}

func TestUpdateTerrain(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	created, err := service.Create(ctx, "user-1", Definition{TerrainID: "158489", Name: "Verdant Plain", Level: 4, PointsBaseline: 10})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated, err := service.Update(ctx, "user-1", "158489", Definition{Name: "Verdant Plain II", Level: 5, PointsBaseline: 20})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Name != "Verdant Plain II" || updated.Level != 5 || updated.PointsBaseline != 20 {
		t.Fatalf("unexpected updated terrain: %+v", updated)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("expected updated_at to advance")
	}

	if _, err := service.Update(ctx, "user-2", "158489", Definition{Name: "Other", Level: 1}); !errors.Is(err, ErrTerrainNotFound) {
		t.Fatalf("expected ErrTerrainNotFound for another owner, got %v", err)
	}
	if _, err := service.Update(ctx, "user-1", "158489", Definition{TerrainID: "158233", Name: "Moved", Level: 1}); !errors.Is(err, ErrInvalidTerrain) {
		t.Fatalf("expected ErrInvalidTerrain when changing id, got %v", err)
	}
}

func TestDeleteTerrain(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.Create(ctx, "user-1", Definition{TerrainID: "158489", Name: "Verdant Plain", Level: 4}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := service.Delete(ctx, "user-2", "158489"); !errors.Is(err, ErrTerrainNotFound) {
		t.Fatalf("expected ErrTerrainNotFound for another owner, got %v", err)
	}
	if err := service.Delete(ctx, "user-1", "158489"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	listed, err := service.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no terrains after delete, got %+v", listed)
	}
}

func TestTrackedTerrainIDsAreDistinct(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	for _, entry := range []struct {
		user    string
		terrain string
	}{
		{user: "user-1", terrain: "158489"},
		{user: "user-2", terrain: "158489"},
		{user: "user-2", terrain: "158233"},
	} {
		if _, err := service.Create(ctx, entry.user, Definition{TerrainID: entry.terrain, Name: "Land", Level: 1}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	ids, err := service.TrackedTerrainIDs(ctx)
	if err != nil {
		t.Fatalf("tracked ids failed: %v", err)
	}
	expected := []contributions.TerrainID{"158233", "158489"}
	if !reflect.DeepEqual(ids, expected) {
		t.Fatalf("expected %v, got %v", expected, ids)
	}
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected errMissingDatabase, got %v", err)
	}
}
