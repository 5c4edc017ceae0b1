package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/terrains/internal/contributions"
	"github.com/MarcoPoloResearchLab/terrains/internal/terrains"
	"github.com/MarcoPoloResearchLab/terrains/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the service owns.
func Models() []any {
	models := append([]any{}, contributions.Models()...)
	models = append(models, terrains.Models()...)
	models = append(models, &users.Identity{}, &migrationRecord{})
	return models
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The pool is capped at one connection; callers must not nest queries on the
// root handle inside a transaction callback.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
