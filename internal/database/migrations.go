package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/contributions"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationBackfillCollectionRuns = "2025-06-10_backfill_collection_runs"
	migrationPurgeExpiredClaims     = "2025-06-10_purge_expired_claims"
	migrationSeedCollectionStates   = "2025-06-24_seed_collection_states"

	backfillRunPrefix = "backfill_"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillCollectionRuns, apply: backfillCollectionRuns},
		{name: migrationPurgeExpiredClaims, apply: purgeExpiredClaims},
		{name: migrationSeedCollectionStates, apply: seedCollectionStates},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

type collectedDay struct {
	TerrainID string
	Date      string
	Records   int
}

// backfillCollectionRuns records one succeeded run for every terrain day that holds
// contributions but predates run history, so rankings report it as collected.
func backfillCollectionRuns(db *gorm.DB) error {
	var days []collectedDay
	if err := db.Model(&contributions.DailyContribution{}).
		Select("terrain_id, date, COUNT(*) AS records").
		Where("NOT EXISTS (SELECT 1 FROM collection_runs r WHERE r.terrain_id = daily_contributions.terrain_id AND r.date = daily_contributions.date)").
		Group("terrain_id, date").
		Scan(&days).Error; err != nil {
		return err
	}
	if len(days) == 0 {
		return nil
	}
	now := time.Now().UTC()
	runs := make([]contributions.CollectionRun, 0, len(days))
	for _, day := range days {
		runs = append(runs, contributions.CollectionRun{
			RunID:        backfillRunPrefix + day.TerrainID + "_" + day.Date,
			TerrainID:    day.TerrainID,
			Date:         day.Date,
			Status:       contributions.RunStatusSucceeded,
			WrittenCount: day.Records,
			StartedAt:    now,
			FinishedAt:   now,
		})
	}
	return db.CreateInBatches(&runs, 200).Error
}

func purgeExpiredClaims(db *gorm.DB) error {
	return db.Where("expires_at <= ?", time.Now().UTC()).Delete(&contributions.CollectionClaim{}).Error
}

// seedCollectionStates derives each terrain day's state from its latest recorded run.
// Runs left unfinished by an earlier process count as failed.
func seedCollectionStates(db *gorm.DB) error {
	var runs []contributions.CollectionRun
	if err := db.Order("terrain_id, date, finished_at DESC, run_id DESC").Find(&runs).Error; err != nil {
		return err
	}
	states := make([]contributions.CollectionState, 0, len(runs))
	for _, run := range runs {
		if len(states) > 0 {
			last := states[len(states)-1]
			if last.TerrainID == run.TerrainID && last.Date == run.Date {
				continue
			}
		}
		status := run.Status
		if status != contributions.RunStatusSucceeded {
			status = contributions.RunStatusFailed
		}
		states = append(states, contributions.CollectionState{
			TerrainID: run.TerrainID,
			Date:      run.Date,
			RunID:     run.RunID,
			Status:    status,
			ChangedAt: run.FinishedAt,
		})
	}
	if len(states) == 0 {
		return nil
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&states, 200).Error
}
