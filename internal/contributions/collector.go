package contributions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCollectorNew = "contributions.collector.new"
	opCollect      = "contributions.collect"

	columnID           = "id"
	columnTerrainID    = "terrain_id"
	columnDate         = "date"
	columnRunID        = "run_id"
	columnStatus       = "status"
	columnChangedAt    = "changed_at"
	queryStateOwner    = "terrain_id = ? AND date = ? AND run_id = ?"
	queryTerrainDate   = "terrain_id = ? AND date = ?"
	queryIDIn          = columnID + " IN ?"
	writeChunkSize     = 200
	reasonInvalidInput = "invalid_input"
)

// Collection outcomes reported to a RunObserver.
const (
	OutcomeSucceeded         = "succeeded"
	OutcomeEmpty             = "empty"
	OutcomeFetchFailed       = "fetch_failed"
	OutcomePersistenceFailed = "persistence_failed"
	OutcomeInProgress        = "in_progress"
)

var noOpLogger = zap.NewNop()

// RunObserver receives one observation per finished collection run.
type RunObserver interface {
	ObserveCollection(outcome string, deleted, written int, duration time.Duration)
}

// CollectorConfig carries every collaborator of the pipeline; nothing is read from globals.
type CollectorConfig struct {
	Database   *gorm.DB
	Fetcher    ContributionFetcher
	Feed       *ChangeFeed
	Claimer    Claimer
	ClaimTTL   time.Duration
	Clock      func() time.Time
	IDProvider IDProvider
	Observer   RunObserver
	Logger     *zap.Logger
}

// Collector runs the clear, fetch and write cycle for one terrain and day.
type Collector struct {
	db         *gorm.DB
	fetcher    ContributionFetcher
	feed       *ChangeFeed
	claimer    Claimer
	claimTTL   time.Duration
	clock      func() time.Time
	idProvider IDProvider
	observer   RunObserver
	logger     *zap.Logger
}

// CollectionResult reports what one run removed and persisted.
type CollectionResult struct {
	RunID        string
	TerrainID    TerrainID
	Date         Date
	DeletedCount int
	WrittenCount int
}

// NewCollector validates cfg and constructs a Collector.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCollectorNew, "missing_database", errMissingDatabase)
	}
	if cfg.Fetcher == nil {
		return nil, newServiceError(opCollectorNew, "missing_fetcher", errMissingFetcher)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Collector{
		db:         cfg.Database,
		fetcher:    cfg.Fetcher,
		feed:       cfg.Feed,
		claimer:    cfg.Claimer,
		claimTTL:   claimTTL,
		clock:      clock,
		idProvider: idProvider,
		observer:   cfg.Observer,
		logger:     logger,
	}, nil
}

// Collect replaces the records of (terrainID, date) with a fresh fetch.
//
// The stale set is deleted and committed before the fetch, so a kingdom missing from the
// new response never survives. A fetch or write failure after that point leaves the day
// empty; callers must not read an empty ranking as a confirmed zero. The new records are
// committed in a single transaction.
func (c *Collector) Collect(ctx context.Context, terrainID TerrainID, date Date) (CollectionResult, error) {
	result := CollectionResult{TerrainID: terrainID, Date: date}
	terrainID, err := NewTerrainID(terrainID.String())
	if err != nil {
		return result, newServiceError(opCollect, reasonInvalidInput, err)
	}
	date, err = ParseDate(date.String())
	if err != nil {
		return result, newServiceError(opCollect, reasonInvalidInput, err)
	}
	result.TerrainID, result.Date = terrainID, date

	startedAt := c.clock()
	fields := []zap.Field{
		zap.String("terrain_id", terrainID.String()),
		zap.String("date", date.String()),
	}

	if c.claimer != nil {
		claimKey := ClaimKey(terrainID, date)
		token, claimed, err := c.claimer.Claim(ctx, claimKey, c.claimTTL)
		if err != nil {
			c.logError(opCollect, "claim_failed", err, fields...)
			c.observe(OutcomePersistenceFailed, result, startedAt)
			return result, persistenceError(opCollect, "claim_failed", err)
		}
		if !claimed {
			c.logger.Info("collection already in progress", fields...)
			c.observe(OutcomeInProgress, result, startedAt)
			return result, newServiceError(opCollect, "in_progress", ErrCollectionInProgress)
		}
		defer func() {
			if err := c.claimer.Release(context.WithoutCancel(ctx), claimKey, token); err != nil {
				c.logError(opCollect, "claim_release_failed", err, fields...)
			}
		}()
	}

	runID, err := c.idProvider.NewID()
	if err != nil {
		c.logError(opCollect, "id_generation_failed", err, fields...)
		return result, newServiceError(opCollect, "id_generation_failed", err)
	}
	result.RunID = runID
	fields = append(fields, zap.String("run_id", runID))

	if err := c.markRunning(ctx, result, startedAt); err != nil {
		c.logError(opCollect, "state_update_failed", err, fields...)
		c.observe(OutcomePersistenceFailed, result, startedAt)
		return result, persistenceError(opCollect, "state_update_failed", err)
	}

	deleted, err := c.clearStale(ctx, terrainID, date)
	if err != nil {
		c.logError(opCollect, "clear_failed", err, fields...)
		c.finish(ctx, result, startedAt, RunStatusFailed, opCollect+".clear_failed")
		c.observe(OutcomePersistenceFailed, result, startedAt)
		return result, persistenceError(opCollect, "clear_failed", err)
	}
	result.DeletedCount = deleted
	if deleted > 0 {
		c.publish(terrainID, date, ChangeKindCleared, deleted)
	}

	entries, err := c.fetcher.Fetch(ctx, terrainID, date, date)
	if err != nil {
		c.logError(opCollect, "fetch_failed", err, append(fields, zap.Int("deleted", deleted))...)
		c.finish(ctx, result, startedAt, RunStatusFailed, opCollect+".fetch_failed")
		c.observe(OutcomeFetchFailed, result, startedAt)
		return result, newServiceError(opCollect, "fetch_failed", fmt.Errorf("%w: %w", ErrFetchFailed, err))
	}

	if len(entries) == 0 {
		c.logger.Info("no contributions for terrain day", append(fields, zap.Int("deleted", deleted))...)
		c.finish(ctx, result, startedAt, RunStatusSucceeded, "")
		c.observe(OutcomeEmpty, result, startedAt)
		return result, nil
	}

	records := buildRecords(terrainID, date, entries, c.clock().UTC())
	if err := c.writeBatch(ctx, records); err != nil {
		c.logError(opCollect, "batch_write_failed", err, append(fields, zap.Int("records", len(records)))...)
		c.finish(ctx, result, startedAt, RunStatusFailed, opCollect+".batch_write_failed")
		c.observe(OutcomePersistenceFailed, result, startedAt)
		return result, persistenceError(opCollect, "batch_write_failed", err)
	}
	result.WrittenCount = len(records)
	c.publish(terrainID, date, ChangeKindWritten, len(records))

	c.logger.Info("contributions collected",
		append(fields, zap.Int("deleted", deleted), zap.Int("written", len(records)))...)
	c.finish(ctx, result, startedAt, RunStatusSucceeded, "")
	c.observe(OutcomeSucceeded, result, startedAt)
	return result, nil
}

func (c *Collector) clearStale(ctx context.Context, terrainID TerrainID, date Date) (int, error) {
	deleted := 0
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var staleIDs []string
		if err := tx.Model(&DailyContribution{}).
			Where(queryTerrainDate, terrainID.String(), date.String()).
			Pluck(columnID, &staleIDs).Error; err != nil {
			return err
		}
		if len(staleIDs) == 0 {
			return nil
		}
		outcome := tx.Where(queryIDIn, staleIDs).Delete(&DailyContribution{})
		if outcome.Error != nil {
			return outcome.Error
		}
		deleted = int(outcome.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (c *Collector) writeBatch(ctx context.Context, records []DailyContribution) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(records); start += writeChunkSize {
			end := min(start+writeChunkSize, len(records))
			chunk := records[start:end]
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: columnID}},
				UpdateAll: true,
			}).Create(&chunk).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// buildRecords keys every entry by terrain, kingdom and day. A kingdom repeated in one
// response keeps its last entry and its first position.
func buildRecords(terrainID TerrainID, date Date, entries []KingdomContribution, collectedAt time.Time) []DailyContribution {
	records := make([]DailyContribution, 0, len(entries))
	positions := make(map[KingdomID]int, len(entries))
	for _, entry := range entries {
		record := DailyContribution{
			ID:                 RecordKey(terrainID, entry.KingdomID, date),
			TerrainID:          terrainID.String(),
			KingdomID:          entry.KingdomID.String(),
			Date:               date.String(),
			ContributionAmount: entry.Total,
			KingdomName:        entry.Name,
			Continent:          entry.Continent,
			CollectedAt:        collectedAt,
		}
		if index, seen := positions[entry.KingdomID]; seen {
			records[index] = record
			continue
		}
		positions[entry.KingdomID] = len(records)
		records = append(records, record)
	}
	return records
}

func (c *Collector) finish(ctx context.Context, result CollectionResult, startedAt time.Time, status RunStatus, errorCode string) {
	if result.RunID == "" {
		return
	}
	run := CollectionRun{
		RunID:        result.RunID,
		TerrainID:    result.TerrainID.String(),
		Date:         result.Date.String(),
		Status:       status,
		DeletedCount: result.DeletedCount,
		WrittenCount: result.WrittenCount,
		ErrorCode:    errorCode,
		StartedAt:    startedAt.UTC(),
		FinishedAt:   c.clock().UTC(),
	}
	err := c.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		// A newer run may own the key by now; its state is left alone.
		return tx.Model(&CollectionState{}).
			Where(queryStateOwner, run.TerrainID, run.Date, run.RunID).
			Updates(map[string]any{columnStatus: status, columnChangedAt: run.FinishedAt}).Error
	})
	if err != nil {
		c.logError(opCollect, "run_record_failed", err,
			zap.String("run_id", result.RunID),
			zap.String("terrain_id", result.TerrainID.String()),
			zap.String("date", result.Date.String()))
	}
}

// markRunning records result's run as the latest for its key, so readers stop treating
// the day as collected until the run finishes.
func (c *Collector) markRunning(ctx context.Context, result CollectionResult, startedAt time.Time) error {
	state := CollectionState{
		TerrainID: result.TerrainID.String(),
		Date:      result.Date.String(),
		RunID:     result.RunID,
		Status:    RunStatusRunning,
		ChangedAt: startedAt.UTC(),
	}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnTerrainID}, {Name: columnDate}},
		DoUpdates: clause.AssignmentColumns([]string{columnRunID, columnStatus, columnChangedAt}),
	}).Create(&state).Error
}

func (c *Collector) publish(terrainID TerrainID, date Date, kind ChangeKind, count int) {
	if c.feed == nil {
		return
	}
	c.feed.Publish(ContributionChange{
		TerrainID: terrainID,
		Date:      date,
		Kind:      kind,
		Count:     count,
		Timestamp: c.clock().UTC(),
	})
}

func (c *Collector) observe(outcome string, result CollectionResult, startedAt time.Time) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveCollection(outcome, result.DeletedCount, result.WrittenCount, c.clock().Sub(startedAt))
}

func (c *Collector) loggerOrDefault() *zap.Logger {
	if c == nil || c.logger == nil {
		return noOpLogger
	}
	return c.logger
}

func (c *Collector) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.loggerOrDefault().Error("contribution collector error", attrs...)
}

// IsInProgress reports whether err is a claim rejection rather than a failure.
func IsInProgress(err error) bool {
	return errors.Is(err, ErrCollectionInProgress)
}
