package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/contributions"
	"go.uber.org/zap"
)

var (
	errMissingCollector = errors.New("scheduler: collector is required")
	errMissingTargets   = errors.New("scheduler: terrain allowlist or registry is required")
)

// Collector runs one collection for a terrain and day.
type Collector interface {
	Collect(ctx context.Context, terrainID contributions.TerrainID, date contributions.Date) (contributions.CollectionResult, error)
}

// TerrainSource lists the terrains to collect when no allowlist is configured.
type TerrainSource interface {
	TrackedTerrainIDs(ctx context.Context) ([]contributions.TerrainID, error)
}

// Config controls what the scheduler collects and how often.
type Config struct {
	RunInterval time.Duration
	TerrainIDs  []contributions.TerrainID
	Location    *time.Location
	RunTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 24 * time.Hour,
		Location:    time.Local,
		RunTimeout:  2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.Location == nil {
		c.Location = defaults.Location
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	return c
}

// Params carries the scheduler collaborators.
type Params struct {
	Config    Config
	Collector Collector
	Terrains  TerrainSource
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Scheduler collects yesterday's contributions for every target terrain.
type Scheduler struct {
	cfg       Config
	collector Collector
	terrains  TerrainSource
	clock     func() time.Time
	log       *zap.Logger
}

func New(p Params) (*Scheduler, error) {
	if p.Collector == nil {
		return nil, errMissingCollector
	}
	cfg := p.Config.withDefaults()
	if len(cfg.TerrainIDs) == 0 && p.Terrains == nil {
		return nil, errMissingTargets
	}
	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		collector: p.Collector,
		terrains:  p.Terrains,
		clock:     clock,
		log:       logger.Named("scheduler"),
	}, nil
}

// RunOnce collects the previous calendar day for each target terrain.
// A failing terrain does not stop the others; all failures are joined into the result.
func (s *Scheduler) RunOnce(parent context.Context) error {
	date := contributions.PreviousDay(s.clock(), s.cfg.Location)
	targets, err := s.targets(parent)
	if err != nil {
		s.log.Error("scheduler target lookup failed", zap.Error(err))
		return err
	}
	if len(targets) == 0 {
		s.log.Info("scheduler has no terrains to collect", zap.String("date", date.String()))
		return nil
	}

	var runErr error
	succeeded := 0
	for _, terrainID := range targets {
		if parent.Err() != nil {
			return errors.Join(runErr, parent.Err())
		}
		result, err := s.collectOne(parent, terrainID, date)
		if err != nil {
			if contributions.IsInProgress(err) {
				s.log.Info("collection skipped, already in progress",
					zap.String("terrain_id", terrainID.String()),
					zap.String("date", date.String()))
				continue
			}
			s.log.Warn("terrain collection failed",
				zap.String("terrain_id", terrainID.String()),
				zap.String("date", date.String()),
				zap.Error(err))
			runErr = errors.Join(runErr, fmt.Errorf("terrain %s: %w", terrainID, err))
			continue
		}
		succeeded++
		s.log.Info("terrain collected",
			zap.String("terrain_id", terrainID.String()),
			zap.String("date", date.String()),
			zap.Int("deleted", result.DeletedCount),
			zap.Int("written", result.WrittenCount))
	}
	s.log.Info("scheduler run finished",
		zap.String("date", date.String()),
		zap.Int("terrains", len(targets)),
		zap.Int("succeeded", succeeded))
	return runErr
}

// RunForever calls RunOnce immediately and then on every tick until ctx ends.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) collectOne(parent context.Context, terrainID contributions.TerrainID, date contributions.Date) (contributions.CollectionResult, error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.RunTimeout)
	defer cancel()
	return s.collector.Collect(ctx, terrainID, date)
}

func (s *Scheduler) targets(ctx context.Context) ([]contributions.TerrainID, error) {
	if len(s.cfg.TerrainIDs) > 0 {
		return s.cfg.TerrainIDs, nil
	}
	return s.terrains.TrackedTerrainIDs(ctx)
}
