package contributions

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRankerNew  = "contributions.ranker.new"
	opRank       = "contributions.rank"
	opSubscribe  = "contributions.subscribe"
	orderRanking = "contribution_amount DESC, kingdom_id ASC"
)

var (
	errMissingRankingFeed = errors.New("change feed is required for subscriptions")
	errTrackerClosed      = errors.New("contributions: tracker closed")
)

// RankedContribution is a persisted record annotated with its 1-based position.
type RankedContribution struct {
	Position int
	Record   DailyContribution
}

// Ranking is the ordered view of one terrain and day.
// Collected is true only when the latest run for the key succeeded. A key never collected,
// one whose latest run failed after clearing, and one with a run still in flight all report
// false, which is how callers tell an unknown day apart from "collected, nobody contributed".
type Ranking struct {
	TerrainID       TerrainID
	Date            Date
	Entries         []RankedContribution
	Collected       bool
	LastCollectedAt time.Time
}

// RankingUpdate is one delivery of a live subscription.
type RankingUpdate struct {
	Ranking Ranking
	Err     error
}

// RankerConfig describes the collaborators of a Ranker.
type RankerConfig struct {
	Database *gorm.DB
	Feed     *ChangeFeed
	Logger   *zap.Logger
}

// Ranker reads persisted records and orders them into rankings.
type Ranker struct {
	db     *gorm.DB
	feed   *ChangeFeed
	logger *zap.Logger
}

// NewRanker constructs a Ranker. Feed may be nil when live subscriptions are not needed.
func NewRanker(cfg RankerConfig) (*Ranker, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRankerNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ranker{
		db:     cfg.Database,
		feed:   cfg.Feed,
		logger: logger,
	}, nil
}

// Rank returns the records of (terrainID, date) ordered by amount descending, ties by kingdom id.
func (r *Ranker) Rank(ctx context.Context, terrainID TerrainID, date Date) (Ranking, error) {
	ranking := Ranking{TerrainID: terrainID, Date: date, Entries: []RankedContribution{}}
	terrainID, err := NewTerrainID(terrainID.String())
	if err != nil {
		return ranking, newServiceError(opRank, reasonInvalidInput, err)
	}
	date, err = ParseDate(date.String())
	if err != nil {
		return ranking, newServiceError(opRank, reasonInvalidInput, err)
	}
	ranking.TerrainID, ranking.Date = terrainID, date

	var records []DailyContribution
	if err := r.db.WithContext(ctx).
		Where(queryTerrainDate, terrainID.String(), date.String()).
		Order(orderRanking).
		Find(&records).Error; err != nil {
		r.logger.Error("ranking query failed",
			zap.String("terrain_id", terrainID.String()),
			zap.String("date", date.String()),
			zap.Error(err))
		return ranking, persistenceError(opRank, "query_failed", err)
	}
	ranking.Entries = rankRecords(records)

	var states []CollectionState
	if err := r.db.WithContext(ctx).
		Where(queryTerrainDate, terrainID.String(), date.String()).
		Limit(1).
		Find(&states).Error; err != nil {
		r.logger.Error("collection state lookup failed",
			zap.String("terrain_id", terrainID.String()),
			zap.String("date", date.String()),
			zap.Error(err))
		return ranking, persistenceError(opRank, "state_lookup_failed", err)
	}
	if len(states) > 0 && states[0].Status == RunStatusSucceeded {
		ranking.Collected = true
		ranking.LastCollectedAt = states[0].ChangedAt
	}
	return ranking, nil
}

// rankRecords assigns position = index + 1 over an already sorted slice.
func rankRecords(records []DailyContribution) []RankedContribution {
	entries := make([]RankedContribution, 0, len(records))
	for index, record := range records {
		entries = append(entries, RankedContribution{Position: index + 1, Record: record})
	}
	return entries
}

// Subscribe delivers the current ranking, then a full recomputed ranking after every
// change to (terrainID, date). The channel closes when ctx ends or cancel is called.
func (r *Ranker) Subscribe(ctx context.Context, terrainID TerrainID, date Date) (<-chan RankingUpdate, func(), error) {
	if r.feed == nil {
		return nil, nil, newServiceError(opSubscribe, "missing_feed", errMissingRankingFeed)
	}
	terrainID, err := NewTerrainID(terrainID.String())
	if err != nil {
		return nil, nil, newServiceError(opSubscribe, reasonInvalidInput, err)
	}
	date, err = ParseDate(date.String())
	if err != nil {
		return nil, nil, newServiceError(opSubscribe, reasonInvalidInput, err)
	}

	subscriptionCtx, cancel := context.WithCancel(ctx)
	changes, unsubscribe := r.feed.Subscribe(subscriptionCtx, terrainID, date)
	updates := make(chan RankingUpdate, 1)

	go func() {
		defer close(updates)
		defer unsubscribe()
		if !r.deliver(subscriptionCtx, updates, terrainID, date) {
			return
		}
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				drainPending(changes)
				if !r.deliver(subscriptionCtx, updates, terrainID, date) {
					return
				}
			}
		}
	}()

	return updates, cancel, nil
}

func (r *Ranker) deliver(ctx context.Context, updates chan<- RankingUpdate, terrainID TerrainID, date Date) bool {
	ranking, err := r.Rank(ctx, terrainID, date)
	if err != nil && ctx.Err() != nil {
		return false
	}
	select {
	case updates <- RankingUpdate{Ranking: ranking, Err: err}:
		return true
	case <-ctx.Done():
		return false
	}
}

// drainPending collapses notifications that queued up while a ranking was being computed.
func drainPending(changes <-chan ContributionChange) {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Tracker follows the ranking of one selected terrain and day at a time.
// Selecting a different key cancels the previous subscription before the new one starts.
type Tracker struct {
	ranker  *Ranker
	updates chan RankingUpdate

	mu         sync.Mutex
	active     context.Context
	cancel     context.CancelFunc
	generation uint64
	terrainID  TerrainID
	date       Date
	closed     bool
	wg         sync.WaitGroup
}

// NewTracker constructs a Tracker over ranker.
func NewTracker(ranker *Ranker) *Tracker {
	return &Tracker{
		ranker:  ranker,
		updates: make(chan RankingUpdate, 1),
	}
}

// Updates returns the stream of rankings for the current selection. It closes on Close.
func (t *Tracker) Updates() <-chan RankingUpdate {
	return t.updates
}

// Select switches the tracked key. Re-selecting the active key keeps the running subscription.
func (t *Tracker) Select(ctx context.Context, terrainID TerrainID, date Date) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTrackerClosed
	}
	if t.cancel != nil && t.active.Err() == nil && t.terrainID == terrainID && t.date == date {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.generation++

	subscriptionCtx, cancel := context.WithCancel(ctx)
	stream, _, err := t.ranker.Subscribe(subscriptionCtx, terrainID, date)
	if err != nil {
		cancel()
		return err
	}
	t.active = subscriptionCtx
	t.cancel = cancel
	t.terrainID = terrainID
	t.date = date

	t.wg.Add(1)
	go t.forward(subscriptionCtx, t.generation, stream)
	return nil
}

// Active reports the currently tracked key.
func (t *Tracker) Active() (TerrainID, Date, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terrainID, t.date, t.cancel != nil
}

// Close cancels the active subscription and closes Updates.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
	close(t.updates)
}

func (t *Tracker) forward(ctx context.Context, generation uint64, stream <-chan RankingUpdate) {
	defer t.wg.Done()
	for update := range stream {
		if !t.isCurrent(generation) {
			continue
		}
		select {
		case t.updates <- update:
		case <-ctx.Done():
		}
	}
}

func (t *Tracker) isCurrent(generation uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation == generation && !t.closed
}
