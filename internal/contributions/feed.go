package contributions

import (
	"context"
	"sync"
	"time"
)

// ChangeKind enumerates what happened to the records of a terrain and day.
type ChangeKind string

const (
	// ChangeKindCleared is published once the stale set of a run has been deleted.
	ChangeKindCleared ChangeKind = "cleared"
	// ChangeKindWritten is published once a run's batch has been committed.
	ChangeKindWritten ChangeKind = "written"
)

// ContributionChange notifies listeners that records for one terrain and day changed.
type ContributionChange struct {
	TerrainID TerrainID
	Date      Date
	Kind      ChangeKind
	Count     int
	Timestamp time.Time
}

// ChangeFeed fans out contribution changes to subscribers of a terrain and day.
type ChangeFeed struct {
	mu          sync.RWMutex
	subscribers map[feedKey]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedKey struct {
	terrainID TerrainID
	date      Date
}

type feedSubscriber struct {
	id     int64
	stream chan ContributionChange
}

// NewChangeFeed constructs an empty feed.
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{
		subscribers: make(map[feedKey]map[int64]*feedSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for changes on (terrainID, date) until ctx ends or the cleanup func runs.
func (f *ChangeFeed) Subscribe(ctx context.Context, terrainID TerrainID, date Date) (<-chan ContributionChange, func()) {
	if terrainID == "" || date == "" {
		ch := make(chan ContributionChange)
		close(ch)
		return ch, func() {}
	}
	key := feedKey{terrainID: terrainID, date: date}
	subscriber := &feedSubscriber{
		id:     f.nextSequence(),
		stream: make(chan ContributionChange, f.bufferSize),
	}
	f.registerSubscriber(key, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.unregisterSubscriber(key, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers change to every subscriber of its key without blocking.
// A subscriber with a full buffer already has a pending notification and skips this one.
func (f *ChangeFeed) Publish(change ContributionChange) {
	if change.TerrainID == "" || change.Date == "" {
		return
	}
	key := feedKey{terrainID: change.TerrainID, date: change.Date}
	f.mu.RLock()
	subscribers := f.subscribers[key]
	if len(subscribers) == 0 {
		f.mu.RUnlock()
		return
	}
	copies := make([]*feedSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

// SubscriberCount reports the live subscriptions for (terrainID, date).
func (f *ChangeFeed) SubscriberCount(terrainID TerrainID, date Date) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers[feedKey{terrainID: terrainID, date: date}])
}

func (f *ChangeFeed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *ChangeFeed) registerSubscriber(key feedKey, subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[key]; !ok {
		f.subscribers[key] = make(map[int64]*feedSubscriber)
	}
	f.subscribers[key][subscriber.id] = subscriber
}

func (f *ChangeFeed) unregisterSubscriber(key feedKey, subscriberID int64) {
	f.mu.Lock()
	subscribers := f.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(f.subscribers, key)
		}
	}
	f.mu.Unlock()
}
