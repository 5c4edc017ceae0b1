package contributions

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testTerrainID = "158233"
	testDate      = "2025-06-01"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "contributions.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
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
	return database
}

func mustTerrainID(t *testing.T, value string) TerrainID {
	t.Helper()
	id, err := NewTerrainID(value)
	if err != nil {
		t.Fatalf("unexpected terrain id error: %v", err)
	}
	return id
}

func mustDate(t *testing.T, value string) Date {
	t.Helper()
	date, err := ParseDate(value)
	if err != nil {
		t.Fatalf("unexpected date error: %v", err)
	}
	return date
}

func contribution(kingdomID string, name string, total float64) KingdomContribution {
	return KingdomContribution{
		KingdomID: KingdomID(kingdomID),
		Name:      name,
		Continent: "12",
		Total:     total,
	}
}

type fetchCall struct {
	terrainID TerrainID
	from      Date
	to        Date
}

type stubFetcher struct {
	mu        sync.Mutex
	responses [][]KingdomContribution
	errs      []error
	calls     []fetchCall
}

func (f *stubFetcher) Fetch(_ context.Context, terrainID TerrainID, from, to Date) ([]KingdomContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := len(f.calls)
	f.calls = append(f.calls, fetchCall{terrainID: terrainID, from: from, to: to})
	if index < len(f.errs) && f.errs[index] != nil {
		return nil, f.errs[index]
	}
	if index < len(f.responses) {
		return f.responses[index], nil
	}
	if len(f.responses) > 0 {
		return f.responses[len(f.responses)-1], nil
	}
	return nil, nil
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("run-%03d", s.next), nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time {
		return at
	}
}

func storedAmounts(t *testing.T, database *gorm.DB, terrainID, date string) map[string]float64 {
	t.Helper()
	var records []DailyContribution
	if err := database.Where("terrain_id = ? AND date = ?", terrainID, date).Find(&records).Error; err != nil {
		t.Fatalf("failed to load records: %v", err)
	}
	amounts := make(map[string]float64, len(records))
	for _, record := range records {
		amounts[record.ID] = record.ContributionAmount
	}
	return amounts
}

func sortedKeys(values map[string]float64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
