package contributions

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	dateLayout          = "2006-01-02"
	keySeparator        = "_"
)

var (
	// ErrInvalidTerrainID indicates that a terrain identifier is not a bounded numeric string.
	ErrInvalidTerrainID = errors.New("contributions: invalid terrain id")
	// ErrInvalidKingdomID indicates that a kingdom identifier is empty or exceeds storage bounds.
	ErrInvalidKingdomID = errors.New("contributions: invalid kingdom id")
	// ErrInvalidDate indicates that a calendar day is not in YYYY-MM-DD form.
	ErrInvalidDate = errors.New("contributions: invalid date")
)

// TerrainID represents a validated terrain identifier.
type TerrainID string

// NewTerrainID validates raw input and returns a TerrainID.
// Terrain ids are digits only, which keeps RecordKey unambiguous: the first separator
// in a key always ends the terrain id, whatever the kingdom id contains.
func NewTerrainID(rawInput string) (TerrainID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTerrainID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTerrainID, maxIdentifierLength)
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q is not numeric", ErrInvalidTerrainID, trimmed)
		}
	}
	return TerrainID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TerrainID) String() string {
	return string(id)
}

// KingdomID represents a validated kingdom identifier.
type KingdomID string

// NewKingdomID validates raw input and returns a KingdomID.
func NewKingdomID(rawInput string) (KingdomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKingdomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidKingdomID, maxIdentifierLength)
	}
	return KingdomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id KingdomID) String() string {
	return string(id)
}

// Date is a calendar day in YYYY-MM-DD form.
type Date string

// ParseDate validates raw input as a YYYY-MM-DD calendar day.
func ParseDate(rawInput string) (Date, error) {
	trimmed := strings.TrimSpace(rawInput)
	parsed, err := time.Parse(dateLayout, trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, rawInput)
	}
	return Date(parsed.Format(dateLayout)), nil
}

// DateOf returns the calendar day of t in t's own location.
// Callers pick the location; the collector uses its configured local zone rather than UTC.
func DateOf(t time.Time) Date {
	return Date(t.Format(dateLayout))
}

// PreviousDay returns the calendar day before now in the given location.
func PreviousDay(now time.Time, location *time.Location) Date {
	if location == nil {
		location = time.Local
	}
	local := now.In(location)
	return DateOf(time.Date(local.Year(), local.Month(), local.Day()-1, 12, 0, 0, 0, location))
}

// String returns the YYYY-MM-DD representation.
func (d Date) String() string {
	return string(d)
}

// RecordKey builds the persisted document identifier {terrainId}_{kingdomId}_{YYYY-MM-DD}.
func RecordKey(terrainID TerrainID, kingdomID KingdomID, date Date) string {
	return terrainID.String() + keySeparator + kingdomID.String() + keySeparator + date.String()
}

// DailyContribution is the canonical record persisted per terrain, kingdom and day.
type DailyContribution struct {
	ID                 string    `gorm:"column:id;primaryKey;size:400;not null"`
	TerrainID          string    `gorm:"column:terrain_id;size:190;not null;index:idx_daily_contributions_terrain_date,priority:1"`
	KingdomID          string    `gorm:"column:kingdom_id;size:190;not null"`
	Date               string    `gorm:"column:date;size:10;not null;index:idx_daily_contributions_terrain_date,priority:2"`
	ContributionAmount float64   `gorm:"column:contribution_amount;not null;default:0"`
	KingdomName        string    `gorm:"column:kingdom_name;size:320;not null;default:''"`
	Continent          string    `gorm:"column:continent;size:64;not null;default:''"`
	CollectedAt        time.Time `gorm:"column:collected_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DailyContribution) TableName() string {
	return "daily_contributions"
}

// KingdomContribution is one normalized entry of the external contribution feed.
type KingdomContribution struct {
	KingdomID KingdomID
	Name      string
	Continent string
	Total     float64
}

// RunStatus enumerates the terminal states of a collection run.
type RunStatus string

const (
	// RunStatusSucceeded marks a run whose batch committed, including empty days.
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusFailed marks a run that stopped on a fetch or persistence failure.
	RunStatusFailed RunStatus = "failed"
	// RunStatusRunning marks a run that has claimed its key and not finished yet.
	RunStatusRunning RunStatus = "running"
)

// CollectionRun records one execution of the pipeline for a terrain and day.
type CollectionRun struct {
	RunID        string    `gorm:"column:run_id;primaryKey;size:255;not null"`
	TerrainID    string    `gorm:"column:terrain_id;size:190;not null;index:idx_collection_runs_terrain_date,priority:1"`
	Date         string    `gorm:"column:date;size:10;not null;index:idx_collection_runs_terrain_date,priority:2"`
	Status       RunStatus `gorm:"column:status;size:16;not null"`
	DeletedCount int       `gorm:"column:deleted_count;not null;default:0"`
	WrittenCount int       `gorm:"column:written_count;not null;default:0"`
	ErrorCode    string    `gorm:"column:error_code;size:190;not null;default:''"`
	StartedAt    time.Time `gorm:"column:started_at;not null"`
	FinishedAt   time.Time `gorm:"column:finished_at;not null;index:idx_collection_runs_terrain_date,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (CollectionRun) TableName() string {
	return "collection_runs"
}

// CollectionClaim is the row backing GormClaimer.
type CollectionClaim struct {
	ClaimKey  string    `gorm:"column:claim_key;primaryKey;size:400;not null"`
	Token     string    `gorm:"column:token;size:64;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CollectionClaim) TableName() string {
	return "collection_claims"
}

// CollectionState holds the status of the latest run started for one terrain and day.
type CollectionState struct {
	TerrainID string    `gorm:"column:terrain_id;primaryKey;size:190;not null"`
	Date      string    `gorm:"column:date;primaryKey;size:10;not null"`
	RunID     string    `gorm:"column:run_id;size:255;not null"`
	Status    RunStatus `gorm:"column:status;size:16;not null"`
	ChangedAt time.Time `gorm:"column:changed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CollectionState) TableName() string {
	return "collection_states"
}

// Models lists every table owned by this package, for schema migration.
func Models() []any {
	return []any{&DailyContribution{}, &CollectionRun{}, &CollectionClaim{}, &CollectionState{}}
}
