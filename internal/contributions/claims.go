package contributions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	claimKeyPrefix      = "terrains:collect:"
	defaultClaimTTL     = 5 * time.Minute
	queryClaimExpired   = "claim_key = ? AND expires_at <= ?"
	queryClaimWithToken = "claim_key = ? AND token = ?"
)

const claimReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	errEmptyClaimKey   = errors.New("claim key is empty")
	errInvalidClaimTTL = errors.New("claim ttl must be positive")
	errMissingRedis    = errors.New("redis client is required")
	errMissingClaimsDB = errors.New("claims database handle is required")
)

// Claimer grants an exclusive, expiring claim on a key. The returned token fences Release:
// a run whose claim expired and was taken over cannot release its successor's claim.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// ClaimKey names the claim guarding collection of one terrain and day.
func ClaimKey(terrainID TerrainID, date Date) string {
	return claimKeyPrefix + terrainID.String() + ":" + date.String()
}

// GormClaimer stores claims in the collection_claims table.
type GormClaimer struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormClaimer constructs a SQL-backed claimer.
func NewGormClaimer(db *gorm.DB, clock func() time.Time) (*GormClaimer, error) {
	if db == nil {
		return nil, errMissingClaimsDB
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormClaimer{db: db, clock: clock}, nil
}

// Claim inserts the claim row unless an unexpired one exists.
func (c *GormClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errEmptyClaimKey
	}
	if ttl <= 0 {
		return "", false, errInvalidClaimTTL
	}
	now := c.clock().UTC()
	token := uuid.NewString()
	claimed := false
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryClaimExpired, key, now).Delete(&CollectionClaim{}).Error; err != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&CollectionClaim{
			ClaimKey:  key,
			Token:     token,
			ExpiresAt: now.Add(ttl),
		})
		if result.Error != nil {
			return result.Error
		}
		claimed = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !claimed {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the claim only while it still carries token.
func (c *GormClaimer) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return c.db.WithContext(ctx).Where(queryClaimWithToken, key, token).Delete(&CollectionClaim{}).Error
}

// RedisClaimer holds claims as expiring redis keys.
type RedisClaimer struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisClaimer constructs a redis-backed claimer.
func NewRedisClaimer(client *redis.Client) (*RedisClaimer, error) {
	if client == nil {
		return nil, errMissingRedis
	}
	return &RedisClaimer{
		client: client,
		script: redis.NewScript(claimReleaseScript),
	}, nil
}

func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errEmptyClaimKey
	}
	if ttl <= 0 {
		return "", false, errInvalidClaimTTL
	}
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (c *RedisClaimer) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return c.script.Run(ctx, c.client, []string{key}, token).Err()
}
