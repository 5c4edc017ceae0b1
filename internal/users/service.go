package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for owner resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves session claims to the canonical owner id of tracked terrains.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// ResolveOwner returns the owner id for claims, recording the identity on first sight.
// A provider+subject pair always maps to the same owner, so a user keeps their
// terrains when the provider prefix in the session changes form.
func (s *Service) ResolveOwner(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := providerSubject(claims.UserID, claims.Subject, claims.UserEmail)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if owner, ok := cached.(string); ok {
			return owner, nil
		}
	}

	now := s.now().UTC()
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       strings.TrimSpace(claims.UserEmail),
			DisplayName: strings.TrimSpace(claims.UserDisplayName),
			LastSeenAt:  now,
			CreatedAt:   now,
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return "", fmt.Errorf("users: record identity: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("users: load identity: %w", err)
	default:
		updates := map[string]interface{}{"last_seen_at": now}
		if email := strings.TrimSpace(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := strings.TrimSpace(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).Error; err != nil {
			s.logger.Warn("identity refresh failed",
				zap.String("provider", provider),
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}
