package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveOwnerStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)
	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}

	owner, err := service.ResolveOwner(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if owner != "12345" {
		t.Fatalf("expected owner id without provider prefix, got %q", owner)
	}

	owner, err = service.ResolveOwner(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if owner != "12345" {
		t.Fatalf("expected owner id to remain stable, got %q", owner)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count identities: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity record, got %d", count)
	}
}

func TestResolveOwnerFallsBackToSubjectAndEmail(t *testing.T) {
	service, _ := newTestService(t)

	owner, err := service.ResolveOwner(context.Background(), auth.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "subject-9"},
	})
	if err != nil || owner != "subject-9" {
		t.Fatalf("expected subject fallback, got %q err=%v", owner, err)
	}

	owner, err = service.ResolveOwner(context.Background(), auth.SessionClaims{UserEmail: "solo@example.com"})
	if err != nil || owner != "solo@example.com" {
		t.Fatalf("expected email fallback, got %q err=%v", owner, err)
	}

	if _, err := service.ResolveOwner(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestProviderSubject(t *testing.T) {
	tests := []struct {
		userID, subject, email string
		provider, resolved     string
	}{
		{userID: "google:1", subject: "x", provider: "google", resolved: "1"},
		{userID: "plain", provider: defaultProvider, resolved: "plain"},
		{userID: "plain", subject: "sub", provider: defaultProvider, resolved: "sub"},
		{userID: ":broken", subject: "sub", provider: defaultProvider, resolved: "sub"},
		{email: "a@b.c", provider: defaultProvider, resolved: "a@b.c"},
	}
	for _, tt := range tests {
		provider, resolved := providerSubject(tt.userID, tt.subject, tt.email)
		if provider != tt.provider || resolved != tt.resolved {
			t.Fatalf("providerSubject(%q,%q,%q) = (%q,%q), want (%q,%q)",
				tt.userID, tt.subject, tt.email, provider, resolved, tt.provider, tt.resolved)
		}
	}
}
