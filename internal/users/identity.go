package users

import (
	"strings"
	"time"
)

// Identity maps a provider login onto the owner key used by the terrain registry.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

const defaultProvider = "default"

// providerSubject splits "provider:subject" user ids; bare ids use the default provider.
// The JWT subject is the fallback when the user id carries no usable subject.
func providerSubject(userID, subject, email string) (string, string) {
	provider := defaultProvider
	resolved := strings.TrimSpace(subject)

	raw := strings.TrimSpace(userID)
	if head, tail, found := strings.Cut(raw, ":"); found {
		head, tail = strings.TrimSpace(head), strings.TrimSpace(tail)
		if head != "" && tail != "" {
			provider, resolved = head, tail
		}
	} else if raw != "" && resolved == "" {
		resolved = raw
	}

	if resolved == "" {
		resolved = strings.TrimSpace(email)
	}
	return provider, resolved
}
