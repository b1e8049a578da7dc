package models

import "time"

// Credential stores one OAuth grant for a (user, provider, accountType)
// triple. This is the authoritative copy; clients only cache it.
type Credential struct {
	ID           string `gorm:"primaryKey"` // UUID
	UserID       string `gorm:"uniqueIndex:idx_user_provider_type"`
	Provider     string `gorm:"uniqueIndex:idx_user_provider_type"` // e.g., "google"
	AccountType  string `gorm:"uniqueIndex:idx_user_provider_type"` // "primary" or "primary-tv"
	Email        string
	DisplayName  string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       string // JSON array of granted scopes
	ProviderInfo string // JSON blob (client_class and other provider extras)
	IsActive     bool   `gorm:"default:true"`
	Version      int64  // bumped on every write; concurrent writers last-write-wins
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
