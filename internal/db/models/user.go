package models

import "time"

// User is a dashboard account holder, keyed by provider-verified email.
type User struct {
	ID        string `gorm:"primaryKey"` // UUID
	Email     string `gorm:"uniqueIndex"`
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
