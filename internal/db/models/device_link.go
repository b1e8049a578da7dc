package models

import "time"

// DeviceLink pairing states.
const (
	DeviceLinkPending    = "pending"
	DeviceLinkAuthorized = "authorized"
)

// DeviceLink is one in-progress TV pairing: a device code the TV polls
// with and a short user code someone types on the pairing page.
type DeviceLink struct {
	DeviceCode string `gorm:"primaryKey"`
	UserCode   string `gorm:"uniqueIndex"`
	Provider   string
	Status     string `gorm:"default:pending"`
	UserID     string // set when authorized
	Interval   int
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Expired reports whether the pairing window has closed.
func (l *DeviceLink) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
