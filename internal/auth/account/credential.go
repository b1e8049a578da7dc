// Package account holds the client-side view of connected accounts: one
// OAuth grant per (provider, accountType) pair, plus the normalized user
// identity flows hand back after sign-in.
package account

import "time"

// ExpiryBuffer is how close to expiry an access token may get before it
// is reported as expired. Matches the backend refresh trigger so the
// client never hands out a token the backend would already refuse.
const ExpiryBuffer = 5 * time.Minute

// Client registration classes. A grant must be refreshed with the same
// registration that issued it; refreshing with the wrong one is a known
// failure mode.
const (
	ClientClassWeb    = "web"
	ClientClassDevice = "device"
)

// ProviderInfo key under which the issuing registration class is stored.
const ProviderInfoClientClass = "client_class"

// Credential is one OAuth grant for one (provider, accountType) pair.
// The access token is only ever cached in memory for the lifetime of the
// process; the authoritative copy lives in the backend token service.
type Credential struct {
	Provider     string            `json:"provider"`
	AccountType  string            `json:"account_type"`
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Scopes       []string          `json:"scopes"`
	Email        string            `json:"email"`
	DisplayName  string            `json:"display_name"`
	IsActive     bool              `json:"is_active"`
	ProviderInfo map[string]string `json:"provider_info,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Key identifies a credential record.
type Key struct {
	Provider    string
	AccountType string
}

func (c *Credential) Key() Key {
	return Key{Provider: c.Provider, AccountType: c.AccountType}
}

// IsExpired reports whether the access token is expired or within
// ExpiryBuffer of expiring. Callers decide whether to trigger a refresh.
func (c *Credential) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.After(now.Add(ExpiryBuffer))
}

// Complete reports whether the record carries enough material to be
// written back to the backend. Metadata-only records (no refresh token)
// loaded for display must never clobber the stored copy.
func (c *Credential) Complete() bool {
	return c.AccessToken != "" && c.RefreshToken != ""
}

// ClientClass returns the registration class recorded at grant time, or
// the web class when the record predates provider info tracking.
func (c *Credential) ClientClass() string {
	if c.ProviderInfo != nil {
		if class := c.ProviderInfo[ProviderInfoClientClass]; class != "" {
			return class
		}
	}
	return ClientClassWeb
}

// Merge folds an update into an existing record, preserving fields the
// update omits. A refresh token, once obtained, is never overwritten
// with an empty value.
func Merge(existing, update *Credential) *Credential {
	if existing == nil {
		out := *update
		return &out
	}
	merged := *existing
	merged.AccessToken = update.AccessToken
	merged.ExpiresAt = update.ExpiresAt
	merged.UpdatedAt = update.UpdatedAt
	merged.IsActive = update.IsActive
	if update.RefreshToken != "" {
		merged.RefreshToken = update.RefreshToken
	}
	if len(update.Scopes) > 0 {
		merged.Scopes = update.Scopes
	}
	if update.Email != "" {
		merged.Email = update.Email
	}
	if update.DisplayName != "" {
		merged.DisplayName = update.DisplayName
	}
	if len(update.ProviderInfo) > 0 {
		merged.ProviderInfo = update.ProviderInfo
	}
	return &merged
}

// User is the normalized identity a sign-in flow produces, denormalized
// into the session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}
