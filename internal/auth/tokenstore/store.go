// Package tokenstore caches the known (provider, accountType) OAuth
// credential records in memory and keeps them synchronized with the
// backend token service, which holds the authoritative copy. The store
// is the sole writer of credential data to the backend.
package tokenstore

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hearthview/hearthview/internal/auth/account"
	"github.com/hearthview/hearthview/internal/auth/autherr"
	"github.com/hearthview/hearthview/internal/backend"
)

// Backend is the slice of the token service the store uses.
type Backend interface {
	ListAccounts(ctx context.Context) ([]account.Credential, error)
	StoreTokens(ctx context.Context, cred *account.Credential) error
	RemoveAccount(ctx context.Context, provider, accountType string) error
	GetValidToken(ctx context.Context, provider, accountType string) (*backend.ValidToken, error)
}

// Store is the in-memory credential cache. Safe for concurrent use.
type Store struct {
	svc Backend
	now func() time.Time

	mu    sync.RWMutex
	creds map[account.Key]*account.Credential
}

// New creates an empty store. Reads before Load report no accounts
// rather than stale or default data.
func New(svc Backend) *Store {
	return &Store{
		svc:   svc,
		now:   time.Now,
		creds: make(map[account.Key]*account.Credential),
	}
}

// Load pulls the full account set from the backend. Tokens in the
// returned records are metadata-only; access tokens are cached as they
// are obtained, never persisted client-side.
func (s *Store) Load(ctx context.Context) error {
	accounts, err := s.svc.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = make(map[account.Key]*account.Credential, len(accounts))
	for i := range accounts {
		c := accounts[i]
		s.creds[c.Key()] = &c
	}
	log.Printf("📦 Loaded %d accounts into token store", len(accounts))
	return nil
}

// StoreAccountTokens merges data into the record for (provider,
// accountType), updates the cache, and synchronizes the merged record
// to the backend. A failed sync propagates to the caller; the cache is
// rolled back so memory never claims a write the backend rejected.
func (s *Store) StoreAccountTokens(ctx context.Context, provider, accountType string, data *account.Credential) error {
	key := account.Key{Provider: provider, AccountType: accountType}

	s.mu.Lock()
	prev := s.creds[key]
	update := *data
	update.Provider = provider
	update.AccountType = accountType
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = s.now()
	}
	merged := account.Merge(prev, &update)
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = merged.UpdatedAt
	}
	s.creds[key] = merged
	s.mu.Unlock()

	// Metadata-only records must never clobber the backend copy.
	if !merged.Complete() {
		log.Printf("⚠️ Skipping write-back of incomplete record %s/%s", provider, accountType)
		return nil
	}

	if err := s.svc.StoreTokens(ctx, merged); err != nil {
		s.mu.Lock()
		if prev != nil {
			s.creds[key] = prev
		} else {
			delete(s.creds, key)
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to sync %s/%s: %w", provider, accountType, err)
	}
	return nil
}

// GetAccountTokens returns the cached record, or nil when absent or the
// store has not loaded yet.
func (s *Store) GetAccountTokens(provider, accountType string) *account.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[account.Key{Provider: provider, AccountType: accountType}]
	if !ok {
		return nil
	}
	out := *c
	return &out
}

// RemoveAccountTokens drops the record locally and from the backend.
func (s *Store) RemoveAccountTokens(ctx context.Context, provider, accountType string) error {
	key := account.Key{Provider: provider, AccountType: accountType}
	s.mu.Lock()
	prev := s.creds[key]
	delete(s.creds, key)
	s.mu.Unlock()

	if err := s.svc.RemoveAccount(ctx, provider, accountType); err != nil {
		s.mu.Lock()
		if prev != nil {
			s.creds[key] = prev
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to remove %s/%s: %w", provider, accountType, err)
	}
	return nil
}

// ListAllAccounts returns a snapshot of every cached record. Empty
// before the first successful Load.
func (s *Store) ListAllAccounts() []account.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]account.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, *c)
	}
	return out
}

// ValidToken is what read paths get: either a usable access token, a
// not-found marker, or a structured refresh failure the caller can
// degrade on.
type ValidToken struct {
	AccountFound  bool
	AccessToken   string
	ExpiresAt     time.Time
	Scopes        []string
	Refreshed     bool
	RefreshFailed bool
	RefreshError  *autherr.TokenRefreshError
}

// GetValidToken returns a usable access token for one account. A
// cached token inside the expiry buffer triggers a backend
// get_valid_token call, which refreshes server-side with the client
// registration that issued the grant. An unknown account returns
// AccountFound=false with no backend call.
func (s *Store) GetValidToken(ctx context.Context, provider, accountType string) (*ValidToken, error) {
	s.mu.RLock()
	cred, ok := s.creds[account.Key{Provider: provider, AccountType: accountType}]
	var cached ValidToken
	if ok {
		cached = ValidToken{
			AccountFound: true,
			AccessToken:  cred.AccessToken,
			ExpiresAt:    cred.ExpiresAt,
			Scopes:       cred.Scopes,
		}
	}
	expired := ok && cred.IsExpired(s.now())
	s.mu.RUnlock()

	if !ok {
		return &ValidToken{AccountFound: false}, nil
	}
	if !expired && cached.AccessToken != "" {
		return &cached, nil
	}

	fresh, err := s.svc.GetValidToken(ctx, provider, accountType)
	if err != nil {
		return nil, err
	}
	if !fresh.AccountFound {
		return &ValidToken{AccountFound: false}, nil
	}
	if fresh.RefreshFailed {
		// Degrade gracefully: hand the structured failure to the
		// caller, who may use the stale token once more or prompt for
		// reauthorization.
		return &ValidToken{
			AccountFound:  true,
			AccessToken:   cached.AccessToken,
			ExpiresAt:     cached.ExpiresAt,
			Scopes:        cached.Scopes,
			RefreshFailed: true,
			RefreshError: &autherr.TokenRefreshError{
				Provider:    provider,
				AccountType: accountType,
				Err:         fmt.Errorf("%s", fresh.RefreshError),
			},
		}, nil
	}

	s.mu.Lock()
	if cur, ok := s.creds[account.Key{Provider: provider, AccountType: accountType}]; ok {
		cur.AccessToken = fresh.AccessToken
		cur.ExpiresAt = fresh.ExpiresAt
		if len(fresh.Scopes) > 0 {
			cur.Scopes = fresh.Scopes
		}
	}
	s.mu.Unlock()

	return &ValidToken{
		AccountFound: true,
		AccessToken:  fresh.AccessToken,
		ExpiresAt:    fresh.ExpiresAt,
		Scopes:       fresh.Scopes,
		Refreshed:    fresh.Refreshed,
	}, nil
}
