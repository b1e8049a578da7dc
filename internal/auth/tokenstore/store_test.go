package tokenstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hearthview/hearthview/internal/auth/account"
	"github.com/hearthview/hearthview/internal/backend"
)

// memBackend is an in-memory stand-in for the token service.
type memBackend struct {
	mu        sync.Mutex
	records   map[account.Key]account.Credential
	failStore bool
	valid     *backend.ValidToken
	validErr  error
	refreshes int
}

func newMemBackend() *memBackend {
	return &memBackend{records: map[account.Key]account.Credential{}}
}

func (m *memBackend) ListAccounts(ctx context.Context) ([]account.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]account.Credential, 0, len(m.records))
	for _, c := range m.records {
		out = append(out, c)
	}
	return out, nil
}

func (m *memBackend) StoreTokens(ctx context.Context, cred *account.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStore {
		return errors.New("store_tokens rejected")
	}
	m.records[cred.Key()] = *cred
	return nil
}

func (m *memBackend) RemoveAccount(ctx context.Context, provider, accountType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, account.Key{Provider: provider, AccountType: accountType})
	return nil
}

func (m *memBackend) GetValidToken(ctx context.Context, provider, accountType string) (*backend.ValidToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	if m.validErr != nil {
		return nil, m.validErr
	}
	return m.valid, nil
}

func fullCred(provider, accountType string, expiresAt time.Time) *account.Credential {
	return &account.Credential{
		Provider:     provider,
		AccountType:  accountType,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    expiresAt,
		Scopes:       []string{"openid", "email"},
		Email:        "fam@example.com",
		DisplayName:  "Family",
		IsActive:     true,
	}
}

func TestReadsBeforeLoadAreEmpty(t *testing.T) {
	svc := newMemBackend()
	svc.records[account.Key{Provider: "google", AccountType: "primary"}] = *fullCred("google", "primary", time.Now().Add(time.Hour))

	s := New(svc)
	if got := s.ListAllAccounts(); len(got) != 0 {
		t.Fatalf("expected empty set before Load, got %d records", len(got))
	}
	if c := s.GetAccountTokens("google", "primary"); c != nil {
		t.Fatalf("expected nil before Load, got %+v", c)
	}

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c := s.GetAccountTokens("google", "primary"); c == nil {
		t.Fatal("record missing after Load")
	}
}

func TestStore_PreservesRefreshTokenAcrossUpdates(t *testing.T) {
	svc := newMemBackend()
	s := New(svc)
	ctx := context.Background()

	if err := s.StoreAccountTokens(ctx, "google", "primary", fullCred("google", "primary", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("first store: %v", err)
	}

	// Second write omits the refresh token; the merged record must
	// retain the first one.
	update := &account.Credential{
		AccessToken: "access-2",
		ExpiresAt:   time.Now().Add(2 * time.Hour),
		IsActive:    true,
	}
	if err := s.StoreAccountTokens(ctx, "google", "primary", update); err != nil {
		t.Fatalf("second store: %v", err)
	}

	got := s.GetAccountTokens("google", "primary")
	if got.RefreshToken != "refresh-1" {
		t.Fatalf("refresh token lost: %q", got.RefreshToken)
	}
	if got.AccessToken != "access-2" {
		t.Fatalf("access token not updated: %q", got.AccessToken)
	}

	stored := svc.records[account.Key{Provider: "google", AccountType: "primary"}]
	if stored.RefreshToken != "refresh-1" {
		t.Fatalf("backend copy lost refresh token: %q", stored.RefreshToken)
	}
}

func TestStore_FailedSyncPropagatesAndRollsBack(t *testing.T) {
	svc := newMemBackend()
	svc.failStore = true
	s := New(svc)

	err := s.StoreAccountTokens(context.Background(), "google", "primary", fullCred("google", "primary", time.Now().Add(time.Hour)))
	if err == nil {
		t.Fatal("failed sync was swallowed")
	}
	if c := s.GetAccountTokens("google", "primary"); c != nil {
		t.Fatalf("cache kept a record the backend rejected: %+v", c)
	}
}

func TestStore_IncompleteRecordNotWrittenBack(t *testing.T) {
	svc := newMemBackend()
	s := New(svc)

	// Metadata-only record: access token, no refresh token.
	incomplete := &account.Credential{AccessToken: "display-only", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.StoreAccountTokens(context.Background(), "google", "extra", incomplete); err != nil {
		t.Fatalf("store incomplete: %v", err)
	}
	if _, ok := svc.records[account.Key{Provider: "google", AccountType: "extra"}]; ok {
		t.Fatal("incomplete record reached the backend")
	}
	// Still visible locally for display purposes.
	if c := s.GetAccountTokens("google", "extra"); c == nil {
		t.Fatal("incomplete record missing from cache")
	}
}

func TestGetValidToken_UnknownAccountNoRefreshCall(t *testing.T) {
	svc := newMemBackend()
	s := New(svc)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	tok, err := s.GetValidToken(context.Background(), "google", "primary")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok.AccountFound {
		t.Fatal("unknown account reported found")
	}
	if svc.refreshes != 0 {
		t.Fatalf("refresh issued for unknown account: %d calls", svc.refreshes)
	}
}

func TestGetValidToken_FreshTokenServedFromCache(t *testing.T) {
	svc := newMemBackend()
	s := New(svc)
	ctx := context.Background()
	if err := s.StoreAccountTokens(ctx, "google", "primary", fullCred("google", "primary", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("store: %v", err)
	}

	tok, err := s.GetValidToken(ctx, "google", "primary")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok.AccessToken != "access-1" || tok.Refreshed {
		t.Fatalf("expected cached token, got %+v", tok)
	}
	if svc.refreshes != 0 {
		t.Fatalf("backend called for a fresh token: %d calls", svc.refreshes)
	}
}

func TestGetValidToken_ExpiringTokenRefreshesViaBackend(t *testing.T) {
	svc := newMemBackend()
	s := New(svc)
	ctx := context.Background()
	// Inside the 5-minute buffer.
	if err := s.StoreAccountTokens(ctx, "google", "primary", fullCred("google", "primary", time.Now().Add(200*time.Second))); err != nil {
		t.Fatalf("store: %v", err)
	}
	svc.valid = &backend.ValidToken{
		AccountFound: true,
		AccessToken:  "access-refreshed",
		ExpiresAt:    time.Now().Add(time.Hour),
		Refreshed:    true,
	}

	tok, err := s.GetValidToken(ctx, "google", "primary")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if tok.AccessToken != "access-refreshed" || !tok.Refreshed {
		t.Fatalf("expected refreshed token, got %+v", tok)
	}
	if got := s.GetAccountTokens("google", "primary"); got.AccessToken != "access-refreshed" {
		t.Fatalf("cache not updated after refresh: %+v", got)
	}
}

func TestGetValidToken_RefreshFailureDegradesGracefully(t *testing.T) {
	svc := newMemBackend()
	s := New(svc)
	ctx := context.Background()
	if err := s.StoreAccountTokens(ctx, "google", "primary", fullCred("google", "primary", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("store: %v", err)
	}
	svc.valid = &backend.ValidToken{
		AccountFound:  true,
		RefreshFailed: true,
		RefreshError:  "invalid_grant",
	}

	tok, err := s.GetValidToken(ctx, "google", "primary")
	if err != nil {
		t.Fatalf("refresh failure must be in-band, got error: %v", err)
	}
	if !tok.RefreshFailed || tok.RefreshError == nil {
		t.Fatalf("structured refresh failure missing: %+v", tok)
	}
	// The stale token remains available for one last use.
	if tok.AccessToken != "access-1" {
		t.Fatalf("stale token not offered: %+v", tok)
	}
}

func TestRoundTrip_ScopesAndDisplayName(t *testing.T) {
	svc := newMemBackend()
	s := New(svc)
	ctx := context.Background()

	cred := fullCred("google", "primary", time.Now().Add(time.Hour))
	cred.Scopes = []string{"photos", "calendar", "email"}
	cred.DisplayName = "Living Room"
	if err := s.StoreAccountTokens(ctx, "google", "primary", cred); err != nil {
		t.Fatalf("store: %v", err)
	}

	// A fresh store loading from the same backend sees the same data.
	s2 := New(svc)
	if err := s2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	accounts := s2.ListAllAccounts()
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts))
	}
	got := accounts[0]
	if got.DisplayName != "Living Room" {
		t.Fatalf("display name lost: %q", got.DisplayName)
	}
	want := []string{"calendar", "email", "photos"}
	gotScopes := append([]string(nil), got.Scopes...)
	sort.Strings(gotScopes)
	for i := range want {
		if gotScopes[i] != want[i] {
			t.Fatalf("scopes mismatch: got %v", got.Scopes)
		}
	}
}
