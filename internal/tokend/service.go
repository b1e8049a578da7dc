// Package tokend is the hosted token service: it verifies provider
// identities, mints the dashboard's own session tokens, keeps the
// authoritative copy of every OAuth credential and refreshes them
// before they expire. Clients talk to it through a single JSON-envelope
// RPC endpoint.
package tokend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hearthview/hearthview/internal/auth/account"
	"github.com/hearthview/hearthview/internal/auth/autherr"
	"github.com/hearthview/hearthview/internal/config"
	"github.com/hearthview/hearthview/internal/db/models"
	"github.com/hearthview/hearthview/internal/util"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// RefreshThreshold is how close to expiry a stored access token may get
// before get_valid_token refreshes it.
const RefreshThreshold = 5 * time.Minute

// Pairing parameters for the hybrid device flow.
const (
	pairingLifetime = 15 * time.Minute
	pairingInterval = 5 // seconds between polls
)

// Service implements the token service operations over a gorm store.
type Service struct {
	db         *gorm.DB
	signer     *Signer
	providers  map[string]*config.Provider
	pairingURL string
	httpClient *http.Client
	now        func() time.Time
}

// NewService wires the service. providers is the catalog of identity
// providers the service can verify identities against and refresh
// tokens with; pairingURL is where the pairing page tells users to go.
func NewService(db *gorm.DB, signer *Signer, providers []config.Provider, pairingURL string) *Service {
	catalog := make(map[string]*config.Provider, len(providers))
	for i := range providers {
		p := providers[i]
		catalog[p.ID] = &p
	}
	return &Service{
		db:         db,
		signer:     signer,
		providers:  catalog,
		pairingURL: pairingURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

func (s *Service) provider(id string) (*config.Provider, error) {
	p, ok := s.providers[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", id)
	}
	return p, nil
}

// SessionGrant is a freshly minted session token and its owner.
type SessionGrant struct {
	Token     string
	User      models.User
	ExpiresAt time.Time
}

// Bootstrap verifies a provider access token against the provider's
// userinfo endpoint and mints a session token for the identity it
// proves. First-time identities get a user record created.
func (s *Service) Bootstrap(ctx context.Context, providerID, accessToken string) (*SessionGrant, error) {
	p, err := s.provider(providerID)
	if err != nil {
		return nil, err
	}
	identity, err := s.fetchUserinfo(ctx, p, accessToken)
	if err != nil {
		return nil, fmt.Errorf("identity verification failed: %w", err)
	}
	if identity.Email == "" {
		return nil, fmt.Errorf("provider %s returned no email", providerID)
	}

	user, err := s.findOrCreateUser(identity.Email, identity.Name)
	if err != nil {
		return nil, err
	}
	return s.mint(user)
}

// Refresh mints a new session token for an already-verified user.
func (s *Service) Refresh(ctx context.Context, userID string) (*SessionGrant, error) {
	var user models.User
	if err := s.db.First(&user, "id = ?", userID).Error; err != nil {
		return nil, fmt.Errorf("unknown user: %s", userID)
	}
	return s.mint(&user)
}

func (s *Service) mint(user *models.User) (*SessionGrant, error) {
	token, expiresAt, err := s.signer.Mint(user)
	if err != nil {
		return nil, err
	}
	return &SessionGrant{Token: token, User: *user, ExpiresAt: expiresAt}, nil
}

func (s *Service) findOrCreateUser(email, name string) (*models.User, error) {
	var user models.User
	err := s.db.Where("email = ?", email).First(&user).Error
	if err == nil {
		if name != "" && name != user.Name {
			user.Name = name
			s.db.Save(&user)
		}
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user = models.User{ID: uuid.NewString(), Email: email, Name: name}
	if err := s.db.Create(&user).Error; err != nil {
		return nil, err
	}
	log.Printf("✅ Created user %s (%s)", user.Email, user.ID)
	return &user, nil
}

// TokenGrant is the result of a server-side authorization code exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Scopes       []string
}

// ExchangeCode redeems an authorization code with the provider using
// the web client registration. The client secret stays server-side.
func (s *Service) ExchangeCode(ctx context.Context, providerID, code, redirectURI string) (*TokenGrant, error) {
	p, err := s.provider(providerID)
	if err != nil {
		return nil, err
	}
	reg, err := p.Registration(account.ClientClassWeb)
	if err != nil {
		return nil, err
	}

	cfg := &oauth2.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       p.Scopes,
		Endpoint:     oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange with %s failed: %w", providerID, err)
	}

	grant := &TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scopes:       p.Scopes,
	}
	if !token.Expiry.IsZero() {
		grant.ExpiresIn = int(time.Until(token.Expiry) / time.Second)
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		grant.Scopes = strings.Fields(scope)
	}
	return grant, nil
}

// StoreCredential upserts one credential record for userID. Partial
// updates merge into the stored record: a refresh token, once held, is
// never overwritten with an empty value. Concurrent writers are
// last-write-wins, tracked by the record version.
func (s *Service) StoreCredential(ctx context.Context, userID string, update *account.Credential) error {
	if update.Provider == "" || update.AccountType == "" {
		return fmt.Errorf("credential missing provider or account type")
	}

	var existing models.Credential
	err := s.db.Where("user_id = ? AND provider = ? AND account_type = ?",
		userID, update.Provider, update.AccountType).First(&existing).Error
	switch {
	case err == nil:
		merged := account.Merge(recordToCred(&existing), update)
		credIntoRecord(merged, &existing)
		existing.IsActive = true
		existing.Version++
		if err := s.db.Save(&existing).Error; err != nil {
			return fmt.Errorf("failed to store credential: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		record := models.Credential{ID: uuid.NewString(), UserID: userID, Version: 1}
		credIntoRecord(update, &record)
		record.IsActive = true
		if err := s.db.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to store credential: %w", err)
		}
	default:
		return err
	}

	log.Printf("📦 Stored %s/%s credential for user %s", update.Provider, update.AccountType, userID)
	return nil
}

// ValidTokenResult mirrors the get_valid_token contract: a refresh
// failure is reported in-band so callers can degrade to a stale token.
type ValidTokenResult struct {
	AccountFound  bool
	AccessToken   string
	ExpiresAt     time.Time
	Scopes        []string
	Refreshed     bool
	RefreshFailed bool
	RefreshError  string
}

// ValidToken returns a usable access token for one account, refreshing
// with the provider when the stored one is within RefreshThreshold of
// expiry. force refreshes regardless of remaining lifetime.
func (s *Service) ValidToken(ctx context.Context, userID, providerID, accountType string, force bool) (*ValidTokenResult, error) {
	var record models.Credential
	err := s.db.Where("user_id = ? AND provider = ? AND account_type = ? AND is_active = ?",
		userID, providerID, accountType, true).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &ValidTokenResult{AccountFound: false}, nil
	}
	if err != nil {
		return nil, err
	}

	cred := recordToCred(&record)
	if !force && record.ExpiresAt.After(s.now().Add(RefreshThreshold)) {
		return &ValidTokenResult{
			AccountFound: true,
			AccessToken:  record.AccessToken,
			ExpiresAt:    record.ExpiresAt,
			Scopes:       cred.Scopes,
		}, nil
	}

	if err := s.refreshCredential(ctx, &record, cred.ClientClass()); err != nil {
		log.Printf("❌ Refresh failed for %s/%s (%s): %s", providerID, accountType, record.Email,
			util.TruncateLog(err.Error(), util.DefaultLogMaxLen))
		return &ValidTokenResult{
			AccountFound:  true,
			AccessToken:   record.AccessToken,
			ExpiresAt:     record.ExpiresAt,
			Scopes:        cred.Scopes,
			RefreshFailed: true,
			RefreshError:  err.Error(),
		}, nil
	}

	cred = recordToCred(&record)
	return &ValidTokenResult{
		AccountFound: true,
		AccessToken:  record.AccessToken,
		ExpiresAt:    record.ExpiresAt,
		Scopes:       cred.Scopes,
		Refreshed:    true,
	}, nil
}

// ForceRefresh refreshes one account's stored credential without a
// session token, for background token maintenance on headless devices.
// The lookup is scoped by (provider, accountType) alone; if several
// users ever hold the same account pair, the most recently updated
// active record is the one refreshed.
func (s *Service) ForceRefresh(ctx context.Context, providerID, accountType string) (*ValidTokenResult, error) {
	var record models.Credential
	err := s.db.Where("provider = ? AND account_type = ? AND is_active = ?",
		providerID, accountType, true).Order("updated_at DESC").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &ValidTokenResult{AccountFound: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.ValidToken(ctx, record.UserID, providerID, accountType, true)
}

// refreshCredential redeems the stored refresh token with the same
// client registration that issued the grant. Permanent failures
// deactivate the record so callers stop retrying a dead grant.
func (s *Service) refreshCredential(ctx context.Context, record *models.Credential, clientClass string) error {
	if record.RefreshToken == "" {
		return fmt.Errorf("no refresh token stored")
	}
	p, err := s.provider(record.Provider)
	if err != nil {
		return err
	}
	reg, err := p.Registration(clientClass)
	if err != nil {
		return err
	}

	cfg := &oauth2.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: record.RefreshToken}).Token()
	if err != nil {
		if autherr.IsPermanentRefreshError(err) {
			record.IsActive = false
			record.Version++
			s.db.Save(record)
			log.Printf("🔒 Deactivated %s/%s for %s, re-login required", record.Provider, record.AccountType, record.Email)
			return &autherr.TokenRefreshError{Provider: record.Provider, AccountType: record.AccountType, Err: err}
		}
		log.Printf("⏳ Transient refresh failure for %s/%s, record stays active", record.Provider, record.AccountType)
		return &autherr.TokenRefreshError{Provider: record.Provider, AccountType: record.AccountType, Err: err}
	}

	record.AccessToken = token.AccessToken
	record.ExpiresAt = token.Expiry
	record.IsActive = true
	// Persist rotated refresh token if provided (RFC 6749 compliance)
	if token.RefreshToken != "" && token.RefreshToken != record.RefreshToken {
		log.Printf("🔄 Rotating refresh token for %s/%s", record.Provider, record.AccountType)
		record.RefreshToken = token.RefreshToken
	}

	// The write is conditioned on the version read before the provider
	// round trip. If a concurrent refresh landed first, its newer token
	// stays and this one is dropped.
	result := s.db.Model(&models.Credential{}).
		Where("id = ? AND version = ?", record.ID, record.Version).
		Updates(map[string]any{
			"access_token":  record.AccessToken,
			"refresh_token": record.RefreshToken,
			"expires_at":    record.ExpiresAt,
			"is_active":     true,
			"version":       record.Version + 1,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to save refreshed token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		log.Printf("🔁 Concurrent refresh won for %s/%s, keeping theirs", record.Provider, record.AccountType)
		return s.db.First(record, "id = ?", record.ID).Error
	}
	record.Version++

	log.Printf("✅ Refreshed %s/%s token for %s (expires %s)", record.Provider, record.AccountType, record.Email, token.Expiry.Format(time.RFC3339))
	return nil
}

// ListCredentials returns a user's credential records with token
// material redacted. Clients fetch live tokens via ValidToken.
func (s *Service) ListCredentials(ctx context.Context, userID string) ([]account.Credential, error) {
	var records []models.Credential
	if err := s.db.Where("user_id = ?", userID).Order("provider, account_type").Find(&records).Error; err != nil {
		return nil, err
	}

	out := make([]account.Credential, 0, len(records))
	for i := range records {
		cred := recordToCred(&records[i])
		cred.AccessToken = ""
		cred.RefreshToken = ""
		out = append(out, *cred)
	}
	return out, nil
}

// RemoveCredential deletes one credential record.
func (s *Service) RemoveCredential(ctx context.Context, userID, providerID, accountType string) error {
	result := s.db.Where("user_id = ? AND provider = ? AND account_type = ?",
		userID, providerID, accountType).Delete(&models.Credential{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no %s/%s credential stored", providerID, accountType)
	}
	log.Printf("🗑️ Removed %s/%s credential for user %s", providerID, accountType, userID)
	return nil
}

func recordToCred(record *models.Credential) *account.Credential {
	cred := &account.Credential{
		Provider:     record.Provider,
		AccountType:  record.AccountType,
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		ExpiresAt:    record.ExpiresAt,
		Email:        record.Email,
		DisplayName:  record.DisplayName,
		IsActive:     record.IsActive,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
	if record.Scopes != "" {
		json.Unmarshal([]byte(record.Scopes), &cred.Scopes)
	}
	if record.ProviderInfo != "" {
		json.Unmarshal([]byte(record.ProviderInfo), &cred.ProviderInfo)
	}
	return cred
}

func credIntoRecord(cred *account.Credential, record *models.Credential) {
	record.Provider = cred.Provider
	record.AccountType = cred.AccountType
	record.AccessToken = cred.AccessToken
	record.RefreshToken = cred.RefreshToken
	record.ExpiresAt = cred.ExpiresAt
	record.Email = cred.Email
	record.DisplayName = cred.DisplayName
	if len(cred.Scopes) > 0 {
		data, _ := json.Marshal(cred.Scopes)
		record.Scopes = string(data)
	}
	if len(cred.ProviderInfo) > 0 {
		data, _ := json.Marshal(cred.ProviderInfo)
		record.ProviderInfo = string(data)
	}
}

// userIdentity is the slice of a userinfo response the service needs.
type userIdentity struct {
	Email string
	Name  string
}

func (s *Service) fetchUserinfo(ctx context.Context, p *config.Provider, accessToken string) (*userIdentity, error) {
	if p.UserinfoURL == "" {
		return nil, fmt.Errorf("provider %s has no userinfo endpoint", p.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &autherr.NetworkError{Op: "userinfo", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &autherr.InvalidCredentialError{Reason: fmt.Sprintf("%s rejected the access token", p.ID)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}

	var body struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo: %w", err)
	}
	return &userIdentity{Email: body.Email, Name: body.Name}, nil
}
