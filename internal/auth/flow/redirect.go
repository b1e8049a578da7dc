package flow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hearthview/hearthview/internal/auth/account"
	"github.com/hearthview/hearthview/internal/auth/autherr"
	"github.com/hearthview/hearthview/internal/backend"
	"github.com/hearthview/hearthview/internal/config"
)

// Exchanger is the slice of the token service the redirect flow needs:
// redeeming the authorization code server-side so the client secret
// never touches the browser.
type Exchanger interface {
	ExchangeCode(ctx context.Context, provider, code, redirectURI string) (*backend.TokenGrant, error)
}

// RedirectFlow signs in through a full browser: build an authorization
// URL, send the browser away, and consume the callback when it comes
// back. SignIn never yields tokens directly — they arrive through
// ConsumeCallback.
type RedirectFlow struct {
	provider    *config.Provider
	exchanger   Exchanger
	redirectURI string
	httpClient  *http.Client

	mu              sync.Mutex
	pendingState    string // non-empty while a redirect is in flight
	pendingURL      string
	conflictRetried bool
}

// NewRedirectFlow creates the flow. redirectURI is the dashboard's own
// callback route, registered with the provider's web-class client.
func NewRedirectFlow(provider *config.Provider, exchanger Exchanger, redirectURI string) *RedirectFlow {
	return &RedirectFlow{
		provider:    provider,
		exchanger:   exchanger,
		redirectURI: redirectURI,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *RedirectFlow) Name() string { return MethodWeb }

func (f *RedirectFlow) Capabilities() Capabilities {
	return Capabilities{NeedsBrowser: true, ReturnsRefreshToken: true}
}

func (f *RedirectFlow) Cleanup() {
	f.mu.Lock()
	f.pendingState = ""
	f.pendingURL = ""
	f.mu.Unlock()
}

func (f *RedirectFlow) oauthConfig(reg config.ClientRegistration) *oauth2.Config {
	// No client secret here: the code exchange happens server-side.
	return &oauth2.Config{
		ClientID:    reg.ClientID,
		RedirectURL: f.redirectURI,
		Scopes:      f.provider.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  f.provider.AuthURL,
			TokenURL: f.provider.TokenURL,
		},
	}
}

func newStateToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// SignIn builds the authorization redirect. Offline access is always
// requested and the consent screen forced so a refresh token comes back
// reliably even on repeat logins; forcing account selection additionally
// forces the account chooser. A reload while a redirect is already in
// flight returns the same URL instead of minting a second one.
func (f *RedirectFlow) SignIn(_ context.Context, opts Options) (*Result, error) {
	reg, err := f.provider.Registration(account.ClientClassWeb)
	if err != nil {
		return nil, err
	}
	if !reg.Configured() {
		return nil, &autherr.ConfigurationError{Flow: MethodWeb, Reason: "no web-class client registration for provider " + f.provider.ID}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pendingState != "" && !opts.ForceAccountSelection {
		return &Result{Method: MethodWeb, Redirected: true, RedirectURL: f.pendingURL}, nil
	}

	f.conflictRetried = false
	f.pendingState = newStateToken()
	f.pendingURL = f.authURL(reg, f.pendingState, opts.ForceAccountSelection)
	return &Result{Method: MethodWeb, Redirected: true, RedirectURL: f.pendingURL}, nil
}

func (f *RedirectFlow) authURL(reg config.ClientRegistration, state string, forceSelection bool) string {
	cfg := f.oauthConfig(reg)
	authOpts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if forceSelection {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("prompt", "consent select_account"))
	} else {
		authOpts = append(authOpts, oauth2.ApprovalForce)
	}
	return cfg.AuthCodeURL(state, authOpts...)
}

// ConsumeCallback inspects a callback query string. A query that is
// neither a code nor a recognized error returns (nil, nil) so normal
// startup proceeds. The transient redirect state is cleared on every
// path, success or failure.
func (f *RedirectFlow) ConsumeCallback(ctx context.Context, query url.Values) (*Result, error) {
	errCode := query.Get("error")
	code := query.Get("code")
	if errCode == "" && code == "" {
		return nil, nil
	}

	f.mu.Lock()
	state := f.pendingState
	f.pendingState = ""
	f.pendingURL = ""
	retried := f.conflictRetried
	f.mu.Unlock()

	if errCode != "" {
		return f.handleCallbackError(errCode, query.Get("error_description"), retried)
	}

	if state != "" && query.Get("state") != state {
		return nil, fmt.Errorf("callback state mismatch")
	}

	grant, err := f.exchanger.ExchangeCode(ctx, f.provider.ID, code, f.redirectURI)
	if err != nil {
		return nil, err
	}

	user, err := fetchUserInfo(ctx, f.httpClient, f.provider.UserinfoURL, grant.AccessToken)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	scopes := grant.Scopes
	if len(scopes) == 0 {
		scopes = f.provider.Scopes
	}
	cred := &account.Credential{
		Provider:     f.provider.ID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(grant.ExpiresIn) * time.Second),
		Scopes:       scopes,
		Email:        user.Email,
		DisplayName:  user.Name,
		IsActive:     true,
		ProviderInfo: map[string]string{account.ProviderInfoClientClass: account.ClientClassWeb},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	log.Printf("✅ Web sign-in completed for %s", user.Email)
	return &Result{Method: MethodWeb, User: user, Credential: cred}, nil
}

// handleCallbackError classifies a provider error callback. An
// access_denied right after a silent approval attempt usually means a
// stale cached provider session picked the wrong account; that case
// gets exactly one automatic retry with the account chooser forced.
func (f *RedirectFlow) handleCallbackError(code, description string, retried bool) (*Result, error) {
	if code == "access_denied" && !retried {
		reg, err := f.provider.Registration(account.ClientClassWeb)
		if err != nil || !reg.Configured() {
			return nil, autherr.ErrUserCancelled
		}
		f.mu.Lock()
		f.conflictRetried = true
		f.pendingState = newStateToken()
		f.pendingURL = f.authURL(reg, f.pendingState, true)
		retryURL := f.pendingURL
		f.mu.Unlock()
		log.Printf("🔁 Callback error %q, retrying once with forced account selection", code)
		return &Result{Method: MethodWeb, Redirected: true, RedirectURL: retryURL}, nil
	}
	if code == "access_denied" {
		return nil, autherr.ErrUserCancelled
	}
	if strings.Contains(strings.ToLower(description), "cancel") {
		return nil, autherr.ErrUserCancelled
	}
	return nil, fmt.Errorf("authorization failed: %s (%s)", code, description)
}
