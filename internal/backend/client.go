// Package backend implements the client for the hosted token service:
// a single JSON-envelope RPC endpoint that bootstraps session tokens,
// stores OAuth credentials server-side and brokers the hybrid device
// pairing flow.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hearthview/hearthview/internal/auth/account"
	"github.com/hearthview/hearthview/internal/auth/autherr"
)

// Operation names understood by the token service.
const (
	OpBootstrapJWT    = "bootstrap_jwt"
	OpRefreshJWT      = "refresh_jwt"
	OpExchangeCode    = "exchange_code"
	OpStoreTokens     = "store_tokens"
	OpGetValidToken   = "get_valid_token"
	OpListAccounts    = "list_accounts"
	OpRemoveAccount   = "remove_account"
	OpCreateDevice    = "create_device_code"
	OpPollDevice      = "poll_device_code_status"
	OpAuthorizeDevice = "authorize_device_code"
	OpRefreshToken    = "refresh_token"
)

// Device pairing statuses reported by poll_device_code_status.
const (
	DeviceStatusPending    = "pending"
	DeviceStatusAuthorized = "authorized"
	DeviceStatusExpired    = "expired_token"
)

// Client talks to the token service. Safe for concurrent use; the
// session token may be swapped at any time as the session is refreshed.
type Client struct {
	url        string
	httpClient *http.Client

	mu           sync.RWMutex
	sessionToken string
}

// NewClient creates a client for the service at url (the full RPC
// endpoint, e.g. https://tokens.example.com/rpc).
func NewClient(url string) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetSessionToken installs the bearer token used for authenticated
// operations. An empty string clears it.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	c.sessionToken = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// envelope is the wire shape of every request.
type envelope struct {
	Operation   string `json:"operation"`
	Provider    string `json:"provider,omitempty"`
	AccountType string `json:"account_type,omitempty"`
	Data        any    `json:"data,omitempty"`
	Code        string `json:"code,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
	DeviceCode  string `json:"device_code,omitempty"`
	UserCode    string `json:"user_code,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

type status struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// call posts one envelope and decodes the response into out, which must
// embed status. Non-2xx responses and transport failures are hard
// failures; {success:false} is surfaced as the service's own error text.
func (c *Client) call(ctx context.Context, req envelope, out interface{ rpcStatus() status }) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", req.Operation, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", req.Operation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := c.currentToken(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &autherr.NetworkError{Op: req.Operation, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &autherr.NetworkError{Op: req.Operation, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return &autherr.InvalidCredentialError{Reason: fmt.Sprintf("%s rejected session token", req.Operation)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s failed (%d): %s", req.Operation, resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", req.Operation, err)
	}
	if st := out.rpcStatus(); !st.Success {
		return fmt.Errorf("%s: %s", req.Operation, st.Error)
	}
	return nil
}

func (s status) rpcStatus() status { return s }

// SessionGrant is what bootstrap_jwt and refresh_jwt return: the
// internal session token plus the normalized user it belongs to.
type SessionGrant struct {
	status
	JWTToken  string       `json:"jwtToken"`
	User      account.User `json:"user"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// BootstrapJWT exchanges a provider access token for an internal
// session token. Unauthenticated: it is how a session begins.
func (c *Client) BootstrapJWT(ctx context.Context, provider, providerAccessToken string) (*SessionGrant, error) {
	var out SessionGrant
	err := c.call(ctx, envelope{
		Operation:   OpBootstrapJWT,
		Provider:    provider,
		AccessToken: providerAccessToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshJWT mints a fresh session token using the current, still-valid
// one as the bearer credential.
func (c *Client) RefreshJWT(ctx context.Context) (*SessionGrant, error) {
	var out SessionGrant
	if err := c.call(ctx, envelope{Operation: OpRefreshJWT}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TokenGrant is the result of a backend-brokered code exchange.
type TokenGrant struct {
	status
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresIn    int      `json:"expires_in"`
	Scopes       []string `json:"scopes,omitempty"`
}

// ExchangeCode redeems an authorization code for provider tokens. The
// exchange happens server-side so the client secret never reaches the
// browser.
func (c *Client) ExchangeCode(ctx context.Context, provider, code, redirectURI string) (*TokenGrant, error) {
	var out TokenGrant
	err := c.call(ctx, envelope{
		Operation:   OpExchangeCode,
		Provider:    provider,
		Code:        code,
		RedirectURI: redirectURI,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type storeResponse struct {
	status
}

// StoreTokens writes one full credential record to the service.
func (c *Client) StoreTokens(ctx context.Context, cred *account.Credential) error {
	var out storeResponse
	return c.call(ctx, envelope{
		Operation:   OpStoreTokens,
		Provider:    cred.Provider,
		AccountType: cred.AccountType,
		Data:        cred,
	}, &out)
}

// ValidToken is the structured result of get_valid_token. RefreshFailed
// is reported in-band rather than as a transport error so read paths
// can degrade gracefully.
type ValidToken struct {
	status
	AccountFound  bool      `json:"account_found"`
	AccessToken   string    `json:"access_token,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	Scopes        []string  `json:"scopes,omitempty"`
	Refreshed     bool      `json:"refreshed"`
	RefreshFailed bool      `json:"refresh_failed,omitempty"`
	RefreshError  string    `json:"refresh_error,omitempty"`
}

// GetValidToken fetches a usable access token for one account,
// refreshing server-side when the stored one is near expiry.
func (c *Client) GetValidToken(ctx context.Context, provider, accountType string) (*ValidToken, error) {
	var out ValidToken
	err := c.call(ctx, envelope{
		Operation:   OpGetValidToken,
		Provider:    provider,
		AccountType: accountType,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type listResponse struct {
	status
	Accounts []account.Credential `json:"accounts"`
}

// ListAccounts returns every stored credential record. Access and
// refresh tokens are redacted server-side; the records are metadata.
func (c *Client) ListAccounts(ctx context.Context) ([]account.Credential, error) {
	var out listResponse
	if err := c.call(ctx, envelope{Operation: OpListAccounts}, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// RemoveAccount deletes one stored credential record.
func (c *Client) RemoveAccount(ctx context.Context, provider, accountType string) error {
	var out storeResponse
	return c.call(ctx, envelope{
		Operation:   OpRemoveAccount,
		Provider:    provider,
		AccountType: accountType,
	}, &out)
}

// DeviceGrant is a backend-issued device pairing code. The verification
// URI points at the dashboard's own pairing page, not the identity
// provider.
type DeviceGrant struct {
	status
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// CreateDeviceCode starts a hybrid pairing. Unauthenticated.
func (c *Client) CreateDeviceCode(ctx context.Context, provider string) (*DeviceGrant, error) {
	var out DeviceGrant
	err := c.call(ctx, envelope{Operation: OpCreateDevice, Provider: provider}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DevicePollResult reports pairing progress. On authorized it carries
// the session token directly, with no separate bootstrap step.
type DevicePollResult struct {
	status
	Status    string       `json:"status"`
	JWTToken  string       `json:"jwtToken,omitempty"`
	User      account.User `json:"user,omitzero"`
	ExpiresAt time.Time    `json:"expires_at,omitzero"`
}

// PollDeviceCode checks one pending pairing. Unauthenticated.
func (c *Client) PollDeviceCode(ctx context.Context, deviceCode string) (*DevicePollResult, error) {
	var out DevicePollResult
	err := c.call(ctx, envelope{Operation: OpPollDevice, DeviceCode: deviceCode}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AuthorizeDeviceCode completes a pairing from the phone side: the
// user code entered on the pairing page plus the provider access token
// the phone's web login just produced.
func (c *Client) AuthorizeDeviceCode(ctx context.Context, provider, userCode, providerAccessToken string) error {
	var out storeResponse
	return c.call(ctx, envelope{
		Operation:   OpAuthorizeDevice,
		Provider:    provider,
		UserCode:    userCode,
		AccessToken: providerAccessToken,
	}, &out)
}

// RefreshAccountToken forces a provider refresh for one account without
// a session token. Used for background token maintenance.
func (c *Client) RefreshAccountToken(ctx context.Context, provider, accountType string) (*ValidToken, error) {
	var out ValidToken
	err := c.call(ctx, envelope{
		Operation:   OpRefreshToken,
		Provider:    provider,
		AccountType: accountType,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
