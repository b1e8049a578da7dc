package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hearthview/hearthview/internal/auth/account"
	"github.com/hearthview/hearthview/internal/auth/autherr"
	"github.com/hearthview/hearthview/internal/config"
)

const (
	// minPollInterval is the floor on the token-endpoint poll interval,
	// enforced even when the provider asks for less.
	minPollInterval = 5
	// slowDownIncrement is added to the effective interval on every
	// slow_down response.
	slowDownIncrement = 5

	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// DeviceAuthorization is the ephemeral state of one device-code
// request. The device code is opaque and never shown to the user.
type DeviceAuthorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// DeviceFlow signs in limited-input devices directly against the
// identity provider using the RFC 8628 device authorization grant.
type DeviceFlow struct {
	provider   *config.Provider
	httpClient *http.Client
	prompt     PromptFunc
	countdown  CountdownFunc

	// unit is the real duration of one "second" of flow time. Tests
	// shrink it to run the full poll schedule in milliseconds.
	unit time.Duration

	mu     sync.Mutex
	timers *timerSet // active sign-in, nil when idle

	secretRetried bool
	omitSecret    bool
}

// NewDeviceFlow creates the flow. prompt is called once with the code
// to display; countdown (optional) receives the remaining validity
// every second.
func NewDeviceFlow(provider *config.Provider, prompt PromptFunc, countdown CountdownFunc) *DeviceFlow {
	return &DeviceFlow{
		provider:   provider,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		prompt:     prompt,
		countdown:  countdown,
		unit:       time.Second,
	}
}

func (f *DeviceFlow) Name() string { return MethodDevice }

func (f *DeviceFlow) Capabilities() Capabilities {
	return Capabilities{DisplaysCode: true, ReturnsRefreshToken: true}
}

// Cancel aborts an in-flight sign-in. The poll and countdown timers are
// stopped together, no further network call fires, and the pending
// SignIn returns ErrUserCancelled.
func (f *DeviceFlow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timers != nil {
		f.timers.stop()
	}
}

// Cleanup releases any timers still owned by the flow.
func (f *DeviceFlow) Cleanup() { f.Cancel() }

// SignIn runs the full device authorization grant: request a code,
// display it, poll until the user authorizes on a second device, then
// fetch the normalized user. Nothing is persisted here; the caller
// stores the returned credential.
func (f *DeviceFlow) SignIn(ctx context.Context, _ Options) (*Result, error) {
	reg, err := f.provider.Registration(account.ClientClassDevice)
	if err != nil {
		return nil, err
	}
	if !reg.Configured() {
		return nil, &autherr.ConfigurationError{Flow: MethodDevice, Reason: "no device-class client registration for provider " + f.provider.ID}
	}

	auth, err := f.requestAuthorization(ctx, reg)
	if err != nil {
		return nil, err
	}

	interval := effectiveInterval(auth.Interval)
	maxAttempts := maxPollAttempts(auth.ExpiresIn, interval)

	if f.prompt != nil {
		f.prompt(CodePrompt{UserCode: auth.UserCode, VerificationURI: auth.VerificationURI, ExpiresIn: auth.ExpiresIn})
	}

	ts := newTimerSet(time.Duration(interval)*f.unit, f.unit)
	f.mu.Lock()
	f.timers = ts
	f.mu.Unlock()
	defer func() {
		ts.stop()
		f.mu.Lock()
		f.timers = nil
		f.mu.Unlock()
	}()

	remaining := auth.ExpiresIn
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ts.done():
			return nil, autherr.ErrUserCancelled
		case <-ts.countdown.C:
			if ts.stopped() {
				return nil, autherr.ErrUserCancelled
			}
			remaining--
			if f.countdown != nil {
				f.countdown(time.Duration(remaining) * time.Second)
			}
			if remaining <= 0 {
				return nil, autherr.ErrTimeout
			}
		case <-ts.poll.C:
			if ts.stopped() {
				return nil, autherr.ErrUserCancelled
			}
			if attempts >= maxAttempts {
				return nil, autherr.ErrTimeout
			}
			attempts++

			grant, state, err := f.pollToken(ctx, auth.DeviceCode, reg)
			switch {
			case err != nil:
				var netErr *autherr.NetworkError
				if errors.As(err, &netErr) {
					log.Printf("⏳ Device poll transport failure, retrying next tick: %v", netErr)
					continue
				}
				return nil, err
			case state == pollSlowDown:
				interval += slowDownIncrement
				ts.resetPoll(time.Duration(interval) * f.unit)
				log.Printf("🐢 Provider asked to slow down, polling every %ds", interval)
			case state == pollPending:
				// keep waiting
			case state == pollAuthorized:
				return f.finish(ctx, grant)
			}
		}
	}
}

func (f *DeviceFlow) finish(ctx context.Context, grant *deviceTokenGrant) (*Result, error) {
	user, err := fetchUserInfo(ctx, f.httpClient, f.provider.UserinfoURL, grant.AccessToken)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	scopes := f.provider.Scopes
	if grant.Scope != "" {
		scopes = strings.Fields(grant.Scope)
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
		ProviderInfo: map[string]string{account.ProviderInfoClientClass: account.ClientClassDevice},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	log.Printf("✅ Device flow authorized for %s", user.Email)
	return &Result{Method: MethodDevice, User: user, Credential: cred}, nil
}

// requestAuthorization asks the provider for a fresh device code.
func (f *DeviceFlow) requestAuthorization(ctx context.Context, reg config.ClientRegistration) (*DeviceAuthorization, error) {
	form := url.Values{
		"client_id": {reg.ClientID},
		"scope":     {strings.Join(f.provider.Scopes, " ")},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.provider.DeviceAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &autherr.NetworkError{Op: "device_code", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &autherr.NetworkError{Op: "device_code", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device code request failed (%d): %s", resp.StatusCode, body)
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, fmt.Errorf("failed to parse device code response: %w", err)
	}
	if auth.DeviceCode == "" || auth.UserCode == "" {
		return nil, fmt.Errorf("device code response missing codes")
	}
	return &auth, nil
}

// effectiveInterval enforces the minimum poll interval.
func effectiveInterval(interval int) int {
	if interval < minPollInterval {
		return minPollInterval
	}
	return interval
}

// maxPollAttempts is the poll budget for one device code: the code's
// lifetime divided by the poll interval, rounded down. Exceeding it is
// a terminal timeout with no further network call.
func maxPollAttempts(expiresIn, interval int) int {
	if interval <= 0 {
		return 0
	}
	return expiresIn / interval
}

type pollState int

const (
	pollAuthorized pollState = iota
	pollPending
	pollSlowDown
)

type deviceTokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// pollToken performs one token-endpoint poll. Expected waiting states
// come back as pollPending/pollSlowDown, never as errors.
func (f *DeviceFlow) pollToken(ctx context.Context, deviceCode string, reg config.ClientRegistration) (*deviceTokenGrant, pollState, error) {
	grant, state, oauthErr, err := f.postTokenForm(ctx, deviceCode, reg, f.omitSecret)
	if err != nil || oauthErr == nil {
		return grant, state, err
	}

	// Some device-class registrations reject the client secret for this
	// grant type. Retry the same poll exactly once without it.
	if oauthErr.Code == "invalid_request" &&
		strings.Contains(strings.ToLower(oauthErr.Description), "client_secret") &&
		!f.secretRetried {
		f.secretRetried = true
		log.Printf("🔁 Token endpoint rejected client_secret, retrying once without it")
		grant, state, retryErr, err := f.postTokenForm(ctx, deviceCode, reg, true)
		if err != nil {
			return nil, 0, err
		}
		if retryErr != nil {
			return nil, 0, fmt.Errorf("device token poll failed: %s (%s)", retryErr.Code, retryErr.Description)
		}
		f.omitSecret = true
		return grant, state, nil
	}

	return nil, 0, f.classifyOAuthError(oauthErr)
}

type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (f *DeviceFlow) classifyOAuthError(e *oauthError) error {
	switch e.Code {
	case "expired_token":
		return autherr.ErrTimeout
	case "access_denied":
		return autherr.ErrUserCancelled
	default:
		return fmt.Errorf("device token poll failed: %s (%s)", e.Code, e.Description)
	}
}

// postTokenForm does the raw token-endpoint POST. It returns either a
// grant, a waiting state, a structured OAuth error body, or a transport
// error — the caller decides what each means.
func (f *DeviceFlow) postTokenForm(ctx context.Context, deviceCode string, reg config.ClientRegistration, omitSecret bool) (*deviceTokenGrant, pollState, *oauthError, error) {
	form := url.Values{
		"client_id":   {reg.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {deviceGrantType},
	}
	if reg.ClientSecret != "" && !omitSecret {
		form.Set("client_secret", reg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, &autherr.NetworkError{Op: "device_token_poll", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, &autherr.NetworkError{Op: "device_token_poll", Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		var grant deviceTokenGrant
		if err := json.Unmarshal(body, &grant); err != nil {
			return nil, 0, nil, fmt.Errorf("failed to parse token response: %w", err)
		}
		return &grant, pollAuthorized, nil, nil
	}

	var oe oauthError
	if err := json.Unmarshal(body, &oe); err != nil || oe.Code == "" {
		return nil, 0, nil, fmt.Errorf("device token poll failed (%d): %s", resp.StatusCode, body)
	}
	switch oe.Code {
	case "authorization_pending":
		return nil, pollPending, nil, nil
	case "slow_down":
		return nil, pollSlowDown, nil, nil
	}
	return nil, 0, &oe, nil
}
