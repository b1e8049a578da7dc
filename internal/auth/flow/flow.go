// Package flow implements the three ways a user can sign in to the
// dashboard: the RFC 8628 device flow against the identity provider,
// the backend-brokered hybrid device flow for TV-class devices, and the
// browser redirect flow. Each variant independently obtains either a
// provider grant or, for the hybrid flow, the internal session token.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hearthview/hearthview/internal/auth/account"
	"github.com/hearthview/hearthview/internal/auth/autherr"
)

// Method names, recorded on the session so later diagnostics know which
// flow produced it.
const (
	MethodDevice = "device"
	MethodHybrid = "hybrid"
	MethodWeb    = "web"
)

// Capabilities describes what a flow variant can do. The coordinator
// selects variants by capability, never by concrete type.
type Capabilities struct {
	// NeedsBrowser is true when the flow can only run where a full
	// browser is available.
	NeedsBrowser bool
	// DisplaysCode is true when the flow shows a pairing code for a
	// second device.
	DisplaysCode bool
	// ReturnsRefreshToken is true when the flow yields a provider
	// refresh token client-side.
	ReturnsRefreshToken bool
	// ReturnsSession is true when the flow yields the internal session
	// token directly, with no separate bootstrap step.
	ReturnsSession bool
}

// Options tweaks a single sign-in attempt.
type Options struct {
	// ForceAccountSelection forces the provider's account chooser, used
	// when adding a second account that must not silently reuse a
	// cached provider session.
	ForceAccountSelection bool
}

// Result is what a completed (or redirected) sign-in hands back to the
// session manager. Exactly one of Credential, SessionToken or
// RedirectURL is meaningful, depending on the flow.
type Result struct {
	Method string
	User   account.User

	// Credential carries the provider grant for flows that obtain one
	// client-side (device, web). The session manager assigns the
	// account type and persists it.
	Credential *account.Credential

	// SessionToken is set by the hybrid flow, which receives the
	// internal session token directly from the backend.
	SessionToken     string
	SessionExpiresAt time.Time

	// Redirected is set by the web flow when the browser is being sent
	// to the provider; no tokens exist yet.
	Redirected  bool
	RedirectURL string
}

// CredentialProvider is the common surface of the three variants. A
// provider owns its own timers and must release them on Cleanup.
type CredentialProvider interface {
	Name() string
	Capabilities() Capabilities
	SignIn(ctx context.Context, opts Options) (*Result, error)
	Cleanup()
}

// CodePrompt is shown to the user while a device flow waits for
// authorization on a second device.
type CodePrompt struct {
	UserCode        string
	VerificationURI string
	ExpiresIn       int
}

// PromptFunc receives the pairing code to display.
type PromptFunc func(CodePrompt)

// CountdownFunc receives the remaining validity of the displayed code,
// once per second.
type CountdownFunc func(remaining time.Duration)

// fetchUserInfo retrieves the normalized user identity from the
// provider's userinfo endpoint using a fresh access token.
func fetchUserInfo(ctx context.Context, client *http.Client, url, accessToken string) (account.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return account.User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.Do(req)
	if err != nil {
		return account.User{}, &autherr.NetworkError{Op: "userinfo", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return account.User{}, &autherr.NetworkError{Op: "userinfo", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return account.User{}, fmt.Errorf("userinfo failed (%d): %s", resp.StatusCode, body)
	}

	var info struct {
		ID    string `json:"id"`
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return account.User{}, fmt.Errorf("failed to parse userinfo: %w", err)
	}
	id := info.ID
	if id == "" {
		id = info.Sub
	}
	return account.User{ID: id, Email: info.Email, Name: info.Name}, nil
}
