package session

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/hearthview/hearthview/internal/auth"
	"github.com/hearthview/hearthview/internal/auth/account"
	"github.com/hearthview/hearthview/internal/auth/flow"
	"github.com/hearthview/hearthview/internal/auth/tokenstore"
	"github.com/hearthview/hearthview/internal/backend"
)

// Account type keys per flow. Device-class sign-ins get a distinct
// suffix so a TV login never collides with a browser login for the
// same provider.
const (
	AccountTypePrimary = "primary"
	AccountTypeTV      = "primary-tv"
)

// TokenService is the slice of the backend the manager needs for
// session lifecycle.
type TokenService interface {
	BootstrapJWT(ctx context.Context, provider, providerAccessToken string) (*backend.SessionGrant, error)
	RefreshJWT(ctx context.Context) (*backend.SessionGrant, error)
	SetSessionToken(token string)
}

// Store is the session persistence surface.
type Store interface {
	Load() (*Session, error)
	Save(*Session) error
	Clear() error
}

// Manager is the top-level orchestrator: it restores or establishes a
// session once at startup, owns the session token's lifecycle, and is
// the only auth component the rest of the dashboard talks to.
type Manager struct {
	coord    *auth.Coordinator
	svc      TokenService
	tokens   *tokenstore.Store
	sessions Store
	lifetime time.Duration
	now      func() time.Time

	mu      sync.Mutex
	current *Session
}

// NewManager wires the manager's collaborators.
func NewManager(coord *auth.Coordinator, svc TokenService, tokens *tokenstore.Store, sessions Store, lifetime time.Duration) *Manager {
	return &Manager{
		coord:    coord,
		svc:      svc,
		tokens:   tokens,
		sessions: sessions,
		lifetime: lifetime,
		now:      time.Now,
	}
}

// InitResult is the startup outcome.
type InitResult struct {
	Authenticated bool
	User          account.User
}

// Initialize restores the stored session if possible: a valid token is
// kept, one near or past expiry is refreshed, and a refresh failure
// clears the stored token rather than retrying indefinitely.
func (m *Manager) Initialize(ctx context.Context) (*InitResult, error) {
	stored, err := m.sessions.Load()
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return &InitResult{}, nil
	}

	now := m.now()
	if stored.Expired(now) || stored.DueForRefresh(now) {
		m.svc.SetSessionToken(stored.Token)
		grant, err := m.svc.RefreshJWT(ctx)
		if err != nil {
			log.Printf("⚠️ Session refresh failed, clearing stored session: %v", err)
			m.clearLocked()
			return &InitResult{}, nil
		}
		stored = m.sessionFromGrant(grant, stored.AuthMethod)
		if err := m.sessions.Save(stored); err != nil {
			return nil, err
		}
		log.Printf("🔄 Session refreshed for %s (expires %s)", stored.Email, stored.ExpiresAt.Format(time.RFC3339))
	}

	m.adopt(stored)
	m.loadTokenStore(ctx)
	return &InitResult{Authenticated: true, User: account.User{ID: stored.UserID, Email: stored.Email}}, nil
}

// Outcome is what SignIn and HandleCallback produce: either an
// established session or a redirect the browser must follow.
type Outcome struct {
	Session     *Session
	User        account.User
	Redirected  bool
	RedirectURL string
}

// SignIn runs the flow the coordinator selects for this platform.
func (m *Manager) SignIn(ctx context.Context, opts auth.SignInOptions) (*Outcome, error) {
	res, err := m.coord.SignIn(ctx, opts)
	if err != nil {
		return nil, err
	}
	if res.Redirected {
		return &Outcome{Redirected: true, RedirectURL: res.RedirectURL}, nil
	}
	return m.complete(ctx, res)
}

// HandleCallback consumes a possible OAuth callback query. Returns
// (nil, nil) when the query is not a callback.
func (m *Manager) HandleCallback(ctx context.Context, query url.Values) (*Outcome, error) {
	res, err := m.coord.ConsumeCallback(ctx, query)
	if err != nil || res == nil {
		return nil, err
	}
	if res.Redirected {
		return &Outcome{Redirected: true, RedirectURL: res.RedirectURL}, nil
	}
	return m.complete(ctx, res)
}

// complete turns a finished flow result into an established session:
// bootstrap if the flow yielded a provider grant, adopt directly if it
// yielded the session token, then persist the OAuth credential.
func (m *Manager) complete(ctx context.Context, res *flow.Result) (*Outcome, error) {
	var sess *Session

	switch {
	case res.SessionToken != "":
		sess = &Session{
			Token:      res.SessionToken,
			UserID:     res.User.ID,
			Email:      res.User.Email,
			IssuedAt:   m.now(),
			ExpiresAt:  res.SessionExpiresAt,
			AuthMethod: res.Method,
		}
		if sess.ExpiresAt.IsZero() {
			sess.ExpiresAt = sess.IssuedAt.Add(m.lifetime)
		}
	case res.Credential != nil:
		grant, err := m.svc.BootstrapJWT(ctx, res.Credential.Provider, res.Credential.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("session bootstrap failed: %w", err)
		}
		sess = m.sessionFromGrant(grant, res.Method)
	default:
		return nil, fmt.Errorf("flow %s produced neither a credential nor a session", res.Method)
	}

	m.svc.SetSessionToken(sess.Token)
	if err := m.sessions.Save(sess); err != nil {
		return nil, err
	}
	m.adopt(sess)
	m.loadTokenStore(ctx)

	if res.Credential != nil {
		accountType := AccountTypePrimary
		if res.Method == flow.MethodDevice {
			accountType = AccountTypeTV
		}
		if err := m.tokens.StoreAccountTokens(ctx, res.Credential.Provider, accountType, res.Credential); err != nil {
			return nil, err
		}
	}

	log.Printf("✅ Signed in as %s via %s flow", sess.Email, sess.AuthMethod)
	return &Outcome{Session: sess, User: res.User}, nil
}

// SignOut clears only the internal session token. OAuth credentials
// stay stored so the next sign-in needs no fresh consent.
func (m *Manager) SignOut() error {
	m.clearLocked()
	log.Printf("👋 Signed out")
	return nil
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	out := *m.current
	return &out
}

// TokenStore exposes the credential read API to the widget layer.
func (m *Manager) TokenStore() *tokenstore.Store { return m.tokens }

func (m *Manager) sessionFromGrant(grant *backend.SessionGrant, method string) *Session {
	now := m.now()
	expires := grant.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(m.lifetime)
	}
	return &Session{
		Token:      grant.JWTToken,
		UserID:     grant.User.ID,
		Email:      grant.User.Email,
		IssuedAt:   now,
		ExpiresAt:  expires,
		AuthMethod: method,
	}
}

func (m *Manager) adopt(s *Session) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.svc.SetSessionToken(s.Token)
}

func (m *Manager) clearLocked() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.svc.SetSessionToken("")
	if err := m.sessions.Clear(); err != nil {
		log.Printf("⚠️ Failed to clear session file: %v", err)
	}
}

func (m *Manager) loadTokenStore(ctx context.Context) {
	if m.tokens == nil {
		return
	}
	if err := m.tokens.Load(ctx); err != nil {
		log.Printf("⚠️ Failed to load token store: %v", err)
	}
}
