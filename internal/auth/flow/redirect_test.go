package flow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hearthview/hearthview/internal/auth/account"
	"github.com/hearthview/hearthview/internal/auth/autherr"
	"github.com/hearthview/hearthview/internal/backend"
	"github.com/hearthview/hearthview/internal/config"
)

type fakeExchanger struct {
	grant *backend.TokenGrant
	err   error
	calls int
	code  string
}

func (f *fakeExchanger) ExchangeCode(ctx context.Context, provider, code, redirectURI string) (*backend.TokenGrant, error) {
	f.calls++
	f.code = code
	if f.err != nil {
		return nil, f.err
	}
	return f.grant, nil
}

func newTestRedirectFlow(t *testing.T, ex Exchanger) *RedirectFlow {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sub": "u7", "email": "fam@example.com", "name": "Fam"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := &config.Provider{
		ID:          "google",
		Scopes:      []string{"openid", "email"},
		AuthURL:     "https://accounts.example.com/auth",
		TokenURL:    "https://accounts.example.com/token",
		UserinfoURL: srv.URL + "/userinfo",
		Web:         config.ClientRegistration{ClientID: "web-id"},
	}
	return NewRedirectFlow(p, ex, "https://hearthview.example.com/auth/callback")
}

func authParams(t *testing.T, rawURL string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("bad redirect URL %q: %v", rawURL, err)
	}
	return u.Query()
}

func TestRedirectFlow_SignInBuildsOfflineConsentURL(t *testing.T) {
	f := newTestRedirectFlow(t, &fakeExchanger{})
	res, err := f.SignIn(context.Background(), Options{})
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if !res.Redirected {
		t.Fatal("web sign-in must redirect")
	}
	q := authParams(t, res.RedirectURL)
	if q.Get("access_type") != "offline" {
		t.Fatalf("offline access not requested: %v", q)
	}
	if q.Get("approval_prompt") != "force" {
		t.Fatalf("consent not forced by default: %v", q)
	}
	if q.Get("state") == "" {
		t.Fatal("state parameter missing")
	}
}

func TestRedirectFlow_ForceAccountSelection(t *testing.T) {
	f := newTestRedirectFlow(t, &fakeExchanger{})
	res, err := f.SignIn(context.Background(), Options{ForceAccountSelection: true})
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	q := authParams(t, res.RedirectURL)
	if !strings.Contains(q.Get("prompt"), "select_account") {
		t.Fatalf("account chooser not forced: %v", q)
	}
}

func TestRedirectFlow_ReloadDoesNotReRedirect(t *testing.T) {
	f := newTestRedirectFlow(t, &fakeExchanger{})
	first, _ := f.SignIn(context.Background(), Options{})
	second, _ := f.SignIn(context.Background(), Options{})
	if first.RedirectURL != second.RedirectURL {
		t.Fatal("reload minted a second redirect instead of reusing the pending one")
	}
}

func TestRedirectFlow_NotACallback(t *testing.T) {
	f := newTestRedirectFlow(t, &fakeExchanger{})
	res, err := f.ConsumeCallback(context.Background(), url.Values{"tab": {"photos"}})
	if err != nil || res != nil {
		t.Fatalf("plain startup query treated as callback: res=%+v err=%v", res, err)
	}
}

func TestRedirectFlow_CodeExchange(t *testing.T) {
	ex := &fakeExchanger{grant: &backend.TokenGrant{
		AccessToken:  "web-access",
		RefreshToken: "web-refresh",
		ExpiresIn:    3600,
		Scopes:       []string{"openid", "email"},
	}}
	f := newTestRedirectFlow(t, ex)

	signin, _ := f.SignIn(context.Background(), Options{})
	state := authParams(t, signin.RedirectURL).Get("state")

	res, err := f.ConsumeCallback(context.Background(), url.Values{"code": {"authcode-1"}, "state": {state}})
	if err != nil {
		t.Fatalf("ConsumeCallback: %v", err)
	}
	if ex.code != "authcode-1" {
		t.Fatalf("exchanger got code %q", ex.code)
	}
	cred := res.Credential
	if cred == nil || cred.RefreshToken != "web-refresh" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if cred.ClientClass() != account.ClientClassWeb {
		t.Fatalf("credential not tagged with web registration: %+v", cred.ProviderInfo)
	}
	if res.User.ID != "u7" {
		t.Fatalf("user not normalized from userinfo: %+v", res.User)
	}
}

func TestRedirectFlow_StateMismatch(t *testing.T) {
	f := newTestRedirectFlow(t, &fakeExchanger{grant: &backend.TokenGrant{AccessToken: "a"}})
	f.SignIn(context.Background(), Options{})
	_, err := f.ConsumeCallback(context.Background(), url.Values{"code": {"c"}, "state": {"forged"}})
	if err == nil {
		t.Fatal("forged state accepted")
	}
}

func TestRedirectFlow_AccessDeniedRetriesOnceWithAccountSelection(t *testing.T) {
	ex := &fakeExchanger{}
	f := newTestRedirectFlow(t, ex)
	f.SignIn(context.Background(), Options{})

	// First access_denied: suspected stale-session conflict, one
	// automatic retry with the account chooser forced.
	res, err := f.ConsumeCallback(context.Background(), url.Values{"error": {"access_denied"}})
	if err != nil {
		t.Fatalf("first access_denied should retry, got error: %v", err)
	}
	if !res.Redirected {
		t.Fatalf("expected retry redirect, got %+v", res)
	}
	if !strings.Contains(authParams(t, res.RedirectURL).Get("prompt"), "select_account") {
		t.Fatal("retry did not force account selection")
	}

	// Second access_denied: genuine user cancellation, no loop.
	_, err = f.ConsumeCallback(context.Background(), url.Values{"error": {"access_denied"}})
	if !errors.Is(err, autherr.ErrUserCancelled) {
		t.Fatalf("expected ErrUserCancelled after retried denial, got %v", err)
	}
	if ex.calls != 0 {
		t.Fatalf("error callbacks must not reach the exchanger, got %d calls", ex.calls)
	}
}

func TestRedirectFlow_CallbackClearsPendingState(t *testing.T) {
	f := newTestRedirectFlow(t, &fakeExchanger{err: errors.New("exchange boom")})
	first, _ := f.SignIn(context.Background(), Options{})
	state := authParams(t, first.RedirectURL).Get("state")

	if _, err := f.ConsumeCallback(context.Background(), url.Values{"code": {"c"}, "state": {state}}); err == nil {
		t.Fatal("expected exchange failure")
	}

	// The failure path must have cleared the in-flight redirect, so a
	// fresh SignIn mints a new state.
	second, _ := f.SignIn(context.Background(), Options{})
	if second.RedirectURL == first.RedirectURL {
		t.Fatal("pending redirect state survived a failed callback")
	}
}

func TestRedirectFlow_MissingRegistration(t *testing.T) {
	f := newTestRedirectFlow(t, &fakeExchanger{})
	f.provider.Web = config.ClientRegistration{}
	_, err := f.SignIn(context.Background(), Options{})
	var confErr *autherr.ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
