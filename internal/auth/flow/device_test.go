package flow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearthview/hearthview/internal/auth/account"
	"github.com/hearthview/hearthview/internal/auth/autherr"
	"github.com/hearthview/hearthview/internal/config"
)

// fakeProvider is a scripted identity provider: a device-code endpoint,
// a token endpoint answering from a queue, and a userinfo endpoint.
type fakeProvider struct {
	t         *testing.T
	mu        sync.Mutex
	expiresIn int
	interval  int
	// tokenScript is consumed one entry per poll; the last entry
	// repeats forever.
	tokenScript []tokenReply
	polls       atomic.Int32
	sawSecret   []bool

	srv *httptest.Server
}

type tokenReply struct {
	code int
	body map[string]any
}

func pendingReply() tokenReply {
	return tokenReply{code: 428, body: map[string]any{"error": "authorization_pending"}}
}

func successReply() tokenReply {
	return tokenReply{code: 200, body: map[string]any{
		"access_token":  "prov-access",
		"refresh_token": "prov-refresh",
		"expires_in":    3600,
	}}
}

func newFakeProvider(t *testing.T, expiresIn, interval int, script ...tokenReply) *fakeProvider {
	f := &fakeProvider{t: t, expiresIn: expiresIn, interval: interval, tokenScript: script}
	mux := http.NewServeMux()
	mux.HandleFunc("/device", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dc-1",
			"user_code":        "WXYZ-1234",
			"verification_uri": "https://example.com/activate",
			"expires_in":       f.expiresIn,
			"interval":         f.interval,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.mu.Lock()
		f.sawSecret = append(f.sawSecret, r.PostForm.Get("client_secret") != "")
		var reply tokenReply
		if len(f.tokenScript) > 1 {
			reply, f.tokenScript = f.tokenScript[0], f.tokenScript[1:]
		} else {
			reply = f.tokenScript[0]
		}
		f.mu.Unlock()
		f.polls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.code)
		json.NewEncoder(w).Encode(reply.body)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer prov-access" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "u1", "email": "fam@example.com", "name": "Fam"})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProvider) config() *config.Provider {
	return &config.Provider{
		ID:            "google",
		Scopes:        []string{"openid", "email"},
		AuthURL:       f.srv.URL + "/auth",
		TokenURL:      f.srv.URL + "/token",
		DeviceAuthURL: f.srv.URL + "/device",
		UserinfoURL:   f.srv.URL + "/userinfo",
		Web:           config.ClientRegistration{ClientID: "web-id", ClientSecret: "web-secret"},
		Device:        config.ClientRegistration{ClientID: "tv-id", ClientSecret: "tv-secret"},
	}
}

// newTestDeviceFlow shrinks flow time so a full poll schedule runs in
// milliseconds.
func newTestDeviceFlow(p *fakeProvider, prompt PromptFunc) *DeviceFlow {
	f := NewDeviceFlow(p.config(), prompt, nil)
	f.unit = time.Millisecond
	return f
}

func TestMaxPollAttempts(t *testing.T) {
	if got := maxPollAttempts(1800, 5); got != 360 {
		t.Fatalf("maxPollAttempts(1800, 5) = %d, want 360", got)
	}
	if got := maxPollAttempts(28, 5); got != 5 {
		t.Fatalf("maxPollAttempts(28, 5) = %d, want 5", got)
	}
	if got := effectiveInterval(1); got != minPollInterval {
		t.Fatalf("effectiveInterval(1) = %d, want %d", got, minPollInterval)
	}
}

func TestDeviceFlow_Success(t *testing.T) {
	p := newFakeProvider(t, 300, 5, pendingReply(), pendingReply(), successReply())

	var prompted CodePrompt
	f := newTestDeviceFlow(p, func(cp CodePrompt) { prompted = cp })

	res, err := f.SignIn(context.Background(), Options{})
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if prompted.UserCode != "WXYZ-1234" {
		t.Fatalf("user code not displayed: %+v", prompted)
	}
	if res.Method != MethodDevice || res.User.Email != "fam@example.com" {
		t.Fatalf("unexpected result: %+v", res)
	}
	cred := res.Credential
	if cred == nil || cred.AccessToken != "prov-access" || cred.RefreshToken != "prov-refresh" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if cred.ClientClass() != account.ClientClassDevice {
		t.Fatalf("credential not tagged with device registration: %+v", cred.ProviderInfo)
	}
}

func TestDeviceFlow_Timeout(t *testing.T) {
	// expires_in=28, interval=5: the budget is floor(28/5)=5 polls, then
	// the flow must time out without another network call.
	p := newFakeProvider(t, 28, 5, pendingReply())
	f := newTestDeviceFlow(p, nil)

	_, err := f.SignIn(context.Background(), Options{})
	if !errors.Is(err, autherr.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got := p.polls.Load(); got > 5 {
		t.Fatalf("polled %d times past the attempt budget of 5", got)
	}

	// No stray timer may fire another poll after the terminal state.
	settled := p.polls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := p.polls.Load(); got != settled {
		t.Fatalf("poll count moved after timeout: %d -> %d", settled, got)
	}
}

func TestDeviceFlow_SlowDown(t *testing.T) {
	p := newFakeProvider(t, 300, 5,
		tokenReply{code: 428, body: map[string]any{"error": "slow_down"}},
		pendingReply(),
		successReply(),
	)
	f := newTestDeviceFlow(p, nil)
	res, err := f.SignIn(context.Background(), Options{})
	if err != nil {
		t.Fatalf("SignIn after slow_down: %v", err)
	}
	if res.Credential == nil {
		t.Fatal("no credential after slow_down recovery")
	}
}

func TestDeviceFlow_ClientSecretRejectedRetriesOnce(t *testing.T) {
	p := newFakeProvider(t, 300, 5,
		tokenReply{code: 400, body: map[string]any{
			"error":             "invalid_request",
			"error_description": "client_secret is not supported for this grant type",
		}},
		successReply(),
	)
	f := newTestDeviceFlow(p, nil)

	res, err := f.SignIn(context.Background(), Options{})
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.Credential == nil {
		t.Fatal("no credential")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sawSecret) < 2 {
		t.Fatalf("expected rejected poll plus retry, saw %d polls", len(p.sawSecret))
	}
	if !p.sawSecret[0] {
		t.Fatal("first poll should have carried the client secret")
	}
	if p.sawSecret[1] {
		t.Fatal("retry after rejection still sent the client secret")
	}
}

func TestDeviceFlow_ClientSecretRetryFailureIsSurfaced(t *testing.T) {
	p := newFakeProvider(t, 300, 5,
		tokenReply{code: 400, body: map[string]any{
			"error":             "invalid_request",
			"error_description": "client_secret is not supported for this grant type",
		}},
		tokenReply{code: 400, body: map[string]any{"error": "invalid_grant"}},
	)
	f := newTestDeviceFlow(p, nil)

	_, err := f.SignIn(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected error after failed retry")
	}
	if got := p.polls.Load(); got != 2 {
		t.Fatalf("expected exactly 2 polls (reject + single retry), got %d", got)
	}
}

func TestDeviceFlow_CancelStopsEverything(t *testing.T) {
	p := newFakeProvider(t, 600, 5, pendingReply())

	prompted := make(chan struct{})
	f := newTestDeviceFlow(p, func(CodePrompt) { close(prompted) })

	errc := make(chan error, 1)
	go func() {
		_, err := f.SignIn(context.Background(), Options{})
		errc <- err
	}()

	<-prompted
	// Let at least one poll fire before cancelling.
	deadline := time.Now().Add(time.Second)
	for p.polls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	f.Cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, autherr.ErrUserCancelled) {
			t.Fatalf("expected ErrUserCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SignIn did not return after Cancel")
	}

	settled := p.polls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := p.polls.Load(); got != settled {
		t.Fatalf("network call fired after cancel: %d -> %d", settled, got)
	}
}

func TestDeviceFlow_MissingRegistration(t *testing.T) {
	p := newFakeProvider(t, 300, 5, pendingReply())
	cfg := p.config()
	cfg.Device = config.ClientRegistration{}
	f := NewDeviceFlow(cfg, nil, nil)

	_, err := f.SignIn(context.Background(), Options{})
	var confErr *autherr.ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if got := p.polls.Load(); got != 0 {
		t.Fatalf("flow touched the network despite missing registration: %d polls", got)
	}
}
