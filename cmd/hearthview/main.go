package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hearthview/hearthview/internal/auth"
	"github.com/hearthview/hearthview/internal/auth/flow"
	"github.com/hearthview/hearthview/internal/auth/session"
	"github.com/hearthview/hearthview/internal/auth/tokenstore"
	"github.com/hearthview/hearthview/internal/backend"
	"github.com/hearthview/hearthview/internal/config"
	"github.com/hearthview/hearthview/internal/version"
)

// pairState holds the code the TV screen is currently showing.
type pairState struct {
	mu        sync.Mutex
	code      string
	uri       string
	remaining int
}

func (p *pairState) set(prompt flow.CodePrompt) {
	p.mu.Lock()
	p.code = prompt.UserCode
	p.uri = prompt.VerificationURI
	p.remaining = prompt.ExpiresIn
	p.mu.Unlock()
}

func (p *pairState) tick(remaining time.Duration) {
	p.mu.Lock()
	p.remaining = int(remaining / time.Second)
	p.mu.Unlock()
}

func (p *pairState) snapshot() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{"user_code": p.code, "verification_uri": p.uri, "remaining": p.remaining}
}

func main() {
	cfgPath := os.Getenv("HEARTHVIEW_CONFIG")
	if cfgPath == "" {
		cfgPath = "hearthview.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Providers) == 0 {
		log.Fatalf("No identity providers configured")
	}
	provider := &cfg.Providers[0]

	baseURL := os.Getenv("HEARTHVIEW_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := backend.NewClient(cfg.BackendURL)

	pairing := &pairState{}
	prompt := func(p flow.CodePrompt) {
		pairing.set(p)
		log.Printf("📺 Enter code %s at %s", p.UserCode, p.VerificationURI)
	}
	countdown := pairing.tick

	deps := auth.Deps{
		Platform:       cfg.Platform,
		DeviceFlowMode: cfg.DeviceFlow,
		Web:            flow.NewRedirectFlow(provider, client, baseURL+"/auth/callback"),
	}
	if cfg.Platform == config.PlatformTV {
		deps.Device = flow.NewDeviceFlow(provider, prompt, countdown)
		deps.Hybrid = flow.NewHybridFlow(client, provider.ID, prompt, countdown)
	}
	coord := auth.NewCoordinator(deps)

	manager := session.NewManager(coord, client,
		tokenstore.New(client),
		session.NewFileStore(cfg.SessionFile),
		cfg.SessionLifetime)

	if _, err := manager.Initialize(context.Background()); err != nil {
		log.Printf("⚠️ Session restore failed: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/auth", func(r chi.Router) {
		// Starts a sign-in. On browsers this redirects to the provider;
		// on TVs it blocks while the pairing code on screen is live.
		r.Post("/login", func(w http.ResponseWriter, req *http.Request) {
			force := req.URL.Query().Get("force_account_selection") == "true"
			out, err := manager.SignIn(req.Context(), auth.SignInOptions{ForceAccountSelection: force})
			if err != nil {
				writeError(w, err)
				return
			}
			if out.Redirected {
				writeJSON(w, map[string]any{"redirect": out.RedirectURL})
				return
			}
			writeJSON(w, map[string]any{"user": out.User})
		})

		r.Get("/callback", func(w http.ResponseWriter, req *http.Request) {
			out, err := manager.HandleCallback(req.Context(), req.URL.Query())
			if err != nil {
				writeError(w, err)
				return
			}
			if out != nil && out.Redirected {
				// Automatic retry after a denied consent.
				http.Redirect(w, req, out.RedirectURL, http.StatusFound)
				return
			}
			http.Redirect(w, req, "/", http.StatusFound)
		})

		// The code currently shown on the TV, for the kiosk UI to poll.
		r.Get("/pair", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, pairing.snapshot())
		})

		// Phone side of a hybrid pairing: the signed-in phone approves a
		// code shown on the TV with its own provider access token.
		r.Post("/pair", func(w http.ResponseWriter, req *http.Request) {
			userCode := req.FormValue("user_code")
			if userCode == "" {
				http.Error(w, "missing user_code", http.StatusBadRequest)
				return
			}
			token, err := manager.TokenStore().GetValidToken(req.Context(), provider.ID, session.AccountTypePrimary)
			if err != nil || !token.AccountFound {
				http.Error(w, "no signed-in account to pair with", http.StatusConflict)
				return
			}
			if err := client.AuthorizeDeviceCode(req.Context(), provider.ID, userCode, token.AccessToken); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"paired": true})
		})

		r.Get("/session", func(w http.ResponseWriter, req *http.Request) {
			current := manager.Current()
			if current == nil {
				writeJSON(w, map[string]any{"authenticated": false})
				return
			}
			writeJSON(w, map[string]any{
				"authenticated": true,
				"email":         current.Email,
				"expires_at":    current.ExpiresAt,
			})
		})

		r.Get("/accounts", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, map[string]any{"accounts": manager.TokenStore().ListAllAccounts()})
		})

		r.Post("/signout", func(w http.ResponseWriter, req *http.Request) {
			if err := manager.SignOut(); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"authenticated": false})
		})
	})

	host := os.Getenv("HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	addr := host + ":" + port

	log.Printf("🚀 Hearthview %s starting on http://%s (platform: %s)", version.Version, addr, cfg.Platform)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
}
