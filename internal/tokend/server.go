package tokend

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hearthview/hearthview/internal/auth/account"
	"github.com/hearthview/hearthview/internal/backend"
	"github.com/hearthview/hearthview/internal/logging"
)

// Server exposes the service over the JSON-envelope RPC endpoint.
type Server struct {
	svc    *Service
	signer *Signer
}

func NewServer(svc *Service, signer *Signer) *Server {
	return &Server{svc: svc, signer: signer}
}

// Router builds the HTTP surface: POST /rpc plus a health check.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Post("/rpc", s.handleRPC)
	return r
}

// envelope mirrors the client's request shape.
type envelope struct {
	Operation   string          `json:"operation"`
	Provider    string          `json:"provider"`
	AccountType string          `json:"account_type"`
	Data        json.RawMessage `json:"data"`
	Code        string          `json:"code"`
	RedirectURI string          `json:"redirect_uri"`
	DeviceCode  string          `json:"device_code"`
	UserCode    string          `json:"user_code"`
	AccessToken string          `json:"access_token"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req envelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, "invalid request body")
		return
	}
	ctx := r.Context()
	log.Printf("[%s] 📨 %s", logging.GetRequestID(ctx), req.Operation)

	switch req.Operation {
	// Unauthenticated operations. Bootstrap and authorize carry a
	// provider access token as their proof of identity; the device
	// poll is anonymous until the pairing completes.
	case backend.OpBootstrapJWT:
		grant, err := s.svc.Bootstrap(ctx, req.Provider, req.AccessToken)
		s.writeSessionGrant(w, grant, err)
	case backend.OpExchangeCode:
		grant, err := s.svc.ExchangeCode(ctx, req.Provider, req.Code, req.RedirectURI)
		if err != nil {
			writeRPCError(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"access_token":  grant.AccessToken,
			"refresh_token": grant.RefreshToken,
			"expires_in":    grant.ExpiresIn,
			"scopes":        grant.Scopes,
		})
	case backend.OpCreateDevice:
		pairing, err := s.svc.CreatePairing(ctx, req.Provider)
		if err != nil {
			writeRPCError(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":          true,
			"device_code":      pairing.DeviceCode,
			"user_code":        pairing.UserCode,
			"verification_uri": pairing.VerificationURI,
			"expires_in":       pairing.ExpiresIn,
			"interval":         pairing.Interval,
		})
	case backend.OpPollDevice:
		s.handlePoll(w, r, req.DeviceCode)
	case backend.OpAuthorizeDevice:
		if err := s.svc.AuthorizePairing(ctx, req.Provider, req.UserCode, req.AccessToken); err != nil {
			writeRPCError(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case backend.OpRefreshToken:
		// Standalone refresh for background token maintenance: no
		// session token, scoped by the account pair alone.
		result, err := s.svc.ForceRefresh(ctx, req.Provider, req.AccountType)
		if err != nil {
			writeRPCError(w, err.Error())
			return
		}
		writeValidToken(w, result)

	// Everything else needs a live session token.
	case backend.OpRefreshJWT, backend.OpStoreTokens, backend.OpGetValidToken,
		backend.OpListAccounts, backend.OpRemoveAccount:
		claims, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		s.handleAuthenticated(w, r, req, claims)

	default:
		writeRPCError(w, "unknown operation: "+req.Operation)
	}
}

func (s *Server) handleAuthenticated(w http.ResponseWriter, r *http.Request, req envelope, claims *SessionClaims) {
	ctx := r.Context()
	userID := claims.Subject

	switch req.Operation {
	case backend.OpRefreshJWT:
		grant, err := s.svc.Refresh(ctx, userID)
		s.writeSessionGrant(w, grant, err)
	case backend.OpStoreTokens:
		var cred account.Credential
		if err := json.Unmarshal(req.Data, &cred); err != nil {
			writeRPCError(w, "invalid credential payload")
			return
		}
		if cred.Provider == "" {
			cred.Provider = req.Provider
		}
		if cred.AccountType == "" {
			cred.AccountType = req.AccountType
		}
		if err := s.svc.StoreCredential(ctx, userID, &cred); err != nil {
			writeRPCError(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case backend.OpGetValidToken:
		result, err := s.svc.ValidToken(ctx, userID, req.Provider, req.AccountType, false)
		if err != nil {
			writeRPCError(w, err.Error())
			return
		}
		writeValidToken(w, result)
	case backend.OpListAccounts:
		accounts, err := s.svc.ListCredentials(ctx, userID)
		if err != nil {
			writeRPCError(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "accounts": accounts})
	case backend.OpRemoveAccount:
		if err := s.svc.RemoveCredential(ctx, userID, req.Provider, req.AccountType); err != nil {
			writeRPCError(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, deviceCode string) {
	status, err := s.svc.PollPairing(r.Context(), deviceCode)
	if err != nil {
		writeRPCError(w, err.Error())
		return
	}
	out := map[string]any{"success": true, "status": status.Status}
	if status.Grant != nil {
		out["jwtToken"] = status.Grant.Token
		out["user"] = userPayload(status.Grant)
		out["expires_at"] = status.Grant.ExpiresAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, out)
}

// authenticate extracts and verifies the session bearer token. Failures
// get a 401, which the client maps to an invalid-credential error.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*SessionClaims, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "missing session token"})
		return nil, false
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		log.Printf("[%s] ⚠️ Rejected session token: %v", logging.GetRequestID(r.Context()), err)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "invalid session token"})
		return nil, false
	}
	return claims, true
}

func (s *Server) writeSessionGrant(w http.ResponseWriter, grant *SessionGrant, err error) {
	if err != nil {
		writeRPCError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"jwtToken":   grant.Token,
		"user":       userPayload(grant),
		"expires_at": grant.ExpiresAt.Format(time.RFC3339),
	})
}

func userPayload(grant *SessionGrant) map[string]any {
	return map[string]any{
		"id":    grant.User.ID,
		"email": grant.User.Email,
		"name":  grant.User.Name,
	}
}

func writeValidToken(w http.ResponseWriter, result *ValidTokenResult) {
	out := map[string]any{
		"success":       true,
		"account_found": result.AccountFound,
		"refreshed":     result.Refreshed,
	}
	if result.AccessToken != "" {
		out["access_token"] = result.AccessToken
		out["expires_at"] = result.ExpiresAt.Format(time.RFC3339)
		out["scopes"] = result.Scopes
	}
	if result.RefreshFailed {
		out["refresh_failed"] = true
		out["refresh_error"] = result.RefreshError
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// writeRPCError reports a domain failure in-band; transport-level
// failures use real HTTP status codes instead.
func writeRPCError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": msg})
}

// requestID tags every request with a short ID for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
