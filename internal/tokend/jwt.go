package tokend

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hearthview/hearthview/internal/db/models"
)

const tokenIssuer = "hearthview-tokend"

// SessionClaims is the payload of a session token.
type SessionClaims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and verifies session tokens. HS256 with a single
// database-held secret; rotating the secret invalidates all sessions.
type Signer struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

func NewSigner(secret []byte, lifetime time.Duration) *Signer {
	return &Signer{secret: secret, lifetime: lifetime, now: time.Now}
}

// Mint issues a session token for user.
func (s *Signer) Mint(user *models.User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.lifetime)
	claims := SessionClaims{
		Email: user.Email,
		Name:  user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a session token.
func (s *Signer) Verify(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}
