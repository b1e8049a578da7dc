package tokend

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hearthview/hearthview/internal/db/models"
	"gorm.io/gorm"
)

// Poll statuses reported to the device.
const (
	PairingPending    = "pending"
	PairingAuthorized = "authorized"
	PairingExpired    = "expired_token"
)

// userCodeAlphabet avoids easily confused characters (no 0/O, 1/I).
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ23456789"

// Pairing is a freshly issued device pairing code pair.
type Pairing struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresIn       int
	Interval        int
}

// PairingStatus is one poll result. Grant is set only once authorized.
type PairingStatus struct {
	Status string
	Grant  *SessionGrant
}

// CreatePairing issues a device code for the TV to poll with and a
// short user code for the pairing page. Unauthenticated.
func (s *Service) CreatePairing(ctx context.Context, providerID string) (*Pairing, error) {
	if _, err := s.provider(providerID); err != nil {
		return nil, err
	}

	link := models.DeviceLink{
		DeviceCode: uuid.NewString(),
		UserCode:   newUserCode(),
		Provider:   providerID,
		Status:     models.DeviceLinkPending,
		Interval:   pairingInterval,
		ExpiresAt:  s.now().Add(pairingLifetime),
	}
	if err := s.db.Create(&link).Error; err != nil {
		return nil, fmt.Errorf("failed to create pairing: %w", err)
	}

	log.Printf("📺 Pairing started: user code %s (expires %s)", link.UserCode, link.ExpiresAt.Format(time.RFC3339))
	return &Pairing{
		DeviceCode:      link.DeviceCode,
		UserCode:        link.UserCode,
		VerificationURI: s.pairingURL,
		ExpiresIn:       int(pairingLifetime / time.Second),
		Interval:        link.Interval,
	}, nil
}

// PollPairing reports pairing progress for one device code. Once it
// hands out the session token the link is spent and deleted.
func (s *Service) PollPairing(ctx context.Context, deviceCode string) (*PairingStatus, error) {
	var link models.DeviceLink
	err := s.db.First(&link, "device_code = ?", deviceCode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("unknown device code")
	}
	if err != nil {
		return nil, err
	}

	if link.Expired(s.now()) {
		s.db.Delete(&link)
		return &PairingStatus{Status: PairingExpired}, nil
	}
	if link.Status != models.DeviceLinkAuthorized {
		return &PairingStatus{Status: PairingPending}, nil
	}

	grant, err := s.Refresh(ctx, link.UserID)
	if err != nil {
		return nil, err
	}
	s.db.Delete(&link)
	log.Printf("✅ Pairing %s completed for %s", link.UserCode, grant.User.Email)
	return &PairingStatus{Status: PairingAuthorized, Grant: grant}, nil
}

// AuthorizePairing completes a pairing from the phone side. The
// provider access token proves who is authorizing; no session needed.
func (s *Service) AuthorizePairing(ctx context.Context, providerID, userCode, accessToken string) error {
	p, err := s.provider(providerID)
	if err != nil {
		return err
	}
	identity, err := s.fetchUserinfo(ctx, p, accessToken)
	if err != nil {
		return fmt.Errorf("identity verification failed: %w", err)
	}
	if identity.Email == "" {
		return fmt.Errorf("provider %s returned no email", providerID)
	}

	var link models.DeviceLink
	err = s.db.First(&link, "user_code = ?", userCode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("unknown user code")
	}
	if err != nil {
		return err
	}
	if link.Expired(s.now()) {
		s.db.Delete(&link)
		return fmt.Errorf("pairing code expired")
	}
	if link.Status == models.DeviceLinkAuthorized {
		return fmt.Errorf("pairing already authorized")
	}

	user, err := s.findOrCreateUser(identity.Email, identity.Name)
	if err != nil {
		return err
	}

	link.Status = models.DeviceLinkAuthorized
	link.UserID = user.ID
	if err := s.db.Save(&link).Error; err != nil {
		return fmt.Errorf("failed to authorize pairing: %w", err)
	}
	log.Printf("🔗 Pairing %s authorized by %s", userCode, user.Email)
	return nil
}

// PrunePairings deletes expired links. Called by the maintenance loop.
func (s *Service) PrunePairings(ctx context.Context) {
	result := s.db.Where("expires_at < ?", s.now()).Delete(&models.DeviceLink{})
	if result.RowsAffected > 0 {
		log.Printf("🗑️ Pruned %d expired pairings", result.RowsAffected)
	}
}

// newUserCode builds an XXXX-XXXX code from the reduced alphabet.
func newUserCode() string {
	raw := make([]byte, 8)
	rand.Read(raw)
	code := make([]byte, 9)
	for i, b := range raw {
		pos := i
		if i >= 4 {
			pos++
		}
		code[pos] = userCodeAlphabet[int(b)%len(userCodeAlphabet)]
	}
	code[4] = '-'
	return string(code)
}
