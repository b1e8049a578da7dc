package tokend

import (
	"context"
	"log"
	"time"

	"github.com/hearthview/hearthview/internal/db/models"
)

// Maintenance cadence: refresh ahead of the expiry buffer so clients
// asking for a valid token rarely have to wait on a provider round trip.
const (
	maintenanceInterval = 15 * time.Minute
	refreshAheadWindow  = 20 * time.Minute
)

// StartMaintenanceLoop refreshes soon-to-expire credentials and prunes
// dead pairings in the background until ctx is cancelled.
func (s *Service) StartMaintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Printf("👋 Maintenance loop stopped")
				return
			case <-ticker.C:
				s.refreshExpiring(ctx)
				s.PrunePairings(ctx)
			}
		}
	}()
	log.Printf("🔄 Maintenance loop started (interval: %s)", maintenanceInterval)
}

// refreshExpiring refreshes every active credential expiring within the
// ahead window. Failures are logged per record and do not stop the pass;
// refreshCredential deactivates records with permanently dead grants.
func (s *Service) refreshExpiring(ctx context.Context) {
	var records []models.Credential
	threshold := s.now().Add(refreshAheadWindow)
	if err := s.db.Where("is_active = ? AND expires_at < ?", true, threshold).Find(&records).Error; err != nil {
		log.Printf("⚠️ Maintenance scan failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}

	log.Printf("🔄 Refreshing %d expiring credentials", len(records))
	for i := range records {
		record := &records[i]
		cred := recordToCred(record)
		if err := s.refreshCredential(ctx, record, cred.ClientClass()); err != nil {
			log.Printf("⚠️ Background refresh failed for %s/%s: %v", record.Provider, record.AccountType, err)
		}
	}
}
