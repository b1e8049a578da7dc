package db

import (
	"crypto/rand"
	"encoding/hex"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/hearthview/hearthview/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const signingSecretKey = "session_signing_secret"

// InitDB initializes the SQLite database connection and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate all models
	if err := db.AutoMigrate(&models.User{}, &models.Credential{}, &models.DeviceLink{}, &models.Config{}); err != nil {
		return nil, err
	}

	// Ensure signing secret exists (generate on first run)
	ensureSigningSecret(db)

	return db, nil
}

// ensureSigningSecret generates the JWT signing secret if not exists
func ensureSigningSecret(db *gorm.DB) {
	var config models.Config
	result := db.Where("key = ?", signingSecretKey).First(&config)

	if result.Error != nil {
		secretBytes := make([]byte, 32)
		rand.Read(secretBytes)

		db.Create(&models.Config{
			Key:   signingSecretKey,
			Value: hex.EncodeToString(secretBytes),
		})
		log.Printf("🔑 Generated new session signing secret")
	}
}

// SigningSecret retrieves the JWT signing secret from the database.
func SigningSecret(db *gorm.DB) ([]byte, error) {
	var config models.Config
	if err := db.Where("key = ?", signingSecretKey).First(&config).Error; err != nil {
		return nil, err
	}
	return hex.DecodeString(config.Value)
}

// RotateSigningSecret replaces the signing secret, invalidating every
// outstanding session token.
func RotateSigningSecret(db *gorm.DB) ([]byte, error) {
	secretBytes := make([]byte, 32)
	rand.Read(secretBytes)

	if err := db.Model(&models.Config{}).Where("key = ?", signingSecretKey).
		Update("value", hex.EncodeToString(secretBytes)).Error; err != nil {
		return nil, err
	}
	log.Printf("🔑 Rotated session signing secret")
	return secretBytes, nil
}
