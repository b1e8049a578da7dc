package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hearthview/hearthview/internal/config"
	"github.com/hearthview/hearthview/internal/db"
	"github.com/hearthview/hearthview/internal/tokend"
	"github.com/hearthview/hearthview/internal/version"
)

func main() {
	cfgPath := os.Getenv("HEARTHVIEW_CONFIG")
	if cfgPath == "" {
		cfgPath = "hearthview.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database
	dbPath := os.Getenv("HEARTHTOKEND_DB")
	if dbPath == "" {
		dbPath = "tokend.db"
	}
	database, err := db.InitDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	secret, err := db.SigningSecret(database)
	if err != nil {
		log.Fatalf("Failed to load signing secret: %v", err)
	}

	signer := tokend.NewSigner(secret, cfg.SessionLifetime)
	svc := tokend.NewService(database, signer, cfg.Providers, cfg.PairingURL)
	svc.StartMaintenanceLoop(context.Background())

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Mount("/", tokend.NewServer(svc, signer).Router())

	host := os.Getenv("HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}
	addr := host + ":" + port

	log.Printf("🚀 Hearthview token service %s starting on http://%s", version.Version, addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
