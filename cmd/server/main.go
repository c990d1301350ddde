package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldnote-hq/fieldnote/internal/api"
	"github.com/fieldnote-hq/fieldnote/internal/config"
	dbstore "github.com/fieldnote-hq/fieldnote/internal/db"
	"github.com/fieldnote-hq/fieldnote/internal/middleware"
	"github.com/fieldnote-hq/fieldnote/internal/services"
	"github.com/fieldnote-hq/fieldnote/internal/utils"
)

func main() {
	cfgPath := utils.SafeEnv("FIELDNOTE_CONFIG", "config.toml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// Environment overrides take precedence over the config file.
	cfg.Server.Addr = utils.SafeEnv("FIELDNOTE_ADDR", cfg.Server.Addr)
	cfg.Database.Path = utils.SafeEnv("FIELDNOTE_DB_PATH", cfg.Database.Path)
	cfg.Auth.JWTSecret = utils.SafeEnv("FIELDNOTE_JWT_SECRET", cfg.Auth.JWTSecret)

	db, err := openDatabase(cfg.Database.Path, cfg.Database.MigrationsDir)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Printf("warning: failed to close sqlite db: %v", cerr)
		}
	}()

	store, err := dbstore.NewSQLiteStore(db)
	if err != nil {
		log.Fatalf("init sqlite store: %v", err)
	}

	instances := services.NewInstanceService(store, services.LogReleasePublisher{})
	answers := services.NewAnswerService(store)
	projector := services.NewProjectorService(store)

	mux := http.NewServeMux()
	api.NewRouter(instances, answers, projector).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"name": "Fieldnote Questionnaire API",
			"time": time.Now().UTC().Format(time.RFC3339),
		})
	})

	auth := middleware.NewAuth(cfg.Auth.JWTSecret)
	handler := middleware.SecureHeaders(middleware.NoStore(middleware.CORS(auth.WithAuth(mux))))

	log.Printf("Fieldnote questionnaire server listening on %s", cfg.Server.Addr)
	if err := http.ListenAndServe(cfg.Server.Addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func openDatabase(path, migrationsDir string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := dbstore.RunMigrations(db, migrationsDir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}
