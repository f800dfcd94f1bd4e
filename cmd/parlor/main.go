package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/persona-chat/internal/api"
	"github.com/nidhogg/persona-chat/internal/chat"
	"github.com/nidhogg/persona-chat/internal/config"
	"github.com/nidhogg/persona-chat/internal/mirror"
	"github.com/nidhogg/persona-chat/internal/persona"
	"github.com/nidhogg/persona-chat/internal/provider"
	"github.com/nidhogg/persona-chat/internal/storage"
	pgstore "github.com/nidhogg/persona-chat/internal/store"
	"go.uber.org/zap"
)

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/parlor.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Parlor...", zap.String("config", cfgPath), zap.String("data_dir", cfg.DataDir))

	for _, dir := range []string{cfg.CredentialDir(), cfg.PersonaDir(), cfg.SaveDir(), cfg.ResourceDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("create data directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	// File-backed stores
	personas := persona.NewStore(cfg.PersonaDir(), cfg.Chat.DefaultPersona, logger)
	ensureDefaultPersona(personas, logger)
	ring := storage.NewRing(cfg.SaveDir(), logger)
	credentials := storage.NewCredentials(cfg.CredentialDir())
	saves := storage.NewSaves(cfg.SaveDir())
	resources := storage.NewResources(cfg.ResourceDir())

	prov := provider.NewOpenAIProvider(provider.ProviderConfig{
		Endpoint: cfg.Upstream.Endpoint,
		Model:    cfg.Upstream.Model,
		Timeout:  cfg.Upstream.Timeout(),
	}, logger)

	engine := chat.NewEngine(chat.Config{
		Model:          cfg.Upstream.Model,
		DefaultPersona: cfg.Chat.DefaultPersona,
		MemoryRounds:   cfg.Chat.MemoryRounds,
	}, prov, personas, ring, logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Initialize PostgreSQL archive
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(startCtx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without archive", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(startCtx); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			engine.AddRecorder(pgStore)
		}
	}

	// Initialize Redis mirror
	var mir *mirror.Mirror
	if cfg.Database.Redis.URL != "" {
		m, rErr := mirror.New(startCtx, cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without mirror", zap.Error(rErr))
		} else {
			mir = m
			engine.AddRecorder(mir)
		}
	}

	// Restore credential and the last conversation
	key, err := credentials.Load()
	if err != nil {
		logger.Warn("credential unreadable, starting without api key", zap.Error(err))
	}
	engine.SetAPIKey(key)

	doc := latestConversation(startCtx, ring, mir, logger)
	if err := engine.Restore(doc); err != nil {
		logger.Warn("no persona could be loaded; set one via /api/prompt/set", zap.Error(err))
	}

	// Build HTTP handler
	handler := api.NewHandler(engine, personas, credentials, saves, resources, logger)
	if pgStore != nil {
		handler.SetArchive(pgStore)
	}
	if mir != nil {
		handler.SetTurnFeed(mir)
	}

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Parlor listening", zap.String("port", port), zap.Bool("has_api_key", key != ""))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Parlor...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if mir != nil {
		mir.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
	logger.Info("Parlor stopped")
}

// ensureDefaultPersona writes an empty default persona on first start so
// the fallback chain always ends somewhere.
func ensureDefaultPersona(personas *persona.Store, logger *zap.Logger) {
	_, err := personas.Document(personas.DefaultName())
	if !errors.Is(err, persona.ErrNotFound) {
		return
	}
	if err := personas.Save(personas.DefaultName(), &persona.Document{}); err != nil {
		logger.Warn("create default persona failed", zap.Error(err))
	}
}

// latestConversation returns the newest autosave, falling back to the
// Redis mirror when the local ring is empty. nil means start fresh.
func latestConversation(ctx context.Context, ring *storage.Ring, mir *mirror.Mirror, logger *zap.Logger) *storage.ChatDocument {
	doc, err := ring.LoadLatest()
	if err == nil {
		return doc
	}
	if !errors.Is(err, storage.ErrEmpty) {
		logger.Warn("autosave unreadable, starting fresh", zap.Error(err))
		return nil
	}
	if mir == nil {
		return nil
	}
	doc, err = mir.LatestSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrEmpty) {
			logger.Warn("mirror snapshot unreadable", zap.Error(err))
		}
		return nil
	}
	logger.Info("conversation restored from mirror")
	return doc
}
