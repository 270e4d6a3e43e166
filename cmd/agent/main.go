package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sentinel/agent/internal/api"
	"sentinel/agent/internal/archive"
	"sentinel/agent/internal/backup"
	"sentinel/agent/internal/browser"
	"sentinel/agent/internal/config"
	"sentinel/agent/internal/journal"
	"sentinel/agent/internal/ledger"
	"sentinel/agent/internal/overlay"
	"sentinel/agent/internal/search"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	store, err := ledger.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer store.Close()

	hooks := ledger.Hooks{}

	var recorder *archive.Recorder
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := archive.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive database connection failed: %v", err)
		}
		defer db.Close()
		if err := archive.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("archive migrations failed: %v", err)
		}
		recorder = archive.NewRecorder(db)
		hooks.Recorder = recorder
	}

	var journalService *journal.Service
	if strings.TrimSpace(cfg.JournalDir) != "" {
		journalService, err = journal.New(cfg.JournalDir)
		if err != nil {
			log.Fatalf("journal init failed: %v", err)
		}
		hooks.Journaler = journalService
	}

	// The search fallback reads through the store directly, which breaks the
	// cycle between the ledger hooks and the search facade.
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, storeLister{store: store})
	hooks.Indexer = searchService

	ledgerService := ledger.New(store, hooks)
	searchService.ReindexAll(ctx)

	session, err := browser.NewSession(ctx, browser.Options{
		RemoteURL: cfg.ChromeRemoteURL,
		TargetURL: cfg.TargetURL,
		Headless:  cfg.Headless,
	})
	if err != nil {
		log.Fatalf("browser session failed: %v", err)
	}
	defer session.Close()

	engine := overlay.New(session, ledgerService, overlay.Config{
		SweepInterval: cfg.SweepInterval,
	})
	if err := engine.Start(ctx); err != nil {
		log.Fatalf("overlay engine failed: %v", err)
	}
	defer engine.Stop()

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		backupService, err := backup.New(ctx, backup.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("backup init failed: %v", err)
		}
		go runBackups(ctx, backupService, ledgerService, cfg.BackupInterval)
	}

	httpServer := api.NewHTTPServer(ledgerService, engine, searchService, recorderOrNil(recorder), historianOrNil(journalService), cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Sentinel agent listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// storeLister adapts the redis store to the search fallback's read interface.
type storeLister struct {
	store *ledger.RedisStore
}

func (s storeLister) Users(ctx context.Context) (map[string]ledger.MarkedUser, error) {
	return s.store.LoadUsers(ctx)
}

func (s storeLister) Rules(ctx context.Context) ([]ledger.Rule, error) {
	return s.store.LoadRules(ctx)
}

// recorderOrNil keeps a typed nil *archive.Recorder out of the api.EventLister
// interface value.
func recorderOrNil(r *archive.Recorder) api.EventLister {
	if r == nil {
		return nil
	}
	return r
}

func historianOrNil(j *journal.Service) api.Historian {
	if j == nil {
		return nil
	}
	return j
}

func runBackups(ctx context.Context, svc *backup.Service, lg *ledger.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		snapshot, err := lg.Export(ctx)
		if err != nil {
			log.Printf("backup: export snapshot: %v", err)
			continue
		}
		name, err := svc.Upload(ctx, snapshot)
		if err != nil {
			log.Printf("backup: upload: %v", err)
			continue
		}
		log.Printf("backup: uploaded %s", name)
	}
}
