package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"cooped/activity"
	"cooped/background"
	"cooped/config"
	"cooped/coop"
	"cooped/email"
	"cooped/gate"
	"cooped/ledger"
	"cooped/remote"
	"cooped/storage"
	"cooped/syncer"
)

// app holds the wired services for one process.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *storage.Store
	gcsClient  *gcs.Client
	remote     *remote.Client
	tracker    *activity.Tracker
	gate       *gate.Gate
	syncer     *syncer.Syncer
	controller *background.Controller
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if !cfg.RemoteConfigured() {
		logger.Warn("COOPED_SUPABASE_URL or COOPED_ANON_KEY not set, remote calls will fail open")
	}
	a.remote = remote.New(cfg.RemoteURL, cfg.AnonKey, &http.Client{Timeout: cfg.RemoteTimeout}, logger)

	provider := a.emailProvider(ctx)
	sender := email.New(provider, logger, cfg.BaseURL)

	ledgerSvc := ledger.NewService(a.remote, logger, nil)
	a.tracker = activity.New(a.store, logger, nil)
	a.gate = gate.New(a.store, logger, nil)
	a.syncer = syncer.New(a.store, a.remote, logger, nil)
	a.controller = background.New(background.Config{
		Store:          a.store,
		Remote:         a.remote,
		Tracker:        a.tracker,
		Gate:           a.gate,
		Ledger:         ledgerSvc,
		Coops:          coop.New(a.remote, ledgerSvc, sender, logger, nil),
		Syncer:         a.syncer,
		Logger:         logger,
		DefaultDomains: cfg.BlockedDomains,
	})

	if err := a.controller.Restore(ctx); err != nil {
		logger.Warn("Failed to restore saved session", "error", err)
	}
	return a, nil
}

// openStore picks exactly one backend: SQLite, a Cloud Storage bucket, or a
// local directory (the default).
func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg
	switch {
	case cfg.SQLitePath != "":
		st, err := storage.OpenSQLite(cfg.SQLitePath, a.logger)
		if err != nil {
			return err
		}
		a.store = st
		return nil

	case cfg.StorageBucket != "":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize storage client: %w", err)
		}
		a.gcsClient = client
		a.store = storage.New(client, cfg.StorageBucket, "", a.logger)
		a.logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		return nil
	}

	localPath := cfg.LocalStorage
	if localPath == "" {
		localPath = "./data"
		a.logger.Info("No storage backend set, defaulting to local storage", "storage_path", localPath)
	}
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return fmt.Errorf("create local storage directory: %w", err)
	}
	a.store = storage.New(nil, "", localPath, a.logger)
	return nil
}

// emailProvider prefers Brevo, then Gmail, and falls back to the logging mock.
func (a *app) emailProvider(ctx context.Context) email.Provider {
	if a.cfg.BrevoAPIKey != "" {
		a.logger.Info("Using Brevo email provider", "from", a.cfg.MailFrom)
		return email.NewBrevoProvider(a.cfg.BrevoAPIKey, a.cfg.MailFrom, a.cfg.MailFromName, a.logger)
	}

	svc, err := initGmailService(ctx, a.cfg.GoogleCredJSON)
	if err != nil {
		a.logger.Info("Mock email mode enabled", "reason", err)
		return email.NewMockProvider(a.logger)
	}
	a.logger.Info("Using Gmail email provider")
	return email.NewGmailProvider(svc, a.logger)
}

func (a *app) Close() {
	a.controller.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", "error", err)
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("Failed to close storage client", "error", err)
		}
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// If running in Cloud Run, use Application Default Credentials (ADC)
	// The service account needs Gmail API access (gmail.send scope)
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
