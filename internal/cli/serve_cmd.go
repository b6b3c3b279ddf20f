package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bakeplan/api/internal/app"
	"bakeplan/api/internal/assistant"
	"bakeplan/api/internal/calendar"
	"bakeplan/api/internal/config"
	"bakeplan/api/internal/docstore"
	"bakeplan/api/internal/email"
	"bakeplan/api/internal/gitrepo"
	"bakeplan/api/internal/logging"
	"bakeplan/api/internal/realtime"
	"bakeplan/api/internal/search"
	"bakeplan/api/internal/store"
	"bakeplan/api/internal/uploads"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			closer := logging.Setup(cfg.LogFile)
			defer closer.Close()
			return serve(cfg)
		},
	}
}

func serve(cfg config.Config) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	dataStore := store.NewPostgresStore(db)

	var meiliClient *search.Meili
	if cfg.MeiliURL != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), log.Default())
	go searchService.ReindexAllFromPG(ctx)

	var documents *docstore.Store
	if cfg.RedisURL != "" {
		log.Printf("Using Redis for plan fan-out")
		broker, err := realtime.NewRedisBroker(cfg.RedisURL, log.Default())
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer broker.Close()
		documents = docstore.New(dataStore, broker, log.Default())
	} else {
		log.Printf("Using in-process plan fan-out")
		documents = docstore.New(dataStore, realtime.NewLocalBroker(), log.Default())
	}

	deps := app.Deps{
		Store:     dataStore,
		Documents: documents.WithIndexer(searchService),
		Search:    searchService,
		Calendar:  calendar.NewService(dataStore, log.Default()),
		Logger:    log.Default(),
	}
	if cfg.HistoryDir != "" {
		deps.History = gitrepo.New(cfg.HistoryDir)
	} else {
		log.Printf("Plan history disabled: BAKEPLAN_HISTORY_DIR is empty")
	}

	mailer := email.NewService(email.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		PublicURL: cfg.PublicURL,
	})
	if mailer.IsConfigured() {
		deps.Mailer = mailer
	} else {
		log.Printf("Invitations disabled: SMTP_HOST or SMTP_FROM is not set")
	}

	signer, err := uploads.NewSigner(uploads.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Region:    cfg.MinioRegion,
		UseSSL:    cfg.MinioUseSSL,
		TTL:       cfg.UploadTTL,
	})
	switch {
	case errors.Is(err, uploads.ErrDisabled):
		log.Printf("Uploads disabled: MINIO_ENDPOINT is not set")
	case err != nil:
		return fmt.Errorf("uploads: %w", err)
	default:
		deps.Uploads = signer
	}

	completer, err := assistant.NewAnthropicCompleter(assistant.AnthropicConfig{
		APIKey:    cfg.AnthropicAPIKey,
		Model:     cfg.AIModel,
		MaxTokens: cfg.AIMaxTokens,
	})
	switch {
	case errors.Is(err, assistant.ErrDisabled):
		log.Printf("Assistant disabled: ANTHROPIC_API_KEY is not set")
	case err != nil:
		return fmt.Errorf("assistant: %w", err)
	default:
		deps.Assistant = assistant.NewService(completer, log.Default())
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	// Read and write deadlines would also apply to hijacked websocket
	// connections, so only the header read is bounded.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Bakeplan API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}
