package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"storystudio/config"
	"storystudio/handlers"
	"storystudio/logging"
	"storystudio/repository"
	"storystudio/services"
	"storystudio/storage"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the export HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("configuration loaded", "config", cfg.String())

	if logging.ParseLevel(cfg.LogLevel) != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	repo, err := newJobRepository(cfg, logger)
	if err != nil {
		return err
	}

	exporter, err := newExportService(cfg, cfg.AssetBaseURL, relayURLFor(cfg), logger)
	if err != nil {
		return err
	}
	blobs := storage.NewBlobStore(cfg.TempDir, cfg.ExportRetention, logger)
	relay := services.NewRelayService(nil, cfg.RelayAllowedHosts, logger)

	router := handlers.NewRouter(
		cfg.CORSOrigins,
		handlers.NewExportHandler(exporter, repo, blobs, logger),
		handlers.NewProxyHandler(relay, logger),
		logger,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// relayURLFor points third-party fetches at this server's own proxy route
// unless RELAY_URL names another relay
func relayURLFor(cfg *config.Config) string {
	if cfg.RelayURL != "" {
		return cfg.RelayURL
	}
	return fmt.Sprintf("http://127.0.0.1:%s/api/proxy", cfg.Port)
}

func newJobRepository(cfg *config.Config, logger *slog.Logger) (repository.ExportJobRepository, error) {
	if cfg.DatabaseURL == "" {
		return repository.NewMemoryExportJobRepository(), nil
	}
	db, err := repository.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("export jobs stored in postgres")
	return repository.NewGormExportJobRepository(db)
}
