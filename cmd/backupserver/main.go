package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/coaching-backup/api/backuphandler"
	"github.com/ruteri/coaching-backup/api/testshandler"
	"github.com/ruteri/coaching-backup/backup"
	"github.com/ruteri/coaching-backup/cmd/flags"
	"github.com/ruteri/coaching-backup/config"
	"github.com/ruteri/coaching-backup/datamanager"
	"github.com/ruteri/coaching-backup/httpserver"
	"github.com/ruteri/coaching-backup/interfaces"
	"github.com/ruteri/coaching-backup/primary"
	"github.com/ruteri/coaching-backup/storage"
	"github.com/urfave/cli/v2"
)

var serverFlags = append([]cli.Flag{
	flags.ConfigFlag,
	flags.ListenAddrFlag,
	flags.RemoteURIFlag,
	flags.FolderNameFlag,
	flags.DevFlag,
	flags.LogServiceFlagFn("backupserver"),
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "backupserver",
		Usage: "Serve coaching tests with best-effort remote backups",
		Flags: serverFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := loadConfig(cCtx)
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			ctx := context.Background()

			primaryStore, err := openPrimary(ctx, cfg, logger)
			if err != nil {
				logger.Error("Failed to open primary store", "err", err)
				return err
			}

			driver, err := storage.NewDriverFromURI(cfg.Remote.URI, cfg.Remote.Scopes, logger)
			if err != nil {
				logger.Error("Failed to create remote driver", "uri", cfg.Remote.URI, "err", err)
				return err
			}

			creds, err := config.NewCredentialsProvider(cfg.Remote, logger)
			if err != nil {
				logger.Error("Failed to create credentials provider", "err", err)
				return err
			}

			store := storage.NewRemoteStore(driver, creds, cfg.RemoteStoreConfig(), logger)
			orchestrator := backup.NewOrchestrator(store, cfg.OrchestratorConfig(), logger)
			manager := datamanager.New(primaryStore, orchestrator, cfg.Backup.ManagerQueueSize, logger)

			server, err := httpserver.New(
				flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name)),
				backuphandler.NewHandler(orchestrator, logger),
				testshandler.NewHandler(manager, logger),
			)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting backup service",
				"remote", driver.LocationURI(),
				"folder", cfg.Remote.FolderName,
				"primary", cfg.Primary.Driver)

			orchestrator.RunInBackground()
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()

			shutdownTimeout := 2 * cfg.Backup.ShutdownDrainTimeout.Duration
			closeCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := manager.Close(closeCtx); err != nil {
				logger.Warn("Data manager did not drain in time", "err", err)
			}
			if err := orchestrator.Shutdown(closeCtx); err != nil {
				logger.Warn("Backup orchestrator shutdown incomplete", "err", err)
			}
			if err := primaryStore.Close(); err != nil {
				logger.Error("Failed to close primary store", "err", err)
			}

			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cCtx.String(flags.ConfigFlag.Name))
	if err != nil {
		return nil, err
	}

	if uri := cCtx.String(flags.RemoteURIFlag.Name); uri != "" {
		cfg.Remote.URI = uri
	}
	if folder := cCtx.String(flags.FolderNameFlag.Name); folder != "" {
		cfg.Remote.FolderName = folder
	}
	if cCtx.Bool(flags.DevFlag.Name) {
		cfg.Remote.URI = "memory://dev"
		cfg.Primary.Driver = "memory"
		if cfg.Remote.ClientEmail == "" && cfg.Remote.CredentialsFile == "" && cfg.Remote.VaultAddress == "" {
			cfg.Remote.ClientEmail = "dev@localhost"
			cfg.Remote.PrivateKey = "dev"
		}
	}

	return cfg, cfg.Validate()
}

func openPrimary(ctx context.Context, cfg *config.Config, logger *slog.Logger) (interfaces.PrimaryStore, error) {
	switch cfg.Primary.Driver {
	case "memory":
		return primary.NewMemoryStore(), nil
	case "sqlite":
		store, err := primary.NewSQLiteStore(ctx, cfg.Primary.DSN, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unsupported primary driver %q", cfg.Primary.Driver)
}
