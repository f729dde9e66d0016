// mailbridge links OAuth mail accounts (Gmail, Yahoo) through the system
// browser, keeps their tokens refreshed, and serves a localhost API for
// the UI. All components are wired here; nothing reaches for globals.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nvander/mailbridge/internal/auth/flow"
	"github.com/nvander/mailbridge/internal/auth/registry"
	"github.com/nvander/mailbridge/internal/config"
	"github.com/nvander/mailbridge/internal/logging"
	"github.com/nvander/mailbridge/internal/mail"
	"github.com/nvander/mailbridge/internal/provider"
	"github.com/nvander/mailbridge/internal/server"
	"github.com/nvander/mailbridge/internal/store"
	"github.com/nvander/mailbridge/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	catalog, err := provider.NewCatalog(cfg.ProvidersFile)
	if err != nil {
		return err
	}

	v, err := openVault(cfg.Vault)
	if err != nil {
		return err
	}

	if cfg.CachePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o755); err != nil {
			return fmt.Errorf("creating cache directory: %w", err)
		}
	}
	messageStore, err := store.Open(cfg.CachePath)
	if err != nil {
		return err
	}

	agent := flow.NewLoopbackAgent(log)
	controller := flow.NewController(agent, nil, log)
	accounts := registry.New(controller, v, catalog, log)
	if err := accounts.LoadPersisted(); err != nil {
		return fmt.Errorf("loading persisted accounts: %w", err)
	}

	sweeper := registry.NewSweeper(accounts, cfg.RefreshInterval, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sweeper.Run(ctx)

	handler := server.NewRouter(server.Deps{
		Registry: accounts,
		Sweeper:  sweeper,
		Mail:     mail.NewClient(nil, log),
		Store:    messageStore,
		Catalog:  catalog,
		Log:      log,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("mailbridge listening",
			zap.String("addr", cfg.ListenAddr),
			zap.Strings("providers", catalog.IDs()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openVault(cfg config.VaultConfig) (vault.Vault, error) {
	switch cfg.Backend {
	case "memory":
		return vault.NewMemoryVault(), nil
	case "keyring", "":
		return vault.OpenKeyring(cfg.ServiceName, cfg.FileDir, cfg.FilePassword)
	default:
		return nil, fmt.Errorf("unknown vault backend %q", cfg.Backend)
	}
}
