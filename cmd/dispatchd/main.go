// Command dispatchd runs the orchestrator: REST API, dispatch loop, worker
// health monitor, and SSH-based worker provisioning, all behind a single
// HTTP listener.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dispatchd/dispatchd/internal/api"
	"github.com/dispatchd/dispatchd/internal/auth"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/dispatch"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/hub"
	"github.com/dispatchd/dispatchd/internal/logstore"
	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/provision"
	"github.com/dispatchd/dispatchd/internal/queue"
	"github.com/dispatchd/dispatchd/internal/storage"
	"github.com/dispatchd/dispatchd/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "dispatchd",
		Short:   "Distributed job dispatcher orchestrator",
		Version: version.Version,
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().String("config-dir", ".", "Directory to look for a dispatchd config file in")
	cmd.Flags().String("worker-binary", "", "Path to the dispatch-worker binary to ship during provisioning")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	configDir, _ := cmd.Flags().GetString("config-dir")
	cfg, cfgPath, err := config.Load(configDir)
	if err != nil {
		if err != config.ErrNoConfig {
			return fmt.Errorf("load config: %w", err)
		}
		log.Warn("no dispatchd config file found, using defaults", "dir", configDir)
		cfg = config.Default()
	}
	cfg.ApplyEnv()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}

	if cfg.AuthSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generate auth secret: %w", err)
		}
		cfg.AuthSecret = secret
		log.Warn("no auth_secret configured, generated a random one for this run", "secret", secret)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := newStorage(cfg)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	logs, err := newLogStore(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize log store: %w", err)
	}
	defer logs.Close()

	if err := ensureSystemWorker(context.Background(), store); err != nil {
		return fmt.Errorf("seed system worker: %w", err)
	}

	bus := events.New(log)

	queues := queue.New(store, bus, log)

	probeInterval := cfg.Monitoring.Interval.Duration()
	h, err := hub.New(context.Background(), store, dispatch.NewWorkerTransportFactory(log), bus, nil, probeInterval, log)
	if err != nil {
		return fmt.Errorf("initialize worker hub: %w", err)
	}

	d := dispatch.New(store, h, queues, logs, bus, log)
	h.SetJobCanceller(d)

	workerBinary, _ := cmd.Flags().GetString("worker-binary")
	if workerBinary == "" {
		workerBinary, _ = os.Executable()
	}
	provisioner := provision.New(store, h, workerBinary, log)

	authHandler, err := auth.New(cfg.AuthSecret, []byte(cfg.AuthSecret), log)
	if err != nil {
		return fmt.Errorf("initialize auth: %w", err)
	}

	apiHandler := api.New(store, queues, h, d, provisioner, bus, logs, authHandler, probeInterval, log)
	apiHandler.SetConfig(cfg, cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go d.Run(ctx)
	go h.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", apiHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting orchestrator", "addr", cfg.Addr, "data_dir", cfg.DataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", "error", err)
		}
		d.Wait()
	}
	return nil
}

func newStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Database.Type {
	case "postgresql", "postgres":
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=require search_path=%s",
			cfg.Database.PGHost, cfg.Database.PGPort, cfg.Database.PGDB, cfg.Database.PGUser, cfg.Database.PGPwd, cfg.Database.PGSchema)
		return storage.NewPostgres(dsn, cfg.AuthSecret)
	default:
		return storage.NewSQLite(filepath.Join(cfg.DataDir, "dispatchd.db"), cfg.AuthSecret)
	}
}

func newLogStore(cfg *config.Config, log *slog.Logger) (logstore.LogStore, error) {
	if cfg.LogStore.Backend == "s3" {
		return logstore.NewS3LogStore(logstore.S3Config{
			Endpoint:        cfg.LogStore.S3Endpoint,
			Region:          cfg.LogStore.S3Region,
			Bucket:          cfg.LogStore.S3Bucket,
			AccessKeyID:     cfg.LogStore.S3AccessKeyID,
			SecretAccessKey: cfg.LogStore.S3SecretAccessKey,
		}, log)
	}
	return logstore.NewFilesystemLogStore(filepath.Join(cfg.DataDir, "logs"), log)
}

// ensureSystemWorker seeds the reserved System worker (spec.md §3 "a
// reserved System worker always exists, cannot be deleted") the first time
// the orchestrator starts against a fresh database.
func ensureSystemWorker(ctx context.Context, store storage.Storage) error {
	if _, err := store.GetWorker(ctx, model.SystemWorkerID); err == nil {
		return nil
	} else if err != storage.ErrNotFound {
		return err
	}
	now := time.Now()
	return store.CreateWorker(ctx, &model.Worker{
		ID:        model.SystemWorkerID,
		Name:      "system",
		Type:      model.WorkerTypeLocal,
		MaxJobs:   1,
		State:     model.WorkerStateStopped,
		Status:    model.WorkerStatusOffline,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
