// Command dispatch-worker runs a worker process: it listens on its own
// HTTP address and accepts job assignments from an orchestrator's
// transport client, executing each as a bare-metal shell command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dispatchd/dispatchd/internal/version"
	"github.com/dispatchd/dispatchd/internal/worker"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "dispatch-worker",
		Short:   "Distributed job dispatcher worker agent",
		Version: version.Version,
		RunE:    runWorker,
	}
	rootCmd.Flags().String("addr", ":9090", "HTTP listen address")
	rootCmd.Flags().String("name", "", "Worker identity reported in /status (defaults to hostname)")
	rootCmd.Flags().Int("max-jobs", 1, "Maximum concurrent jobs this worker will accept")
	rootCmd.Flags().String("work-dir", "", "Working directory job commands run from (defaults to the current directory)")
	rootCmd.Flags().StringSlice("env", nil, "Extra KEY=VALUE environment entries passed to every job, may be repeated")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	addr, _ := cmd.Flags().GetString("addr")
	name, _ := cmd.Flags().GetString("name")
	maxJobs, _ := cmd.Flags().GetInt("max-jobs")
	workDir, _ := cmd.Flags().GetString("work-dir")
	envPairs, _ := cmd.Flags().GetStringSlice("env")

	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "worker"
		}
	}

	env := make(map[string]string, len(envPairs))
	for _, pair := range envPairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid --env entry %q, expected KEY=VALUE", pair)
		}
		env[k] = v
	}

	srv := worker.NewServer(worker.Config{
		Name:    name,
		MaxJobs: maxJobs,
		WorkDir: workDir,
		Env:     env,
	}, log)

	httpSrv := &http.Server{Addr: addr, Handler: srv}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting worker", "name", name, "addr", addr, "max_jobs", maxJobs)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", "error", err)
		}
	}
	return nil
}
