package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/kiln/pkg/api"
	"github.com/cuemby/kiln/pkg/config"
	"github.com/cuemby/kiln/pkg/environment"
	"github.com/cuemby/kiln/pkg/events"
	"github.com/cuemby/kiln/pkg/health"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/media"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/queue"
	"github.com/cuemby/kiln/pkg/runner"
	"github.com/cuemby/kiln/pkg/storage"
	"github.com/cuemby/kiln/pkg/worker"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the build worker",
	Long: `Run the build worker daemon.

The worker serves the kiln.Slave API on controller.address:controller.port,
a read-only copy of it on controller.socket, and /health, /ready, /live and
/metrics on controller.metrics_address. It must run as root: building
mounts the image and chroots into it.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", config.DefaultPath, "Configuration file")
	serveCmd.Flags().String("log-level", "", "Override log.level")
}

func publishProgress(broker *events.Broker) func(int) {
	return func(percent int) {
		broker.Publish(&events.Event{
			Type:     events.EventImagingProgress,
			Metadata: map[string]string{"percent": strconv.Itoa(percent)},
		})
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("daemon")
	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.Builder.Storage, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.Builder.Storage)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentJobStore, false, err.Error())
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()
	if n, err := store.PruneJobs(cfg.Builder.JobHistory); err != nil {
		logger.Warn().Err(err).Msg("Failed to prune job history")
	} else if n > 0 {
		logger.Debug().Int("jobs", n).Msg("Pruned job history")
	}
	metrics.UpdateComponent(metrics.ComponentJobStore, true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	run := runner.NewExecRunner()
	mounter := environment.NewSystemMounter(run)
	env := environment.NewController(environment.Config{
		Image:      media.ImagePath(cfg.Builder.Storage),
		MountPoint: media.MountPath(cfg.Builder.Storage),
		KillGrace:  cfg.Builder.KillGrace,
	}, run, mounter)

	mgr := media.NewManager(media.Config{
		Storage:    cfg.Builder.Storage,
		DataDir:    cfg.Builder.DataDir,
		BackingURL: cfg.Builder.BackingURL,
	}, run, mounter)
	mgr.OnProgress(publishProgress(broker))
	if mgr.StorageInfo() == nil {
		metrics.UpdateComponent(metrics.ComponentMedia, false, "no build image installed")
	} else {
		metrics.UpdateComponent(metrics.ComponentMedia, true, "")
	}

	wcfg := &worker.Config{
		DataDir:     cfg.Builder.DataDir,
		Autoclean:   cfg.Settings.Autoclean,
		BindHome:    cfg.Builder.BindHome,
		Environment: env,
		Runner:      run,
		Media:       mgr,
		Store:       store,
		Events:      broker,
	}
	monitor := health.NewMonitor(health.DefaultConfig(), metrics.UpdateComponent)
	if cfg.Frontend.URL != "" {
		baseURL := queue.BaseURLForHost(cfg.Frontend.URL)
		wcfg.Queue = queue.NewClient(queue.Config{
			BaseURL:  baseURL,
			Username: cfg.Frontend.Username,
			Password: cfg.Frontend.Password,
		})
		// Any answer below 500 means the coordinator is up
		monitor.Add(metrics.ComponentCoordinator, health.NewHTTPChecker(baseURL).
			WithBasicAuth(cfg.Frontend.Username, cfg.Frontend.Password).
			WithStatusRange(200, 499))
	} else {
		logger.Warn().Msg("frontend.url is not set, builds are disabled")
		metrics.UpdateComponent(metrics.ComponentCoordinator, false, "frontend.url not set")
	}

	w, err := worker.NewWorker(wcfg)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	defer w.Close()

	metrics.SetStateFunc(func() string { return string(w.State()) })
	metrics.SetCriticalComponents(metrics.ComponentRPC, metrics.ComponentJobStore)
	collector := metrics.NewCollector(w, mgr)
	collector.Start()
	defer collector.Stop()
	monitor.Start()
	defer monitor.Stop()

	errCh := make(chan error, 3)
	apiServer := api.NewServer(w, mgr, broker)
	go func() {
		if err := apiServer.Start(cfg.ListenAddress()); err != nil {
			metrics.UpdateComponent(metrics.ComponentRPC, false, err.Error())
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	metrics.UpdateComponent(metrics.ComponentRPC, true, "")

	if cfg.Controller.Socket != "" {
		go func() {
			if err := apiServer.StartLocal(cfg.Controller.Socket); err != nil {
				errCh <- fmt.Errorf("local socket error: %w", err)
			}
		}()
	}

	var healthServer *api.HealthServer
	if cfg.Controller.MetricsAddress != "" {
		healthServer = api.NewHealthServer(cfg.Controller.MetricsAddress)
		go func() {
			if err := healthServer.Start(); err != nil {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	logger.Info().
		Str("address", cfg.ListenAddress()).
		Str("storage", cfg.Builder.Storage).
		Str("version", Version).
		Msg("Worker is running")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down after server failure")
	}

	// A running job holds its RPC open until it ends
	if id, ok := w.Cancel(); ok {
		logger.Warn().Str("job_id", id).Msg("Cancelled running job")
	}
	if err := w.Close(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	apiServer.Stop()
	if healthServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop metrics server")
		}
	}

	logger.Info().Msg("Shutdown complete")
	return runErr
}
