package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/moondream/station/pkg/backend"
	"github.com/moondream/station/pkg/config"
	"github.com/moondream/station/pkg/envconfig"
	"github.com/moondream/station/pkg/httpapi"
	"github.com/moondream/station/pkg/idlemonitor"
	"github.com/moondream/station/pkg/logging"
	"github.com/moondream/station/pkg/manifest"
	"github.com/moondream/station/pkg/service"
	"github.com/moondream/station/pkg/session"
	"github.com/moondream/station/pkg/shutdown"
)

func newServeCmd() *cobra.Command {
	var (
		home         string
		manifestSrc  string
		modelID      string
		logLevelFlag string
	)

	defaultHome, _ := os.UserHomeDir()

	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, serveOptions{
				home:         home,
				manifestSrc:  manifestSrc,
				modelID:      modelID,
				logLevelFlag: logLevelFlag,
			})
		},
	}

	c.Flags().StringVar(&home, "home", filepath.Join(defaultHome, ".moondream-station"), "station home directory")
	c.Flags().StringVar(&manifestSrc, "manifest", "", "manifest source (http(s) URL or local path); overrides MDS_MANIFEST_PATH")
	c.Flags().StringVar(&modelID, "model", "", "model id to start; defaults to the configured/available default model")
	c.Flags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL and config)")

	return c
}

type serveOptions struct {
	home         string
	manifestSrc  string
	modelID      string
	logLevelFlag string
}

// runServe wires the Manifest Store, Backend Loader, Inference Service,
// HTTP Gateway, and Idle-Shutdown Monitor together and blocks until ctx
// is cancelled or the HTTP server fails: a serverErrors channel raced
// against ctx.Done() in a select, then an ordered teardown.
func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.New(opts.home)
	if err != nil {
		return fmt.Errorf("serve: loading config: %w", err)
	}

	log := logging.NewLogger(resolveLogLevel(opts.logLevelFlag, cfg))

	manifestSrc := opts.manifestSrc
	if manifestSrc == "" {
		manifestSrc = envconfig.ManifestPath()
	}
	if manifestSrc == "" {
		return errors.New("serve: no manifest source configured (use --manifest or MDS_MANIFEST_PATH)")
	}

	manifestStore := manifest.New(filepath.Join(opts.home, "models"))
	if _, err := manifestStore.Load(manifestSrc); err != nil {
		return fmt.Errorf("serve: loading manifest: %w", err)
	}

	modelID := opts.modelID
	if modelID == "" {
		modelID = cfg.GetString("current_model", "")
	}
	if modelID == "" {
		modelID = manifestStore.GetAvailableDefaultModel()
	}
	if modelID == "" {
		return errors.New("serve: no model id resolved (pass --model, set current_model, or mark a manifest model is_default)")
	}

	workers := cfg.GetInt("inference_workers", config.DefaultInferenceWorkers)
	maxQueue := cfg.GetInt("inference_max_queue_size", config.DefaultInferenceMaxQueue)
	timeout := secondsToDuration(cfg.GetFloat("inference_timeout", config.DefaultInferenceTimeoutSecs))

	modelsDir := cfg.GetString("models_dir", filepath.Join(opts.home, "models"))
	loader := backend.NewLoader(modelsDir, backend.WithLogger(log))

	svc := service.New(manifestStore, loader, workers, maxQueue, timeout, service.WithLogger(log))
	if err := svc.Start(ctx, modelID); err != nil {
		return fmt.Errorf("serve: starting inference service: %w", err)
	}
	defer func() {
		log.Info("stopping inference service")
		if err := svc.Stop(); err != nil {
			log.Warn("inference service stop error", "error", err)
		}
	}()

	allowedOrigins := cfg.GetStringSlice("allowed_origins", config.DefaultAllowedOrigins)
	gw := httpapi.New(svc, manifestStore, session.NewRecorder(),
		httpapi.WithAPIKey(cfg.GetString("detection_api_key", "")),
		httpapi.WithAllowedOrigins(allowedOrigins))

	monitor, monitorCancel := startIdleMonitor(ctx, cfg, svc, log)
	defer monitorCancel()

	host := cfg.GetString("service_host", config.DefaultServiceHost)
	port := cfg.GetInt("service_port", config.DefaultServicePort)
	addr := fmt.Sprintf("%s:%d", host, port)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(addr, modelID)
	log.Info("serving", "addr", addr, "model", modelID, "workers", workers, "queue_capacity", maxQueue)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: http server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
		if monitor != nil {
			monitor.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown error", "error", err)
		}
	}

	return nil
}

// resolveLogLevel applies the precedence order --log-level flag >
// LOG_LEVEL env var > the config store's persisted log_level > info.
func resolveLogLevel(flagValue string, cfg *config.Store) slog.Level {
	if flagValue != "" {
		return logging.ParseLevel(flagValue)
	}
	if v := envconfig.Var("LOG_LEVEL"); v != "" {
		return logging.ParseLevel(v)
	}
	return logging.ParseLevel(cfg.GetString("log_level", ""))
}

func printBanner(addr, modelID string) {
	bold := color.New(color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("%s listening on %s, model %s\n", bold("moondream-station"), cyan(addr), cyan(modelID))
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// startIdleMonitor wires pkg/idlemonitor to the just-started service,
// reading the shutdown_* config keys and SHUTDOWN_* environment
// overrides. It returns a no-op cancel func when the monitor is
// disabled.
func startIdleMonitor(ctx context.Context, cfg *config.Store, svc *service.Service, log logging.Logger) (*idlemonitor.Monitor, func()) {
	enabled := cfg.GetBool("shutdown_monitor_enabled", false)
	if v, present := envconfig.ShutdownMonitorEnabled(); present {
		enabled = v
	}
	if !enabled {
		return nil, func() {}
	}

	checkInterval := secondsToDuration(cfg.GetFloat("shutdown_check_interval", config.DefaultShutdownCheckSecs))
	if v, present := envconfig.ShutdownCheckInterval(); present {
		checkInterval = v
	}
	idleThreshold := secondsToDuration(cfg.GetFloat("shutdown_timeout", config.DefaultShutdownTimeoutSecs))
	if v, present := envconfig.ShutdownTimeout(); present {
		idleThreshold = v
	}

	hostIDName, hostIDValue, hostIDPresent := envconfig.HostIdentifier()
	if hostIDPresent {
		log.Info("idlemonitor: host identifier present", "name", hostIDName, "value", hostIDValue)
	}
	// No shutdown_command config key is recognized, so the only override
	// path here is the host-identifying env var's presence, consulted for
	// logging per shutdown.Default's doc comment.
	hostShutdown := shutdown.Default("", hostIDName, hostIDValue)

	statsFn := func() (queueSize, processing int, running bool, err error) {
		if !svc.IsRunning() {
			return 0, 0, false, nil
		}
		stats := svc.Stats()
		return stats.Pool.QueueSize, stats.Pool.Processing, true, nil
	}

	monitor := idlemonitor.New(checkInterval, idleThreshold, statsFn, hostShutdown, log)
	monitorCtx, cancel := context.WithCancel(ctx)
	go monitor.Run(monitorCtx)

	return monitor, cancel
}
