package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/channels/telegram"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/metrics"
	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/scheduler"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/supervisor"
)

var (
	serveConfigPath string
	serveDebug      bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the nanoclaw supervisor",
	Long: `Start the supervisor: message intake, per-channel dispatch,
task scheduler, IPC watcher and the container runner.`,
	Run: serveHandler,
}

func serveHandler(cmd *cobra.Command, args []string) {
	// .env is optional; explicit environment wins either way.
	if err := config.LoadEnvOptional(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	configPath := serveConfigPath
	if configPath == "" {
		configPath = "config.toml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "Configuration validation failed:")
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %v\n", e)
		}
		os.Exit(1)
	}
	if serveDebug {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	log.Info("starting nanoclaw",
		logger.Field{Key: "version", Value: Version},
		logger.Field{Key: "config", Value: configPath},
		logger.Field{Key: "workspace", Value: cfg.Workspace.Path})
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	if err := run(cfg, log); err != nil {
		log.Error("fatal", err)
		os.Exit(1)
	}
	log.Info("nanoclaw stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The database and the container runtime are hard dependencies;
	// startup aborts without them.
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	client, err := sandbox.NewClient()
	if err != nil {
		return fmt.Errorf("container runtime unavailable: %w", err)
	}
	defer client.Close()

	if err := sandbox.CleanupStale(ctx, client, log); err != nil {
		log.Warn("stale container cleanup failed", logger.Field{Key: "error", Value: err})
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New("nanoclaw", prometheus.DefaultRegisterer)
		go func() {
			if err := metrics.Serve(cfg.Metrics.ListenAddr); err != nil {
				log.Error("metrics listener failed", err)
			}
		}()
	}

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Scheduler.Timezone, err)
	}

	q := queue.New(queue.Config{
		MaxConcurrent: cfg.Agent.MaxConcurrentContainers,
		MaxRetries:    cfg.Agent.MaxRetries,
		BaseRetry:     time.Duration(cfg.Agent.BaseRetrySeconds) * time.Second,
	}, log, m, sandbox.NewStopper(client))

	projectRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	runner := sandbox.NewRunner(sandbox.Config{
		Image:           cfg.Container.Image,
		Memory:          cfg.Container.Memory,
		CPUs:            cfg.Container.CPUs,
		PidsLimit:       cfg.Container.PidsLimit,
		SecurityOpt:     cfg.Container.SecurityOpt,
		GroupsDir:       cfg.GroupsDir(),
		IPCDir:          cfg.IPCDir(),
		ProjectRoot:     projectRoot,
		MainGroupFolder: cfg.Agent.MainGroupFolder,
		GeminiAPIKey:    cfg.LLM.GeminiAPIKey,
		GeminiModel:     cfg.LLM.GeminiModel,
	}, client, log, m)

	snapshots := ipc.NewSnapshots(cfg.IPCDir(), cfg.Agent.MainGroupFolder, st)
	connector := telegram.New(cfg.Channels.Telegram, log)

	sup, err := supervisor.New(cfg, st, q, runner, snapshots, connector, log)
	if err != nil {
		return err
	}
	connector.SetHandler(sup)

	sched := scheduler.New(st, q, loc,
		time.Duration(cfg.Scheduler.TickSeconds)*time.Second, log, m)
	sched.SetTaskRunner(sup.RunTask)

	watcher := ipc.NewWatcher(cfg.IPCDir(), cfg.Agent.MainGroupFolder,
		time.Duration(cfg.Agent.IPCPollIntervalMs)*time.Millisecond,
		st, connector, sched, sup, log, m)

	// Prepare the main group's workspace and publish fresh snapshots
	// before any agent can start.
	if err := sup.EnsureGroupLayout(cfg.Agent.MainGroupFolder); err != nil {
		return err
	}
	if err := snapshots.WriteAll(); err != nil {
		return err
	}

	if err := connector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telegram connector: %w", err)
	}

	if err := sup.Recover(); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	go sup.Run(ctx)
	if cfg.Scheduler.Enabled {
		go sched.Run(ctx)
	}
	go watcher.Run(ctx)

	log.Info("nanoclaw is running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received shutdown signal", logger.Field{Key: "signal", Value: sig.String()})

	// Stop intake and loops first, then drain or kill in-flight agents.
	connector.Stop()
	cancel()

	grace := time.Duration(cfg.Container.ShutdownGraceSeconds) * time.Second
	if grace == 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer shutdownCancel()
	q.Shutdown(shutdownCtx, grace)

	return nil
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to configuration file (default: ./config.toml)")
	serveCmd.Flags().BoolVarP(&serveDebug, "debug", "d", false, "Enable debug logging")
}
