package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kldeb/lambdev/internal/config"
	"github.com/kldeb/lambdev/internal/event"
	"github.com/kldeb/lambdev/internal/invoke"
	"github.com/kldeb/lambdev/internal/registry"
	"github.com/kldeb/lambdev/internal/runtimeapi"
	"github.com/kldeb/lambdev/internal/server"
	"github.com/kldeb/lambdev/internal/supervisor"
	"github.com/kldeb/lambdev/internal/watch"
)

var (
	startPort      int
	startHost      string
	startFunctions string
	startNoWatch   bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the emulator",
	Long: `Start the function emulator.

The emulator will:
  - Discover functions (each subdirectory with a function.yaml)
  - Serve them on the gateway-style HTTP ingress
  - Spawn worker processes on demand and pool them per function
  - Watch sources and rebuild/restart on changes

Use --no-watch to disable file watching.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().IntVarP(&startPort, "port", "p", config.DefaultPort, "Port to listen on")
	startCmd.Flags().StringVar(&startHost, "host", config.DefaultHost, "Host to bind to")
	startCmd.Flags().StringVar(&startFunctions, "functions", "", "Path to the functions directory")
	startCmd.Flags().BoolVar(&startNoWatch, "no-watch", false, "Disable file watching")

	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: cfgFile})
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("port") {
		cfg.Server.Port = startPort
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = startHost
	}
	if cmd.Flags().Changed("functions") {
		cfg.Functions.Path = startFunctions
	}

	applyLogging(&cfg.Logging)

	reg := registry.New()
	descs, err := registry.Discover(cfg.Functions.Path, registry.Defaults{
		Timeout:     cfg.Functions.Timeout,
		Concurrency: cfg.Functions.Concurrency,
		Shape:       shapeFromConfig(cfg),
		MemorySize:  cfg.Functions.MemorySize,
		Env:         cfg.Functions.Env,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Function discovery failed")
	}
	for _, desc := range descs {
		if err := reg.Upsert(desc); err != nil {
			log.Warn().Err(err).Str("function", desc.Name).Msg("Skipping function")
		}
	}
	if len(reg.List()) == 0 {
		log.Warn().
			Str("path", cfg.Functions.Path).
			Msg("No functions discovered; add a directory with a function.yaml")
	}

	table := invoke.NewTable()
	sup := supervisor.New(reg, table, supervisor.Options{
		GracePeriod: cfg.Runtime.GracePeriod,
	})
	reg.SetRestartHook(sup.Restart)
	reg.SetRemoveHook(sup.Drain)

	protocol := runtimeapi.New(sup)
	if err := protocol.Listen(cfg.Runtime.Address()); err != nil {
		log.Fatal().Err(err).Msg("Failed to bind runtime surface")
	}
	sup.SetRuntimeAddr(protocol.Addr())
	go func() {
		if err := protocol.Serve(); err != nil {
			log.Error().Err(err).Msg("Runtime surface error")
		}
	}()

	srv := server.New(cfg, reg, table, sup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watcher *watch.Watcher
	if !startNoWatch && cfg.Watch.Enabled {
		watcher, err = watch.New(reg, watch.Options{
			Debounce:     cfg.Watch.Debounce,
			BuildTimeout: cfg.Watch.BuildTimeout,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set up file watcher, continuing without rebuilds")
		} else if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start file watcher, continuing without rebuilds")
			watcher = nil
		} else {
			go drainWatchEvents(ctx, watcher)
			log.Info().Msg("File watching enabled")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if watcher != nil {
			_ = watcher.Stop()
		}
		_ = srv.Shutdown(shutdownCtx)
		sup.Shutdown()
		_ = protocol.Shutdown(shutdownCtx)
	}()

	logStartupInfo(cfg, reg)

	if err := srv.Start(); err != nil {
		log.Error().Err(err).Msg("Ingress error")
		return err
	}

	<-ctx.Done()
	return nil
}

func shapeFromConfig(cfg *config.Config) event.Shape {
	s, err := event.ParseShape(cfg.Functions.Shape)
	if err != nil {
		log.Warn().Str("shape", cfg.Functions.Shape).Msg("Unknown default shape, using http-proxy")
		return event.ShapeHTTPProxy
	}
	return s
}

// applyLogging reconfigures the global logger from the loaded config, on top
// of what the verbose flag already set.
func applyLogging(cfg *config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := log.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	}
	lc := logger.With()
	if cfg.Timestamp {
		lc = lc.Timestamp()
	}
	if cfg.Caller {
		lc = lc.Caller()
	}
	log.Logger = lc.Logger()
}

func drainWatchEvents(ctx context.Context, watcher *watch.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events():
			if ev.Err != nil {
				log.Warn().
					Str("function", ev.Function).
					Err(ev.Err).
					Msg("Rebuild failed; serving BuildFailed until the next success")
				continue
			}
			log.Info().Str("function", ev.Function).Msg("Rebuilt and restarted")
		}
	}
}

func logStartupInfo(cfg *config.Config, reg *registry.Registry) {
	log.Info().
		Str("url", "http://"+cfg.Server.Address()).
		Msg("Emulator started")

	for _, desc := range reg.List() {
		log.Info().
			Str("function", desc.Name).
			Str("url", "http://"+cfg.Server.Address()+"/lambda-url/"+desc.Name+"/").
			Str("shape", string(desc.Shape)).
			Msg("Function endpoint")
	}

	log.Info().
		Str("metrics", "http://"+cfg.Server.Address()+"/metrics").
		Str("requests", "http://"+cfg.Server.Address()+"/lambdev/requests").
		Msg("Diagnostics")
}
