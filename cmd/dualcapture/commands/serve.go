package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/api"
	"github.com/bryanchriswhite/DualCapture/internal/camera"
	"github.com/bryanchriswhite/DualCapture/internal/catalog"
	"github.com/bryanchriswhite/DualCapture/internal/config"
	"github.com/bryanchriswhite/DualCapture/internal/device/sim"
	"github.com/bryanchriswhite/DualCapture/internal/display"
	"github.com/bryanchriswhite/DualCapture/internal/logger"
	"github.com/bryanchriswhite/DualCapture/internal/output"
	"github.com/bryanchriswhite/DualCapture/internal/recorder"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the DualCapture server",
	Long: `Start the DualCapture HTTP server and open both capture devices.

The server previews the color device on the configured display, streams the
mono device as MJPEG, and exposes a REST API to toggle recording.`,
	Example: `  # Start server on default port (8080)
  dualcapture serve

  # Start server on custom port
  dualcapture serve --port 9090

  # Start without opening the devices
  dualcapture serve --no-open

  # Start with debug logging
  dualcapture serve --log-level debug`,
	RunE: runServe,
}

var serveNoOpen bool

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveNoOpen, "no-open", false, "do not open the devices on start")
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	devices := newDeviceManager(cfg.Sim)
	defer devices.Wait()

	disp, err := display.New(cfg.Display)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	if err := disp.Start(); err != nil {
		return fmt.Errorf("failed to start display: %w", err)
	}
	defer disp.Stop()

	stream := output.NewMJPEGOutput(monoStreamConfig(cfg))
	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start MJPEG output: %w", err)
	}
	defer stream.Stop()

	store, closeStore, err := openCatalog(ctx, cfg.Catalog)
	if err != nil {
		return err
	}
	defer closeStore()

	coord, err := camera.NewCoordinator(camera.Options{
		Devices:       devices,
		Display:       disp,
		MonoSink:      stream,
		NewRecorder:   recorder.NewFactory(recorder.Options{GstLaunch: cfg.Recorder.GstLaunch}),
		Paths:         recorder.Paths(cfg.Recorder.OutputDir, cfg.Recorder.Container),
		ColorDeviceID: cfg.Devices.Color,
		MonoDeviceID:  cfg.Devices.Mono,
		PermitTimeout: cfg.PermitTimeout,
		Recording: camera.RecordingSettings{
			Bitrate:   cfg.Recorder.Bitrate,
			Codec:     cfg.Recorder.Codec,
			Container: cfg.Recorder.Container,
			FrameRate: cfg.Recorder.FrameRate,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	events := coord.Subscribe()
	indexed := make(chan struct{})
	go func() {
		defer close(indexed)
		// Runs until Unsubscribe so recordings saved during shutdown are kept
		catalog.NewIndexer(store).Run(context.Background(), events)
	}()

	server := api.NewServer(coord, configMgr, store, stream)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.ServerPort)
	}()

	if !serveNoOpen {
		if err := coord.OpenAll(ctx, 0, 0); err != nil {
			log.Warn().Err(err).Msg("Open finished with errors")
		}
	}

	log.Info().
		Str("web_ui", fmt.Sprintf("http://localhost:%d", cfg.ServerPort)).
		Str("mono_stream", fmt.Sprintf("http://localhost:%d/stream/mono", cfg.ServerPort)).
		Msg("DualCapture is running, press Ctrl+C to stop")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully...")
	case <-coord.Terminated():
		runErr = fmt.Errorf("session terminated: %w", coord.Err())
		log.Error().Err(coord.Err()).Msg("Color device failed, shutting down")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Closing saves any recording in progress before the indexer stops.
	if err := coord.CloseAll(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Close finished with errors")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	coord.Unsubscribe(events)
	<-indexed
	return runErr
}

func newDeviceManager(cfg config.SimConfig) *sim.Manager {
	return sim.New(sim.Options{
		Devices:          sim.DefaultDevices(),
		OpenLatency:      cfg.OpenLatency,
		ConfigureLatency: cfg.ConfigureLatency,
		FrameRate:        cfg.FrameRate,
	})
}

func monoStreamConfig(cfg *config.Config) output.Config {
	out := output.Config{
		Width:   cfg.MonoStream.Width,
		Height:  cfg.MonoStream.Height,
		FPS:     cfg.MonoStream.FPS,
		Quality: cfg.MonoStream.Quality,
	}
	if cfg.MonoStream.Label {
		out.Label = "MONO " + cfg.Devices.Mono
	}
	return out
}

// openCatalog returns the configured recording store and a func releasing it.
func openCatalog(ctx context.Context, cfg config.CatalogConfig) (catalog.Store, func(), error) {
	if cfg.Backend != config.CatalogRedis {
		return catalog.NewMemoryStore(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, err := rdb.Ping(pingCtx).Result()
	cancel()
	if err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis catalog ping %s: %w", cfg.RedisAddr, err)
	}

	store := catalog.NewRedisStore(rdb, catalog.WithPrefix(cfg.RedisPrefix), catalog.WithTTL(cfg.TTL))
	return store, func() { _ = rdb.Close() }, nil
}
