// Package cli provides the astrocored Cobra command tree: wiring the
// device-protocol connection, the options store, the acquisition core, the
// session store, the filesystem watcher and the read-only event relay
// together, then running until signalled. There is no networked control
// surface for the core itself (spec non-goal); the daemon's commands start
// and stop the process, not acquisition modes.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"astrocore/internal/config"
	"astrocore/internal/core"
	"astrocore/internal/devproto"
	"astrocore/internal/eventserver"
	"astrocore/internal/fswatch"
	"astrocore/internal/guider"
	"astrocore/internal/logging"
	"astrocore/internal/sessionstore"
)

// NewRootCmd builds the astrocored command tree.
func NewRootCmd() *cobra.Command {
	var (
		configPath   string
		device       string
		devProtoAddr string
		httpAddr     string
		guiderAddr   string
	)

	root := &cobra.Command{
		Use:   "astrocored",
		Short: "astrocored drives cameras, focusers and mounts through an acquisition session",
		Long: `astrocored is the acquisition orchestrator daemon: it holds the mode state
machine, the capture loop, the frame-processing pipeline and the autofocus/
mount-calibration/dithering sub-modes that keep a long-running imaging
session sharp and registered.`,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the options JSON file (defaults to ~/.config/astrocore/config.json)")
	root.PersistentFlags().StringVar(&device, "device", "CCD Simulator", "camera device name on the device-protocol bus")
	root.PersistentFlags().StringVar(&devProtoAddr, "devproto-addr", "127.0.0.1:7624", "device-protocol bus address")
	root.PersistentFlags().StringVar(&httpAddr, "http-addr", ":8090", "event server listen address")
	root.PersistentFlags().StringVar(&guiderAddr, "guider-addr", "127.0.0.1:4400", "PHD2 external guider address")

	root.AddCommand(newServeCmd(&configPath, &device, &devProtoAddr, &httpAddr, &guiderAddr))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the astrocored version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "astrocored (dev build)")
			return nil
		},
	}
}

func newServeCmd(configPath, device, devProtoAddr, httpAddr, guiderAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "connect to the device-protocol bus and run the acquisition core until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, *device, *devProtoAddr, *httpAddr, *guiderAddr)
		},
	}
}

func runServe(ctx context.Context, configPath, device, devProtoAddr, httpAddr, guiderAddr string) error {
	opts, err := loadOptions(configPath)
	if err != nil {
		return fmt.Errorf("cli: load options: %w", err)
	}

	log := logging.New(opts.Logging.Level, opts.Logging.Format)
	log.Info("starting astrocored", "device", device, "devproto_addr", devProtoAddr)

	store, err := sessionstore.New(opts.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("cli: open session store: %w", err)
	}
	defer store.Close()

	dev, err := devproto.Dial(devProtoAddr)
	if err != nil {
		log.Warn("device-protocol bus unreachable, starting without a device connection", "error", err.Error())
		dev = nil
	} else {
		defer dev.Close()
	}

	c := core.New(device, dev, opts, store, log)
	defer c.Close()

	if guiderAddr != "" {
		c.CreateExternalGuider(guider.NewPhd2Client(guiderAddr))
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchDirs := []string{opts.Paths.SessionRoot, opts.Paths.DarkLibrary}
	watcher, err := fswatch.New(watchDirs, log)
	if err != nil {
		log.Warn("filesystem watcher failed to start", "error", err.Error())
	} else {
		if err := watcher.Start(sigCtx); err != nil {
			log.Warn("filesystem watcher failed to start", "error", err.Error())
		} else {
			go logWatcherEvents(sigCtx, watcher, log)
		}
		defer watcher.Close()
	}

	srv := eventserver.New(httpAddr, c, log)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Run(sigCtx) }()

	log.Info("astrocored running", "http_addr", httpAddr)
	select {
	case <-sigCtx.Done():
		log.Info("shutting down")
	case err := <-srvErr:
		if err != nil {
			log.Error("event server stopped", "error", err.Error())
		}
	}
	return nil
}

func loadOptions(path string) (*config.Options, error) {
	if path != "" {
		os.Setenv("ASTROCORE_CONFIG", path)
	}
	return config.Load()
}

func logWatcherEvents(ctx context.Context, w *fswatch.Watcher, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			log.Debug("filesystem event", "path", ev.Path, "kind", ev.Kind.String())
		}
	}
}
