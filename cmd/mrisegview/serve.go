package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mrisegview/pkg/config"
	"mrisegview/pkg/logging"
	"mrisegview/pkg/runlog"
	"mrisegview/pkg/server"
	"mrisegview/pkg/session"
	"mrisegview/pkg/visualization"
)

var (
	serveAddr string
	serveCmd  = &cobra.Command{
		Use:   "serve",
		Short: "Serve the viewer API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return executeServe(ctx, cfg)
		},
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides server.address")
}

// openRunLog opens the run history, creating its directory if needed
func openRunLog(cfg *config.Config) (*runlog.Log, error) {
	if dir := filepath.Dir(cfg.Storage.RunDB); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create run log directory: %w", err)
		}
	}
	return runlog.Open(cfg.Storage.RunDB)
}

// executeServe runs the HTTP server until ctx is cancelled
func executeServe(ctx context.Context, cfg *config.Config) error {
	runs, err := openRunLog(cfg)
	if err != nil {
		return err
	}
	defer runs.Close()

	p, err := buildPipeline(cfg, runs)
	if err != nil {
		return err
	}
	sessions, err := session.NewManager(cfg.Viewer.SlotCapacity, p)
	if err != nil {
		return err
	}
	if err := sessions.SetDefaultTask(cfg.Viewer.DefaultTask); err != nil {
		return err
	}
	renderer, err := visualization.NewRenderer(cfg.Viewer.OverlayColor, cfg.Viewer.OverlayAlpha)
	if err != nil {
		return err
	}

	logging.Infof("Model backend %s, %d display slots, default task %s",
		cfg.Model.Backend, cfg.Viewer.SlotCapacity, cfg.Viewer.DefaultTask)
	srv := server.New(server.Config{
		UploadDir:      cfg.Storage.UploadDir,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		CacheBytes:     cfg.Storage.SliceCacheBytes,
		SessionIdle:    time.Duration(cfg.Server.SessionIdleMinutes) * time.Minute,
	}, sessions, renderer, runs)
	return srv.ListenAndServe(ctx, cfg.Server.Address)
}
