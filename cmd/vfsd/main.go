// Command vfsd is a minimal daemon entry point wiring a YAML config, a
// slog logger, and the vfs facade together. The library itself carries no
// CLI or transport; this binary is the runnable shell around it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	vfs "github.com/i5heu/ouroboros-vfs"
	"github.com/i5heu/ouroboros-vfs/internal/daemonconfig"
)

const (
	logKeyBaseDir    = "baseDir"
	logKeyMaxOpen    = "maxOpenPaths"
	logKeyDirIndex   = "dirIndexEnabled"
	logKeySignal     = "signal"
	logKeyError      = "error"
	logKeyConfigPath = "configPath"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration file")
	flag.Parse()

	cfg, err := daemonconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vfsd: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	logger.InfoContext(context.Background(), "starting vfsd",
		logKeyConfigPath, *configPath,
		logKeyBaseDir, cfg.BaseDir,
		logKeyMaxOpen, cfg.MaxOpenPaths,
		logKeyDirIndex, cfg.EnableDirIndex)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "vfsd error", logKeyError, err)
		os.Exit(1)
	}
}

// run opens the VFS, waits for ctx cancellation, and closes it. Separated
// from main for testability.
func run(ctx context.Context, cfg daemonconfig.Config, logger *slog.Logger) error {
	instance, err := vfs.Open(vfs.Config{
		BaseDir:           cfg.BaseDir,
		MaxOpenPaths:      cfg.MaxOpenPaths,
		EnableDirIndex:    cfg.EnableDirIndex,
		Logger:            logger,
		QuiescenceTimeout: time.Duration(cfg.QuiescenceTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open vfs: %w", err)
	}
	defer func() {
		if closeErr := instance.Close(); closeErr != nil {
			logger.WarnContext(context.Background(), "error closing vfs", logKeyError, closeErr)
		}
	}()

	logger.InfoContext(ctx, "vfsd ready", logKeyBaseDir, cfg.BaseDir)

	<-ctx.Done()

	logger.InfoContext(context.Background(), "vfsd shutting down")
	return nil
}
