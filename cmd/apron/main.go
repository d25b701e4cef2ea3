package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/gateway"
	"github.com/wudi/apron/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/apron.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("apron %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := watcher.GetConfig()

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logCfg := cfg.Gateway.Logging
	logger, err := logging.New(logCfg.Level, logging.Options{
		Format:     logCfg.Format,
		File:       logCfg.File,
		MaxSizeMB:  logCfg.MaxSizeMb,
		MaxBackups: logCfg.MaxBackups,
		MaxAgeDays: logCfg.MaxAgeDays,
		Compress:   logCfg.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting apron",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("registry", cfg.Gateway.Discovery.Registry.Type),
		zap.Int("routes", len(cfg.Gateway.Routes)),
	)

	gw, err := gateway.New(cfg)
	if err != nil {
		logging.Error("failed to build gateway", zap.Error(err))
		os.Exit(1)
	}
	gw.Start()

	watcher.OnChange(func(next *config.Config) {
		if err := gw.Reload(next); err != nil {
			logging.Error("config reload rejected", zap.Error(err))
		}
	})
	if err := watcher.Start(); err != nil {
		logging.Warn("config watcher disabled", zap.Error(err))
	}

	serverCfg := cfg.Gateway.Server
	server := &http.Server{
		Addr:           serverCfg.Address,
		Handler:        gw.Handler(),
		ReadTimeout:    serverCfg.ReadTimeout.Std(),
		WriteTimeout:   serverCfg.WriteTimeout.Std(),
		IdleTimeout:    serverCfg.IdleTimeout.Std(),
		MaxHeaderBytes: serverCfg.MaxHeaderBytes,
	}

	var admin *http.Server
	if cfg.Gateway.Admin.Enabled {
		admin = &http.Server{
			Addr:    cfg.Gateway.Admin.Address,
			Handler: gw.AdminHandler(),
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		logging.Info("gateway listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	if admin != nil {
		grp.Go(func() error {
			logging.Info("admin listening", zap.String("address", admin.Addr))
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	grp.Go(func() error {
		<-ctx.Done()
		logging.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownGrace.Std())
		defer cancel()

		if admin != nil {
			if err := admin.Shutdown(shutdownCtx); err != nil {
				logging.Error("admin shutdown error", zap.Error(err))
			}
		}
		err := server.Shutdown(shutdownCtx)

		watcher.Stop()
		gw.Stop()
		return err
	})

	if err := grp.Wait(); err != nil {
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("shutdown complete")
}
