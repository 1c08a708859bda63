package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dj-oyu/ipcam-stream/internal/api"
	"github.com/dj-oyu/ipcam-stream/internal/config"
	"github.com/dj-oyu/ipcam-stream/internal/logger"
	"github.com/dj-oyu/ipcam-stream/internal/metrics"
	"github.com/dj-oyu/ipcam-stream/internal/service"
	"github.com/dj-oyu/ipcam-stream/internal/source"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "IP camera stream starting...")
	logger.Info("Main", "Log level: %s", level)
	logger.Info("Main", "  Source: %s", cfg.Source)
	logger.Info("Main", "  Stream port: %d", cfg.StreamPort)
	logger.Info("Main", "  Control API: %s", cfg.ControlAddr)
	logger.Info("Main", "  Idle timeout: %v", cfg.IdleTimeout)

	src, err := source.New(cfg.SourceOptions())
	if err != nil {
		log.Fatalf("Failed to create frame source: %v", err)
	}

	svc := service.New(cfg, src, service.Options{Metrics: metrics.New()})

	if cfg.AutoStart {
		if err := svc.StartServer(cfg.StreamPort); err != nil {
			log.Fatalf("Failed to start stream server: %v", err)
		}
	}

	var httpServer *http.Server
	if cfg.ControlAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		httpServer = &http.Server{
			Addr:              cfg.ControlAddr,
			Handler:           api.NewServer(svc, cfg.StreamPort).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Main", "Control API listening on %s", cfg.ControlAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "Control API error: %v", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("Main", "Control API shutdown: %v", err)
		}
		cancel()
	}
	svc.Close()

	logger.Info("Main", "Stopped")
}
