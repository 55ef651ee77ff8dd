package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tutortoise/yolox-detection-service/config"
	"github.com/Tutortoise/yolox-detection-service/engine/onnx"
	"github.com/Tutortoise/yolox-detection-service/inference"
	"github.com/Tutortoise/yolox-detection-service/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("Detector stopped with error", "error", err)
		log.Sync()
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(cfg *config.Config, log *logger.Logger) error {
	if err := onnx.Initialize(cfg.Engine.SharedLibraryPath); err != nil {
		return err
	}
	defer func() {
		if err := onnx.Shutdown(); err != nil {
			log.Warn("Failed to destroy onnxruntime environment", "error", err)
		}
	}()

	eng := onnx.New(onnx.Config{IntraOpThreads: cfg.Engine.IntraOpThreads}, log)
	pipeline := inference.NewPipeline(eng, log)
	if err := pipeline.Initialize(cfg.Engine.ModelName, cfg.Detector); err != nil {
		return err
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			log.Warn("Failed to close pipeline", "error", err)
		}
	}()

	state := &AppState{Detector: pipeline, Log: log.Named("http")}
	srv := &http.Server{
		Handler:      newRouter(state),
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
