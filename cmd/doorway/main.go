package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/zsiec/doorway/internal/config"
	"github.com/zsiec/doorway/internal/device"
	"github.com/zsiec/doorway/internal/doorbell"
	"github.com/zsiec/doorway/internal/health"
	"github.com/zsiec/doorway/internal/hub"
	"github.com/zsiec/doorway/internal/logger"
	"github.com/zsiec/doorway/internal/registry"
	"github.com/zsiec/doorway/internal/server"
	"github.com/zsiec/doorway/internal/snapshot"
	"github.com/zsiec/doorway/internal/transcoder"
	"github.com/zsiec/doorway/pkg/version"
)

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "configs/doorway.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	root, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Service(root)

	log.WithField("accessories", len(cfg.Accessories)).Info("Starting Doorway")
	log.WithField("config_path", configPath).Debug("Configuration loaded")

	healthMgr := health.NewManager(log)
	healthMgr.Register(health.NewTranscoderChecker(cfg.Transcoder.Path, cfg.Transcoder.RequiredEncoders))

	reg, redisClient := openRegistry(cfg, log)
	if redisClient != nil {
		healthMgr.RegisterOptional(health.NewRedisChecker(redisClient))
	}
	recorder := registry.NewRecorder(reg, log)

	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg.Metrics, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := device.NewFileClient(cfg.Device.ImageDir, cfg.Device.IdleImage)
	fallback := snapshot.NewFallback(client, cfg.Snapshot.FetchTimeout, log)
	fallback.Prefetch()

	runner := transcoder.NewExecRunner(cfg.Transcoder.Path, log)

	var (
		accessories []*doorbell.Accessory
		served      []server.Accessory
	)
	for _, ac := range cfg.Accessories {
		// The hub side is not wired to a bridge here; forced stops are logged.
		hubLog := logger.WithAccessory(logger.WithComponent(log, "hub"), ac.Name)
		forceStop := hub.ControllerFunc(func(sessionID string) {
			hubLog.WithField("session_id", sessionID).Warn("Session force-stopped")
		})

		a := doorbell.New(doorbell.Options{
			Config:     ac,
			Stream:     cfg.Stream,
			Snapshot:   cfg.Snapshot,
			Transcoder: cfg.Transcoder,
			Device:     client,
			Fallback:   fallback,
			Hub:        forceStop,
			Runner:     runner,
			Recorder:   recorder,
			Logger:     log,
		})
		accessories = append(accessories, a)
		served = append(served, a)
		log.WithField("accessory", ac.Name).Info("Accessory ready")
	}

	srv := server.New(&cfg.Server, log, healthMgr, reg, served)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Error("Server error")
	}

	for _, a := range accessories {
		a.Close()
	}
	recorder.Wait()

	if err := reg.Close(); err != nil {
		log.WithError(err).Error("Failed to close session registry")
	}

	log.Info("Doorway shutdown complete")
}

// openRegistry connects to redis when enabled and falls back to the
// in-memory registry when redis is disabled or unreachable.
func openRegistry(cfg *config.Config, log logger.Logger) (registry.Registry, redis.UniversalClient) {
	if !cfg.Redis.Enabled {
		return registry.NewMemoryRegistry(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addresses[0],
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Redis unreachable, using in-memory session registry")
		_ = client.Close()
		return registry.NewMemoryRegistry(), nil
	}

	log.Info("Connected to Redis successfully")
	return registry.NewRedisRegistry(client, log, cfg.Redis.SessionTTL), client
}

func startMetricsServer(cfg config.MetricsConfig, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.WithField("addr", addr).Info("Starting metrics server")

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("Metrics server error")
	}
}
