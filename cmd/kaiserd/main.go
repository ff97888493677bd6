// Package main is the entry point for the kaiser server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Auto-one-Family/kaiser-core/internal/breaker"
	"github.com/Auto-one-Family/kaiser-core/internal/buildinfo"
	"github.com/Auto-one-Family/kaiser-core/internal/clock"
	"github.com/Auto-one-Family/kaiser-core/internal/config"
	"github.com/Auto-one-Family/kaiser-core/internal/dispatch"
	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/handlers"
	"github.com/Auto-one-Family/kaiser-core/internal/health"
	"github.com/Auto-one-Family/kaiser-core/internal/httpapi"
	"github.com/Auto-one-Family/kaiser-core/internal/logic"
	"github.com/Auto-one-Family/kaiser-core/internal/metrics"
	"github.com/Auto-one-Family/kaiser-core/internal/mqttclient"
	"github.com/Auto-one-Family/kaiser-core/internal/processors"
	"github.com/Auto-one-Family/kaiser-core/internal/ratelimit"
	"github.com/Auto-one-Family/kaiser-core/internal/repo"
	"github.com/Auto-one-Family/kaiser-core/internal/scheduler"
	"github.com/Auto-one-Family/kaiser-core/internal/ws"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Setup logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Handle subcommands
	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	// Default: show help
	fmt.Println("kaiserd - greenhouse automation server")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the server")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, configPath string) *config.Config {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		if configPath != "" {
			logger.Error("config", "error", err)
			os.Exit(1)
		}
		logger.Warn("no config file found, using defaults", "broker", "tcp://localhost:1883")
		return config.Default()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "path", cfgPath)
	return cfg
}

func runServe(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)

	// Recreate the logger at the configured level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	logger.Info("starting", "build", buildinfo.String(), "kaiser_id", cfg.KaiserID)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("create data dir", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	brCfg := breaker.Config{
		FailureThreshold: uint32(cfg.Breakers.FailureThreshold),
		ResetTimeout:     time.Duration(cfg.Breakers.ResetTimeoutSec) * time.Second,
		HalfOpenProbes:   uint32(cfg.Breakers.HalfOpenProbes),
	}

	db, err := repo.Open(filepath.Join(cfg.DataDir, "kaiser.db"), logger, brCfg)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := processors.NewRegistry()
	if err := processors.RegisterBuiltins(registry); err != nil {
		logger.Error("register sensor processors", "error", err)
		os.Exit(1)
	}

	bus := events.New()
	clk := clock.Real()

	mqtt := mqttclient.New(mqttclient.Config{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientIDPrefix + "-" + uuid.NewString()[:8],
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		TLS: mqttclient.TLSConfig{
			Enabled:    cfg.MQTT.TLS.Enabled,
			CAFile:     cfg.MQTT.TLS.CAFile,
			CertFile:   cfg.MQTT.TLS.CertFile,
			KeyFile:    cfg.MQTT.TLS.KeyFile,
			SkipVerify: cfg.MQTT.TLS.AllowInsecure && cfg.MQTT.TLS.CAFile == "",
		},
		KeepAliveSec:       uint16(cfg.MQTT.KeepAliveSec),
		OfflineBufCapacity: cfg.MQTT.OfflineBufferSize,
		KaiserID:           cfg.KaiserID,
		Breaker:            brCfg,
	}, logger)

	engine := logic.New(db.Logic, db.Sensors, mqtt, bus, clk, logger, logic.Config{
		ActionTimeout: time.Duration(cfg.Logic.ActionTimeoutSec) * time.Second,
		RuleTimeout:   time.Duration(cfg.Logic.RuleTimeoutSec) * time.Second,
		ConflictTTL:   time.Duration(cfg.Logic.ConflictTTLSec) * time.Second,
		RateLimit: ratelimit.Config{
			GlobalPerSecond:    cfg.RateLimits.GlobalPerSec,
			PerDevicePerSecond: cfg.RateLimits.PerDevicePerSec,
		},
	})

	dispatcher := dispatch.New(dispatch.Config{
		Workers:    cfg.Subscriber.MaxWorkers,
		QueueDepth: cfg.Subscriber.QueueDepth,
	}, logger)
	handlers.RegisterAll(dispatcher, handlers.Deps{
		Codec:  mqtt.Codec(),
		DB:     db,
		Bus:    bus,
		Clock:  clk,
		Logger: logger,
	}, registry, mqtt, engine, engine)
	mqtt.SetHandler(func(topic string, payload []byte) {
		// Debug mirror of raw broker traffic for opted-in UI clients.
		bus.Publish(events.Event{
			Timestamp: clk.Now(),
			Source:    events.SourceMQTT,
			Kind:      events.KindMQTTMessage,
			Data:      map[string]any{"topic": topic, "payload": string(payload)},
		})
		dispatcher.Dispatch(topic, payload)
	})

	wsManager := ws.New(ws.Config{
		PerClientPerSec: cfg.Websocket.PerClientPerSec,
	}, clk, logger)

	sweeper := health.NewSweeper(db, bus, clk, logger, health.Thresholds{
		HeartbeatInterval: cfg.Health.HeartbeatInterval(),
		OfflineAfter:      cfg.Health.OfflineThreshold(),
	})

	sched := scheduler.New(logger)
	registerJobs(sched, cfg, mqtt, engine, sweeper, db, logger)

	httpServer := httpapi.New(
		fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		wsManager, sched, db, engine, logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := mqtt.Start(ctx); err != nil {
			logger.Error("mqtt client exited", "error", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		wsManager.Run(ctx, bus)
	}()
	go func() {
		defer wg.Done()
		if err := httpServer.Start(ctx); err != nil {
			logger.Error("http server exited", "error", err)
			stop()
		}
	}()
	sched.Start(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	sched.Stop()
	dispatcher.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mqtt.Stop(shutdownCtx); err != nil {
		logger.Warn("mqtt disconnect", "error", err)
	}
	wg.Wait()
	logger.Info("stopped")
}

// registerJobs wires the periodic work: timer-mode rule evaluation, the
// device and sensor liveness sweeps, the broker probe, and the opt-in
// retention cleanups. Retention jobs register disabled unless their
// configuration flag is explicitly set — the default build never
// deletes history.
func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, mqtt *mqttclient.Client, engine *logic.Engine, sweeper *health.Sweeper, db *repo.DB, logger *slog.Logger) {
	sched.Register(&scheduler.Job{
		Name:     "logic_timer",
		Interval: time.Duration(cfg.Logic.TimerIntervalSec) * time.Second,
		Enabled:  true,
		Run: func(ctx context.Context) error {
			engine.EvaluateTimer(ctx)
			engine.SweepConflicts()
			return nil
		},
	})
	sched.Register(&scheduler.Job{
		Name:     "device_timeout_sweep",
		Interval: cfg.Health.OfflineThreshold(),
		Enabled:  true,
		Run:      sweeper.Sweep,
	})
	sched.Register(&scheduler.Job{
		Name:     "stale_sensor_sweep",
		Interval: time.Duration(cfg.Health.StaleSensorSweepSec) * time.Second,
		Enabled:  true,
		Run:      sweeper.SweepStaleSensors,
	})
	sched.Register(&scheduler.Job{
		Name:     "broker_probe",
		Interval: 30 * time.Second,
		Enabled:  true,
		Run: func(ctx context.Context) error {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := mqtt.AwaitConnection(probeCtx); err != nil {
				metrics.MQTTConnected.Set(0)
				return err
			}
			metrics.MQTTConnected.Set(1)
			return nil
		},
	})
	sched.Register(&scheduler.Job{
		Name:     "retention_readings",
		Interval: 24 * time.Hour,
		Enabled:  cfg.Retention.PruneReadings,
		Run: func(ctx context.Context) error {
			cutoff := time.Now().AddDate(0, 0, -cfg.Retention.ReadingRetainDays)
			n, err := db.Sensors.PruneReadingsBefore(ctx, cutoff)
			if err == nil && n > 0 {
				logger.Info("pruned sensor readings", "rows", n, "cutoff", cutoff.Format(time.RFC3339))
			}
			return err
		},
	})
	sched.Register(&scheduler.Job{
		Name:     "retention_executions",
		Interval: 24 * time.Hour,
		Enabled:  cfg.Retention.PruneExecutions,
		Run: func(ctx context.Context) error {
			cutoff := time.Now().AddDate(0, 0, -cfg.Retention.HistoryRetainDays)
			n, err := db.Logic.PruneExecutionsBefore(ctx, cutoff)
			if err == nil && n > 0 {
				logger.Info("pruned rule executions", "rows", n, "cutoff", cutoff.Format(time.RFC3339))
			}
			return err
		},
	})
	sched.Register(&scheduler.Job{
		Name:     "retention_audit",
		Interval: 24 * time.Hour,
		Enabled:  cfg.Retention.PruneAudit,
		Run: func(ctx context.Context) error {
			cutoff := time.Now().AddDate(0, 0, -cfg.Retention.HistoryRetainDays)
			n, err := db.Audit.PruneBefore(ctx, cutoff)
			if err == nil && n > 0 {
				logger.Info("pruned audit log", "rows", n, "cutoff", cutoff.Format(time.RFC3339))
			}
			return err
		},
	})
}
