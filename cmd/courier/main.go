// Courier - message bundling and framing node.
//
// Courier packs application messages into MTU-sized packets, delivers
// them over TCP and UDP channels with bounded retries, and exposes its
// traffic counters through a REST API, MQTT telemetry and a SQLite
// history.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/courier-project/courier/internal/api"
	"github.com/courier-project/courier/internal/cli"
	"github.com/courier-project/courier/internal/config"
	"github.com/courier-project/courier/internal/db"
	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/health"
	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/scheduler"
	"github.com/courier-project/courier/internal/telemetry"
	"github.com/courier-project/courier/internal/util"
)

const (
	AppName = "Courier"
	Banner  = `
   ____                 _
  / ___|___  _   _ _ __(_) ___ _ __
 | |   / _ \| | | | '__| |/ _ \ '__|
 | |__| (_) | |_| | |  | |  __/ |
  \____\___/ \__,_|_|  |_|\___|_|   v%s
 Message bundling & framing node
`
	// shutdownTimeout bounds the wait for tasks after cancellation.
	shutdownTimeout = 30 * time.Second
)

func main() {
	fmt.Printf(Banner, api.Version)
	fmt.Println()

	// Defaults first, reconfigured after the config is loaded.
	logCloser, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", api.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Courier")

	configDir := config.DefaultConfigDir
	if dir := os.Getenv("COURIER_CONFIG_DIR"); dir != "" {
		configDir = dir
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	closer, err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		MaxAgeDays: logging.MaxAgeDays,
		Console:    true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else {
		logCloser.Close()
		logCloser = closer
	}
	defer logCloser.Close()

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Str("config", cfg.Path()).Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("Courier stopped with error")
		logCloser.Close()
		os.Exit(1)
	}
	log.Info().Msg("Courier stopped")
}

// run wires the node together and blocks until a signal, a CLI quit or a
// critical task failure.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("message registry: %w", err)
	}

	eventBus := events.NewEventBus()
	defer eventBus.Stop()

	stats := network.NewStats()
	iface := network.NewNetworkInterface(cfg.Network(stats))
	iface.SetTransmitHook(network.EventHook(ctx, eventBus))
	channels := network.NewChannelRegistry()
	defer channels.CloseAll()

	var store *db.StatsStore
	if path := cfg.GetDatabase().Path; path != "" {
		store, err = db.NewStatsStore(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to open stats history, persistence disabled")
			store = nil
		} else {
			defer store.Close()
		}
	}

	node := cfg.GetNode()
	timers := cfg.GetTimers()

	tcpListener := network.NewTCPListener(cfg.Listener(node.TCPAddr), iface, channels, messages, eventBus)
	udpListener := network.NewUDPListener(cfg.Listener(node.UDPAddr), iface, channels, messages, eventBus)
	connector := network.NewConnector(iface, channels, messages, eventBus,
		node.SendBufferSize, time.Duration(timers.PeerRetryInterval)*time.Second)

	var history api.HistoryStore
	var snapshots scheduler.SnapshotStore
	var reader cli.SnapshotReader
	if store != nil {
		history, snapshots, reader = store, store, store
	}

	apiServer := api.NewServer(cfg, eventBus, iface, channels, messages, history)
	sched := scheduler.NewScheduler(cfg, stats, channels, snapshots, eventBus)
	healthMgr := health.NewManager(cfg, iface, channels, eventBus)
	apiServer.SetHealth(healthMgr)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	cliHandler := cli.NewCLI(cfg, eventBus, iface, channels, messages, os.Stdin, os.Stdout)
	cliHandler.SetDependencies(connector, reader)

	eventBus.Subscribe(events.EventShutdown, "main", func(_ context.Context, e events.Event) error {
		log.Info().Str("source", e.Source).Msg("shutdown requested")
		cancel()
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)

	// Listeners are critical: their failure stops the node.
	if node.TCPAddr != "" {
		g.Go(func() error {
			log.Info().Str("addr", node.TCPAddr).Msg("starting TCP listener")
			if err := startWithRetry(gctx, "TCP listener", tcpListener.Start, 15); err != nil {
				return fmt.Errorf("tcp listener: %w", err)
			}
			return nil
		})
	}
	if node.UDPAddr != "" {
		g.Go(func() error {
			log.Info().Str("addr", node.UDPAddr).Msg("starting UDP listener")
			if err := startWithRetry(gctx, "UDP listener", udpListener.Start, 15); err != nil {
				return fmt.Errorf("udp listener: %w", err)
			}
			return nil
		})
	}

	if len(node.Peers) > 0 {
		g.Go(func() error {
			log.Info().Strs("peers", node.Peers).Msg("starting peer connector")
			if err := connector.Run(gctx, node.Peers); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("peer connector stopped (non-fatal)")
			}
			return nil
		})
	}

	if cfg.GetAPI().Enabled {
		g.Go(func() error {
			log.Info().Int("port", cfg.GetAPI().Port).Msg("starting REST API server")
			if err := startWithRetry(gctx, "API server", apiServer.Start, 15); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
			return nil
		})
	}

	if mqttHandler != nil {
		g.Go(func() error {
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info().Msg("starting task scheduler")
		sched.Start(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info().Msg("starting health check manager")
		healthMgr.Start(gctx)
		return nil
	})

	// The CLI blocks on stdin, so it stays outside the group.
	go func() {
		log.Info().Msg("starting interactive CLI")
		cliHandler.Start(gctx)
	}()

	<-gctx.Done()
	log.Info().Msg("initiating graceful shutdown...")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(shutdownTimeout):
		log.Warn().Dur("timeout", shutdownTimeout).Msg("shutdown timed out, forcing exit")
	}
	return nil
}

// startWithRetry starts a listener or server, retrying bind errors every
// 3 seconds. It returns nil on a clean stop or the last error once all
// retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
