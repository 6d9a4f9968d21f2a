package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alexos-labs/watchtower-agent/internal/audit"
	"github.com/alexos-labs/watchtower-agent/internal/clock"
	"github.com/alexos-labs/watchtower-agent/internal/config"
	"github.com/alexos-labs/watchtower-agent/internal/engine"
	"github.com/alexos-labs/watchtower-agent/internal/events"
	"github.com/alexos-labs/watchtower-agent/internal/fleet"
	"github.com/alexos-labs/watchtower-agent/internal/logging"
	"github.com/alexos-labs/watchtower-agent/internal/metrics"
	"github.com/alexos-labs/watchtower-agent/internal/monitor"
	"github.com/alexos-labs/watchtower-agent/internal/notify"
	"github.com/alexos-labs/watchtower-agent/internal/runtime"
	"github.com/alexos-labs/watchtower-agent/internal/web"
)

var version = "dev"

// Exit codes: 0 clean shutdown, 1 configuration error, 2 runtime
// initialization failure (daemon unreachable, port already bound),
// 3 internal failure.
const (
	exitOK       = 0
	exitConfig   = 1
	exitRuntime  = 2
	exitInternal = 3
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s", r, debug.Stack())
			code = exitInternal
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	adapter, err := runtime.New(cfg.RuntimeEndpoint)
	if err != nil {
		log.Error("cannot create runtime client", "endpoint", cfg.RuntimeEndpoint, "error", err)
		return exitRuntime
	}
	defer adapter.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = adapter.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Error("container daemon unreachable", "endpoint", cfg.RuntimeEndpoint, "error", err)
		return exitRuntime
	}

	clk := clock.Real{}
	bus := events.New(cfg.EventBufferSize, clk)
	registry := fleet.NewRegistry(bus, log, clk)

	eng, err := engine.New(adapter, registry, bus, cfg, log, clk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	mon := monitor.New(adapter, registry, bus, cfg, log, clk)

	// Optional collaborators.
	if cfg.AuditDBPath != "" {
		sink, err := audit.Open(cfg.AuditDBPath, log)
		if err != nil {
			log.Error("cannot open audit db", "path", cfg.AuditDBPath, "error", err)
			return exitConfig
		}
		defer sink.Close()
		go sink.Run(ctx, bus)
		log.Info("audit sink enabled", "path", cfg.AuditDBPath)
	}

	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		topic := cfg.MQTTTopic
		if topic == "" {
			topic = "watchtower/events"
		}
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, topic))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", topic)
	}
	notifier := notify.NewMulti(log, notifiers...)
	go notifier.Forward(ctx, bus)

	if cfg.MetricsTextfile != "" {
		go textfileLoop(ctx, clk, cfg.MetricsTextfile, log)
	}

	srv := web.NewServer(web.Dependencies{
		Registry: registry,
		Engine:   eng,
		History:  eng.History(),
		Monitor:  mon,
		Runtime:  adapter,
		Config:   cfg,
		Bus:      bus,
		Log:      log,
		Clock:    clk,
		Version:  version,
	})
	srvErr := make(chan error, 1)
	go func() {
		addr := net.JoinHostPort("", cfg.Port)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			srvErr <- err
			cancel()
		}
	}()

	bus.Emit(events.AgentStarted, "", events.StartedPayload{Version: version})
	log.Info("watchtower agent started", "version", version,
		"check_interval", cfg.CheckInterval(), "update_interval", cfg.UpdateInterval(),
		"auto_update", cfg.AutoUpdate())

	go mon.Run(ctx)
	eng.Run(ctx)

	// Shutdown: stop accepting API work, flush the stop event, then let
	// deferred closes run.
	bus.Emit(events.AgentStopped, "", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	select {
	case <-srvErr:
		// The listener failed (e.g. port already bound); the shutdown
		// above was triggered by that failure, not by a signal.
		return exitRuntime
	default:
	}
	log.Info("watchtower agent shutdown complete")
	return exitOK
}

// textfileLoop rewrites the node_exporter textfile once a minute.
func textfileLoop(ctx context.Context, clk clock.Clock, path string, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(time.Minute):
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("metrics textfile write failed", "path", path, "error", err)
			}
		}
	}
}
