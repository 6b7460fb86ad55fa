// Command chronoq-server is the ChronoQ timer server process.
// It wires configuration, identity, the timer engine, and the transports.
//
// Usage:
//
//	chronoq-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/snehjoshi/chronoq/internal/config"
	"github.com/snehjoshi/chronoq/internal/consumer"
	"github.com/snehjoshi/chronoq/internal/dispatcher"
	"github.com/snehjoshi/chronoq/internal/history"
	"github.com/snehjoshi/chronoq/internal/identity"
	"github.com/snehjoshi/chronoq/internal/metrics"
	"github.com/snehjoshi/chronoq/internal/topic"
	transphttp "github.com/snehjoshi/chronoq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chronoq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Configure structured logging ──────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Resolve node identity ─────────────────────────────────────────────
	if err := os.MkdirAll(cfg.Node.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	nodeID, err := identity.NodeID(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node identity: %w", err)
	}

	slog.Info("chronoq starting",
		"node_id", nodeID,
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", cfg.Node.DataDir,
		"tick_ms", cfg.Engine.TickMs,
	)

	// ── 4. Initialise topic registry ─────────────────────────────────────────
	topics, err := topic.New(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("init topic registry: %w", err)
	}

	// ── 5. Create metrics registry ───────────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 6. Open fired-timer history ──────────────────────────────────────────
	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(filepath.Join(cfg.Node.DataDir, "history.db"), cfg.History.MaxRecords)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer hist.Close()
	}

	// ── 7. Initialise and start the timer dispatcher ─────────────────────────
	maxAhead, err := cfg.ScheduleAhead()
	if err != nil {
		return fmt.Errorf("parse max_schedule_ahead: %w", err)
	}
	dispOpts := []dispatcher.Option{
		dispatcher.WithMetrics(metricsReg),
		dispatcher.WithTickDuration(cfg.Tick()),
		dispatcher.WithMaxScheduleAhead(maxAhead),
		dispatcher.WithSubscriberBuffer(cfg.Engine.SubscriberBuffer),
	}
	if hist != nil {
		dispOpts = append(dispOpts, dispatcher.WithRecorder(hist))
	}
	disp := dispatcher.New(dispOpts...)

	runCtx, stopDispatcher := context.WithCancel(context.Background())
	dispDone := make(chan struct{})
	go func() {
		disp.Run(runCtx)
		close(dispDone)
	}()

	// ── 8. Initialise webhook consumer manager ───────────────────────────────
	retryDelays := make([]time.Duration, len(cfg.Webhook.RetryDelaysMs))
	for i, ms := range cfg.Webhook.RetryDelaysMs {
		retryDelays[i] = time.Duration(ms) * time.Millisecond
	}
	cm := consumer.NewManager(disp, consumer.Config{
		RetryDelays: retryDelays,
		Timeout:     time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond,
	}, metricsReg)

	// ── 9. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(transphttp.Deps{
		Dispatcher: disp,
		Consumer:   cm,
		Topics:     topics,
		History:    hist,
		Metrics:    metricsReg,
		NodeID:     nodeID,
	}, cfg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	// Serve from a goroutine; the main goroutine waits on signals.
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("chronoq ready", "node_id", nodeID, "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 10. Start dedicated Prometheus metrics listener ──────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 11. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		stopDispatcher()
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Allow up to 5 seconds for in-flight requests to drain.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cm.Close()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}

	stopDispatcher()
	<-dispDone
	disp.Close()

	slog.Info("chronoq stopped")
	return nil
}
