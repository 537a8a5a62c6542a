package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/broadcast"
	"github.com/t77yq/fleet-gate/internal/client"
	"github.com/t77yq/fleet-gate/internal/config"
	"github.com/t77yq/fleet-gate/internal/fleet"
	"github.com/t77yq/fleet-gate/internal/model"
	"github.com/t77yq/fleet-gate/internal/monitor"
	"github.com/t77yq/fleet-gate/internal/poller"
	"github.com/t77yq/fleet-gate/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Connect to NATS
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(10 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	urls := strings.Join(cfg.NATS.URLs, ",")
	for i := 0; i < cfg.NATS.ConnectRetries; i++ {
		nc, err = nats.Connect(urls, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if nc == nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fleet view and fan-out
	store := fleet.NewStore(logger)
	store.Register(cfg.Targets()...)

	broadcaster := broadcast.NewBroadcaster(logger)
	broadcaster.Attach(broadcast.NewNATSObserver(nc, cfg.NATS.StateSubject, logger))

	fleetPoller := poller.NewPoller(cfg.Poller, store, poller.NewHTTPProber(&http.Client{}, logger), broadcaster, logger)
	verifier := poller.NewVerifier(store, fleetPoller, broadcaster, cfg.Verify.Delay, logger)

	var listeners []service.CircuitListener
	if cfg.Alerts.Enabled {
		alerts := monitor.NewAlertManager(logger, js)
		if err := alerts.Start(ctx); err != nil {
			logger.Fatal("Failed to start alert manager", zap.Error(err))
		}
		listeners = append(listeners, alerts)
	}

	// The call client reports activity and circuit changes to the service,
	// which in turn resizes and resets the client's endpoints.
	var svc *service.FleetService
	callClient, err := client.NewClient(cfg.Client, cfg.Endpoints(), logger,
		client.WithActivityHandler(func(ev model.ActivityEvent) {
			svc.OnPipelineActivity(ev)
		}),
		client.WithCircuitHandler(func(change client.CircuitChange) {
			svc.HandleCircuitChange(change)
		}),
	)
	if err != nil {
		logger.Fatal("Failed to create call client", zap.Error(err))
	}
	svc = service.NewFleetService(store, fleetPoller, verifier, callClient, broadcaster, logger, listeners...)

	api := service.NewNATSAPI(nc, svc, callClient, cfg.NATS.RequestTimeout, logger)
	if err := api.Start(ctx); err != nil {
		logger.Fatal("Failed to start NATS API", zap.Error(err))
	}

	if err := fleetPoller.Start(ctx); err != nil {
		logger.Fatal("Failed to start poller", zap.Error(err))
	}

	schedule, err := poller.NewVerifySchedule(cfg.Verify.Schedule, svc.VerifyFleet, cfg.Verify.Timeout, logger)
	if err != nil {
		logger.Fatal("Failed to create verify schedule", zap.Error(err))
	}
	if err := schedule.Start(ctx); err != nil {
		logger.Fatal("Failed to start verify schedule", zap.Error(err))
	}

	var metrics *monitor.MetricsCollector
	if cfg.Metrics.Enabled {
		metrics = monitor.NewMetricsCollector(js, store, callClient, cfg.Metrics.Interval, logger)
		if err := metrics.Start(ctx); err != nil {
			logger.Fatal("Failed to start metrics collector", zap.Error(err))
		}
	}

	logger.Info("Fleet gate started",
		zap.Int("backends", len(cfg.Backends)),
		zap.Strings("endpoints", callClient.Endpoints()))

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	<-ctx.Done()

	// Graceful shutdown
	schedule.Stop()
	fleetPoller.Stop()
	if metrics != nil {
		metrics.Stop()
	}
	api.Stop()

	if err := nc.Drain(); err != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
}
