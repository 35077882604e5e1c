package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"tlpbroker/config"
	"tlpbroker/dispute"
	"tlpbroker/engine"
	"tlpbroker/guard"
	"tlpbroker/observability/logging"
	telemetry "tlpbroker/observability/otel"
	"tlpbroker/registry"
	"tlpbroker/server"
	"tlpbroker/storage"
)

const envVar = "TLPBROKER_ENV"

func main() {
	configFile := flag.String("config", "./tlpbroker.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger := logging.Setup("tlpbrokerd", env, logging.ParseLevel(cfg.LogLevel))
	logger.Info("configuration loaded",
		slog.String("path", *configFile),
		slog.String("listen", cfg.ListenAddress),
		logging.MaskField("network_secret", cfg.NetworkSecret))

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpInsecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			otlpInsecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "tlpbrokerd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    otlpInsecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	store, err := storage.Open(cfg.StorePath)
	if err != nil {
		logger.Error("failed to open store",
			slog.String("path", cfg.StorePath),
			slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	policy := registry.ReplaceSilently
	if cfg.ReplacePolicy == "close" {
		policy = registry.ReplaceClosePrevious
	}
	reg := registry.New(policy)

	g := guard.New(guard.Config{
		Window:      cfg.RateWindow(),
		Threshold:   cfg.RateThreshold,
		BanDuration: cfg.BanDuration(),
	})

	eng := engine.New(engine.Config{
		DeliveryDeadline:  cfg.DeliveryDeadline(),
		ComplaintDeadline: cfg.ComplaintDeadline(),
	}, store, reg, logger)

	disputes := dispute.New(store, logger)

	srv := server.New(server.Config{
		ListenAddress:     cfg.ListenAddress,
		MetricsAddress:    cfg.MetricsAddress,
		NetworkSecret:     cfg.NetworkSecret,
		HandshakeToken:    cfg.HandshakeToken,
		HandshakeTimeout:  cfg.HandshakeTimeout(),
		MessagesPerSecond: cfg.MessagesPerSecond,
		ReplacePolicy:     policy,
	}, store, reg, g, eng, disputes, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go eng.RunSweep(ctx, cfg.SweepInterval(), srv.Dispatch)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
