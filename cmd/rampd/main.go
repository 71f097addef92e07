package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"rampd/alerts"
	"rampd/config"
	"rampd/fiatprov"
	"rampd/netclient"
	"rampd/observability"
	"rampd/observability/logging"
	telemetry "rampd/observability/otel"
	"rampd/ramp"
	"rampd/ramp/phases"
	"rampd/server"
	"rampd/signer"
	"rampd/store"
	"rampd/worker"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to rampd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RAMPD_ENV"))
	logger := logging.Setup("rampd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "rampd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     otlpEndpoint != "",
		Traces:      otlpEndpoint != "",
	})
	if err != nil {
		log.Fatalf("rampd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("rampd: load config: %v", err)
	}

	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("rampd: open storage: %v", err)
	}
	defer db.Close()

	metrics := observability.Ramp()

	var signerClient *signer.Client
	if url := strings.TrimSpace(cfg.Treasury.SignerURL); url != "" {
		signerClient = signer.NewClient(url)
	} else {
		logger.Warn("treasury signer not configured, funding and subsidy phases will fail")
	}

	networks := netclient.NewManager(
		netclient.WithManagerLogger(logger),
		netclient.WithManagerMetrics(metrics),
	)
	networks.RegisterNetwork(netclient.NetworkStellar, func(ctx context.Context) (netclient.Connection, error) {
		return netclient.DialHorizon(netclient.NetworkStellar, cfg.Networks.Stellar.Endpoint)
	})
	networks.RegisterNetwork(netclient.NetworkPendulum, func(ctx context.Context) (netclient.Connection, error) {
		var opts []netclient.SubstrateOption
		if signerClient != nil {
			opts = append(opts, netclient.WithBalanceFunc(func(ctx context.Context, account string) (*big.Int, error) {
				return signerClient.AccountBalance(ctx, netclient.NetworkPendulum, account)
			}))
		}
		return netclient.DialSubstrate(netclient.NetworkPendulum, cfg.Networks.Pendulum.Endpoint, opts...)
	})
	networks.RegisterNetwork(netclient.NetworkMoonbeam, func(ctx context.Context) (netclient.Connection, error) {
		return netclient.DialEVM(ctx, netclient.NetworkMoonbeam, cfg.Networks.Moonbeam.Endpoint)
	})

	provider := fiatprov.NewHTTPProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey)
	notifier := alerts.NewWebhookNotifier(cfg.Alerts.WebhookURL, alerts.WithWebhookLogger(logger))
	cooldown := alerts.NewCooldown(alerts.WithCooldownWindow(cfg.Alerts.Cooldown.Duration))

	treasury := phases.Treasury{
		PendulumAddress: cfg.Treasury.PendulumAddress,
		StellarAddress:  cfg.Treasury.StellarAddress,
		MoonbeamAddress: cfg.Treasury.MoonbeamAddress,
	}
	deps := &phases.Deps{
		Networks: networks,
		Provider: provider,
		Treasury: treasury,
		Logger:   logger,
	}
	if signerClient != nil {
		deps.BuildTransfer = signerClient.BuildTransfer
	}

	registry := ramp.NewRegistry()
	for _, handler := range phases.All(deps) {
		registry.Register(handler)
	}
	if err := registry.CheckComplete(ramp.Pipeline()...); err != nil {
		log.Fatalf("rampd: phase registry: %v", err)
	}

	processor := ramp.NewProcessor(registry, db,
		ramp.WithMaxRetries(cfg.Processor.MaxRetries),
		ramp.WithLogger(logger),
		ramp.WithMetrics(metrics),
	)
	engine := ramp.NewEngine(db, processor, ramp.WithEngineLogger(logger))

	recovery := worker.NewRecovery(db, processor,
		cfg.Workers.Recovery.Interval.Duration,
		cfg.Workers.Recovery.Staleness.Duration,
		worker.WithRecoveryLogger(logger),
		worker.WithRecoveryMetrics(metrics),
	)

	postDeps := &worker.PostDeps{
		Networks: networks,
		Provider: provider,
		Treasury: treasury,
		Logger:   logger,
	}
	cleanupOpts := []worker.CleanupOption{
		worker.WithCleanupLogger(logger),
		worker.WithCleanupMetrics(metrics),
	}
	if floor, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Treasury.LowBalanceFloor), 10); ok && floor.Sign() > 0 {
		cleanupOpts = append(cleanupOpts, worker.WithTreasuryWatch(worker.TreasuryWatch{
			Network:  netclient.NetworkPendulum,
			Account:  cfg.Treasury.PendulumAddress,
			Floor:    floor,
			Networks: networks,
		}, notifier, cooldown))
	}
	cleanup := worker.NewCleanup(db, worker.DefaultPostProcessors(postDeps),
		cfg.Workers.Cleanup.Interval.Duration, cleanupOpts...)

	unhandled := worker.NewUnhandled(db, provider, notifier, cooldown,
		cfg.Workers.Unhandled.Interval.Duration,
		cfg.Workers.Unhandled.GracePeriod.Duration,
		cfg.Workers.Unhandled.MaxAge.Duration,
		worker.WithUnhandledLogger(logger),
		worker.WithUnhandledMetrics(metrics),
	)

	admin := server.New(db, engine, registry,
		server.WithLogger(logger),
		server.WithBearerToken(cfg.Admin.BearerToken),
		server.WithRateLimit(cfg.Admin.RequestsPerMinute),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go recovery.Run(rootCtx)
	go cleanup.Run(rootCtx)
	go unhandled.Run(rootCtx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           admin.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("rampd listening", slog.String("address", cfg.ListenAddress))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("rampd: http server error: %v", err)
		os.Exit(1)
	}
}
