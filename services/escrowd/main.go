package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowchain/internal/passphrase"
	"escrowchain/config"
	"escrowchain/native/common"
	"escrowchain/native/escrow"
	"escrowchain/observability/logging"
	"escrowchain/observability/metrics"
	telemetry "escrowchain/observability/otel"
	"escrowchain/storage"
)

const (
	shutdownTimeout = 10 * time.Second
	gaugeInterval   = 15 * time.Second
	executorQueue   = 256
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./escrowd.toml", "path to escrowd configuration")
	flag.Parse()

	passSource := passphrase.NewSource("ESCROWD_KEYSTORE_PASSPHRASE", "operator")
	pass, err := passSource.Get()
	if err != nil {
		return fmt.Errorf("resolve keystore passphrase: %w", err)
	}
	cfg, err := config.Load(cfgPath, config.WithKeystorePassphrase(pass))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var extra []io.Writer
	if file := strings.TrimSpace(cfg.Logging.File); file != "" {
		rotating := logging.RotatingFile(file, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
		defer rotating.Close()
		extra = append(extra, rotating)
	}
	logger := logging.Setup("escrowd", cfg.Logging.Env, extra...)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:  cfg.Observability.ServiceName,
		Version:      version,
		Environment:  cfg.Logging.Env,
		StateBackend: "leveldb",
		Endpoint:     cfg.Observability.OTLPEndpoint,
		Insecure:     cfg.Observability.OTLPInsecure,
		Headers:      telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:      cfg.Observability.Metrics,
		Traces:       cfg.Observability.Tracing,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := storage.NewLevelDB(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	audit, err := OpenAuditStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		db.Close()
		return err
	}
	defer func() { _ = audit.Close() }()

	journal := journalSink{store: audit, onFail: func(err error) {
		logger.Error("journal append failed", "error", err)
	}}
	pauses := common.NewPauses(cfg.Pauses.Modules())
	node := NewNode(db, pauses, journal, metricsSink{})
	defer func() { _ = node.Close() }()

	if path := strings.TrimSpace(cfg.GenesisFile); path != "" {
		genesis, err := config.LoadGenesis(path)
		if err != nil {
			return fmt.Errorf("load genesis: %w", err)
		}
		if err := node.ApplyGenesis(genesis, logger); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec := NewExecutor(node.dispatcher, executorQueue)
	exec.Start(ctx)
	defer exec.Stop()

	go refreshGauges(ctx, exec, node, logger)

	proxies, err := cfg.Limits.ProxyNets()
	if err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	server := NewServer(ServerConfig{
		Node:         node,
		Executor:     exec,
		Audit:        audit,
		Quota:        common.NewQuotaTracker(cfg.Limits.Quota.Runtime(), time.Now),
		RateLimiter:  NewRateLimiter(cfg.Limits.RatePerSecond, cfg.Limits.Burst, proxies),
		Admin:        NewAdminAuth(cfg.Admin.Secret(), cfg.Admin.Issuer, cfg.Admin.Audience),
		MaxBodyBytes: cfg.Limits.MaxBodyBytes,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server.Handler(), "escrowd"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", "addr", cfg.ListenAddress, "admin", server.admin != nil)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down escrowd")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// refreshGauges keeps the per-state gauge and the stream drop counter current.
func refreshGauges(ctx context.Context, exec *Executor, node *Node, logger *slog.Logger) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	var reported uint64
	for {
		err := exec.Read(ctx, func(*escrow.Engine) error { return node.RefreshStateGauge() })
		if err != nil && ctx.Err() == nil {
			logger.Warn("refresh state gauge failed", "error", err)
		}
		if dropped := node.bus.Dropped(); dropped > reported {
			metrics.Escrow().RecordDropped(dropped - reported)
			reported = dropped
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
