// Command controller runs the BigBlueButton live-stream session controller.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"bbb-stream-controller/internal/api"
	"bbb-stream-controller/internal/bbb"
	"bbb-stream-controller/internal/checksum"
	"bbb-stream-controller/internal/config"
	"bbb-stream-controller/internal/events"
	"bbb-stream-controller/internal/observability/logging"
	"bbb-stream-controller/internal/observability/metrics"
	"bbb-stream-controller/internal/peers"
	"bbb-stream-controller/internal/rpc"
	"bbb-stream-controller/internal/saga"
	"bbb-stream-controller/internal/server"
	"bbb-stream-controller/internal/storage"
)

type options struct {
	configPath string
	listenAddr string
	logLevel   string
	logFormat  string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("controller", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	fs.StringVar(&opts.listenAddr, "listen-addr", "", "HTTP listen address (overrides listen_addr)")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format (json or text)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, opts)

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("controller stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("controller stopped")
}

func applyFlagOverrides(cfg *config.Config, opts options) {
	if addr := strings.TrimSpace(opts.listenAddr); addr != "" {
		cfg.ListenAddr = addr
	}
	if level := strings.TrimSpace(opts.logLevel); level != "" {
		cfg.Log.Level = level
	}
	if format := strings.TrimSpace(opts.logFormat); format != "" {
		cfg.Log.Format = format
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	app, err := buildApp(ctx, cfg, logger, metrics.Default())
	if err != nil {
		return err
	}
	defer app.close(context.WithoutCancel(ctx))

	stopPurger := startTombstonePurgeWorker(ctx, logging.WithComponent(logger, "tombstone-purger"), app.store, cfg.Storage.PurgeInterval, cfg.Storage.TombstoneTTL)
	defer stopPurger()

	logger.Info("controller listening", "addr", cfg.ListenAddr, "storage", cfg.Storage.Driver, "peers", len(cfg.Peers))
	return app.server.Run(ctx, cfg.ShutdownTimeout, nil)
}

type app struct {
	store  storage.SessionStore
	saga   *saga.Saga
	server *server.Server
}

func (a *app) close(ctx context.Context) {
	if a.store != nil {
		_ = a.store.Close(ctx)
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*app, error) {
	registry, err := peers.NewRegistry(cfg.PeerList())
	if err != nil {
		return nil, fmt.Errorf("build peer registry: %w", err)
	}

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	httpClient := rpc.NewHTTPClient(cfg.RPC.VerifyTLS)
	if !cfg.RPC.VerifyTLS {
		logger.Warn("peer TLS certificate verification is disabled")
	}
	caller := rpc.NewClient(rpc.Config{
		HTTPClient:    httpClient,
		Timeout:       cfg.RPC.Timeout,
		MaxAttempts:   cfg.RPC.MaxAttempts,
		RetryInterval: cfg.RPC.RetryInterval,
		Logger:        logging.WithComponent(logger, "rpc"),
		Metrics:       recorder,
	})
	meetings := bbb.NewClient(httpClient, cfg.RPC.Timeout, logging.WithComponent(logger, "bbb"), recorder)

	orchestrator, err := saga.New(saga.Config{
		Registry:       registry,
		Store:          store,
		Caller:         caller,
		Meetings:       meetings,
		Metrics:        recorder,
		Logger:         logger,
		IngestFrontend: cfg.IngestFrontend,
		ChatUser:       cfg.ChatUser,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("build saga: %w", err)
	}

	ingest, err := events.New(events.Config{
		Verifier: checksum.NewVerifier(cfg.Security.WebhookSecret, cfg.Security.ChecksumWindow),
		Saga:     orchestrator,
		Metrics:  recorder,
		Logger:   logger,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("build webhook ingest: %w", err)
	}

	handler := api.NewHandler(orchestrator, ingest, checksum.NewVerifier(cfg.Security.Secret, cfg.Security.ChecksumWindow), store)
	handler.Logger = logging.WithComponent(logger, "api")

	srv, err := server.New(handler, server.Config{
		Addr: cfg.ListenAddr,
		TLS:  server.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   cfg.RateLimit.GlobalRPS,
			GlobalBurst: cfg.RateLimit.GlobalBurst,
			JoinLimit:   cfg.RateLimit.JoinLimit,
			JoinWindow:  cfg.RateLimit.JoinWindow,
			Redis: server.RedisConfig{
				Addr:     cfg.RateLimit.Redis.Addr,
				Username: cfg.RateLimit.Redis.Username,
				Password: cfg.RateLimit.Redis.Password,
				Timeout:  cfg.RateLimit.Redis.Timeout,
				TLS: server.RedisTLSConfig{
					CAFile:             cfg.RateLimit.Redis.CAFile,
					CertFile:           cfg.RateLimit.Redis.CertFile,
					KeyFile:            cfg.RateLimit.Redis.KeyFile,
					ServerName:         cfg.RateLimit.Redis.ServerName,
					InsecureSkipVerify: cfg.RateLimit.Redis.InsecureSkipVerify,
				},
			},
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("build http server: %w", err)
	}

	return &app{store: store, saga: orchestrator, server: srv}, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.SessionStore, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Warn("using in-memory session store; sessions are lost on restart")
		return storage.NewMemoryStore(nil), nil
	case "postgres":
		store, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:             cfg.PostgresDSN,
			MaxConnections:  cfg.PostgresMaxConns,
			MinConnections:  cfg.PostgresMinConns,
			MaxConnLifetime: cfg.PostgresMaxConnLifetime,
			MaxConnIdleTime: cfg.PostgresMaxConnIdle,
			AcquireTimeout:  cfg.PostgresAcquireTimeout,
			ApplicationName: cfg.PostgresAppName,
		})
		if err != nil {
			return nil, err
		}
		if cfg.MigrateOnStart {
			if err := storage.Migrate(ctx, store.Pool(), 0, logging.WithComponent(logger, "migrations")); err != nil {
				_ = store.Close(ctx)
				return nil, err
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
