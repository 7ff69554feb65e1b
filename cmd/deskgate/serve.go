package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deskgate/deskgate/internal/config"
	"github.com/deskgate/deskgate/internal/logging"
	"github.com/deskgate/deskgate/pkg/audit"
	"github.com/deskgate/deskgate/pkg/auth"
	"github.com/deskgate/deskgate/pkg/metrics"
	"github.com/deskgate/deskgate/pkg/redirect"
	"github.com/deskgate/deskgate/pkg/server"
	"github.com/deskgate/deskgate/pkg/session"
)

func serveCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway until SIGINT or SIGTERM.

Examples:
  deskgate serve
  deskgate serve --config /etc/deskgate.toml
  DESKGATE_JWT_SECRET=... deskgate serve --addr :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides the config)")
	return cmd
}

// gateway is every long-lived component of a running gateway.
type gateway struct {
	logger    *zap.Logger
	registry  *prometheus.Registry
	collector *metrics.Collector

	redis    *redis.Client
	pool     *pgxpool.Pool
	sink     *audit.Async
	history  session.Store
	recorder *session.HistoryRecorder

	manager   *session.Manager
	devices   *redirect.DeviceRegistry
	transfers *redirect.TransferRegistry
	disk      *redirect.DiskCodec
	server    *server.Server

	cfg *config.Config
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	g, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer g.close()

	go g.sweep(ctx)

	logger.Info("deskgate starting",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("auth", cfg.Auth.Enabled),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("audit", cfg.Audit.Backend))
	err = g.server.ListenAndServe(ctx)
	logger.Info("deskgate stopping")
	return err
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (g *gateway, err error) {
	g = &gateway{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			g.close()
		}
	}()

	if cfg.Metrics.Enabled {
		g.registry = prometheus.NewRegistry()
		g.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		g.collector = metrics.New(metrics.WithRegistry(g.registry), metrics.WithNamespace(cfg.Metrics.Namespace))
	}

	if cfg.Redis.Addr != "" {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := g.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return g, err
		}
		g.history = session.NewRedisStore(g.redis, session.WithRedisPrefix(cfg.Redis.KeyPrefix))
	} else {
		g.history = session.NewMemoryStore()
	}

	var writer audit.Writer = audit.NewLogWriter(logger)
	if cfg.Audit.Backend == "postgres" {
		if g.pool, err = pgxpool.New(ctx, cfg.Audit.DatabaseURL); err != nil {
			return g, err
		}
		pg := audit.NewPostgresWriter(g.pool)
		if err = pg.EnsureSchema(ctx); err != nil {
			return g, err
		}
		writer = pg
	}
	asyncCfg := cfg.AuditAsync()
	asyncCfg.Logger = logger
	asyncCfg.OnDrop = func(audit.Event) { g.collector.AuditDropped() }
	g.sink = audit.NewAsync(writer, asyncCfg)

	g.manager = session.NewManager(cfg.Manager(),
		session.WithLogger(logger),
		session.WithMetrics(g.collector),
		session.WithAudit(g.sink))
	g.recorder = session.NewHistoryRecorder(g.history, cfg.Session.HistoryTTL, logger)
	g.recorder.Attach(g.manager.Bus())

	opts := redirect.Options{Logger: logger, Metrics: g.collector, Audit: g.sink, Publisher: g.manager.Bus()}
	g.devices = redirect.NewDeviceRegistry(redirect.NewPolicyDriver(cfg.DeviceTypes(), logger), cfg.DeviceRegistry(), opts)
	g.devices.Follow(g.manager.Bus())

	var codec redirect.Codec
	switch cfg.Storage.Backend {
	case "s3":
		if codec, err = redirect.NewS3CodecFromEnv(ctx, cfg.Storage.Region, cfg.Storage.Bucket, cfg.Storage.Prefix, cfg.Storage.MaxSize); err != nil {
			return g, err
		}
	default:
		if g.disk, err = redirect.NewDiskCodec(cfg.Storage.Dir, cfg.Storage.MaxSize); err != nil {
			return g, err
		}
		codec = g.disk
	}
	g.transfers = redirect.NewTransferRegistry(codec, cfg.TransferRegistry(), opts)
	g.transfers.Follow(g.manager.Bus())

	var verifier auth.Verifier
	if cfg.Auth.Enabled {
		jwtCfg := auth.JWTConfig{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Issuer:   cfg.Auth.Issuer,
			FailOpen: cfg.Auth.FailOpen,
			Logger:   logger,
		}
		if cfg.Auth.Revocation {
			jwtCfg.Revocation = auth.NewRedisRevocation(g.redis, cfg.Auth.RevocationPrefix)
		}
		if verifier, err = auth.NewJWTVerifier(jwtCfg); err != nil {
			return g, err
		}
	} else {
		logger.Warn("authentication disabled, trusting client-supplied ids")
	}

	g.server, err = server.New(cfg.Server(), server.Deps{
		Manager:   g.manager,
		Devices:   g.devices,
		Transfers: g.transfers,
		History:   g.history,
		Verifier:  verifier,
		Metrics:   g.collector,
		Registry:  g.registry,
		Logger:    logger,
	})
	return g, err
}

// sweep removes idle devices and transfers, and stored files no transfer
// refers to any more.
func (g *gateway) sweep(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Transfers.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			devices := g.devices.Cleanup(now)
			transfers := g.transfers.Cleanup(now)
			var files int
			if g.disk != nil {
				n, err := g.disk.Sweep(2 * g.cfg.Transfers.IdleTimeout)
				if err != nil {
					g.logger.Warn("transfer storage sweep failed", zap.Error(err))
				}
				files = n
			}
			if devices+transfers+files > 0 {
				g.logger.Info("swept idle entries",
					zap.Int("devices", devices),
					zap.Int("transfers", transfers),
					zap.Int("files", files))
			}
		}
	}
}

// close releases everything build created, newest first.
func (g *gateway) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if g.server != nil {
		errs = append(errs, g.server.Shutdown(ctx))
	}
	if g.manager != nil {
		errs = append(errs, g.manager.Shutdown(ctx))
	}
	if g.transfers != nil {
		errs = append(errs, g.transfers.Close(ctx))
	}
	if g.devices != nil {
		errs = append(errs, g.devices.Close(ctx))
	}
	if g.recorder != nil {
		errs = append(errs, g.recorder.Close(ctx))
	}
	if g.sink != nil {
		errs = append(errs, g.sink.Close(ctx))
	}
	if g.history != nil {
		errs = append(errs, g.history.Close())
	}
	if g.pool != nil {
		g.pool.Close()
	}
	if g.redis != nil {
		errs = append(errs, g.redis.Close())
	}
	if err := errors.Join(errs...); err != nil {
		g.logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
