package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/openjdbcproxy/ojp-go/pkg/admin"
	"github.com/openjdbcproxy/ojp-go/pkg/backend"
	"github.com/openjdbcproxy/ojp-go/pkg/classify"
	"github.com/openjdbcproxy/ojp-go/pkg/executor"
	"github.com/openjdbcproxy/ojp-go/pkg/runtimeconfig"
	"github.com/openjdbcproxy/ojp-go/pkg/server"
	"github.com/openjdbcproxy/ojp-go/pkg/slots"
	"github.com/openjdbcproxy/ojp-go/pkg/utils"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Value: ":1059", Usage: "gRPC listen address", Sources: cli.EnvVars("OJP_ADDRESS")},
			&cli.StringFlag{Name: "admin-listen", Value: ":8081", Usage: "admin API listen address, empty disables it", Sources: cli.EnvVars("OJP_ADMIN_LISTEN")},

			&cli.StringFlag{Name: "db-driver", Value: backend.DriverSQLite, Usage: "sqlite or mysql", Sources: cli.EnvVars("OJP_DB_DRIVER")},
			&cli.StringFlag{Name: "db-dsn", Value: "ojp.db", Usage: "data source name of the backing database", Sources: cli.EnvVars("OJP_DB_DSN")},
			&cli.Int64Flag{Name: "db-max-open-conns", Usage: "pool size and total slots, 0 sizes from the CPU count", Sources: cli.EnvVars("OJP_DB_MAX_OPEN_CONNS")},

			&cli.Int64Flag{Name: "slow-slot-percentage", Value: server.DefaultSlowSlotPercentage, Usage: "share of slots reserved for slow operations", Sources: cli.EnvVars("OJP_SLOW_SLOT_PERCENTAGE")},
			&cli.DurationFlag{Name: "idle-timeout", Value: server.DefaultIdleTimeout, Usage: "idle time after which a pool lends slots", Sources: cli.EnvVars("OJP_IDLE_TIMEOUT")},
			&cli.DurationFlag{Name: "acquire-timeout", Value: 10 * time.Second, Usage: "how long a call waits for a slot", Sources: cli.EnvVars("OJP_ACQUIRE_TIMEOUT")},
			&cli.BoolFlag{Name: "disable-slots", Usage: "start with admission control off", Sources: cli.EnvVars("OJP_DISABLE_SLOTS")},
			&cli.StringSliceFlag{Name: "slow-method", Usage: "method or statement prefix that is always slow (repeatable)", Sources: cli.EnvVars("OJP_SLOW_METHODS")},
			&cli.StringSliceFlag{Name: "exempt-method", Usage: "full gRPC method that bypasses admission (repeatable)", Sources: cli.EnvVars("OJP_EXEMPT_METHODS")},

			&cli.StringSliceFlag{Name: "etcd-endpoint", Usage: "etcd endpoint to watch the enabled flag on (repeatable)", Sources: cli.EnvVars("OJP_ETCD_ENDPOINTS")},
			&cli.StringFlag{Name: "etcd-key", Value: server.DefaultEtcdKey, Usage: "etcd key holding the enabled flag", Sources: cli.EnvVars("OJP_ETCD_KEY")},

			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn, error", Sources: cli.EnvVars("OJP_LOG_LEVEL")},
			&cli.StringFlag{Name: "log-format", Value: "text", Usage: "text, json, dev", Sources: cli.EnvVars("OJP_LOG_FORMAT")},
			&cli.StringFlag{Name: "log-file", Usage: "optional log file path", Sources: cli.EnvVars("OJP_LOG_FILE")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := server.Config{
				Address:            cmd.String("address"),
				AdminAddress:       cmd.String("admin-listen"),
				AcquireTimeout:     cmd.Duration("acquire-timeout"),
				SlowSlotPercentage: int(cmd.Int64("slow-slot-percentage")),
				IdleTimeout:        cmd.Duration("idle-timeout"),
				Disabled:           cmd.Bool("disable-slots"),
				ExemptMethods:      cmd.StringSlice("exempt-method"),
				SlowMethods:        cmd.StringSlice("slow-method"),
				Backend: backend.Options{
					Driver:       cmd.String("db-driver"),
					DSN:          cmd.String("db-dsn"),
					MaxOpenConns: int(cmd.Int64("db-max-open-conns")),
				},
				EtcdEndpoints: cmd.StringSlice("etcd-endpoint"),
				EtcdKey:       cmd.String("etcd-key"),
				LogLevel:      cmd.String("log-level"),
				LogFormat:     cmd.String("log-format"),
				LogFile:       cmd.String("log-file"),
			}
			if len(cfg.ExemptMethods) == 0 {
				cfg.ExemptMethods = nil
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg server.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := utils.SetupLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := backend.Open(ctx, cfg.Backend, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("error while closing backend", "error", cerr)
		}
	}()

	manager, err := slots.New(backend.MaxPoolSize(db), cfg.SlowSlotPercentage, cfg.IdleTimeout, logger)
	if err != nil {
		return err
	}
	if cfg.Disabled {
		manager.SetEnabled(false)
	}

	rules := classify.NewStatic(slots.Fast)
	for _, prefix := range cfg.SlowMethods {
		rules.SetPrefix(prefix, slots.Slow)
	}
	classifier := classify.Layered{
		Rules:    rules,
		Fallback: classify.NewLatency(classify.LatencyOptions{}, logger),
	}

	exec := executor.New(manager, classifier, db, executor.Options{AcquireTimeout: cfg.AcquireTimeout}, logger)
	grpcServer, err := server.NewWithExecutor(cfg, exec, logger)
	if err != nil {
		return err
	}

	var src *runtimeconfig.EtcdSource
	if len(cfg.EtcdEndpoints) > 0 {
		src, err = runtimeconfig.NewEtcdSource(cfg.EtcdEndpoints, runtimeconfig.Options{
			Key:     cfg.EtcdKey,
			Default: !cfg.Disabled,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect to etcd: %w", err)
		}
		defer func() {
			if cerr := src.Close(); cerr != nil {
				logger.Warn("error while closing etcd client", "error", cerr)
			}
		}()
	}

	logger.Info("starting ojp",
		"address", cfg.Address,
		"admin_address", cfg.AdminAddress,
		"status", manager.Status(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.ListenAndServe(ctx)
	})

	if cfg.AdminAddress != "" {
		if utils.ParseLevel(cfg.LogLevel) > slog.LevelDebug {
			gin.SetMode(gin.ReleaseMode)
		}
		adminServer := admin.New(cfg.AdminAddress, manager, logger)
		g.Go(func() error {
			return adminServer.Run(ctx)
		})
	}

	if src != nil {
		g.Go(func() error {
			return runtimeconfig.Apply(ctx, src, manager, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ojp stopped", "error", err)
		return err
	}
	logger.Info("ojp stopped")
	return nil
}
