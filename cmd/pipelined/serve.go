//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trpc.group/trpc-go/trpc-pipeline-go/engine"
	lockredis "trpc.group/trpc-go/trpc-pipeline-go/lock/redis"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/server"
	stepredis "trpc.group/trpc-go/trpc-pipeline-go/step/redis"
	storageredis "trpc.group/trpc-go/trpc-pipeline-go/storage/redis"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
	"trpc.group/trpc-go/trpc-pipeline-go/store/inmemory"
	"trpc.group/trpc-go/trpc-pipeline-go/store/postgres"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/trace"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingress and the sweeper.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, os.Getenv)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	return cmd
}

// daemon is the wired set of components behind the serve command.
type daemon struct {
	engine  *engine.Engine
	sweeper *engine.Sweeper
	server  *server.Server
	closers []func() error
}

// newDaemon builds the store, lock, step queue, engine, sweeper and HTTP
// server described by cfg.
func newDaemon(ctx context.Context, cfg *config) (_ *daemon, err error) {
	d := &daemon{}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	var s store.Store
	if cfg.Postgres.DSN != "" {
		ps, err := postgres.New(ctx,
			postgres.WithConnString(cfg.Postgres.DSN),
			postgres.WithTablePrefix(cfg.Postgres.TablePrefix))
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		d.closers = append(d.closers, ps.Close)
		s = ps
	} else {
		log.Warnf("pipelined: no postgres dsn, records are kept in memory")
		s = inmemory.New()
	}

	opts := []engine.Option{engine.WithWaiterLease(cfg.Engine.WaiterLease)}
	if cfg.Redis.URL != "" {
		client, err := storageredis.NewClient("", cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis client: %w", err)
		}
		d.closers = append(d.closers, client.Close)
		locker, queue, err := redisComponents(client, cfg.Redis)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			engine.WithLocker(locker),
			engine.WithAsyncExecutor(queue),
			engine.WithTaskQueue(queue))
	}
	if cfg.Engine.Workers > 0 {
		pool, err := engine.NewPoolDispatcher(cfg.Engine.Workers)
		if err != nil {
			return nil, fmt.Errorf("start pool: %w", err)
		}
		d.closers = append(d.closers, pool.Close)
		opts = append(opts, engine.WithDispatcher(pool))
	}
	d.engine = engine.New(s, opts...)

	d.sweeper, err = engine.NewSweeper(d.engine,
		engine.WithSweepInterval(cfg.Sweep.Interval),
		engine.WithStaleAfter(cfg.Sweep.StaleAfter),
		engine.WithSweepWorkers(cfg.Sweep.Workers),
		engine.WithSweepBatch(cfg.Sweep.Batch))
	if err != nil {
		return nil, fmt.Errorf("sweeper: %w", err)
	}
	d.closers = append(d.closers, d.sweeper.Close)

	d.server = server.New(d.engine,
		server.WithAllowedOrigins(cfg.HTTP.AllowedOrigins...),
		server.WithMaxBodySize(cfg.HTTP.MaxBodyBytes))
	return d, nil
}

// redisComponents shares one client between the queue lock and the step
// hand-off.
func redisComponents(client redis.UniversalClient, cfg redisConfig) (*lockredis.Locker, *stepredis.Queue, error) {
	lockOpts := []lockredis.Option{lockredis.WithRedisClient(client)}
	queueOpts := []stepredis.Option{stepredis.WithRedisClient(client)}
	if cfg.KeyPrefix != "" {
		lockOpts = append(lockOpts, lockredis.WithKeyPrefix(cfg.KeyPrefix+"lock:"))
		queueOpts = append(queueOpts, stepredis.WithKeyPrefix(cfg.KeyPrefix+"steps:"))
	}
	if cfg.QueueMaxLen > 0 {
		queueOpts = append(queueOpts, stepredis.WithMaxLen(cfg.QueueMaxLen))
	}
	locker, err := lockredis.New(lockOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("redis lock: %w", err)
	}
	queue, err := stepredis.New(queueOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("redis step queue: %w", err)
	}
	return locker, queue, nil
}

// close releases components in reverse creation order.
func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Warnf("pipelined: close: %v", err)
		}
	}
	d.closers = nil
}

// run serves HTTP on addr and sweeps until ctx ends or either fails.
func (d *daemon) run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           d.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("pipelined: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return d.sweeper.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func serve(ctx context.Context, cfg *config) error {
	if cfg.Log.JSON {
		log.UseJSON()
	}
	log.SetLevel(cfg.Log.Level)

	if cfg.Telemetry.Endpoint != "" {
		cleanTrace, err := trace.Start(ctx,
			trace.WithEndpoint(cfg.Telemetry.Endpoint),
			trace.WithProtocol(cfg.Telemetry.Protocol))
		if err != nil {
			return err
		}
		defer logClose("trace", cleanTrace)
		cleanMetric, err := metric.Start(ctx, metric.WithEndpoint(cfg.Telemetry.Endpoint))
		if err != nil {
			return err
		}
		defer logClose("metric", cleanMetric)
	}

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()
	return d.run(ctx, cfg.HTTP.Addr)
}

func logClose(what string, fn func() error) {
	if err := fn(); err != nil {
		log.Warnf("pipelined: shutdown %s: %v", what, err)
	}
}
