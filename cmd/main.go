package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"go-chat-stream/internal/broker"
	"go-chat-stream/internal/config"
	"go-chat-stream/internal/gateway"
	"go-chat-stream/internal/llm"
	"go-chat-stream/internal/logging"
	"go-chat-stream/internal/producer"
	"go-chat-stream/internal/queue"
	"go-chat-stream/internal/store"
	"go-chat-stream/internal/worker"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	ctx         context.Context
	cfg         *config.Config
	store       *store.SQLStore
	redis       *redis.Client
	queue       queue.QueueService
	broker      broker.Broker
	processor   *worker.Processor
	workerPool  worker.WorkerPoolService
	server      *http.Server
	maintenance *cron.Cron
}

func main() {
	mode := flag.String("mode", "", "run mode: api, worker or all (overrides APP_MODE)")
	flag.Parse()

	logging.Setup(os.Stderr, "info")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-signalCh:
			slog.Info("Received termination signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg, err := config.LoadFromEnv()
	if err == nil && *mode != "" {
		cfg.Mode = *mode
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(78)
	}
	logging.Setup(os.Stderr, cfg.LogLevel)
	slog.Info("Starting chat stream service", "mode", cfg.Mode, "workerID", cfg.WorkerID)

	app, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	defer app.close()

	if err := app.run(); err != nil {
		slog.Error("Service stopped with error", "error", err)
		app.close()
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{ctx: ctx, cfg: cfg}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	app.store = st
	if _, err := st.EnsureModel(ctx, cfg.LLMDefaultModel, "default model"); err != nil {
		app.close()
		return nil, err
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		app.redis = redis.NewClient(opts)
		if err := app.redis.Ping(ctx).Err(); err != nil {
			app.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		app.queue = queue.NewRedisQueue(app.redis, queue.RedisOptions{
			Prefix:       cfg.RedisPrefix,
			Name:         cfg.QueueName,
			WorkerID:     cfg.WorkerID,
			BlockTimeout: cfg.QueueBlockTimeout,
			LeaseTTL:     cfg.QueueLeaseTTL,
			MaxAttempts:  cfg.JobMaxAttempts,
		})
		app.broker = broker.NewRedisBroker(app.redis)
		slog.Info("Using Redis queue and broker", "addr", opts.Addr, "queue", cfg.QueueName)
	} else {
		app.queue = queue.NewMemoryQueue(cfg.JobMaxAttempts)
		app.broker = broker.NewMemoryBroker()
		slog.Warn("REDIS_URL not set, using in-process queue and broker")
	}

	if cfg.Mode == config.ModeWorker || cfg.Mode == config.ModeAll {
		backend, err := newBackend(cfg)
		if err != nil {
			app.close()
			return nil, err
		}
		app.processor = worker.NewProcessor(st, backend, app.broker, worker.Defaults{
			Model:       cfg.LLMDefaultModel,
			Temperature: cfg.LLMDefaultTemperature,
			MaxTokens:   cfg.LLMDefaultMaxTokens,
		}, cfg.TitleTimeout)
		app.workerPool = worker.NewWorkerPool(ctx, int(cfg.WorkerConcurrency), app.processor, app.queue, cfg.JobTimeout)
	}

	if cfg.Mode == config.ModeAPI || cfg.Mode == config.ModeAll {
		srv := gateway.NewServer(gateway.Options{
			Store:              st,
			Producer:           producer.NewProducer(st, app.queue),
			Broker:             app.broker,
			Pending:            app.queue,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
		})
		app.server = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			// Open streams end when the service shuts down.
			BaseContext: func(net.Listener) context.Context { return ctx },
		}
	}
	return app, nil
}

func newBackend(cfg *config.Config) (llm.Backend, error) {
	if cfg.LLMBackend == "loopback" {
		slog.Warn("Using loopback LLM backend")
		return llm.NewLoopback(0, 50*time.Millisecond), nil
	}
	return llm.NewOpenAIClient(llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
	})
}

func (app *App) run() error {
	g, gctx := errgroup.WithContext(app.ctx)

	if app.server != nil {
		g.Go(func() error {
			slog.Info("HTTP server listening", "addr", app.server.Addr)
			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return app.server.Shutdown(ctx)
		})
	}

	if app.workerPool != nil {
		if rq, ok := app.queue.(*queue.RedisQueue); ok {
			// The lease must outlive the drain of in-flight jobs; close stops the cron.
			c, err := rq.StartMaintenance(context.WithoutCancel(app.ctx), app.cfg.QueueMaintenanceSchedule)
			if err != nil {
				return err
			}
			app.maintenance = c
		}
		if err := app.workerPool.Init(); err != nil {
			return fmt.Errorf("initialize worker pool: %w", err)
		}
		g.Go(func() error {
			err := app.workerPool.Run(gctx)
			app.workerPool.Stop()
			app.processor.Wait()
			return err
		})
	}

	return g.Wait()
}

func (app *App) close() {
	if app.maintenance != nil {
		<-app.maintenance.Stop().Done()
		app.maintenance = nil
	}
	if app.queue != nil {
		if err := app.queue.Close(); err != nil {
			slog.Warn("Failed to close queue", "error", err)
		}
		app.queue = nil
	}
	if app.broker != nil {
		_ = app.broker.Close()
		app.broker = nil
	}
	if app.redis != nil {
		_ = app.redis.Close()
		app.redis = nil
	}
	if app.store != nil {
		_ = app.store.Close()
		app.store = nil
	}
}
