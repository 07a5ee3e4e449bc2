package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/exchange/saga/internal/bus"
	"github.com/exchange/saga/internal/config"
	"github.com/exchange/saga/internal/metrics"
	"github.com/exchange/saga/internal/recovery"
	"github.com/exchange/saga/internal/repository"
	"github.com/exchange/saga/internal/sagas"
	"github.com/exchange/saga/pkg/health"
	"github.com/exchange/saga/pkg/logger"
	"github.com/exchange/saga/pkg/saga"
	"github.com/exchange/saga/pkg/snowflake"
	"github.com/exchange/saga/pkg/tracing"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, nil)
	log.Info("starting " + cfg.ServiceName)

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.WithError(err).Error("init tracing")
		os.Exit(1)
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Error("open database")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.WithError(err).Error("ping database")
		os.Exit(1)
	}
	log.Info("connected to PostgreSQL")

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Error("ping redis")
		os.Exit(1)
	}
	log.Info("connected to Redis")

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.WithError(err).Error("init snowflake")
		os.Exit(1)
	}

	// Saga 定义注册
	registry := saga.NewRegistry()
	registry.MustRegister(sagas.OrderFulfillment())
	registry.MustRegister(sagas.TradeSettlement())
	log.Infof("saga definitions registered", map[string]interface{}{
		"eventTypes": registry.EventTypes(),
	})

	mx := metrics.New()
	repo := repository.NewPostgresRepository(db)
	cmdBus := bus.NewCommandBus(redisClient, cfg.CommandStream)

	mgr := saga.NewManager(registry, repo, cmdBus,
		saga.WithLogger(log),
		saga.WithMetrics(mx),
		saga.WithIDGenerator(idGen),
		saga.WithConflictRetries(cfg.ConflictRetries),
	)

	var wg sync.WaitGroup

	// 恢复 worker
	worker := recovery.New(repo, mgr, log, recovery.Options{
		Interval:  cfg.RecoveryInterval,
		BatchSize: cfg.RecoveryBatchSize,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("recovery worker exited")
		}
	}()

	// 事件消费
	consumer := bus.NewEventConsumer(redisClient, cfg.EventStream, cfg.ConsumerGroup, cfg.ConsumerName, mgr, log, nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("event consumer exited")
		}
	}()

	// HTTP: 健康检查 + 指标
	h := health.New()
	h.Register(health.NewPostgresChecker(db))
	h.Register(health.NewRedisChecker(func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}))
	h.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", h.LiveHandler())
	mux.HandleFunc("/health/ready", h.ReadyHandler())
	mux.Handle("/metrics", mx.Handler())

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server")
		}
	}()
	log.Infof("http listening", map[string]interface{}{"port": cfg.HTTPPort})

	// 优雅退出
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	h.SetReady(false)
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = shutdownTracing(shutdownCtx)
	log.Info("stopped")
}
