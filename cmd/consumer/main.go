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

	"github.com/sirenorder/point-service/internal/config"
	"github.com/sirenorder/point-service/internal/consumer"
	"github.com/sirenorder/point-service/internal/logger"
	"github.com/sirenorder/point-service/internal/metrics"
	"github.com/sirenorder/point-service/internal/repo"
	"github.com/sirenorder/point-service/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := repo.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis, so every ledger write invalidates the cached balance
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. metrics
	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	// 6. repo, policy handler & router
	repository := repo.NewRepository(gdb, rdb, nil, log,
		repo.WithTimeout(cfg.Store.Timeout),
		repo.WithBalanceTTL(cfg.Redis.TTL),
		repo.WithMetrics(m),
	)
	handler, err := service.NewPolicyHandler(repository, log,
		service.WithHandlerMetrics(m),
		service.WithDedupCacheSize(cfg.Store.DedupCacheSize),
	)
	if err != nil {
		log.Fatalf("policy handler: %v", err)
	}
	router := service.NewRouter(log, m)
	handler.Register(router)

	// 7. kafka readers, one per worker in the same group
	readers := make([]consumer.Reader, 0, cfg.Kafka.Workers)
	for i := 0; i < cfg.Kafka.Workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Kafka.Brokers,
			GroupID:  cfg.Kafka.GroupID,
			Topic:    cfg.Kafka.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}))
	}
	dlqWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.DeadLetterTopic,
		Balancer: &kafka.Hash{},
	}
	defer dlqWriter.Close()

	pool := consumer.NewPool(readers, router, consumer.NewKafkaDeadLetter(dlqWriter), consumer.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}, log, m)

	// 8. metrics listener
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 9. run until signalled
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("point-consumer started: topic=%s group=%s workers=%d handles=%v",
			cfg.Kafka.Topic, cfg.Kafka.GroupID, cfg.Kafka.Workers, router.Types())
		return pool.Run(gctx)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("consumer stopped: %v", err)
	}
	log.Info("point-consumer stopped")
}
