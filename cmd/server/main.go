package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirenorder/point-service/internal/config"
	"github.com/sirenorder/point-service/internal/logger"
	"github.com/sirenorder/point-service/internal/metrics"
	"github.com/sirenorder/point-service/internal/repo"
	"github.com/sirenorder/point-service/internal/service"
	httptransport "github.com/sirenorder/point-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
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

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := repo.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer for ledger facts, used by the poller through the outbox
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.OutboxTopic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	// 6. metrics
	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	// 7. repo & service
	repository := repo.NewRepository(gdb, rdb, kw, log,
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
	svc := service.NewPointService(handler, repository, log, m)

	// 8. gin router
	router := httptransport.NewRouter(svc, cfg.RateLimit, log, prometheus.DefaultGatherer)

	// 9. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("point-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
