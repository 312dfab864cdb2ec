package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirenorder/point-service/internal/config"
	"github.com/sirenorder/point-service/internal/logger"
	"github.com/sirenorder/point-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	// keyed by order id, so one order's facts stay on one partition
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.OutboxTopic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	repo := repo.NewRepository(gdb, nil, kw, log, repo.WithTimeout(cfg.Store.Timeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.Poller.Interval)
	defer ticker.Stop()

	log.Infof("point-poller started: topic=%s", cfg.Kafka.OutboxTopic)
	for {
		select {
		case <-ctx.Done():
			log.Info("point-poller stopped")
			return
		case <-ticker.C:
		}
		events, err := repo.PollOutbox(ctx, cfg.Poller.BatchSize)
		if err != nil {
			log.Errorf("poll outbox: %v", err)
			continue
		}
		for _, evt := range events {
			if err := repo.PublishEvent(ctx, evt); err != nil {
				log.Errorf("publish id=%d: %v", evt.ID, err)
				continue
			}
			if err := repo.MarkOutboxProcessed(ctx, evt.ID); err != nil {
				log.Errorf("mark processed id=%d: %v", evt.ID, err)
			} else {
				log.Infof("event %d sent", evt.ID)
			}
		}
	}
}
