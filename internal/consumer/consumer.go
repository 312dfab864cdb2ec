package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sirenorder/point-service/internal/event"
	"github.com/sirenorder/point-service/internal/metrics"
	"github.com/sirenorder/point-service/internal/repo"
	"github.com/sirenorder/point-service/internal/service"
)

// Reader is the part of *kafka.Reader a worker needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dispatcher routes a decoded event to its handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) (service.Outcome, error)
}

// RetryPolicy caps how long one message may fail on storage before it is dead-lettered.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	// attempts, not elapsed time, bound the retry
	b.MaxElapsedTime = 0
	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Worker consumes one reader's partitions strictly in order.
type Worker struct {
	id         int
	reader     Reader
	dispatcher Dispatcher
	deadLetter DeadLetterSink
	retry      RetryPolicy
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
}

func NewWorker(id int, r Reader, d Dispatcher, dlq DeadLetterSink, retry RetryPolicy, logger *zap.SugaredLogger, m *metrics.Metrics) *Worker {
	return &Worker{
		id:         id,
		reader:     r,
		dispatcher: d,
		deadLetter: dlq,
		retry:      retry,
		log:        logger.With("worker", id),
		metrics:    m,
	}
}

// Run fetches, handles and commits until ctx is done. A message is committed
// only once it was handled, skipped or dead-lettered.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker %d fetch: %w", w.id, err)
		}
		if err := w.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d offset %d: %w", w.id, msg.Offset, err)
		}
		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d commit: %w", w.id, err)
		}
	}
}

func (w *Worker) process(ctx context.Context, msg kafka.Message) error {
	ev, err := event.Decode(msg.Value)
	if err != nil {
		w.log.Errorw("malformed event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return w.sendDeadLetter(ctx, msg, ReasonMalformed, 1, err)
	}

	attempts := 0
	op := func() error {
		attempts++
		if attempts > 1 {
			w.metrics.Retry(ev.Type())
		}
		outcome, err := w.dispatcher.Dispatch(ctx, ev)
		if err == nil {
			w.log.Debugw("event handled", "eventType", ev.Type(), "eventId", ev.ID(), "outcome", outcome)
			return nil
		}
		if errors.Is(err, repo.ErrStorageUnavailable) {
			w.log.Warnw("ledger unavailable, will retry",
				"eventType", ev.Type(), "eventId", ev.ID(), "attempt", attempts, "err", err)
			return err
		}
		return backoff.Permanent(err)
	}
	err = backoff.Retry(op, w.retry.backOff(ctx))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	reason := ReasonHandlerError
	if errors.Is(err, repo.ErrStorageUnavailable) {
		reason = ReasonStorageUnavailable
	}
	w.log.Errorw("giving up on event",
		"eventType", ev.Type(), "eventId", ev.ID(), "attempts", attempts, "reason", reason, "err", err)
	return w.sendDeadLetter(ctx, msg, reason, attempts, err)
}

func (w *Worker) sendDeadLetter(ctx context.Context, msg kafka.Message, reason string, attempts int, cause error) error {
	if err := w.deadLetter.Send(ctx, msg, reason, attempts, cause); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	w.metrics.DeadLetter(reason)
	return nil
}

// Pool runs one worker per reader. Readers in one consumer group own
// disjoint partitions, so each order's events stay in one worker.
type Pool struct {
	workers []*Worker
	readers []Reader
	log     *zap.SugaredLogger
}

func NewPool(readers []Reader, d Dispatcher, dlq DeadLetterSink, retry RetryPolicy, logger *zap.SugaredLogger, m *metrics.Metrics) *Pool {
	p := &Pool{readers: readers, log: logger}
	for i, r := range readers {
		p.workers = append(p.workers, NewWorker(i, r, d, dlq, retry, logger, m))
	}
	return p
}

// Run blocks until ctx is done or a worker fails, then closes every reader.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	err := g.Wait()
	for _, r := range p.readers {
		if cerr := r.Close(); cerr != nil {
			p.log.Warnw("close reader", "err", cerr)
		}
	}
	return err
}
