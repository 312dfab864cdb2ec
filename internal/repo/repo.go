package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirenorder/point-service/internal/metrics"
	"github.com/sirenorder/point-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStorageUnavailable is returned when the ledger cannot be read or
	// written within the configured timeout.
	ErrStorageUnavailable = errors.New("ledger storage unavailable")
	// ErrDuplicateGrant is returned by Save when a row with the same dedup key
	// exists. The existing row is returned alongside it.
	ErrDuplicateGrant = errors.New("duplicate ledger entry")
)

// Ledger is the write/read contract of the append-only point table.
type Ledger interface {
	Save(ctx context.Context, p *model.Point) (*model.Point, error)
	FindByOrderID(ctx context.Context, orderID int64) ([]model.Point, error)
}

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	Ledger
	OrderBalance(ctx context.Context, orderID int64) (int64, error)
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	Ping(ctx context.Context) error
}

// MessageWriter is the part of *kafka.Writer the outbox relay needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Option tunes a Repository.
type Option func(*Repository)

// WithTimeout bounds every ledger call. Zero disables the bound.
func WithTimeout(d time.Duration) Option { return func(r *Repository) { r.timeout = d } }

// WithBalanceTTL sets how long a cached order balance lives in Redis.
func WithBalanceTTL(d time.Duration) Option { return func(r *Repository) { r.balanceTTL = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Repository) { r.metrics = m } }

// Repository implements RepositoryInterface.
type Repository struct {
	db         *gorm.DB
	rdb        *redis.Client
	writer     MessageWriter
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
	timeout    time.Duration
	balanceTTL time.Duration
}

// NewRepository constructs repo. rdb may be nil, which disables the balance cache.
func NewRepository(db *gorm.DB, rdb *redis.Client, w MessageWriter, logger *zap.SugaredLogger, opts ...Option) *Repository {
	r := &Repository{
		db:         db,
		rdb:        rdb,
		writer:     w,
		log:        logger,
		timeout:    3 * time.Second,
		balanceTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Migrate creates the ledger and outbox tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Point{}, &model.OutboxEvent{})
}

func (r *Repository) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// Save appends p and its outbox fact in one transaction. Rows are never
// updated: a dedup key conflict leaves the table untouched.
func (r *Repository) Save(ctx context.Context, p *model.Point) (*model.Point, error) {
	if p.DedupKey == "" {
		return nil, errors.New("save point: dedup key is required")
	}
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	start := time.Now()
	var existing model.Point
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_key"}},
			DoNothing: true,
		}).Create(p)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Where("dedup_key = ?", p.DedupKey).First(&existing).Error; err != nil {
				return err
			}
			return ErrDuplicateGrant
		}
		evt, err := outboxFor(p)
		if err != nil {
			return err
		}
		return tx.Create(evt).Error
	})
	r.metrics.ObserveStore("save", ignoreDuplicate(err), time.Since(start))

	switch {
	case errors.Is(err, ErrDuplicateGrant):
		return &existing, ErrDuplicateGrant
	case err != nil:
		return nil, unavailable("save point", err)
	}
	r.invalidateBalance(ctx, p.OrderID)
	return p, nil
}

func ignoreDuplicate(err error) error {
	if errors.Is(err, ErrDuplicateGrant) {
		return nil
	}
	return err
}

func outboxFor(p *model.Point) (*model.OutboxEvent, error) {
	fact := map[string]interface{}{
		"eventId":  uuid.NewString(),
		"pointId":  p.ID,
		"orderId":  p.OrderID,
		"userId":   p.UserID,
		"point":    p.Point,
		"kind":     p.Kind,
		"dedupKey": p.DedupKey,
	}
	if p.CompensatesID != 0 {
		fact["compensatesId"] = p.CompensatesID
	}
	payload, err := json.Marshal(fact)
	if err != nil {
		return nil, err
	}
	return &model.OutboxEvent{
		Aggregate:   "Point",
		AggregateID: p.OrderID,
		EventType:   model.OutboxEventType(p.Kind),
		Payload:     string(payload),
	}, nil
}

// FindByOrderID returns every row of the order in insertion order.
func (r *Repository) FindByOrderID(ctx context.Context, orderID int64) ([]model.Point, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	start := time.Now()
	var rows []model.Point
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id asc").Find(&rows).Error
	r.metrics.ObserveStore("find_by_order_id", err, time.Since(start))
	if err != nil {
		return nil, unavailable("find points", err)
	}
	return rows, nil
}

// OrderBalance returns the net points of an order, served from Redis when cached.
func (r *Repository) OrderBalance(ctx context.Context, orderID int64) (int64, error) {
	if bal, err := r.cachedBalance(ctx, orderID); err == nil {
		return bal, nil
	}

	ctx, cancel := r.bounded(ctx)
	defer cancel()

	start := time.Now()
	var sum int64
	err := r.db.WithContext(ctx).Model(&model.Point{}).
		Where("order_id = ?", orderID).
		Select("COALESCE(SUM(point), 0)").
		Scan(&sum).Error
	r.metrics.ObserveStore("order_balance", err, time.Since(start))
	if err != nil {
		return 0, unavailable("sum points", err)
	}
	r.cacheBalance(ctx, orderID, sum)
	return sum, nil
}

func balanceKey(orderID int64) string { return fmt.Sprintf("points:order:%d", orderID) }

func (r *Repository) cachedBalance(ctx context.Context, orderID int64) (int64, error) {
	if r.rdb == nil {
		return 0, redis.Nil
	}
	str, err := r.rdb.Get(ctx, balanceKey(orderID)).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(str, 10, 64)
}

func (r *Repository) cacheBalance(ctx context.Context, orderID, bal int64) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Set(ctx, balanceKey(orderID), strconv.FormatInt(bal, 10), r.balanceTTL).Err(); err != nil {
		r.log.Warnw("cache order balance", "orderId", orderID, "err", err)
	}
}

func (r *Repository) invalidateBalance(ctx context.Context, orderID int64) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Del(ctx, balanceKey(orderID)).Err(); err != nil {
		r.log.Warnw("invalidate order balance", "orderId", orderID, "err", err)
	}
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka keyed by order id so one order's facts stay in one partition.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(evt.AggregateID, 10)),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(evt.EventType)},
		},
		Time: time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
