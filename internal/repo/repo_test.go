package repo_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirenorder/point-service/internal/model"
	"github.com/sirenorder/point-service/internal/repo"
	"github.com/sirenorder/point-service/internal/repo/repotest"
)

type captureWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func newRepo(t *testing.T) *repo.Repository {
	t.Helper()
	return repo.NewRepository(repotest.NewDB(t), nil, &captureWriter{}, zap.NewNop().Sugar())
}

func grant(orderID int64, userID string, point int64, key string) *model.Point {
	return &model.Point{OrderID: orderID, UserID: userID, Point: point, Kind: model.KindGrant, DedupKey: key}
}

// stripVolatile drops the generated ids from an outbox payload.
func stripVolatile(t *testing.T, payload string) string {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(payload), &m))
	assert.NotEmpty(t, m["eventId"])
	assert.NotZero(t, m["pointId"])
	delete(m, "eventId")
	delete(m, "pointId")
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return string(out)
}

func TestSave_AssignsIDAndAppends(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	first, err := r.Save(ctx, grant(1001, "u1", 30, "e-1"))
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	comp := &model.Point{OrderID: 1001, UserID: "u1", Point: -30, Kind: model.KindCompensation, DedupKey: "c-1"}
	second, err := r.Save(ctx, comp)
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	rows, err := r.FindByOrderID(ctx, 1001)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(30), rows[0].Point)
	assert.Equal(t, int64(-30), rows[1].Point)
	assert.Equal(t, int64(0), model.NetPoints(rows))
}

func TestSave_DuplicateKeyReturnsExistingRow(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	orig, err := r.Save(ctx, grant(7, "u7", 20, "dup"))
	require.NoError(t, err)

	again, err := r.Save(ctx, grant(7, "u7", 20, "dup"))
	assert.ErrorIs(t, err, repo.ErrDuplicateGrant)
	require.NotNil(t, again)
	assert.Equal(t, orig.ID, again.ID)

	rows, err := r.FindByOrderID(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	events, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1, "duplicates must not emit outbox facts")
}

func TestSave_ConcurrentRedeliveryWritesOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Save(ctx, grant(55, "u5", 10, "evt-55"))
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied, "only one delivery should be applied")
	rows, err := r.FindByOrderID(ctx, 55)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSave_RequiresDedupKey(t *testing.T) {
	r := newRepo(t)
	_, err := r.Save(context.Background(), grant(1, "u1", 10, ""))
	assert.Error(t, err)
}

func TestSave_ClosedDatabaseIsUnavailable(t *testing.T) {
	db := repotest.NewDB(t)
	r := repo.NewRepository(db, nil, &captureWriter{}, zap.NewNop().Sugar())

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = r.Save(context.Background(), grant(1, "u1", 10, "k"))
	assert.ErrorIs(t, err, repo.ErrStorageUnavailable)

	_, err = r.FindByOrderID(context.Background(), 1)
	assert.ErrorIs(t, err, repo.ErrStorageUnavailable)
}

func TestSave_ExpiredContextIsUnavailable(t *testing.T) {
	r := repo.NewRepository(repotest.NewDB(t), nil, &captureWriter{}, zap.NewNop().Sugar(),
		repo.WithTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Save(ctx, grant(1, "u1", 10, "k"))
	assert.ErrorIs(t, err, repo.ErrStorageUnavailable)
}

func TestSave_InvalidatesCachedBalance(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := repo.NewRepository(repotest.NewDB(t), rdb, &captureWriter{}, zap.NewNop().Sugar())

	mock.ExpectDel("points:order:1001").SetVal(1)
	_, err := r.Save(context.Background(), grant(1001, "u1", 30, "e-1"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderBalance_CachesSum(t *testing.T) {
	db := repotest.NewDB(t)
	require.NoError(t, db.Create(grant(1001, "u1", 30, "e-1")).Error)
	require.NoError(t, db.Create(&model.Point{OrderID: 1001, UserID: "u1", Point: -10, Kind: model.KindCompensation, DedupKey: "c-1"}).Error)

	rdb, mock := redismock.NewClientMock()
	r := repo.NewRepository(db, rdb, &captureWriter{}, zap.NewNop().Sugar(), repo.WithBalanceTTL(time.Minute))

	mock.ExpectGet("points:order:1001").RedisNil()
	mock.ExpectSet("points:order:1001", "20", time.Minute).SetVal("OK")
	mock.ExpectGet("points:order:1001").SetVal("20")

	bal, err := r.OrderBalance(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal)

	bal, err = r.OrderBalance(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderBalance_NoRows(t *testing.T) {
	r := newRepo(t)
	bal, err := r.OrderBalance(context.Background(), 404)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestOutbox_PublishAndMark(t *testing.T) {
	w := &captureWriter{}
	r := repo.NewRepository(repotest.NewDB(t), nil, w, zap.NewNop().Sugar())
	ctx := context.Background()

	g, err := r.Save(ctx, grant(1001, "u1", 30, "e-1"))
	require.NoError(t, err)
	_, err = r.Save(ctx, &model.Point{OrderID: 1001, UserID: "u1", Point: -30, Kind: model.KindCompensation, DedupKey: "c-1", CompensatesID: g.ID})
	require.NoError(t, err)

	events, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.OutboxPointGranted, events[0].EventType)
	assert.Equal(t, model.OutboxPointCompensated, events[1].EventType)
	assert.JSONEq(t, `{"orderId":1001,"userId":"u1","point":30,"kind":"GRANT","dedupKey":"e-1"}`,
		stripVolatile(t, events[0].Payload))
	assert.JSONEq(t, fmt.Sprintf(`{"orderId":1001,"userId":"u1","point":-30,"kind":"COMPENSATION","dedupKey":"c-1","compensatesId":%d}`, g.ID),
		stripVolatile(t, events[1].Payload))

	for _, evt := range events {
		require.NoError(t, r.PublishEvent(ctx, evt))
		require.NoError(t, r.MarkOutboxProcessed(ctx, evt.ID))
	}
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "1001", string(w.msgs[0].Key))
	assert.Equal(t, "eventType", w.msgs[0].Headers[0].Key)

	left, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPublishEvent_WriterError(t *testing.T) {
	w := &captureWriter{err: errors.New("broker down")}
	r := repo.NewRepository(repotest.NewDB(t), nil, w, zap.NewNop().Sugar())
	err := r.PublishEvent(context.Background(), model.OutboxEvent{AggregateID: 1, Payload: "{}"})
	assert.EqualError(t, err, "broker down")
}

func TestPing(t *testing.T) {
	r := newRepo(t)
	assert.NoError(t, r.Ping(context.Background()))
}
