package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sirenorder/point-service/internal/event"
	"github.com/sirenorder/point-service/internal/metrics"
	"github.com/sirenorder/point-service/internal/model"
	"github.com/sirenorder/point-service/internal/repo"
)

// ErrInvalidRequest means a direct point request failed validation.
var ErrInvalidRequest = errors.New("invalid point request")

// PointRequest is a synchronous grant asked for over HTTP.
type PointRequest struct {
	OrderID        int64
	UserID         string
	Point          int64
	IdempotencyKey string
}

func (r PointRequest) validate() error {
	switch {
	case r.OrderID <= 0:
		return fmt.Errorf("%w: orderId must be positive", ErrInvalidRequest)
	case r.UserID == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	case r.Point <= 0:
		return fmt.Errorf("%w: point must be positive", ErrInvalidRequest)
	case r.Point > event.MaxPoint:
		return fmt.Errorf("%w: point must not exceed %d", ErrInvalidRequest, event.MaxPoint)
	}
	return nil
}

// dedupKey is the caller's idempotency key, or one derived from the request
// so a blind retry of the same body is applied once.
func (r PointRequest) dedupKey() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return grantKey(r.OrderID, r.UserID, r.Point)
}

// grantKey is the dedup key of a grant whose source sent no id. Payed events
// and HTTP requests derive the same key, so one grant asked for on both paths
// is written once.
func grantKey(orderID int64, userID string, point int64) string {
	return fmt.Sprintf("grant:%d:%s:%d", orderID, userID, point)
}

// PointService glues the HTTP surface to the policy handler and the ledger.
type PointService struct {
	handler *PolicyHandler
	repo    repo.RepositoryInterface
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewPointService returns PointService.
func NewPointService(h *PolicyHandler, r repo.RepositoryInterface, logger *zap.SugaredLogger, m *metrics.Metrics) *PointService {
	return &PointService{handler: h, repo: r, log: logger, metrics: m}
}

// RequestPoints applies a direct grant through the same write path as Payed events.
func (s *PointService) RequestPoints(ctx context.Context, req PointRequest) (Outcome, error) {
	if err := req.validate(); err != nil {
		return OutcomeFailed, err
	}
	key := req.dedupKey()
	if s.handler.applied.Contains(key) {
		s.metrics.Event("http", string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}
	outcome, err := s.handler.grant(ctx, &model.Point{
		OrderID:         req.OrderID,
		UserID:          req.UserID,
		Point:           req.Point,
		Kind:            model.KindGrant,
		DedupKey:        key,
		SourceEventType: "http",
	})
	if err != nil {
		s.metrics.Event("http", string(OutcomeFailed))
		return OutcomeFailed, err
	}
	s.metrics.Event("http", string(outcome))
	return outcome, nil
}

// Points returns the ledger rows of an order.
func (s *PointService) Points(ctx context.Context, orderID int64) ([]model.Point, error) {
	return s.repo.FindByOrderID(ctx, orderID)
}

// Balance returns the net points of an order.
func (s *PointService) Balance(ctx context.Context, orderID int64) (int64, error) {
	return s.repo.OrderBalance(ctx, orderID)
}

// Ready reports whether the ledger is reachable.
func (s *PointService) Ready(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
