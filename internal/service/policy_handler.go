package service

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sirenorder/point-service/internal/event"
	"github.com/sirenorder/point-service/internal/metrics"
	"github.com/sirenorder/point-service/internal/model"
	"github.com/sirenorder/point-service/internal/repo"
)

// AccrualRate is the number of points granted per paid item.
const AccrualRate = 10

// Outcome is how one event or request ended.
type Outcome string

const (
	OutcomeApplied             Outcome = "applied"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeOutOfScope          Outcome = "out_of_scope"
	OutcomeCompensationMissing Outcome = "compensation_target_missing"
	OutcomeAlreadyCompensated  Outcome = "already_compensated"
	OutcomeUnhandled           Outcome = "unhandled"
	OutcomeFailed              Outcome = "failed"
)

// ErrCompensationTargetMissing names the anomaly of a cancellation that found
// no grant. It is recorded, never returned as a failure.
var ErrCompensationTargetMissing = errors.New("compensation target missing")

const defaultDedupCacheSize = 4096

// PolicyHandler turns payment and cancellation events into ledger rows.
// All state lives in the ledger; the LRU only short-cuts recent redeliveries.
type PolicyHandler struct {
	ledger  repo.Ledger
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	applied *lru.Cache[string, struct{}]
	tracer  trace.Tracer
}

type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	metrics   *metrics.Metrics
	cacheSize int
}

func WithHandlerMetrics(m *metrics.Metrics) HandlerOption {
	return func(o *handlerOptions) { o.metrics = m }
}

// WithDedupCacheSize sets how many applied dedup keys are remembered in memory.
func WithDedupCacheSize(n int) HandlerOption {
	return func(o *handlerOptions) { o.cacheSize = n }
}

// NewPolicyHandler returns a handler writing to ledger.
func NewPolicyHandler(ledger repo.Ledger, logger *zap.SugaredLogger, opts ...HandlerOption) (*PolicyHandler, error) {
	o := handlerOptions{cacheSize: defaultDedupCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cacheSize <= 0 {
		o.cacheSize = defaultDedupCacheSize
	}
	cache, err := lru.New[string, struct{}](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("applied event cache: %w", err)
	}
	return &PolicyHandler{
		ledger:  ledger,
		log:     logger,
		metrics: o.metrics,
		applied: cache,
		tracer:  otel.Tracer("github.com/sirenorder/point-service/internal/service"),
	}, nil
}

// Register binds the handler's event functions to r.
func (h *PolicyHandler) Register(r *Router) {
	r.Register(event.TypePayed, On(h.WheneverPayed))
	r.Register(event.TypePointCancelled, On(h.WheneverPointCancelled))
}

// WheneverPayed grants qty*AccrualRate points to the payer, once per event.
func (h *PolicyHandler) WheneverPayed(ctx context.Context, payed *event.Payed) (Outcome, error) {
	ctx, span := h.startSpan(ctx, "PolicyHandler.WheneverPayed", payed)
	defer span.End()

	if !payed.Owned() {
		h.log.Debugw("skip event for another context", "eventType", payed.Type(), "eventId", payed.ID())
		return OutcomeOutOfScope, nil
	}
	key := dedupKey(payed)
	if h.applied.Contains(key) {
		return OutcomeDuplicate, nil
	}
	h.log.Infow("listener wheneverPayed", "event", payed.String())

	grant := &model.Point{
		OrderID:         payed.OrderID,
		UserID:          payed.UserID,
		Point:           int64(payed.Qty) * AccrualRate,
		Kind:            model.KindGrant,
		DedupKey:        key,
		SourceEventType: event.TypePayed,
	}
	outcome, err := h.grant(ctx, grant)
	return outcome, h.spanError(span, err)
}

// grant appends a positive row and offsets any cancellation that beat it here.
func (h *PolicyHandler) grant(ctx context.Context, p *model.Point) (Outcome, error) {
	outcome := OutcomeApplied
	stored, err := h.ledger.Save(ctx, p)
	switch {
	case errors.Is(err, repo.ErrDuplicateGrant):
		outcome = OutcomeDuplicate
		h.log.Infow("duplicate grant ignored", "orderId", p.OrderID, "dedupKey", p.DedupKey)
	case err != nil:
		return OutcomeFailed, err
	}

	// runs on duplicates too: a previous delivery may have stopped before the offset
	if err := h.offsetOrphanCancel(ctx, stored); err != nil {
		return OutcomeFailed, err
	}
	h.applied.Add(p.DedupKey, struct{}{})
	return outcome, nil
}

func (h *PolicyHandler) offsetOrphanCancel(ctx context.Context, grant *model.Point) error {
	rows, err := h.ledger.FindByOrderID(ctx, grant.OrderID)
	if err != nil {
		return err
	}
	net := model.NetPoints(rows)
	if net <= 0 {
		return nil
	}
	if _, reversed := model.ReversedGrants(rows)[grant.ID]; reversed {
		return nil
	}
	for _, orphan := range pendingOrphans(rows) {
		amount := grant.Point
		if amount > net {
			amount = net
		}
		offset := &model.Point{
			OrderID:         grant.OrderID,
			UserID:          grant.UserID,
			Point:           -amount,
			Kind:            model.KindCompensation,
			DedupKey:        offsetKey(orphan.DedupKey),
			SourceEventType: orphan.SourceEventType,
			CompensatesID:   grant.ID,
		}
		if _, err := h.ledger.Save(ctx, offset); err != nil && !errors.Is(err, repo.ErrDuplicateGrant) {
			return err
		}
		h.log.Warnw("late grant offset by earlier cancellation",
			"orderId", grant.OrderID, "grantId", grant.ID, "point", -amount, "cancelKey", orphan.DedupKey)
		h.metrics.Anomaly("late_grant_offset")
		// one offset brings the order to zero
		return nil
	}
	return nil
}

// pendingOrphans returns orphan cancellation flags that have not been offset yet.
func pendingOrphans(rows []model.Point) []model.Point {
	keys := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		keys[r.DedupKey] = struct{}{}
	}
	var out []model.Point
	for _, r := range rows {
		if r.Kind != model.KindOrphanCancel {
			continue
		}
		if _, done := keys[offsetKey(r.DedupKey)]; done {
			continue
		}
		out = append(out, r)
	}
	return out
}

func offsetKey(cancelKey string) string { return cancelKey + ":offset" }

// WheneverPointCancelled appends a row negating the cancelled grant.
func (h *PolicyHandler) WheneverPointCancelled(ctx context.Context, cancelled *event.PointCancelled) (Outcome, error) {
	ctx, span := h.startSpan(ctx, "PolicyHandler.WheneverPointCancelled", cancelled)
	defer span.End()

	if !cancelled.Owned() {
		h.log.Debugw("skip event for another context", "eventType", cancelled.Type(), "eventId", cancelled.ID())
		return OutcomeOutOfScope, nil
	}
	key := dedupKey(cancelled)
	if h.applied.Contains(key) {
		return OutcomeDuplicate, nil
	}
	h.log.Infow("listener wheneverPointCancelled", "event", cancelled.String())

	outcome, err := h.compensate(ctx, cancelled, key)
	if err != nil {
		return OutcomeFailed, h.spanError(span, err)
	}
	h.applied.Add(key, struct{}{})
	return outcome, nil
}

func (h *PolicyHandler) compensate(ctx context.Context, c *event.PointCancelled, key string) (Outcome, error) {
	rows, err := h.ledger.FindByOrderID(ctx, c.OrderID)
	if err != nil {
		return OutcomeFailed, err
	}
	for _, r := range rows {
		if r.DedupKey == key {
			return OutcomeDuplicate, nil
		}
	}

	target, granted := compensationTarget(rows, c.GrantID, c.Point)
	if !granted {
		return h.recordOrphan(ctx, c, key)
	}

	net := model.NetPoints(rows)
	if target == nil || net <= 0 {
		h.log.Infow("order already compensated", "orderId", c.OrderID, "eventId", c.ID())
		return OutcomeAlreadyCompensated, nil
	}
	amount := target.Point
	if c.Point != 0 && c.Point != amount {
		h.log.Warnw("cancelled point differs from grant, using grant amount",
			"orderId", c.OrderID, "grantId", target.ID, "grantPoint", amount, "eventPoint", c.Point)
	}
	if amount > net {
		amount = net
	}

	comp := &model.Point{
		OrderID:         c.OrderID,
		UserID:          c.UserID,
		Point:           -amount,
		Kind:            model.KindCompensation,
		DedupKey:        key,
		SourceEventType: event.TypePointCancelled,
		CompensatesID:   target.ID,
	}
	if _, err := h.ledger.Save(ctx, comp); err != nil {
		if errors.Is(err, repo.ErrDuplicateGrant) {
			return OutcomeDuplicate, nil
		}
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

// compensationTarget picks the grant a cancellation reverses: the one named by
// grantID, else the latest unreversed grant of the same amount, else the latest
// unreversed grant. granted reports whether the order has any grant at all; a
// nil target with granted set means everything is already reversed.
func compensationTarget(rows []model.Point, grantID, point int64) (target *model.Point, granted bool) {
	reversed := model.ReversedGrants(rows)
	var latest, sameAmount *model.Point
	for i := range rows {
		r := &rows[i]
		if r.Kind != model.KindGrant {
			continue
		}
		granted = true
		_, done := reversed[r.ID]
		if grantID != 0 && r.ID == grantID {
			if done {
				return nil, true
			}
			return r, true
		}
		if done {
			continue
		}
		latest = r
		if point != 0 && r.Point == point {
			sameAmount = r
		}
	}
	if sameAmount != nil {
		return sameAmount, granted
	}
	return latest, granted
}

func (h *PolicyHandler) recordOrphan(ctx context.Context, c *event.PointCancelled, key string) (Outcome, error) {
	h.metrics.Anomaly(string(OutcomeCompensationMissing))
	h.log.Warnw("cancellation without grant",
		"orderId", c.OrderID, "userId", c.UserID, "eventId", c.ID(), "err", ErrCompensationTargetMissing)

	flag := &model.Point{
		OrderID:         c.OrderID,
		UserID:          c.UserID,
		Point:           0,
		Kind:            model.KindOrphanCancel,
		DedupKey:        key,
		SourceEventType: event.TypePointCancelled,
	}
	if _, err := h.ledger.Save(ctx, flag); err != nil {
		if errors.Is(err, repo.ErrDuplicateGrant) {
			return OutcomeDuplicate, nil
		}
		return OutcomeFailed, err
	}
	return OutcomeCompensationMissing, nil
}

// dedupKey is the source event id, or a key derived from the event's fields
// when the producer sent none.
func dedupKey(ev event.Event) string {
	if id := ev.ID(); id != "" {
		return id
	}
	switch e := ev.(type) {
	case *event.Payed:
		return grantKey(e.OrderID, e.UserID, int64(e.Qty)*AccrualRate)
	case *event.PointCancelled:
		return fmt.Sprintf("%s:%d:%d:%s:%d", event.TypePointCancelled, e.GrantID, e.OrderID, e.UserID, e.Point)
	default:
		return ev.Type() + ":" + ev.String()
	}
}

func (h *PolicyHandler) startSpan(ctx context.Context, name string, ev event.Event) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.type", ev.Type()),
			attribute.String("event.id", ev.ID()),
			attribute.String("order.id", ev.PartitionKey()),
		),
	)
}

func (h *PolicyHandler) spanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
