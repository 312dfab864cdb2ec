package model

import "time"

// Point kinds. A ledger row is never updated; reversals are new rows.
const (
	KindGrant        = "GRANT"
	KindCompensation = "COMPENSATION"
	KindOrphanCancel = "ORPHAN_CANCEL"
)

// Point is one append-only ledger row. Point is signed: grants are positive,
// compensations negative, orphan cancellation flags zero. CompensatesID is the
// grant a compensation row reverses.
type Point struct {
	ID              int64     `gorm:"primaryKey" json:"id"`
	OrderID         int64     `gorm:"not null;index:idx_point_order" json:"orderId"`
	UserID          string    `gorm:"size:64;not null" json:"userId"`
	Point           int64     `gorm:"not null" json:"point"`
	Kind            string    `gorm:"size:32;not null" json:"kind"`
	DedupKey        string    `gorm:"size:128;not null;uniqueIndex:uq_point_dedup_key" json:"dedupKey"`
	SourceEventType string    `gorm:"size:64" json:"sourceEventType,omitempty"`
	CompensatesID   int64     `gorm:"index:idx_point_compensates" json:"compensatesId,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Point) TableName() string { return "point" }

// ReversedGrants returns the ids of grants a compensation row already reverses.
func ReversedGrants(rows []Point) map[int64]struct{} {
	out := make(map[int64]struct{})
	for _, r := range rows {
		if r.Kind == KindCompensation && r.CompensatesID != 0 {
			out[r.CompensatesID] = struct{}{}
		}
	}
	return out
}

// NetPoints sums the signed points of rows.
func NetPoints(rows []Point) int64 {
	var sum int64
	for _, r := range rows {
		sum += r.Point
	}
	return sum
}
