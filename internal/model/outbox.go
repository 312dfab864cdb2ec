package model

import "time"

// Outbox event types published for downstream reporting.
const (
	OutboxPointGranted        = "PointGranted"
	OutboxPointCompensated    = "PointCompensated"
	OutboxPointCancelOrphaned = "PointCancelOrphaned"
)

type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID int64     `gorm:"not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false;index"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }

// OutboxEventType maps a ledger kind to the fact it publishes.
func OutboxEventType(kind string) string {
	switch kind {
	case KindCompensation:
		return OutboxPointCompensated
	case KindOrphanCancel:
		return OutboxPointCancelOrphaned
	default:
		return OutboxPointGranted
	}
}
