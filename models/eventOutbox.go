package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/config"
	"bitbucket.org/mmdatafocus/inspect_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Typed events raised by the core. The notification subsystem consumes
// them from Pub/Sub; nothing here waits for delivery.
type EventType string

const (
	EventOrderCreated        EventType = "order.created"
	EventOrderAssigned       EventType = "order.assigned"
	EventOrderAssignDeclined EventType = "order.assign_declined"
	EventOrderCompleted      EventType = "order.completed"
	EventOrderCancelled      EventType = "order.cancelled"
	EventReportSubmitted     EventType = "report.submitted"
	EventReportRejected      EventType = "report.rejected"
	EventPaymentCompleted    EventType = "payment.completed"
	EventPaymentCancelled    EventType = "payment.cancelled"
	EventPaymentUpdated      EventType = "payment.updated"
	EventSettlementCreated   EventType = "settlement.created"
)

type EventPublishStatus string

const (
	EventPublishStatusPending EventPublishStatus = "PENDING"
	EventPublishStatusSent    EventPublishStatus = "SENT"
	EventPublishStatusFailed  EventPublishStatus = "FAILED"
)

// EventRecord implements the transactional outbox: rows are written inside
// the caller's DB transaction and published asynchronously by the event
// dispatcher after commit.
type EventRecord struct {
	ID            int                `gorm:"primary_key" json:"id"`
	EventType     string             `gorm:"size:50;not null;index" json:"event_type"`
	OrderId       int                `gorm:"not null;index" json:"order_id"`
	Payload       []byte             `gorm:"type:json" json:"payload"`
	PublishStatus EventPublishStatus `gorm:"size:20;not null;default:'PENDING';index" json:"publish_status"`
	Attempts      int                `gorm:"not null;default:0" json:"attempts"`
	LastError     *string            `gorm:"type:text" json:"last_error"`
	NextAttemptAt *time.Time         `gorm:"index" json:"next_attempt_at"`
	CorrelationId string             `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
	PublishedAt   *time.Time         `json:"published_at"`
}

// EmitEvent records an event in the caller's transaction. Delivery is
// fire-and-forget from the caller's point of view.
func EmitEvent(ctx context.Context, tx *gorm.DB, eventType EventType, orderId int, payload any) error {
	body := []byte("{}")
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	rec := EventRecord{
		EventType:     string(eventType),
		OrderId:       orderId,
		Payload:       body,
		PublishStatus: EventPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&rec).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func ConvertToEventMessage(rec EventRecord) config.EventMessage {
	return config.EventMessage{
		ID:            rec.ID,
		EventType:     rec.EventType,
		OrderId:       rec.OrderId,
		Payload:       json.RawMessage(rec.Payload),
		EmittedAt:     rec.CreatedAt,
		CorrelationId: rec.CorrelationId,
	}
}
