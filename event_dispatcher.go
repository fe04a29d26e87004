package main

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/config"
	"bitbucket.org/mmdatafocus/inspect_backend/models"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EventDispatcher drains the event outbox: it publishes PENDING records to
// Pub/Sub after the emitting transaction has committed. Delivery is
// at-least-once; consumers must deduplicate on the record id.
type EventDispatcher struct {
	DB          *gorm.DB
	Logger      *logrus.Logger
	WorkerID    string
	BatchSize   int
	Interval    time.Duration
	MaxAttempts int
}

func NewEventDispatcher(db *gorm.DB, logger *logrus.Logger) *EventDispatcher {
	return &EventDispatcher{
		DB:          db,
		Logger:      logger,
		WorkerID:    "dispatcher-" + uuid.NewString()[:8],
		BatchSize:   50,
		Interval:    2 * time.Second,
		MaxAttempts: 10,
	}
}

func (d *EventDispatcher) Run(ctx context.Context) {
	if d == nil || d.DB == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.Interval):
		}
	}
}

func (d *EventDispatcher) dispatchOnce(ctx context.Context) {
	// Single-flight across instances is a best-effort optimization: the
	// per-record conditional update below is what actually prevents
	// double-publishing from corrupting state.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "eventDispatcher", 30*time.Second, nil)
		if err == redislock.ErrNotObtained {
			return
		}
		if err == nil {
			defer func() { _ = lock.Release(ctx) }()
		}
	}

	now := time.Now().UTC()
	var records []models.EventRecord
	if err := d.DB.WithContext(ctx).
		Where("publish_status = ?", models.EventPublishStatusPending).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Order("id ASC").
		Limit(d.BatchSize).
		Find(&records).Error; err != nil {
		config.LogError(d.Logger, "event_dispatcher.go", "dispatchOnce", "Find", nil, err)
		return
	}

	for _, rec := range records {
		msgID, err := config.PublishEvent(ctx, models.ConvertToEventMessage(rec))
		if err != nil {
			d.markFailed(ctx, rec, err)
			continue
		}

		publishedAt := time.Now().UTC()
		if err := d.DB.WithContext(ctx).Model(&models.EventRecord{}).
			Where("id = ? AND publish_status = ?", rec.ID, models.EventPublishStatusPending).
			Updates(map[string]interface{}{
				"publish_status": models.EventPublishStatusSent,
				"published_at":   publishedAt,
				"last_error":     nil,
			}).Error; err != nil {
			config.LogError(d.Logger, "event_dispatcher.go", "dispatchOnce", "mark sent", rec.ID, err)
			continue
		}

		d.Logger.WithFields(logrus.Fields{
			"module":         "event_dispatcher.go",
			"record_id":      rec.ID,
			"event_type":     rec.EventType,
			"order_id":       rec.OrderId,
			"message_id":     msgID,
			"correlation_id": rec.CorrelationId,
		}).Info("event published")
	}
}

func (d *EventDispatcher) markFailed(ctx context.Context, rec models.EventRecord, cause error) {
	attempts := rec.Attempts + 1
	errMsg := cause.Error()

	updates := map[string]interface{}{
		"attempts":   attempts,
		"last_error": &errMsg,
	}
	if attempts >= d.MaxAttempts {
		// parked for manual replay; the record is never deleted
		updates["publish_status"] = models.EventPublishStatusFailed
	} else {
		backoff := time.Duration(1<<min(attempts, 5)) * time.Second
		next := time.Now().UTC().Add(backoff)
		updates["next_attempt_at"] = &next
	}

	if err := d.DB.WithContext(ctx).Model(&models.EventRecord{}).
		Where("id = ?", rec.ID).
		Updates(updates).Error; err != nil {
		config.LogError(d.Logger, "event_dispatcher.go", "markFailed", "Updates", rec.ID, err)
		return
	}

	d.Logger.WithFields(logrus.Fields{
		"module":     "event_dispatcher.go",
		"record_id":  rec.ID,
		"event_type": rec.EventType,
		"attempts":   attempts,
	}).Warn("event publish failed: " + errMsg)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
