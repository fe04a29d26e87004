package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/config"
	"bitbucket.org/mmdatafocus/inspect_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// SettlementScheduler runs the daily commission batch for the previous
// day. The trigger is at-least-once: the redis marker only suppresses
// redundant runs, correctness comes from CalculateSettlements being
// idempotent per order.
type SettlementScheduler struct {
	Logger   *logrus.Logger
	Interval time.Duration
}

func NewSettlementScheduler(logger *logrus.Logger) *SettlementScheduler {
	interval := time.Hour
	if v := os.Getenv("SETTLEMENT_CHECK_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Minute
		}
	}
	return &SettlementScheduler{Logger: logger, Interval: interval}
}

func (s *SettlementScheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
	}
}

func (s *SettlementScheduler) runOnce(ctx context.Context) {
	target := time.Now().AddDate(0, 0, -1)
	markerKey := "settlementRun:" + target.Format("2006-01-02")

	if _, done, err := config.GetRedisValue(markerKey); err == nil && done {
		return
	}

	// Only one instance should run a given day's batch at a time.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "lock:"+markerKey, 5*time.Minute, nil)
		if err == redislock.ErrNotObtained {
			return
		}
		if err == nil {
			defer func() { _ = lock.Release(ctx) }()
		}
	}

	created, err := models.CalculateSettlements(ctx, target)
	if err != nil {
		config.LogError(s.Logger, "settlement_scheduler.go", "runOnce", "CalculateSettlements", target.Format("2006-01-02"), err)
		return
	}

	// marker kept for 48h; after that the skip-existing check carries it
	if err := config.SetRedisValue(markerKey, "done", 48*time.Hour); err != nil {
		config.LogError(s.Logger, "settlement_scheduler.go", "runOnce", "SetRedisValue", markerKey, err)
	}

	s.Logger.WithFields(logrus.Fields{
		"module":  "settlement_scheduler.go",
		"date":    target.Format("2006-01-02"),
		"created": created,
	}).Info("scheduled settlement batch finished")
}
