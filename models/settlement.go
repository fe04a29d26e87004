package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/config"
	"bitbucket.org/mmdatafocus/inspect_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Settlement is the immutable commission record paid to the worker who
// completed an order. TotalSales and FeeRate are snapshots: later edits to
// the worker's rate never rewrite history. Once created for an order a
// settlement is only ever status-transitioned, never regenerated.
type Settlement struct {
	ID           int              `gorm:"primary_key" json:"id"`
	WorkerId     int              `gorm:"index;not null" json:"worker_id"`
	OrderId      int              `gorm:"uniqueIndex;not null" json:"order_id"`
	TotalSales   int64            `gorm:"not null" json:"total_sales"`
	FeeRate      decimal.Decimal  `gorm:"type:decimal(6,4);not null" json:"fee_rate"`
	SettleAmount int64            `gorm:"not null" json:"settle_amount"`
	Status       SettlementStatus `gorm:"size:20;not null;index" json:"status"`
	SettleDate   time.Time        `gorm:"not null;index" json:"settle_date"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// CalculateSettlements computes commissions for every order completed
// (SENT) on targetDate with an assigned worker. Orders that already have a
// settlement are skipped, which makes re-running the batch for the same
// date a no-op: the daily trigger is at-least-once. Returns the number of
// settlements created.
func CalculateSettlements(ctx context.Context, targetDate time.Time) (int, error) {
	day := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, targetDate.Location())
	next := day.AddDate(0, 0, 1)

	db := config.GetDB()
	logger := config.GetLogger()

	var orders []Order
	if err := db.WithContext(ctx).
		Where("status = ?", OrderStatusSent).
		Where("worker_id IS NOT NULL").
		Where("scheduled_at >= ? AND scheduled_at < ?", day, next).
		Order("id ASC").
		Find(&orders).Error; err != nil {
		return 0, err
	}

	created := 0
	for _, order := range orders {
		var count int64
		if err := db.WithContext(ctx).Model(&Settlement{}).
			Where("order_id = ?", order.ID).
			Count(&count).Error; err != nil {
			return created, err
		}
		if count > 0 {
			continue
		}

		rate, err := GetWorkerFeeRate(ctx, *order.WorkerId)
		if err != nil {
			// one broken worker record must not poison the whole batch
			config.LogError(logger, "settlement.go", "CalculateSettlements", "GetWorkerFeeRate", order.ID, err)
			continue
		}

		settleAmount := decimal.NewFromInt(order.TotalAmount).Mul(rate).Round(0).IntPart()

		settlement := Settlement{
			WorkerId:     *order.WorkerId,
			OrderId:      order.ID,
			TotalSales:   order.TotalAmount,
			FeeRate:      rate,
			SettleAmount: settleAmount,
			Status:       SettlementStatusPending,
			SettleDate:   day,
		}

		tx := db.Begin()
		if tx.Error != nil {
			return created, tx.Error
		}
		if err := tx.WithContext(ctx).Create(&settlement).Error; err != nil {
			tx.Rollback()
			// unique order_id index: another instance settled this order first
			config.LogError(logger, "settlement.go", "CalculateSettlements", "Create", order.ID, err)
			continue
		}
		if err := EmitEvent(ctx, tx, EventSettlementCreated, order.ID, map[string]any{
			"settlement_id": settlement.ID,
			"worker_id":     settlement.WorkerId,
			"settle_amount": settleAmount,
		}); err != nil {
			tx.Rollback()
			return created, err
		}
		if err := tx.Commit().Error; err != nil {
			return created, err
		}
		created++
	}

	logger.WithFields(logrus.Fields{
		"module":  "settlement.go",
		"date":    day.Format("2006-01-02"),
		"matched": len(orders),
		"created": created,
	}).Info("settlement batch finished")

	return created, nil
}

// CompleteSettlement marks a settlement paid out.
func CompleteSettlement(ctx context.Context, settlementId int) (*Settlement, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&Settlement{}).
		Where("id = ? AND status = ?", settlementId, SettlementStatusPending).
		Update("status", SettlementStatusCompleted)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, utils.NewBusinessRuleError("settlement %d is not pending", settlementId)
	}

	var settlement Settlement
	if err := db.WithContext(ctx).Take(&settlement, settlementId).Error; err != nil {
		return nil, err
	}
	return &settlement, nil
}
