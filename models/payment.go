package models

import (
	"context"
	"errors"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/config"
	"bitbucket.org/mmdatafocus/inspect_backend/gateway"
	"bitbucket.org/mmdatafocus/inspect_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Payment is the 1:1 companion of an Order against the external gateway.
// Status moves are one-directional except the controlled rollback
// (PENDING -> FAILED) and cancellation (PAID -> CANCELLED/REFUNDED).
// Payments are never deleted.
type Payment struct {
	ID             int           `gorm:"primary_key" json:"id"`
	OrderId        int           `gorm:"uniqueIndex;not null" json:"order_id"`
	Amount         int64         `gorm:"not null" json:"amount"`
	Method         PaymentMethod `gorm:"size:20;not null" json:"method"`
	Provider       string        `gorm:"size:30;not null" json:"provider"`
	GatewayHandle  *string       `gorm:"size:100" json:"gateway_handle"`
	ExternalTxnId  *string       `gorm:"size:100;uniqueIndex" json:"external_txn_id"`
	Status         PaymentStatus `gorm:"size:20;not null;index" json:"status"`
	PaidAt         *time.Time    `json:"paid_at"`
	CancelledAt    *time.Time    `json:"cancelled_at"`
	RefundedAmount int64         `gorm:"not null;default:0" json:"refunded_amount"`
	CreatedAt      time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type PayerInfo struct {
	Name  string `json:"name" binding:"required"`
	Phone string `json:"phone" binding:"required"`
	Email string `json:"email"`
}

type PaymentRequestResult struct {
	PaymentId   int    `json:"payment_id"`
	OrderId     int    `json:"order_id"`
	MerchantUid string `json:"merchant_uid"`
	Handle      string `json:"handle"`
	RedirectUrl string `json:"redirect_url"`
	Amount      int64  `json:"amount"`
}

// Absolute sanity band for client-submitted amounts, in minor units.
const (
	minRequestAmount int64 = 1_000
	maxRequestAmount int64 = 100_000_000
)

// Gateway retry budget. Only GatewayUnreachable is retried; business-rule
// and gateway-rejected failures never are.
var (
	gatewayRetryAttempts = 3
	gatewayRetryBase     = time.Second
)

func GetPayment(ctx context.Context, id int) (*Payment, error) {
	db := config.GetDB()
	var payment Payment
	if err := db.WithContext(ctx).Take(&payment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func GetPaymentByOrderId(ctx context.Context, orderId int) (*Payment, error) {
	db := config.GetDB()
	var payment Payment
	if err := db.WithContext(ctx).Where("order_id = ?", orderId).Take(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// RequestPayment re-derives the authoritative price, verifies the
// client-submitted amount against it, creates or reuses the order's single
// pending Payment and opens a gateway transaction. The order status does
// not change here; only a confirmed payment advances it.
func RequestPayment(ctx context.Context, orderId int, clientAmount int64, method PaymentMethod, payer PayerInfo) (*PaymentRequestResult, error) {
	if clientAmount < minRequestAmount || clientAmount > maxRequestAmount {
		return nil, utils.NewValidationError("amount %d is outside the accepted range [%d, %d]", clientAmount, minRequestAmount, maxRequestAmount)
	}
	if !method.Valid() {
		return nil, utils.NewValidationError("invalid payment method %q", method)
	}
	if err := utils.ValidatePhoneNumber(payer.Phone, utils.CountryCode); err != nil {
		return nil, utils.NewValidationError("invalid payer phone number: %v", err)
	}

	release, err := utils.OrderLock(ctx, orderId, "payment.go", "RequestPayment")
	if err != nil {
		return nil, utils.NewBusinessRuleError("order %d: %v", orderId, err)
	}
	defer release()

	order, err := GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStatusRequested {
		return nil, utils.NewBusinessRuleError("order %d is not awaiting payment (status %s)", orderId, order.Status)
	}

	quote, err := QuoteOrderAmount(ctx, order.PackageId, order.RegionId, order.VehicleOrigin, order.VehicleClass)
	if err != nil {
		return nil, err
	}
	if clientAmount != quote {
		return nil, utils.NewBusinessRuleError("amount mismatch for order %d: client sent %d, server quoted %d", orderId, clientAmount, quote)
	}

	db := config.GetDB()
	payment, err := GetPaymentByOrderId(ctx, orderId)
	switch {
	case err == nil:
		switch payment.Status {
		case PaymentStatusPending:
			// re-entry before redirect completed: reuse as-is
		case PaymentStatusFailed:
			// a rolled-back attempt may be re-opened by a fresh request
			res := db.WithContext(ctx).Model(&Payment{}).
				Where("id = ? AND status = ?", payment.ID, PaymentStatusFailed).
				Updates(map[string]interface{}{"status": PaymentStatusPending, "amount": quote, "method": method})
			if res.Error != nil {
				return nil, res.Error
			}
			if res.RowsAffected == 0 {
				return nil, utils.NewBusinessRuleError("payment %d was updated concurrently", payment.ID)
			}
			payment.Status = PaymentStatusPending
			payment.Amount = quote
		default:
			return nil, utils.NewBusinessRuleError("order %d already has a %s payment", orderId, payment.Status)
		}
	case errors.Is(err, utils.ErrorRecordNotFound):
		payment = &Payment{
			OrderId:  orderId,
			Amount:   quote,
			Method:   method,
			Provider: gateway.Active().Provider(),
			Status:   PaymentStatusPending,
		}
		if err := db.WithContext(ctx).Create(payment).Error; err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	open, err := gateway.Active().OpenTransaction(ctx, gateway.OpenTxnInput{
		MerchantUid: order.MerchantUid,
		Amount:      quote,
		PayerName:   payer.Name,
		PayerPhone:  payer.Phone,
		ReturnURL:   os.Getenv("PAYMENT_RETURN_URL"),
	})
	if err != nil {
		return nil, err
	}

	if err := db.WithContext(ctx).Model(&Payment{}).
		Where("id = ?", payment.ID).
		Update("gateway_handle", open.Handle).Error; err != nil {
		return nil, err
	}

	return &PaymentRequestResult{
		PaymentId:   payment.ID,
		OrderId:     orderId,
		MerchantUid: order.MerchantUid,
		Handle:      open.Handle,
		RedirectUrl: open.RedirectUrl,
		Amount:      quote,
	}, nil
}

// ConfirmPayment is the callback path. It is safe to invoke more than once
// for the same transaction: a second confirmation of an already-paid
// Payment is rejected so duplicate callbacks surface instead of silently
// succeeding, and the order is never double-advanced.
func ConfirmPayment(ctx context.Context, merchantUid string, gatewayRef string, amount int64) (*Payment, error) {
	order, err := GetOrderByMerchantUid(ctx, merchantUid)
	if err != nil {
		return nil, err
	}

	release, err := utils.OrderLock(ctx, order.ID, "payment.go", "ConfirmPayment")
	if err != nil {
		return nil, utils.NewBusinessRuleError("order %d: %v", order.ID, err)
	}
	defer release()

	payment, err := GetPaymentByOrderId(ctx, order.ID)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewBusinessRuleError("order %d has no payment to confirm", order.ID)
		}
		return nil, err
	}
	if payment.Status == PaymentStatusPaid {
		return nil, utils.NewBusinessRuleError("payment %d is already confirmed", payment.ID)
	}
	if payment.Status != PaymentStatusPending {
		return nil, utils.NewBusinessRuleError("payment %d cannot be confirmed from status %s", payment.ID, payment.Status)
	}
	if amount != payment.Amount {
		return nil, utils.NewBusinessRuleError("amount mismatch for payment %d: callback sent %d, expected %d", payment.ID, amount, payment.Amount)
	}

	confirmed, err := gateway.Active().Confirm(ctx, gatewayRef, amount)
	if err != nil {
		return nil, err
	}
	if confirmed.Status != gateway.TxnStatusPaid {
		return nil, utils.NewGatewayRejectedError("gateway reports transaction is not paid", nil)
	}
	if confirmed.Amount != payment.Amount {
		return nil, utils.NewBusinessRuleError("amount mismatch for payment %d: gateway settled %d, expected %d", payment.ID, confirmed.Amount, payment.Amount)
	}

	paidAt := confirmed.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now()
	}
	if err := applyConfirmTx(ctx, order, payment, confirmed.ExternalTxnId, gatewayRef, paidAt); err != nil {
		return nil, err
	}
	return GetPayment(ctx, payment.ID)
}

// applyConfirmTx marks the payment PAID and cascades REQUESTED -> PAID on
// the order. The cascade is a no-op when the order has already advanced
// further. Shared by the callback path and webhook recovery.
func applyConfirmTx(ctx context.Context, order *Order, payment *Payment, externalTxnId string, handle string, paidAt time.Time) error {
	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	res := tx.WithContext(ctx).Model(&Payment{}).
		Where("id = ? AND status = ?", payment.ID, PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":          PaymentStatusPaid,
			"external_txn_id": externalTxnId,
			"gateway_handle":  handle,
			"paid_at":         paidAt,
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return utils.NewBusinessRuleError("payment %d was finalized concurrently", payment.ID)
	}

	if order.Status == OrderStatusRequested {
		if err := transitionOrderTx(ctx, tx, order, OrderStatusPaid, nil); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := EmitEvent(ctx, tx, EventPaymentCompleted, order.ID, map[string]any{
		"payment_id":      payment.ID,
		"amount":          payment.Amount,
		"external_txn_id": externalTxnId,
		"paid_at":         paidAt,
	}); err != nil {
		tx.Rollback()
		return err
	}
	if err := EmitEvent(ctx, tx, EventOrderCreated, order.ID, map[string]any{
		"customer_id":  order.CustomerId,
		"scheduled_at": order.ScheduledAt,
		"address":      order.Address,
		"total_amount": order.TotalAmount,
	}); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// CancelPayment reverses a PAID payment via the gateway, with a bounded
// exponential backoff on unreachable errors. Full cancellation moves the
// payment to CANCELLED, a partial amount to REFUNDED with the amount
// decremented. Either way the order cascades to CANCELLED. When retries
// are exhausted the payment stays PAID and the error surfaces for manual
// follow-up; nothing is left half-applied.
func CancelPayment(ctx context.Context, paymentId int, reason string, partialAmount *int64) (*Payment, error) {
	payment, err := GetPayment(ctx, paymentId)
	if err != nil {
		return nil, err
	}
	if payment.Status != PaymentStatusPaid {
		return nil, utils.NewBusinessRuleError("payment %d cannot be cancelled from status %s", paymentId, payment.Status)
	}
	if payment.ExternalTxnId == nil {
		return nil, utils.NewConsistencyError("payment %d is paid but has no external transaction id", paymentId)
	}

	cancelAmount := payment.Amount
	partial := false
	if partialAmount != nil && *partialAmount != payment.Amount {
		if *partialAmount <= 0 || *partialAmount > payment.Amount {
			return nil, utils.NewValidationError("partial amount %d is outside (0, %d]", *partialAmount, payment.Amount)
		}
		cancelAmount = *partialAmount
		partial = true
	}

	order, err := GetOrder(ctx, payment.OrderId)
	if err != nil {
		return nil, err
	}

	release, err := utils.OrderLock(ctx, order.ID, "payment.go", "CancelPayment")
	if err != nil {
		return nil, utils.NewBusinessRuleError("order %d: %v", order.ID, err)
	}
	defer release()

	logger := config.GetLogger()
	var lastErr error
	for attempt := 0; attempt < gatewayRetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(gatewayRetryBase << (attempt - 1))
		}
		_, err := gateway.Active().Cancel(ctx, *payment.ExternalTxnId, order.MerchantUid, cancelAmount, reason)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !utils.IsRetryable(err) {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"module":     "payment.go",
			"payment_id": paymentId,
			"attempt":    attempt + 1,
		}).Warn("gateway cancel unreachable, retrying: " + err.Error())
	}
	if lastErr != nil {
		return nil, lastErr
	}

	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	now := time.Now()
	updates := map[string]interface{}{
		"cancelled_at":    now,
		"refunded_amount": payment.RefundedAmount + cancelAmount,
	}
	if partial {
		updates["status"] = PaymentStatusRefunded
		updates["amount"] = payment.Amount - cancelAmount
	} else {
		updates["status"] = PaymentStatusCancelled
	}

	res := tx.WithContext(ctx).Model(&Payment{}).
		Where("id = ? AND status = ?", paymentId, PaymentStatusPaid).
		Updates(updates)
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return nil, utils.NewBusinessRuleError("payment %d was finalized concurrently", paymentId)
	}

	if !order.Status.IsTerminal() {
		if err := cancelOrderTx(ctx, tx, order, reason); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := EmitEvent(ctx, tx, EventPaymentCancelled, order.ID, map[string]any{
		"payment_id": paymentId,
		"amount":     cancelAmount,
		"partial":    partial,
		"reason":     reason,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return GetPayment(ctx, paymentId)
}

// UpdatePaymentStatus is the administrative override. It bypasses the
// one-directional rules but logs prior/new status for audit and applies
// the same order cascades when asked to.
func UpdatePaymentStatus(ctx context.Context, paymentId int, newStatus PaymentStatus, cascade bool) (*Payment, error) {
	if !newStatus.Valid() {
		return nil, utils.NewValidationError("invalid payment status %q", newStatus)
	}

	payment, err := GetPayment(ctx, paymentId)
	if err != nil {
		return nil, err
	}

	adminName, _ := utils.GetUserNameFromContext(ctx)
	config.GetLogger().WithFields(logrus.Fields{
		"module":     "payment.go",
		"payment_id": paymentId,
		"order_id":   payment.OrderId,
		"prior":      payment.Status,
		"new":        newStatus,
		"cascade":    cascade,
		"admin":      adminName,
	}).Warn("administrative payment status override")

	order, err := GetOrder(ctx, payment.OrderId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	updates := map[string]interface{}{"status": newStatus}
	if newStatus == PaymentStatusPaid && payment.PaidAt == nil {
		updates["paid_at"] = time.Now()
	}
	if err := tx.WithContext(ctx).Model(&Payment{}).
		Where("id = ?", paymentId).
		Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if cascade {
		switch newStatus {
		case PaymentStatusPaid:
			if order.Status == OrderStatusRequested {
				if err := transitionOrderTx(ctx, tx, order, OrderStatusPaid, nil); err != nil {
					tx.Rollback()
					return nil, err
				}
			}
		case PaymentStatusCancelled, PaymentStatusRefunded:
			if !order.Status.IsTerminal() {
				if err := cancelOrderTx(ctx, tx, order, "payment status override"); err != nil {
					tx.Rollback()
					return nil, err
				}
			}
		}
	}

	if err := EmitEvent(ctx, tx, EventPaymentUpdated, order.ID, map[string]any{
		"payment_id": paymentId,
		"prior":      payment.Status,
		"new":        newStatus,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return GetPayment(ctx, paymentId)
}

// RecoverPaymentError reconciles a payment stuck in PENDING with the
// gateway's authoritative record (a missed webhook). If the gateway
// settled the transaction the confirm path is replayed; if it failed, the
// payment is marked FAILED. When the gateway still reports the
// transaction open there is nothing to recover and no state is forced.
func RecoverPaymentError(ctx context.Context, paymentId int) (*Payment, error) {
	payment, err := GetPayment(ctx, paymentId)
	if err != nil {
		return nil, err
	}
	if payment.Status != PaymentStatusPending {
		return nil, utils.NewBusinessRuleError("payment %d is not pending (status %s)", paymentId, payment.Status)
	}
	if payment.GatewayHandle == nil {
		return nil, utils.NewConsistencyError("payment %d has no gateway reference; nothing to recover", paymentId)
	}

	order, err := GetOrder(ctx, payment.OrderId)
	if err != nil {
		return nil, err
	}

	release, err := utils.OrderLock(ctx, order.ID, "payment.go", "RecoverPaymentError")
	if err != nil {
		return nil, utils.NewBusinessRuleError("order %d: %v", order.ID, err)
	}
	defer release()

	var status *gateway.StatusResult
	var lastErr error
	for attempt := 0; attempt < gatewayRetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(gatewayRetryBase << (attempt - 1))
		}
		status, lastErr = gateway.Active().QueryStatus(ctx, *payment.GatewayHandle, order.MerchantUid)
		if lastErr == nil {
			break
		}
		if !utils.IsRetryable(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	switch status.Status {
	case gateway.TxnStatusPaid:
		if status.Amount != payment.Amount {
			return nil, utils.NewConsistencyError("payment %d: gateway settled %d but local amount is %d; manual review required", paymentId, status.Amount, payment.Amount)
		}
		paidAt := time.Now()
		if status.PaidAt != nil {
			paidAt = *status.PaidAt
		}
		if err := applyConfirmTx(ctx, order, payment, status.ExternalTxnId, *payment.GatewayHandle, paidAt); err != nil {
			return nil, err
		}
		return GetPayment(ctx, paymentId)
	case gateway.TxnStatusFailed, gateway.TxnStatusCancelled:
		return RollbackPayment(ctx, paymentId)
	default:
		return nil, utils.NewConsistencyError("payment %d: gateway still reports %s; nothing to recover", paymentId, status.Status)
	}
}

// RollbackPayment abandons a PENDING payment as FAILED. Pending payments
// never advanced the order, so there is nothing to resurrect.
func RollbackPayment(ctx context.Context, paymentId int) (*Payment, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&Payment{}).
		Where("id = ? AND status = ?", paymentId, PaymentStatusPending).
		Update("status", PaymentStatusFailed)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		payment, err := GetPayment(ctx, paymentId)
		if err != nil {
			return nil, err
		}
		return nil, utils.NewBusinessRuleError("payment %d cannot be rolled back from status %s", paymentId, payment.Status)
	}
	return GetPayment(ctx, paymentId)
}
