package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/config"
	"bitbucket.org/mmdatafocus/inspect_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Order is a single customer booking for an on-site vehicle inspection.
// Orders are never deleted: cancellation is a terminal status, not removal.
// TotalAmount is fixed at creation; corrections require a new order.
type Order struct {
	ID            int           `gorm:"primary_key" json:"id"`
	CustomerId    int           `gorm:"index;not null" json:"customer_id"`
	WorkerId      *int          `gorm:"index" json:"worker_id"`
	Status        OrderStatus   `gorm:"size:30;not null;index" json:"status"`
	MerchantUid   string        `gorm:"size:64;not null;uniqueIndex" json:"merchant_uid"`
	PackageId     int           `gorm:"not null" json:"package_id"`
	RegionId      int           `gorm:"not null" json:"region_id"`
	VehicleOrigin VehicleOrigin `gorm:"size:20;not null" json:"vehicle_origin"`
	VehicleClass  VehicleClass  `gorm:"size:20;not null" json:"vehicle_class"`
	ScheduledAt   time.Time     `gorm:"not null;index" json:"scheduled_at"`
	Address       string        `gorm:"size:500;not null" json:"address"`
	TotalAmount   int64         `gorm:"not null" json:"total_amount"`
	ReportStatus  ReportStatus  `gorm:"size:20;not null;default:'NONE'" json:"report_status"`
	CancelReason  string        `gorm:"size:255" json:"cancel_reason"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewInspectionOrder struct {
	CustomerId    int           `json:"customer_id" binding:"required"`
	PackageId     int           `json:"package_id" binding:"required"`
	RegionId      int           `json:"region_id" binding:"required"`
	VehicleOrigin VehicleOrigin `json:"vehicle_origin" binding:"required"`
	VehicleClass  VehicleClass  `json:"vehicle_class" binding:"required"`
	ScheduledAt   time.Time     `json:"scheduled_at" binding:"required"`
	Address       string        `json:"address" binding:"required"`
}

// orderTransitions lists every legal status move and nothing else.
// CANCELLED is reachable from every non-terminal state.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusRequested:       {OrderStatusPaid, OrderStatusAssigned, OrderStatusCancelled},
	OrderStatusPaid:            {OrderStatusAssigned, OrderStatusCancelled},
	OrderStatusAssigned:        {OrderStatusInProgress, OrderStatusCancelled},
	OrderStatusInProgress:      {OrderStatusReportSubmitted, OrderStatusCancelled},
	OrderStatusReportSubmitted: {OrderStatusSent, OrderStatusCancelled},
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	db := config.GetDB()
	var order Order
	if err := db.WithContext(ctx).Take(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &order, nil
}

func GetOrderByMerchantUid(ctx context.Context, merchantUid string) (*Order, error) {
	db := config.GetDB()
	var order Order
	if err := db.WithContext(ctx).Where("merchant_uid = ?", merchantUid).Take(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &order, nil
}

// transitionOrderTx moves an order to the next status with a conditional
// update so a concurrent move is detected instead of double-applied.
// extra columns (assignee, report status, cancel reason) ride along in the
// same UPDATE.
func transitionOrderTx(ctx context.Context, tx *gorm.DB, order *Order, next OrderStatus, extra map[string]interface{}) error {
	if !order.Status.CanTransitionTo(next) {
		return utils.NewBusinessRuleError("order %d cannot move from %s to %s", order.ID, order.Status, next)
	}

	updates := map[string]interface{}{"status": next}
	for k, v := range extra {
		updates[k] = v
	}

	res := tx.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ?", order.ID, order.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.NewBusinessRuleError("order %d was updated concurrently (expected status %s)", order.ID, order.Status)
	}

	order.Status = next
	return nil
}

// CreateInspectionOrder quotes the authoritative price server-side and
// creates the booking in REQUESTED. The order.created event is emitted on
// payment confirmation, not here.
func CreateInspectionOrder(ctx context.Context, input *NewInspectionOrder) (*Order, error) {
	if !input.VehicleOrigin.Valid() {
		return nil, utils.NewValidationError("invalid vehicle origin %q", input.VehicleOrigin)
	}
	if !input.VehicleClass.Valid() {
		return nil, utils.NewValidationError("invalid vehicle class %q", input.VehicleClass)
	}
	if input.ScheduledAt.IsZero() {
		return nil, utils.NewValidationError("scheduled_at is required")
	}

	total, err := QuoteOrderAmount(ctx, input.PackageId, input.RegionId, input.VehicleOrigin, input.VehicleClass)
	if err != nil {
		return nil, err
	}

	order := Order{
		CustomerId:    input.CustomerId,
		Status:        OrderStatusRequested,
		MerchantUid:   uuid.NewString(),
		PackageId:     input.PackageId,
		RegionId:      input.RegionId,
		VehicleOrigin: input.VehicleOrigin,
		VehicleClass:  input.VehicleClass,
		ScheduledAt:   input.ScheduledAt,
		Address:       input.Address,
		TotalAmount:   total,
		ReportStatus:  ReportStatusNone,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// AssignWorker moves a requested/paid order to ASSIGNED. Self-assignment
// and administrative forced assignment share this path; both require the
// target to be an active worker.
func AssignWorker(ctx context.Context, orderId int, workerId int, forced bool) (*Order, error) {
	worker, err := GetWorker(ctx, workerId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewValidationError("worker %d not found", workerId)
		}
		return nil, err
	}
	if !utils.DereferencePtr(worker.IsActive) {
		return nil, utils.NewBusinessRuleError("worker %d is not active", workerId)
	}

	order, err := GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}
	if order.WorkerId != nil && !forced {
		return nil, utils.NewBusinessRuleError("order %d already has worker %d assigned", orderId, *order.WorkerId)
	}

	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	if err := transitionOrderTx(ctx, tx, order, OrderStatusAssigned, map[string]interface{}{"worker_id": workerId}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := EmitEvent(ctx, tx, EventOrderAssigned, order.ID, map[string]any{
		"worker_id": workerId,
		"forced":    forced,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	order.WorkerId = &workerId
	return order, nil
}

// DeclineAssignment records that a worker passed on a dispatched order.
// The order status does not change: it stays claimable so dispatch can
// retry another worker.
func DeclineAssignment(ctx context.Context, orderId int, workerId int) error {
	order, err := GetOrder(ctx, orderId)
	if err != nil {
		return err
	}
	if order.Status != OrderStatusRequested && order.Status != OrderStatusPaid {
		return utils.NewBusinessRuleError("order %d is not awaiting assignment (status %s)", orderId, order.Status)
	}

	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := EmitEvent(ctx, tx, EventOrderAssignDeclined, order.ID, map[string]any{
		"worker_id": workerId,
	}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// StartInspection moves ASSIGNED to IN_PROGRESS. Only the assigned worker
// may progress an order.
func StartInspection(ctx context.Context, orderId int, workerId int) (*Order, error) {
	order, err := GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}
	if err := requireAssignedWorker(order, workerId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	if err := transitionOrderTx(ctx, tx, order, OrderStatusInProgress, nil); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return order, nil
}

// SubmitReport moves IN_PROGRESS to REPORT_SUBMITTED.
func SubmitReport(ctx context.Context, orderId int, workerId int) (*Order, error) {
	order, err := GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}
	if err := requireAssignedWorker(order, workerId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	if err := transitionOrderTx(ctx, tx, order, OrderStatusReportSubmitted, map[string]interface{}{
		"report_status": ReportStatusSubmitted,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := EmitEvent(ctx, tx, EventReportSubmitted, order.ID, map[string]any{
		"worker_id": workerId,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	order.ReportStatus = ReportStatusSubmitted
	return order, nil
}

// ApproveReport is the terminal approval: REPORT_SUBMITTED -> SENT.
func ApproveReport(ctx context.Context, orderId int) (*Order, error) {
	order, err := GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	if err := transitionOrderTx(ctx, tx, order, OrderStatusSent, map[string]interface{}{
		"report_status": ReportStatusApproved,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := EmitEvent(ctx, tx, EventOrderCompleted, order.ID, nil); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	order.ReportStatus = ReportStatusApproved
	return order, nil
}

// RejectReport sends the report back for revision. The order stays in
// REPORT_SUBMITTED so the worker can amend and the approver re-review.
func RejectReport(ctx context.Context, orderId int, reason string) (*Order, error) {
	order, err := GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStatusReportSubmitted {
		return nil, utils.NewBusinessRuleError("order %d has no report awaiting review (status %s)", orderId, order.Status)
	}

	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	res := tx.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ?", order.ID, OrderStatusReportSubmitted).
		Update("report_status", ReportStatusRejected)
	if res.Error != nil {
		tx.Rollback()
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return nil, utils.NewBusinessRuleError("order %d was updated concurrently", order.ID)
	}
	if err := EmitEvent(ctx, tx, EventReportRejected, order.ID, map[string]any{
		"reason": reason,
	}); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	order.ReportStatus = ReportStatusRejected
	return order, nil
}

// CancelOrder moves any non-terminal order to CANCELLED. Used by the
// payment cascade and by explicit cancellation; history is retained.
func CancelOrder(ctx context.Context, orderId int, reason string) (*Order, error) {
	order, err := GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	if err := cancelOrderTx(ctx, tx, order, reason); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return order, nil
}

func cancelOrderTx(ctx context.Context, tx *gorm.DB, order *Order, reason string) error {
	if err := transitionOrderTx(ctx, tx, order, OrderStatusCancelled, map[string]interface{}{
		"cancel_reason": reason,
	}); err != nil {
		return err
	}
	order.CancelReason = reason
	return EmitEvent(ctx, tx, EventOrderCancelled, order.ID, map[string]any{
		"reason": reason,
	})
}

func requireAssignedWorker(order *Order, workerId int) error {
	if order.WorkerId == nil || *order.WorkerId != workerId {
		return utils.NewBusinessRuleError("order %d can only be progressed by its assigned worker", order.ID)
	}
	return nil
}
