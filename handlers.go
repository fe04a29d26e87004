package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/models"
	"bitbucket.org/mmdatafocus/inspect_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// respondError maps the error taxonomy to HTTP statuses. Admin endpoints
// get the full kind; customer payment endpoints pass exposeKind=false so
// decline details never leak to the paying customer.
func respondError(c *gin.Context, err error, exposeKind bool) {
	if errors.Is(err, utils.ErrorRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	kind := utils.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case utils.ErrorKindValidation:
		status = http.StatusBadRequest
	case utils.ErrorKindBusinessRule:
		status = http.StatusConflict
	case utils.ErrorKindGatewayRejected:
		status = http.StatusUnprocessableEntity
	case utils.ErrorKindGatewayUnreachable:
		status = http.StatusServiceUnavailable
	case utils.ErrorKindConsistency:
		status = http.StatusConflict
	}

	if !exposeKind && (kind == utils.ErrorKindBusinessRule || kind == utils.ErrorKindGatewayRejected) {
		c.JSON(status, gin.H{"error": "payment could not be processed, please try again"})
		return
	}

	body := gin.H{"error": err.Error()}
	if kind != "" {
		body["kind"] = string(kind)
	}
	c.JSON(status, body)
}

func respondBindError(c *gin.Context, err error) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func createOrderHandler(c *gin.Context) {
	var input models.NewInspectionOrder
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}

	order, err := models.CreateInspectionOrder(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func getOrderHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	order, err := models.GetOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, order)
}

type assignWorkerRequest struct {
	WorkerId int  `json:"worker_id" binding:"required"`
	Forced   bool `json:"forced"`
}

func assignWorkerHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req assignWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	order, err := models.AssignWorker(c.Request.Context(), id, req.WorkerId, req.Forced)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, order)
}

type workerActionRequest struct {
	WorkerId int `json:"worker_id" binding:"required"`
}

func declineAssignmentHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	if err := models.DeclineAssignment(c.Request.Context(), id, req.WorkerId); err != nil {
		respondError(c, err, true)
		return
	}
	c.Status(http.StatusNoContent)
}

func startInspectionHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	order, err := models.StartInspection(c.Request.Context(), id, req.WorkerId)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, order)
}

func submitReportHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req workerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	order, err := models.SubmitReport(c.Request.Context(), id, req.WorkerId)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, order)
}

func approveReportHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	order, err := models.ApproveReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, order)
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func rejectReportHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	order, err := models.RejectReport(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, order)
}

func cancelOrderHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	order, err := models.CancelOrder(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, order)
}

type paymentRequestRequest struct {
	OrderId int                  `json:"order_id" binding:"required"`
	Amount  int64                `json:"amount" binding:"required"`
	Method  models.PaymentMethod `json:"method" binding:"required"`
	Payer   models.PayerInfo     `json:"payer" binding:"required"`
}

func requestPaymentHandler(c *gin.Context) {
	var req paymentRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	result, err := models.RequestPayment(c.Request.Context(), req.OrderId, req.Amount, req.Method, req.Payer)
	if err != nil {
		respondError(c, err, false)
		return
	}
	c.JSON(http.StatusOK, result)
}

type paymentCallbackRequest struct {
	MerchantUid string `json:"merchant_uid" binding:"required"`
	ImpUid      string `json:"imp_uid" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
}

func paymentCallbackHandler(c *gin.Context) {
	var req paymentCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	payment, err := models.ConfirmPayment(c.Request.Context(), req.MerchantUid, req.ImpUid, req.Amount)
	if err != nil {
		respondError(c, err, false)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func getPaymentHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	payment, err := models.GetPayment(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type cancelPaymentRequest struct {
	Reason        string `json:"reason" binding:"required"`
	PartialAmount *int64 `json:"partial_amount"`
}

func cancelPaymentHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req cancelPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	payment, err := models.CancelPayment(c.Request.Context(), id, req.Reason, req.PartialAmount)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type updatePaymentStatusRequest struct {
	Status  models.PaymentStatus `json:"status" binding:"required"`
	Cascade bool                 `json:"cascade"`
}

func updatePaymentStatusHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req updatePaymentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	payment, err := models.UpdatePaymentStatus(c.Request.Context(), id, req.Status, req.Cascade)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func recoverPaymentHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	payment, err := models.RecoverPaymentError(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func rollbackPaymentHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	payment, err := models.RollbackPayment(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type runSettlementsRequest struct {
	Date string `json:"date" binding:"required"`
}

func runSettlementsHandler(c *gin.Context) {
	var req runSettlementsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	target, err := time.ParseInLocation("2006-01-02", req.Date, time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	created, err := models.CalculateSettlements(c.Request.Context(), target)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": req.Date, "created": created})
}

func completeSettlementHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	settlement, err := models.CompleteSettlement(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, true)
		return
	}
	c.JSON(http.StatusOK, settlement)
}
