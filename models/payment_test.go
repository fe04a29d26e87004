package models

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/gateway"
	"bitbucket.org/mmdatafocus/inspect_backend/utils"
)

func testPayer() PayerInfo {
	return PayerInfo{Name: "Kim Jiwoo", Phone: "01012345678", Email: "jiwoo@example.com"}
}

func requestTestPayment(t *testing.T, order *Order) *PaymentRequestResult {
	t.Helper()
	res, err := RequestPayment(context.Background(), order.ID, 50000, PaymentMethodCard, testPayer())
	if err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	return res
}

func confirmTestPayment(t *testing.T, order *Order, res *PaymentRequestResult) *Payment {
	t.Helper()
	payment, err := ConfirmPayment(context.Background(), order.MerchantUid, res.Handle, res.Amount)
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	return payment
}

func TestRequestPayment(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	fake := useFakeGateway(t)
	order := createTestOrder(t)

	res := requestTestPayment(t, order)
	if res.Amount != 50000 {
		t.Errorf("amount = %d, want 50000", res.Amount)
	}
	if res.MerchantUid != order.MerchantUid {
		t.Errorf("merchant uid = %q, want %q", res.MerchantUid, order.MerchantUid)
	}
	if res.RedirectUrl == "" {
		t.Error("redirect url missing")
	}
	if fake.openCalls != 1 {
		t.Errorf("open calls = %d, want 1", fake.openCalls)
	}

	payment, err := GetPayment(context.Background(), res.PaymentId)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if payment.Status != PaymentStatusPending {
		t.Errorf("status = %s, want PENDING", payment.Status)
	}
	if payment.GatewayHandle == nil || *payment.GatewayHandle != res.Handle {
		t.Errorf("gateway handle = %v, want %q", payment.GatewayHandle, res.Handle)
	}

	// requesting again before checkout reuses the same pending payment
	res2, err := RequestPayment(context.Background(), order.ID, 50000, PaymentMethodCard, testPayer())
	if err != nil {
		t.Fatalf("second RequestPayment: %v", err)
	}
	if res2.PaymentId != res.PaymentId {
		t.Errorf("second request created payment %d, want reuse of %d", res2.PaymentId, res.PaymentId)
	}

	// the order itself has not moved
	got, _ := GetOrder(context.Background(), order.ID)
	if got.Status != OrderStatusRequested {
		t.Errorf("order status = %s, want REQUESTED", got.Status)
	}
}

func TestRequestPaymentValidation(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	useFakeGateway(t)
	ctx := context.Background()
	order := createTestOrder(t)

	if _, err := RequestPayment(ctx, order.ID, 500, PaymentMethodCard, testPayer()); !utils.IsKind(err, utils.ErrorKindValidation) {
		t.Errorf("amount below band: got %v", err)
	}
	if _, err := RequestPayment(ctx, order.ID, 200_000_000, PaymentMethodCard, testPayer()); !utils.IsKind(err, utils.ErrorKindValidation) {
		t.Errorf("amount above band: got %v", err)
	}
	if _, err := RequestPayment(ctx, order.ID, 50000, "BARTER", testPayer()); !utils.IsKind(err, utils.ErrorKindValidation) {
		t.Errorf("bad method: got %v", err)
	}
	payer := testPayer()
	payer.Phone = "123"
	if _, err := RequestPayment(ctx, order.ID, 50000, PaymentMethodCard, payer); !utils.IsKind(err, utils.ErrorKindValidation) {
		t.Errorf("bad phone: got %v", err)
	}

	// in-band but wrong: the server re-quotes and refuses to charge it
	if _, err := RequestPayment(ctx, order.ID, 49000, PaymentMethodCard, testPayer()); !utils.IsKind(err, utils.ErrorKindBusinessRule) {
		t.Errorf("amount mismatch: got %v", err)
	}
}

func TestConfirmPayment(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	useFakeGateway(t)
	ctx := context.Background()
	order := createTestOrder(t)
	res := requestTestPayment(t, order)

	payment := confirmTestPayment(t, order, res)
	if payment.Status != PaymentStatusPaid {
		t.Errorf("status = %s, want PAID", payment.Status)
	}
	if payment.ExternalTxnId == nil {
		t.Error("external txn id not recorded")
	}
	if payment.PaidAt == nil {
		t.Error("paid_at not recorded")
	}

	got, _ := GetOrder(ctx, order.ID)
	if got.Status != OrderStatusPaid {
		t.Errorf("order status = %s, want PAID", got.Status)
	}
	if n := countEvents(t, EventPaymentCompleted, order.ID); n != 1 {
		t.Errorf("payment.completed events = %d, want 1", n)
	}
	if n := countEvents(t, EventOrderCreated, order.ID); n != 1 {
		t.Errorf("order.created events = %d, want 1", n)
	}

	// a duplicate callback is rejected and nothing is double-applied
	if _, err := ConfirmPayment(ctx, order.MerchantUid, res.Handle, res.Amount); !utils.IsKind(err, utils.ErrorKindBusinessRule) {
		t.Fatalf("duplicate confirm: got %v", err)
	}
	got, _ = GetOrder(ctx, order.ID)
	if got.Status != OrderStatusPaid {
		t.Errorf("order status after duplicate confirm = %s, want PAID", got.Status)
	}
	if n := countEvents(t, EventPaymentCompleted, order.ID); n != 1 {
		t.Errorf("payment.completed events after duplicate = %d, want 1", n)
	}
}

func TestConfirmPaymentAmountMismatch(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	useFakeGateway(t)
	ctx := context.Background()
	order := createTestOrder(t)
	res := requestTestPayment(t, order)

	if _, err := ConfirmPayment(ctx, order.MerchantUid, res.Handle, 49990); !utils.IsKind(err, utils.ErrorKindBusinessRule) {
		t.Fatalf("callback amount mismatch: got %v", err)
	}

	payment, _ := GetPayment(ctx, res.PaymentId)
	if payment.Status != PaymentStatusPending {
		t.Errorf("payment status = %s, want PENDING after rejected callback", payment.Status)
	}
}

func TestConfirmPaymentGatewayDisagrees(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	fake := useFakeGateway(t)
	ctx := context.Background()
	order := createTestOrder(t)
	res := requestTestPayment(t, order)

	fake.confirmStatus = gateway.TxnStatusFailed
	if _, err := ConfirmPayment(ctx, order.MerchantUid, res.Handle, res.Amount); !utils.IsKind(err, utils.ErrorKindGatewayRejected) {
		t.Fatalf("gateway says failed: got %v", err)
	}

	fake.confirmStatus = gateway.TxnStatusPaid
	fake.confirmAmount = 40000
	if _, err := ConfirmPayment(ctx, order.MerchantUid, res.Handle, res.Amount); !utils.IsKind(err, utils.ErrorKindBusinessRule) {
		t.Fatalf("gateway settled wrong amount: got %v", err)
	}

	got, _ := GetOrder(ctx, order.ID)
	if got.Status != OrderStatusRequested {
		t.Errorf("order status = %s, want REQUESTED", got.Status)
	}
}

func TestCancelPaymentRetriesUnreachable(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	fake := useFakeGateway(t)
	fastRetries(t)
	ctx := context.Background()
	order := createTestOrder(t)
	payment := confirmTestPayment(t, order, requestTestPayment(t, order))

	fake.cancelErrs = []error{
		utils.NewGatewayUnreachableError("timeout", nil),
		utils.NewGatewayUnreachableError("timeout", nil),
		nil,
	}

	got, err := CancelPayment(ctx, payment.ID, "customer request", nil)
	if err != nil {
		t.Fatalf("CancelPayment: %v", err)
	}
	if fake.cancelCalls != 3 {
		t.Errorf("cancel calls = %d, want 3", fake.cancelCalls)
	}
	if got.Status != PaymentStatusCancelled {
		t.Errorf("payment status = %s, want CANCELLED", got.Status)
	}
	if got.RefundedAmount != 50000 {
		t.Errorf("refunded = %d, want 50000", got.RefundedAmount)
	}

	o, _ := GetOrder(ctx, order.ID)
	if o.Status != OrderStatusCancelled {
		t.Errorf("order status = %s, want CANCELLED", o.Status)
	}
	if n := countEvents(t, EventPaymentCancelled, order.ID); n != 1 {
		t.Errorf("payment.cancelled events = %d, want 1", n)
	}
}

func TestCancelPaymentExhaustsRetries(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	fake := useFakeGateway(t)
	fastRetries(t)
	ctx := context.Background()
	order := createTestOrder(t)
	payment := confirmTestPayment(t, order, requestTestPayment(t, order))

	fake.cancelErrs = []error{
		utils.NewGatewayUnreachableError("timeout", nil),
		utils.NewGatewayUnreachableError("timeout", nil),
		utils.NewGatewayUnreachableError("timeout", nil),
	}

	_, err := CancelPayment(ctx, payment.ID, "customer request", nil)
	if !utils.IsKind(err, utils.ErrorKindGatewayUnreachable) {
		t.Fatalf("expected unreachable after exhausted retries, got %v", err)
	}
	if fake.cancelCalls != 3 {
		t.Errorf("cancel calls = %d, want 3", fake.cancelCalls)
	}

	// nothing half-applied: money state is untouched for manual follow-up
	got, _ := GetPayment(ctx, payment.ID)
	if got.Status != PaymentStatusPaid {
		t.Errorf("payment status = %s, want PAID", got.Status)
	}
	o, _ := GetOrder(ctx, order.ID)
	if o.Status != OrderStatusPaid {
		t.Errorf("order status = %s, want PAID", o.Status)
	}
}

func TestCancelPaymentRejectedNeverRetried(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	fake := useFakeGateway(t)
	fastRetries(t)
	ctx := context.Background()
	order := createTestOrder(t)
	payment := confirmTestPayment(t, order, requestTestPayment(t, order))

	fake.cancelErrs = []error{utils.NewGatewayRejectedError("refund window closed", nil)}

	_, err := CancelPayment(ctx, payment.ID, "customer request", nil)
	if !utils.IsKind(err, utils.ErrorKindGatewayRejected) {
		t.Fatalf("expected gateway rejection, got %v", err)
	}
	if fake.cancelCalls != 1 {
		t.Errorf("cancel calls = %d, want 1 (no retry on rejection)", fake.cancelCalls)
	}
}

func TestCancelPaymentPartialRefund(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	useFakeGateway(t)
	ctx := context.Background()
	order := createTestOrder(t)
	payment := confirmTestPayment(t, order, requestTestPayment(t, order))

	partial := int64(20000)
	got, err := CancelPayment(ctx, payment.ID, "one item skipped", &partial)
	if err != nil {
		t.Fatalf("partial CancelPayment: %v", err)
	}
	if got.Status != PaymentStatusRefunded {
		t.Errorf("payment status = %s, want REFUNDED", got.Status)
	}
	if got.Amount != 30000 {
		t.Errorf("remaining amount = %d, want 30000", got.Amount)
	}
	if got.RefundedAmount != 20000 {
		t.Errorf("refunded = %d, want 20000", got.RefundedAmount)
	}

	bad := int64(999999)
	if _, err := CancelPayment(ctx, payment.ID, "x", &bad); err == nil {
		t.Error("expected error cancelling more than was paid")
	}
}

func TestCancelPaymentRequiresPaid(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	useFakeGateway(t)
	ctx := context.Background()
	order := createTestOrder(t)
	res := requestTestPayment(t, order)

	if _, err := CancelPayment(ctx, res.PaymentId, "not yet paid", nil); !utils.IsKind(err, utils.ErrorKindBusinessRule) {
		t.Fatalf("expected business rule error cancelling pending payment, got %v", err)
	}
}

func TestRollbackPayment(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	useFakeGateway(t)
	ctx := context.Background()
	order := createTestOrder(t)
	res := requestTestPayment(t, order)

	got, err := RollbackPayment(ctx, res.PaymentId)
	if err != nil {
		t.Fatalf("RollbackPayment: %v", err)
	}
	if got.Status != PaymentStatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}

	// only pending payments can be abandoned
	if _, err := RollbackPayment(ctx, res.PaymentId); !utils.IsKind(err, utils.ErrorKindBusinessRule) {
		t.Fatalf("second rollback: got %v", err)
	}

	// a fresh request re-opens the failed attempt instead of duplicating it
	res2, err := RequestPayment(ctx, order.ID, 50000, PaymentMethodCard, testPayer())
	if err != nil {
		t.Fatalf("RequestPayment after rollback: %v", err)
	}
	if res2.PaymentId != res.PaymentId {
		t.Errorf("re-request created payment %d, want reuse of %d", res2.PaymentId, res.PaymentId)
	}
	reopened, _ := GetPayment(ctx, res.PaymentId)
	if reopened.Status != PaymentStatusPending {
		t.Errorf("status = %s, want PENDING after re-request", reopened.Status)
	}
}

func TestRecoverPaymentErrorReplaysMissedWebhook(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	fake := useFakeGateway(t)
	fastRetries(t)
	ctx := context.Background()
	order := createTestOrder(t)
	res := requestTestPayment(t, order)

	paidAt := time.Now().Add(-10 * time.Minute)
	fake.statusErrs = []error{utils.NewGatewayUnreachableError("timeout", nil), nil}
	fake.statusResult = &gateway.StatusResult{
		ExternalTxnId: "imp_recovered",
		Status:        gateway.TxnStatusPaid,
		Amount:        50000,
		PaidAt:        &paidAt,
	}

	got, err := RecoverPaymentError(ctx, res.PaymentId)
	if err != nil {
		t.Fatalf("RecoverPaymentError: %v", err)
	}
	if fake.statusCalls != 2 {
		t.Errorf("status calls = %d, want 2 (one retry)", fake.statusCalls)
	}
	if got.Status != PaymentStatusPaid {
		t.Errorf("payment status = %s, want PAID", got.Status)
	}
	if got.ExternalTxnId == nil || *got.ExternalTxnId != "imp_recovered" {
		t.Errorf("external txn id = %v, want imp_recovered", got.ExternalTxnId)
	}

	o, _ := GetOrder(ctx, order.ID)
	if o.Status != OrderStatusPaid {
		t.Errorf("order status = %s, want PAID", o.Status)
	}
	if n := countEvents(t, EventPaymentCompleted, order.ID); n != 1 {
		t.Errorf("payment.completed events = %d, want 1", n)
	}
}

func TestRecoverPaymentErrorMarksFailed(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	fake := useFakeGateway(t)
	ctx := context.Background()
	order := createTestOrder(t)
	res := requestTestPayment(t, order)

	fake.statusResult = &gateway.StatusResult{Status: gateway.TxnStatusFailed}

	got, err := RecoverPaymentError(ctx, res.PaymentId)
	if err != nil {
		t.Fatalf("RecoverPaymentError: %v", err)
	}
	if got.Status != PaymentStatusFailed {
		t.Errorf("payment status = %s, want FAILED", got.Status)
	}
}

func TestRecoverPaymentErrorConsistencyCases(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	fake := useFakeGateway(t)
	ctx := context.Background()
	order := createTestOrder(t)
	res := requestTestPayment(t, order)

	// gateway still reports the transaction open: nothing to force
	fake.statusResult = &gateway.StatusResult{Status: gateway.TxnStatusReady}
	if _, err := RecoverPaymentError(ctx, res.PaymentId); !utils.IsKind(err, utils.ErrorKindConsistency) {
		t.Fatalf("open transaction: got %v", err)
	}
	got, _ := GetPayment(ctx, res.PaymentId)
	if got.Status != PaymentStatusPending {
		t.Errorf("payment status = %s, want PENDING", got.Status)
	}

	// gateway settled a different amount: manual review, never auto-applied
	fake.statusResult = &gateway.StatusResult{Status: gateway.TxnStatusPaid, Amount: 44000}
	if _, err := RecoverPaymentError(ctx, res.PaymentId); !utils.IsKind(err, utils.ErrorKindConsistency) {
		t.Fatalf("settled amount mismatch: got %v", err)
	}

	// recovery only applies to pending payments
	payment := confirmTestPayment(t, order, res)
	if _, err := RecoverPaymentError(ctx, payment.ID); !utils.IsKind(err, utils.ErrorKindBusinessRule) {
		t.Fatalf("recover on paid payment: got %v", err)
	}
}

func TestUpdatePaymentStatusOverride(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	useFakeGateway(t)
	ctx := utils.SetUserNameInContext(context.Background(), "ops-admin")
	order := createTestOrder(t)
	payment := confirmTestPayment(t, order, requestTestPayment(t, order))

	if _, err := UpdatePaymentStatus(ctx, payment.ID, "LOST", true); !utils.IsKind(err, utils.ErrorKindValidation) {
		t.Fatalf("invalid status: got %v", err)
	}

	got, err := UpdatePaymentStatus(ctx, payment.ID, PaymentStatusCancelled, true)
	if err != nil {
		t.Fatalf("UpdatePaymentStatus: %v", err)
	}
	if got.Status != PaymentStatusCancelled {
		t.Errorf("payment status = %s, want CANCELLED", got.Status)
	}

	o, _ := GetOrder(ctx, order.ID)
	if o.Status != OrderStatusCancelled {
		t.Errorf("order status = %s, want CANCELLED after cascade", o.Status)
	}
	if n := countEvents(t, EventPaymentUpdated, order.ID); n != 1 {
		t.Errorf("payment.updated events = %d, want 1", n)
	}
}

func TestConfirmPaymentUnknownMerchantUid(t *testing.T) {
	setupTestDB(t)
	seedCatalog(t)
	useFakeGateway(t)

	_, err := ConfirmPayment(context.Background(), "no-such-uid", "imp_x", 50000)
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected record-not-found, got %v", err)
	}
}
