package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/utils"
)

func newTestAdapter(t *testing.T, handler http.Handler) *IamportAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Setenv("IMP_REST_API_KEY", "test-key")
	t.Setenv("IMP_REST_API_SECRET", "test-secret")
	t.Setenv("IAMPORT_BASE_URL", srv.URL)
	t.Setenv("PAYMENT_CHECKOUT_URL", "https://pay.example.com/checkout")

	adapter, err := NewIamportAdapter()
	if err != nil {
		t.Fatalf("NewIamportAdapter: %v", err)
	}
	return adapter
}

func writeEnvelope(w http.ResponseWriter, code int, message string, response any) {
	body := map[string]any{"code": code, "message": message}
	if response != nil {
		body["response"] = response
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func tokenAwareMux(t *testing.T) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users/getToken", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["imp_key"] != "test-key" || creds["imp_secret"] != "test-secret" {
			writeEnvelope(w, -1, "bad credentials", nil)
			return
		}
		writeEnvelope(w, 0, "", map[string]any{
			"access_token": "tok-1",
			"expired_at":   time.Now().Add(30 * time.Minute).Unix(),
		})
	})
	return mux
}

func TestIamportOpenTransaction(t *testing.T) {
	mux := tokenAwareMux(t)
	var gotAuth string
	mux.HandleFunc("/payments/prepare", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeEnvelope(w, 0, "", map[string]any{
			"merchant_uid": req["merchant_uid"],
			"amount":       req["amount"],
		})
	})
	adapter := newTestAdapter(t, mux)

	res, err := adapter.OpenTransaction(context.Background(), OpenTxnInput{
		MerchantUid: "order-abc",
		Amount:      50000,
		PayerName:   "Kim Jiwoo",
	})
	if err != nil {
		t.Fatalf("OpenTransaction: %v", err)
	}
	if gotAuth != "tok-1" {
		t.Errorf("authorization header = %q, want tok-1", gotAuth)
	}
	if res.Handle != "order-abc" {
		t.Errorf("handle = %q, want order-abc", res.Handle)
	}
	if res.RedirectUrl == "" {
		t.Error("redirect url should be populated from the checkout base")
	}
}

func TestIamportConfirm(t *testing.T) {
	mux := tokenAwareMux(t)
	mux.HandleFunc("/payments/imp_42", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "", map[string]any{
			"imp_uid":      "imp_42",
			"merchant_uid": "order-abc",
			"status":       "paid",
			"amount":       50000,
			"paid_at":      time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC).Unix(),
		})
	})
	adapter := newTestAdapter(t, mux)

	res, err := adapter.Confirm(context.Background(), "imp_42", 50000)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.Status != TxnStatusPaid {
		t.Errorf("status = %s, want paid", res.Status)
	}
	if res.ExternalTxnId != "imp_42" {
		t.Errorf("external txn id = %q", res.ExternalTxnId)
	}
	if res.Amount != 50000 {
		t.Errorf("amount = %d", res.Amount)
	}
	if res.PaidAt.IsZero() {
		t.Error("paid_at should be parsed")
	}
}

func TestIamportQueryStatusByMerchantUid(t *testing.T) {
	mux := tokenAwareMux(t)
	mux.HandleFunc("/payments/find/order-abc", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "", map[string]any{
			"imp_uid": "imp_42",
			"status":  "cancelled",
			"amount":  50000,
		})
	})
	adapter := newTestAdapter(t, mux)

	res, err := adapter.QueryStatus(context.Background(), "", "order-abc")
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if res.Status != TxnStatusCancelled {
		t.Errorf("status = %s, want cancelled", res.Status)
	}
	if res.PaidAt != nil {
		t.Error("paid_at should be nil for an unpaid transaction")
	}
}

func TestIamportErrorTranslation(t *testing.T) {
	mux := tokenAwareMux(t)
	mux.HandleFunc("/payments/cancel", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 1, "refund window closed", nil)
	})
	mux.HandleFunc("/payments/imp_down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	adapter := newTestAdapter(t, mux)
	ctx := context.Background()

	// non-zero envelope code is a deliberate decline, never retried
	_, err := adapter.Cancel(ctx, "imp_42", "order-abc", 50000, "test")
	if !utils.IsKind(err, utils.ErrorKindGatewayRejected) {
		t.Fatalf("envelope code != 0: got %v", err)
	}
	if utils.IsRetryable(err) {
		t.Error("gateway rejection must not be retryable")
	}

	// 5xx means outcome unknown: retryable
	_, err = adapter.Confirm(ctx, "imp_down", 50000)
	if !utils.IsKind(err, utils.ErrorKindGatewayUnreachable) {
		t.Fatalf("5xx: got %v", err)
	}
	if !utils.IsRetryable(err) {
		t.Error("5xx must be retryable")
	}
}

func TestIamportUnreachableNetwork(t *testing.T) {
	// a server that is immediately closed leaves nothing listening
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	t.Setenv("IMP_REST_API_KEY", "test-key")
	t.Setenv("IMP_REST_API_SECRET", "test-secret")
	t.Setenv("IAMPORT_BASE_URL", srv.URL)

	adapter, err := NewIamportAdapter()
	if err != nil {
		t.Fatalf("NewIamportAdapter: %v", err)
	}
	_, err = adapter.Confirm(context.Background(), "imp_1", 1000)
	if !utils.IsKind(err, utils.ErrorKindGatewayUnreachable) {
		t.Fatalf("connection refused: got %v", err)
	}
}

func TestNewIamportAdapterRequiresCredentials(t *testing.T) {
	t.Setenv("IMP_REST_API_KEY", "")
	t.Setenv("IMP_REST_API_SECRET", "")
	if _, err := NewIamportAdapter(); err == nil {
		t.Fatal("expected error without credentials")
	}
}
