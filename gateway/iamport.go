package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/utils"
)

const defaultIamportBaseURL = "https://api.iamport.kr"

// IamportAdapter talks to the Iamport REST API. All calls carry a bounded
// timeout; a timed-out call means the outcome is unknown and the caller
// routes it to recovery rather than assuming failure.
type IamportAdapter struct {
	baseURL     string
	checkoutURL string
	apiKey      string
	apiSecret   string
	httpClient  *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewIamportAdapter() (*IamportAdapter, error) {
	apiKey := os.Getenv("IMP_REST_API_KEY")
	apiSecret := os.Getenv("IMP_REST_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("IMP_REST_API_KEY and IMP_REST_API_SECRET are required")
	}

	baseURL := os.Getenv("IAMPORT_BASE_URL")
	if baseURL == "" {
		baseURL = defaultIamportBaseURL
	}

	return &IamportAdapter{
		baseURL:     baseURL,
		checkoutURL: os.Getenv("PAYMENT_CHECKOUT_URL"),
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (a *IamportAdapter) Provider() string { return "iamport" }

type iamportEnvelope struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Response json.RawMessage `json:"response"`
}

type iamportPayment struct {
	ImpUid      string `json:"imp_uid"`
	MerchantUid string `json:"merchant_uid"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	PaidAt      int64  `json:"paid_at"`
}

type iamportToken struct {
	AccessToken string `json:"access_token"`
	ExpiredAt   int64  `json:"expired_at"`
}

func (a *IamportAdapter) getToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	var token iamportToken
	err := a.call(ctx, http.MethodPost, "/users/getToken", map[string]string{
		"imp_key":    a.apiKey,
		"imp_secret": a.apiSecret,
	}, "", &token)
	if err != nil {
		return "", err
	}

	a.token = token.AccessToken
	// refresh a minute before the server-side expiry
	a.tokenExpiry = time.Unix(token.ExpiredAt, 0).Add(-time.Minute)
	return a.token, nil
}

func (a *IamportAdapter) authedCall(ctx context.Context, method string, path string, body any, out any) error {
	token, err := a.getToken(ctx)
	if err != nil {
		return err
	}
	return a.call(ctx, method, path, body, token, out)
}

func (a *IamportAdapter) call(ctx context.Context, method string, path string, body any, token string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return utils.NewGatewayUnreachableError("iamport unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return utils.NewGatewayUnreachableError(fmt.Sprintf("iamport returned %d", resp.StatusCode), nil)
	}

	var envelope iamportEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return utils.NewGatewayUnreachableError("iamport returned an unreadable response", err)
	}
	if resp.StatusCode >= 400 || envelope.Code != 0 {
		msg := envelope.Message
		if msg == "" {
			msg = fmt.Sprintf("iamport returned %d", resp.StatusCode)
		}
		return utils.NewGatewayRejectedError(msg, nil)
	}

	if out != nil && len(envelope.Response) > 0 {
		if err := json.Unmarshal(envelope.Response, out); err != nil {
			return utils.NewGatewayUnreachableError("iamport returned an unreadable payload", err)
		}
	}
	return nil
}

func mapIamportStatus(status string) TxnStatus {
	switch status {
	case "paid":
		return TxnStatusPaid
	case "cancelled":
		return TxnStatusCancelled
	case "failed":
		return TxnStatusFailed
	default:
		return TxnStatusReady
	}
}

// OpenTransaction pre-registers the merchant_uid/amount pair so the
// gateway rejects any checkout that tampers with the amount. The redirect
// URL points the customer at the hosted checkout page.
func (a *IamportAdapter) OpenTransaction(ctx context.Context, input OpenTxnInput) (*OpenTxnResult, error) {
	var prepared struct {
		MerchantUid string `json:"merchant_uid"`
		Amount      int64  `json:"amount"`
	}
	err := a.authedCall(ctx, http.MethodPost, "/payments/prepare", map[string]any{
		"merchant_uid": input.MerchantUid,
		"amount":       input.Amount,
	}, &prepared)
	if err != nil {
		return nil, err
	}

	redirect := ""
	if a.checkoutURL != "" {
		q := url.Values{}
		q.Set("merchant_uid", input.MerchantUid)
		q.Set("name", input.PayerName)
		if input.ReturnURL != "" {
			q.Set("return_url", input.ReturnURL)
		}
		redirect = a.checkoutURL + "?" + q.Encode()
	}

	return &OpenTxnResult{
		Handle:      prepared.MerchantUid,
		RedirectUrl: redirect,
	}, nil
}

func (a *IamportAdapter) Confirm(ctx context.Context, handleOrRef string, amount int64) (*ConfirmResult, error) {
	var payment iamportPayment
	if err := a.authedCall(ctx, http.MethodGet, "/payments/"+url.PathEscape(handleOrRef), nil, &payment); err != nil {
		return nil, err
	}

	var paidAt time.Time
	if payment.PaidAt > 0 {
		paidAt = time.Unix(payment.PaidAt, 0)
	}
	return &ConfirmResult{
		ExternalTxnId: payment.ImpUid,
		Status:        mapIamportStatus(payment.Status),
		Amount:        payment.Amount,
		PaidAt:        paidAt,
	}, nil
}

func (a *IamportAdapter) Cancel(ctx context.Context, externalTxnId string, merchantUid string, amount int64, reason string) (*CancelResult, error) {
	var payment iamportPayment
	err := a.authedCall(ctx, http.MethodPost, "/payments/cancel", map[string]any{
		"imp_uid":      externalTxnId,
		"merchant_uid": merchantUid,
		"amount":       amount,
		"reason":       reason,
	}, &payment)
	if err != nil {
		return nil, err
	}
	return &CancelResult{Status: mapIamportStatus(payment.Status)}, nil
}

// QueryStatus is the recovery path: it asks for the gateway's
// authoritative record by merchant_uid, which works even when no imp_uid
// was ever delivered to us.
func (a *IamportAdapter) QueryStatus(ctx context.Context, handleOrRef string, merchantUid string) (*StatusResult, error) {
	ref := merchantUid
	if ref == "" {
		ref = handleOrRef
	}

	var payment iamportPayment
	if err := a.authedCall(ctx, http.MethodGet, "/payments/find/"+url.PathEscape(ref), nil, &payment); err != nil {
		return nil, err
	}

	var paidAt *time.Time
	if payment.PaidAt > 0 {
		t := time.Unix(payment.PaidAt, 0)
		paidAt = &t
	}
	return &StatusResult{
		ExternalTxnId: payment.ImpUid,
		Status:        mapIamportStatus(payment.Status),
		Amount:        payment.Amount,
		PaidAt:        paidAt,
	}, nil
}
