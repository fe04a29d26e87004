// Package gateway abstracts the external payment processor. Exactly one
// concrete adapter is bound at process start; business logic never
// branches on the provider.
package gateway

import (
	"context"
	"fmt"
	"os"
	"time"
)

type TxnStatus string

const (
	TxnStatusReady     TxnStatus = "ready"
	TxnStatusPaid      TxnStatus = "paid"
	TxnStatusFailed    TxnStatus = "failed"
	TxnStatusCancelled TxnStatus = "cancelled"
)

type OpenTxnInput struct {
	MerchantUid string
	Amount      int64
	PayerName   string
	PayerPhone  string
	ReturnURL   string
}

type OpenTxnResult struct {
	Handle      string
	RedirectUrl string
}

type ConfirmResult struct {
	ExternalTxnId string
	Status        TxnStatus
	Amount        int64
	PaidAt        time.Time
}

type CancelResult struct {
	Status TxnStatus
}

type StatusResult struct {
	ExternalTxnId string
	Status        TxnStatus
	Amount        int64
	PaidAt        *time.Time
}

// Adapter is the full capability surface the reconciliation engine needs.
// Implementations translate provider failures into the shared error
// taxonomy: network trouble and timeouts become gateway_unreachable
// (retryable), explicit declines become gateway_rejected (never retried).
type Adapter interface {
	Provider() string
	OpenTransaction(ctx context.Context, input OpenTxnInput) (*OpenTxnResult, error)
	Confirm(ctx context.Context, handleOrRef string, amount int64) (*ConfirmResult, error)
	Cancel(ctx context.Context, externalTxnId string, merchantUid string, amount int64, reason string) (*CancelResult, error)
	QueryStatus(ctx context.Context, handleOrRef string, merchantUid string) (*StatusResult, error)
}

var active Adapter

// Use binds the active adapter. Called once from main; tests bind fakes.
func Use(a Adapter) {
	active = a
}

func Active() Adapter {
	return active
}

// Init selects and binds the adapter named by PG_PROVIDER.
func Init() error {
	provider := os.Getenv("PG_PROVIDER")
	switch provider {
	case "", "iamport":
		a, err := NewIamportAdapter()
		if err != nil {
			return err
		}
		Use(a)
		return nil
	default:
		return fmt.Errorf("unsupported PG_PROVIDER %q", provider)
	}
}
