package models

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/config"
	"bitbucket.org/mmdatafocus/inspect_backend/gateway"
	"bitbucket.org/mmdatafocus/inspect_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB points the process-wide DB handle at a fresh in-memory
// database. Redis stays nil, so locks and caches degrade to no-ops and the
// code paths under test run exactly as they would with Redis down.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&Order{}, &Payment{}, &Settlement{},
		&EventRecord{},
		&InspectionPackage{}, &RegionFee{}, &VehicleClassSurcharge{}, &Worker{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	config.SetDB(db)
	t.Cleanup(func() {
		config.SetDB(nil)
		_ = sqlDB.Close()
	})
	return db
}

// seedCatalog inserts the reference rows most tests price against:
// base 40000 + domestic sedan surcharge 5000 + region fee 5000 = 50000.
func seedCatalog(t *testing.T) {
	t.Helper()
	db := config.GetDB()

	rows := []interface{}{
		&InspectionPackage{ID: 1, Name: "Standard", BasePrice: 40000, IsActive: utils.NewTrue()},
		&RegionFee{ID: 1, Name: "Seoul", Fee: 5000},
		&VehicleClassSurcharge{Origin: VehicleOriginDomestic, Class: VehicleClassSedan, Surcharge: 5000},
		&Worker{ID: 1, Name: "Minjun", Phone: "01012345678", FeeRate: decimal.NewFromFloat(0.15), IsActive: utils.NewTrue()},
	}
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("seed %T: %v", row, err)
		}
	}
}

func createTestOrder(t *testing.T) *Order {
	t.Helper()
	order, err := CreateInspectionOrder(context.Background(), &NewInspectionOrder{
		CustomerId:    7,
		PackageId:     1,
		RegionId:      1,
		VehicleOrigin: VehicleOriginDomestic,
		VehicleClass:  VehicleClassSedan,
		ScheduledAt:   time.Date(2026, 3, 10, 14, 0, 0, 0, time.Local),
		Address:       "12 Teheran-ro, Gangnam-gu",
	})
	if err != nil {
		t.Fatalf("CreateInspectionOrder: %v", err)
	}
	return order
}

func countEvents(t *testing.T, eventType EventType, orderId int) int64 {
	t.Helper()
	var n int64
	if err := config.GetDB().Model(&EventRecord{}).
		Where("event_type = ? AND order_id = ?", string(eventType), orderId).
		Count(&n).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

// fakeGateway is a scriptable in-process gateway adapter. Error slices are
// consumed one entry per call; a nil entry means that call succeeds.
type fakeGateway struct {
	mu sync.Mutex

	openCalls    int
	confirmCalls int
	cancelCalls  int
	statusCalls  int

	openErr       error
	confirmStatus gateway.TxnStatus
	confirmAmount int64
	cancelErrs    []error
	statusErrs    []error
	statusResult  *gateway.StatusResult
}

func (f *fakeGateway) Provider() string { return "fake" }

func (f *fakeGateway) OpenTransaction(ctx context.Context, input gateway.OpenTxnInput) (*gateway.OpenTxnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &gateway.OpenTxnResult{
		Handle:      input.MerchantUid,
		RedirectUrl: "https://pay.test/checkout?merchant_uid=" + input.MerchantUid,
	}, nil
}

func (f *fakeGateway) Confirm(ctx context.Context, handleOrRef string, amount int64) (*gateway.ConfirmResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls++
	status := f.confirmStatus
	if status == "" {
		status = gateway.TxnStatusPaid
	}
	settled := f.confirmAmount
	if settled == 0 {
		settled = amount
	}
	return &gateway.ConfirmResult{
		ExternalTxnId: "imp_" + handleOrRef,
		Status:        status,
		Amount:        settled,
		PaidAt:        time.Now(),
	}, nil
}

func (f *fakeGateway) Cancel(ctx context.Context, externalTxnId string, merchantUid string, amount int64, reason string) (*gateway.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	if len(f.cancelErrs) > 0 {
		err := f.cancelErrs[0]
		f.cancelErrs = f.cancelErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &gateway.CancelResult{Status: gateway.TxnStatusCancelled}, nil
}

func (f *fakeGateway) QueryStatus(ctx context.Context, handleOrRef string, merchantUid string) (*gateway.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.statusResult != nil {
		return f.statusResult, nil
	}
	return &gateway.StatusResult{Status: gateway.TxnStatusReady}, nil
}

func useFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	prev := gateway.Active()
	fake := &fakeGateway{}
	gateway.Use(fake)
	t.Cleanup(func() { gateway.Use(prev) })
	return fake
}

// fastRetries removes the backoff sleep so retry-path tests run instantly.
func fastRetries(t *testing.T) {
	t.Helper()
	prev := gatewayRetryBase
	gatewayRetryBase = 0
	t.Cleanup(func() { gatewayRetryBase = prev })
}
