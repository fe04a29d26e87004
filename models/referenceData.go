package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/inspect_backend/config"
	"bitbucket.org/mmdatafocus/inspect_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reference catalog: priced packages, region fees, class surcharges and
// worker commission rates. These tables are written by the admin app; this
// service only reads them, fronted by a short TTL cache. The admin write
// path calls the Invalidate* helpers; serving a price up to one TTL stale
// is acceptable.

type InspectionPackage struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	BasePrice int64     `gorm:"not null" json:"base_price"`
	IsActive  *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type RegionFee struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Fee       int64     `gorm:"not null;default:0" json:"fee"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type VehicleClassSurcharge struct {
	ID        int           `gorm:"primary_key" json:"id"`
	Origin    VehicleOrigin `gorm:"size:20;not null;index:uniq_origin_class,unique" json:"origin"`
	Class     VehicleClass  `gorm:"size:20;not null;index:uniq_origin_class,unique" json:"class"`
	Surcharge int64         `gorm:"not null;default:0" json:"surcharge"`
	CreatedAt time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type Worker struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Name      string          `gorm:"size:100;not null" json:"name"`
	Phone     string          `gorm:"size:30" json:"phone"`
	FeeRate   decimal.Decimal `gorm:"type:decimal(6,4);not null" json:"fee_rate"`
	IsActive  *bool           `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

const refCacheTTL = 5 * time.Minute

// RefCache is a get-or-compute cache with TTL in front of the reference
// tables. The default implementation sits on the shared Redis client and
// degrades to a no-op when Redis is down.
type RefCache interface {
	Get(key string, dest any) (bool, error)
	Set(key string, val any, ttl time.Duration) error
	Invalidate(keys ...string) error
}

type redisRefCache struct{}

func (redisRefCache) Get(key string, dest any) (bool, error) {
	return config.GetRedisObject(key, dest)
}

func (redisRefCache) Set(key string, val any, ttl time.Duration) error {
	return config.SetRedisObject(key, val, ttl)
}

func (redisRefCache) Invalidate(keys ...string) error {
	return config.RemoveRedisKey(keys...)
}

var refCache RefCache = redisRefCache{}

// UseRefCache swaps the reference-data cache. Passing nil restores the
// Redis-backed default.
func UseRefCache(c RefCache) {
	if c == nil {
		refCache = redisRefCache{}
		return
	}
	refCache = c
}

func packageCacheKey(id int) string { return fmt.Sprintf("refPackage:%d", id) }
func regionCacheKey(id int) string  { return fmt.Sprintf("refRegion:%d", id) }
func workerCacheKey(id int) string  { return fmt.Sprintf("refWorker:%d", id) }
func surchargeCacheKey(origin VehicleOrigin, class VehicleClass) string {
	return fmt.Sprintf("refSurcharge:%s:%s", origin, class)
}

func GetInspectionPackage(ctx context.Context, id int) (*InspectionPackage, error) {
	var pkg InspectionPackage
	if ok, err := refCache.Get(packageCacheKey(id), &pkg); err == nil && ok {
		return &pkg, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Take(&pkg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	_ = refCache.Set(packageCacheKey(id), &pkg, refCacheTTL)
	return &pkg, nil
}

func GetRegionFee(ctx context.Context, id int) (*RegionFee, error) {
	var region RegionFee
	if ok, err := refCache.Get(regionCacheKey(id), &region); err == nil && ok {
		return &region, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Take(&region, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	_ = refCache.Set(regionCacheKey(id), &region, refCacheTTL)
	return &region, nil
}

// GetClassSurcharge returns the surcharge for an (origin, class) pair.
// A missing row means no surcharge applies for that combination.
func GetClassSurcharge(ctx context.Context, origin VehicleOrigin, class VehicleClass) (int64, error) {
	key := surchargeCacheKey(origin, class)
	var row VehicleClassSurcharge
	if ok, err := refCache.Get(key, &row); err == nil && ok {
		return row.Surcharge, nil
	}

	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("origin = ? AND class = ?", origin, class).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	_ = refCache.Set(key, &row, refCacheTTL)
	return row.Surcharge, nil
}

func GetWorker(ctx context.Context, id int) (*Worker, error) {
	var worker Worker
	if ok, err := refCache.Get(workerCacheKey(id), &worker); err == nil && ok {
		return &worker, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Take(&worker, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	_ = refCache.Set(workerCacheKey(id), &worker, refCacheTTL)
	return &worker, nil
}

// GetWorkerFeeRate returns the worker's current commission rate as a
// fraction (0.15 == 15%).
func GetWorkerFeeRate(ctx context.Context, workerId int) (decimal.Decimal, error) {
	worker, err := GetWorker(ctx, workerId)
	if err != nil {
		return decimal.Zero, err
	}
	return worker.FeeRate, nil
}

// Invalidation hooks for the administrative write path. Price-affecting
// edits must call these so quotes converge faster than the TTL.

func InvalidatePackageCache(id int) error {
	return refCache.Invalidate(packageCacheKey(id))
}

func InvalidateRegionFeeCache(id int) error {
	return refCache.Invalidate(regionCacheKey(id))
}

func InvalidateWorkerCache(id int) error {
	return refCache.Invalidate(workerCacheKey(id))
}

func InvalidateSurchargeCache(origin VehicleOrigin, class VehicleClass) error {
	return refCache.Invalidate(surchargeCacheKey(origin, class))
}
