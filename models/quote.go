package models

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/inspect_backend/utils"
)

// RoundUpTo10 rounds a minor-unit amount up to the nearest 10.
// Quoted prices never end in single-digit amounts.
func RoundUpTo10(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return (amount + 9) / 10 * 10
}

// QuoteOrderAmount derives the authoritative price of an inspection:
// package base price + vehicle-class surcharge + region fee, rounded up to
// the nearest 10 minor units. This is the only place a price is computed;
// client-submitted amounts are always checked against it.
func QuoteOrderAmount(ctx context.Context, packageId int, regionId int, origin VehicleOrigin, class VehicleClass) (int64, error) {
	pkg, err := GetInspectionPackage(ctx, packageId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return 0, utils.NewValidationError("inspection package %d not found", packageId)
		}
		return 0, err
	}

	region, err := GetRegionFee(ctx, regionId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return 0, utils.NewValidationError("region %d not found", regionId)
		}
		return 0, err
	}

	surcharge, err := GetClassSurcharge(ctx, origin, class)
	if err != nil {
		return 0, err
	}

	return RoundUpTo10(pkg.BasePrice + surcharge + region.Fee), nil
}
