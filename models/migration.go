package models

import (
	"log"

	"bitbucket.org/mmdatafocus/inspect_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Order{}, &Payment{}, &Settlement{},
		&EventRecord{},
		&InspectionPackage{}, &RegionFee{}, &VehicleClassSurcharge{}, &Worker{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
