package models

import (
	"log"

	"bitbucket.org/finfolio/selfassess_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&HmrcToken{},
		&HmrcApiLog{},
		&HmrcPeriodSubmission{},
	)
	if err != nil {
		log.Printf("auto-migrate failed: %v", err)
	}
}
