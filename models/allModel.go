package models

import (
	"log"

	"github.com/edufocus/classroom_backend/config"
)

// MigrateTable runs AutoMigrate for every model. Gate with SKIP_MIGRATIONS
// in deployments where DDL must run as a separate job.
func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&Activity{},
		&Revision{},
		&ShortTextAnswer{},
		&RevisionAnswer{},
		&MarkingQueueItem{},
		&QueueEvent{},
		&User{},
	)
	if err != nil {
		log.Printf("auto migrate failed: %v", err)
	}
}
