package models

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/edufocus/classroom_backend/config"
)

// QueueEvent is an append-only audit record for the marking queue. Rows are
// never updated; the only delete path is the operator bulk clear.
type QueueEvent struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Level     QueueEventLevel `gorm:"type:enum('INFO','WARN','ERROR');not null;index" json:"level"`
	Message   string          `gorm:"size:500;not null" json:"message"`
	Metadata  []byte          `gorm:"type:blob" json:"metadata"`
	CreatedAt time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

// RecordQueueEvent appends an audit event. It never returns an error:
// logging must not be able to fail the grading pipeline, so insert failures
// fall back to stderr.
func RecordQueueEvent(ctx context.Context, level QueueEventLevel, message string, metadata map[string]interface{}) {
	var metadataJSON []byte
	if len(metadata) > 0 {
		metadataJSON, _ = json.Marshal(metadata)
	}
	event := QueueEvent{
		Level:    level,
		Message:  message,
		Metadata: metadataJSON,
	}

	db := config.GetDB()
	if db == nil {
		log.Printf("queue event (db not ready) level=%s message=%q metadata=%s", level, message, metadataJSON)
		return
	}
	if err := db.WithContext(ctx).Create(&event).Error; err != nil {
		log.Printf("queue event insert failed (%v) level=%s message=%q metadata=%s", err, level, message, metadataJSON)
	}
}

// ListQueueEvents returns events most-recent-first plus the total count.
func ListQueueEvents(ctx context.Context, limit int, offset int) ([]QueueEvent, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	db := config.GetDB().WithContext(ctx)

	var total int64
	if err := db.Model(&QueueEvent{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []QueueEvent
	err := db.
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&events).Error
	return events, total, err
}

// ClearQueueEvents removes every event. Destructive; operator reset only.
func ClearQueueEvents(ctx context.Context) error {
	return config.GetDB().WithContext(ctx).
		Where("1 = 1").
		Delete(&QueueEvent{}).Error
}
