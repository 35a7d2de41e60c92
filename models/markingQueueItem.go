package models

import (
	"context"
	"time"

	"github.com/edufocus/classroom_backend/config"
)

// MarkingQueueItem is one unit of deferred AI marking work. The row is the
// single source of truth for the item's lifecycle:
//
//	PENDING -> PROCESSING -> COMPLETED | FAILED
//	FAILED | PROCESSING -> PENDING (operator retry / stale sweep)
//
// COMPLETED is terminal; a completed item is never mutated again.
type MarkingQueueItem struct {
	ID         int                `gorm:"primary_key" json:"id"`
	SourceKind MarkingSourceKind  `gorm:"type:enum('REGULAR','REVISION');not null;default:'REGULAR'" json:"source_kind"`
	RecordId   int                `gorm:"not null;index" json:"record_id"`
	ActivityId int                `gorm:"not null;index:idx_queue_correlate,priority:1" json:"activity_id"`
	PupilId    int                `gorm:"not null;index:idx_queue_correlate,priority:2" json:"pupil_id"`
	Status     MarkingQueueStatus `gorm:"type:enum('PENDING','PROCESSING','COMPLETED','FAILED');not null;default:'PENDING';index:idx_queue_claim,priority:1" json:"status"`
	Attempts   int                `gorm:"not null;default:0" json:"attempts"`
	LastError  *string            `gorm:"type:text" json:"last_error"`
	CreatedAt  time.Time          `gorm:"autoCreateTime;index:idx_queue_claim,priority:2" json:"created_at"`
	UpdatedAt  time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueMarking is the producer contract: insert a pending item for an
// answer that needs AI marking.
func EnqueueMarking(ctx context.Context, sourceKind MarkingSourceKind, recordId int, activityId int, pupilId int) (*MarkingQueueItem, error) {
	item := MarkingQueueItem{
		SourceKind: sourceKind,
		RecordId:   recordId,
		ActivityId: activityId,
		PupilId:    pupilId,
		Status:     MarkingQueueStatusPending,
		Attempts:   0,
	}
	if err := config.GetDB().WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func GetQueueItem(ctx context.Context, queueId int) (*MarkingQueueItem, error) {
	var item MarkingQueueItem
	if err := config.GetDB().WithContext(ctx).Where("id = ?", queueId).Take(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// GetQueueItems lists queue items newest-first for the operator dashboard.
func GetQueueItems(ctx context.Context, limit int, offset int) ([]MarkingQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []MarkingQueueItem
	err := config.GetDB().WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&items).Error
	return items, err
}

func CountQueueByStatus(ctx context.Context) (map[MarkingQueueStatus]int64, error) {
	type row struct {
		Status MarkingQueueStatus
		Total  int64
	}
	var rows []row
	err := config.GetDB().WithContext(ctx).
		Model(&MarkingQueueItem{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[MarkingQueueStatus]int64{
		MarkingQueueStatusPending:    0,
		MarkingQueueStatusProcessing: 0,
		MarkingQueueStatusCompleted:  0,
		MarkingQueueStatusFailed:     0,
	}
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

func CountPendingQueueItems(ctx context.Context) (int64, error) {
	var count int64
	err := config.GetDB().WithContext(ctx).
		Model(&MarkingQueueItem{}).
		Where("status = ?", MarkingQueueStatusPending).
		Count(&count).Error
	return count, err
}

// ClearQueue removes every queue item. Destructive; operator reset only.
func ClearQueue(ctx context.Context) error {
	return config.GetDB().WithContext(ctx).
		Where("1 = 1").
		Delete(&MarkingQueueItem{}).Error
}
