package queue

import (
	"context"
	"errors"

	"github.com/edufocus/classroom_backend/models"
)

// ErrAlreadyCompleted rejects a retry of a terminal item: a completed item
// is never mutated again.
var ErrAlreadyCompleted = errors.New("queue item already completed")

// Retry resets a failed or stuck item back to PENDING and resumes
// draining. PROCESSING is accepted as a prior state so items stuck on a
// worker that never calls back can be rescued without waiting for the
// sweep. Retrying an already-PENDING item is a harmless state no-op but
// still re-triggers the drain.
func (d *Dispatcher) Retry(ctx context.Context, queueId int) (*models.MarkingQueueItem, error) {
	item, err := models.GetQueueItem(ctx, queueId)
	if err != nil {
		return nil, err
	}
	if item.Status == models.MarkingQueueStatusCompleted {
		return nil, ErrAlreadyCompleted
	}

	err = d.DB.WithContext(ctx).Model(&models.MarkingQueueItem{}).
		Where("id = ? AND status <> ?", queueId, models.MarkingQueueStatusCompleted).
		Updates(map[string]interface{}{
			"status":     models.MarkingQueueStatusPending,
			"attempts":   0,
			"last_error": nil,
		}).Error
	if err != nil {
		return nil, err
	}

	models.RecordQueueEvent(ctx, models.QueueEventLevelInfo,
		"queue item requeued",
		map[string]interface{}{
			"queue_id":        queueId,
			"previous_status": item.Status,
		})

	d.TriggerAsyncDrain()
	return models.GetQueueItem(ctx, queueId)
}

// ProcessOneNow claims and dispatches exactly one item inline so the
// operator gets immediate feedback, then triggers the async drain for any
// remainder. Returns nil when nothing is pending.
func (d *Dispatcher) ProcessOneNow(ctx context.Context) (*models.MarkingQueueItem, int64, error) {
	item, remaining, err := d.ClaimNext(ctx)
	if err != nil || item == nil {
		return nil, 0, err
	}
	d.dispatch(ctx, *item)
	if remaining > 0 {
		d.TriggerAsyncDrain()
	}
	refreshed, err := models.GetQueueItem(ctx, item.ID)
	if err != nil {
		return item, remaining, nil
	}
	return refreshed, remaining, nil
}

// ClearQueue wipes every queue item. Administrative reset only.
func (d *Dispatcher) ClearQueue(ctx context.Context) error {
	if err := models.ClearQueue(ctx); err != nil {
		return err
	}
	models.RecordQueueEvent(ctx, models.QueueEventLevelWarn, "queue cleared by operator", nil)
	return nil
}
