package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/edufocus/classroom_backend/marking"
	"github.com/edufocus/classroom_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Dispatcher moves eligible queue items from PENDING to PROCESSING and
// hands them to the external marking worker. It never waits for the
// worker's final answer; results come back later through the webhook.
//
// Several stateless instances may drain concurrently. Correctness against
// double-claiming rests entirely on the conditional claim update being a
// single statement checked via its affected-row count.
type Dispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Client       marking.WorkerClient
	DispatcherID string

	MaxInFlight int

	trigger chan struct{}
}

func NewDispatcher(db *gorm.DB, logger *logrus.Logger, client marking.WorkerClient, maxInFlight int) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	return &Dispatcher{
		DB:           db,
		Logger:       logger,
		Client:       client,
		DispatcherID: uuid.NewString(),
		MaxInFlight:  maxInFlight,
		trigger:      make(chan struct{}, 1),
	}
}

// Run services drain triggers until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.trigger:
			d.drain(ctx)
		}
	}
}

// TriggerAsyncDrain kicks the background drain and returns immediately.
// Triggers arriving while a drain is already queued are coalesced; the
// drain always re-checks the pending pool, so no work is lost.
func (d *Dispatcher) TriggerAsyncDrain() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// drain claims and dispatches pending items until the pool is empty,
// bounded by MaxInFlight concurrent dispatches.
func (d *Dispatcher) drain(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.MaxInFlight; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				item, _, err := d.ClaimNext(ctx)
				if err != nil || item == nil {
					return
				}
				d.dispatch(ctx, *item)
			}
		}()
	}
	wg.Wait()
}

// ClaimNext claims the oldest PENDING item (stable FIFO by creation time).
// The claim is a conditional single-statement update; losing the race to a
// concurrent dispatcher just moves on to the next candidate. Returns
// nil item and remaining = 0 when the pool is empty.
func (d *Dispatcher) ClaimNext(ctx context.Context) (*models.MarkingQueueItem, int64, error) {
	db := d.DB.WithContext(ctx)
	for {
		var item models.MarkingQueueItem
		err := db.
			Where("status = ?", models.MarkingQueueStatusPending).
			Order("created_at ASC, id ASC").
			Limit(1).
			Take(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, nil
		}
		if err != nil {
			return nil, 0, err
		}

		res := db.Model(&models.MarkingQueueItem{}).
			Where("id = ? AND status = ?", item.ID, models.MarkingQueueStatusPending).
			Updates(map[string]interface{}{
				"status":   models.MarkingQueueStatusProcessing,
				"attempts": gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, 0, res.Error
		}
		if res.RowsAffected == 0 {
			// Another dispatcher got there first; try the next candidate.
			continue
		}
		item.Status = models.MarkingQueueStatusProcessing
		item.Attempts++

		remaining, err := models.CountPendingQueueItems(ctx)
		if err != nil {
			remaining = 0
		}

		models.RecordQueueEvent(ctx, models.QueueEventLevelInfo,
			"queue item claimed",
			map[string]interface{}{
				"queue_id":   item.ID,
				"attempts":   item.Attempts,
				"dispatcher": d.DispatcherID,
			})
		return &item, remaining, nil
	}
}

// dispatch hands one claimed item to the worker. Failure marks the item
// FAILED with no automatic retry; requeueing is operator or sweep driven.
func (d *Dispatcher) dispatch(ctx context.Context, item models.MarkingQueueItem) {
	grade, err := marking.BuildGradeItem(ctx, item)
	if err != nil {
		d.markDispatchFailed(ctx, item, err)
		return
	}
	if err := d.Client.Grade(ctx, marking.GradeBatch{Items: []marking.GradeItem{grade}}); err != nil {
		d.markDispatchFailed(ctx, item, err)
		return
	}

	models.RecordQueueEvent(ctx, models.QueueEventLevelInfo,
		"queue item dispatched to marking worker",
		map[string]interface{}{
			"queue_id":  item.ID,
			"record_id": item.RecordId,
			"attempts":  item.Attempts,
		})
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":      "Dispatcher",
			"queue_id":   item.ID,
			"record_id":  item.RecordId,
			"attempts":   item.Attempts,
			"dispatcher": d.DispatcherID,
		}).Info("queue item dispatched")
	}
}

func (d *Dispatcher) markDispatchFailed(ctx context.Context, item models.MarkingQueueItem, err error) {
	msg := err.Error()
	_ = d.DB.WithContext(ctx).Model(&models.MarkingQueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.MarkingQueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.MarkingQueueStatusFailed,
			"last_error": &msg,
		}).Error

	models.RecordQueueEvent(ctx, models.QueueEventLevelError,
		"queue item dispatch failed",
		map[string]interface{}{
			"queue_id": item.ID,
			"error":    msg,
		})
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":      "Dispatcher",
			"queue_id":   item.ID,
			"record_id":  item.RecordId,
			"attempts":   item.Attempts,
			"dispatcher": d.DispatcherID,
		}).Error("dispatch failed: " + msg)
	}
}
