package queue

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/edufocus/classroom_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// StaleSweeper requeues items stuck in PROCESSING: a worker that crashes or
// never calls the webhook would otherwise leave them there forever. An item
// whose last transition is older than StaleAfter goes back to PENDING and
// the drain is re-triggered. Attempts are kept; only an operator retry
// resets the counter.
type StaleSweeper struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Dispatcher *Dispatcher

	Interval   time.Duration
	StaleAfter time.Duration
}

func NewStaleSweeper(db *gorm.DB, logger *logrus.Logger, dispatcher *Dispatcher) *StaleSweeper {
	staleMinutes := 15
	if v := os.Getenv("QUEUE_STALE_AFTER_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			staleMinutes = n
		}
	}
	return &StaleSweeper{
		DB:         db,
		Logger:     logger,
		Dispatcher: dispatcher,
		Interval:   time.Minute,
		StaleAfter: time.Duration(staleMinutes) * time.Minute,
	}
}

func (s *StaleSweeper) Run(ctx context.Context) {
	if s == nil || s.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
	}
}

func (s *StaleSweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.StaleAfter)
	msg := "requeued by stale sweep"

	res := s.DB.WithContext(ctx).Model(&models.MarkingQueueItem{}).
		Where("status = ? AND updated_at <= ?", models.MarkingQueueStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":     models.MarkingQueueStatusPending,
			"last_error": &msg,
		})
	if res.Error != nil {
		if s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"field": "StaleSweeper",
			}).Error("stale sweep failed: " + res.Error.Error())
		}
		return
	}
	if res.RowsAffected == 0 {
		return
	}

	models.RecordQueueEvent(ctx, models.QueueEventLevelWarn,
		"stale processing items requeued",
		map[string]interface{}{
			"count":       res.RowsAffected,
			"stale_after": s.StaleAfter.String(),
		})
	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field": "StaleSweeper",
			"count": res.RowsAffected,
		}).Warn("stale processing items requeued")
	}
	if s.Dispatcher != nil {
		s.Dispatcher.TriggerAsyncDrain()
	}
}
