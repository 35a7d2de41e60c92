package marking

import (
	"context"
	"fmt"

	"github.com/edufocus/classroom_backend/config"
	"github.com/edufocus/classroom_backend/models"
	"github.com/edufocus/classroom_backend/notify"
	"github.com/sirupsen/logrus"
)

// ResolveBatch applies a batch of worker results idempotently and returns
// the number of results that were written. Results are independent: a
// correlation miss or a persistence failure on one result never aborts the
// rest of the batch. Failures surface through queue events, not errors —
// the worker cannot act on partial failure beyond its own retry policy.
func ResolveBatch(ctx context.Context, logger *logrus.Logger, payload WebhookPayload) int {
	updated := 0
	for _, result := range payload.Results {
		if resolveOne(ctx, logger, payload.CorrelationKind, payload.ActivityId, result) {
			updated++
		}
	}
	return updated
}

func resolveOne(ctx context.Context, logger *logrus.Logger, correlationKind string, activityId int, result WebhookResult) bool {
	score := ClampScore(*result.Score)

	var (
		answerId   int
		sourceKind models.MarkingSourceKind
		writeErr   error
	)

	// Correlate by the natural key (activity, pupil, still unmarked):
	// a pupil has at most one outstanding unmarked attempt per activity.
	switch correlationKind {
	case CorrelationKindRevision:
		sourceKind = models.MarkingSourceKindRevision
		answer, err := models.FindPendingRevisionAnswer(ctx, activityId, result.PupilId)
		if err != nil {
			recordResultFailure(ctx, logger, activityId, result.PupilId, "correlation lookup failed", err)
			return false
		}
		if answer == nil {
			recordResultMiss(ctx, logger, correlationKind, activityId, result.PupilId)
			return false
		}
		answerId = answer.ID
		writeErr = models.MarkRevisionAnswer(ctx, answer.ID, score, result.Feedback)
	default:
		sourceKind = models.MarkingSourceKindRegular
		answer, err := models.FindPendingShortTextAnswer(ctx, activityId, result.PupilId)
		if err != nil {
			recordResultFailure(ctx, logger, activityId, result.PupilId, "correlation lookup failed", err)
			return false
		}
		if answer == nil {
			recordResultMiss(ctx, logger, correlationKind, activityId, result.PupilId)
			return false
		}
		answerId = answer.ID
		writeErr = models.MarkShortTextAnswer(ctx, answer.ID, score, result.Feedback)
	}

	if writeErr != nil {
		recordResultFailure(ctx, logger, activityId, result.PupilId, "score write failed", writeErr)
		return false
	}

	if err := retireQueueItem(ctx, sourceKind, answerId); err != nil {
		recordResultFailure(ctx, logger, activityId, result.PupilId, "queue item retire failed", err)
		return false
	}

	notify.Publish("queue", "queue.changed", map[string]interface{}{
		"record_id": answerId,
	})
	notify.Publish("submissions", "submission.updated", map[string]interface{}{
		"activity_id": activityId,
		"pupil_id":    result.PupilId,
		"record_id":   answerId,
	})
	return true
}

// retireQueueItem completes the queue item that tracks the durable answer.
// The update is conditional on a non-terminal status: a duplicate callback
// finds the item already COMPLETED, affects zero rows and is a silent
// no-op. The worker's own infrastructure may retry a finished invocation,
// so this must stay idempotent.
func retireQueueItem(ctx context.Context, sourceKind models.MarkingSourceKind, recordId int) error {
	return config.GetDB().WithContext(ctx).
		Model(&models.MarkingQueueItem{}).
		Where("record_id = ? AND source_kind = ? AND status IN ?",
			recordId, sourceKind, []models.MarkingQueueStatus{
				models.MarkingQueueStatusPending,
				models.MarkingQueueStatusProcessing,
			}).
		Updates(map[string]interface{}{
			"status":     models.MarkingQueueStatusCompleted,
			"last_error": nil,
		}).Error
}

// recordResultMiss logs an orphaned result. Expected and non-fatal: the
// answer may already be resolved by a prior duplicate callback, or deleted.
func recordResultMiss(ctx context.Context, logger *logrus.Logger, correlationKind string, activityId int, pupilId int) {
	models.RecordQueueEvent(ctx, models.QueueEventLevelWarn,
		"webhook result matched no pending answer",
		map[string]interface{}{
			"correlation_kind": correlationKind,
			"activity_id":      activityId,
			"pupil_id":         pupilId,
		})
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":            "WebhookResolver",
			"correlation_kind": correlationKind,
			"activity_id":      activityId,
			"pupil_id":         pupilId,
		}).Warn("webhook result matched no pending answer")
	}
}

func recordResultFailure(ctx context.Context, logger *logrus.Logger, activityId int, pupilId int, msg string, err error) {
	models.RecordQueueEvent(ctx, models.QueueEventLevelError, msg,
		map[string]interface{}{
			"activity_id": activityId,
			"pupil_id":    pupilId,
			"error":       err.Error(),
		})
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":       "WebhookResolver",
			"activity_id": activityId,
			"pupil_id":    pupilId,
		}).Error(fmt.Sprintf("%s: %v", msg, err))
	}
}

// BuildGradeItem loads the grading material for a claimed queue item.
func BuildGradeItem(ctx context.Context, item models.MarkingQueueItem) (GradeItem, error) {
	grade := GradeItem{
		RecordId:   item.RecordId,
		SourceKind: string(item.SourceKind),
		ActivityId: item.ActivityId,
		PupilId:    item.PupilId,
	}

	switch item.SourceKind {
	case models.MarkingSourceKindRevision:
		answer, err := models.GetRevisionAnswer(ctx, item.RecordId)
		if err != nil {
			return grade, err
		}
		grade.PupilAnswer = answer.AnswerText
	default:
		answer, err := models.GetShortTextAnswer(ctx, item.RecordId)
		if err != nil {
			return grade, err
		}
		grade.PupilAnswer = answer.AnswerText
	}

	activity, err := models.GetActivityById(ctx, item.ActivityId)
	if err != nil {
		return grade, err
	}
	grade.QuestionText = activity.QuestionText
	grade.ModelAnswer = activity.ModelAnswer
	return grade, nil
}
