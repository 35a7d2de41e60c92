package marking

import (
	"github.com/shopspring/decimal"
)

// GradeItem is one answer handed to the external marking worker. The worker
// grades asynchronously and reports back through the webhook; nothing beyond
// transport acknowledgement is awaited on dispatch.
type GradeItem struct {
	RecordId     int    `json:"record_id"`
	SourceKind   string `json:"source_kind"`
	ActivityId   int    `json:"activity_id"`
	PupilId      int    `json:"pupil_id"`
	QuestionText string `json:"question_text"`
	ModelAnswer  string `json:"model_answer"`
	PupilAnswer  string `json:"pupil_answer"`
}

type GradeBatch struct {
	Items []GradeItem `json:"items"`
}

// WebhookPayload is the inbound callback body. The worker may deliver
// batches out of order, more than once, or partially; per-result handling
// absorbs all of that.
type WebhookPayload struct {
	CorrelationKind string          `json:"correlationKind" validate:"required,oneof=regular revision"`
	ActivityId      int             `json:"activityId" validate:"required,gt=0"`
	Results         []WebhookResult `json:"results" validate:"required,min=1,dive"`
}

type WebhookResult struct {
	PupilId  int      `json:"pupilId" validate:"required,gt=0"`
	Score    *float64 `json:"score" validate:"required"`
	Feedback *string  `json:"feedback"`
}

const (
	CorrelationKindRegular  = "regular"
	CorrelationKindRevision = "revision"
)

// ClampScore forces a worker-reported score into [0,1]. Out-of-range scores
// are clamped rather than rejected; the worker's retry policy cannot fix
// them and a bounded score is still useful feedback.
func ClampScore(score float64) decimal.Decimal {
	if score < 0 {
		return decimal.Zero
	}
	if score > 1 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromFloat(score)
}
