package models

import (
	"context"
	"errors"
	"time"

	"github.com/edufocus/classroom_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Activity struct {
	ID           int       `gorm:"primary_key" json:"id"`
	Title        string    `gorm:"size:255;not null" json:"title"`
	QuestionText string    `gorm:"type:text" json:"question_text"`
	ModelAnswer  string    `gorm:"type:text" json:"model_answer"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Revision is a practice run owned by a pupil. Revision answers hang off it
// instead of carrying the pupil directly.
type Revision struct {
	ID         int       `gorm:"primary_key" json:"id"`
	PupilId    int       `gorm:"not null;index" json:"pupil_id"`
	ActivityId int       `gorm:"not null;index" json:"activity_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ShortTextAnswer is the durable pupil answer for a regular submission.
// Score is a fraction in [0,1], stored as decimal(5,4).
type ShortTextAnswer struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	ActivityId    int                 `gorm:"not null;index:idx_sta_correlate,priority:1" json:"activity_id"`
	PupilId       int                 `gorm:"not null;index:idx_sta_correlate,priority:2" json:"pupil_id"`
	AnswerText    string              `gorm:"type:text" json:"answer_text"`
	Score         *decimal.Decimal    `gorm:"type:decimal(5,4)" json:"score"`
	Feedback      *string             `gorm:"type:text" json:"feedback"`
	MarkingStatus AnswerMarkingStatus `gorm:"type:enum('PENDING_MARKING','MARKED');not null;default:'PENDING_MARKING';index:idx_sta_correlate,priority:3" json:"marking_status"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// RevisionAnswer is the durable pupil answer for a practice revision.
type RevisionAnswer struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	RevisionId    int                 `gorm:"not null;index" json:"revision_id"`
	ActivityId    int                 `gorm:"not null;index" json:"activity_id"`
	AnswerText    string              `gorm:"type:text" json:"answer_text"`
	Score         *decimal.Decimal    `gorm:"type:decimal(5,4)" json:"score"`
	Feedback      *string             `gorm:"type:text" json:"feedback"`
	MarkingStatus AnswerMarkingStatus `gorm:"type:enum('PENDING_MARKING','MARKED');not null;default:'PENDING_MARKING';index" json:"marking_status"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetActivityById(ctx context.Context, activityId int) (*Activity, error) {
	var activity Activity
	if err := config.GetDB().WithContext(ctx).Where("id = ?", activityId).Take(&activity).Error; err != nil {
		return nil, err
	}
	return &activity, nil
}

// FindPendingShortTextAnswer resolves a webhook result to its durable
// answer. The callback does not reliably echo the original record id, so the
// natural key (activity, pupil, still unmarked) is used instead; a pupil has
// at most one outstanding unmarked attempt per activity. Returns nil, nil
// when nothing matches.
func FindPendingShortTextAnswer(ctx context.Context, activityId int, pupilId int) (*ShortTextAnswer, error) {
	var answer ShortTextAnswer
	err := config.GetDB().WithContext(ctx).
		Where("activity_id = ? AND pupil_id = ? AND marking_status = ?",
			activityId, pupilId, AnswerMarkingStatusPending).
		Order("created_at DESC, id DESC").
		Limit(1).
		Take(&answer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &answer, nil
}

// FindPendingRevisionAnswer is the revision-kind variant: the owning pupil
// is reached through the revision record.
func FindPendingRevisionAnswer(ctx context.Context, activityId int, pupilId int) (*RevisionAnswer, error) {
	var answer RevisionAnswer
	err := config.GetDB().WithContext(ctx).
		Joins("JOIN revisions ON revisions.id = revision_answers.revision_id").
		Where("revision_answers.activity_id = ? AND revisions.pupil_id = ? AND revision_answers.marking_status = ?",
			activityId, pupilId, AnswerMarkingStatusPending).
		Order("revision_answers.created_at DESC, revision_answers.id DESC").
		Limit(1).
		Take(&answer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &answer, nil
}

func MarkShortTextAnswer(ctx context.Context, answerId int, score decimal.Decimal, feedback *string) error {
	return config.GetDB().WithContext(ctx).
		Model(&ShortTextAnswer{}).
		Where("id = ?", answerId).
		Updates(map[string]interface{}{
			"score":          score,
			"feedback":       feedback,
			"marking_status": AnswerMarkingStatusMarked,
		}).Error
}

func MarkRevisionAnswer(ctx context.Context, answerId int, score decimal.Decimal, feedback *string) error {
	return config.GetDB().WithContext(ctx).
		Model(&RevisionAnswer{}).
		Where("id = ?", answerId).
		Updates(map[string]interface{}{
			"score":          score,
			"feedback":       feedback,
			"marking_status": AnswerMarkingStatusMarked,
		}).Error
}

func GetShortTextAnswer(ctx context.Context, answerId int) (*ShortTextAnswer, error) {
	var answer ShortTextAnswer
	if err := config.GetDB().WithContext(ctx).Where("id = ?", answerId).Take(&answer).Error; err != nil {
		return nil, err
	}
	return &answer, nil
}

func GetRevisionAnswer(ctx context.Context, answerId int) (*RevisionAnswer, error) {
	var answer RevisionAnswer
	if err := config.GetDB().WithContext(ctx).Where("id = ?", answerId).Take(&answer).Error; err != nil {
		return nil, err
	}
	return &answer, nil
}
