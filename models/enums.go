package models

type MarkingSourceKind string

const (
	// REGULAR: answer belongs to a pupil submission.
	// REVISION: answer belongs to a practice revision; the owning pupil is
	// resolved through the revision record.
	MarkingSourceKindRegular  MarkingSourceKind = "REGULAR"
	MarkingSourceKindRevision MarkingSourceKind = "REVISION"
)

type MarkingQueueStatus string

const (
	MarkingQueueStatusPending    MarkingQueueStatus = "PENDING"
	MarkingQueueStatusProcessing MarkingQueueStatus = "PROCESSING"
	MarkingQueueStatusCompleted  MarkingQueueStatus = "COMPLETED"
	MarkingQueueStatusFailed     MarkingQueueStatus = "FAILED"
)

type AnswerMarkingStatus string

const (
	AnswerMarkingStatusPending AnswerMarkingStatus = "PENDING_MARKING"
	AnswerMarkingStatusMarked  AnswerMarkingStatus = "MARKED"
)

type QueueEventLevel string

const (
	QueueEventLevelInfo  QueueEventLevel = "INFO"
	QueueEventLevelWarn  QueueEventLevel = "WARN"
	QueueEventLevelError QueueEventLevel = "ERROR"
)

type UserRole string

const (
	UserRoleAdmin UserRole = "Admin"
	UserRoleStaff UserRole = "Staff"
)
