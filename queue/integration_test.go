package queue_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edufocus/classroom_backend/config"
	"github.com/edufocus/classroom_backend/marking"
	"github.com/edufocus/classroom_backend/models"
	"github.com/edufocus/classroom_backend/queue"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// stubWorker records dispatched batches; Err makes every dispatch fail.
type stubWorker struct {
	mu      sync.Mutex
	batches []marking.GradeBatch
	Err     error
}

func (s *stubWorker) Grade(ctx context.Context, batch marking.GradeBatch) error {
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
	return s.Err
}

func (s *stubWorker) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func setupIntegrationEnv(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "classroom_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()
}

func seedActivity(t *testing.T, ctx context.Context) *models.Activity {
	t.Helper()
	activity := models.Activity{
		Title:        "Photosynthesis",
		QuestionText: "Explain how plants convert light into chemical energy.",
		ModelAnswer:  "Chlorophyll absorbs light which drives the conversion of CO2 and water into glucose.",
	}
	if err := config.GetDB().WithContext(ctx).Create(&activity).Error; err != nil {
		t.Fatalf("create activity: %v", err)
	}
	return &activity
}

func seedShortTextAnswer(t *testing.T, ctx context.Context, activityId int, pupilId int) *models.ShortTextAnswer {
	t.Helper()
	answer := models.ShortTextAnswer{
		ActivityId:    activityId,
		PupilId:       pupilId,
		AnswerText:    "Plants use sunlight to make sugar from air and water.",
		MarkingStatus: models.AnswerMarkingStatusPending,
	}
	if err := config.GetDB().WithContext(ctx).Create(&answer).Error; err != nil {
		t.Fatalf("create short text answer: %v", err)
	}
	return &answer
}

func TestQueueClaimAndRetryLifecycle(t *testing.T) {
	setupIntegrationEnv(t)
	ctx := context.Background()
	logger := logrus.New()
	activity := seedActivity(t, ctx)

	worker := &stubWorker{}
	d := queue.NewDispatcher(config.GetDB(), logger, worker, 4)

	// Three answers, three queue items, inserted in order.
	var queueIds []int
	for pupil := 1; pupil <= 3; pupil++ {
		answer := seedShortTextAnswer(t, ctx, activity.ID, pupil)
		item, err := models.EnqueueMarking(ctx, models.MarkingSourceKindRegular, answer.ID, activity.ID, pupil)
		if err != nil {
			t.Fatalf("EnqueueMarking: %v", err)
		}
		queueIds = append(queueIds, item.ID)
	}

	// Sequential claims come back oldest-first.
	for i, wantId := range queueIds {
		item, remaining, err := d.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if item == nil {
			t.Fatalf("ClaimNext returned no item on claim %d", i+1)
		}
		if item.ID != wantId {
			t.Fatalf("claim %d: got item %d, want %d (FIFO order)", i+1, item.ID, wantId)
		}
		if item.Status != models.MarkingQueueStatusProcessing {
			t.Fatalf("claimed item status = %s, want PROCESSING", item.Status)
		}
		if item.Attempts != 1 {
			t.Fatalf("claimed item attempts = %d, want 1", item.Attempts)
		}
		if wantRemaining := int64(len(queueIds) - i - 1); remaining != wantRemaining {
			t.Fatalf("claim %d: remaining = %d, want %d", i+1, remaining, wantRemaining)
		}
	}

	// Empty pool: no item, no error.
	item, _, err := d.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext on empty pool: %v", err)
	}
	if item != nil {
		t.Fatalf("expected no item from empty pool, got %d", item.ID)
	}

	// Retry rescues a PROCESSING item back to a clean PENDING.
	retried, err := d.Retry(ctx, queueIds[0])
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != models.MarkingQueueStatusPending {
		t.Fatalf("retried status = %s, want PENDING", retried.Status)
	}
	if retried.Attempts != 0 {
		t.Fatalf("retried attempts = %d, want 0", retried.Attempts)
	}
	if retried.LastError != nil {
		t.Fatalf("retried last_error = %q, want nil", *retried.LastError)
	}

	// A failing worker moves the item to FAILED with the error recorded.
	worker.Err = fmt.Errorf("worker exploded")
	processed, _, err := d.ProcessOneNow(ctx)
	if err != nil {
		t.Fatalf("ProcessOneNow: %v", err)
	}
	if processed == nil || processed.ID != queueIds[0] {
		t.Fatalf("ProcessOneNow claimed %+v, want item %d", processed, queueIds[0])
	}
	if processed.Status != models.MarkingQueueStatusFailed {
		t.Fatalf("processed status = %s, want FAILED", processed.Status)
	}
	if processed.LastError == nil || !strings.Contains(*processed.LastError, "worker exploded") {
		t.Fatalf("processed last_error = %v, want dispatch error", processed.LastError)
	}

	// Retry clears the failure and a healthy worker dispatches it.
	worker.Err = nil
	if _, err := d.Retry(ctx, queueIds[0]); err != nil {
		t.Fatalf("Retry after failure: %v", err)
	}
	before := worker.count()
	processed, _, err = d.ProcessOneNow(ctx)
	if err != nil {
		t.Fatalf("ProcessOneNow after retry: %v", err)
	}
	if processed.Status != models.MarkingQueueStatusProcessing {
		t.Fatalf("dispatched status = %s, want PROCESSING (result arrives via webhook)", processed.Status)
	}
	if worker.count() != before+1 {
		t.Fatalf("worker received %d batches, want %d", worker.count(), before+1)
	}

	// COMPLETED is terminal: retry must refuse.
	if err := config.GetDB().WithContext(ctx).Model(&models.MarkingQueueItem{}).
		Where("id = ?", queueIds[1]).
		Update("status", models.MarkingQueueStatusCompleted).Error; err != nil {
		t.Fatalf("force complete: %v", err)
	}
	if _, err := d.Retry(ctx, queueIds[1]); err != queue.ErrAlreadyCompleted {
		t.Fatalf("Retry of completed item: err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestConcurrentDispatchersClaimEachItemOnce(t *testing.T) {
	setupIntegrationEnv(t)
	ctx := context.Background()
	logger := logrus.New()
	activity := seedActivity(t, ctx)

	const items = 12
	for pupil := 1; pupil <= items; pupil++ {
		answer := seedShortTextAnswer(t, ctx, activity.ID, pupil)
		if _, err := models.EnqueueMarking(ctx, models.MarkingSourceKindRegular, answer.ID, activity.ID, pupil); err != nil {
			t.Fatalf("EnqueueMarking: %v", err)
		}
	}

	// Several dispatcher instances race over the same pool.
	var (
		mu      sync.Mutex
		claimed []int
		wg      sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		d := queue.NewDispatcher(config.GetDB(), logger, &stubWorker{}, 1)
		wg.Add(1)
		go func(d *queue.Dispatcher) {
			defer wg.Done()
			for {
				item, _, err := d.ClaimNext(ctx)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if item == nil {
					return
				}
				mu.Lock()
				claimed = append(claimed, item.ID)
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()

	if len(claimed) != items {
		t.Fatalf("claimed %d items, want %d", len(claimed), items)
	}
	seen := map[int]bool{}
	for _, id := range claimed {
		if seen[id] {
			t.Fatalf("item %d claimed by more than one dispatcher", id)
		}
		seen[id] = true
	}

	// Every item carries exactly one attempt.
	var bad int64
	if err := config.GetDB().WithContext(ctx).Model(&models.MarkingQueueItem{}).
		Where("attempts <> 1").Count(&bad).Error; err != nil {
		t.Fatalf("count attempts: %v", err)
	}
	if bad != 0 {
		t.Fatalf("%d items have attempts != 1 after single claim round", bad)
	}
}

func TestWebhookResolutionIsIdempotent(t *testing.T) {
	setupIntegrationEnv(t)
	ctx := context.Background()
	logger := logrus.New()
	activity := seedActivity(t, ctx)

	answer := seedShortTextAnswer(t, ctx, activity.ID, 5)
	item, err := models.EnqueueMarking(ctx, models.MarkingSourceKindRegular, answer.ID, activity.ID, 5)
	if err != nil {
		t.Fatalf("EnqueueMarking: %v", err)
	}

	score := 1.4 // out of range on purpose; must be clamped, not rejected
	feedback := "Excellent explanation."
	payload := marking.WebhookPayload{
		CorrelationKind: marking.CorrelationKindRegular,
		ActivityId:      activity.ID,
		Results: []marking.WebhookResult{
			{PupilId: 5, Score: &score, Feedback: &feedback},
		},
	}

	if updated := marking.ResolveBatch(ctx, logger, payload); updated != 1 {
		t.Fatalf("first ResolveBatch updated %d results, want 1", updated)
	}

	got, err := models.GetShortTextAnswer(ctx, answer.ID)
	if err != nil {
		t.Fatalf("GetShortTextAnswer: %v", err)
	}
	if got.MarkingStatus != models.AnswerMarkingStatusMarked {
		t.Fatalf("answer marking_status = %s, want MARKED", got.MarkingStatus)
	}
	if got.Score == nil || !got.Score.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("answer score = %v, want 1 (clamped)", got.Score)
	}
	if got.Feedback == nil || *got.Feedback != feedback {
		t.Fatalf("answer feedback = %v, want %q", got.Feedback, feedback)
	}

	retired, err := models.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if retired.Status != models.MarkingQueueStatusCompleted {
		t.Fatalf("queue item status = %s, want COMPLETED", retired.Status)
	}
	if retired.LastError != nil {
		t.Fatalf("queue item last_error = %q, want nil", *retired.LastError)
	}

	// A duplicate delivery finds nothing pending and changes nothing.
	if updated := marking.ResolveBatch(ctx, logger, payload); updated != 0 {
		t.Fatalf("duplicate ResolveBatch updated %d results, want 0", updated)
	}
	again, err := models.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem after duplicate: %v", err)
	}
	if again.Status != models.MarkingQueueStatusCompleted {
		t.Fatalf("queue item status after duplicate = %s, want COMPLETED", again.Status)
	}
	if !again.UpdatedAt.Equal(retired.UpdatedAt) {
		t.Fatalf("queue item touched by duplicate delivery: %s -> %s", retired.UpdatedAt, again.UpdatedAt)
	}
}

func TestWebhookBatchSurvivesCorrelationMiss(t *testing.T) {
	setupIntegrationEnv(t)
	ctx := context.Background()
	logger := logrus.New()
	activity := seedActivity(t, ctx)
	db := config.GetDB()

	// Revision-kind answer: the pupil is reachable only through the revision.
	revision := models.Revision{PupilId: 9, ActivityId: activity.ID}
	if err := db.WithContext(ctx).Create(&revision).Error; err != nil {
		t.Fatalf("create revision: %v", err)
	}
	answer := models.RevisionAnswer{
		RevisionId:    revision.ID,
		ActivityId:    activity.ID,
		AnswerText:    "Light energy becomes glucose.",
		MarkingStatus: models.AnswerMarkingStatusPending,
	}
	if err := db.WithContext(ctx).Create(&answer).Error; err != nil {
		t.Fatalf("create revision answer: %v", err)
	}
	item, err := models.EnqueueMarking(ctx, models.MarkingSourceKindRevision, answer.ID, activity.ID, 9)
	if err != nil {
		t.Fatalf("EnqueueMarking: %v", err)
	}

	goodScore := 0.8
	orphanScore := 0.5
	payload := marking.WebhookPayload{
		CorrelationKind: marking.CorrelationKindRevision,
		ActivityId:      activity.ID,
		Results: []marking.WebhookResult{
			// Unknown pupil first: its miss must not abort the batch.
			{PupilId: 9999, Score: &orphanScore},
			{PupilId: 9, Score: &goodScore},
		},
	}

	if updated := marking.ResolveBatch(ctx, logger, payload); updated != 1 {
		t.Fatalf("ResolveBatch updated %d results, want 1", updated)
	}

	got, err := models.GetRevisionAnswer(ctx, answer.ID)
	if err != nil {
		t.Fatalf("GetRevisionAnswer: %v", err)
	}
	if got.MarkingStatus != models.AnswerMarkingStatusMarked {
		t.Fatalf("revision answer marking_status = %s, want MARKED", got.MarkingStatus)
	}
	if got.Score == nil || !got.Score.Equal(decimal.NewFromFloat(0.8)) {
		t.Fatalf("revision answer score = %v, want 0.8", got.Score)
	}

	retired, err := models.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if retired.Status != models.MarkingQueueStatusCompleted {
		t.Fatalf("queue item status = %s, want COMPLETED", retired.Status)
	}

	// The miss left a warning in the event log.
	events, _, err := models.ListQueueEvents(ctx, 50, 0)
	if err != nil {
		t.Fatalf("ListQueueEvents: %v", err)
	}
	var foundMiss bool
	for _, ev := range events {
		if ev.Level == models.QueueEventLevelWarn && strings.Contains(ev.Message, "matched no pending answer") {
			foundMiss = true
			break
		}
	}
	if !foundMiss {
		t.Fatalf("expected a WARN event for the correlation miss")
	}
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("classroom-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=classroom_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("classroom-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}
