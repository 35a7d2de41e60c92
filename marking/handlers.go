package marking

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/edufocus/classroom_backend/config"
	"github.com/edufocus/classroom_backend/models"
	"github.com/edufocus/classroom_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const webhookSecretHeader = "X-Marking-Secret"

var validate = validator.New()

// WebhookHandler accepts a batch of grading results from the external
// worker. Auth and schema failures reject the whole batch; once those pass
// the endpoint always answers success at the transport level — per-result
// failures are reported through the event log only.
func WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		ctx := c.Request.Context()

		secret := strings.TrimSpace(os.Getenv("MARKING_WEBHOOK_SECRET"))
		provided := strings.TrimSpace(c.Request.Header.Get(webhookSecretHeader))
		if secret == "" || provided != secret {
			models.RecordQueueEvent(ctx, models.QueueEventLevelWarn,
				"webhook rejected: bad or missing secret", nil)
			logger.WithFields(logrus.Fields{
				"field": "WebhookHandler",
			}).Warn("webhook rejected: bad or missing secret")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "handlers.go", "WebhookHandler", "io.ReadAll", nil, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		var payload WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			rejectInvalidPayload(c, logger, body, err, nil)
			return
		}
		if err := validate.Struct(payload); err != nil {
			rejectInvalidPayload(c, logger, body, err, utils.ProcessValidationErrors(err))
			return
		}

		// Best-effort: serialize batches for the same activity. Processing
		// is idempotent, so reliability must not depend on Redis.
		var lock *redislock.Lock
		if redisLock := config.GetRedisLock(); redisLock != nil {
			lock, err = redisLock.Obtain(ctx, fmt.Sprintf("lock:marking:%d", payload.ActivityId), 30*time.Second, nil)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"field":       "WebhookHandler",
					"activity_id": payload.ActivityId,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(ctx); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":       "WebhookHandler",
					"activity_id": payload.ActivityId,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		updated := ResolveBatch(ctx, logger, payload)

		models.RecordQueueEvent(ctx, models.QueueEventLevelInfo,
			"webhook batch resolved",
			map[string]interface{}{
				"correlation_kind": payload.CorrelationKind,
				"activity_id":      payload.ActivityId,
				"results":          len(payload.Results),
				"updated":          updated,
			})

		c.JSON(http.StatusOK, gin.H{"success": true, "updated": updated})
	}
}

func rejectInvalidPayload(c *gin.Context, logger *logrus.Logger, body []byte, err error, fields map[string]string) {
	models.RecordQueueEvent(c.Request.Context(), models.QueueEventLevelError,
		"webhook rejected: invalid payload",
		map[string]interface{}{"error": err.Error()})
	config.LogError(logger, "handlers.go", "WebhookHandler", "validate payload", string(body), err)
	resp := gin.H{"error": "invalid payload"}
	if len(fields) > 0 {
		resp["fields"] = fields
	}
	c.JSON(http.StatusBadRequest, resp)
}
