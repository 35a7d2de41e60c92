package marking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// WorkerClient hands grading batches to the external marking worker.
type WorkerClient interface {
	Grade(ctx context.Context, batch GradeBatch) error
}

type workerClient struct {
	baseURL   string
	gradePath string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewWorkerClient() (WorkerClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("MARKING_WORKER_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("MARKING_WORKER_BASE_URL is empty")
	}
	gradePath := strings.TrimSpace(os.Getenv("MARKING_WORKER_GRADE_PATH"))
	if gradePath == "" {
		gradePath = "/v1/grade"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("MARKING_WORKER_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	apiKey := strings.TrimSpace(os.Getenv("MARKING_WORKER_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("MARKING_WORKER_API_KEY is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("MARKING_WORKER_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &workerClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		gradePath: gradePath,
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type disabledClient struct {
	reason string
}

// NewDisabledWorkerClient stands in when the worker env is incomplete.
// Every dispatch fails with the configuration error so items land in
// FAILED instead of the process refusing to boot.
func NewDisabledWorkerClient(reason string) WorkerClient {
	return disabledClient{reason: reason}
}

func (c disabledClient) Grade(ctx context.Context, batch GradeBatch) error {
	return errors.New("marking worker not configured: " + c.reason)
}

func (c *workerClient) Grade(ctx context.Context, batch GradeBatch) error {
	<-c.limiter
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.gradePath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("marking worker error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}
