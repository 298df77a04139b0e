package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/jobs/executor"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/apierr"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/envutil"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/httpx"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

const defaultBlockPath = "/api/v1/ai/vocabulary/block"

// Notifier delivers best-effort callbacks to the consuming backend. Delivery
// failures are logged, never fatal: the job result lives in the registry and
// the blob store regardless of whether the callback lands.
type Notifier struct {
	log     *logger.Logger
	http    *http.Client
	token   string
	baseURL string

	completeURL string
	blockURL    string

	policy executor.RetryPolicy

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewNotifier(log *logger.Logger) *Notifier {
	base := strings.TrimRight(strings.TrimSpace(os.Getenv("CALLBACK_BASE_URL")), "/")

	completeURL := strings.TrimSpace(os.Getenv("CALLBACK_URL"))
	if completeURL == "" && base != "" {
		completeURL = base + "/api/document/complete"
	}
	blockURL := strings.TrimSpace(os.Getenv("CALLBACK_VOCAB_BLOCK_URL"))
	if blockURL == "" && base != "" {
		path := envutil.Str("CALLBACK_VOCAB_BLOCK_PATH", defaultBlockPath)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		blockURL = base + path
	}

	maxConcurrent := envutil.Int("NOTIFY_MAX_CONCURRENT", 4)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	policy := executor.RetryPolicy{
		MaxRetries: envutil.Int("CALLBACK_MAX_RETRIES", 2),
		Base:       envutil.Duration("CALLBACK_RETRY_BASE", time.Second),
		Cap:        envutil.Duration("CALLBACK_RETRY_CAP", 10*time.Second),
	}

	return &Notifier{
		log:         log.With("service", "Notifier"),
		http:        &http.Client{Timeout: envutil.Duration("CALLBACK_TIMEOUT", 10*time.Second)},
		token:       strings.TrimSpace(os.Getenv("CALLBACK_TOKEN")),
		baseURL:     base,
		completeURL: completeURL,
		blockURL:    blockURL,
		policy:      policy,
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// DocumentComplete posts the finished document to the consuming backend.
// Body: {"jobId", "pdfName", "data"}.
func (n *Notifier) DocumentComplete(ctx context.Context, jobID, pdfName string, data any) error {
	if n.completeURL == "" {
		n.log.Warn("CALLBACK_URL not set, skipping document-complete callback", "job_id", jobID)
		return nil
	}
	payload := map[string]any{
		"jobId":   jobID,
		"pdfName": pdfName,
		"data":    data,
	}
	if err := n.post(ctx, n.completeURL, payload); err != nil {
		n.log.Error("document-complete callback failed", "job_id", jobID, "error", err)
		return err
	}
	n.log.Info("document-complete callback delivered", "job_id", jobID, "url", n.completeURL)
	return nil
}

// ThumbnailComplete posts the uploaded thumbnail's location to
// {base}/api/textbook/thumbnail/{job_id}. The consumer deserializes into a
// LocalDateTime, so the timestamp is ISO-8601 without a zone suffix.
func (n *Notifier) ThumbnailComplete(ctx context.Context, jobID, pdfName, thumbnailURL, s3Key string, width, height int) error {
	if n.baseURL == "" {
		n.log.Warn("CALLBACK_BASE_URL not set, skipping thumbnail callback", "job_id", jobID)
		return nil
	}
	url := fmt.Sprintf("%s/api/textbook/thumbnail/%s", n.baseURL, jobID)
	payload := map[string]any{
		"job_id":        jobID,
		"pdf_name":      pdfName,
		"thumbnail_url": thumbnailURL,
		"s3_key":        s3Key,
		"width":         width,
		"height":        height,
		"timestamp":     time.Now().UTC().Format("2006-01-02T15:04:05"),
		"jobId":         jobID,
		"pdfName":       pdfName,
		"thumbnailUrl":  thumbnailURL,
	}
	if err := n.post(ctx, url, payload); err != nil {
		n.log.Error("thumbnail callback failed", "job_id", jobID, "error", err)
		return err
	}
	n.log.Info("thumbnail callback delivered", "job_id", jobID, "url", url)
	return nil
}

// VocabularyBlock schedules a per-block vocabulary callback on the bounded
// background group. Returns immediately; Drain waits for in-flight posts.
func (n *Notifier) VocabularyBlock(jobID string, textbookID int, pageNumber int, block domain.Block) {
	if n.blockURL == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := n.sem.Acquire(ctx, 1); err != nil {
			n.log.Warn("block callback slot acquire failed", "job_id", jobID, "block_id", block.ID, "error", err)
			return
		}
		defer n.sem.Release(1)

		payload := blockPayload(jobID, textbookID, pageNumber, block)
		if err := n.post(ctx, n.blockURL, payload); err != nil {
			n.log.Warn("block vocabulary callback failed", "job_id", jobID, "block_id", block.ID, "error", err)
			return
		}
		n.log.Debug("block vocabulary callback delivered", "job_id", jobID, "block_id", block.ID)
	}()
}

// Drain blocks until all scheduled block callbacks finish or grace elapses.
func (n *Notifier) Drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		n.log.Warn("callback drain grace period elapsed with posts still in flight")
	}
}

// blockPayload duplicates keys in snake_case and camelCase so consumers with
// either naming strategy deserialize the same body.
func blockPayload(jobID string, textbookID, pageNumber int, block domain.Block) map[string]any {
	itemsCamel := make([]map[string]any, 0, len(block.VocabularyItems))
	for _, it := range block.VocabularyItems {
		itemsCamel = append(itemsCamel, map[string]any{
			"word":                 it.Word,
			"startIndex":           it.StartIndex,
			"endIndex":             it.EndIndex,
			"definition":           it.Definition,
			"simplifiedDefinition": it.SimplifiedDefinition,
			"examples":             it.Examples,
			"difficultyLevel":      it.DifficultyLevel,
			"gradeLevel":           it.GradeLevel,
			"reason":               it.Reason,
			"phonemeAnalysisJson":  it.PhonemeAnalysisJSON,
		})
	}
	createdAt := time.Now().UTC().Format(time.RFC3339)
	return map[string]any{
		"job_id":            jobID,
		"textbook_id":       textbookID,
		"page_number":       pageNumber,
		"block_id":          block.ID,
		"original_sentence": block.Text,
		"vocabulary_items":  block.VocabularyItems,
		"created_at":        createdAt,
		"jobId":             jobID,
		"textbookId":        textbookID,
		"pageNumber":        pageNumber,
		"blockId":           block.ID,
		"originalSentence":  block.Text,
		"vocabularyItems":   itemsCamel,
		"createdAt":         createdAt,
	}
}

func (n *Notifier) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = executor.Retry(ctx, n.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, n.postOnce(ctx, url, body)
	})
	return err
}

func (n *Notifier) postOnce(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("X-Callback-Token", n.token)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := apierr.New(resp.StatusCode, "callback_rejected",
			fmt.Errorf("callback to %s returned %d", url, resp.StatusCode))
		apiErr.RetryAfter = httpx.RetryAfterDuration(resp, 0, n.policy.Cap)
		return apiErr
	}
	return nil
}
