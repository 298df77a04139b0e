package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/lexicraft/lexicraft-backend/internal/pkg/envutil"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// ArtifactClient uploads job artifacts (result documents, generated images,
// thumbnails) to GCS and hands back the URL recorded in the job result.
type ArtifactClient struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucket        string
	prefix        string
	signURLs      bool
	signTTL       time.Duration
	outputDir     string
}

func NewArtifactClient(log *logger.Logger) (*ArtifactClient, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	bucket := strings.TrimSpace(os.Getenv("ARTIFACT_GCS_BUCKET_NAME"))
	if bucket == "" {
		return nil, fmt.Errorf("missing env var ARTIFACT_GCS_BUCKET_NAME")
	}

	ctx := context.Background()
	opts := clientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	stClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &ArtifactClient{
		log:           log.With("service", "ArtifactClient"),
		storageClient: stClient,
		bucket:        bucket,
		prefix:        strings.Trim(envutil.Str("ARTIFACT_PREFIX", "results"), "/"),
		signURLs:      envutil.Bool("ARTIFACT_SIGNED_URLS", false),
		signTTL:       envutil.Duration("ARTIFACT_SIGNED_URL_TTL", 24*time.Hour),
		outputDir:     strings.TrimSpace(os.Getenv("OUTPUT_DIR")),
	}, nil
}

func clientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	opts := []option.ClientOption{}
	if creds == "" {
		return opts
	}
	if strings.HasPrefix(creds, "{") {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	} else {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	return opts
}

// ResultKey builds the dated result object key:
// {prefix}/YYYY/MM/DD/{job_id}.json.
func (c *ArtifactClient) ResultKey(jobID string, t time.Time) string {
	return BuildResultKey(c.prefix, jobID, t)
}

func BuildResultKey(prefix, jobID string, t time.Time) string {
	t = t.UTC()
	key := fmt.Sprintf("%04d/%02d/%02d/%s.json", t.Year(), t.Month(), t.Day(), jobID)
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// BuildImageKey places generated page images under a per-job folder.
func BuildImageKey(jobID, blockID, format string) string {
	return fmt.Sprintf("images/%s/%s.%s", jobID, blockID, format)
}

// ThumbnailKey places first-page thumbnails under the configured prefix.
func (c *ArtifactClient) ThumbnailKey(jobID, format string) string {
	return BuildThumbnailKey(c.prefix, jobID, format)
}

func BuildThumbnailKey(prefix, jobID, format string) string {
	key := fmt.Sprintf("thumbnails/%s.%s", jobID, format)
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// PutJSON uploads the finished result document and returns its URL. Failures
// surface as storage-kind stage errors so the pipeline treats them as fatal.
func (c *ArtifactClient) PutJSON(ctx context.Context, jobID, key string, data []byte) (string, error) {
	url, err := c.put(ctx, jobID, key, data, "application/json; charset=utf-8")
	if err != nil {
		return "", err
	}
	c.mirror(key, data)
	return url, nil
}

// PutObject uploads a binary artifact (image, thumbnail) and returns its URL.
func (c *ArtifactClient) PutObject(ctx context.Context, jobID, key string, data []byte, contentType string) (string, error) {
	return c.put(ctx, jobID, key, data, contentType)
}

func (c *ArtifactClient) put(ctx context.Context, jobID, key string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := c.storageClient.Bucket(c.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{
		"job-id":      jobID,
		"uploaded-at": time.Now().UTC().Format(time.RFC3339),
		"service":     "lexicraft-backend",
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return c.url(ctx, key)
}

func (c *ArtifactClient) url(ctx context.Context, key string) (string, error) {
	if !c.signURLs {
		return fmt.Sprintf("https://storage.googleapis.com/%s/%s", c.bucket, key), nil
	}
	signed, err := c.storageClient.Bucket(c.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(c.signTTL),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("sign url for %s: %w", key, err)
	}
	return signed, nil
}

// mirror keeps a local copy of result documents when OUTPUT_DIR is set.
// Best effort; a full disk must not fail the job.
func (c *ArtifactClient) mirror(key string, data []byte) {
	if c.outputDir == "" {
		return
	}
	path := filepath.Join(c.outputDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.log.Warn("local mirror mkdir failed", "path", path, "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.log.Warn("local mirror write failed", "path", path, "error", err)
	}
}

// CheckBucket verifies the configured bucket is reachable with the current
// credentials. Used by the health endpoint.
func (c *ArtifactClient) CheckBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.storageClient.Bucket(c.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Close releases the underlying storage client.
func (c *ArtifactClient) Close() error {
	return c.storageClient.Close()
}
