package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lexicraft/lexicraft-backend/internal/pkg/apierr"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/envutil"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

const (
	defaultBaseURL = "https://api.replicate.com/v1"
	defaultModel   = "google/nano-banana"
	defaultFormat  = "jpg"

	maxImageBytes = 32 << 20
)

// Client generates illustrations through the Replicate predictions API. The
// blocking "Prefer: wait" mode is used so one POST yields a finished
// prediction whose output is a download URL.
type Client struct {
	log     *logger.Logger
	http    *http.Client
	baseURL string
	token   string
	model   string
	format  string
}

func NewClient(log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	token := strings.TrimSpace(os.Getenv("REPLICATE_API_TOKEN"))
	if token == "" {
		return nil, fmt.Errorf("missing REPLICATE_API_TOKEN")
	}

	return &Client{
		log:     log.With("service", "ImageGenClient"),
		http:    &http.Client{Timeout: envutil.Duration("IMAGEGEN_TIMEOUT", 90*time.Second)},
		baseURL: strings.TrimRight(envutil.Str("IMAGEGEN_BASE_URL", defaultBaseURL), "/"),
		token:   token,
		model:   envutil.Str("IMAGEGEN_MODEL", defaultModel),
		format:  envutil.Str("IMAGEGEN_OUTPUT_FORMAT", defaultFormat),
	}, nil
}

// Format returns the configured output format ("jpg", "png").
func (c *Client) Format() string { return c.format }

type predictionRequest struct {
	Input predictionInput `json:"input"`
}

type predictionInput struct {
	Prompt       string `json:"prompt"`
	OutputFormat string `json:"output_format"`
}

type prediction struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// Generate renders prompt to image bytes. Upstream status codes flow out as
// apierr values so the executor's retry policy can classify them.
func (c *Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(predictionRequest{
		Input: predictionInput{Prompt: prompt, OutputFormat: c.format},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s/predictions", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "wait")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apierr.New(resp.StatusCode, "imagegen_prediction",
			fmt.Errorf("prediction request (%d): %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("decode prediction: %w", err)
	}
	if pred.Error != "" {
		return nil, fmt.Errorf("prediction failed: %s", pred.Error)
	}

	outputURL, err := outputURL(pred.Output)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, outputURL)
}

// outputURL accepts both output shapes the API produces: a single URL string
// or a list of URL strings.
func outputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("prediction has no output")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		for _, u := range many {
			if u != "" {
				return u, nil
			}
		}
	}
	return "", fmt.Errorf("prediction output has no usable URL")
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(resp.StatusCode, "imagegen_download",
			fmt.Errorf("image download (%d)", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image body")
	}
	return data, nil
}
