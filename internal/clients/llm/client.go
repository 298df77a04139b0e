package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"github.com/lexicraft/lexicraft-backend/internal/pkg/envutil"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 8192
)

// CompletionRequest is a single prompt/response exchange. Zero-valued fields
// fall back to the client defaults.
type CompletionRequest struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
	HasTemp     bool
}

// Client wraps the Anthropic messages API behind a plain text-in/text-out
// call. A shared rate limiter smooths request bursts from concurrent chunk
// workers.
type Client struct {
	log       *logger.Logger
	api       anthropic.Client
	limiter   *rate.Limiter
	model     string
	maxTokens int
}

func NewClient(log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing ANTHROPIC_API_KEY")
	}

	rps := envutil.Float("LLM_REQUESTS_PER_SECOND", 2)
	burst := envutil.Int("LLM_BURST", 4)
	if rps <= 0 {
		rps = 2
	}
	if burst < 1 {
		burst = 1
	}

	return &Client{
		log:       log.With("service", "LLMClient"),
		api:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		model:     envutil.Str("LLM_MODEL", defaultModel),
		maxTokens: envutil.Int("LLM_MAX_TOKENS", defaultMaxTokens),
	}, nil
}

// Complete sends one user prompt and returns the concatenated text blocks of
// the reply. Errors carrying an upstream HTTP status implement
// httpx.HTTPStatusCoder so the executor's retry policy can classify them.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.HasTemp {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	resp, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("model %s returned no text content", model)
	}
	return text, nil
}

// statusError surfaces the upstream status code through
// httpx.HTTPStatusCoder.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string       { return e.err.Error() }
func (e *statusError) Unwrap() error       { return e.err }
func (e *statusError) HTTPStatusCode() int { return e.code }

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &statusError{code: apiErr.StatusCode, err: err}
	}
	return err
}
