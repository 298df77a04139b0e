package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// VocabularyAnalyzer runs vocabulary analysis over a piece of text.
type VocabularyAnalyzer interface {
	AnalyzeText(ctx context.Context, text string, opts domain.Options) ([]domain.VocabularyItem, error)
}

type VocabularyHandler struct {
	log      *logger.Logger
	analyzer VocabularyAnalyzer
	timeout  time.Duration
}

func NewVocabularyHandler(log *logger.Logger, analyzer VocabularyAnalyzer) *VocabularyHandler {
	return &VocabularyHandler{
		log:      log.With("handler", "VocabularyHandler"),
		analyzer: analyzer,
		timeout:  2 * time.Minute,
	}
}

type vocabularyRequest struct {
	Text      string   `json:"text"`
	Sentences []string `json:"sentences"`
	ModelName string   `json:"model_name"`
	MaxTokens int      `json:"max_tokens"`
}

// POST /vocabulary/analyze
// Synchronous: analyzes the submitted text and returns vocabulary items.
func (h *VocabularyHandler) Analyze(c *gin.Context) {
	var req vocabularyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = strings.TrimSpace(strings.Join(req.Sentences, "\n"))
	}
	if text == "" {
		RespondError(c, http.StatusBadRequest, "missing_text", fmt.Errorf("text or sentences is required"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	items, err := h.analyzer.AnalyzeText(ctx, text, domain.Options{
		ModelName: strings.TrimSpace(req.ModelName),
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		h.log.Error("vocabulary analysis failed", "error", err)
		RespondError(c, http.StatusBadGateway, "analysis_failed", err)
		return
	}
	if items == nil {
		items = []domain.VocabularyItem{}
	}

	RespondOK(c, gin.H{
		"success": true,
		"items":   items,
		"count":   len(items),
	})
}
