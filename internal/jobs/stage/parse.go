package stage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
)

// ParseBlocks decodes the model's block output strictly: a JSON array of
// blocks, or a single block object.
func ParseBlocks(text string) ([]domain.Block, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty response")
	}
	var blocks []domain.Block
	if err := json.Unmarshal([]byte(trimmed), &blocks); err == nil {
		return blocks, nil
	}
	var single domain.Block
	if err := json.Unmarshal([]byte(trimmed), &single); err == nil && single.Type != "" {
		return []domain.Block{single}, nil
	}
	return nil, fmt.Errorf("response is not a block array")
}

var (
	arrayPattern  = regexp.MustCompile(`(?s)\[.*\]`)
	objectPattern = regexp.MustCompile(`(?s)\{.*?\}`)
)

// SalvageBlocks recovers blocks from a malformed response: code fences are
// stripped, then the first JSON array is tried, then individual objects.
// Returns nil when nothing usable is found.
func SalvageBlocks(text string) []domain.Block {
	cleaned := stripFences(text)

	if blocks, err := ParseBlocks(cleaned); err == nil {
		return blocks
	}

	if m := arrayPattern.FindString(cleaned); m != "" {
		var blocks []domain.Block
		if err := json.Unmarshal([]byte(m), &blocks); err == nil && len(blocks) > 0 {
			return blocks
		}
	}

	var salvaged []domain.Block
	for _, m := range objectPattern.FindAllString(cleaned, -1) {
		var b domain.Block
		if err := json.Unmarshal([]byte(m), &b); err == nil && b.Type != "" {
			salvaged = append(salvaged, b)
		}
	}
	return salvaged
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
