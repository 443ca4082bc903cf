package categorizer

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/spendwise-app/spendwise/internal/model"
)

// parseResult decodes the model's JSON response and validates it against the
// known categories. Any malformed or out-of-contract response is an error;
// the pipeline never partially trusts an AI answer.
func parseResult(text string, categories []model.Category) (*model.CategorizationResult, error) {
	text = cleanJSON(text)

	var raw struct {
		CategoryID string  `json:"category_id"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, eris.Wrapf(err, "categorizer: parse response %q", truncate(text, 120))
	}

	if raw.CategoryID == "" {
		return nil, eris.New("categorizer: response missing category_id")
	}
	if raw.Confidence < 0 || raw.Confidence > 1 {
		return nil, eris.Errorf("categorizer: confidence %f out of range", raw.Confidence)
	}

	known := false
	for _, c := range categories {
		if c.ID == raw.CategoryID {
			known = true
			break
		}
	}
	if !known {
		return nil, eris.Errorf("categorizer: unknown category id %q", raw.CategoryID)
	}

	return &model.CategorizationResult{
		CategoryID: raw.CategoryID,
		Confidence: raw.Confidence,
		Reasoning:  raw.Reasoning,
	}, nil
}

// cleanJSON strips markdown code fences and surrounding prose, keeping the
// outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
