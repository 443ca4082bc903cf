package categorizer

import (
	"fmt"
	"strings"

	"github.com/spendwise-app/spendwise/internal/model"
)

// fewShotLimit bounds how many merchant corrections are replayed per prompt.
const fewShotLimit = 5

const systemPromptHeader = `You categorize personal expenses into exactly one of the user's spending categories. Respond with a valid JSON object and nothing else: {"category_id": "<id>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}

Available categories:`

// buildSystemPrompt lists the available categories. The list is stable across
// calls for a given user, so the whole block is cacheable server-side.
func buildSystemPrompt(categories []model.Category) string {
	var sb strings.Builder
	sb.WriteString(systemPromptHeader)
	sb.WriteString("\n")
	for _, c := range categories {
		fmt.Fprintf(&sb, "- %s: %s\n", c.ID, c.Name)
	}
	return sb.String()
}

// buildUserPrompt renders the expense snapshot plus any prior corrections for
// the same merchant as few-shot guidance.
func buildUserPrompt(req model.CategorizationRequest, corrections []model.Correction, categories []model.Category) string {
	names := make(map[string]string, len(categories))
	for _, c := range categories {
		names[c.ID] = c.Name
	}

	var sb strings.Builder
	if len(corrections) > 0 {
		sb.WriteString("The user previously corrected these categorizations for this merchant:\n")
		for _, c := range corrections {
			fmt.Fprintf(&sb, "- %q ($%.2f) was moved from %s to %s\n",
				c.Description, c.Amount, nameOr(names, c.OriginalCategoryID), nameOr(names, c.CorrectedCategoryID))
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Description: %s\n", req.Description)
	if req.Merchant != "" {
		fmt.Fprintf(&sb, "Merchant: %s\n", req.Merchant)
	}
	fmt.Fprintf(&sb, "Amount: $%.2f\n", req.Amount)
	fmt.Fprintf(&sb, "Payment method: %s", req.PaymentMethod)
	return sb.String()
}

func nameOr(names map[string]string, id string) string {
	if name, ok := names[id]; ok {
		return name
	}
	return id
}
