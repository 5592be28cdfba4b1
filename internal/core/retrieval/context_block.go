package retrieval

import (
	"fmt"
	"strings"

	"github.com/markdave123-py/docsense/internal/models"
)

const passageSeparator = "\n---\n"

// NoAnswer is returned without a generation call when nothing was retrieved.
const NoAnswer = "I cannot find this in the document."

// AnswerSystemPrompt keeps generated answers grounded in the retrieved passages.
const AnswerSystemPrompt = "You are an intelligent assistant answering based only on the given document content. If unsure, say '" + NoAnswer + "'"

// ContextBlock renders passages in rank order for prompt substitution.
func ContextBlock(results []models.RetrievalResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if t := strings.TrimSpace(r.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, passageSeparator)
}

// AnswerPrompt builds the user prompt for answering question from results.
func AnswerPrompt(question string, results []models.RetrievalResult) string {
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s", ContextBlock(results), strings.TrimSpace(question))
}
