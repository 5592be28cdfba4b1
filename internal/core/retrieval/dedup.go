package retrieval

import (
	"strings"

	"github.com/markdave123-py/docsense/internal/models"
)

// DedupPrefixRunes is how much of a passage its dedup key looks at. Two
// passages that agree on this prefix are treated as the same passage.
const DedupPrefixRunes = 100

// Dedup keeps the first occurrence of every dedup key, in input order. The
// kept entry takes the best score seen for its key.
func Dedup(results []models.RetrievalResult) []models.RetrievalResult {
	index := make(map[string]int, len(results))
	out := make([]models.RetrievalResult, 0, len(results))
	for _, r := range results {
		key := dedupKey(r.Text)
		if i, ok := index[key]; ok {
			if r.Score > out[i].Score {
				out[i].Score = r.Score
			}
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out
}

func dedupKey(text string) string {
	norm := []rune(strings.Join(strings.Fields(strings.ToLower(text)), " "))
	if len(norm) > DedupPrefixRunes {
		norm = norm[:DedupPrefixRunes]
	}
	return string(norm)
}
