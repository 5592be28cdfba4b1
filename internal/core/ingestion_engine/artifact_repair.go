package ingestion_engine

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ExplodedTokenThreshold is the share of single-character alphanumeric tokens
// above which extracted text is treated as letter-spaced ("W r i t t e n").
const ExplodedTokenThreshold = 0.5

// RepairArtifacts collapses whitespace and, when the text looks letter-spaced,
// glues runs of single characters back into words. A multi-character token or
// punctuation closes the current word; punctuation attaches to the word it closes.
//
// The result is never longer than the input and RepairArtifacts(RepairArtifacts(s))
// equals RepairArtifacts(s).
func RepairArtifacts(text string) string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return ""
	}
	if !exploded(tokens) {
		return strings.Join(tokens, " ")
	}

	words := make([]string, 0, len(tokens))
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, tok := range tokens {
		switch {
		case isSingleAlnum(tok):
			cur.WriteString(tok)
		case isPunct(tok) && cur.Len() > 0:
			cur.WriteString(tok)
			flush()
		default:
			flush()
			words = append(words, tok)
		}
	}
	flush()
	return strings.Join(words, " ")
}

func exploded(tokens []string) bool {
	single := 0
	for _, tok := range tokens {
		if isSingleAlnum(tok) {
			single++
		}
	}
	return float64(single)/float64(len(tokens)) > ExplodedTokenThreshold
}

func isSingleAlnum(tok string) bool {
	r, size := utf8.DecodeRuneInString(tok)
	return size == len(tok) && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

func isPunct(tok string) bool {
	r, size := utf8.DecodeRuneInString(tok)
	return size == len(tok) && (unicode.IsPunct(r) || unicode.IsSymbol(r))
}
