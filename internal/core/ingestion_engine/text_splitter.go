package ingestion_engine

import (
	"strings"
	"unicode/utf8"

	"github.com/markdave123-py/docsense/internal/models"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// DefaultSeparators are tried in order: paragraphs, lines, words, characters.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// TextSplitter cuts text into overlapping passages of bounded length.
//
// ChunkSize:    maximum passage length in characters (runes).
// ChunkOverlap: how much trailing text of one passage is carried into the next.
// Separators:   split points, coarsest first. "" means split between characters.
type TextSplitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// NewTextSplitter returns a splitter using DefaultSeparators. Non-positive
// sizes fall back to the defaults and overlap is clamped below size.
func NewTextSplitter(size, overlap int) *TextSplitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 5
	}
	return &TextSplitter{ChunkSize: size, ChunkOverlap: overlap, Separators: DefaultSeparators}
}

// Split returns passages in document order. Whitespace-only input yields none.
func (s *TextSplitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	seps := s.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return s.split(text, seps)
}

// Passages splits text and stamps every piece with the metadata it is stored with.
func (s *TextSplitter) Passages(text, documentID, workspaceID, source string) []models.Passage {
	parts := s.Split(text)
	out := make([]models.Passage, len(parts))
	for i, p := range parts {
		out[i] = models.Passage{
			DocumentID:  documentID,
			WorkspaceID: workspaceID,
			Source:      source,
			Ordinal:     i,
			Total:       len(parts),
			Text:        p,
		}
	}
	return out
}

func (s *TextSplitter) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var next []string
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			next = separators[i+1:]
			break
		}
	}

	var (
		final []string
		good  []string
	)
	for _, piece := range strings.Split(text, separator) {
		if piece == "" {
			continue
		}
		if runeLen(piece) < s.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(good, separator)...)
			good = nil
		}
		if len(next) == 0 {
			final = append(final, piece)
		} else {
			final = append(final, s.split(piece, next)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.merge(good, separator)...)
	}
	return final
}

// merge packs small pieces into passages no longer than ChunkSize, starting
// each new passage with up to ChunkOverlap characters from the previous one.
func (s *TextSplitter) merge(pieces []string, separator string) []string {
	sepLen := runeLen(separator)

	var (
		docs    []string
		current []string
		total   int
	)
	for _, piece := range pieces {
		n := runeLen(piece)
		if total+n+len(current)*sepLen > s.ChunkSize && len(current) > 0 {
			if doc := joinPieces(current, separator); doc != "" {
				docs = append(docs, doc)
			}
			for total > s.ChunkOverlap || (total+n+len(current)*sepLen > s.ChunkSize && total > 0) {
				total -= runeLen(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += n
	}
	if doc := joinPieces(current, separator); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func joinPieces(pieces []string, separator string) string {
	return strings.TrimSpace(strings.Join(pieces, separator))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
