package retrieval

import (
	"strings"
	"unicode"
)

// MaxExpansions caps the probes issued next to the primary query.
const MaxExpansions = 8

// CoreProbes surface document-identity passages (titles, headings, summaries)
// that a narrow query embedding tends to rank low.
var CoreProbes = []string{"title", "chapter", "summary", "key concept"}

// ExpansionRule adds Probes when any of Keywords appears in the query as a
// whole word or phrase.
type ExpansionRule struct {
	Keywords []string
	Probes   []string
}

// DefaultRules is evaluated in order; earlier rules win when the cap is hit.
var DefaultRules = []ExpansionRule{
	{Keywords: []string{"author", "authors", "wrote", "writer"}, Probes: []string{"written by", "publisher"}},
	{Keywords: []string{"chapter", "chapters", "section", "sections"}, Probes: []string{"table of contents", "introduction"}},
	{Keywords: []string{"summary", "summarize", "overview", "main idea"}, Probes: []string{"conclusion"}},
	{Keywords: []string{"date", "published", "year"}, Probes: []string{"copyright", "edition"}},
}

// ExpansionPolicy turns a user query into supplementary lexical probes.
type ExpansionPolicy struct {
	Core  []string
	Rules []ExpansionRule
	Max   int
}

func DefaultExpansionPolicy() *ExpansionPolicy {
	return &ExpansionPolicy{Core: CoreProbes, Rules: DefaultRules, Max: MaxExpansions}
}

// Expand returns the core probes followed by the probes of every matching
// rule, deduplicated case-insensitively and capped at Max.
func (p *ExpansionPolicy) Expand(query string) []string {
	limit := p.Max
	if limit <= 0 || limit > MaxExpansions {
		limit = MaxExpansions
	}
	words := " " + strings.Join(tokenize(query), " ") + " "

	seen := make(map[string]struct{}, limit)
	out := make([]string, 0, limit)
	add := func(probe string) {
		probe = strings.TrimSpace(probe)
		key := strings.ToLower(probe)
		if probe == "" || len(out) >= limit {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, probe)
	}

	for _, probe := range p.Core {
		add(probe)
	}
	for _, rule := range p.Rules {
		if rule.matches(words) {
			for _, probe := range rule.Probes {
				add(probe)
			}
		}
	}
	return out
}

// matches expects words to be the space-padded token form of the query.
func (r ExpansionRule) matches(words string) bool {
	for _, kw := range r.Keywords {
		phrase := strings.Join(tokenize(kw), " ")
		if phrase != "" && strings.Contains(words, " "+phrase+" ") {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
