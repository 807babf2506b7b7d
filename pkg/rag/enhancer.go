package rag

import (
	"strings"
)

// QueryEnhancer expands terse customer queries with the vocabulary the
// knowledge base actually uses, improving keyword recall in hybrid search.
// The original query is preserved for prompting; only retrieval sees the
// enhanced form.
type QueryEnhancer struct {
	expansions map[string][]string
}

// NewQueryEnhancer builds an enhancer with the default support-domain
// expansion table, plus any custom expansions (term -> synonyms).
func NewQueryEnhancer(custom map[string][]string) *QueryEnhancer {
	expansions := map[string][]string{
		"2fa":      {"two-factor authentication"},
		"mfa":      {"multi-factor authentication"},
		"pwd":      {"password"},
		"login":    {"sign in"},
		"signin":   {"sign in", "login"},
		"logout":   {"sign out"},
		"sub":      {"subscription"},
		"repo":     {"repository"},
		"auth":     {"authentication"},
		"db":       {"database"},
		"env":      {"environment"},
		"config":   {"configuration"},
		"refund":   {"return", "money back"},
		"shipping": {"delivery"},
		"crash":    {"error", "exception"},
		"npe":      {"null pointer exception"},
		"oom":      {"out of memory"},
	}
	for term, syns := range custom {
		expansions[strings.ToLower(term)] = syns
	}
	return &QueryEnhancer{expansions: expansions}
}

// Enhance appends expansions for recognized terms. It returns the input
// unchanged when nothing matches, and reports whether it changed anything.
func (e *QueryEnhancer) Enhance(query string) (string, bool) {
	words := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[strings.Trim(w, ".,!?:;\"'()")] = true
	}

	var added []string
	for _, w := range words {
		w = strings.Trim(w, ".,!?:;\"'()")
		for _, syn := range e.expansions[w] {
			if !seen[strings.ToLower(syn)] && !containsFold(query, syn) {
				added = append(added, syn)
				seen[strings.ToLower(syn)] = true
			}
		}
	}
	if len(added) == 0 {
		return query, false
	}
	return query + " (" + strings.Join(added, ", ") + ")", true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
