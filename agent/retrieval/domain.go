package retrieval

import (
	"strings"
	"unicode"
)

// DomainMatcher flags queries that mention a configured in-domain topic.
type DomainMatcher struct {
	keywords map[string]struct{}
}

func NewDomainMatcher(keywords []string) *DomainMatcher {
	m := &DomainMatcher{keywords: make(map[string]struct{}, len(keywords))}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			m.keywords[kw] = struct{}{}
		}
	}
	return m
}

// Match returns the matched keywords in query order, without duplicates.
func (m *DomainMatcher) Match(query string) []string {
	if m == nil || len(m.keywords) == 0 {
		return nil
	}
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var matched []string
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, ok := m.keywords[w]; !ok {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		matched = append(matched, w)
	}
	return matched
}
