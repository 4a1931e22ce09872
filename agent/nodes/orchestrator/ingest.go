package orchestratornode

import (
	"errors"
	"strings"
)

var (
	ErrInvalidQuery   = errors.New("query is empty")
	ErrInvalidSession = errors.New("session id is empty")
)

const DefaultMaxQueryRunes = 2000

// Ingest validates the request and fills NormalizedQuery.
func Ingest(in *RunState, maxRunes int) (*RunState, error) {
	if in == nil {
		return nil, ErrInvalidQuery
	}
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.SessionID == "" {
		return nil, ErrInvalidSession
	}
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return nil, ErrInvalidQuery
	}
	in.NormalizedQuery = NormalizeQuery(in.Query, maxRunes)
	return in, nil
}

// NormalizeQuery collapses whitespace, lower-cases and caps the length.
func NormalizeQuery(q string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxQueryRunes
	}
	q = strings.ToLower(strings.Join(strings.Fields(q), " "))
	if r := []rune(q); len(r) > maxRunes {
		q = strings.TrimSpace(string(r[:maxRunes]))
	}
	return q
}
