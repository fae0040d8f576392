package logstore

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/c360studio/cascade/apierr"
)

// SearchQuery describes a substring or regex search over messages.
type SearchQuery struct {
	Query           string
	FunctionID      string
	CaseInsensitive bool
	Regex           bool
	IncludeMetadata bool
	Limit           int
}

// SearchResult is a bounded search response.
type SearchResult struct {
	Entries []*Entry `json:"entries"`
	HasMore bool     `json:"hasMore"`
}

// Search scans entries for a substring (or regex) match on the message,
// optionally including stringified metadata.
func (a *Aggregator) Search(q SearchQuery) (*SearchResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var re *regexp.Regexp
	var needle string
	if q.Regex {
		pattern := q.Query
		if q.CaseInsensitive {
			pattern = "(?i)" + pattern
		}
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInvalidParameter, "invalid search pattern", err)
		}
	} else {
		needle = q.Query
		if q.CaseInsensitive {
			needle = strings.ToLower(needle)
		}
	}

	matchText := func(text string) bool {
		if re != nil {
			return re.MatchString(text)
		}
		if q.CaseInsensitive {
			text = strings.ToLower(text)
		}
		return strings.Contains(text, needle)
	}

	a.mu.Lock()
	source := a.global
	if q.FunctionID != "" {
		source = a.byFunction[q.FunctionID]
	}
	snapshot := make([]*Entry, len(source))
	copy(snapshot, source)
	a.mu.Unlock()

	result := &SearchResult{Entries: make([]*Entry, 0, limit)}
	for _, e := range snapshot {
		text := e.Message
		if q.IncludeMetadata && e.Metadata != nil {
			text += " " + stringifyMetadata(e.Metadata)
		}
		if !matchText(text) {
			continue
		}
		if len(result.Entries) == limit {
			result.HasMore = true
			break
		}
		result.Entries = append(result.Entries, e.clone())
	}
	return result, nil
}

// ScoredEntry pairs an entry with its full-text relevance score.
type ScoredEntry struct {
	Entry *Entry  `json:"entry"`
	Score float64 `json:"score"`
}

// FullTextSearch scores each entry by summed term frequency over
// whitespace-split lowercase tokens and returns matches in descending
// score order.
func (a *Aggregator) FullTextSearch(query string, limit int) []ScoredEntry {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	a.mu.Lock()
	snapshot := make([]*Entry, len(a.global))
	copy(snapshot, a.global)
	a.mu.Unlock()

	scored := make([]ScoredEntry, 0)
	for _, e := range snapshot {
		tokens := strings.Fields(strings.ToLower(e.Message))
		score := 0.0
		for _, term := range terms {
			for _, tok := range tokens {
				if tok == term {
					score++
				}
			}
		}
		if score > 0 {
			scored = append(scored, ScoredEntry{Entry: e.clone(), Score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// Condition is one clause of a structured query. Conditions are
// conjunctive.
type Condition struct {
	// Field is a top-level attribute name or a "metadata.<key>" path.
	Field string `json:"field"`
	// Op is one of = != < <= > >= contains startsWith endsWith.
	Op string `json:"op"`
	// Value is the comparison operand.
	Value any `json:"value"`
}

// StructuredQuery returns entries satisfying every condition.
func (a *Aggregator) StructuredQuery(conditions []Condition) ([]*Entry, error) {
	for _, c := range conditions {
		switch c.Op {
		case "=", "!=", "<", "<=", ">", ">=", "contains", "startsWith", "endsWith":
		default:
			return nil, apierr.Newf(apierr.KindInvalidParameter, "unsupported operator %q", c.Op)
		}
	}

	a.mu.Lock()
	snapshot := make([]*Entry, len(a.global))
	copy(snapshot, a.global)
	a.mu.Unlock()

	matched := make([]*Entry, 0)
	for _, e := range snapshot {
		ok := true
		for _, c := range conditions {
			match, err := evalCondition(e, c)
			if err != nil {
				return nil, err
			}
			if !match {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, e.clone())
		}
	}
	return matched, nil
}

func evalCondition(e *Entry, c Condition) (bool, error) {
	field, ok := fieldValue(e, c.Field)
	if !ok {
		return false, nil
	}

	switch c.Op {
	case "=":
		return fmt.Sprintf("%v", field) == fmt.Sprintf("%v", c.Value), nil
	case "!=":
		return fmt.Sprintf("%v", field) != fmt.Sprintf("%v", c.Value), nil
	case "<", "<=", ">", ">=":
		fn, ok1 := toFloat(field)
		vn, ok2 := toFloat(c.Value)
		if !ok1 || !ok2 {
			return false, apierr.Newf(apierr.KindInvalidParameter,
				"operator %q requires numeric operands for field %q", c.Op, c.Field)
		}
		switch c.Op {
		case "<":
			return fn < vn, nil
		case "<=":
			return fn <= vn, nil
		case ">":
			return fn > vn, nil
		default:
			return fn >= vn, nil
		}
	case "contains":
		return strings.Contains(fmt.Sprintf("%v", field), fmt.Sprintf("%v", c.Value)), nil
	case "startsWith":
		return strings.HasPrefix(fmt.Sprintf("%v", field), fmt.Sprintf("%v", c.Value)), nil
	case "endsWith":
		return strings.HasSuffix(fmt.Sprintf("%v", field), fmt.Sprintf("%v", c.Value)), nil
	}
	return false, nil
}

// fieldValue resolves a condition field against an entry.
func fieldValue(e *Entry, field string) (any, bool) {
	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		if e.Metadata == nil {
			return nil, false
		}
		v, ok := e.Metadata[key]
		return v, ok
	}
	switch field {
	case "id":
		return e.ID, true
	case "functionId":
		return e.FunctionID, true
	case "level":
		return string(e.Level), true
	case "message":
		return e.Message, true
	case "requestId":
		return e.RequestID, true
	case "durationMs":
		return e.DurationMs, true
	case "timestamp":
		return e.Timestamp.UnixMilli(), true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringifyMetadata(m map[string]any) string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
