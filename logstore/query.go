package logstore

import (
	"encoding/base64"
	"sort"
	"strconv"
	"time"

	"github.com/c360studio/cascade/apierr"
)

// Query limits.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Filter selects and orders entries for Query and QueryAll.
type Filter struct {
	// FunctionID scopes the query. Required for Query, optional for
	// QueryAll.
	FunctionID string
	// Start and End bound timestamps inclusively when set.
	Start *time.Time
	End   *time.Time
	// Level matches one exact level; Levels matches a set; MinLevel
	// matches at-or-above severity. At most one of the three applies.
	Level    Level
	Levels   []Level
	MinLevel Level
	// Descending orders by timestamp descending; default is ascending.
	Descending bool
	// Limit caps the page size (default 100, hard max 1000).
	Limit int
	// Cursor resumes a previous page. Opaque; encodes an offset into the
	// ordered, filtered sequence.
	Cursor string
}

// Page is one page of query results.
type Page struct {
	Entries    []*Entry `json:"entries"`
	NextCursor string   `json:"nextCursor,omitempty"`
	Total      int      `json:"total"`
}

// Query returns a page of one function's entries. The function ID is
// required.
func (a *Aggregator) Query(filter Filter) (*Page, error) {
	if filter.FunctionID == "" {
		return nil, apierr.New(apierr.KindValidation, "query requires functionId")
	}
	return a.queryIndex(filter)
}

// QueryAll is Query over the global index; the function ID is optional.
func (a *Aggregator) QueryAll(filter Filter) (*Page, error) {
	return a.queryIndex(filter)
}

func (a *Aggregator) queryIndex(filter Filter) (*Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	offset := 0
	if filter.Cursor != "" {
		var err error
		offset, err = decodeQueryCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	source := a.global
	if filter.FunctionID != "" {
		source = a.byFunction[filter.FunctionID]
	}
	matched := make([]*Entry, 0, len(source))
	for _, e := range source {
		if filter.accepts(e) {
			matched = append(matched, e)
		}
	}
	a.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if filter.Descending {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	page := &Page{Total: len(matched)}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page.Entries = make([]*Entry, 0, end-offset)
	for _, e := range matched[offset:end] {
		page.Entries = append(page.Entries, e.clone())
	}
	if end < len(matched) {
		page.NextCursor = encodeQueryCursor(end)
	}
	return page, nil
}

// accepts applies the filter to one entry.
func (f Filter) accepts(e *Entry) bool {
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	switch {
	case f.Level != "":
		if e.Level != f.Level {
			return false
		}
	case len(f.Levels) > 0:
		found := false
		for _, l := range f.Levels {
			if e.Level == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	case f.MinLevel != "":
		if Severity(e.Level) < Severity(f.MinLevel) {
			return false
		}
	}
	return true
}

// GroupStats is the per-group aggregation output.
type GroupStats struct {
	Count     int     `json:"count"`
	ErrorRate float64 `json:"errorRate"`
}

// Aggregate groups entries by a field ("functionId" or "level") and
// computes count and error rate per group. Error rate counts error and
// fatal entries.
func (a *Aggregator) Aggregate(groupBy string) (map[string]GroupStats, error) {
	if groupBy != "functionId" && groupBy != "level" {
		return nil, apierr.Newf(apierr.KindInvalidParameter, "unsupported groupBy %q", groupBy)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	counts := make(map[string]int)
	errors := make(map[string]int)
	for _, e := range a.global {
		key := e.FunctionID
		if groupBy == "level" {
			key = string(e.Level)
		}
		counts[key]++
		if e.Level == LevelError || e.Level == LevelFatal {
			errors[key]++
		}
	}

	stats := make(map[string]GroupStats, len(counts))
	for key, n := range counts {
		stats[key] = GroupStats{
			Count:     n,
			ErrorRate: float64(errors[key]) / float64(n),
		}
	}
	return stats, nil
}

func encodeQueryCursor(offset int) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeQueryCursor(cursor string) (int, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, apierr.New(apierr.KindInvalidCursor, "malformed cursor")
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, apierr.New(apierr.KindInvalidCursor, "malformed cursor")
	}
	return offset, nil
}
