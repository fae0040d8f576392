package server

import (
	"net/http"
	"time"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/logstore"
)

// captureRequest accepts a single entry or a batch.
type captureRequest struct {
	logstore.Entry
	Entries []*logstore.Entry `json:"entries,omitempty"`
}

func (s *Server) handleCaptureLogs(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, err, "")
		return
	}

	if len(req.Entries) > 0 {
		stored, err := s.logs.CaptureBatch(req.Entries)
		if err != nil {
			writeError(w, err, "")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"captured": len(stored)})
		return
	}

	entry := req.Entry
	stored, err := s.logs.Capture(&entry)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, err, "")
		return
	}

	var page *logstore.Page
	if filter.FunctionID != "" {
		page, err = s.logs.Query(filter)
	} else {
		page, err = s.logs.QueryAll(filter)
	}
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func filterFromQuery(r *http.Request) (logstore.Filter, error) {
	q := r.URL.Query()
	filter := logstore.Filter{
		FunctionID: q.Get("functionId"),
		Cursor:     q.Get("cursor"),
		Descending: q.Get("order") == "desc",
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit

	if lvl := q.Get("level"); lvl != "" {
		if !logstore.IsValidLevel(logstore.Level(lvl)) {
			return filter, apierr.Newf(apierr.KindInvalidParameter, "invalid level %q", lvl)
		}
		filter.Level = logstore.Level(lvl)
	}
	if lvl := q.Get("minLevel"); lvl != "" {
		if !logstore.IsValidLevel(logstore.Level(lvl)) {
			return filter, apierr.Newf(apierr.KindInvalidParameter, "invalid minLevel %q", lvl)
		}
		filter.MinLevel = logstore.Level(lvl)
	}

	parseTime := func(name string) (*time.Time, error) {
		raw := q.Get(name)
		if raw == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, apierr.Newf(apierr.KindInvalidParameter, "invalid %s %q", name, raw)
		}
		return &t, nil
	}
	if filter.Start, err = parseTime("start"); err != nil {
		return filter, err
	}
	if filter.End, err = parseTime("end"); err != nil {
		return filter, err
	}
	return filter, nil
}

func (s *Server) handleDeleteLogs(w http.ResponseWriter, r *http.Request) {
	functionID := r.PathValue("functionId")
	removed := s.logs.DeleteFunctionLogs(functionID)
	writeJSON(w, http.StatusOK, map[string]any{"functionId": functionID, "deleted": removed})
}

// handleMetrics serves per-function log metrics as JSON when functionId is
// queried, and the Prometheus exposition otherwise.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	functionID := r.URL.Query().Get("functionId")
	if functionID == "" {
		if s.metrics != nil {
			s.metrics.ServeHTTP(w, r)
			return
		}
		writeError(w, apierr.New(apierr.KindMissingRequired, "functionId is required"), "")
		return
	}

	total := s.logs.Count(functionID)
	errPage, err := s.logs.Query(logstore.Filter{
		FunctionID: functionID,
		Levels:     []logstore.Level{logstore.LevelError, logstore.LevelFatal},
		Limit:      1,
	})
	if err != nil {
		writeError(w, err, "")
		return
	}

	errorRate := 0.0
	if total > 0 {
		errorRate = float64(errPage.Total) / float64(total)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"functionId": functionID,
		"count":      total,
		"errors":     errPage.Total,
		"errorRate":  errorRate,
	})
}
