package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/apsema/pkg/log"
	"github.com/raterudder/apsema/pkg/types"
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, ok := s.getSite(w, r)
	if !ok {
		return
	}
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	sets, err := s.storage.GetReadingHistory(ctx, e.Site.ID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get reading history", slog.String("siteID", e.Site.ID), slog.Any("error", err))
		writeJSONError(w, "failed to get reading history", http.StatusInternalServerError)
		return
	}
	if sets == nil {
		sets = []types.ReadingSet{}
	}

	w.Header().Set("Cache-Control", historyCacheControl(end, time.Now()))
	writeJSON(w, sets, http.StatusOK)
}

// historyCacheControl caches a range for 24 hours when it ends before UTC
// midnight of now, since nothing is recorded into the past. Anything newer is
// cached for a minute.
func historyCacheControl(end, now time.Time) string {
	if end.Before(now.UTC().Truncate(24 * time.Hour)) {
		return "private, max-age=86400"
	}
	return "private, max-age=60"
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to last 24 hours if not specified
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > 24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 24 hours")
	}

	return start, end, nil
}
