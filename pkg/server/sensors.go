package server

import (
	"errors"
	"net/http"

	"github.com/raterudder/apsema/pkg/site"
	"github.com/raterudder/apsema/pkg/types"
)

// getSite resolves the siteID query parameter and writes an error response
// when it does not name a configured site.
func (s *Server) getSite(w http.ResponseWriter, r *http.Request) (*site.Entry, bool) {
	e, err := s.sites.Get(r.URL.Query().Get("siteID"))
	switch {
	case err == nil:
		return e, true
	case errors.Is(err, site.ErrUnknownSite):
		writeJSONError(w, "unknown site", http.StatusNotFound)
	case errors.Is(err, site.ErrSiteRequired):
		writeJSONError(w, "siteID is required", http.StatusBadRequest)
	default:
		writeJSONError(w, "invalid site", http.StatusBadRequest)
	}
	return nil, false
}

type siteResponse struct {
	types.Site
	Sensors []types.Descriptor `json:"sensors"`
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	entries := s.sites.List()
	sites := make([]siteResponse, 0, len(entries))
	for _, e := range entries {
		sites = append(sites, siteResponse{Site: e.Site, Sensors: e.Sensors})
	}
	writeJSON(w, sites, http.StatusOK)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	e, ok := s.getSite(w, r)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, e.Readings(r.Context()), http.StatusOK)
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	e, ok := s.getSite(w, r)
	if !ok {
		return
	}
	reading, ok := e.Reading(r.Context(), r.PathValue("key"))
	if !ok {
		writeJSONError(w, "unknown sensor", http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, reading, http.StatusOK)
}
