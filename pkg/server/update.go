package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/raterudder/apsema/pkg/log"
	"golang.org/x/sync/errgroup"
)

// each update logs in to the portal, so only a few run at once
const maxConcurrentUpdates = 4

type updateResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleUpdate forces a fetch cycle for every site, or only for the site
// named by siteID. It answers 502 when any of them failed.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries := s.sites.List()
	if r.URL.Query().Get("siteID") != "" {
		e, ok := s.getSite(w, r)
		if !ok {
			return
		}
		entries = entries[:0:0]
		entries = append(entries, e)
	}

	var mu sync.Mutex
	results := make(map[string]updateResult, len(entries))
	var g errgroup.Group
	g.SetLimit(maxConcurrentUpdates)
	for _, e := range entries {
		g.Go(func() error {
			ctx := log.WithAttrs(ctx, slog.String("siteID", e.Site.ID))
			res := updateResult{OK: true}
			if err := e.Fetcher.Refresh(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "forced update failed", slog.Any("error", err))
				res = updateResult{Error: errorMessage(ctx, err)}
			}
			mu.Lock()
			results[e.Site.ID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	code := http.StatusOK
	for _, res := range results {
		if !res.OK {
			code = http.StatusBadGateway
			break
		}
	}
	writeJSON(w, struct {
		Sites map[string]updateResult `json:"sites"`
	}{Sites: results}, code)
}

func errorMessage(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "timed out waiting for update"
	}
	return err.Error()
}
