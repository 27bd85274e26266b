package site

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/raterudder/apsema/pkg/ema"
	"github.com/raterudder/apsema/pkg/fetcher"
	"github.com/raterudder/apsema/pkg/metrics"
	"github.com/raterudder/apsema/pkg/sensor"
	"github.com/raterudder/apsema/pkg/types"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownSite is returned when a site ID is not configured.
	ErrUnknownSite = errors.New("unknown site")
	// ErrSiteRequired is returned when no site ID was given and more than one
	// site is configured.
	ErrSiteRequired = errors.New("site id is required")
)

// Entry is a configured site together with its cache and sensors. Entries
// never share state with each other.
type Entry struct {
	Site      types.Site
	Fetcher   *fetcher.Fetcher
	Projector *sensor.Projector
	Sensors   []types.Descriptor
}

// Readings returns every sensor of the site, fetching first if the cache is
// stale. The set is stamped with the time its data was fetched.
func (e *Entry) Readings(ctx context.Context) types.ReadingSet {
	snap, ok := e.Fetcher.Data(ctx)
	return types.ReadingSet{
		SiteID:    e.Site.ID,
		Timestamp: snap.FetchedAt,
		Readings:  e.Projector.ProjectAll(snap, ok, e.Sensors),
	}
}

// Reading returns a single sensor. The bool is false when the site has no
// sensor with that key.
func (e *Entry) Reading(ctx context.Context, key string) (types.Reading, bool) {
	for _, d := range e.Sensors {
		if d.Key == key {
			snap, ok := e.Fetcher.Data(ctx)
			return e.Projector.Project(snap, ok, d), true
		}
	}
	return types.Reading{}, false
}

// Map holds every configured site by ID.
type Map struct {
	order []string
	sites map[string]*Entry
}

// NewMap validates sites and builds an Entry for each of them.
func NewMap(portal fetcher.Portal, tz ema.Timezone, m *metrics.Metrics, sites []types.Site) (*Map, error) {
	if len(sites) == 0 {
		return nil, errors.New("no sites configured")
	}
	sm := &Map{sites: make(map[string]*Entry, len(sites))}
	for _, s := range sites {
		s.ApplyDefaults()
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, ok := sm.sites[s.ID]; ok {
			return nil, fmt.Errorf("duplicate site id %q", s.ID)
		}
		sensors := sensor.ForSite(s)
		if err := sensor.Validate(sensors); err != nil {
			return nil, fmt.Errorf("invalid sensors for site %q: %w", s.ID, err)
		}
		sm.sites[s.ID] = &Entry{
			Site:      s,
			Fetcher:   fetcher.New(portal, s, tz, m),
			Projector: sensor.NewProjector(s, tz),
			Sensors:   sensors,
		}
		sm.order = append(sm.order, s.ID)
	}
	return sm, nil
}

// Get returns the site with the given ID. An empty ID resolves to the only
// site when exactly one is configured.
func (sm *Map) Get(id string) (*Entry, error) {
	if id == "" {
		if len(sm.order) == 1 {
			return sm.sites[sm.order[0]], nil
		}
		return nil, ErrSiteRequired
	}
	e, ok := sm.sites[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, id)
	}
	return e, nil
}

// List returns every site in configuration order.
func (sm *Map) List() []*Entry {
	entries := make([]*Entry, 0, len(sm.order))
	for _, id := range sm.order {
		entries = append(entries, sm.sites[id])
	}
	return entries
}

type fileConfig struct {
	Sites []types.Site `yaml:"sites"`
}

// LoadFile reads a YAML file with a top-level "sites" list.
func LoadFile(path string) ([]types.Site, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse sites config %s: %w", path, err)
	}
	if len(cfg.Sites) == 0 {
		return nil, fmt.Errorf("sites config %s lists no sites", path)
	}
	return cfg.Sites, nil
}
