package site

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raterudder/apsema/pkg/ema"
	"github.com/raterudder/apsema/pkg/log"
	"github.com/raterudder/apsema/pkg/sensor"
	"github.com/raterudder/apsema/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

var testTZ = ema.Timezone{Offset: 8 * time.Hour, Local: time.UTC}

type fakePortal struct {
	mapping types.Mapping
	authIDs []string
}

func (p *fakePortal) Login(ctx context.Context, authID string) (*ema.Session, error) {
	p.authIDs = append(p.authIDs, authID)
	return &ema.Session{}, nil
}

func (p *fakePortal) FetchAll(ctx context.Context, sess *ema.Session, q ema.Query) (types.Mapping, error) {
	return p.mapping, nil
}

func testSite(name string) types.Site {
	return types.Site{
		Name:     name,
		AuthID:   "auth-" + name,
		SystemID: "SYS",
		ECUID:    "ECU",
		ViewID:   "VIEW",
		Panels:   []string{" 801-A "},
	}
}

func TestNewMap(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		sm, err := NewMap(&fakePortal{}, testTZ, nil, []types.Site{testSite("My Roof")})
		require.NoError(t, err)

		e, err := sm.Get("")
		require.NoError(t, err)
		assert.Equal(t, "my_roof", e.Site.ID)
		assert.Equal(t, []string{"801-A"}, e.Site.Panels)
		assert.Len(t, e.Sensors, len(sensor.Defaults())+1)

		e2, err := sm.Get("my_roof")
		require.NoError(t, err)
		assert.Same(t, e, e2)
	})

	t.Run("MultipleSites", func(t *testing.T) {
		sm, err := NewMap(&fakePortal{}, testTZ, nil, []types.Site{testSite("b"), testSite("a")})
		require.NoError(t, err)

		_, err = sm.Get("")
		assert.ErrorIs(t, err, ErrSiteRequired)
		_, err = sm.Get("c")
		assert.ErrorIs(t, err, ErrUnknownSite)

		list := sm.List()
		require.Len(t, list, 2)
		assert.Equal(t, "b", list[0].Site.ID)
		assert.Equal(t, "a", list[1].Site.ID)
		assert.NotSame(t, list[0].Fetcher, list[1].Fetcher)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		_, err := NewMap(&fakePortal{}, testTZ, nil, []types.Site{testSite("a"), testSite("a")})
		assert.ErrorContains(t, err, "duplicate site id")
	})

	t.Run("Invalid", func(t *testing.T) {
		s := testSite("a")
		s.AuthID = ""
		_, err := NewMap(&fakePortal{}, testTZ, nil, []types.Site{s})
		assert.ErrorContains(t, err, "authId is required")
	})

	t.Run("PanelShadowsSensor", func(t *testing.T) {
		s := testSite("a")
		s.Panels = []string{sensor.PowerLatest}
		_, err := NewMap(&fakePortal{}, testTZ, nil, []types.Site{s})
		assert.ErrorContains(t, err, "duplicate key")
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := NewMap(&fakePortal{}, testTZ, nil, nil)
		assert.Error(t, err)
	})
}

func TestEntryReadings(t *testing.T) {
	p := &fakePortal{
		mapping: types.Mapping{
			types.TimeKey1: types.List("1720800295000"),
			"P":            types.List("100", "250"),
			"801-A":        types.List("7", "9"),
		},
	}
	sm, err := NewMap(p, testTZ, nil, []types.Site{testSite("roof")})
	require.NoError(t, err)
	e, err := sm.Get("roof")
	require.NoError(t, err)

	set := e.Readings(context.Background())
	assert.Equal(t, "roof", set.SiteID)
	assert.False(t, set.Timestamp.IsZero())
	assert.Len(t, set.Readings, len(e.Sensors))
	assert.Equal(t, "250", set.Readings[sensor.PowerLatest].Value)
	assert.Equal(t, "9", set.Readings["801-A"].Value)
	assert.False(t, set.Readings[sensor.ConsumedTotal].Available)
	assert.Equal(t, []string{"auth-roof"}, p.authIDs)

	r, ok := e.Reading(context.Background(), "801-A")
	require.True(t, ok)
	assert.True(t, r.Available)
	assert.Equal(t, "9", r.Value)

	_, ok = e.Reading(context.Background(), "nope")
	assert.False(t, ok)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sites:
  - name: Garage
    authId: abc
    systemId: SYS1
    ecuId: ECU1
    viewId: VIEW1
    panels: [801-A, 801-B]
  - id: house
    name: House
    authId: def
    systemId: SYS2
    ecuId: ECU2
    viewId: VIEW2
    sunsetMode: true
    latitude: 48.85
    longitude: 2.35
`), 0o600))

	sites, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "Garage", sites[0].Name)
	assert.Equal(t, "abc", sites[0].AuthID)
	assert.Equal(t, []string{"801-A", "801-B"}, sites[0].Panels)
	assert.Equal(t, "house", sites[1].ID)
	assert.True(t, sites[1].SunsetMode)
	assert.Equal(t, 48.85, sites[1].Latitude)

	sm, err := NewMap(&fakePortal{}, testTZ, nil, sites)
	require.NoError(t, err)
	_, err = sm.Get("garage")
	assert.NoError(t, err)

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("NoSites", func(t *testing.T) {
		empty := filepath.Join(dir, "empty.yaml")
		require.NoError(t, os.WriteFile(empty, []byte("sites: []\n"), 0o600))
		_, err := LoadFile(empty)
		assert.ErrorContains(t, err, "lists no sites")
	})

	t.Run("Malformed", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("sites: {"), 0o600))
		_, err := LoadFile(bad)
		assert.Error(t, err)
	})
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b ,"))
}

func TestParseCoordinate(t *testing.T) {
	v, err := parseCoordinate("")
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = parseCoordinate(" -33.86 ")
	require.NoError(t, err)
	assert.Equal(t, -33.86, v)

	_, err = parseCoordinate("north")
	assert.Error(t, err)
}
