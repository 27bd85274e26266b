package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/raterudder/apsema/pkg/ema"
	"github.com/raterudder/apsema/pkg/log"
	"github.com/raterudder/apsema/pkg/metrics"
	"github.com/raterudder/apsema/pkg/sensor"
	"github.com/raterudder/apsema/pkg/site"
	"github.com/raterudder/apsema/pkg/storage/storagemock"
	"github.com/raterudder/apsema/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type fakePortal struct {
	mu       sync.Mutex
	logins   map[string]int
	loginErr error
}

func (p *fakePortal) Login(ctx context.Context, authID string) (*ema.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.logins == nil {
		p.logins = make(map[string]int)
	}
	p.logins[authID]++
	if p.loginErr != nil {
		return nil, p.loginErr
	}
	return &ema.Session{}, nil
}

func (p *fakePortal) FetchAll(ctx context.Context, sess *ema.Session, q ema.Query) (types.Mapping, error) {
	return types.Mapping{
		// far in the future so the cache never goes stale during a test
		types.TimeKey1: types.List("32503680000000"),
		"P":            types.List("100", "250"),
		"801-A":        types.List("12"),
	}, nil
}

func (p *fakePortal) loginCount(authID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins[authID]
}

func testSite(name string) types.Site {
	return types.Site{
		Name:     name,
		AuthID:   "secret-" + name,
		SystemID: "SYS",
		ECUID:    "ECU",
		ViewID:   "VIEW",
		Panels:   []string{"801-A"},
	}
}

func newTestServer(t *testing.T, p *fakePortal, names ...string) (*Server, *storagemock.MockDatabase) {
	var sites []types.Site
	for _, n := range names {
		sites = append(sites, testSite(n))
	}
	sm, err := site.NewMap(p, ema.Timezone{Offset: 8 * time.Hour, Local: time.UTC}, nil, sites)
	require.NoError(t, err)
	db := new(storagemock.MockDatabase)
	return &Server{sites: sm, storage: db, serverName: "apsema-test"}, db
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzAndHeaders(t *testing.T) {
	srv, _ := newTestServer(t, &fakePortal{}, "roof")
	h := srv.setupHandler()

	rr := do(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.Equal(t, "apsema-test", rr.Header().Get("Server"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rr.Header().Get("Strict-Transport-Security"))
	assert.Len(t, rr.Header().Get(requestIDHeader), 36)

	t.Run("ReusesRequestID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set(requestIDHeader, "0b9c3e4e-6f0c-4d6b-8a5e-3f1f1e2d4c5b")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, "0b9c3e4e-6f0c-4d6b-8a5e-3f1f1e2d4c5b", rr.Header().Get(requestIDHeader))
	})

	t.Run("ReplacesInvalidRequestID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set(requestIDHeader, "not-a-uuid")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.NotEqual(t, "not-a-uuid", rr.Header().Get(requestIDHeader))
	})
}

func TestListSites(t *testing.T) {
	srv, _ := newTestServer(t, &fakePortal{}, "roof", "garage")
	rr := do(t, srv.setupHandler(), http.MethodGet, "/api/sites")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret-")

	var sites []struct {
		ID      string             `json:"id"`
		Panels  []string           `json:"panels"`
		Sensors []types.Descriptor `json:"sensors"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&sites))
	require.Len(t, sites, 2)
	assert.Equal(t, "roof", sites[0].ID)
	assert.Equal(t, "garage", sites[1].ID)
	assert.Equal(t, []string{"801-A"}, sites[0].Panels)
	assert.Len(t, sites[0].Sensors, len(sensor.Defaults())+1)
}

func TestSensors(t *testing.T) {
	t.Run("SingleSite", func(t *testing.T) {
		p := &fakePortal{}
		srv, _ := newTestServer(t, p, "roof")
		h := srv.setupHandler()

		rr := do(t, h, http.MethodGet, "/api/sensors")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

		var set types.ReadingSet
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&set))
		assert.Equal(t, "roof", set.SiteID)
		assert.Len(t, set.Readings, len(sensor.Defaults())+1)

		power := set.Readings[sensor.PowerLatest]
		assert.True(t, power.Available)
		assert.Equal(t, "250", power.Value)
		assert.Equal(t, types.UnitWatt, power.Unit)
		assert.Equal(t, types.DeviceClassPower, power.DeviceClass)
		assert.Equal(t, types.StateClassMeasurement, power.StateClass)
		assert.NotNil(t, power.Timestamp)
		assert.False(t, set.Readings[sensor.ConsumedTotal].Available)

		// served from cache
		rr = do(t, h, http.MethodGet, "/api/sensors/801-A")
		require.Equal(t, http.StatusOK, rr.Code)
		var r types.Reading
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&r))
		assert.Equal(t, "801-A", r.Key)
		assert.Equal(t, "12", r.Value)
		assert.Equal(t, 1, p.loginCount("secret-roof"))

		rr = do(t, h, http.MethodGet, "/api/sensors/nope")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("MultipleSites", func(t *testing.T) {
		p := &fakePortal{}
		srv, _ := newTestServer(t, p, "roof", "garage")
		h := srv.setupHandler()

		rr := do(t, h, http.MethodGet, "/api/sensors")
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = do(t, h, http.MethodGet, "/api/sensors?siteID=shed")
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = do(t, h, http.MethodGet, "/api/sensors/power_latest?siteID=garage")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 1, p.loginCount("secret-garage"))
		assert.Equal(t, 0, p.loginCount("secret-roof"))
	})

	t.Run("Unavailable", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakePortal{loginErr: ema.ErrNetwork}, "roof")
		rr := do(t, srv.setupHandler(), http.MethodGet, "/api/sensors/power_latest")
		require.Equal(t, http.StatusOK, rr.Code)

		var r map[string]any
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&r))
		assert.Equal(t, false, r["available"])
		assert.Nil(t, r["value"])
		assert.Equal(t, "W", r["unit"])
	})
}

func TestHistory(t *testing.T) {
	srv, db := newTestServer(t, &fakePortal{}, "roof")
	h := srv.setupHandler()

	start := time.Date(2024, 7, 12, 0, 0, 0, 0, time.UTC)
	end := start.Add(12 * time.Hour)
	stored := []types.ReadingSet{{
		SiteID:    "roof",
		Timestamp: start.Add(time.Hour),
		Readings: map[string]types.Reading{
			sensor.PowerLatest: {Key: sensor.PowerLatest, Value: "1", Available: true},
		},
	}}

	t.Run("OK", func(t *testing.T) {
		db.On("GetReadingHistory", mock.Anything, "roof", start, end).Return(stored, nil).Once()

		rr := do(t, h, http.MethodGet, "/api/history?start=2024-07-12T00:00:00Z&end=2024-07-12T12:00:00Z")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "private, max-age=86400", rr.Header().Get("Cache-Control"))

		var sets []types.ReadingSet
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&sets))
		require.Len(t, sets, 1)
		assert.Equal(t, "1", sets[0].Readings[sensor.PowerLatest].Value)
	})

	t.Run("Empty", func(t *testing.T) {
		db.On("GetReadingHistory", mock.Anything, "roof", mock.Anything, mock.Anything).Return(nil, nil).Once()

		rr := do(t, h, http.MethodGet, "/api/history")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "private, max-age=60", rr.Header().Get("Cache-Control"))
		assert.JSONEq(t, "[]", rr.Body.String())
	})

	t.Run("StorageError", func(t *testing.T) {
		db.On("GetReadingHistory", mock.Anything, "roof", mock.Anything, mock.Anything).Return(nil, errors.New("boom")).Once()

		rr := do(t, h, http.MethodGet, "/api/history")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("InvalidRange", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/api/history?start=2024-07-12T00:00:00Z&end=2024-07-14T00:00:00Z")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "cannot exceed 24 hours")

		rr = do(t, h, http.MethodGet, "/api/history?start=2024-07-12T12:00:00Z&end=2024-07-12T00:00:00Z")
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = do(t, h, http.MethodGet, "/api/history?start=yesterday&end=2024-07-12T00:00:00Z")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	db.AssertExpectations(t)
}

func TestUpdateWithoutAuth(t *testing.T) {
	p := &fakePortal{}
	srv, _ := newTestServer(t, p, "roof", "garage")
	h := srv.setupHandler()

	rr := do(t, h, http.MethodPost, "/api/update")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"sites":{"roof":{"ok":true},"garage":{"ok":true}}}`, rr.Body.String())
	assert.Equal(t, 1, p.loginCount("secret-roof"))
	assert.Equal(t, 1, p.loginCount("secret-garage"))

	// forced even though the cache is fresh
	rr = do(t, h, http.MethodPost, "/api/update?siteID=roof")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"sites":{"roof":{"ok":true}}}`, rr.Body.String())
	assert.Equal(t, 2, p.loginCount("secret-roof"))
	assert.Equal(t, 1, p.loginCount("secret-garage"))

	rr = do(t, h, http.MethodPost, "/api/update?siteID=shed")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/update")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	t.Run("Failure", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakePortal{loginErr: ema.ErrNetwork}, "roof")
		rr := do(t, srv.setupHandler(), http.MethodPost, "/api/update")
		assert.Equal(t, http.StatusBadGateway, rr.Code)

		var resp struct {
			Sites map[string]updateResult `json:"sites"`
		}
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.False(t, resp.Sites["roof"].OK)
		assert.Contains(t, resp.Sites["roof"].Error, "network error")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveCycle("roof", "ok")

	srv, _ := newTestServer(t, &fakePortal{}, "roof")
	srv.gatherer = reg

	rr := do(t, srv.setupHandler(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `apsema_fetch_cycles_total{result="ok",site="roof"} 1`)

	srv.gatherer = nil
	rr = do(t, srv.setupHandler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestParseTimeRange(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	start, end, err := parseTimeRange(req)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, end.Sub(start))

	req = httptest.NewRequest(http.MethodGet, "/api/history?start=2024-07-12T00:00:00Z&end=2024-07-13T00:00:00Z", nil)
	start, end, err = parseTimeRange(req)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 7, 12, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 7, 13, 0, 0, 0, 0, time.UTC), end)

	req = httptest.NewRequest(http.MethodGet, "/api/history?start=2024-07-12T00:00:00Z&end=2024-07-13T00:00:01Z", nil)
	_, _, err = parseTimeRange(req)
	assert.ErrorContains(t, err, "cannot exceed")
}

func TestHistoryCacheControl(t *testing.T) {
	// 23:30 in Los Angeles is already the next UTC day
	la := time.FixedZone("PDT", -7*60*60)
	now := time.Date(2024, 7, 12, 23, 30, 0, 0, la)

	assert.Equal(t, "private, max-age=86400", historyCacheControl(time.Date(2024, 7, 12, 23, 59, 0, 0, time.UTC), now))
	assert.Equal(t, "private, max-age=60", historyCacheControl(time.Date(2024, 7, 13, 0, 0, 0, 0, time.UTC), now))
	assert.Equal(t, "private, max-age=60", historyCacheControl(now, now))
}

func TestRun(t *testing.T) {
	srv, _ := newTestServer(t, &fakePortal{}, "roof")
	srv.listenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()
	// give ListenAndServe a moment before shutting down
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestWriteJSONError(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONError(rr, "nope", http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, `{"error":"nope"}`, strings.TrimSpace(rr.Body.String()))
}
