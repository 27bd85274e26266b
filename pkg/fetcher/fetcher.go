package fetcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/raterudder/apsema/pkg/ema"
	"github.com/raterudder/apsema/pkg/log"
	"github.com/raterudder/apsema/pkg/metrics"
	"github.com/raterudder/apsema/pkg/types"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultStaleAfter is how old the newest portal sample may get before a
	// new one is expected. The portal publishes a sample every 5 minutes.
	DefaultStaleAfter = 4*time.Minute + 50*time.Second
	// DefaultMinInterval is the minimum time between two fetch cycles, so a
	// portal that is slow to publish is not hammered.
	DefaultMinInterval = time.Minute
	// DefaultCycleTimeout bounds a whole fetch cycle.
	DefaultCycleTimeout = 2 * time.Minute

	flightKey = "fetch"
)

// Portal is the subset of *ema.Client a Fetcher needs.
type Portal interface {
	Login(ctx context.Context, authID string) (*ema.Session, error)
	FetchAll(ctx context.Context, sess *ema.Session, q ema.Query) (types.Mapping, error)
}

// Fetcher caches the portal data of one site and decides when it is stale.
// At most one fetch cycle runs at a time; concurrent callers wait for the
// cycle in flight instead of starting their own.
type Fetcher struct {
	portal  Portal
	site    types.Site
	tz      ema.Timezone
	metrics *metrics.Metrics

	now          func() time.Time
	staleAfter   time.Duration
	minInterval  time.Duration
	cycleTimeout time.Duration

	group singleflight.Group

	mu          sync.Mutex
	snapshot    types.Snapshot
	lastAttempt time.Time
	inFlight    bool
}

// New returns a Fetcher for site. m may be nil.
func New(portal Portal, site types.Site, tz ema.Timezone, m *metrics.Metrics) *Fetcher {
	return &Fetcher{
		portal:       portal,
		site:         site,
		tz:           tz,
		metrics:      m,
		now:          time.Now,
		staleAfter:   DefaultStaleAfter,
		minInterval:  DefaultMinInterval,
		cycleTimeout: DefaultCycleTimeout,
	}
}

// Site returns the site this Fetcher polls.
func (f *Fetcher) Site() types.Site {
	return f.site
}

// Timezone returns the timezone used to correct portal timestamps.
func (f *Fetcher) Timezone() ema.Timezone {
	return f.tz
}

// IsStale reports whether a new fetch cycle should run: the newest portal
// sample must be older than staleAfter and the previous attempt older than
// minInterval.
func IsStale(now, vendorEvent, lastAttempt time.Time, staleAfter, minInterval time.Duration) bool {
	return now.Sub(vendorEvent) > staleAfter && now.Sub(lastAttempt) > minInterval
}

// Data returns the cached snapshot, running a fetch cycle first when the
// cache is empty or stale. The bool is false when there is no data. The
// returned Mapping is shared and must not be modified.
//
// ctx only bounds how long the caller waits; a cycle that is already running
// continues for the callers still waiting on it.
func (f *Fetcher) Data(ctx context.Context) (types.Snapshot, bool) {
	f.mu.Lock()
	need := f.shouldFetch(ctx, f.now())
	// with nothing cached, wait for a cycle that is already running
	join := f.inFlight && f.snapshot.Mapping == nil
	f.mu.Unlock()

	if need || join {
		if err := f.refresh(ctx, false); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "serving cached data after failed fetch", slog.String("siteID", f.site.ID), slog.Any("error", err))
		}
	}
	return f.Snapshot()
}

// Refresh runs a fetch cycle regardless of staleness, or waits for the one
// already running. It only returns nil once a cycle actually ran.
func (f *Fetcher) Refresh(ctx context.Context) error {
	return f.refresh(ctx, true)
}

// Snapshot returns the cached snapshot without fetching.
func (f *Fetcher) Snapshot() (types.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, f.snapshot.Mapping != nil
}

// LastAttempt returns when the last fetch cycle started.
func (f *Fetcher) LastAttempt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAttempt
}

// shouldFetch must be called with mu held.
func (f *Fetcher) shouldFetch(ctx context.Context, now time.Time) bool {
	if f.lastAttempt.IsZero() {
		return true
	}
	event, ok := f.vendorEventTime()
	if !ok {
		// without a sample time only the cooldown applies
		log.Ctx(ctx).DebugContext(ctx, "no vendor timestamp cached", slog.String("siteID", f.site.ID), slog.String("field", types.TimeKey1))
		return now.Sub(f.lastAttempt) > f.minInterval
	}
	return IsStale(now, event, f.lastAttempt, f.staleAfter, f.minInterval)
}

// vendorEventTime must be called with mu held.
func (f *Fetcher) vendorEventTime() (time.Time, bool) {
	if f.snapshot.Mapping == nil {
		return time.Time{}, false
	}
	v, ok := f.snapshot.Mapping[types.TimeKey1].Latest()
	if !ok {
		return time.Time{}, false
	}
	t, err := f.tz.Parse(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (f *Fetcher) refresh(ctx context.Context, force bool) error {
	// the cycle must outlive the caller that happened to start it
	cycleCtx := context.WithoutCancel(ctx)
	for {
		ch := f.group.DoChan(flightKey, func() (any, error) {
			if !force {
				// a caller may have decided to fetch just before the previous
				// cycle finished
				f.mu.Lock()
				need := f.shouldFetch(cycleCtx, f.now())
				f.mu.Unlock()
				if !need {
					return false, nil
				}
			}
			ctx, cancel := context.WithTimeout(cycleCtx, f.cycleTimeout)
			defer cancel()
			return true, f.cycle(ctx)
		})

		select {
		case res := <-ch:
			ran, _ := res.Val.(bool)
			if ran || !force || res.Err != nil {
				return res.Err
			}
			// joined a flight that found the cache fresh, a forced refresh
			// needs its own cycle
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cycle logs in, fetches every endpoint and replaces the cached snapshot.
// A failed login, or a cycle where every endpoint failed, leaves the previous
// snapshot in place.
func (f *Fetcher) cycle(ctx context.Context) error {
	start := f.now()
	f.mu.Lock()
	f.lastAttempt = start
	f.inFlight = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight = false
		f.mu.Unlock()
	}()

	ctx = log.WithAttrs(ctx, slog.String("siteID", f.site.ID))
	log.Ctx(ctx).DebugContext(ctx, "starting fetch cycle")

	sess, err := f.portal.Login(ctx, f.site.AuthID)
	if err != nil {
		f.metrics.ObserveCycle(f.site.ID, "login_failed")
		log.Ctx(ctx).ErrorContext(ctx, "ema login failed, keeping cached data", slog.Any("error", err))
		return err
	}

	m, err := f.portal.FetchAll(ctx, sess, ema.Query{
		ECUID:    f.site.ECUID,
		SystemID: f.site.SystemID,
		ViewID:   f.site.ViewID,
		Date:     f.tz.In(start),
	})
	if len(m) == 0 && err != nil {
		f.metrics.ObserveCycle(f.site.ID, "failed")
		log.Ctx(ctx).ErrorContext(ctx, "every ema endpoint failed, keeping cached data", slog.Any("error", err))
		return err
	}

	snap := types.Snapshot{FetchedAt: start}
	result := "no_data"
	if len(m) > 0 {
		snap.Mapping = m
		result = "ok"
		if err != nil {
			result = "partial"
		}
	}

	f.mu.Lock()
	f.snapshot = snap
	f.mu.Unlock()

	f.metrics.ObserveCycle(f.site.ID, result)
	log.Ctx(ctx).InfoContext(
		ctx,
		"fetch cycle complete",
		slog.String("result", result),
		slog.Int("fields", len(m)),
		slog.Duration("duration", f.now().Sub(start)),
	)
	return nil
}
