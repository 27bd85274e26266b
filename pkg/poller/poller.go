package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/apsema/pkg/log"
	"github.com/raterudder/apsema/pkg/metrics"
	"github.com/raterudder/apsema/pkg/site"
	"github.com/raterudder/apsema/pkg/storage"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultInterval matches how often the portal data is expected to be
	// looked at. The fetchers decide whether the portal is actually queried.
	DefaultInterval = time.Minute

	defaultTimeout = 2 * time.Minute
)

// Poller periodically reads every site so its cache stays warm, then exports
// the readings as metrics and records them to storage.
type Poller struct {
	sites    *site.Map
	db       storage.Database
	metrics  *metrics.Metrics
	interval time.Duration
	timeout  time.Duration

	mu           sync.Mutex
	lastRecorded map[string]time.Time
	// seeded holds the sites whose lastRecorded was loaded from storage
	seeded map[string]bool
}

// New returns a Poller. db and m may be nil.
func New(sites *site.Map, db storage.Database, m *metrics.Metrics) *Poller {
	if db == nil {
		db = storage.None()
	}
	return &Poller{
		sites:        sites,
		db:           db,
		metrics:      m,
		interval:     DefaultInterval,
		timeout:      defaultTimeout,
		lastRecorded: make(map[string]time.Time),
		seeded:       make(map[string]bool),
	}
}

// Configured registers the poller flags and returns the Poller they
// configure.
func Configured(sites *site.Map, db storage.Database, m *metrics.Metrics) *Poller {
	p := New(sites, db, m)

	interval := lflag.Duration("poll-interval", DefaultInterval, "How often every site is polled")

	lflag.Do(func() {
		if *interval <= 0 {
			panic(fmt.Sprintf("poll-interval must be positive: %s", *interval))
		}
		p.interval = *interval
	})
	return p
}

// Run polls once and then on every interval until ctx is canceled. A poll
// that is still running when the next one is due is skipped.
func (p *Poller) Run(ctx context.Context) error {
	logger := cronLogger{ctx: ctx}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	id, err := c.AddFunc(fmt.Sprintf("@every %s", p.interval), func() { p.Poll(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule poller: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "starting poller", slog.Duration("interval", p.interval))
	// the first run goes through the job chain so the schedule skips it if
	// it is still running
	c.Entry(id).WrappedJob.Run()
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	log.Ctx(ctx).InfoContext(ctx, "poller stopped")
	return nil
}

// Poll reads every configured site once.
func (p *Poller) Poll(ctx context.Context) {
	for _, e := range p.sites.List() {
		if ctx.Err() != nil {
			return
		}
		p.pollSite(ctx, e)
	}
}

func (p *Poller) pollSite(ctx context.Context, e *site.Entry) {
	ctx = log.WithAttrs(ctx, slog.String("siteID", e.Site.ID))
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	set := e.Readings(ctx)
	available := 0
	for key, r := range set.Readings {
		p.metrics.SetSensor(e.Site.ID, key, r.Number, r.Available)
		if r.Available {
			available++
		}
	}

	if set.Timestamp.IsZero() {
		// nothing was ever fetched
		return
	}
	last := p.lastRecordedTime(ctx, e.Site.ID)
	if !set.Timestamp.After(last) {
		return
	}

	if err := p.db.InsertReadings(ctx, set); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record readings", slog.Any("error", err))
		return
	}
	p.mu.Lock()
	p.lastRecorded[e.Site.ID] = set.Timestamp
	p.mu.Unlock()
	log.Ctx(ctx).DebugContext(
		ctx,
		"recorded readings",
		slog.Time("fetchedAt", set.Timestamp),
		slog.Int("available", available),
		slog.Int("sensors", len(set.Readings)),
	)
}

// lastRecordedTime returns the fetch time of the newest set recorded for
// siteID. The first call for a site asks storage, so a restart does not record
// a snapshot that is already there.
func (p *Poller) lastRecordedTime(ctx context.Context, siteID string) time.Time {
	p.mu.Lock()
	seeded := p.seeded[siteID]
	last := p.lastRecorded[siteID]
	p.mu.Unlock()
	if seeded {
		return last
	}

	latest, err := p.db.GetLatestReadingTime(ctx, siteID)
	if err != nil {
		// try again on the next poll
		log.Ctx(ctx).WarnContext(ctx, "failed to get latest reading time", slog.Any("error", err))
		return last
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeded[siteID] = true
	if latest.After(p.lastRecorded[siteID]) {
		p.lastRecorded[siteID] = latest
	}
	return p.lastRecorded[siteID]
}

// cronLogger sends cron's own logging to slog.
type cronLogger struct {
	ctx context.Context
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Ctx(l.ctx).DebugContext(l.ctx, "cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Ctx(l.ctx).ErrorContext(l.ctx, "cron: "+msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
