package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/raterudder/apsema/pkg/ema"
	"github.com/raterudder/apsema/pkg/log"
	"github.com/raterudder/apsema/pkg/metrics"
	"github.com/raterudder/apsema/pkg/poller"
	"github.com/raterudder/apsema/pkg/server"
	"github.com/raterudder/apsema/pkg/site"
	"github.com/raterudder/apsema/pkg/storage"
	"golang.org/x/sync/errgroup"
)

func main() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// init packages
	tz := ema.ConfiguredTimezone()
	client := ema.Configured(m)
	s := storage.Configured()
	sites := site.Configured(client, tz, m)
	p := poller.Configured(sites, s, m)

	// init server
	srv := server.Configured(sites, s, reg)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	log.Ctx(ctx).DebugContext(ctx, "logger configured", slog.String("level", level.String()))

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	for _, e := range sites.List() {
		log.Ctx(ctx).InfoContext(
			ctx,
			"configured site",
			slog.String("siteID", e.Site.ID),
			slog.Int("sensors", len(e.Sensors)),
			slog.Bool("sunsetMode", e.Site.SunsetMode),
		)
	}

	// the poller and the server stop together
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
