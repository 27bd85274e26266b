package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/apsema/pkg/log"
	"github.com/raterudder/apsema/pkg/sensor"
	"github.com/raterudder/apsema/pkg/storage"
	"github.com/raterudder/apsema/pkg/types"
)

// seed fills the Firestore emulator with a day of synthetic reading history
// so /api/history has something to show during local development. Run it with
// -storage-provider=firestore.
func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	siteID := lflag.String("seed-site-id", "apsystems", "Site ID to seed readings for")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock readings", "siteID", *siteID)

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	const (
		SolarPeakW = 3600.0
		HomeAvgW   = 900.0
		Step       = 5 * time.Minute
	)

	descs := make(map[string]types.Descriptor)
	for _, d := range sensor.Defaults() {
		descs[d.Key] = d
	}
	reading := func(key string, v float64) types.Reading {
		d := descs[key]
		return types.Reading{
			Key:         key,
			Value:       strconv.FormatFloat(v, 'f', 3, 64),
			Number:      &v,
			Unit:        d.Unit,
			Icon:        d.Icon,
			DeviceClass: d.DeviceClass,
			StateClass:  d.StateClass,
			Available:   true,
		}
	}

	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var produced, consumed, exported, imported, maxW float64
	var count int
	for t := start; t.Before(now); t = t.Add(Step) {
		hours := float64(t.Sub(start)) / float64(time.Hour)

		// a bell over 06:00-20:00 with some cloud noise
		var solarW float64
		if hours > 6 && hours < 20 {
			solarW = SolarPeakW * math.Sin(math.Pi*(hours-6)/14) * (0.8 + 0.2*rng.Float64())
		}
		homeW := HomeAvgW * (0.6 + 0.8*rng.Float64())
		exportW := math.Max(0, solarW-homeW)
		importW := math.Max(0, homeW-solarW)
		maxW = math.Max(maxW, solarW)

		stepHours := Step.Hours()
		produced += solarW * stepHours / 1000
		consumed += homeW * stepHours / 1000
		exported += exportW * stepHours / 1000
		imported += importW * stepHours / 1000

		ts := t
		set := types.ReadingSet{
			SiteID:    *siteID,
			Timestamp: t,
			Readings: map[string]types.Reading{
				sensor.PowerLatest:     reading(sensor.PowerLatest, solarW),
				sensor.ConsumedLatest:  reading(sensor.ConsumedLatest, homeW),
				sensor.ExportedLatest:  reading(sensor.ExportedLatest, exportW),
				sensor.EnergyLatest:    reading(sensor.EnergyLatest, produced),
				sensor.PowerMaxDay:     reading(sensor.PowerMaxDay, maxW),
				sensor.ProductionTotal: reading(sensor.ProductionTotal, produced),
				sensor.ConsumedTotal:   reading(sensor.ConsumedTotal, consumed),
				sensor.ExportedTotal:   reading(sensor.ExportedTotal, exported),
				sensor.ImportedTotal:   reading(sensor.ImportedTotal, imported),
				sensor.Date: {
					Key:         sensor.Date,
					Value:       ts,
					Timestamp:   &ts,
					Icon:        descs[sensor.Date].Icon,
					DeviceClass: descs[sensor.Date].DeviceClass,
					Available:   true,
				},
			},
		}
		if err := s.InsertReadings(ctx, set); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed readings", "error", err)
			os.Exit(1)
		}
		count++
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding complete", "readings", count, "productionKWH", produced)
}
