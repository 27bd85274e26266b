package site

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/apsema/pkg/ema"
	"github.com/raterudder/apsema/pkg/fetcher"
	"github.com/raterudder/apsema/pkg/metrics"
	"github.com/raterudder/apsema/pkg/types"
)

// Configured registers the site flags and returns the Map they configure.
// Sites come either from the YAML file named by -sites-config or from the
// single-site flags. tz is read once flags are parsed.
func Configured(portal fetcher.Portal, tz *ema.Timezone, m *metrics.Metrics) *Map {
	configPath := lflag.String("sites-config", "", "Path to a YAML file listing sites (overrides the single-site flags)")

	name := lflag.String("name", types.DefaultSiteName, "Name of the site")
	authID := lflag.String("auth-id", "", "EMA demo-user auth id")
	systemID := lflag.String("system-id", "", "EMA system id")
	ecuID := lflag.String("ecu-id", "", "EMA ECU id")
	viewID := lflag.String("view-id", "", "EMA view id")
	panels := lflag.String("panels", "", "Comma-separated panel names to expose as sensors")
	sunsetMode := lflag.Bool("sunset-mode", false, "Report sensors as unavailable between sunset and sunrise")
	latitude := lflag.String("latitude", "", "Latitude of the site, required for -sunset-mode")
	longitude := lflag.String("longitude", "", "Longitude of the site, required for -sunset-mode")

	var sm Map
	lflag.Do(func() {
		var sites []types.Site
		if *configPath != "" {
			var err error
			sites, err = LoadFile(*configPath)
			if err != nil {
				panic(err)
			}
		} else {
			s := types.Site{
				Name:       *name,
				AuthID:     *authID,
				SystemID:   *systemID,
				ECUID:      *ecuID,
				ViewID:     *viewID,
				Panels:     splitList(*panels),
				SunsetMode: *sunsetMode,
			}
			var err error
			if s.Latitude, err = parseCoordinate(*latitude); err != nil {
				panic(fmt.Sprintf("invalid latitude: %v", err))
			}
			if s.Longitude, err = parseCoordinate(*longitude); err != nil {
				panic(fmt.Sprintf("invalid longitude: %v", err))
			}
			sites = []types.Site{s}
		}

		built, err := NewMap(portal, *tz, m, sites)
		if err != nil {
			panic(fmt.Sprintf("site validation failed: %v", err))
		}
		sm = *built
	})
	return &sm
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseCoordinate(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
