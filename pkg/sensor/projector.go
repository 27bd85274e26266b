package sensor

import (
	"strconv"
	"strings"
	"time"

	"github.com/nathan-osman/go-sunrise"
	"github.com/raterudder/apsema/pkg/ema"
	"github.com/raterudder/apsema/pkg/types"
)

// SunTimes returns the UTC sunrise and sunset for a date at a location. Both
// are zero when the sun does not rise or set that day.
type SunTimes func(latitude, longitude float64, year int, month time.Month, day int) (time.Time, time.Time)

// Projector turns a cached Mapping into sensor readings for one site.
type Projector struct {
	site types.Site
	tz   ema.Timezone
	sun  SunTimes
	now  func() time.Time
}

// NewProjector returns a Projector for site.
func NewProjector(site types.Site, tz ema.Timezone) *Projector {
	return &Projector{
		site: site,
		tz:   tz,
		sun:  sunrise.SunriseSunset,
		now:  time.Now,
	}
}

// Daylight reports whether t falls between a sunrise and the following
// sunset at the site. The windows for the UTC dates either side of t are
// checked too, so the answer does not depend on the configured timezone. It
// is always true when the site does not gate on daylight or when the sun
// neither rises nor sets on t's UTC date.
func (p *Projector) Daylight(t time.Time) bool {
	if !p.site.SunsetMode {
		return true
	}
	for _, d := range []int{0, -1, 1} {
		day := t.UTC().AddDate(0, 0, d)
		rise, set := p.sun(p.site.Latitude, p.site.Longitude, day.Year(), day.Month(), day.Day())
		if rise.IsZero() || set.IsZero() {
			if d == 0 {
				return true
			}
			continue
		}
		if !t.Before(rise) && t.Before(set) {
			return true
		}
	}
	return false
}

// Project reads the sensor described by d out of snap. ok is false when there
// is no cached data, in which case the reading is unavailable.
//
// List fields yield their last element. A value equal to the latest entry of
// d.TimeKey is a sample time and is returned as a corrected time.Time; any
// other value is returned as the text the portal sent.
func (p *Projector) Project(snap types.Snapshot, ok bool, d types.Descriptor) types.Reading {
	r := types.Reading{
		Key:         d.Key,
		Unit:        d.Unit,
		Icon:        d.Icon,
		DeviceClass: d.DeviceClass,
		StateClass:  d.StateClass,
	}
	if !ok || snap.Empty() {
		return r
	}
	if !p.Daylight(p.now()) {
		return r
	}

	field, found := snap.Mapping[d.FieldKey]
	if !found {
		return r
	}
	value, found := field.Latest()
	if !found {
		return r
	}

	var stamp string
	if tf, found := snap.Mapping[d.TimeKey]; found {
		if s, found := tf.Latest(); found {
			stamp = s
			if t, err := p.tz.Parse(s); err == nil {
				r.Timestamp = &t
			}
		}
	}

	r.Available = true
	if stamp != "" && value == stamp {
		if r.Timestamp == nil {
			// looks like a timestamp but does not parse
			r.Available = false
			return r
		}
		r.Value = *r.Timestamp
		return r
	}

	r.Value = value
	if n, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
		r.Number = &n
	}
	return r
}

// ProjectAll returns one reading per descriptor keyed by sensor key.
func (p *Projector) ProjectAll(snap types.Snapshot, ok bool, descs []types.Descriptor) map[string]types.Reading {
	readings := make(map[string]types.Reading, len(descs))
	for _, d := range descs {
		readings[d.Key] = p.Project(snap, ok, d)
	}
	return readings
}
