package ema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
)

// DefaultVendorOffset is the UTC offset of the zone the portal reports its
// sample times in.
const DefaultVendorOffset = 8 * time.Hour

// Timezone converts portal timestamps into real instants. The portal sends
// epoch milliseconds that are shifted by its own zone, so they are corrected
// by Offset minus the local UTC offset at that instant.
type Timezone struct {
	Offset time.Duration
	Local  *time.Location
}

// DefaultTimezone uses DefaultVendorOffset and the process' local zone.
func DefaultTimezone() Timezone {
	return Timezone{Offset: DefaultVendorOffset, Local: time.Local}
}

// ConfiguredTimezone registers the timezone flags.
func ConfiguredTimezone() *Timezone {
	tz := DefaultTimezone()

	offset := lflag.Duration("vendor-utc-offset", DefaultVendorOffset, "UTC offset of the timestamps reported by the EMA portal")
	zone := lflag.String("timezone", "Local", "IANA zone readings are reported in")

	lflag.Do(func() {
		tz.Offset = *offset
		loc, err := time.LoadLocation(*zone)
		if err != nil {
			panic(fmt.Errorf("failed to load timezone %q: %w", *zone, err))
		}
		tz.Local = loc
	})
	return &tz
}

func (tz Timezone) location() *time.Location {
	if tz.Local == nil {
		return time.Local
	}
	return tz.Local
}

// In returns t in the local zone.
func (tz Timezone) In(t time.Time) time.Time {
	return t.In(tz.location())
}

// Correct converts a raw portal timestamp in milliseconds.
func (tz Timezone) Correct(ms int64) time.Time {
	loc := tz.location()
	_, localOffset := time.UnixMilli(ms).In(loc).Zone()
	corrected := ms + tz.Offset.Milliseconds() - int64(localOffset)*1000
	return time.UnixMilli(corrected).In(loc)
}

// Parse parses and corrects a raw portal timestamp.
func (tz Timezone) Parse(s string) (time.Time, error) {
	ms, err := ParseTimestamp(s)
	if err != nil {
		return time.Time{}, err
	}
	return tz.Correct(ms), nil
}

// ParseTimestamp parses an epoch-milliseconds string as sent by the portal.
func ParseTimestamp(s string) (int64, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid timestamp %q", ErrUpstreamFormat, s)
	}
	return ms, nil
}
